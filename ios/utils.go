package ios

import (
	"fmt"
	"os"
	"path/filepath"

	plist "howett.net/plist"
)

// ToPlistBytes converts a given struct to an XML Plist using the
// github.com/DHowett/go-plist library. Make sure your struct is exported.
func ToPlistBytes(data interface{}) ([]byte, error) {
	b, err := plist.MarshalIndent(data, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("ToPlistBytes: failed converting %T to plist: %w", data, err)
	}
	return b, nil
}

// FromPlistBytes decodes a plist in any of the supported formats into v.
func FromPlistBytes(data []byte, v interface{}) error {
	_, err := plist.Unmarshal(data, v)
	if err != nil {
		return fmt.Errorf("FromPlistBytes: failed decoding plist: %w", err)
	}
	return nil
}

// WritePlistFile stores data as plist at path. The file is written next to the target first and then
// renamed so readers never see a partially written file.
func WritePlistFile(path string, data interface{}) error {
	b, err := ToPlistBytes(data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("WritePlistFile: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("WritePlistFile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("WritePlistFile: %w", err)
	}
	return nil
}

// PathExists is used to determine whether the path folder exists
// True if it exists, false otherwise
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
