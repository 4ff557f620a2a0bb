// Package storage persists the saved host list and the per host settings in a single plist file.
package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/danielpaulus/go-jitterbug/ios"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	plist "howett.net/plist"
)

// Keys of the per host settings.
const (
	KeyPairing            = "Pairing"
	KeyDiskImage          = "DiskImage"
	KeyDiskImageSignature = "DiskImageSignature"
	KeyFavorites          = "Favorites"
)

// HostRecord is the archived form of a saved peer.
type HostRecord struct {
	Identifier string `plist:"Identifier"`
	Name       string `plist:"Name"`
	Address    string `plist:"Address,omitempty"`
}

type fileContent struct {
	SavedHosts []HostRecord                      `plist:"SavedHosts"`
	Hosts      map[string]map[string]interface{} `plist:"Hosts"`
}

// Store is a key value store. A Store without a path only lives in memory.
type Store struct {
	path string

	mu      sync.Mutex
	content fileContent
}

// NewMemory returns a store that is never written to disk.
func NewMemory() *Store {
	return &Store{content: fileContent{Hosts: map[string]map[string]interface{}{}}}
}

// Open loads the store at path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := NewMemory()
	s.path = path
	exists, err := ios.PathExists(path)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	if !exists {
		log.WithField("path", path).Debug("store does not exist yet")
		return s, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Open: failed reading %s: %w", path, err)
	}
	if err := ios.FromPlistBytes(b, &s.content); err != nil {
		return nil, fmt.Errorf("Open: %s is corrupt: %w", path, err)
	}
	if s.content.Hosts == nil {
		s.content.Hosts = map[string]map[string]interface{}{}
	}
	return s, nil
}

// Path is empty for memory stores.
func (s *Store) Path() string {
	return s.path
}

// SavedHosts returns the archived saved peers.
func (s *Store) SavedHosts() ([]HostRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HostRecord(nil), s.content.SavedHosts...), nil
}

// SetSavedHosts replaces the archived saved peers.
func (s *Store) SetSavedHosts(records []HostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content.SavedHosts = append([]HostRecord(nil), records...)
	return s.flushLocked()
}

// HostValue decodes the setting key of host into v. It returns false if the setting is not present.
func (s *Store) HostValue(host, key string, v interface{}) (bool, error) {
	s.mu.Lock()
	raw, ok := s.content.Hosts[host][key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	// values loaded from disk are generic plist values, a round trip converts them into v
	b, err := plist.Marshal(raw, plist.BinaryFormat)
	if err != nil {
		return false, fmt.Errorf("HostValue: failed encoding %s/%s: %w", host, key, err)
	}
	if _, err := plist.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("HostValue: %s/%s has an unexpected type: %w", host, key, err)
	}
	return true, nil
}

// SetHostValue stores a setting of host. A nil value deletes the setting.
func (s *Store) SetHostValue(host, key string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, ok := s.content.Hosts[host]
	if !ok {
		if v == nil {
			return nil
		}
		settings = map[string]interface{}{}
		s.content.Hosts[host] = settings
	}
	if v == nil {
		delete(settings, key)
		if len(settings) == 0 {
			delete(s.content.Hosts, host)
		}
	} else {
		settings[key] = v
	}
	return s.flushLocked()
}

// Hosts lists every host that has settings, sorted.
func (s *Store) Hosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := maps.Keys(s.content.Hosts)
	slices.Sort(hosts)
	return hosts
}

func (s *Store) flushLocked() error {
	if s.path == "" {
		return nil
	}
	if err := ios.WritePlistFile(s.path, s.content); err != nil {
		return fmt.Errorf("flush: failed writing store: %w", err)
	}
	return nil
}
