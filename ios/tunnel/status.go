package tunnel

import (
	"fmt"
)

// Status of the tunnel provider. It moves Disconnected, Connecting, Connected, Disconnecting and back to
// Disconnected.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Disconnecting
)

var statusNames = map[Status]string{
	Disconnected:  "disconnected",
	Connecting:    "connecting",
	Connected:     "connected",
	Disconnecting: "disconnecting",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("UnmarshalText: unknown tunnel status '%s'", text)
}
