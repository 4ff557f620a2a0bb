package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// EventType identifies discovery updates.
type EventType int

const (
	// SearchStarted is emitted once browsing began.
	SearchStarted EventType = iota
	// SearchStopped is emitted after Stop, no events of the stopped session follow it.
	SearchStopped
	// PeerFound is emitted for every successful resolution of an advertisement.
	PeerFound
	// PeerRemoved is emitted when an advertisement went away.
	PeerRemoved
	// PeerResolutionFailed is emitted when an advertisement could not be resolved to an address.
	PeerResolutionFailed
)

func (t EventType) String() string {
	switch t {
	case SearchStarted:
		return "search_started"
	case SearchStopped:
		return "search_stopped"
	case PeerFound:
		return "peer_found"
	case PeerRemoved:
		return "peer_removed"
	case PeerResolutionFailed:
		return "peer_resolution_failed"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is a tagged discovery update. Identifier is set for PeerFound and PeerRemoved, Name is the
// resolved host name for PeerFound (may be empty) and the advertised name for PeerResolutionFailed.
type Event struct {
	Type       EventType `json:"type"`
	Identifier string    `json:"identifier,omitempty"`
	Name       string    `json:"name,omitempty"`
	Address    net.IP    `json:"address,omitempty"`
	Err        error     `json:"-"`
}

// Message is the human readable text of a failure event.
func (e Event) Message() string {
	if e.Type != PeerResolutionFailed {
		return ""
	}
	var re *ResolveError
	if errors.As(e.Err, &re) {
		return fmt.Sprintf("Resolving %s failed with the error domain %s, code %d", e.Name, re.Domain, re.Code)
	}
	return fmt.Sprintf("Failed to resolve %s: %v", e.Name, e.Err)
}

// Bonjour style error domain and codes for resolution failures.
const (
	ErrorDomain = "NSNetServicesErrorDomain"

	CodeUnknown   = -72000
	CodeNotFound  = -72002
	CodeCancelled = -72005
	CodeTimeout   = -72007
)

// ErrResolutionTimeout matches every ResolveError with CodeTimeout.
var ErrResolutionTimeout = errors.New("resolution timed out")

// ErrNoAddresses is returned by backends when an advertisement resolved without any address.
var ErrNoAddresses = errors.New("advertisement has no addresses")

// ResolveError is the failure of resolving one advertisement.
type ResolveError struct {
	Domain string
	Code   int
	Err    error
}

func (e *ResolveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve failed with the error domain %s, code %d: %v", e.Domain, e.Code, e.Err)
	}
	return fmt.Sprintf("resolve failed with the error domain %s, code %d", e.Domain, e.Code)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

func (e *ResolveError) Is(target error) bool {
	return target == ErrResolutionTimeout && e.Code == CodeTimeout
}

// IsTimeout reports whether the resolution hit its deadline.
func (e *ResolveError) IsTimeout() bool {
	return e.Code == CodeTimeout
}

func toResolveError(err error) *ResolveError {
	var re *ResolveError
	if errors.As(err, &re) {
		return re
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ResolveError{Domain: ErrorDomain, Code: CodeTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &ResolveError{Domain: ErrorDomain, Code: CodeCancelled, Err: err}
	case errors.Is(err, ErrNoAddresses):
		return &ResolveError{Domain: ErrorDomain, Code: CodeNotFound, Err: err}
	}
	return &ResolveError{Domain: ErrorDomain, Code: CodeUnknown, Err: err}
}
