package tunnel

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProvider is returned by ProviderManager.Load if no provider configuration exists yet.
	ErrNoProvider = errors.New("no tunnel provider configured")
	// ErrNotConfigured is returned when an operation needs a provider and none exists.
	ErrNotConfigured = errors.New("tunnel is not configured")
	// ErrStartTimeout is returned when the provider did not report Connected in time.
	ErrStartTimeout = errors.New("timed out waiting for the tunnel to connect")
	// ErrProviderGone is returned when the status stream of the provider ended during start.
	ErrProviderGone = errors.New("tunnel provider went away")
)

// SaveError is returned when the provider configuration could not be created.
type SaveError struct {
	Err error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("failed saving the tunnel configuration: %v", e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}
