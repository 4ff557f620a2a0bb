package tunnel

import (
	"context"
	"net"
)

// Provider is a configured packet tunnel.
type Provider interface {
	Status() Status
	// Start asks the provider to connect. It returns once the request was accepted, the provider reports
	// progress through its status stream.
	Start(options map[string]string) error
	// Stop asks the provider to disconnect and does not wait for it.
	Stop() error
	// Subscribe returns a channel with all future status changes.
	Subscribe(buffer int) (<-chan Status, func())
	Config() Config
}

// ProviderManager persists the provider configuration of the process.
type ProviderManager interface {
	// Load returns the live provider or ErrNoProvider if none was saved yet.
	Load(ctx context.Context) (Provider, error)
	// Save creates or replaces the provider configuration.
	Save(ctx context.Context, cfg Config) error
}

// PeerUpdater receives the address of the peer once the tunnel is up.
type PeerUpdater interface {
	UpdateAddress(id string, address net.IP) error
}
