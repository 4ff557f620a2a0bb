package discovery

import (
	"context"
	"fmt"
	"net"

	"github.com/grandcat/zeroconf"
)

type zeroconfBackend struct {
	opts []zeroconf.ClientOption
}

// NewZeroconfBackend browses with multicast DNS on all interfaces, or on the ones selected by opts.
// Every call uses a fresh resolver because a zeroconf resolver shuts down with the context of its first
// query.
func NewZeroconfBackend(opts ...zeroconf.ClientOption) Backend {
	return zeroconfBackend{opts: opts}
}

func (b zeroconfBackend) Browse(ctx context.Context, service, domain string, out chan<- Advertisement) error {
	resolver, err := zeroconf.NewResolver(b.opts...)
	if err != nil {
		return fmt.Errorf("Browse: failed to initialize resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return fmt.Errorf("Browse: failed browsing %s%s: %w", service, domain, err)
	}
	go forward(ctx, entries, out)
	return nil
}

func forward(ctx context.Context, entries <-chan *zeroconf.ServiceEntry, out chan<- Advertisement) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			select {
			case out <- fromEntry(entry):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b zeroconfBackend) Resolve(ctx context.Context, service, domain string, ad Advertisement) (Resolution, error) {
	if len(ad.Addresses) > 0 {
		return Resolution{HostName: ad.HostName, Addresses: ad.Addresses}, nil
	}
	resolver, err := zeroconf.NewResolver(b.opts...)
	if err != nil {
		return Resolution{}, fmt.Errorf("Resolve: failed to initialize resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Lookup(ctx, ad.Instance, service, domain, entries); err != nil {
		return Resolution{}, fmt.Errorf("Resolve: lookup of %s failed: %w", ad.Instance, err)
	}
	for {
		select {
		case <-ctx.Done():
			return Resolution{}, ctx.Err()
		case entry, ok := <-entries:
			if !ok {
				if ctx.Err() != nil {
					return Resolution{}, ctx.Err()
				}
				return Resolution{}, ErrNoAddresses
			}
			if entry == nil {
				continue
			}
			if addrs := entryAddresses(entry); len(addrs) > 0 {
				return Resolution{HostName: entry.HostName, Addresses: addrs}, nil
			}
		}
	}
}

func fromEntry(entry *zeroconf.ServiceEntry) Advertisement {
	return Advertisement{
		Identifier: entry.Instance,
		Instance:   entry.Instance,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  entryAddresses(entry),
	}
}

// entryAddresses keeps the order of the record, IPv4 first.
func entryAddresses(entry *zeroconf.ServiceEntry) []net.IP {
	addrs := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip != nil {
			addrs = append(addrs, ip)
		}
	}
	return addrs
}
