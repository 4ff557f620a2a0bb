// Package registry keeps the saved and the found peers and merges discovery events into them.
//
// A peer is either saved or found, never both. Saved peers survive restarts and are never dropped
// because discovery lost them, found peers only exist while they are advertised.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/danielpaulus/go-jitterbug/ios"
	"github.com/danielpaulus/go-jitterbug/ios/discovery"
	"github.com/danielpaulus/go-jitterbug/ios/notify"
	"github.com/danielpaulus/go-jitterbug/ios/storage"
	log "github.com/sirupsen/logrus"
)

// ErrUnknownPeer is returned for identifiers that are neither saved nor found.
var ErrUnknownPeer = errors.New("unknown peer")

// Store is where saved peers and per host settings are persisted, storage.Store implements it.
type Store interface {
	SavedHosts() ([]storage.HostRecord, error)
	SetSavedHosts(records []storage.HostRecord) error
	HostValue(host, key string, v interface{}) (bool, error)
	SetHostValue(host, key string, v interface{}) error
}

// ChangeKind tells observers what to refresh.
type ChangeKind int

const (
	PeersChanged ChangeKind = iota
	FavoritesChanged
	AlertRaised
	ScanningChanged
)

// Change is published after every mutation of the registry.
type Change struct {
	Kind       ChangeKind
	Identifier string
	Message    string
}

// Registry owns the saved and found peer sets. All methods are safe for concurrent use.
type Registry struct {
	store Store

	mu       sync.Mutex
	saved    []*ios.Peer
	found    []*ios.Peer
	scanning bool
	alert    string

	hub *notify.Hub[Change]
}

// New creates an empty registry backed by store.
func New(store Store) *Registry {
	return &Registry{store: store, hub: notify.NewHub[Change]()}
}

// Subscribe returns a channel with all future changes.
func (r *Registry) Subscribe(buffer int) (<-chan Change, func()) {
	return r.hub.Subscribe(buffer)
}

func (r *Registry) publish(c Change) {
	r.mu.Lock()
	savedCount, foundCount := len(r.saved), len(r.found)
	r.mu.Unlock()
	peerCount.WithLabelValues("saved").Set(float64(savedCount))
	peerCount.WithLabelValues("found").Set(float64(foundCount))
	r.hub.Publish(c)
}

// Run merges events into the registry until events is closed or ctx is done.
func (r *Registry) Run(ctx context.Context, events <-chan discovery.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			r.Handle(e)
		}
	}
}

// Handle merges a single discovery event.
func (r *Registry) Handle(e discovery.Event) {
	switch e.Type {
	case discovery.PeerFound:
		r.peerFound(e.Identifier, e.Name, e.Address)
		r.publish(Change{Kind: PeersChanged, Identifier: e.Identifier})
	case discovery.PeerRemoved:
		r.peerRemoved(e.Identifier)
		r.publish(Change{Kind: PeersChanged, Identifier: e.Identifier})
	case discovery.PeerResolutionFailed:
		msg := e.Message()
		r.mu.Lock()
		r.alert = msg
		r.mu.Unlock()
		r.publish(Change{Kind: AlertRaised, Identifier: e.Identifier, Message: msg})
	case discovery.SearchStarted, discovery.SearchStopped:
		r.mu.Lock()
		r.scanning = e.Type == discovery.SearchStarted
		r.mu.Unlock()
		r.publish(Change{Kind: ScanningChanged})
	}
}

func (r *Registry) peerFound(id, name string, address net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := find(r.saved, id); p != nil {
		p.Merge(name, address)
		return
	}
	if p := find(r.found, id); p != nil {
		p.Merge(name, address)
		return
	}
	p := ios.NewPeer(id)
	p.Merge(name, address)
	r.found = append(r.found, p)
	log.WithField("identifier", id).WithField("address", address).Debug("new peer")
}

func (r *Registry) peerRemoved(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := find(r.saved, id); p != nil {
		p.Discovered = false
	}
	r.found = without(r.found, id)
}

// Save moves a found peer into the saved set and archives the saved set. Saving a saved peer does nothing.
func (r *Registry) Save(id string) error {
	r.mu.Lock()
	if find(r.saved, id) != nil {
		r.mu.Unlock()
		return nil
	}
	p := find(r.found, id)
	if p == nil {
		r.mu.Unlock()
		return fmt.Errorf("Save: %s: %w", id, ErrUnknownPeer)
	}
	r.found = without(r.found, id)
	r.saved = append(r.saved, p)
	r.mu.Unlock()

	r.publish(Change{Kind: PeersChanged, Identifier: id})
	return r.Archive()
}

// Forget moves a saved peer back into the found set and archives the saved set. Forgetting a found
// peer does nothing.
func (r *Registry) Forget(id string) error {
	r.mu.Lock()
	if find(r.found, id) != nil {
		r.mu.Unlock()
		return nil
	}
	p := find(r.saved, id)
	if p == nil {
		r.mu.Unlock()
		return fmt.Errorf("Forget: %s: %w", id, ErrUnknownPeer)
	}
	r.saved = without(r.saved, id)
	r.found = append(r.found, p)
	r.mu.Unlock()

	r.publish(Change{Kind: PeersChanged, Identifier: id})
	return r.Archive()
}

// UpdateAddress changes the address of a saved or found peer.
func (r *Registry) UpdateAddress(id string, address net.IP) error {
	r.mu.Lock()
	p := find(r.saved, id)
	if p == nil {
		p = find(r.found, id)
	}
	if p == nil {
		r.mu.Unlock()
		return fmt.Errorf("UpdateAddress: %s: %w", id, ErrUnknownPeer)
	}
	p.UpdateAddress(address)
	r.mu.Unlock()
	r.publish(Change{Kind: PeersChanged, Identifier: id})
	return nil
}

// SetPaired records the result of a lockdown round trip with the peer.
func (r *Registry) SetPaired(id string, paired bool) error {
	r.mu.Lock()
	p := find(r.saved, id)
	if p == nil {
		p = find(r.found, id)
	}
	if p == nil {
		r.mu.Unlock()
		return fmt.Errorf("SetPaired: %s: %w", id, ErrUnknownPeer)
	}
	p.Paired = paired
	r.mu.Unlock()
	r.publish(Change{Kind: PeersChanged, Identifier: id})
	return nil
}

// Lookup returns a copy of the peer with the identifier.
func (r *Registry) Lookup(id string) (ios.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := find(r.saved, id); p != nil {
		return p.Copy(), true
	}
	if p := find(r.found, id); p != nil {
		return p.Copy(), true
	}
	return ios.Peer{}, false
}

// IsSaved reports whether the identifier is in the saved set.
func (r *Registry) IsSaved(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return find(r.saved, id) != nil
}

// Saved returns a snapshot of the saved peers in the order they were saved.
func (r *Registry) Saved() []ios.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.saved)
}

// Found returns a snapshot of the found peers in the order they were found.
func (r *Registry) Found() []ios.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.found)
}

// Scanning is true between SearchStarted and SearchStopped.
func (r *Registry) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// LastAlert is the message of the most recent resolution failure.
func (r *Registry) LastAlert() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alert
}

func find(peers []*ios.Peer, id string) *ios.Peer {
	for _, p := range peers {
		if p.Identifier == id {
			return p
		}
	}
	return nil
}

func without(peers []*ios.Peer, id string) []*ios.Peer {
	out := peers[:0]
	for _, p := range peers {
		if p.Identifier != id {
			out = append(out, p)
		}
	}
	for i := len(out); i < len(peers); i++ {
		peers[i] = nil
	}
	return out
}

func snapshot(peers []*ios.Peer) []ios.Peer {
	out := make([]ios.Peer, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Copy())
	}
	return out
}
