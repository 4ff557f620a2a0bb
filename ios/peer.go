package ios

import (
	"net"
)

// Peer is a device that was discovered on the local network or restored from the saved host list.
// Identifier is the stable key of the peer (the advertised service name or the UDID), it never changes
// once the peer was created. All other fields are updated in place while the peer is being discovered.
type Peer struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	// Address is the last address the peer was reachable at.
	Address net.IP `json:"address,omitempty"`
	// Discovered is true while the discovery service currently sees the peer.
	Discovered bool `json:"discovered"`
	// Paired is set by the host device after a successful lockdown info round trip.
	Paired bool `json:"paired"`
}

// NewPeer creates a peer whose display name defaults to the identifier until it gets resolved.
func NewPeer(identifier string) *Peer {
	return &Peer{Identifier: identifier, Name: identifier}
}

// Connected is true if the peer has an address and a handshake with it succeeded.
func (p Peer) Connected() bool {
	return p.Address != nil && p.Paired
}

// HasResolvedName is false as long as the display name is still the bare identifier.
func (p Peer) HasResolvedName() bool {
	return p.Name != p.Identifier
}

// UpdateAddress stores a copy of ip as the current address of the peer.
func (p *Peer) UpdateAddress(ip net.IP) {
	if ip == nil {
		return
	}
	p.Address = append(net.IP(nil), ip...)
}

// Merge applies a discovery result to the peer. The name is only replaced if the peer was never
// resolved before, so a user visible rename is never overwritten.
func (p *Peer) Merge(name string, ip net.IP) {
	p.UpdateAddress(ip)
	if !p.HasResolvedName() && name != "" {
		p.Name = name
	}
	p.Discovered = true
}

// Copy returns a deep copy that can be handed to observers.
func (p Peer) Copy() Peer {
	c := p
	if p.Address != nil {
		c.Address = append(net.IP(nil), p.Address...)
	}
	return c
}
