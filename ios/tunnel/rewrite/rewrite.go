// Package rewrite swaps the virtual address and the device address of IPv4 packets crossing the tunnel
// and repairs the IPv4, TCP and UDP checksums.
//
// The application always talks to the virtual address. On the way to the device a packet from the
// virtual address gets the device address as source, and a packet for the device address gets the virtual
// address as destination. The reverse direction is symmetric, so a rule simply exchanges the two
// addresses wherever either of them shows up in the source or destination field.
//
// Checksums are updated incrementally (RFC 1624) with the helpers of gvisor's header package, so rewriting
// does not depend on the packet size and never allocates.
package rewrite

import (
	"fmt"

	"github.com/danielpaulus/go-jitterbug/ios"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Rule is the address pair of one tunnel session. It is immutable once created.
type Rule struct {
	virtual tcpip.Address
	device  tcpip.Address
}

// NewRule creates a rule from the dotted virtual (fake) and device addresses.
func NewRule(virtualAddress string, deviceAddress string) (Rule, error) {
	v, err := ios.ParseIPv4(virtualAddress)
	if err != nil {
		return Rule{}, fmt.Errorf("NewRule: invalid virtual address: %w", err)
	}
	d, err := ios.ParseIPv4(deviceAddress)
	if err != nil {
		return Rule{}, fmt.Errorf("NewRule: invalid device address: %w", err)
	}
	if v == d {
		return Rule{}, fmt.Errorf("NewRule: virtual and device address must differ, both are %s", virtualAddress)
	}
	return Rule{virtual: tcpip.AddrFrom4(v), device: tcpip.AddrFrom4(d)}, nil
}

// VirtualAddress returns the dotted virtual address.
func (r Rule) VirtualAddress() string {
	return r.virtual.String()
}

// DeviceAddress returns the dotted device address.
func (r Rule) DeviceAddress() string {
	return r.device.String()
}

func (r Rule) String() string {
	return fmt.Sprintf("%s<->%s", r.virtual, r.device)
}

func (r Rule) counterpart(a tcpip.Address) (tcpip.Address, bool) {
	switch a {
	case r.virtual:
		return r.device, true
	case r.device:
		return r.virtual, true
	}
	return a, false
}

// Apply rewrites packet in place and returns it. Packets that are not IPv4, that are malformed or that do
// not carry either address of the rule are returned untouched.
func (r Rule) Apply(packet []byte) []byte {
	r.apply(packet)
	return packet
}

// Rewrite is Apply, reporting whether packet was changed.
func (r Rule) Rewrite(packet []byte) bool {
	return r.apply(packet)
}

// Rewritten is like Apply but leaves packet alone and returns a rewritten copy.
func (r Rule) Rewritten(packet []byte) []byte {
	out := make([]byte, len(packet))
	copy(out, packet)
	r.apply(out)
	return out
}

// apply reports whether packet was changed.
func (r Rule) apply(packet []byte) bool {
	if header.IPVersion(packet) != header.IPv4Version {
		return false
	}
	ip := header.IPv4(packet)
	if !ip.IsValid(len(packet)) {
		return false
	}
	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	newSrc, srcHit := r.counterpart(src)
	newDst, dstHit := r.counterpart(dst)
	if !srcHit && !dstHit {
		return false
	}

	transport, isUDP := transportHeader(ip)
	if transport != nil {
		if srcHit {
			transport.UpdateChecksumPseudoHeaderAddress(src, newSrc, true)
		}
		if dstHit {
			transport.UpdateChecksumPseudoHeaderAddress(dst, newDst, true)
		}
		// a computed UDP checksum of zero goes on the wire as all ones, zero means no checksum
		if isUDP && transport.Checksum() == 0 {
			transport.SetChecksum(0xffff)
		}
	}
	if srcHit {
		ip.SetSourceAddressWithChecksumUpdate(newSrc)
	}
	if dstHit {
		ip.SetDestinationAddressWithChecksumUpdate(newDst)
	}
	return true
}

// transportHeader returns the TCP or UDP header of ip if its checksum covers the addresses. Non-initial
// fragments carry no transport header and UDP without checksum must stay without one.
func transportHeader(ip header.IPv4) (header.ChecksummableTransport, bool) {
	if ip.FragmentOffset() != 0 {
		return nil, false
	}
	payload := ip.Payload()
	switch ip.TransportProtocol() {
	case header.TCPProtocolNumber:
		if len(payload) < header.TCPMinimumSize {
			return nil, false
		}
		return header.TCP(payload), false
	case header.UDPProtocolNumber:
		if len(payload) < header.UDPMinimumSize {
			return nil, false
		}
		udp := header.UDP(payload)
		if udp.Checksum() == 0 {
			return nil, true
		}
		return udp, true
	}
	return nil, false
}

// Valid reports whether the IPv4 header checksum and, for unfragmented TCP and UDP packets with a
// checksum, the transport checksum of packet verify.
func Valid(packet []byte) bool {
	if header.IPVersion(packet) != header.IPv4Version {
		return false
	}
	ip := header.IPv4(packet)
	if !ip.IsValid(len(packet)) {
		return false
	}
	if checksum.Checksum(ip[:ip.HeaderLength()], 0) != 0xffff {
		return false
	}
	if ip.FragmentOffset() != 0 || ip.More() {
		return true
	}
	payload := ip.Payload()
	proto := ip.TransportProtocol()
	switch proto {
	case header.TCPProtocolNumber:
		if len(payload) < header.TCPMinimumSize {
			return false
		}
	case header.UDPProtocolNumber:
		if len(payload) < header.UDPMinimumSize {
			return false
		}
		if header.UDP(payload).Checksum() == 0 {
			return true
		}
	default:
		return true
	}
	pseudo := header.PseudoHeaderChecksum(proto, ip.SourceAddress(), ip.DestinationAddress(), uint16(len(payload)))
	return checksum.Checksum(payload, pseudo) == 0xffff
}
