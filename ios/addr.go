package ios

import (
	"fmt"
	"net"
)

// ParseIPv4 converts a dotted IPv4 string like "10.8.0.1" into its four byte network order form.
func ParseIPv4(s string) ([4]byte, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return [4]byte{}, fmt.Errorf("ParseIPv4: '%s' is not an IP address", s)
	}
	b, ok := IPv4Bytes(ip)
	if !ok {
		return [4]byte{}, fmt.Errorf("ParseIPv4: '%s' is not an IPv4 address", s)
	}
	return b, nil
}

// FormatIPv4 is the inverse of ParseIPv4.
func FormatIPv4(b [4]byte) string {
	return net.IP(b[:]).String()
}

// IPv4Bytes returns the four address bytes of ip, also for IPv4 addresses stored in the 16 byte form.
// ok is false for IPv6 addresses.
func IPv4Bytes(ip net.IP) (b [4]byte, ok bool) {
	v4 := ip.To4()
	if v4 == nil {
		return b, false
	}
	copy(b[:], v4)
	return b, true
}

// ParseIPv4Mask parses a dotted subnet mask and makes sure the one bits are contiguous.
func ParseIPv4Mask(s string) (net.IPMask, error) {
	b, err := ParseIPv4(s)
	if err != nil {
		return nil, fmt.Errorf("ParseIPv4Mask: %w", err)
	}
	mask := net.IPv4Mask(b[0], b[1], b[2], b[3])
	if ones, bits := mask.Size(); ones == 0 && bits == 0 {
		return nil, fmt.Errorf("ParseIPv4Mask: '%s' is not a contiguous mask", s)
	}
	return mask, nil
}

// IsLoopback reports whether ip is in 127.0.0.0/8 or is ::1. A peer that resolves to such an address
// is attached directly (USB) rather than over the network.
func IsLoopback(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
