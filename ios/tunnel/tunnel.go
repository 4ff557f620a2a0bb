package tunnel

import (
	"fmt"
	"net"

	"github.com/danielpaulus/go-jitterbug/ios"
	"github.com/danielpaulus/go-jitterbug/ios/tunnel/rewrite"
)

const (
	DefaultDeviceAddress  = "10.8.0.1"
	DefaultVirtualAddress = "10.8.0.2"
	DefaultSubnetMask     = "255.255.255.0"
)

// Option keys passed to the provider on start.
const (
	OptionDeviceIP   = "TunnelDeviceIP"
	OptionFakeIP     = "TunnelFakeIP"
	OptionSubnetMask = "TunnelSubnetMask"
)

// Config describes the addresses of a tunnel. All addresses are dotted IPv4 strings.
type Config struct {
	// DeviceAddress is the tunnel side address of the device.
	DeviceAddress string `json:"deviceAddress" plist:"TunnelDeviceIP"`
	// VirtualAddress is the address the application connects to.
	VirtualAddress string `json:"virtualAddress" plist:"TunnelFakeIP"`
	SubnetMask     string `json:"subnetMask" plist:"TunnelSubnetMask"`
}

// DefaultConfig is 10.8.0.1 / 10.8.0.2 / 255.255.255.0.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults fills unset fields with the defaults.
func (c Config) WithDefaults() Config {
	if c.DeviceAddress == "" {
		c.DeviceAddress = DefaultDeviceAddress
	}
	if c.VirtualAddress == "" {
		c.VirtualAddress = DefaultVirtualAddress
	}
	if c.SubnetMask == "" {
		c.SubnetMask = DefaultSubnetMask
	}
	return c
}

// Validate checks that all addresses parse and that the mask is contiguous.
func (c Config) Validate() error {
	if _, err := ios.ParseIPv4(c.DeviceAddress); err != nil {
		return fmt.Errorf("Validate: device address: %w", err)
	}
	if _, err := ios.ParseIPv4(c.VirtualAddress); err != nil {
		return fmt.Errorf("Validate: virtual address: %w", err)
	}
	if _, err := ios.ParseIPv4Mask(c.SubnetMask); err != nil {
		return fmt.Errorf("Validate: subnet mask: %w", err)
	}
	if c.DeviceAddress == c.VirtualAddress {
		return fmt.Errorf("Validate: device and virtual address are both %s", c.DeviceAddress)
	}
	return nil
}

// Options is the option map handed to Provider.Start.
func (c Config) Options() map[string]string {
	return map[string]string{
		OptionDeviceIP:   c.DeviceAddress,
		OptionFakeIP:     c.VirtualAddress,
		OptionSubnetMask: c.SubnetMask,
	}
}

// ConfigFromOptions is the inverse of Options, missing options get their defaults.
func ConfigFromOptions(options map[string]string) Config {
	return Config{
		DeviceAddress:  options[OptionDeviceIP],
		VirtualAddress: options[OptionFakeIP],
		SubnetMask:     options[OptionSubnetMask],
	}.WithDefaults()
}

// Rule returns the rewrite rule of the tunnel session.
func (c Config) Rule() (rewrite.Rule, error) {
	return rewrite.NewRule(c.VirtualAddress, c.DeviceAddress)
}

// NetworkSettings are applied to the tunnel interface. Only the subnet of the tunnel is routed into the
// interface, the default route stays outside.
type NetworkSettings struct {
	RemoteAddress  net.IP
	Address        net.IP
	Mask           net.IPMask
	IncludedRoutes []net.IPNet
	ExcludedRoutes []net.IPNet
}

// Prefix is the address with its prefix length, like 10.8.0.1/24.
func (s NetworkSettings) Prefix() string {
	ones, _ := s.Mask.Size()
	return fmt.Sprintf("%s/%d", s.Address, ones)
}

// NetworkSettings derives the interface settings: remote and local address are the device address,
// the net of the device address is routed into the tunnel and the default route is excluded.
func (c Config) NetworkSettings() (NetworkSettings, error) {
	device, err := ios.ParseIPv4(c.DeviceAddress)
	if err != nil {
		return NetworkSettings{}, fmt.Errorf("NetworkSettings: %w", err)
	}
	mask, err := ios.ParseIPv4Mask(c.SubnetMask)
	if err != nil {
		return NetworkSettings{}, fmt.Errorf("NetworkSettings: %w", err)
	}
	ip := net.IP(device[:])
	return NetworkSettings{
		RemoteAddress:  ip,
		Address:        ip,
		Mask:           mask,
		IncludedRoutes: []net.IPNet{{IP: ip.Mask(mask), Mask: mask}},
		ExcludedRoutes: []net.IPNet{{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)}},
	}, nil
}
