// Package config loads the jitterbug configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danielpaulus/go-jitterbug/ios"
	"github.com/danielpaulus/go-jitterbug/ios/discovery"
	"github.com/danielpaulus/go-jitterbug/ios/tunnel"
	"github.com/danielpaulus/go-jitterbug/ios/tunnel/packettunnel"
	"gopkg.in/yaml.v3"
)

const DefaultDataDir = "~/.jitterbug"

// DiscoveryConfig controls the network browsing for peers.
type DiscoveryConfig struct {
	Service        string        `yaml:"service"`
	Domain         string        `yaml:"domain"`
	ResolveTimeout time.Duration `yaml:"resolveTimeout"`
	ScanInterval   time.Duration `yaml:"scanInterval"`
	ScanWindow     time.Duration `yaml:"scanWindow"`
	StaleAfter     time.Duration `yaml:"staleAfter"`
}

// TunnelConfig holds the tunnel addresses and the host interface setup.
type TunnelConfig struct {
	DeviceIP      string        `yaml:"deviceIP"`
	FakeIP        string        `yaml:"fakeIP"`
	SubnetMask    string        `yaml:"subnetMask"`
	StartTimeout  time.Duration `yaml:"startTimeout"`
	MTU           int           `yaml:"mtu"`
	InterfaceName string        `yaml:"interfaceName"`
	Capture       string        `yaml:"capture"` // pcap file, empty disables capturing
}

type Config struct {
	DataDir   string          `yaml:"dataDir"`
	APIPort   int             `yaml:"apiPort"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
}

// Default returns the configuration used without a config file.
func Default() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if strings.HasPrefix(c.DataDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, c.DataDir[2:])
		}
	}
	if c.APIPort == 0 {
		c.APIPort = tunnel.DefaultHttpApiPort
	}
	if c.Discovery.Service == "" {
		c.Discovery.Service = discovery.DefaultService
	}
	if c.Discovery.Domain == "" {
		c.Discovery.Domain = discovery.DefaultDomain
	}
	if c.Discovery.ResolveTimeout <= 0 {
		c.Discovery.ResolveTimeout = discovery.DefaultResolveTimeout
	}
	if c.Discovery.ScanInterval <= 0 {
		c.Discovery.ScanInterval = discovery.DefaultScanInterval
	}
	if c.Discovery.ScanWindow <= 0 {
		c.Discovery.ScanWindow = discovery.DefaultScanWindow
	}
	if c.Discovery.StaleAfter <= 0 {
		c.Discovery.StaleAfter = discovery.DefaultStaleAfter
	}
	if c.Tunnel.DeviceIP == "" {
		c.Tunnel.DeviceIP = tunnel.DefaultDeviceAddress
	}
	if c.Tunnel.FakeIP == "" {
		c.Tunnel.FakeIP = tunnel.DefaultVirtualAddress
	}
	if c.Tunnel.SubnetMask == "" {
		c.Tunnel.SubnetMask = tunnel.DefaultSubnetMask
	}
	if c.Tunnel.StartTimeout <= 0 {
		c.Tunnel.StartTimeout = tunnel.DefaultStartTimeout
	}
	if c.Tunnel.MTU <= 0 {
		c.Tunnel.MTU = packettunnel.DefaultMTU
	}
	return c
}

// Load reads the YAML file at path and fills everything it leaves out with defaults. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("Load: read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("Load: parse config file: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("Load: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.TunnelAddresses().Validate(); err != nil {
		return fmt.Errorf("invalid tunnel config: %w", err)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid apiPort %d", c.APIPort)
	}
	if c.Tunnel.MTU < 576 {
		return fmt.Errorf("invalid tunnel mtu %d, need at least 576", c.Tunnel.MTU)
	}
	if c.Discovery.ScanWindow > c.Discovery.ScanInterval {
		return fmt.Errorf("discovery scanWindow %s is longer than scanInterval %s", c.Discovery.ScanWindow, c.Discovery.ScanInterval)
	}
	return nil
}

// TunnelAddresses is the address configuration of the tunnel.
func (c Config) TunnelAddresses() tunnel.Config {
	return tunnel.Config{
		DeviceAddress:  c.Tunnel.DeviceIP,
		VirtualAddress: c.Tunnel.FakeIP,
		SubnetMask:     c.Tunnel.SubnetMask,
	}
}

// DiscoveryService is the discovery configuration with the default backend.
func (c Config) DiscoveryService() discovery.Config {
	return discovery.Config{
		Service:        c.Discovery.Service,
		Domain:         c.Discovery.Domain,
		ResolveTimeout: c.Discovery.ResolveTimeout,
		ScanInterval:   c.Discovery.ScanInterval,
		ScanWindow:     c.Discovery.ScanWindow,
		StaleAfter:     c.Discovery.StaleAfter,
	}
}

// Provider is the host setup of the local packet tunnel provider.
func (c Config) Provider() packettunnel.ProviderConfig {
	return packettunnel.ProviderConfig{
		InterfaceName: c.Tunnel.InterfaceName,
		MTU:           c.Tunnel.MTU,
		CapturePath:   c.Tunnel.Capture,
	}
}

// StorePath is the file with saved hosts and their settings.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, "hosts.plist")
}

// Ensure creates the data directory.
func (c Config) Ensure() error {
	exists, err := ios.PathExists(c.DataDir)
	if err != nil {
		return fmt.Errorf("Ensure: %w", err)
	}
	if exists {
		return nil
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("Ensure: %w", err)
	}
	return nil
}
