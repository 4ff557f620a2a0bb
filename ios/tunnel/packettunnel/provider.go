// Package packettunnel is a tunnel provider on a local TUN interface. Packets the host sends into the
// interface get their addresses swapped and are written back, so connecting to the virtual address
// reaches the services listening on the device address.
package packettunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danielpaulus/go-jitterbug/ios/notify"
	"github.com/danielpaulus/go-jitterbug/ios/tunnel"
	"github.com/danielpaulus/go-jitterbug/ios/tunnel/rewrite"
	log "github.com/sirupsen/logrus"
)

const DefaultMTU = 1500

// ProviderConfig is the host side setup of the provider.
type ProviderConfig struct {
	// InterfaceName is only honored on Linux, other systems pick a name.
	InterfaceName string
	MTU           int
	// CapturePath enables writing all rewritten packets into a pcap file.
	CapturePath string
	// Open defaults to OpenTUN.
	Open InterfaceFactory
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if c.Open == nil {
		c.Open = OpenTUN
	}
	return c
}

// Provider owns the TUN interface and the packet loop of one tunnel.
type Provider struct {
	host ProviderConfig

	publishMu sync.Mutex
	mu        sync.Mutex
	cfg       tunnel.Config
	status    tunnel.Status
	attempt   int
	session   *session

	hub *notify.Hub[tunnel.Status]
}

type session struct {
	iface   Interface
	capture *Capture
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewProvider creates a disconnected provider.
func NewProvider(cfg tunnel.Config, host ProviderConfig) *Provider {
	return &Provider{
		host: host.withDefaults(),
		cfg:  cfg.WithDefaults(),
		hub:  notify.NewHub[tunnel.Status](),
	}
}

func (p *Provider) Status() tunnel.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Provider) Config() tunnel.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Provider) Subscribe(buffer int) (<-chan tunnel.Status, func()) {
	return p.hub.Subscribe(buffer)
}

// transition moves to next if allowed accepts the current status and publishes the change. Changes are
// published in the order they happen.
func (p *Provider) transition(next tunnel.Status, allowed ...tunnel.Status) bool {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()
	p.mu.Lock()
	ok := false
	for _, s := range allowed {
		if p.status == s {
			ok = true
			break
		}
	}
	if !ok {
		p.mu.Unlock()
		return false
	}
	p.status = next
	p.mu.Unlock()
	log.WithField("status", next).Debug("tunnel provider status")
	p.hub.Publish(next)
	return true
}

// Start validates options and connects in the background. Starting a connecting or connected provider
// does nothing.
func (p *Provider) Start(options map[string]string) error {
	cfg := tunnel.ConfigFromOptions(options)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("Start: invalid tunnel options: %w", err)
	}
	rule, err := cfg.Rule()
	if err != nil {
		return fmt.Errorf("Start: %w", err)
	}
	settings, err := cfg.NetworkSettings()
	if err != nil {
		return fmt.Errorf("Start: %w", err)
	}

	switch p.Status() {
	case tunnel.Connecting, tunnel.Connected:
		return nil
	case tunnel.Disconnecting:
		return errors.New("Start: tunnel is still disconnecting")
	}
	if !p.transition(tunnel.Connecting, tunnel.Disconnected) {
		return nil
	}
	p.mu.Lock()
	p.cfg = cfg
	p.attempt++
	attempt := p.attempt
	p.mu.Unlock()

	go func() {
		if err := p.connect(attempt, settings, rule); err != nil {
			log.WithError(err).Error("failed connecting the tunnel")
			p.transition(tunnel.Disconnected, tunnel.Connecting)
		}
	}()
	return nil
}

func (p *Provider) connect(attempt int, settings tunnel.NetworkSettings, rule rewrite.Rule) error {
	iface, err := p.host.Open(p.host.InterfaceName, settings, p.host.MTU)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	var capture *Capture
	if p.host.CapturePath != "" {
		capture, err = CreateCapture(p.host.CapturePath)
		if err != nil {
			iface.Close()
			return fmt.Errorf("connect: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{iface: iface, capture: capture, cancel: cancel, done: make(chan struct{})}
	p.mu.Lock()
	if p.status != tunnel.Connecting || p.attempt != attempt {
		// stopped while the interface was created
		p.mu.Unlock()
		cancel()
		iface.Close()
		capture.Close()
		return nil
	}
	p.session = s
	p.mu.Unlock()

	go func() {
		defer close(s.done)
		runPacketLoop(ctx, NewDeviceFlow(iface, p.host.MTU), rule, capture)
	}()
	if !p.transition(tunnel.Connected, tunnel.Connecting) {
		return nil
	}
	log.WithField("interface", iface.Name()).WithField("rule", rule.String()).Info("tunnel connected")
	return nil
}

// Stop tears the tunnel down in the background.
func (p *Provider) Stop() error {
	if !p.transition(tunnel.Disconnecting, tunnel.Connecting, tunnel.Connected) {
		return nil
	}
	p.mu.Lock()
	s := p.session
	p.session = nil
	p.mu.Unlock()

	go func() {
		if s != nil {
			s.cancel()
			if err := s.iface.Close(); err != nil {
				log.WithError(err).Warn("failed closing tunnel interface")
			}
			<-s.done
			if err := s.capture.Close(); err != nil {
				log.WithError(err).Warn("failed closing capture")
			}
		}
		p.transition(tunnel.Disconnected, tunnel.Disconnecting)
	}()
	return nil
}
