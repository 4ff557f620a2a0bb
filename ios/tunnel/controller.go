package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danielpaulus/go-jitterbug/ios/notify"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultStartTimeout is how long Start waits for the provider to connect.
const DefaultStartTimeout = 15 * time.Second

// Controller owns the tunnel provider of the process. At most one Start is in flight, concurrent callers
// share its result.
type Controller struct {
	manager      ProviderManager
	peers        PeerUpdater
	cfg          Config
	startTimeout time.Duration

	starts singleflight.Group

	mu         sync.Mutex
	provider   Provider
	stopRelay  func()
	lastPeerID string
	hub        *notify.Hub[Status]
	closed     bool
}

// NewController creates a controller for the given configuration. peers may be nil, startTimeout <= 0
// selects DefaultStartTimeout.
func NewController(manager ProviderManager, peers PeerUpdater, cfg Config, startTimeout time.Duration) *Controller {
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	return &Controller{
		manager:      manager,
		peers:        peers,
		cfg:          cfg.WithDefaults(),
		startTimeout: startTimeout,
		hub:          notify.NewHub[Status](),
	}
}

// Config is the configuration of the loaded provider, or the one a new provider is created with.
func (c *Controller) Config() Config {
	c.mu.Lock()
	p := c.provider
	c.mu.Unlock()
	if p != nil {
		return p.Config()
	}
	return c.cfg
}

// Subscribe returns a channel with all future status changes of the provider.
func (c *Controller) Subscribe(buffer int) (<-chan Status, func()) {
	return c.hub.Subscribe(buffer)
}

// Status is the status of the provider, Disconnected if there is none.
func (c *Controller) Status() Status {
	c.mu.Lock()
	p := c.provider
	c.mu.Unlock()
	if p == nil {
		return Disconnected
	}
	return p.Status()
}

// Configured reports whether a live provider was loaded.
func (c *Controller) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provider != nil
}

// Start connects the tunnel for the peer peerID, which may be empty. It blocks until the provider reports
// Connected, ctx is done or the start timeout elapsed, so it must not be called from a context that has to
// stay responsive.
func (c *Controller) Start(ctx context.Context, peerID string) error {
	_, err, shared := c.starts.Do("start", func() (interface{}, error) {
		return nil, c.start(ctx, peerID, true)
	})
	if shared {
		log.WithField("peer", peerID).Debug("joined a start that was already in flight")
	}
	return err
}

func (c *Controller) start(ctx context.Context, peerID string, mayCreate bool) error {
	p, err := c.probe(ctx)
	if errors.Is(err, ErrNoProvider) {
		if !mayCreate {
			return fmt.Errorf("Start: provider missing after saving it: %w", ErrNotConfigured)
		}
		log.WithField("config", c.cfg).Info("creating tunnel provider")
		if err := c.manager.Save(ctx, c.cfg); err != nil {
			return &SaveError{Err: err}
		}
		return c.start(ctx, peerID, false)
	}
	if err != nil {
		return fmt.Errorf("Start: failed loading tunnel provider: %w", err)
	}

	if p.Config() != c.cfg {
		// a provider saved with other addresses, its rewrite rule has to follow the current config
		log.WithField("saved", p.Config()).WithField("config", c.cfg).Info("updating tunnel provider config")
		if err := c.manager.Save(ctx, c.cfg); err != nil {
			return &SaveError{Err: err}
		}
	}
	if p.Status() == Connected && p.Config() == c.cfg {
		c.connected(p, peerID)
		return nil
	}

	// subscribe first, a Connected status between Start and Subscribe would be lost otherwise
	statuses, cancel := p.Subscribe(4)
	defer cancel()

	timer := time.NewTimer(c.startTimeout)
	defer timer.Stop()
	started, stopping := false, false
	for {
		switch p.Status() {
		case Connected:
			if p.Config() == c.cfg {
				c.connected(p, peerID)
				return nil
			}
			if !stopping {
				log.WithField("config", c.cfg).Info("restarting tunnel with the new config")
				if err := p.Stop(); err != nil {
					return fmt.Errorf("Start: failed stopping outdated tunnel: %w", err)
				}
				stopping = true
			}
		case Connecting:
			if !started {
				log.Debug("tunnel is already connecting, waiting for it")
			}
		case Disconnected:
			if !started {
				if err := p.Start(c.cfg.Options()); err != nil {
					return fmt.Errorf("Start: provider refused to start: %w", err)
				}
				started = true
				continue
			}
		}

		select {
		case _, ok := <-statuses:
			if !ok {
				return ErrProviderGone
			}
		case <-timer.C:
			log.WithField("timeout", c.startTimeout).WithField("status", p.Status()).Warn("tunnel did not connect in time")
			return ErrStartTimeout
		case <-ctx.Done():
			return fmt.Errorf("Start: %w", ctx.Err())
		}
	}
}

// connected makes the peer reachable through the virtual address.
func (c *Controller) connected(p Provider, peerID string) {
	virtual := p.Config().VirtualAddress
	log.WithField("peer", peerID).WithField("address", virtual).Info("tunnel connected")
	c.mu.Lock()
	c.lastPeerID = peerID
	c.mu.Unlock()
	if c.peers == nil || peerID == "" {
		return
	}
	if err := c.peers.UpdateAddress(peerID, net.ParseIP(virtual)); err != nil {
		log.WithField("peer", peerID).WithError(err).Warn("failed updating peer address")
	}
}

// Peer is the identifier of the peer of the last successful Start.
func (c *Controller) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPeerID
}

// Stop asks the provider to disconnect without waiting for it.
func (c *Controller) Stop(ctx context.Context) error {
	p, err := c.probe(ctx)
	if errors.Is(err, ErrNoProvider) {
		return ErrNotConfigured
	}
	if err != nil {
		return fmt.Errorf("Stop: failed loading tunnel provider: %w", err)
	}
	if err := p.Stop(); err != nil {
		return fmt.Errorf("Stop: %w", err)
	}
	return nil
}

// Close stops relaying status changes and closes all subscriptions.
func (c *Controller) Close() {
	c.mu.Lock()
	stop := c.stopRelay
	c.stopRelay = nil
	c.closed = true
	c.mu.Unlock()
	c.hub.Close()
	if stop != nil {
		stop()
	}
}

// probe returns the live provider, loading it from the manager if needed.
func (c *Controller) probe(ctx context.Context) (Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider != nil {
		return c.provider, nil
	}
	p, err := c.manager.Load(ctx)
	if err != nil {
		return nil, err
	}
	c.provider = p
	if !c.closed {
		c.stopRelay = c.relay(p)
	}
	return p, nil
}

func (c *Controller) relay(p Provider) func() {
	statuses, cancel := p.Subscribe(8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range statuses {
			log.WithField("status", s).Debug("tunnel status changed")
			c.hub.Publish(s)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
