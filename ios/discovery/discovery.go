// Package discovery browses the local network for the mobile device pairing service and resolves every
// advertisement to a single address.
//
// Browsing happens in scan windows. Each window queries the network from scratch, advertisements that were
// not seen for longer than StaleAfter are reported removed. All events are queued in the order they happen
// and delivered to subscribers by one goroutine, so a subscriber never sees an event of a stopped search
// after its SearchStopped.
package discovery

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danielpaulus/go-jitterbug/ios"
	"github.com/danielpaulus/go-jitterbug/ios/notify"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultService        = "_apple-mobdev2._tcp"
	DefaultDomain         = "local."
	DefaultResolveTimeout = 30 * time.Second
	DefaultScanInterval   = 10 * time.Second
	DefaultScanWindow     = 3 * time.Second
	DefaultStaleAfter     = 30 * time.Second
)

// Config controls what is browsed and how often.
type Config struct {
	Service        string
	Domain         string
	ResolveTimeout time.Duration
	ScanInterval   time.Duration
	ScanWindow     time.Duration
	StaleAfter     time.Duration
	// Backend defaults to a zeroconf backend.
	Backend Backend
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = DefaultScanWindow
	}
	if c.ScanWindow > c.ScanInterval {
		c.ScanWindow = c.ScanInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

// Advertisement is one service instance seen on the network. Identifier is the stable key of the peer,
// backends derive it from the service instance name.
type Advertisement struct {
	Identifier string
	Instance   string
	HostName   string
	Port       int
	Addresses  []net.IP
}

// Resolution is the result of resolving an advertisement. Addresses are in the order the network
// reported them.
type Resolution struct {
	HostName  string
	Addresses []net.IP
}

// Backend is the mDNS implementation. Browse must not block past ctx and must stop writing to entries once
// ctx is done. Resolve must honor the deadline of ctx.
type Backend interface {
	Browse(ctx context.Context, service, domain string, entries chan<- Advertisement) error
	Resolve(ctx context.Context, service, domain string, ad Advertisement) (Resolution, error)
}

type sighting struct {
	ad       Advertisement
	lastSeen time.Time
	addrKey  string
	op       *resolveOp

	// failed is set when the last resolution failed, the next sighting resolves again
	failed bool
}

// resolveOp is the handle of one resolution in flight.
type resolveOp struct {
	ad Advertisement
}

// Service discovers peers. It can be started and stopped any number of times.
type Service struct {
	cfg Config

	mu        sync.Mutex
	searching bool
	session   int
	cancel    context.CancelFunc
	seen      map[string]*sighting
	pending   map[*resolveOp]struct{}
	queue     []Event
	closed    bool

	kick chan struct{}
	done chan struct{}
	hub  *notify.Hub[Event]
	now  func() time.Time
}

// NewService creates a stopped discovery service.
func NewService(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if cfg.Backend == nil {
		cfg.Backend = NewZeroconfBackend()
	}
	s := &Service{
		cfg:     cfg,
		seen:    map[string]*sighting{},
		pending: map[*resolveOp]struct{}{},
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		hub:     notify.NewHub[Event](),
		now:     time.Now,
	}
	go s.emitLoop()
	return s, nil
}

// Subscribe returns a channel with all future events.
func (s *Service) Subscribe(buffer int) (<-chan Event, func()) {
	return s.hub.Subscribe(buffer)
}

// Searching reports whether a search is running.
func (s *Service) Searching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searching
}

// Start begins browsing. Starting a running search does nothing.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searching || s.closed {
		return
	}
	s.searching = true
	s.session++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.enqueueLocked(Event{Type: SearchStarted})
	log.WithField("service", s.cfg.Service).WithField("domain", s.cfg.Domain).Info("searching for peers")
	go s.loop(ctx, s.session)
}

// Stop ends browsing and abandons all resolutions in flight. Stopping a stopped search does nothing.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	if !s.searching {
		return
	}
	s.searching = false
	s.session++
	s.cancel()
	s.cancel = nil
	s.pending = map[*resolveOp]struct{}{}
	s.seen = map[string]*sighting{}
	s.enqueueLocked(Event{Type: SearchStopped})
	log.Info("stopped searching for peers")
}

// Close stops the search, delivers the remaining events and closes all subscriptions.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.closed = true
	s.mu.Unlock()
	s.signal()
	<-s.done
	s.hub.Close()
}

func (s *Service) enqueueLocked(e Event) {
	s.queue = append(s.queue, e)
	s.signal()
}

func (s *Service) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) emitLoop() {
	defer close(s.done)
	for range s.kick {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.hub.Publish(e)
		}
	}
}

func (s *Service) loop(ctx context.Context, session int) {
	s.scan(ctx, session)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.scan(ctx, session)
		case <-ctx.Done():
			return
		}
	}
}

// scan runs one browse window and expires advertisements that were not seen recently.
func (s *Service) scan(ctx context.Context, session int) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanWindow)
	defer cancel()

	entries := make(chan Advertisement, 32)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case ad, ok := <-entries:
				if !ok {
					return
				}
				s.sighted(ctx, session, ad)
			}
		}
	}()

	if err := s.cfg.Backend.Browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		log.WithError(err).Warn("browsing failed")
		cancel()
		<-collectorDone
		return
	}
	<-scanCtx.Done()
	<-collectorDone
	if ctx.Err() != nil {
		return
	}
	s.expire(session)
}

func (s *Service) sighted(ctx context.Context, session int, ad Advertisement) {
	if ad.Identifier == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if session != s.session {
		return
	}
	key := addressKey(ad.Addresses)
	known, ok := s.seen[ad.Identifier]
	if ok {
		known.lastSeen = s.now()
		if known.op != nil || (known.addrKey == key && !known.failed) {
			return
		}
		known.ad = ad
		known.addrKey = key
		known.failed = false
	} else {
		known = &sighting{ad: ad, lastSeen: s.now(), addrKey: key}
		s.seen[ad.Identifier] = known
	}
	op := &resolveOp{ad: ad}
	known.op = op
	s.pending[op] = struct{}{}
	log.WithField("identifier", ad.Identifier).Debug("resolving advertisement")
	go s.resolve(ctx, session, op)
}

func (s *Service) resolve(ctx context.Context, session int, op *resolveOp) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ResolveTimeout)
	res, err := s.cfg.Backend.Resolve(rctx, s.cfg.Service, s.cfg.Domain, op.ad)
	cancel()

	var address net.IP
	if err == nil {
		address = SelectAddress(res.Addresses)
		if address == nil {
			err = ErrNoAddresses
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[op]; !ok || session != s.session {
		return
	}
	delete(s.pending, op)
	if known, ok := s.seen[op.ad.Identifier]; ok && known.op == op {
		known.op = nil
		known.failed = err != nil
	}

	if err != nil {
		name := op.ad.Instance
		if name == "" {
			name = op.ad.Identifier
		}
		e := Event{Type: PeerResolutionFailed, Identifier: op.ad.Identifier, Name: name, Err: toResolveError(err)}
		log.WithField("identifier", op.ad.Identifier).WithError(err).Warn(e.Message())
		s.enqueueLocked(e)
		return
	}
	log.WithField("identifier", op.ad.Identifier).WithField("address", address).Info("resolved peer")
	s.enqueueLocked(Event{Type: PeerFound, Identifier: op.ad.Identifier, Name: hostName(res.HostName), Address: address})
}

func (s *Service) expire(session int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session != s.session {
		return
	}
	now := s.now()
	ids := make([]string, 0)
	for id, known := range s.seen {
		if now.Sub(known.lastSeen) > s.cfg.StaleAfter {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		known := s.seen[id]
		if known.op != nil {
			delete(s.pending, known.op)
		}
		delete(s.seen, id)
		log.WithField("identifier", id).Info("peer went away")
		s.enqueueLocked(Event{Type: PeerRemoved, Identifier: id})
	}
}

// Pending is the number of resolutions in flight.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SelectAddress picks the address a peer is reached at: the first loopback address if there is one,
// otherwise the first address.
func SelectAddress(candidates []net.IP) net.IP {
	for _, ip := range candidates {
		if ios.IsLoopback(ip) {
			return ip
		}
	}
	for _, ip := range candidates {
		if ip != nil {
			return ip
		}
	}
	return nil
}

func addressKey(addrs []net.IP) string {
	parts := make([]string, 0, len(addrs))
	for _, ip := range addrs {
		parts = append(parts, ip.String())
	}
	return strings.Join(parts, ",")
}

func hostName(h string) string {
	return strings.TrimSuffix(h, ".")
}
