package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danielpaulus/go-jitterbug/ios/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSaveFailureIsReportedOnce(t *testing.T) {
	c, manager, _ := setupController(time.Second)
	manager.On("Load", mock.Anything).Return(nil, ErrNoProvider)
	manager.On("Save", mock.Anything, DefaultConfig()).Return(errors.New("permission denied"))

	err := c.Start(context.Background(), "AA")
	var saveErr *SaveError
	require.True(t, errors.As(err, &saveErr))
	assert.EqualError(t, saveErr.Err, "permission denied")
	assert.False(t, errors.Is(err, ErrStartTimeout))
	assert.Equal(t, Disconnected, c.Status())
	manager.AssertNumberOfCalls(t, "Save", 1)
	manager.AssertNumberOfCalls(t, "Load", 1)
}

func TestCreatesProviderAndStarts(t *testing.T) {
	c, manager, peers := setupController(time.Second)
	provider := newFakeProvider(10 * time.Millisecond)
	manager.On("Load", mock.Anything).Return(nil, ErrNoProvider).Once()
	manager.On("Save", mock.Anything, DefaultConfig()).Return(nil).Once()
	manager.On("Load", mock.Anything).Return(provider, nil).Once()
	peers.On("UpdateAddress", "AA", net.ParseIP("10.8.0.2")).Return(nil)

	require.NoError(t, c.Start(context.Background(), "AA"))
	assert.Equal(t, Connected, c.Status())
	assert.Equal(t, 1, provider.startCount())
	assert.Equal(t, "AA", c.Peer())
	manager.AssertExpectations(t)
	peers.AssertExpectations(t)
}

func TestProviderMissingAfterSave(t *testing.T) {
	c, manager, _ := setupController(time.Second)
	manager.On("Load", mock.Anything).Return(nil, ErrNoProvider)
	manager.On("Save", mock.Anything, mock.Anything).Return(nil)

	err := c.Start(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotConfigured)
	manager.AssertNumberOfCalls(t, "Save", 1)
	manager.AssertNumberOfCalls(t, "Load", 2)
}

func TestStartTimesOut(t *testing.T) {
	c, manager, peers := setupController(50 * time.Millisecond)
	provider := newFakeProvider(-1)
	manager.On("Load", mock.Anything).Return(provider, nil)

	err := c.Start(context.Background(), "AA")
	assert.ErrorIs(t, err, ErrStartTimeout)
	var saveErr *SaveError
	assert.False(t, errors.As(err, &saveErr))
	assert.Equal(t, Connecting, c.Status())
	peers.AssertNotCalled(t, "UpdateAddress", mock.Anything, mock.Anything)
}

func TestStartWhenConnectedDoesNothing(t *testing.T) {
	c, manager, peers := setupController(time.Second)
	provider := newFakeProvider(0)
	provider.status = Connected
	manager.On("Load", mock.Anything).Return(provider, nil)
	peers.On("UpdateAddress", "AA", mock.Anything).Return(nil)

	require.NoError(t, c.Start(context.Background(), "AA"))
	require.NoError(t, c.Start(context.Background(), "AA"))
	assert.Equal(t, 0, provider.startCount())
	manager.AssertNumberOfCalls(t, "Load", 1)
}

func TestConcurrentStartsShareOneStart(t *testing.T) {
	c, manager, _ := setupController(time.Second)
	provider := newFakeProvider(50 * time.Millisecond)
	manager.On("Load", mock.Anything).Return(provider, nil)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Start(context.Background(), "")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, provider.startCount())
}

func TestStartAppliesChangedConfig(t *testing.T) {
	cfg := Config{DeviceAddress: "10.9.0.1", VirtualAddress: "10.9.0.2"}
	manager := new(providerManagerMock)
	peers := new(peerUpdaterMock)
	c := NewController(manager, peers, cfg, time.Second)
	provider := newFakeProvider(5 * time.Millisecond)
	manager.On("Load", mock.Anything).Return(provider, nil)
	manager.On("Save", mock.Anything, cfg.WithDefaults()).Return(nil).Once()
	peers.On("UpdateAddress", "AA", net.ParseIP("10.9.0.2")).Return(nil)

	require.NoError(t, c.Start(context.Background(), "AA"))
	assert.Equal(t, cfg.WithDefaults(), provider.Config())
	assert.Equal(t, provider.Config(), c.Config())
	assert.Equal(t, 1, provider.startCount())
	manager.AssertExpectations(t)
	peers.AssertExpectations(t)
}

func TestStartRestartsTunnelWithOutdatedConfig(t *testing.T) {
	cfg := Config{DeviceAddress: "10.9.0.1", VirtualAddress: "10.9.0.2"}
	manager := new(providerManagerMock)
	c := NewController(manager, nil, cfg, time.Second)
	provider := newFakeProvider(5 * time.Millisecond)
	provider.status = Connected
	manager.On("Load", mock.Anything).Return(provider, nil)
	manager.On("Save", mock.Anything, cfg.WithDefaults()).Return(nil)

	require.NoError(t, c.Start(context.Background(), ""))
	assert.Equal(t, Connected, c.Status())
	assert.Equal(t, 1, provider.stopCount())
	assert.Equal(t, 1, provider.startCount())
	assert.Equal(t, cfg.WithDefaults(), c.Config())
}

func TestConfigChangeSaveFailure(t *testing.T) {
	cfg := Config{DeviceAddress: "10.9.0.1", VirtualAddress: "10.9.0.2"}
	manager := new(providerManagerMock)
	c := NewController(manager, nil, cfg, time.Second)
	provider := newFakeProvider(0)
	manager.On("Load", mock.Anything).Return(provider, nil)
	manager.On("Save", mock.Anything, mock.Anything).Return(errors.New("read-only file system"))

	err := c.Start(context.Background(), "")
	var saveErr *SaveError
	require.True(t, errors.As(err, &saveErr))
	assert.Equal(t, 0, provider.startCount())
	assert.Equal(t, DefaultConfig(), c.Config())
}

func TestStartHonorsContext(t *testing.T) {
	c, manager, _ := setupController(time.Minute)
	manager.On("Load", mock.Anything).Return(newFakeProvider(-1), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Start(ctx, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopWithoutProvider(t *testing.T) {
	c, manager, _ := setupController(time.Second)
	manager.On("Load", mock.Anything).Return(nil, ErrNoProvider)
	assert.ErrorIs(t, c.Stop(context.Background()), ErrNotConfigured)
}

func TestStatusChangesAreRelayed(t *testing.T) {
	c, manager, _ := setupController(time.Second)
	defer c.Close()
	provider := newFakeProvider(time.Millisecond)
	manager.On("Load", mock.Anything).Return(provider, nil)
	statuses, cancel := c.Subscribe(8)
	defer cancel()

	require.NoError(t, c.Start(context.Background(), ""))
	require.NoError(t, c.Stop(context.Background()))

	expected := []Status{Connecting, Connected, Disconnecting, Disconnected}
	for _, want := range expected {
		select {
		case got := <-statuses:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("missing status %s", want)
		}
	}
	assert.Equal(t, 1, provider.stopCount())
}

func TestConfigDefaultsAndSettings(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, Config{DeviceAddress: "10.8.0.1", VirtualAddress: "10.8.0.2", SubnetMask: "255.255.255.0"}, cfg)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, cfg, ConfigFromOptions(cfg.Options()))
	assert.Equal(t, cfg, ConfigFromOptions(nil))
	assert.Equal(t, "10.8.0.1", cfg.Options()["TunnelDeviceIP"])

	settings, err := cfg.NetworkSettings()
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.1", settings.RemoteAddress.String())
	assert.Equal(t, "10.8.0.1/24", settings.Prefix())
	require.Len(t, settings.IncludedRoutes, 1)
	assert.Equal(t, "10.8.0.0/24", settings.IncludedRoutes[0].String())
	require.Len(t, settings.ExcludedRoutes, 1)
	assert.Equal(t, "0.0.0.0/0", settings.ExcludedRoutes[0].String())

	tcs := []Config{
		{DeviceAddress: "10.8.0.1", VirtualAddress: "10.8.0.1", SubnetMask: "255.255.255.0"},
		{DeviceAddress: "10.8.0.300", VirtualAddress: "10.8.0.2", SubnetMask: "255.255.255.0"},
		{DeviceAddress: "10.8.0.1", VirtualAddress: "10.8.0.2", SubnetMask: "255.0.255.0"},
	}
	for _, tc := range tcs {
		assert.Error(t, tc.Validate(), "%+v", tc)
	}
}

func TestStatusText(t *testing.T) {
	b, err := Connected.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "connected", string(b))
	var s Status
	require.NoError(t, s.UnmarshalText([]byte("disconnecting")))
	assert.Equal(t, Disconnecting, s)
	assert.Error(t, s.UnmarshalText([]byte("exploded")))
}

func setupController(timeout time.Duration) (*Controller, *providerManagerMock, *peerUpdaterMock) {
	manager := new(providerManagerMock)
	peers := new(peerUpdaterMock)
	return NewController(manager, peers, Config{}, timeout), manager, peers
}

type providerManagerMock struct {
	mock.Mock
}

func (m *providerManagerMock) Load(ctx context.Context) (Provider, error) {
	args := m.Called(ctx)
	p, _ := args.Get(0).(Provider)
	return p, args.Error(1)
}

func (m *providerManagerMock) Save(ctx context.Context, cfg Config) error {
	return m.Called(ctx, cfg).Error(0)
}

type peerUpdaterMock struct {
	mock.Mock
}

func (m *peerUpdaterMock) UpdateAddress(id string, address net.IP) error {
	return m.Called(id, address).Error(0)
}

// fakeProvider connects connectAfter after Start, or never if connectAfter is negative.
type fakeProvider struct {
	publishMu    sync.Mutex
	mu           sync.Mutex
	status       Status
	cfg          Config
	starts       int
	stops        int
	connectAfter time.Duration
	hub          *notify.Hub[Status]
}

func newFakeProvider(connectAfter time.Duration) *fakeProvider {
	return &fakeProvider{cfg: DefaultConfig(), connectAfter: connectAfter, hub: notify.NewHub[Status]()}
}

func (f *fakeProvider) set(s Status) {
	f.publishMu.Lock()
	defer f.publishMu.Unlock()
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
	f.hub.Publish(s)
}

func (f *fakeProvider) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeProvider) Start(options map[string]string) error {
	f.mu.Lock()
	f.starts++
	f.cfg = ConfigFromOptions(options)
	f.mu.Unlock()
	f.set(Connecting)
	if f.connectAfter >= 0 {
		go func() {
			time.Sleep(f.connectAfter)
			f.set(Connected)
		}()
	}
	return nil
}

func (f *fakeProvider) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	go func() {
		f.set(Disconnecting)
		f.set(Disconnected)
	}()
	return nil
}

func (f *fakeProvider) Subscribe(buffer int) (<-chan Status, func()) {
	return f.hub.Subscribe(buffer)
}

func (f *fakeProvider) Config() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *fakeProvider) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeProvider) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}
