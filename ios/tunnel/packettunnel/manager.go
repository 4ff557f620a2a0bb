package packettunnel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/danielpaulus/go-jitterbug/ios"
	"github.com/danielpaulus/go-jitterbug/ios/tunnel"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const preferencesFile = "tunnel-preferences.plist"

// Preferences is the persisted provider configuration.
type Preferences struct {
	Identifier string            `plist:"Identifier"`
	Enabled    bool              `plist:"Enabled"`
	Options    map[string]string `plist:"ProviderConfiguration"`
}

// Manager stores the preferences in a directory and hands out the one live Provider for them.
type Manager struct {
	path string
	host ProviderConfig

	mu       sync.Mutex
	provider *Provider
}

// NewManager keeps the preferences in dataDir.
func NewManager(dataDir string, host ProviderConfig) *Manager {
	return &Manager{path: filepath.Join(dataDir, preferencesFile), host: host}
}

// Preferences reads the stored preferences, tunnel.ErrNoProvider if there are none.
func (m *Manager) Preferences() (Preferences, error) {
	b, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return Preferences{}, tunnel.ErrNoProvider
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("Preferences: %w", err)
	}
	var prefs Preferences
	if err := ios.FromPlistBytes(b, &prefs); err != nil {
		return Preferences{}, fmt.Errorf("Preferences: %w", err)
	}
	return prefs, nil
}

// Load returns the provider of the stored preferences.
func (m *Manager) Load(ctx context.Context) (tunnel.Provider, error) {
	prefs, err := m.Preferences()
	if err != nil {
		return nil, err
	}
	if !prefs.Enabled {
		return nil, tunnel.ErrNoProvider
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.provider == nil {
		m.provider = NewProvider(tunnel.ConfigFromOptions(prefs.Options), m.host)
		log.WithField("id", prefs.Identifier).Debug("loaded tunnel provider")
	}
	return m.provider, nil
}

// Save stores cfg, keeping the identifier of earlier preferences. A disconnected provider takes the new
// config right away, a running one keeps the config of its session until it is started again.
func (m *Manager) Save(ctx context.Context, cfg tunnel.Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	prefs, err := m.Preferences()
	if err != nil && err != tunnel.ErrNoProvider {
		log.WithError(err).Warn("replacing unreadable tunnel preferences")
	}
	if prefs.Identifier == "" {
		prefs.Identifier = uuid.New().String()
	}
	prefs.Enabled = true
	prefs.Options = cfg.Options()
	if err := ios.WritePlistFile(m.path, prefs); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	m.mu.Lock()
	if m.provider != nil {
		m.provider.mu.Lock()
		if m.provider.status == tunnel.Disconnected {
			m.provider.cfg = cfg
		}
		m.provider.mu.Unlock()
	}
	m.mu.Unlock()
	return nil
}

// Remove deletes the preferences. A running provider is stopped.
func (m *Manager) Remove(ctx context.Context) error {
	m.mu.Lock()
	p := m.provider
	m.provider = nil
	m.mu.Unlock()
	if p != nil {
		_ = p.Stop()
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("Remove: %w", err)
	}
	return nil
}
