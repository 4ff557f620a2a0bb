package packettunnel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielpaulus/go-jitterbug/ios"
	"github.com/danielpaulus/go-jitterbug/ios/tunnel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutPreferences(t *testing.T) {
	m := NewManager(t.TempDir(), ProviderConfig{})
	_, err := m.Load(context.Background())
	assert.ErrorIs(t, err, tunnel.ErrNoProvider)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, ProviderConfig{})
	cfg := tunnel.Config{DeviceAddress: "10.9.0.1", VirtualAddress: "10.9.0.2"}
	require.NoError(t, m.Save(context.Background(), cfg))

	prefs, err := m.Preferences()
	require.NoError(t, err)
	_, err = uuid.Parse(prefs.Identifier)
	assert.NoError(t, err)
	assert.True(t, prefs.Enabled)
	assert.Equal(t, "255.255.255.0", prefs.Options[tunnel.OptionSubnetMask])

	p, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.WithDefaults(), p.Config())
	again, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, p, again)

	require.NoError(t, m.Save(context.Background(), tunnel.DefaultConfig()))
	saved, err := m.Preferences()
	require.NoError(t, err)
	assert.Equal(t, prefs.Identifier, saved.Identifier)
	assert.Equal(t, tunnel.DefaultConfig(), p.Config())

	// a new manager reads what the first one stored
	other, err := NewManager(dir, ProviderConfig{}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tunnel.DefaultConfig(), other.Config())
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, ProviderConfig{})
	err := m.Save(context.Background(), tunnel.Config{DeviceAddress: "10.8.0.2", VirtualAddress: "10.8.0.2"})
	assert.Error(t, err)
	_, err = os.Stat(filepath.Join(dir, preferencesFile))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadDisabled(t *testing.T) {
	dir := t.TempDir()
	prefs := Preferences{Identifier: uuid.New().String(), Options: tunnel.DefaultConfig().Options()}
	require.NoError(t, ios.WritePlistFile(filepath.Join(dir, preferencesFile), prefs))
	_, err := NewManager(dir, ProviderConfig{}).Load(context.Background())
	assert.ErrorIs(t, err, tunnel.ErrNoProvider)
}

func TestRemove(t *testing.T) {
	m := NewManager(t.TempDir(), ProviderConfig{})
	require.NoError(t, m.Save(context.Background(), tunnel.DefaultConfig()))
	require.NoError(t, m.Remove(context.Background()))
	_, err := m.Load(context.Background())
	assert.ErrorIs(t, err, tunnel.ErrNoProvider)
	assert.NoError(t, m.Remove(context.Background()))
}
