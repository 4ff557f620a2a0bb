package packettunnel

import (
	"bytes"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danielpaulus/go-jitterbug/ios/tunnel"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInterface hands packets pushed into in to the reader and collects everything written in out.
type fakeInterface struct {
	in        chan []byte
	out       chan []byte
	readErrs  chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeInterface() *fakeInterface {
	return &fakeInterface{
		in:       make(chan []byte, 8),
		out:      make(chan []byte, 8),
		readErrs: make(chan error, 8),
		closed:   make(chan struct{}),
	}
}

func (f *fakeInterface) Read(b []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, os.ErrClosed
	case err := <-f.readErrs:
		return 0, err
	case p := <-f.in:
		return copy(b, p), nil
	}
}

func (f *fakeInterface) Write(b []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, os.ErrClosed
	default:
	}
	f.out <- append([]byte(nil), b...)
	return len(b), nil
}

func (f *fakeInterface) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeInterface) Name() string {
	return "utun9"
}

type factory struct {
	mu       sync.Mutex
	iface    *fakeInterface
	err      error
	settings tunnel.NetworkSettings
	opened   int
}

func (f *factory) open(name string, settings tunnel.NetworkSettings, mtu int) (Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	f.settings = settings
	if f.err != nil {
		return nil, f.err
	}
	return f.iface, nil
}

func udpPacket(t *testing.T, src, dst net.IP) []byte {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src, DstIP: dst}
	udp := &layers.UDP{SrcPort: 50000, DstPort: 62078}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload("hello")))
	return buf.Bytes()
}

func waitStatus(t *testing.T, statuses <-chan tunnel.Status, want tunnel.Status) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-statuses:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("status %s was never published", want)
		}
	}
}

func TestProviderRewritesPackets(t *testing.T) {
	f := &factory{iface: newFakeInterface()}
	p := NewProvider(tunnel.DefaultConfig(), ProviderConfig{Open: f.open})
	statuses, cancel := p.Subscribe(8)
	defer cancel()

	require.NoError(t, p.Start(tunnel.DefaultConfig().Options()))
	waitStatus(t, statuses, tunnel.Connected)
	assert.Equal(t, tunnel.Connected, p.Status())
	assert.Equal(t, "10.8.0.1/24", f.settings.Prefix())

	f.iface.in <- udpPacket(t, net.IP{10, 8, 0, 1}, net.IP{10, 8, 0, 2})
	select {
	case out := <-f.iface.out:
		decoded := gopacket.NewPacket(out, layers.LayerTypeIPv4, gopacket.Default)
		ip, ok := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		require.True(t, ok)
		assert.Equal(t, "10.8.0.2", ip.SrcIP.String())
		assert.Equal(t, "10.8.0.1", ip.DstIP.String())
		udp, ok := decoded.Layer(layers.LayerTypeUDP).(*layers.UDP)
		require.True(t, ok)
		assert.Equal(t, []byte("hello"), udp.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("packet was not written back")
	}

	require.NoError(t, p.Stop())
	waitStatus(t, statuses, tunnel.Disconnected)
	assert.Equal(t, tunnel.Disconnected, p.Status())
}

func TestProviderStartIsIdempotent(t *testing.T) {
	f := &factory{iface: newFakeInterface()}
	p := NewProvider(tunnel.DefaultConfig(), ProviderConfig{Open: f.open})
	statuses, cancel := p.Subscribe(8)
	defer cancel()

	require.NoError(t, p.Start(tunnel.DefaultConfig().Options()))
	waitStatus(t, statuses, tunnel.Connected)
	require.NoError(t, p.Start(tunnel.DefaultConfig().Options()))
	f.mu.Lock()
	assert.Equal(t, 1, f.opened)
	f.mu.Unlock()
	require.NoError(t, p.Stop())
	waitStatus(t, statuses, tunnel.Disconnected)
}

func TestProviderRejectsInvalidOptions(t *testing.T) {
	f := &factory{iface: newFakeInterface()}
	p := NewProvider(tunnel.DefaultConfig(), ProviderConfig{Open: f.open})
	err := p.Start(map[string]string{tunnel.OptionDeviceIP: "10.8.0.300"})
	assert.Error(t, err)
	assert.Equal(t, tunnel.Disconnected, p.Status())
	assert.Equal(t, 0, f.opened)
}

func TestProviderInterfaceFailure(t *testing.T) {
	f := &factory{err: errors.New("operation not permitted")}
	p := NewProvider(tunnel.DefaultConfig(), ProviderConfig{Open: f.open})
	statuses, cancel := p.Subscribe(8)
	defer cancel()

	require.NoError(t, p.Start(tunnel.DefaultConfig().Options()))
	waitStatus(t, statuses, tunnel.Connecting)
	waitStatus(t, statuses, tunnel.Disconnected)
	assert.Equal(t, tunnel.Disconnected, p.Status())
}

func TestStopWhenDisconnected(t *testing.T) {
	p := NewProvider(tunnel.DefaultConfig(), ProviderConfig{Open: (&factory{}).open})
	assert.NoError(t, p.Stop())
	assert.Equal(t, tunnel.Disconnected, p.Status())
}

func TestProviderCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel.pcap")
	f := &factory{iface: newFakeInterface()}
	p := NewProvider(tunnel.DefaultConfig(), ProviderConfig{Open: f.open, CapturePath: path})
	statuses, cancel := p.Subscribe(8)
	defer cancel()

	require.NoError(t, p.Start(tunnel.DefaultConfig().Options()))
	waitStatus(t, statuses, tunnel.Connected)
	packet := udpPacket(t, net.IP{10, 8, 0, 2}, net.IP{10, 8, 0, 1})
	f.iface.in <- packet
	written := <-f.iface.out
	require.NoError(t, p.Stop())
	waitStatus(t, statuses, tunnel.Disconnected)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	r, err := pcapgo.NewReader(file)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())
	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, len(packet), ci.Length)
	assert.True(t, bytes.Equal(written, data))
}

func TestPacketLoopSurvivesReadErrors(t *testing.T) {
	f := &factory{iface: newFakeInterface()}
	p := NewProvider(tunnel.DefaultConfig(), ProviderConfig{Open: f.open})
	statuses, cancel := p.Subscribe(8)
	defer cancel()

	require.NoError(t, p.Start(tunnel.DefaultConfig().Options()))
	waitStatus(t, statuses, tunnel.Connected)
	f.iface.readErrs <- errors.New("resource temporarily unavailable")
	f.iface.readErrs <- errors.New("resource temporarily unavailable")
	f.iface.in <- udpPacket(t, net.IP{10, 8, 0, 1}, net.IP{10, 8, 0, 2})
	select {
	case <-f.iface.out:
	case <-time.After(2 * time.Second):
		t.Fatal("packet loop did not recover from read errors")
	}
	assert.Equal(t, tunnel.Connected, p.Status())
	require.NoError(t, p.Stop())
	waitStatus(t, statuses, tunnel.Disconnected)
}

func TestConfigureCommands(t *testing.T) {
	settings, err := tunnel.DefaultConfig().NetworkSettings()
	require.NoError(t, err)

	linux, err := configureCommands("linux", "tun0", settings, 1500)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"ip", "addr", "add", "10.8.0.1/24", "dev", "tun0"},
		{"ip", "link", "set", "dev", "tun0", "mtu", "1500", "up"},
	}, linux)

	darwin, err := configureCommands("darwin", "utun4", settings, 1400)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"ifconfig", "utun4", "inet", "10.8.0.1", "10.8.0.1", "netmask", "255.255.255.0", "mtu", "1400", "up"},
		{"route", "-q", "-n", "add", "-net", "10.8.0.0/24", "-interface", "utun4"},
	}, darwin)

	_, err = configureCommands("windows", "tun0", settings, 1500)
	assert.Error(t, err)
}

func TestRunCmdReportsStderr(t *testing.T) {
	err := runCmd(exec.Command("sh", "-c", "echo no such device >&2; exit 1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute command")
	assert.Contains(t, err.Error(), "no such device")
	assert.NoError(t, runCmd(exec.Command("sh", "-c", "exit 0")))
}
