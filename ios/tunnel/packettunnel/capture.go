package packettunnel

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65536

// Capture writes raw IP packets to a pcap stream. A nil Capture drops everything.
type Capture struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
}

// NewCapture writes the pcap file header to w.
func NewCapture(w io.Writer) (*Capture, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("NewCapture: failed writing pcap header: %w", err)
	}
	c := &Capture{w: pw}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	return c, nil
}

// CreateCapture creates or truncates the pcap file at path.
func CreateCapture(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("CreateCapture: %w", err)
	}
	c, err := NewCapture(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// Write records one packet.
func (c *Capture) Write(packet []byte) error {
	if c == nil {
		return nil
	}
	length := len(packet)
	if length > snapLen {
		packet = packet[:snapLen]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(packet),
		Length:        length,
	}, packet)
}

// Close closes the underlying writer if it is a closer.
func (c *Capture) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
