package packettunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/danielpaulus/go-jitterbug/ios/tunnel/rewrite"
	log "github.com/sirupsen/logrus"
)

// PacketFlow reads and writes batches of raw IP packets. The packets returned by ReadPackets are valid
// until the next call to ReadPackets.
type PacketFlow interface {
	ReadPackets() ([][]byte, error)
	WritePackets(packets [][]byte) error
}

type deviceFlow struct {
	rw     io.ReadWriter
	buf    []byte
	single [][]byte
}

// NewDeviceFlow reads one packet of at most mtu bytes per batch from rw.
func NewDeviceFlow(rw io.ReadWriter, mtu int) PacketFlow {
	return &deviceFlow{rw: rw, buf: make([]byte, mtu), single: make([][]byte, 1)}
}

func (f *deviceFlow) ReadPackets() ([][]byte, error) {
	n, err := f.rw.Read(f.buf)
	if err != nil {
		return nil, err
	}
	f.single[0] = f.buf[:n]
	return f.single, nil
}

func (f *deviceFlow) WritePackets(packets [][]byte) error {
	for _, p := range packets {
		if _, err := f.rw.Write(p); err != nil {
			return err
		}
	}
	return nil
}

// runPacketLoop reads packets, rewrites them with rule and writes them back. It only returns once ctx is
// done or the flow was closed, every other error is logged and the next read is issued after a backoff.
func runPacketLoop(ctx context.Context, flow PacketFlow, rule rewrite.Rule, capture *Capture) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = time.Second
	retry.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		packets, err := flow.ReadPackets()
		if err != nil {
			if torndown(ctx, err) {
				return
			}
			packetsTotal.WithLabelValues(actionReadError).Inc()
			wait := retry.NextBackOff()
			log.WithError(err).WithField("retry", wait).Warn("reading packets from tunnel failed")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		retry.Reset()

		for _, p := range packets {
			if rule.Rewrite(p) {
				packetsTotal.WithLabelValues(actionRewritten).Inc()
			} else {
				packetsTotal.WithLabelValues(actionPassed).Inc()
			}
			bytesTotal.Add(float64(len(p)))
			if err := capture.Write(p); err != nil {
				log.WithError(err).Debug("failed capturing packet")
			}
		}
		if err := flow.WritePackets(packets); err != nil {
			if torndown(ctx, err) {
				return
			}
			packetsTotal.WithLabelValues(actionWriteError).Inc()
			log.WithError(err).WithField("packets", len(packets)).Warn("writing packets to tunnel failed")
		}
	}
}

func torndown(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
