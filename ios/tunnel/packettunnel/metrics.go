package packettunnel

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	actionRewritten  = "rewritten"
	actionPassed     = "passed"
	actionReadError  = "read_error"
	actionWriteError = "write_error"
)

var (
	packetsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jitterbug_tunnel_packets_total",
		Help: "Packets handled by the tunnel packet loop",
	}, []string{"action"})
	bytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jitterbug_tunnel_bytes_total",
		Help: "Bytes written back to the tunnel interface",
	})
)

// Collectors returns the packet loop metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{packetsTotal, bytesTotal}
}
