package registry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var peerCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "jitterbug_registry_peers",
	Help: "How many peers are in the saved and in the found set",
}, []string{"set"})

// Collectors returns the registry metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{peerCount}
}
