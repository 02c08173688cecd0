package udsonip

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "udsonip_sessions_created_total",
		Help: "Diagnostic sessions created by a registry, per ECU name.",
	}, []string{"ecu"})

	targetSwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udsonip_target_switches_total",
		Help: "Target logical address changes on addressable connections.",
	})

	discoveredECUs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udsonip_discovered_ecus_total",
		Help: "Unique ECUs returned by discovery runs.",
	})

	transportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "udsonip_transport_errors_total",
		Help: "Transport faults surfaced to callers, per operation.",
	}, []string{"op"})
)

// Collectors returns the metrics of this package for registration on a
// caller-owned prometheus.Registerer.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{sessionsCreated, targetSwitches, discoveredECUs, transportErrors}
}
