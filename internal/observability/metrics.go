package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	enginePulses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fwdctl",
			Subsystem: "portmap",
			Name:      "pulses_total",
			Help:      "Engine pulse invocations.",
		},
		[]string{"engine"},
	)
	pulseWaitHint = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fwdctl",
			Subsystem: "portmap",
			Name:      "pulse_wait_hint_seconds",
			Help:      "Wait hint returned by each engine pulse.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		},
		[]string{"engine"},
	)
	flowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fwdctl",
			Subsystem: "portmap",
			Name:      "flow_transitions_total",
			Help:      "Flow state transitions observed by the session.",
		},
		[]string{"engine", "state"},
	)
	mappingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fwdctl",
			Subsystem: "portmap",
			Name:      "mapping_requests_total",
			Help:      "Mapping create/renew exchanges with the gateway.",
		},
		[]string{"engine", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(enginePulses, pulseWaitHint, flowTransitions, mappingRequests)
	})
}

func RecordPulse(engine string, hint time.Duration) {
	RegisterMetrics()
	enginePulses.WithLabelValues(engine).Inc()
	pulseWaitHint.WithLabelValues(engine).Observe(hint.Seconds())
}

func RecordTransition(engine, state string) {
	RegisterMetrics()
	flowTransitions.WithLabelValues(engine, state).Inc()
}

func RecordMappingRequest(engine string, success bool) {
	RegisterMetrics()
	mappingRequests.WithLabelValues(engine, strconv.FormatBool(success)).Inc()
}
