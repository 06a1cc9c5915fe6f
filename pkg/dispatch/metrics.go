package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK      = "ok"
	outcomeUnknown = "unknown_tool"
	outcomeInvalid = "invalid_params"
	outcomeDenied  = "denied"
	outcomeFailed  = "failed"
	outcomeTimeout = "timeout"
)

var (
	// Labels: tool, outcome (ok, unknown_tool, invalid_params, denied, failed, timeout)
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinic_assist",
		Subsystem: "tool",
		Name:      "dispatch_total",
		Help:      "Tool calls by tool and outcome",
	}, []string{"tool", "outcome"})

	dispatchSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clinic_assist",
		Subsystem: "tool",
		Name:      "dispatch_seconds",
		Help:      "Tool dispatch latency including validation and permission checks",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"tool"})
)

func recordDispatch(tool, outcome string, d time.Duration) {
	dispatchTotal.WithLabelValues(tool, outcome).Inc()
	dispatchSeconds.WithLabelValues(tool).Observe(d.Seconds())
}
