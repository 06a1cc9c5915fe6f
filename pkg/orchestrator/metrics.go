package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: assistant (customer, staff), intent
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinic_assist",
		Name:      "turns_total",
		Help:      "Completed conversation turns",
	}, []string{"assistant", "intent"})

	// Labels: assistant (customer, staff), reason (tool, permission, human_request, low_confidence)
	handoffsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinic_assist",
		Name:      "handoffs_total",
		Help:      "Turns that raised a human handoff signal",
	}, []string{"assistant", "reason"})

	// Labels: assistant (customer, staff)
	turnSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clinic_assist",
		Name:      "turn_seconds",
		Help:      "Turn latency including classification, tools and persistence",
		Buckets:   prometheus.DefBuckets,
	}, []string{"assistant"})

	// Labels: assistant (customer, staff)
	persistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinic_assist",
		Name:      "persist_failures_total",
		Help:      "Turns aborted because the conversation could not be stored",
	}, []string{"assistant"})
)
