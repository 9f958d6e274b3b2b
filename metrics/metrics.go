package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_decisions_total",
			Help: "Total allocation decisions",
		},
		[]string{"outcome", "payload", "source"}, // Selected|NoTarget, present|absent, webhook|pubsub
	)

	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "allocator_evaluation_duration_seconds",
			Help:    "Duration of allocation request handling",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)

	LinkedHubs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "allocator_linked_hubs",
			Help:    "Number of candidate hubs per request",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		},
	)

	RejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_rejected_requests_total",
			Help: "Requests rejected before or after evaluation",
		},
		[]string{"reason"}, // malformed_body|payload_shape|too_large
	)

	PublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_published_decisions_total",
			Help: "Decision envelopes published to the result topic",
		},
		[]string{"result"}, // ok|error
	)
)

func init() {
	prometheus.MustRegister(DecisionsTotal)
	prometheus.MustRegister(EvaluationDuration)
	prometheus.MustRegister(LinkedHubs)
	prometheus.MustRegister(RejectedTotal)
	prometheus.MustRegister(PublishedTotal)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}

func PayloadLabel(present bool) string {
	if present {
		return "present"
	}
	return "absent"
}

func PublishLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
