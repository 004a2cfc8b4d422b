package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catdog_predictions_total",
			Help: "Predictions served, labeled by predicted class",
		},
		[]string{"class"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catdog_stage_duration_seconds",
			Help:    "Time spent per prediction stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	RejectedUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catdog_rejected_uploads_total",
			Help: "Uploads rejected before inference, labeled by reason",
		},
		[]string{"reason"},
	)

	StoreFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catdog_store_failures_total",
			Help: "Best-effort event store failures, labeled by backend",
		},
		[]string{"backend"},
	)
)
