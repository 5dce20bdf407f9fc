package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// UploadsTotal counts upload attempts by outcome and upload type.
	UploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpsrecorder",
		Subsystem: "uploader",
		Name:      "attempts_total",
		Help:      "Total number of reading upload attempts, labeled by outcome and upload type.",
	}, []string{"outcome", "upload_type"})

	// UploadDurationSeconds is the time from request start to outcome.
	UploadDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gpsrecorder",
		Subsystem: "uploader",
		Name:      "attempt_duration_seconds",
		Help:      "Time taken by a single upload attempt.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"outcome"})

	// QueueOpsTotal counts queue mutations triggered by upload outcomes.
	QueueOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpsrecorder",
		Subsystem: "queue",
		Name:      "operations_total",
		Help:      "Total queue store operations performed by the outcome handler, labeled by op and result.",
	}, []string{"op", "result"})

	// QueueDepth is the number of readings awaiting confirmed delivery (best-effort).
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpsrecorder",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of readings in the durable queue at the last reconciliation.",
	})

	// ReconcileCyclesTotal counts reconciliation cycles by result.
	ReconcileCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpsrecorder",
		Subsystem: "reconciler",
		Name:      "cycles_total",
		Help:      "Total reconciliation cycles, labeled by result.",
	}, []string{"result"})
)

// Register registers agent metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			UploadsTotal,
			UploadDurationSeconds,
			QueueOpsTotal,
			QueueDepth,
			ReconcileCyclesTotal,
		)
	})
}
