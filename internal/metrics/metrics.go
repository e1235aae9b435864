// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/adiadia/deskflow/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	observationsCounter        *prometheus.CounterVec
	observationsDroppedCounter prometheus.Counter
	sessionsClosedCounter      *prometheus.CounterVec
	clustersGauge              prometheus.Gauge
	promotionsCounter          prometheus.Counter
	runsTotalCounter           *prometheus.CounterVec
	stepRetriesCounter         prometheus.Counter
	verifySimilarityMetric     prometheus.Histogram
	stepDurationMetric         prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		observationsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "observations_ingested_total",
				Help: "Total observations accepted into the buffer by kind.",
			},
			[]string{"kind"},
		)

		observationsDroppedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "observations_dropped_total",
				Help: "Observations dropped oldest-first on buffer overflow.",
			},
		)

		sessionsClosedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessions_closed_total",
				Help: "Sessions closed by boundary reason.",
			},
			[]string{"reason"},
		)

		clustersGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "workflow_candidate_clusters",
				Help: "Current number of transient candidate clusters.",
			},
		)

		promotionsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "workflows_promoted_total",
				Help: "Clusters promoted to persisted workflows.",
			},
		)

		runsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runs_total",
				Help: "Total run terminal transitions by status.",
			},
			[]string{"status"},
		)

		stepRetriesCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "step_retries_total",
				Help: "Total retried step attempts.",
			},
		)

		verifySimilarityMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "verification_similarity",
				Help:    "Similarity scores observed during step verification.",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		)

		stepDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "step_execution_duration_seconds",
				Help:    "Duration of input-action dispatches in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			observationsCounter,
			observationsDroppedCounter,
			sessionsClosedCounter,
			clustersGauge,
			promotionsCounter,
			runsTotalCounter,
			stepRetriesCounter,
			verifySimilarityMetric,
			stepDurationMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, kind := range []domain.ObservationKind{
			domain.ObsText,
			domain.ObsUIEvent,
			domain.ObsInputAction,
			domain.ObsAppContext,
		} {
			observationsCounter.WithLabelValues(string(kind))
		}

		for _, reason := range []string{"idle_gap", "app_switch", "max_duration", "shutdown"} {
			sessionsClosedCounter.WithLabelValues(reason)
		}

		for _, status := range []domain.RunStatus{
			domain.RunCompleted,
			domain.RunFailed,
			domain.RunAborted,
		} {
			runsTotalCounter.WithLabelValues(string(status))
		}
	})
}

func IncObservation(kind domain.ObservationKind) {
	Init()
	observationsCounter.WithLabelValues(string(kind)).Inc()
}

func IncObservationDropped() {
	Init()
	observationsDroppedCounter.Inc()
}

func IncSessionClosed(reason string) {
	Init()
	sessionsClosedCounter.WithLabelValues(reason).Inc()
}

func SetClusterCount(n int) {
	Init()
	clustersGauge.Set(float64(n))
}

func IncPromotion() {
	Init()
	promotionsCounter.Inc()
}

func IncRunStatus(status domain.RunStatus) {
	Init()
	runsTotalCounter.WithLabelValues(string(status)).Inc()
}

func IncStepRetries() {
	Init()
	stepRetriesCounter.Inc()
}

func ObserveVerifySimilarity(score float64) {
	Init()
	verifySimilarityMetric.Observe(score)
}

func ObserveStepDuration(d time.Duration) {
	Init()
	stepDurationMetric.Observe(d.Seconds())
}
