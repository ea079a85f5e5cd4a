package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ethpandaops/buildstage/pkg/pipeline"
	"github.com/ethpandaops/buildstage/pkg/store"
)

const namespace = "buildstage"

// Metrics contains Prometheus metrics for collection runs.
type Metrics struct {
	configurations  *prometheus.CounterVec
	skippedBranches *prometheus.CounterVec
	builds          *prometheus.CounterVec
	buildFailures   *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	runDuration     prometheus.Histogram
	lastRun         prometheus.Gauge
}

// NewMetrics registers the collector metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		configurations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "configurations_discovered_total",
				Help:      "Build configurations discovered per server",
			},
			[]string{"server"},
		),
		skippedBranches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discovery_skipped_branches_total",
				Help:      "Project branches not walked during discovery",
			},
			[]string{"server", "reason"},
		),
		builds: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_collected_total",
				Help:      "Finished builds stored, by status",
			},
			[]string{"server", "status"},
		),
		buildFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "build_detail_failures_total",
				Help:      "Build detail fetches or saves that failed",
			},
			[]string{"server"},
		),
		reconciliations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_reconciliations_total",
				Help:      "Pipeline reconciliation outcomes, by status",
			},
			[]string{"status"},
		),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_run_duration_seconds",
			Help:      "Duration of full collection runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collection_last_run_timestamp_seconds",
			Help:      "Unix time the last collection run finished",
		}),
	}
}

func (m *Metrics) observeBuild(server string, status store.BuildStatus) {
	m.builds.WithLabelValues(server, string(status)).Inc()
}

func (m *Metrics) observeOutcomes(res *pipeline.Result) {
	for _, o := range res.Outcomes {
		m.reconciliations.WithLabelValues(string(o.Status)).Inc()
	}
}
