package metrics

import (
	"net/http"
	"time"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "barokg"

// Metrics exports graph update metrics. It is a scheduler.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// runs counts finished runs.
	// Labels: mode (incremental, full), status (succeeded, failed)
	runs *prometheus.CounterVec

	// runDuration measures wall time of finished runs.
	// Labels: mode
	runDuration *prometheus.HistogramVec

	// documents counts documents per outcome.
	// Labels: outcome (processed, failed, deferred, skipped)
	documents *prometheus.CounterVec

	// graphWrites counts entity and relationship writes.
	// Labels: kind (entity, relationship), op (created, updated)
	graphWrites *prometheus.CounterVec

	droppedMentions prometheus.Counter
	merges          prometheus.Counter
	lastSuccess     prometheus.Gauge
}

var _ scheduler.Observer = (*Metrics)(nil)

// New registers all collectors on a fresh registry that also carries the
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "runs_total",
			Help:      "Finished graph update runs",
		}, []string{"mode", "status"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "run_duration_seconds",
			Help:      "Graph update run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"mode"}),
		documents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "documents_total",
			Help:      "Documents handled by update runs per outcome",
		}, []string{"outcome"}),
		graphWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "writes_total",
			Help:      "Entity and relationship writes",
		}, []string{"kind", "op"}),
		droppedMentions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "dropped_mentions_total",
			Help:      "Malformed mentions dropped during resolution",
		}),
		merges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "merges_total",
			Help:      "Manual entity merges",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}),
	}
}

func (m *Metrics) RunFinished(report scheduler.RunReport) {
	if report.AlreadyRunning {
		return
	}
	status := "succeeded"
	if report.Error != "" {
		status = "failed"
	}
	mode := string(report.Mode)

	m.runs.WithLabelValues(mode, status).Inc()
	if !report.StartedAt.IsZero() && !report.FinishedAt.IsZero() {
		m.runDuration.WithLabelValues(mode).Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}

	m.documents.WithLabelValues("processed").Add(float64(len(report.Processed)))
	m.documents.WithLabelValues("failed").Add(float64(len(report.Failed)))
	m.documents.WithLabelValues("deferred").Add(float64(len(report.Deferred)))
	m.documents.WithLabelValues("skipped").Add(float64(len(report.Skipped)))
	m.droppedMentions.Add(float64(report.Dropped))
	m.addWrites(report.Report)

	if status == "succeeded" {
		m.lastSuccess.Set(float64(report.FinishedAt.Unix()))
	}
}

// MergeFinished records a manual merge.
func (m *Metrics) MergeFinished(common.MergeReport) {
	m.merges.Inc()
}

func (m *Metrics) addWrites(r common.WriteReport) {
	m.graphWrites.WithLabelValues("entity", "created").Add(float64(r.EntitiesCreated))
	m.graphWrites.WithLabelValues("entity", "updated").Add(float64(r.EntitiesUpdated))
	m.graphWrites.WithLabelValues("relationship", "created").Add(float64(r.RelationshipsCreated))
	m.graphWrites.WithLabelValues("relationship", "updated").Add(float64(r.RelationshipsUpdated))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Timeout: 10 * time.Second,
	})
}
