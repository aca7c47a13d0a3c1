package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Metrics provides observability for pipeline runs. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Bronze records by silver outcome: clean, rejected, duplicate
	RecordsClassified *prometheus.CounterVec

	// Rejects by reason code
	RejectReasons *prometheus.CounterVec

	// Finished runs by stage and status
	Runs *prometheus.CounterVec

	// Stage latency
	StageDuration *prometheus.HistogramVec
}

// NewMetrics registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsClassified: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evidence_records_classified_total",
			Help: "Bronze records classified by silver outcome",
		}, []string{"outcome"}),

		RejectReasons: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evidence_reject_reasons_total",
			Help: "Reject reason codes emitted by the splitter",
		}, []string{"reason"}),

		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evidence_runs_total",
			Help: "Finished pipeline runs by stage and status",
		}, []string{"stage", "status"}),

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evidence_stage_duration_seconds",
			Help:    "Duration of pipeline stage runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
	}
}

// ObserveSilver counts the outcome of every record in a split batch.
func (m *Metrics) ObserveSilver(b model.SilverBatch) {
	if m == nil {
		return
	}
	m.RecordsClassified.WithLabelValues("clean").Add(float64(len(b.Clean)))
	m.RecordsClassified.WithLabelValues("rejected").Add(float64(len(b.Rejects)))
	m.RecordsClassified.WithLabelValues("duplicate").Add(float64(len(b.Duplicates)))
	for _, r := range b.Rejects {
		for _, reason := range r.Reasons {
			m.RejectReasons.WithLabelValues(reason).Inc()
		}
	}
}

// ObserveRun records a finished stage run.
func (m *Metrics) ObserveRun(stage model.RunStage, status model.RunStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(string(stage), string(status)).Inc()
	m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}
