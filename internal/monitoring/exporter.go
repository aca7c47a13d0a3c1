package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Exporter publishes the latest signal values as Prometheus gauges.
type Exporter struct {
	// Latest value per signal name
	SignalValue *prometheus.GaugeVec

	// Alerts raised by type and severity
	AlertsRaised *prometheus.CounterVec
}

// NewExporter registers the monitoring metrics with reg.
func NewExporter(reg prometheus.Registerer) *Exporter {
	f := promauto.With(reg)
	return &Exporter{
		SignalValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evidence_signal_value",
			Help: "Most recently computed value of each monitoring signal",
		}, []string{"signal"}),

		AlertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evidence_alerts_total",
			Help: "Alerts raised by type and severity",
		}, []string{"type", "severity"}),
	}
}

// Observe records signal values.
func (e *Exporter) Observe(signals []model.Signal) {
	if e == nil {
		return
	}
	for _, s := range signals {
		e.SignalValue.WithLabelValues(s.Name).Set(s.Value)
	}
}

// ObserveAlerts counts raised alerts.
func (e *Exporter) ObserveAlerts(alerts []Alert) {
	if e == nil {
		return
	}
	for _, a := range alerts {
		e.AlertsRaised.WithLabelValues(string(a.Type), a.Severity).Inc()
	}
}
