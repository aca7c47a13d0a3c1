package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/config"
	"github.com/sells-group/evidence-cli/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRejectRate      AlertType = "reject_rate"
	AlertRejectSpike     AlertType = "reject_spike"
	AlertMissingEvidence AlertType = "missing_evidence"
	AlertConfidenceDrift AlertType = "confidence_drift"
	AlertModelChurn      AlertType = "model_version_churn"
	AlertRunFailureRate  AlertType = "run_failure_rate"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Signal    string         `json:"signal"`
	Message   string         `json:"message"`
	Window    model.Window   `json:"window"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates signals against configured thresholds and sends alerts
// via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Evaluate checks signals against thresholds and returns any alerts. Rate
// signals over fewer than MinRecords records never alert.
func (a *Alerter) Evaluate(signals []model.Signal) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	add := func(t AlertType, severity string, sig model.Signal, threshold float64, msg string) {
		details := map[string]any{"value": sig.Value, "threshold": threshold}
		for k, v := range sig.Attrs {
			details[k] = v
		}
		alerts = append(alerts, Alert{
			Type:      t,
			Severity:  severity,
			Signal:    sig.Name,
			Message:   msg,
			Window:    sig.Window,
			Details:   details,
			Timestamp: now,
		})
	}

	for _, sig := range signals {
		lookback := int(sig.Window.Duration().Hours())
		switch baseName(sig.Name) {
		case SignalRejectRate:
			if !a.enough(sig.Attrs["total"]) || a.cfg.RejectRateThreshold <= 0 || sig.Value <= a.cfg.RejectRateThreshold {
				continue
			}
			add(AlertRejectRate, "high", sig, a.cfg.RejectRateThreshold, fmt.Sprintf(
				"Reject rate %.1f%% exceeds threshold %.1f%% (%.0f rejected / %.0f records in last %dh)",
				sig.Value*100, a.cfg.RejectRateThreshold*100, sig.Attrs["rejected"], sig.Attrs["total"], lookback,
			))

		case SignalRejectSpike:
			if !a.enough(sig.Attrs["total"]) || a.cfg.RejectSpikeThreshold <= 0 || sig.Value <= a.cfg.RejectSpikeThreshold {
				continue
			}
			add(AlertRejectSpike, "high", sig, a.cfg.RejectSpikeThreshold, fmt.Sprintf(
				"Reject rate rose %.1f points to %.1f%% against a baseline of %.1f%%",
				sig.Value*100, sig.Attrs["current"]*100, sig.Attrs["baseline"]*100,
			))

		case SignalMissingEvidence:
			if !a.enough(sig.Attrs["total"]) || a.cfg.MissingEvidenceThreshold <= 0 || sig.Value <= a.cfg.MissingEvidenceThreshold {
				continue
			}
			add(AlertMissingEvidence, "medium", sig, a.cfg.MissingEvidenceThreshold, fmt.Sprintf(
				"Missing-evidence rate %.1f%% (%s) exceeds threshold %.1f%% in last %dh",
				sig.Value*100, sig.Name, a.cfg.MissingEvidenceThreshold*100, lookback,
			))

		case SignalConfidenceP50Drift, SignalConfidenceP95Drift:
			if sig.Attrs["insufficient_data"] == 1 || a.cfg.DriftThreshold <= 0 || math.Abs(sig.Value) <= a.cfg.DriftThreshold {
				continue
			}
			add(AlertConfidenceDrift, "medium", sig, a.cfg.DriftThreshold, fmt.Sprintf(
				"%s moved %+.3f (%.3f -> %.3f), beyond threshold %.3f",
				sig.Name, sig.Value, sig.Attrs["baseline"], sig.Attrs["current"], a.cfg.DriftThreshold,
			))

		case SignalModelVersionChurn:
			if a.cfg.ChurnThreshold <= 0 || sig.Value < float64(a.cfg.ChurnThreshold) {
				continue
			}
			add(AlertModelChurn, "low", sig, float64(a.cfg.ChurnThreshold), fmt.Sprintf(
				"%.0f new model version(s) observed in last %dh",
				sig.Value, lookback,
			))

		case SignalRunFailureRate:
			if sig.Attrs["total"] < 5 || a.cfg.FailureRateThreshold <= 0 || sig.Value <= a.cfg.FailureRateThreshold {
				continue
			}
			add(AlertRunFailureRate, "high", sig, a.cfg.FailureRateThreshold, fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%.0f failed / %.0f runs in last %dh)",
				sig.Value*100, a.cfg.FailureRateThreshold*100, sig.Attrs["failed"], sig.Attrs["total"], lookback,
			))
		}
	}

	return alerts
}

func (a *Alerter) enough(total float64) bool {
	return total >= float64(a.cfg.MinRecords) && total > 0
}

func baseName(name string) string {
	base, _, _ := strings.Cut(name, ":")
	return base
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
