package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/config"
	"github.com/sells-group/evidence-cli/internal/model"
)

// Checker runs periodic alert checks in the background.
type Checker struct {
	computer *Computer
	alerter  *Alerter
	exporter *Exporter
	cfg      config.MonitoringConfig
	now      func() time.Time
}

// NewChecker creates a background alert checker. exporter may be nil.
func NewChecker(computer *Computer, alerter *Alerter, exporter *Exporter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		computer: computer,
		alerter:  alerter,
		exporter: exporter,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Window is the trailing lookback window ending now.
func (c *Checker) Window() model.Window {
	hours := c.cfg.LookbackWindowHours
	if hours <= 0 {
		hours = 24
	}
	return model.Trailing(c.now(), time.Duration(hours)*time.Hour)
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			if _, err := c.CheckOnce(ctx); err != nil {
				log.Error("monitoring: alert check failed", zap.Error(err))
			}
		}
	}
}

// CheckOnce computes every signal over the lookback window, exports them,
// and evaluates and sends alerts.
func (c *Checker) CheckOnce(ctx context.Context) ([]Alert, error) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	signals, err := c.computer.ComputeAll(ctx, c.Window())
	if err != nil {
		return nil, err
	}
	c.exporter.Observe(signals)

	alerts := c.alerter.Evaluate(signals)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil, nil
	}
	c.exporter.ObserveAlerts(alerts)

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts, nil
}
