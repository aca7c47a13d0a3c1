package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/config"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:   1,
		LookbackWindowHours: 24,
	}
	checker := NewChecker(NewComputer(&fakeWindowStore{}, ""), NewAlerter(cfg), nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewComputer(&fakeWindowStore{}, ""), NewAlerter(config.MonitoringConfig{}), nil, config.MonitoringConfig{})
	assert.NotNil(t, checker)

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_Window(t *testing.T) {
	now := time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)
	checker := NewChecker(nil, nil, nil, config.MonitoringConfig{LookbackWindowHours: 6})
	checker.now = func() time.Time { return now }

	w := checker.Window()
	assert.Equal(t, now.Add(-6*time.Hour), w.From)
	assert.Equal(t, now, w.To)
}

func TestChecker_CheckOnce(t *testing.T) {
	now := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)

	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		if json.NewDecoder(r.Body).Decode(&alert) == nil && alert.Type != "" {
			received.Add(1)
		}
	}))
	defer ts.Close()

	cfg := thresholds()
	cfg.LookbackWindowHours = 24
	cfg.WebhookURL = ts.URL

	ws := &fakeWindowStore{silver: map[time.Time][2]int64{now.Add(-24 * time.Hour): {100, 25}}}
	reg := prometheus.NewRegistry()
	exp := NewExporter(reg)
	checker := NewChecker(NewComputer(ws, ""), NewAlerter(cfg), exp, cfg)
	checker.now = func() time.Time { return now }

	alerts, err := checker.CheckOnce(context.Background())
	require.NoError(t, err)

	// The previous day has no silver output, so the spike alert fires too.
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertRejectRate, alerts[0].Type)
	assert.Equal(t, AlertRejectSpike, alerts[1].Type)
	assert.Equal(t, int32(2), received.Load())
	assert.InDelta(t, 0.2, testutil.ToFloat64(exp.SignalValue.WithLabelValues(SignalRejectRate)), 1e-12)
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.AlertsRaised.WithLabelValues(string(AlertRejectRate), "high")))
}
