package monitoring

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/bronze"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/store"
)

// Computer answers ComputeSignal from the stored layers. It holds no state
// between calls.
type Computer struct {
	store           store.WindowStore
	bronze          bronze.Store
	contractVersion string
	baseline        time.Duration
	log             *zap.Logger
}

// ComputerOption configures a Computer.
type ComputerOption func(*Computer)

// WithBaseline sets the trailing baseline length used by churn, drift and
// spike signals. By default the baseline is the equal-length window
// immediately before the one requested.
func WithBaseline(d time.Duration) ComputerOption {
	return func(c *Computer) { c.baseline = d }
}

// WithBronze counts bronze_volume from bs instead of the window store. Use
// it when bronze records are preserved outside the database.
func WithBronze(bs bronze.Store) ComputerOption {
	return func(c *Computer) { c.bronze = bs }
}

// NewComputer creates a Computer. Silver signals count only output produced
// under contractVersion; an empty version counts every version.
func NewComputer(ws store.WindowStore, contractVersion string, opts ...ComputerOption) *Computer {
	c := &Computer{
		store:           ws,
		contractVersion: contractVersion,
		log:             zap.L().With(zap.String("component", "monitoring.computer")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaselineOf returns the window w is compared against.
func (c *Computer) BaselineOf(w model.Window) model.Window {
	if c.baseline > 0 {
		return model.Trailing(w.From, c.baseline)
	}
	return w.Previous()
}

// ComputeSignal computes one named signal over w.
func (c *Computer) ComputeSignal(ctx context.Context, name string, w model.Window) (model.Signal, error) {
	base, code, _ := strings.Cut(name, ":")
	if code != "" && base != SignalMissingEvidence {
		return model.Signal{}, eris.Wrapf(ErrUnknownSignal, "%s", name)
	}

	switch base {
	case SignalRejectRate:
		clean, rejected, err := c.store.CountSilver(ctx, w, c.contractVersion)
		if err != nil {
			return model.Signal{}, eris.Wrap(err, "monitoring: count silver")
		}
		return RejectRateSignal(w, clean, rejected), nil

	case SignalRejectSpike:
		clean, rejected, err := c.store.CountSilver(ctx, w, c.contractVersion)
		if err != nil {
			return model.Signal{}, eris.Wrap(err, "monitoring: count silver")
		}
		bc, br, err := c.store.CountSilver(ctx, c.BaselineOf(w), c.contractVersion)
		if err != nil {
			return model.Signal{}, eris.Wrap(err, "monitoring: count baseline silver")
		}
		return RejectSpikeSignal(w, clean, rejected, bc, br), nil

	case SignalMissingEvidence:
		clean, rejected, err := c.store.CountSilver(ctx, w, c.contractVersion)
		if err != nil {
			return model.Signal{}, eris.Wrap(err, "monitoring: count silver")
		}
		reasons, err := c.store.CountReasons(ctx, w, c.contractVersion)
		if err != nil {
			return model.Signal{}, eris.Wrap(err, "monitoring: count reasons")
		}
		return MissingEvidenceSignal(w, reasons, clean+rejected, code)

	case SignalModelVersionChurn:
		cur, err := c.store.ModelVersions(ctx, w)
		if err != nil {
			return model.Signal{}, eris.Wrap(err, "monitoring: model versions")
		}
		prev, err := c.store.ModelVersions(ctx, c.BaselineOf(w))
		if err != nil {
			return model.Signal{}, eris.Wrap(err, "monitoring: baseline model versions")
		}
		return ModelVersionChurnSignal(w, cur, prev), nil

	case SignalConfidenceP50Drift, SignalConfidenceP95Drift:
		p := 50.0
		if base == SignalConfidenceP95Drift {
			p = 95
		}
		cur, err := c.store.ConfidenceScores(ctx, w)
		if err != nil {
			return model.Signal{}, eris.Wrap(err, "monitoring: confidence scores")
		}
		prev, err := c.store.ConfidenceScores(ctx, c.BaselineOf(w))
		if err != nil {
			return model.Signal{}, eris.Wrap(err, "monitoring: baseline confidence scores")
		}
		return ConfidenceDriftSignal(base, w, cur, prev, p), nil

	case SignalRunFailureRate:
		total, failed, err := c.store.CountRuns(ctx, w)
		if err != nil {
			return model.Signal{}, eris.Wrap(err, "monitoring: count runs")
		}
		return RunFailureRateSignal(w, total, failed), nil

	case SignalBronzeVolume:
		var n int64
		var err error
		if c.bronze != nil {
			n, err = bronze.CountWindow(ctx, c.bronze, w)
		} else {
			n, err = c.store.CountBronze(ctx, w)
		}
		if err != nil {
			return model.Signal{}, eris.Wrap(err, "monitoring: count bronze")
		}
		return BronzeVolumeSignal(w, n), nil
	}
	return model.Signal{}, eris.Wrapf(ErrUnknownSignal, "%s", name)
}

// ComputeAll computes every base signal over w.
func (c *Computer) ComputeAll(ctx context.Context, w model.Window) ([]model.Signal, error) {
	names := SignalNames()
	out := make([]model.Signal, 0, len(names))
	for _, name := range names {
		sig, err := c.ComputeSignal(ctx, name, w)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	c.log.Debug("signals computed", zap.Stringer("window", w), zap.Int("count", len(out)))
	return out, nil
}
