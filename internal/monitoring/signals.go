// Package monitoring derives health signals from the pipeline layers and
// raises alerts when they cross configured thresholds.
package monitoring

import (
	"errors"
	"math"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/contract"
	"github.com/sells-group/evidence-cli/internal/gold"
	"github.com/sells-group/evidence-cli/internal/model"
)

// Signal names served by Computer.ComputeSignal. missing_evidence_rate also
// accepts a reason code suffix, as in "missing_evidence_rate:MISSING_POLICY_ID".
const (
	SignalRejectRate         = "reject_rate"
	SignalRejectSpike        = "reject_spike"
	SignalMissingEvidence    = "missing_evidence_rate"
	SignalModelVersionChurn  = "model_version_churn"
	SignalConfidenceP50Drift = "confidence_p50_drift"
	SignalConfidenceP95Drift = "confidence_p95_drift"
	SignalRunFailureRate     = "run_failure_rate"
	SignalBronzeVolume       = "bronze_volume"
)

// ErrUnknownSignal is returned for a signal name ComputeSignal does not serve.
var ErrUnknownSignal = errors.New("monitoring: unknown signal")

// SignalNames lists every base signal in evaluation order.
func SignalNames() []string {
	return []string{
		SignalRejectRate,
		SignalRejectSpike,
		SignalMissingEvidence,
		SignalModelVersionChurn,
		SignalConfidenceP50Drift,
		SignalConfidenceP95Drift,
		SignalRunFailureRate,
		SignalBronzeVolume,
	}
}

// RejectRateSignal is |rejects| / (|clean| + |rejects|).
func RejectRateSignal(w model.Window, clean, rejected int64) model.Signal {
	return model.Signal{
		Name:   SignalRejectRate,
		Window: w,
		Value:  gold.RejectRate(clean, rejected),
		Attrs: map[string]float64{
			"clean":    float64(clean),
			"rejected": float64(rejected),
			"total":    float64(clean + rejected),
		},
	}
}

// RejectSpikeSignal is the current reject rate minus the baseline reject rate.
func RejectSpikeSignal(w model.Window, clean, rejected, baseClean, baseRejected int64) model.Signal {
	cur := gold.RejectRate(clean, rejected)
	base := gold.RejectRate(baseClean, baseRejected)
	return model.Signal{
		Name:   SignalRejectSpike,
		Window: w,
		Value:  cur - base,
		Attrs: map[string]float64{
			"current":        cur,
			"baseline":       base,
			"total":          float64(clean + rejected),
			"baseline_total": float64(baseClean + baseRejected),
		},
	}
}

// MissingEvidenceSignal is count(code) / total for one reason code. With an
// empty code the value is the highest rate across every MISSING_* code and
// each code's rate is reported as an attribute.
func MissingEvidenceSignal(w model.Window, reasons map[string]int64, total int64, code string) (model.Signal, error) {
	rate := func(n int64) float64 {
		if total == 0 {
			return 0
		}
		return float64(n) / float64(total)
	}

	if code != "" {
		rc, ok := contract.ParseReason(code)
		if !ok {
			return model.Signal{}, eris.Wrapf(ErrUnknownSignal, "reason code %q", code)
		}
		return model.Signal{
			Name:   SignalMissingEvidence + ":" + string(rc),
			Window: w,
			Value:  rate(reasons[string(rc)]),
			Attrs: map[string]float64{
				"count": float64(reasons[string(rc)]),
				"total": float64(total),
			},
		}, nil
	}

	sig := model.Signal{
		Name:   SignalMissingEvidence,
		Window: w,
		Attrs:  map[string]float64{"total": float64(total)},
	}
	for _, rc := range contract.Taxonomy {
		if !rc.MissingEvidence() {
			continue
		}
		r := rate(reasons[string(rc)])
		sig.Attrs[string(rc)] = r
		sig.Value = math.Max(sig.Value, r)
	}
	return sig, nil
}

// ModelVersionChurnSignal counts model versions observed in the window that
// the baseline never saw.
func ModelVersionChurnSignal(w model.Window, current, baseline []string) model.Signal {
	var fresh int
	for _, v := range current {
		if !slices.Contains(baseline, v) {
			fresh++
		}
	}
	return model.Signal{
		Name:   SignalModelVersionChurn,
		Window: w,
		Value:  float64(fresh),
		Attrs: map[string]float64{
			"current_versions":  float64(len(current)),
			"baseline_versions": float64(len(baseline)),
		},
	}
}

// ConfidenceDriftSignal is the shift of the p-th confidence percentile from
// baseline to current. Value is current minus baseline; the relative delta is
// taken against the baseline and is zero when the baseline is zero. When
// either side has no scores the value is zero and insufficient_data is set.
func ConfidenceDriftSignal(name string, w model.Window, current, baseline []float64, p float64) model.Signal {
	sig := model.Signal{
		Name:   name,
		Window: w,
		Attrs: map[string]float64{
			"current_count":  float64(len(current)),
			"baseline_count": float64(len(baseline)),
		},
	}
	if len(current) == 0 || len(baseline) == 0 {
		sig.Attrs["insufficient_data"] = 1
		return sig
	}

	cur := gold.ConfidencePercentile(current, p)
	base := gold.ConfidencePercentile(baseline, p)
	delta := cur - base
	sig.Value = delta
	sig.Attrs["current"] = cur
	sig.Attrs["baseline"] = base
	sig.Attrs["abs_delta"] = math.Abs(delta)
	if base != 0 {
		sig.Attrs["relative_delta"] = delta / base
	} else {
		sig.Attrs["relative_delta"] = 0
	}
	return sig
}

// RunFailureRateSignal is failed / total runs started in the window.
func RunFailureRateSignal(w model.Window, total, failed int64) model.Signal {
	var v float64
	if total > 0 {
		v = float64(failed) / float64(total)
	}
	return model.Signal{
		Name:   SignalRunFailureRate,
		Window: w,
		Value:  v,
		Attrs: map[string]float64{
			"total":  float64(total),
			"failed": float64(failed),
		},
	}
}

// BronzeVolumeSignal is the number of bronze records ingested in the window.
func BronzeVolumeSignal(w model.Window, n int64) model.Signal {
	return model.Signal{Name: SignalBronzeVolume, Window: w, Value: float64(n)}
}
