// Package synth generates synthetic decision events for exercising the
// pipeline end to end. A fixed seed reproduces the same events.
package synth

import (
	"bufio"
	"encoding/json"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	riskBands     = []string{"LOW", "MEDIUM", "HIGH"}
	decisionTypes = []string{"coverage_recommendation", "fraud_flag", "pricing_adjustment", "claim_triage"}
	modelVersions = []string{"risk-model-v1.2", "risk-model-v1.3", "risk-model-v1.4"}
	policyIDs     = []string{"POL-1001", "POL-1002", "POL-1003", "POL-1004", "POL-2001"}
	facilityCodes = []string{"FAC-001", "FAC-023", "FAC-102", "FAC-210"}
	overrideCodes = []string{"HUMAN_REVIEW_REQUIRED", "OUT_OF_POLICY", "MISSING_EVIDENCE", "EXCEPTION_APPROVAL"}
	badRiskBands  = []string{"MID", "UNKNOWN", "low", "HIGHEST", ""}
	badTimestamps = []any{"not-a-date", "2026-99-99", "", nil}
)

// corruptions each break one field the way real upstream feeds do.
var corruptions = []func(r *rand.Rand, e map[string]any){
	func(_ *rand.Rand, e map[string]any) { delete(e, "confidence_score") },
	func(r *rand.Rand, e map[string]any) {
		if r.Float64() < 0.7 {
			e["model_version"] = ""
		} else {
			e["model_version"] = nil
		}
	},
	func(r *rand.Rand, e map[string]any) { e["risk_band"] = pick(r, badRiskBands) },
	func(_ *rand.Rand, e map[string]any) { delete(e, "policy_id") },
	// An empty facility code is still clean; silver defaults it.
	func(_ *rand.Rand, e map[string]any) { e["facility_code"] = "" },
	func(r *rand.Rand, e map[string]any) { e["decision_ts"] = pick(r, badTimestamps) },
	func(_ *rand.Rand, e map[string]any) {
		e["override_flag"] = true
		delete(e, "override_reason_code")
	},
}

// Options controls generation.
type Options struct {
	// N is the number of events. Default 250.
	N int
	// BadRate is the fraction of events corrupted, in [0, 1].
	BadRate float64
	Seed    uint64
	// Now anchors decision timestamps, which fall in the ten days before it.
	Now time.Time
	// OverrideRate is the fraction of good events carrying an override.
	// Default 0.18.
	OverrideRate float64
}

// Stats counts what a generator produced.
type Stats struct {
	Total     int `json:"total"`
	Corrupted int `json:"corrupted"`
}

// Generator produces events from a seeded source.
type Generator struct {
	opts Options
	rng  *rand.Rand
}

// New validates opts and creates a Generator.
func New(opts Options) (*Generator, error) {
	if opts.BadRate < 0 || opts.BadRate > 1 || math.IsNaN(opts.BadRate) {
		return nil, eris.Errorf("synth: bad rate %v must be between 0 and 1", opts.BadRate)
	}
	if opts.N < 0 {
		return nil, eris.Errorf("synth: event count %d is negative", opts.N)
	}
	if opts.N == 0 {
		opts.N = 250
	}
	if opts.OverrideRate == 0 {
		opts.OverrideRate = 0.18
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	opts.Now = opts.Now.UTC()
	return &Generator{
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

func pick[T any](r *rand.Rand, xs []T) T {
	return xs[r.IntN(len(xs))]
}

func randString(r *rand.Rand, alphabet string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[r.IntN(len(alphabet))]
	}
	return string(b)
}

// Event returns the next event and whether it was corrupted.
func (g *Generator) Event() (map[string]any, bool) {
	r := g.rng
	start := g.opts.Now.AddDate(0, 0, -10)
	ts := start.Add(time.Duration(r.IntN(60*24*10+1)) * time.Minute)

	e := map[string]any{
		"decision_id":         "dec_" + randString(r, "abcdefghijklmnopqrstuvwxyz0123456789", 8),
		"decision_type":       pick(r, decisionTypes),
		"model_version":       pick(r, modelVersions),
		"confidence_score":    math.Round((0.35+r.Float64()*0.64)*100) / 100,
		"risk_band":           pick(r, riskBands),
		"policy_id":           pick(r, policyIDs),
		"facility_code":       pick(r, facilityCodes),
		"decision_ts":         ts.Format(time.RFC3339),
		"input_features_hash": randString(r, "abcdef0123456789", 7),
		"override_flag":       false,
	}
	if r.Float64() < g.opts.OverrideRate {
		e["override_flag"] = true
		e["override_reason_code"] = pick(r, overrideCodes)
	}

	if r.Float64() >= g.opts.BadRate {
		return e, false
	}
	for range 1 + r.IntN(2) {
		pick(r, corruptions)(r, e)
	}
	return e, true
}

// Write emits opts.N events to w as JSON Lines.
func (g *Generator) Write(w io.Writer) (Stats, error) {
	var st Stats
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for range g.opts.N {
		e, bad := g.Event()
		if err := enc.Encode(e); err != nil {
			return st, eris.Wrap(err, "synth: encode event")
		}
		st.Total++
		if bad {
			st.Corrupted++
		}
	}
	return st, eris.Wrap(bw.Flush(), "synth: flush")
}

// FileName is the landing file name for a batch generated at t.
func FileName(t time.Time) string {
	return "decision_events_synth_" + t.UTC().Format("20060102_150405") + ".jsonl"
}

// WriteFile generates a batch into dir and returns its path.
func WriteFile(dir string, opts Options) (string, Stats, error) {
	g, err := New(opts)
	if err != nil {
		return "", Stats{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", Stats{}, eris.Wrapf(err, "synth: create %s", dir)
	}

	path := filepath.Join(dir, FileName(g.opts.Now))
	// The batch only appears under its final name once complete.
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", Stats{}, eris.Wrapf(err, "synth: create %s", tmp)
	}
	st, err := g.Write(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = eris.Wrapf(cerr, "synth: close %s", tmp)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", st, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", st, eris.Wrapf(err, "synth: rename %s", tmp)
	}

	zap.L().Info("synth: batch written",
		zap.String("path", path),
		zap.Int("events", st.Total),
		zap.Int("corrupted", st.Corrupted),
	)
	return path, st, nil
}
