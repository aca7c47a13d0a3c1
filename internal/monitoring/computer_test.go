package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeWindowStore answers window queries keyed by window start.
type fakeWindowStore struct {
	silver   map[time.Time][2]int64
	reasons  map[string]int64
	versions map[time.Time][]string
	scores   map[time.Time][]float64
	runs     [2]int64
	bronze   int64
	err      error

	contractVersions []string
}

func (f *fakeWindowStore) CountBronze(_ context.Context, _ model.Window) (int64, error) {
	return f.bronze, f.err
}

func (f *fakeWindowStore) CountSilver(_ context.Context, w model.Window, cv string) (int64, int64, error) {
	f.contractVersions = append(f.contractVersions, cv)
	c := f.silver[w.From]
	return c[0], c[1], f.err
}

func (f *fakeWindowStore) CountReasons(_ context.Context, _ model.Window, _ string) (map[string]int64, error) {
	return f.reasons, f.err
}

func (f *fakeWindowStore) ModelVersions(_ context.Context, w model.Window) ([]string, error) {
	return f.versions[w.From], f.err
}

func (f *fakeWindowStore) ConfidenceScores(_ context.Context, w model.Window) ([]float64, error) {
	return f.scores[w.From], f.err
}

func (f *fakeWindowStore) CountRuns(_ context.Context, _ model.Window) (int64, int64, error) {
	return f.runs[0], f.runs[1], f.err
}

var prevDay = testWindow.Previous()

func TestComputer_RejectRate(t *testing.T) {
	ws := &fakeWindowStore{silver: map[time.Time][2]int64{testWindow.From: {100, 25}}}
	c := NewComputer(ws, "1.0.0")

	sig, err := c.ComputeSignal(context.Background(), SignalRejectRate, testWindow)
	require.NoError(t, err)
	assert.InDelta(t, 0.20, sig.Value, 1e-12)
	assert.Equal(t, []string{"1.0.0"}, ws.contractVersions)
}

func TestComputer_RejectSpikeUsesPreviousWindow(t *testing.T) {
	ws := &fakeWindowStore{silver: map[time.Time][2]int64{
		testWindow.From: {80, 20},
		prevDay.From:    {95, 5},
	}}
	sig, err := NewComputer(ws, "").ComputeSignal(context.Background(), SignalRejectSpike, testWindow)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, sig.Value, 1e-12)
}

func TestComputer_TrailingBaseline(t *testing.T) {
	weekBefore := model.Trailing(testWindow.From, 7*24*time.Hour)
	ws := &fakeWindowStore{versions: map[time.Time][]string{
		testWindow.From: {"v3", "v4"},
		weekBefore.From: {"v3"},
		prevDay.From:    {"v3", "v4"},
	}}
	c := NewComputer(ws, "", WithBaseline(7*24*time.Hour))
	assert.Equal(t, weekBefore, c.BaselineOf(testWindow))

	sig, err := c.ComputeSignal(context.Background(), SignalModelVersionChurn, testWindow)
	require.NoError(t, err)
	assert.Equal(t, 1.0, sig.Value)
}

func TestComputer_MissingEvidenceWithCode(t *testing.T) {
	ws := &fakeWindowStore{
		silver:  map[time.Time][2]int64{testWindow.From: {90, 10}},
		reasons: map[string]int64{"MISSING_POLICY_ID": 4},
	}
	sig, err := NewComputer(ws, "").ComputeSignal(context.Background(), "missing_evidence_rate:MISSING_POLICY_ID", testWindow)
	require.NoError(t, err)
	assert.InDelta(t, 0.04, sig.Value, 1e-12)
}

func TestComputer_ConfidenceDrift(t *testing.T) {
	ws := &fakeWindowStore{scores: map[time.Time][]float64{
		testWindow.From: {0.5, 0.6, 0.7},
		prevDay.From:    {0.8, 0.9, 1.0},
	}}
	c := NewComputer(ws, "")

	p50, err := c.ComputeSignal(context.Background(), SignalConfidenceP50Drift, testWindow)
	require.NoError(t, err)
	assert.InDelta(t, -0.3, p50.Value, 1e-9)

	p95, err := c.ComputeSignal(context.Background(), SignalConfidenceP95Drift, testWindow)
	require.NoError(t, err)
	assert.Equal(t, SignalConfidenceP95Drift, p95.Name)
	assert.InDelta(t, 0.69-0.99, p95.Value, 1e-9)
}

func TestComputer_RunsAndVolume(t *testing.T) {
	ws := &fakeWindowStore{runs: [2]int64{10, 3}, bronze: 42}
	c := NewComputer(ws, "")

	runs, err := c.ComputeSignal(context.Background(), SignalRunFailureRate, testWindow)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, runs.Value, 1e-12)

	vol, err := c.ComputeSignal(context.Background(), SignalBronzeVolume, testWindow)
	require.NoError(t, err)
	assert.Equal(t, 42.0, vol.Value)
}

func TestComputer_UnknownSignal(t *testing.T) {
	c := NewComputer(&fakeWindowStore{}, "")
	for _, name := range []string{"latency", "reject_rate:MISSING_POLICY_ID"} {
		_, err := c.ComputeSignal(context.Background(), name, testWindow)
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrUnknownSignal), name)
	}
}

func TestComputer_StoreError(t *testing.T) {
	c := NewComputer(&fakeWindowStore{err: errors.New("disk I/O error")}, "")
	_, err := c.ComputeSignal(context.Background(), SignalRejectRate, testWindow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: count silver")

	_, err = c.ComputeAll(context.Background(), testWindow)
	require.Error(t, err)
}

func TestComputer_ComputeAll(t *testing.T) {
	ws := &fakeWindowStore{silver: map[time.Time][2]int64{testWindow.From: {100, 25}}}
	signals, err := NewComputer(ws, "").ComputeAll(context.Background(), testWindow)
	require.NoError(t, err)
	require.Len(t, signals, len(SignalNames()))
	for i, name := range SignalNames() {
		assert.Equal(t, name, signals[i].Name)
	}
}

// partitionBronze is a bronze store that can only list partitions, as the
// S3 backend does.
type partitionBronze struct {
	byPartition map[string][]model.BronzeRecord
	listed      []string
}

func (p *partitionBronze) Append(context.Context, ...model.BronzeRecord) error { return nil }

func (p *partitionBronze) ListByPartition(_ context.Context, partition string) ([]model.BronzeRecord, error) {
	p.listed = append(p.listed, partition)
	return p.byPartition[partition], nil
}

func (p *partitionBronze) ListPartitions(context.Context) ([]string, error) { return nil, nil }

func TestComputer_BronzeVolumeFromPartitionStore(t *testing.T) {
	at := func(day, hour int) time.Time { return time.Date(2024, 6, day, hour, 0, 0, 0, time.UTC) }
	w := model.Window{From: at(1, 18), To: at(2, 6)}
	bs := &partitionBronze{byPartition: map[string][]model.BronzeRecord{
		"2024-06-01": {{ID: "a", IngestedAt: at(1, 17)}, {ID: "b", IngestedAt: at(1, 19)}},
		"2024-06-02": {{ID: "c", IngestedAt: at(2, 5)}, {ID: "d", IngestedAt: at(2, 6)}},
		"2024-06-03": {{ID: "e", IngestedAt: at(3, 1)}},
	}}

	// The SQL table is empty when bronze lives elsewhere.
	ws := &fakeWindowStore{}
	sig, err := NewComputer(ws, "", WithBronze(bs)).ComputeSignal(context.Background(), SignalBronzeVolume, w)
	require.NoError(t, err)
	assert.Equal(t, 2.0, sig.Value)
	assert.Equal(t, []string{"2024-06-01", "2024-06-02"}, bs.listed)
}

func TestComputer_BronzeVolumeUsesStoreCounter(t *testing.T) {
	ws := &fakeWindowStore{bronze: 7}
	bs := struct {
		*partitionBronze
		*fakeWindowStore
	}{&partitionBronze{}, ws}

	sig, err := NewComputer(&fakeWindowStore{}, "", WithBronze(bs)).ComputeSignal(context.Background(), SignalBronzeVolume, testWindow)
	require.NoError(t, err)
	assert.Equal(t, 7.0, sig.Value)
	assert.Empty(t, bs.listed)
}
