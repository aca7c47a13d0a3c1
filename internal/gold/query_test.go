package gold

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/model"
)

func fact(id string, band model.RiskBand, mv string, score float64, ts time.Time) model.GoldFact {
	return model.GoldFact{DecisionID: id, RiskBand: band, ModelVersion: mv, ConfidenceScore: score, DecisionTS: ts}
}

func TestRiskBandDistribution_UsesDecisionTime(t *testing.T) {
	w, err := model.DayWindow("2024-01-01")
	require.NoError(t, err)

	facts := []model.GoldFact{
		fact("a", model.RiskBandLow, "v1", 0.1, day1),
		fact("b", model.RiskBandLow, "v1", 0.2, day1),
		fact("c", model.RiskBandHigh, "v1", 0.3, day1),
		fact("d", model.RiskBandHigh, "v1", 0.4, day1.AddDate(0, 0, 1)),
	}
	dist := RiskBandDistribution(facts, w)
	require.Len(t, dist, 3)
	assert.Equal(t, model.BandShare{RiskBand: model.RiskBandLow, Count: 2, Share: 2.0 / 3}, dist[0])
	assert.Equal(t, model.BandShare{RiskBand: model.RiskBandMedium}, dist[1])
	assert.Equal(t, int64(1), dist[2].Count)
}

func TestConfidencePercentile(t *testing.T) {
	scores := []float64{0.9, 0.1, 0.5, 0.3, 0.7}
	assert.InDelta(t, 0.5, ConfidencePercentile(scores, 50), 1e-12)
	assert.InDelta(t, 0.1, ConfidencePercentile(scores, 0), 1e-12)
	assert.InDelta(t, 0.9, ConfidencePercentile(scores, 100), 1e-12)
	assert.InDelta(t, 0.86, ConfidencePercentile(scores, 95), 1e-12)
	assert.InDelta(t, 0.25, ConfidencePercentile([]float64{0, 1}, 25), 1e-12)
	assert.True(t, math.IsNaN(ConfidencePercentile(nil, 50)))

	// Input must not be reordered.
	assert.Equal(t, 0.9, scores[0])
}

func TestRejectRate(t *testing.T) {
	assert.InDelta(t, 0.20, RejectRate(100, 25), 1e-12)
	assert.Equal(t, 0.0, RejectRate(0, 0))
	assert.Equal(t, 1.0, RejectRate(0, 3))
}

func TestDailyAggregates(t *testing.T) {
	facts := []model.GoldFact{
		fact("a", model.RiskBandLow, "v2", 0.2, day1),
		fact("b", model.RiskBandLow, "v2", 0.4, day1),
		fact("c", model.RiskBandHigh, "v1", 0.9, day1),
		fact("d", model.RiskBandLow, "v1", 0.5, day1.AddDate(0, 0, 1)),
	}
	got := DailyAggregates(facts)
	require.Len(t, got, 3)
	assert.Equal(t, "2024-01-01", got[0].Day)
	assert.Equal(t, model.RiskBandHigh, got[0].RiskBand)
	assert.Equal(t, model.RiskBandLow, got[1].RiskBand)
	assert.Equal(t, int64(2), got[1].DecisionsCount)
	assert.InDelta(t, 0.3, got[1].AvgConfidence, 1e-12)
	assert.Equal(t, "2024-01-02", got[2].Day)
}

func TestDailyRejects(t *testing.T) {
	rejects := []model.RejectRecord{
		{Lineage: model.Lineage{Partition: "2024-01-01"}, Reasons: []string{"MISSING_MODEL_VERSION", "INVALID_RISK_BAND"}},
		{Lineage: model.Lineage{Partition: "2024-01-01"}, Reasons: []string{"INVALID_RISK_BAND"}},
		{Lineage: model.Lineage{Partition: "2024-01-02"}, Reasons: []string{"UNPARSEABLE_PAYLOAD"}},
	}
	assert.Equal(t, []model.RejectDaily{
		{Day: "2024-01-01", Reason: "INVALID_RISK_BAND", Count: 2},
		{Day: "2024-01-01", Reason: "MISSING_MODEL_VERSION", Count: 1},
		{Day: "2024-01-02", Reason: "UNPARSEABLE_PAYLOAD", Count: 1},
	}, DailyRejects(rejects))
}

func TestAffectedDays(t *testing.T) {
	facts := []model.GoldFact{fact("a", model.RiskBandLow, "v1", 0.1, day1.AddDate(0, 0, 1)), fact("b", model.RiskBandLow, "v1", 0.1, day1)}
	assert.Equal(t, []string{"2023-12-30", "2024-01-01", "2024-01-02"}, AffectedDays(facts, "2023-12-30", "2024-01-01"))
}

func TestConfidenceScores(t *testing.T) {
	w, err := model.DayWindow("2024-01-01")
	require.NoError(t, err)
	facts := []model.GoldFact{fact("a", model.RiskBandLow, "v1", 0.1, day1), fact("b", model.RiskBandLow, "v1", 0.2, day1.AddDate(0, 0, 1))}
	assert.Equal(t, []float64{0.1}, ConfidenceScores(facts, w))
}
