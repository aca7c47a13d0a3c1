package gold

import (
	"math"
	"slices"
	"strings"

	"github.com/sells-group/evidence-cli/internal/model"
)

// RiskBandDistribution buckets facts whose decision_ts falls in w. Every
// band appears, in enumeration order, even when empty.
func RiskBandDistribution(facts []model.GoldFact, w model.Window) []model.BandShare {
	counts := make(map[model.RiskBand]int64, len(model.RiskBands))
	var total int64
	for _, f := range facts {
		if !w.Contains(f.DecisionTS) {
			continue
		}
		counts[f.RiskBand]++
		total++
	}
	out := make([]model.BandShare, len(model.RiskBands))
	for i, b := range model.RiskBands {
		out[i] = model.BandShare{RiskBand: b, Count: counts[b]}
		if total > 0 {
			out[i].Share = float64(counts[b]) / float64(total)
		}
	}
	return out
}

// ConfidenceScores extracts scores of facts inside w.
func ConfidenceScores(facts []model.GoldFact, w model.Window) []float64 {
	var out []float64
	for _, f := range facts {
		if w.Contains(f.DecisionTS) {
			out = append(out, f.ConfidenceScore)
		}
	}
	return out
}

// ConfidencePercentile returns the p-th percentile (0..100) of scores using
// linear interpolation between closest ranks. It returns NaN for no scores.
func ConfidencePercentile(scores []float64, p float64) float64 {
	if len(scores) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(scores)
	slices.Sort(sorted)

	p = math.Max(0, math.Min(100, p))
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (rank-float64(lo))*(sorted[hi]-sorted[lo])
}

// RejectRate is rejected / (clean + rejected), or 0 when both are zero.
func RejectRate(clean, rejected int64) float64 {
	total := clean + rejected
	if total == 0 {
		return 0
	}
	return float64(rejected) / float64(total)
}

// DailyAggregates computes the daily summary from facts, ordered by day,
// risk band and model version.
func DailyAggregates(facts []model.GoldFact) []model.DailyAggregate {
	type key struct {
		day  string
		band model.RiskBand
		mv   string
	}
	sums := make(map[key]float64)
	counts := make(map[key]int64)
	for _, f := range facts {
		k := key{f.Day(), f.RiskBand, f.ModelVersion}
		sums[k] += f.ConfidenceScore
		counts[k]++
	}

	out := make([]model.DailyAggregate, 0, len(counts))
	for k, n := range counts {
		out = append(out, model.DailyAggregate{
			Day:            k.day,
			RiskBand:       k.band,
			ModelVersion:   k.mv,
			DecisionsCount: n,
			AvgConfidence:  sums[k] / float64(n),
		})
	}
	slices.SortFunc(out, compareDaily)
	return out
}

func compareDaily(a, b model.DailyAggregate) int {
	switch {
	case a.Day != b.Day:
		return strings.Compare(a.Day, b.Day)
	case a.RiskBand != b.RiskBand:
		return strings.Compare(string(a.RiskBand), string(b.RiskBand))
	}
	return strings.Compare(a.ModelVersion, b.ModelVersion)
}

// DailyRejects counts each reason code of each reject by partition day. A
// reject carrying two reasons counts once under each.
func DailyRejects(rejects []model.RejectRecord) []model.RejectDaily {
	type key struct{ day, reason string }
	counts := make(map[key]int64)
	for _, r := range rejects {
		for _, reason := range r.Reasons {
			counts[key{r.Partition, reason}]++
		}
	}
	out := make([]model.RejectDaily, 0, len(counts))
	for k, n := range counts {
		out = append(out, model.RejectDaily{Day: k.day, Reason: k.reason, Count: n})
	}
	slices.SortFunc(out, func(a, b model.RejectDaily) int {
		if a.Day != b.Day {
			return strings.Compare(a.Day, b.Day)
		}
		return strings.Compare(a.Reason, b.Reason)
	})
	return out
}

// AffectedDays lists the distinct decision days of facts, plus any
// previous days they moved out of, in ascending order.
func AffectedDays(facts []model.GoldFact, previous ...string) []string {
	days := make(map[string]struct{})
	for _, f := range facts {
		days[f.Day()] = struct{}{}
	}
	for _, d := range previous {
		days[d] = struct{}{}
	}
	return sortedKeys(days)
}
