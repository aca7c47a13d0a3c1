package silver

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/bronze"
	"github.com/sells-group/evidence-cli/internal/contract"
	"github.com/sells-group/evidence-cli/internal/model"
)

var ingested = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

func bronzeBatch(payloads ...string) []model.BronzeRecord {
	out := make([]model.BronzeRecord, len(payloads))
	for i, p := range payloads {
		out[i] = model.BronzeRecord{
			ID:            fmt.Sprintf("b%02d", i),
			SourceID:      "feed-a",
			Seq:           int64(i),
			IngestedAt:    ingested,
			Partition:     "2024-01-02",
			Payload:       []byte(p),
			PayloadSHA256: bronze.PayloadDigest([]byte(p)),
		}
	}
	return out
}

func decision(id string, score float64) string {
	return fmt.Sprintf(`{"decision_id":%q,"decision_type":"loan","model_version":"v3","confidence_score":%g,"risk_band":"LOW","policy_id":"p1","decision_ts":"2024-01-01T00:00:00Z"}`, id, score)
}

func clock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestSplit_EndToEnd(t *testing.T) {
	s := NewSplitter(contract.DefaultRuleSet())
	batch := bronzeBatch(
		decision("d1", 0.92),
		`{"decision_id":"d2","risk_band":"LOW"}`,
	)

	out, err := s.Split(batch)
	require.NoError(t, err)
	require.Len(t, out.Clean, 1)
	require.Len(t, out.Rejects, 1)

	c := out.Clean[0]
	assert.Equal(t, "d1", c.DecisionID)
	assert.Equal(t, model.UnknownFacility, c.FacilityCode)
	assert.Equal(t, "b00", c.BronzeID)
	assert.Equal(t, contract.DefaultVersion, c.ContractVersion)
	assert.Len(t, c.Digest, 64)

	r := out.Rejects[0]
	require.NotNil(t, r.DecisionID)
	assert.Equal(t, "d2", *r.DecisionID)
	assert.Equal(t, []string{
		"MISSING_DECISION_TYPE",
		"MISSING_MODEL_VERSION",
		"INVALID_CONFIDENCE_SCORE",
		"MISSING_POLICY_ID",
		"UNPARSEABLE_DECISION_TS",
	}, r.Reasons)
	assert.Equal(t, "MISSING_DECISION_TYPE|MISSING_MODEL_VERSION|INVALID_CONFIDENCE_SCORE|MISSING_POLICY_ID|UNPARSEABLE_DECISION_TS", r.RejectReason)
	assert.Equal(t, `{"decision_id":"d2","risk_band":"LOW"}`, r.RawPayloadString())
	assert.Equal(t, contract.DefaultVersion, r.ContractVersion)
}

func TestSplit_UnparseablePayloadKeptVerbatim(t *testing.T) {
	raw := "\xff\xfe{not json"
	out, err := NewSplitter(contract.DefaultRuleSet()).Split(bronzeBatch(raw))
	require.NoError(t, err)
	require.Len(t, out.Rejects, 1)
	assert.Equal(t, []byte(raw), out.Rejects[0].RawPayload)
	assert.Nil(t, out.Rejects[0].DecisionID)
	assert.Equal(t, "UNPARSEABLE_PAYLOAD", out.Rejects[0].RejectReason)
}

func TestClassify_PreservesInputOrder(t *testing.T) {
	s := NewSplitter(contract.DefaultRuleSet())
	batch := bronzeBatch(decision("a", 0.1), "{}", decision("b", 0.2), "[]", decision("c", 0.3))

	var kinds []string
	for o, err := range s.Classify(batch) {
		require.NoError(t, err)
		switch {
		case o.Clean != nil:
			kinds = append(kinds, "clean:"+o.Clean.DecisionID)
		case o.Reject != nil:
			kinds = append(kinds, "reject:"+o.Bronze.ID)
		}
	}
	assert.Equal(t, []string{"clean:a", "reject:b01", "clean:b", "reject:b03", "clean:c"}, kinds)
}

func TestClassify_StopsWhenConsumerBreaks(t *testing.T) {
	s := NewSplitter(contract.DefaultRuleSet())
	batch := bronzeBatch(decision("a", 0.1), decision("b", 0.2), decision("c", 0.3))

	n := 0
	for range s.Classify(batch) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestSplit_Idempotent(t *testing.T) {
	batch := bronzeBatch(decision("d1", 0.5), `{"decision_id":"x"}`, decision("d1", 0.7))

	first, err := NewSplitter(contract.DefaultRuleSet(), WithClock(clock(time.Unix(100, 0)))).Split(batch)
	require.NoError(t, err)
	second, err := NewSplitter(contract.DefaultRuleSet(), WithClock(clock(time.Unix(999, 0)))).Split(batch)
	require.NoError(t, err)

	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, first.Clean, second.Clean)
	require.Len(t, second.Rejects, 1)
	assert.NotEqual(t, first.Rejects[0].RejectedAt, second.Rejects[0].RejectedAt)
	assert.Equal(t, first.Rejects[0].Digest, second.Rejects[0].Digest)
}

func TestSplit_ContractVersionChangesDigest(t *testing.T) {
	batch := bronzeBatch(decision("d1", 0.5))
	a, err := NewSplitter(contract.DefaultRuleSet()).Split(batch)
	require.NoError(t, err)

	next := contract.DefaultRuleSet()
	next.Version = "1.1.0"
	b, err := NewSplitter(next).Split(batch)
	require.NoError(t, err)

	assert.Equal(t, "1.1.0", b.Clean[0].ContractVersion)
	assert.NotEqual(t, a.Clean[0].Digest, b.Clean[0].Digest)
	assert.NotEqual(t, a.Digest, b.Digest)
}

func TestSplit_DedupPolicies(t *testing.T) {
	batch := bronzeBatch(decision("d1", 0.1), decision("d2", 0.2), decision("d1", 0.3), `{"decision_id":"d1"}`)

	t.Run("first wins", func(t *testing.T) {
		out, err := NewSplitter(contract.DefaultRuleSet()).Split(batch)
		require.NoError(t, err)
		require.Len(t, out.Clean, 2)
		assert.Equal(t, 0.1, out.Clean[0].ConfidenceScore)
		require.Len(t, out.Duplicates, 1)
		assert.Equal(t, "b02", out.Duplicates[0].BronzeID)
		assert.Equal(t, "b00", out.Duplicates[0].WinnerBronzeID)
		assert.Equal(t, "first_wins", out.Duplicates[0].Policy)
		assert.Len(t, out.Rejects, 1)
	})

	t.Run("last wins", func(t *testing.T) {
		out, err := NewSplitter(contract.DefaultRuleSet(), WithDedupPolicy(DedupLastWins)).Split(batch)
		require.NoError(t, err)
		require.Len(t, out.Clean, 2)
		assert.Equal(t, "d2", out.Clean[0].DecisionID)
		assert.Equal(t, 0.3, out.Clean[1].ConfidenceScore)
		require.Len(t, out.Duplicates, 1)
		assert.Equal(t, "b00", out.Duplicates[0].BronzeID)
		assert.Equal(t, "b02", out.Duplicates[0].WinnerBronzeID)
	})

	t.Run("none", func(t *testing.T) {
		out, err := NewSplitter(contract.DefaultRuleSet(), WithDedupPolicy(DedupNone)).Split(batch)
		require.NoError(t, err)
		assert.Len(t, out.Clean, 3)
		assert.Empty(t, out.Duplicates)
	})
}

func TestSplit_FirstWinsUsesIngestionOrderNotInputOrder(t *testing.T) {
	batch := bronzeBatch(decision("d1", 0.1), decision("d1", 0.9))
	batch[0].IngestedAt = ingested.Add(time.Minute)
	batch[1].SourceID = "feed-z"

	out, err := NewSplitter(contract.DefaultRuleSet()).Split(batch)
	require.NoError(t, err)
	require.Len(t, out.Clean, 1)
	assert.Equal(t, 0.9, out.Clean[0].ConfidenceScore)
	assert.Equal(t, "b00", out.Duplicates[0].BronzeID)
}

func TestSplit_TieBrokenBySourceID(t *testing.T) {
	batch := bronzeBatch(decision("d1", 0.1), decision("d1", 0.9))
	batch[0].SourceID = "feed-b"
	batch[1].SourceID = "feed-a"

	out, err := NewSplitter(contract.DefaultRuleSet()).Split(batch)
	require.NoError(t, err)
	require.Len(t, out.Clean, 1)
	assert.Equal(t, "feed-a", out.Clean[0].SourceID)
}

func TestParseDedupPolicy(t *testing.T) {
	p, err := ParseDedupPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DedupFirstWins, p)

	p, err = ParseDedupPolicy("LAST_WINS")
	require.NoError(t, err)
	assert.Equal(t, DedupLastWins, p)

	_, err = ParseDedupPolicy("newest")
	assert.Error(t, err)
}

func genPayload() gopter.Gen {
	return gen.Struct(reflectPayload, map[string]gopter.Gen{
		"ID":    gen.OneConstOf("d1", "d2", "d3", "", "d4"),
		"Type":  gen.OneConstOf("loan", "fraud_flag", ""),
		"Model": gen.OneConstOf("v1", "v2", ""),
		"Score": gen.Float64Range(-0.2, 1.2),
		"Band":  gen.OneConstOf("LOW", "MEDIUM", "HIGH", "MID", ""),
		"TS":    gen.OneConstOf("2024-01-01T00:00:00Z", "2024-01-02", "not-a-date"),
		"Flag":  gen.Bool(),
		"Raw":   gen.Bool(),
	})
}

type payloadShape struct {
	ID, Type, Model, Band, TS string
	Score                     float64
	Flag, Raw                 bool
}

var reflectPayload = reflect.TypeOf(payloadShape{})

func (p payloadShape) bytes() []byte {
	if p.Raw {
		return []byte(`{"decision_id":` + p.ID)
	}
	b, _ := json.Marshal(map[string]any{
		"decision_id":      p.ID,
		"decision_type":    p.Type,
		"model_version":    p.Model,
		"confidence_score": p.Score,
		"risk_band":        p.Band,
		"policy_id":        "POL-1001",
		"decision_ts":      p.TS,
		"override_flag":    p.Flag,
		"override_reason_code": func() any {
			if p.Flag {
				return "OUT_OF_POLICY"
			}
			return nil
		}(),
	})
	return b
}

func TestSplit_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	toBatch := func(shapes []payloadShape) []model.BronzeRecord {
		payloads := make([]string, len(shapes))
		for i, s := range shapes {
			payloads[i] = string(s.bytes())
		}
		return bronzeBatch(payloads...)
	}

	for _, policy := range []DedupPolicy{DedupFirstWins, DedupLastWins, DedupNone} {
		s := NewSplitter(contract.DefaultRuleSet(), WithDedupPolicy(policy))

		properties.Property(string(policy)+": every bronze record is classified exactly once", prop.ForAll(
			func(shapes []payloadShape) bool {
				batch := toBatch(shapes)
				out, err := s.Split(batch)
				if err != nil || out.Total() != len(batch) {
					return false
				}
				seen := map[string]int{}
				for _, c := range out.Clean {
					seen[c.BronzeID]++
				}
				for _, r := range out.Rejects {
					seen[r.BronzeID]++
				}
				for _, d := range out.Duplicates {
					seen[d.BronzeID]++
				}
				for _, b := range batch {
					if seen[b.ID] != 1 {
						return false
					}
				}
				return true
			},
			gen.SliceOf(genPayload()),
		))

		properties.Property(string(policy)+": clean decision ids are unique unless dedup is off", prop.ForAll(
			func(shapes []payloadShape) bool {
				out, err := s.Split(toBatch(shapes))
				if err != nil {
					return false
				}
				ids := map[string]bool{}
				for _, c := range out.Clean {
					if ids[c.DecisionID] && policy != DedupNone {
						return false
					}
					ids[c.DecisionID] = true
				}
				return true
			},
			gen.SliceOf(genPayload()),
		))

		properties.Property(string(policy)+": re-running yields identical outputs", prop.ForAll(
			func(shapes []payloadShape) bool {
				batch := toBatch(shapes)
				a, errA := s.Split(batch)
				b, errB := s.Split(batch)
				if errA != nil || errB != nil {
					return false
				}
				return a.Digest == b.Digest && assert.ObjectsAreEqual(a.Clean, b.Clean)
			},
			gen.SliceOf(genPayload()),
		))
	}

	properties.TestingRun(t)
}
