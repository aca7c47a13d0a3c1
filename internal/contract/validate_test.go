package contract

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/model"
)

func validPayload() map[string]any {
	return map[string]any{
		"decision_id":      "d1",
		"decision_type":    "loan",
		"model_version":    "v3",
		"confidence_score": 0.92,
		"risk_band":        "LOW",
		"policy_id":        "p1",
		"decision_ts":      "2024-01-01T00:00:00Z",
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestValidate_CleanDefaultsFacility(t *testing.T) {
	res := DefaultRuleSet().Validate(mustJSON(t, validPayload()))

	require.True(t, res.Clean(), "reasons: %v", res.Reasons)
	assert.Equal(t, "d1", res.Evidence.DecisionID)
	assert.Equal(t, "loan", res.Evidence.DecisionType)
	assert.Equal(t, "v3", res.Evidence.ModelVersion)
	assert.InDelta(t, 0.92, res.Evidence.ConfidenceScore, 1e-12)
	assert.Equal(t, model.RiskBandLow, res.Evidence.RiskBand)
	assert.Equal(t, "p1", res.Evidence.PolicyID)
	assert.Equal(t, model.UnknownFacility, res.Evidence.FacilityCode)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), res.Evidence.DecisionTS)
	assert.Nil(t, res.Evidence.OverrideFlag)
	assert.Equal(t, DefaultVersion, res.ContractVersion)
}

func TestValidate_EmptyFacilityIsNotAReject(t *testing.T) {
	p := validPayload()
	p["facility_code"] = "   "
	res := DefaultRuleSet().Validate(mustJSON(t, p))
	require.True(t, res.Clean())
	assert.Equal(t, model.UnknownFacility, res.Evidence.FacilityCode)

	p["facility_code"] = "FAC-023"
	res = DefaultRuleSet().Validate(mustJSON(t, p))
	require.True(t, res.Clean())
	assert.Equal(t, "FAC-023", res.Evidence.FacilityCode)
}

func TestValidate_MultiReasonOrder(t *testing.T) {
	p := validPayload()
	delete(p, "model_version")
	p["risk_band"] = "CRITICAL"

	res := DefaultRuleSet().Validate(mustJSON(t, p))
	require.False(t, res.Clean())
	assert.Equal(t, []ReasonCode{ReasonMissingModelVersion, ReasonInvalidRiskBand}, res.Reasons)
	assert.Len(t, res.Details, 2)
	assert.Equal(t, "MISSING_MODEL_VERSION|INVALID_RISK_BAND", JoinReasons(res.Reasons))
	require.NotNil(t, res.DecisionID)
	assert.Equal(t, "d1", *res.DecisionID)
}

func TestValidate_SparsePayloadCollectsEveryReason(t *testing.T) {
	res := DefaultRuleSet().Validate([]byte(`{"decision_id":"d2","risk_band":"LOW"}`))

	assert.Equal(t, []ReasonCode{
		ReasonMissingDecisionType,
		ReasonMissingModelVersion,
		ReasonInvalidConfidence,
		ReasonMissingPolicyID,
		ReasonUnparseableDecisionTS,
	}, res.Reasons)
	assert.Equal(t, model.UnknownFacility, res.FacilityCode)
	assert.Equal(t, model.Evidence{}, res.Evidence)
}

func TestValidate_OverrideRule(t *testing.T) {
	tests := []struct {
		name  string
		patch map[string]any
		want  []ReasonCode
	}{
		{"true without reason", map[string]any{"override_flag": true}, []ReasonCode{ReasonMissingOverrideReason}},
		{"true with reason", map[string]any{"override_flag": true, "override_reason_code": "OUT_OF_POLICY"}, nil},
		{"false without reason", map[string]any{"override_flag": false}, nil},
		{"string true without reason", map[string]any{"override_flag": "true"}, []ReasonCode{ReasonMissingOverrideReason}},
		{"blank reason counts as absent", map[string]any{"override_flag": true, "override_reason_code": " "}, []ReasonCode{ReasonMissingOverrideReason}},
		{"non-boolean flag", map[string]any{"override_flag": "sometimes"}, []ReasonCode{ReasonInvalidOverrideFlag}},
		{"object flag", map[string]any{"override_flag": map[string]any{}}, []ReasonCode{ReasonInvalidOverrideFlag}},
		{"null flag", map[string]any{"override_flag": nil}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			for k, v := range tt.patch {
				p[k] = v
			}
			res := DefaultRuleSet().Validate(mustJSON(t, p))
			assert.Equal(t, tt.want, res.Reasons)
		})
	}
}

func TestValidate_Confidence(t *testing.T) {
	tests := []struct {
		name  string
		value any
		ok    bool
	}{
		{"float", 0.5, true},
		{"zero", 0, true},
		{"one", 1, true},
		{"numeric string", "0.75", true},
		{"above range", 1.7, false},
		{"negative", -0.1, false},
		{"word", "high", false},
		{"NaN string", "NaN", false},
		{"Inf string", "Inf", false},
		{"bool", true, false},
		{"null", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			p["confidence_score"] = tt.value
			res := DefaultRuleSet().Validate(mustJSON(t, p))
			if tt.ok {
				assert.True(t, res.Clean(), "reasons: %v", res.Reasons)
			} else {
				assert.Equal(t, []ReasonCode{ReasonInvalidConfidence}, res.Reasons)
			}
		})
	}
}

func TestValidate_UnboundedRuleSetAcceptsAnyFiniteScore(t *testing.T) {
	p := validPayload()
	p["confidence_score"] = 42.5
	res := RuleSet{Version: "2.0.0"}.Validate(mustJSON(t, p))
	require.True(t, res.Clean())
	assert.Equal(t, 42.5, res.Evidence.ConfidenceScore)
	assert.Equal(t, "2.0.0", res.ContractVersion)
}

func TestValidate_RiskBandIsCaseSensitive(t *testing.T) {
	for _, band := range []any{"low", "Medium", "MID", "HIGHEST", "", " LOW", 1} {
		p := validPayload()
		p["risk_band"] = band
		res := DefaultRuleSet().Validate(mustJSON(t, p))
		assert.Equal(t, []ReasonCode{ReasonInvalidRiskBand}, res.Reasons, "band %v", band)
	}
}

func TestValidate_DecisionIDMustBeString(t *testing.T) {
	p := validPayload()
	p["decision_id"] = 17
	res := DefaultRuleSet().Validate(mustJSON(t, p))
	assert.Equal(t, []ReasonCode{ReasonMissingDecisionID}, res.Reasons)
	assert.Nil(t, res.DecisionID)
}

func TestValidate_NumericPolicyIDIsText(t *testing.T) {
	p := validPayload()
	p["policy_id"] = 1001
	res := DefaultRuleSet().Validate(mustJSON(t, p))
	require.True(t, res.Clean())
	assert.Equal(t, "1001", res.Evidence.PolicyID)
}

func TestValidate_NormalizesIdentifiers(t *testing.T) {
	p := validPayload()
	p["decision_id"] = "  d1\t"
	p["policy_id"] = "pé"
	res := DefaultRuleSet().Validate(mustJSON(t, p))
	require.True(t, res.Clean())
	assert.Equal(t, "d1", res.Evidence.DecisionID)
	assert.Equal(t, "pé", res.Evidence.PolicyID)
}

func TestValidate_UnparseablePayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"truncated", `{"decision_id":"d1"`},
		{"array", `[{"decision_id":"d1"}]`},
		{"string", `"d1"`},
		{"null", `null`},
		{"trailing", `{"decision_id":"d1"} {"decision_id":"d2"}`},
		{"not json", `decision_id=d1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := DefaultRuleSet().Validate([]byte(tt.raw))
			assert.Equal(t, []ReasonCode{ReasonUnparseablePayload}, res.Reasons)
			assert.Nil(t, res.DecisionID)
			assert.Equal(t, model.UnknownFacility, res.FacilityCode)
		})
	}
}

func TestValidate_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	rs := DefaultRuleSet()
	properties.Property("validation is a pure function of the payload", prop.ForAll(
		func(id, band, ts string, score float64, flag bool) bool {
			raw, err := json.Marshal(map[string]any{
				"decision_id":      id,
				"decision_type":    "claim_triage",
				"model_version":    "risk-model-v1.3",
				"confidence_score": score,
				"risk_band":        band,
				"policy_id":        "POL-1001",
				"decision_ts":      ts,
				"override_flag":    flag,
			})
			if err != nil {
				return false
			}
			a, b := rs.Validate(raw), rs.Validate(raw)
			if a.Clean() != (len(a.Reasons) == 0) || len(a.Reasons) != len(a.Details) {
				return false
			}
			return assert.ObjectsAreEqual(a, b)
		},
		gen.AlphaString(),
		gen.OneConstOf("LOW", "MEDIUM", "HIGH", "MID", "low", ""),
		gen.OneConstOf("2024-01-01T00:00:00Z", "2024-01-01", "not-a-date", "2026-99-99", ""),
		gen.Float64Range(-0.5, 1.5),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
