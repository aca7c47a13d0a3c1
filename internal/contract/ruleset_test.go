package contract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/model"
)

func TestDefaultRuleSet(t *testing.T) {
	rs := DefaultRuleSet()
	require.NoError(t, rs.Check())
	assert.Equal(t, "1.0.0", rs.Version)
	require.NotNil(t, rs.ConfidenceMin)
	require.NotNil(t, rs.ConfidenceMax)
	assert.Equal(t, 0.0, *rs.ConfidenceMin)
	assert.Equal(t, 1.0, *rs.ConfidenceMax)
}

func TestRuleSetCheck(t *testing.T) {
	lo, hi := 1.0, 0.0
	assert.Error(t, RuleSet{Version: "1.0.0", ConfidenceMin: &lo, ConfidenceMax: &hi}.Check())
	assert.Error(t, RuleSet{Version: "latest"}.Check())
	assert.NoError(t, RuleSet{Version: "v2.1"}.Check())
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rule_sets:
  - version: 1.0.0
    confidence_min: 0
    confidence_max: 1
  - version: 1.10.0
    confidence_min: 0
  - version: 1.2.0
`), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0", "1.2.0", "1.10.0"}, reg.Versions())

	latest, err := reg.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest.Version)
	assert.Nil(t, latest.ConfidenceMax)

	rs, err := reg.Lookup("1.2.0")
	require.NoError(t, err)
	assert.Nil(t, rs.ConfidenceMin)

	_, err = reg.Lookup("9.9.9")
	assert.ErrorIs(t, err, ErrUnknownRuleSet)
}

func TestLoadRegistry_DefaultWhenNoPath(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)
	rs, err := reg.Lookup(DefaultVersion)
	require.NoError(t, err)
	assert.Equal(t, DefaultRuleSet(), rs)
}

func TestLoadRegistry_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadRegistry(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("rule_sets: []\n"), 0o644))
	_, err = LoadRegistry(empty)
	assert.Error(t, err)

	dup := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("rule_sets:\n  - version: 1.0.0\n  - version: 1.0.0\n"), 0o644))
	_, err = LoadRegistry(dup)
	assert.Error(t, err)
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		from, to string
		want     model.LineageDirection
	}{
		{"1.0.0", "1.1.0", model.LineageUpgrade},
		{"1.10.0", "1.9.0", model.LineageDowngrade},
		{"1.0.0", "1.0.0", model.LineageSame},
	}
	for _, tt := range tests {
		got, err := CompareVersions(tt.from, tt.to)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := CompareVersions("x", "1.0.0")
	assert.Error(t, err)
}

func TestReasons(t *testing.T) {
	joined := JoinReasons([]ReasonCode{ReasonMissingPolicyID, ReasonInvalidRiskBand})
	assert.Equal(t, "MISSING_POLICY_ID|INVALID_RISK_BAND", joined)
	assert.Equal(t, []ReasonCode{ReasonMissingPolicyID, ReasonInvalidRiskBand}, SplitReasons(joined))
	assert.Nil(t, SplitReasons(""))

	assert.True(t, ReasonMissingOverrideReason.MissingEvidence())
	assert.False(t, ReasonInvalidRiskBand.MissingEvidence())

	c, ok := ParseReason("UNPARSEABLE_DECISION_TS")
	assert.True(t, ok)
	assert.Equal(t, ReasonUnparseableDecisionTS, c)
	_, ok = ParseReason("BOGUS")
	assert.False(t, ok)
}
