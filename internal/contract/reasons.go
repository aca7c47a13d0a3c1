package contract

import "strings"

// ReasonCode is a member of the closed reject taxonomy.
type ReasonCode string

const (
	ReasonUnparseablePayload    ReasonCode = "UNPARSEABLE_PAYLOAD"
	ReasonMissingDecisionID     ReasonCode = "MISSING_DECISION_ID"
	ReasonMissingDecisionType   ReasonCode = "MISSING_DECISION_TYPE"
	ReasonMissingModelVersion   ReasonCode = "MISSING_MODEL_VERSION"
	ReasonInvalidConfidence     ReasonCode = "INVALID_CONFIDENCE_SCORE"
	ReasonInvalidRiskBand       ReasonCode = "INVALID_RISK_BAND"
	ReasonMissingPolicyID       ReasonCode = "MISSING_POLICY_ID"
	ReasonUnparseableDecisionTS ReasonCode = "UNPARSEABLE_DECISION_TS"
	ReasonInvalidOverrideFlag   ReasonCode = "INVALID_OVERRIDE_FLAG"
	ReasonMissingOverrideReason ReasonCode = "MISSING_OVERRIDE_REASON"
)

// ReasonSeparator joins multiple reasons in a reject_reason value.
const ReasonSeparator = "|"

// Taxonomy lists every reason code in rule evaluation order.
var Taxonomy = []ReasonCode{
	ReasonUnparseablePayload,
	ReasonMissingDecisionID,
	ReasonMissingDecisionType,
	ReasonMissingModelVersion,
	ReasonInvalidConfidence,
	ReasonInvalidRiskBand,
	ReasonMissingPolicyID,
	ReasonUnparseableDecisionTS,
	ReasonInvalidOverrideFlag,
	ReasonMissingOverrideReason,
}

// MissingEvidence reports whether the code describes an absent field.
func (c ReasonCode) MissingEvidence() bool {
	return strings.HasPrefix(string(c), "MISSING_")
}

// ParseReason resolves a taxonomy member from its string form.
func ParseReason(s string) (ReasonCode, bool) {
	for _, c := range Taxonomy {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// JoinReasons renders reasons in the order given.
func JoinReasons(reasons []ReasonCode) string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ReasonSeparator)
}

// SplitReasons is the inverse of JoinReasons.
func SplitReasons(joined string) []ReasonCode {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ReasonSeparator)
	out := make([]ReasonCode, len(parts))
	for i, p := range parts {
		out[i] = ReasonCode(p)
	}
	return out
}

// Strings converts codes to plain strings.
func Strings(reasons []ReasonCode) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}
