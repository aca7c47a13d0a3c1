package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Field names of the decision event payload.
const (
	FieldDecisionID         = "decision_id"
	FieldDecisionType       = "decision_type"
	FieldModelVersion       = "model_version"
	FieldConfidenceScore    = "confidence_score"
	FieldRiskBand           = "risk_band"
	FieldPolicyID           = "policy_id"
	FieldFacilityCode       = "facility_code"
	FieldDecisionTS         = "decision_ts"
	FieldInputFeaturesHash  = "input_features_hash"
	FieldOverrideFlag       = "override_flag"
	FieldOverrideReasonCode = "override_reason_code"
)

// Result is the outcome of validating one payload. It is either clean
// (no reasons) or rejected with every violated rule in rule order.
type Result struct {
	ContractVersion string
	Evidence        model.Evidence
	Reasons         []ReasonCode
	Details         []string

	// Best-effort identity, populated for rejects too.
	DecisionID   *string
	FacilityCode string
}

// Clean reports whether the payload satisfied the full contract.
func (r Result) Clean() bool {
	return len(r.Reasons) == 0
}

func (r *Result) reject(code ReasonCode, format string, args ...any) {
	r.Reasons = append(r.Reasons, code)
	r.Details = append(r.Details, fmt.Sprintf(format, args...))
}

// Validate applies every rule to raw and never fails: rejection is a value.
func (rs RuleSet) Validate(raw []byte) Result {
	res := Result{ContractVersion: rs.Version, FacilityCode: model.UnknownFacility}

	obj, err := decodeObject(raw)
	if err != nil {
		res.reject(ReasonUnparseablePayload, "payload: %v", err)
		return res
	}

	var ev model.Evidence

	if id, ok := stringField(obj, FieldDecisionID); ok {
		ev.DecisionID = id
		res.DecisionID = &id
	} else {
		res.reject(ReasonMissingDecisionID, "%s: missing or not a non-empty string", FieldDecisionID)
	}

	if typ, ok := textField(obj, FieldDecisionType); ok {
		ev.DecisionType = typ
	} else {
		res.reject(ReasonMissingDecisionType, "%s: missing or empty", FieldDecisionType)
	}

	if mv, ok := stringField(obj, FieldModelVersion); ok {
		ev.ModelVersion = mv
	} else {
		res.reject(ReasonMissingModelVersion, "%s: missing or not a non-empty string", FieldModelVersion)
	}

	if score, detail := rs.confidence(obj); detail == "" {
		ev.ConfidenceScore = score
	} else {
		res.reject(ReasonInvalidConfidence, "%s: %s", FieldConfidenceScore, detail)
	}

	band, _ := obj[FieldRiskBand].(string)
	if model.RiskBand(band).Valid() {
		ev.RiskBand = model.RiskBand(band)
	} else {
		res.reject(ReasonInvalidRiskBand, "%s: %s is not one of LOW, MEDIUM, HIGH", FieldRiskBand, describe(obj, FieldRiskBand))
	}

	if pid, ok := textField(obj, FieldPolicyID); ok {
		ev.PolicyID = pid
	} else {
		res.reject(ReasonMissingPolicyID, "%s: missing or empty", FieldPolicyID)
	}

	ev.FacilityCode = model.UnknownFacility
	if fc, ok := textField(obj, FieldFacilityCode); ok {
		ev.FacilityCode = fc
		res.FacilityCode = fc
	}

	if ts, ok := decisionTS(obj); ok {
		ev.DecisionTS = ts
	} else {
		res.reject(ReasonUnparseableDecisionTS, "%s: %s is not a resolvable timestamp", FieldDecisionTS, describe(obj, FieldDecisionTS))
	}

	if h, ok := textField(obj, FieldInputFeaturesHash); ok {
		ev.InputFeaturesHash = &h
	}
	if rc, ok := textField(obj, FieldOverrideReasonCode); ok {
		ev.OverrideReasonCode = &rc
	}

	flag, flagOK := overrideFlag(obj)
	switch {
	case !flagOK:
		res.reject(ReasonInvalidOverrideFlag, "%s: %s is not a boolean", FieldOverrideFlag, describe(obj, FieldOverrideFlag))
	case flag != nil:
		ev.OverrideFlag = flag
		if *flag && ev.OverrideReasonCode == nil {
			res.reject(ReasonMissingOverrideReason, "%s: required when %s is true", FieldOverrideReasonCode, FieldOverrideFlag)
		}
	}

	if res.Clean() {
		res.Evidence = ev
	}
	return res
}

// decodeObject accepts exactly one JSON object and nothing after it.
func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		if err == io.EOF {
			return nil, eris.New("empty payload")
		}
		return nil, eris.Wrap(err, "malformed json")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, eris.New("trailing data after json value")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, eris.Errorf("expected a json object, got %s", kindOf(v))
	}
	return obj, nil
}

func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// stringField requires a JSON string with non-blank content.
func stringField(obj map[string]any, key string) (string, bool) {
	s, ok := obj[key].(string)
	if !ok {
		return "", false
	}
	s = normalize(s)
	return s, s != ""
}

// textField also accepts numbers, rendered in their source form.
func textField(obj map[string]any, key string) (string, bool) {
	if n, ok := obj[key].(json.Number); ok {
		return n.String(), true
	}
	return stringField(obj, key)
}

func (rs RuleSet) confidence(obj map[string]any) (float64, string) {
	var (
		f   float64
		err error
	)
	switch v := obj[FieldConfidenceScore].(type) {
	case nil:
		return 0, "missing"
	case json.Number:
		f, err = strconv.ParseFloat(v.String(), 64)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Sprintf("%s is not numeric", kindOf(v))
	}
	if err != nil {
		return 0, fmt.Sprintf("%s is not a finite number", describe(obj, FieldConfidenceScore))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, "not finite"
	}
	if rs.ConfidenceMin != nil && f < *rs.ConfidenceMin {
		return 0, fmt.Sprintf("%g below minimum %g", f, *rs.ConfidenceMin)
	}
	if rs.ConfidenceMax != nil && f > *rs.ConfidenceMax {
		return 0, fmt.Sprintf("%g above maximum %g", f, *rs.ConfidenceMax)
	}
	return f, ""
}

func decisionTS(obj map[string]any) (time.Time, bool) {
	s, ok := obj[FieldDecisionTS].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := ParseTimestamp(s)
	return t, err == nil
}

// overrideFlag returns nil for an absent flag and false for a malformed one.
func overrideFlag(obj map[string]any) (*bool, bool) {
	var (
		b   bool
		err error
	)
	switch v := obj[FieldOverrideFlag].(type) {
	case nil:
		return nil, true
	case bool:
		b = v
	case string:
		b, err = strconv.ParseBool(strings.TrimSpace(v))
	case json.Number:
		b, err = strconv.ParseBool(v.String())
	default:
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	return &b, true
}

func describe(obj map[string]any, key string) string {
	v, ok := obj[key]
	if !ok {
		return "missing value"
	}
	switch t := v.(type) {
	case string:
		return strconv.Quote(t)
	case json.Number:
		return t.String()
	}
	return kindOf(v)
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
