package model

import "time"

// RiskBand is the closed risk classification carried by every decision.
type RiskBand string

const (
	RiskBandLow    RiskBand = "LOW"
	RiskBandMedium RiskBand = "MEDIUM"
	RiskBandHigh   RiskBand = "HIGH"
)

// RiskBands lists the valid bands in ascending order.
var RiskBands = []RiskBand{RiskBandLow, RiskBandMedium, RiskBandHigh}

// Valid reports whether b is one of the enumerated bands. Matching is exact.
func (b RiskBand) Valid() bool {
	switch b {
	case RiskBandLow, RiskBandMedium, RiskBandHigh:
		return true
	}
	return false
}

// UnknownFacility is substituted when a decision carries no facility code.
const UnknownFacility = "UNKNOWN"

// Evidence is the normalized, typed projection of a decision event that
// satisfied the evidence contract.
type Evidence struct {
	DecisionID         string    `json:"decision_id"`
	DecisionType       string    `json:"decision_type"`
	ModelVersion       string    `json:"model_version"`
	ConfidenceScore    float64   `json:"confidence_score"`
	RiskBand           RiskBand  `json:"risk_band"`
	PolicyID           string    `json:"policy_id"`
	FacilityCode       string    `json:"facility_code"`
	DecisionTS         time.Time `json:"decision_ts"`
	InputFeaturesHash  *string   `json:"input_features_hash,omitempty"`
	OverrideFlag       *bool     `json:"override_flag,omitempty"`
	OverrideReasonCode *string   `json:"override_reason_code,omitempty"`
}

// Overridden reports whether a human override was recorded.
func (e Evidence) Overridden() bool {
	return e.OverrideFlag != nil && *e.OverrideFlag
}
