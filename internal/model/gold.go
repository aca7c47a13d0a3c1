package model

import "time"

// Dimension names a gold dimension table.
type Dimension string

const (
	DimModelVersion Dimension = "model_version"
	DimRiskBand     Dimension = "risk_band"
	DimPolicy       Dimension = "policy"
	DimFacility     Dimension = "facility"
)

// Dimensions lists every gold dimension.
var Dimensions = []Dimension{DimModelVersion, DimRiskBand, DimPolicy, DimFacility}

// GoldFact is the current-state projection of one decision.
type GoldFact struct {
	DecisionID         string    `json:"decision_id"`
	DecisionTS         time.Time `json:"decision_ts"`
	DecisionType       string    `json:"decision_type"`
	ModelVersionKey    int64     `json:"model_version_key"`
	RiskBandKey        int64     `json:"risk_band_key"`
	PolicyKey          int64     `json:"policy_key"`
	FacilityKey        int64     `json:"facility_key"`
	ModelVersion       string    `json:"model_version"`
	RiskBand           RiskBand  `json:"risk_band"`
	PolicyID           string    `json:"policy_id"`
	FacilityCode       string    `json:"facility_code"`
	ConfidenceScore    float64   `json:"confidence_score"`
	OverrideFlag       bool      `json:"override_flag"`
	OverrideReasonCode *string   `json:"override_reason_code,omitempty"`
	BronzeID           string    `json:"bronze_id"`
	ContractVersion    string    `json:"contract_version"`
	IngestedAt         time.Time `json:"ingested_at"`
	SourceID           string    `json:"source_id"`
	BronzeSeq          int64     `json:"bronze_seq"`
}

// Day is the UTC decision date of the fact.
func (f GoldFact) Day() string {
	return f.DecisionTS.UTC().Format(PartitionLayout)
}

// DailyAggregate is one row of the materialized daily decision summary.
type DailyAggregate struct {
	Day            string   `json:"decision_day"`
	RiskBand       RiskBand `json:"risk_band"`
	ModelVersion   string   `json:"model_version"`
	DecisionsCount int64    `json:"decisions_count"`
	AvgConfidence  float64  `json:"avg_confidence_score"`
}

// RejectDaily counts rejects carrying a reason code on one day.
type RejectDaily struct {
	Day    string `json:"reject_day"`
	Reason string `json:"reject_reason"`
	Count  int64  `json:"rejects_count"`
}

// BandShare is one bucket of a risk-band distribution.
type BandShare struct {
	RiskBand RiskBand `json:"risk_band"`
	Count    int64    `json:"count"`
	Share    float64  `json:"share"`
}
