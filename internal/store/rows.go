package store

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Column orders shared by both backends. Row builders and scanners follow
// these orders exactly.
var (
	cleanColumns = []string{
		"bronze_id", "contract_version", "source_id", "partition", "ingested_at", "bronze_seq",
		"decision_id", "decision_type", "model_version", "confidence_score", "risk_band",
		"policy_id", "facility_code", "decision_ts", "input_features_hash", "override_flag",
		"override_reason_code", "digest",
	}
	rejectColumns = []string{
		"bronze_id", "contract_version", "source_id", "partition", "ingested_at", "bronze_seq",
		"rejected_at", "decision_id", "reject_reason", "reasons", "details", "facility_code",
		"raw_payload", "digest",
	}
	duplicateColumns = []string{
		"bronze_id", "contract_version", "source_id", "partition", "ingested_at", "bronze_seq",
		"decision_id", "winner_bronze_id", "policy",
	}
	factColumns = []string{
		"decision_id", "decision_ts", "decision_day", "decision_type",
		"model_version_key", "risk_band_key", "policy_key", "facility_key",
		"confidence_score", "override_flag", "override_reason_code", "bronze_id", "contract_version",
		"ingested_at", "source_id", "bronze_seq",
	}
	silverKey = []string{"bronze_id", "contract_version"}

	silverTables = []string{"silver_clean", "silver_rejects", "silver_duplicates"}
)

func cleanRow(r model.SilverCleanRecord) []any {
	var override any
	if r.OverrideFlag != nil {
		override = *r.OverrideFlag
	}
	return []any{
		r.BronzeID, r.ContractVersion, r.SourceID, r.Partition, r.IngestedAt.UTC(), r.BronzeSeq,
		r.DecisionID, r.DecisionType, r.ModelVersion, r.ConfidenceScore, string(r.RiskBand),
		r.PolicyID, r.FacilityCode, r.DecisionTS.UTC(), optString(r.InputFeaturesHash), override,
		optString(r.OverrideReasonCode), r.Digest,
	}
}

func rejectRow(r model.RejectRecord) ([]any, error) {
	reasons, details, err := encodeReasons(r)
	if err != nil {
		return nil, err
	}
	return []any{
		r.BronzeID, r.ContractVersion, r.SourceID, r.Partition, r.IngestedAt.UTC(), r.BronzeSeq,
		r.RejectedAt.UTC(), optString(r.DecisionID), r.RejectReason, reasons, details, r.FacilityCode,
		r.RawPayload, r.Digest,
	}, nil
}

func duplicateRow(r model.DuplicateRecord) []any {
	return []any{
		r.BronzeID, r.ContractVersion, r.SourceID, r.Partition, r.IngestedAt.UTC(), r.BronzeSeq,
		r.DecisionID, r.WinnerBronzeID, r.Policy,
	}
}

func factRow(f model.GoldFact) []any {
	return []any{
		f.DecisionID, f.DecisionTS.UTC(), f.Day(), f.DecisionType,
		f.ModelVersionKey, f.RiskBandKey, f.PolicyKey, f.FacilityKey,
		f.ConfidenceScore, f.OverrideFlag, optString(f.OverrideReasonCode), f.BronzeID, f.ContractVersion,
		f.IngestedAt.UTC(), f.SourceID, f.BronzeSeq,
	}
}

// optString maps a nil pointer to a SQL NULL.
func optString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// encodeReasons renders the reason and detail lists as JSON arrays. Nil lists
// are stored as empty arrays.
func encodeReasons(r model.RejectRecord) (string, string, error) {
	reasons := r.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	details := r.Details
	if details == nil {
		details = []string{}
	}
	rb, err := json.Marshal(reasons)
	if err != nil {
		return "", "", eris.Wrap(err, "store: encode reasons")
	}
	db, err := json.Marshal(details)
	if err != nil {
		return "", "", eris.Wrap(err, "store: encode details")
	}
	return string(rb), string(db), nil
}

func decodeReasons(reasonsJSON, detailsJSON string, r *model.RejectRecord) error {
	if err := json.Unmarshal([]byte(reasonsJSON), &r.Reasons); err != nil {
		return eris.Wrap(err, "store: decode reasons")
	}
	if err := json.Unmarshal([]byte(detailsJSON), &r.Details); err != nil {
		return eris.Wrap(err, "store: decode details")
	}
	if len(r.Details) == 0 {
		r.Details = nil
	}
	return nil
}

func updateSet(cols []string, source string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + " = " + source + "." + c
	}
	return strings.Join(parts, ", ")
}

// dayBounds returns the first and last UTC day a window touches.
func dayBounds(w model.Window) (string, string) {
	days := w.Days()
	if len(days) == 0 {
		d := w.From.UTC().Format(model.PartitionLayout)
		return d, d
	}
	return days[0], days[len(days)-1]
}

// The builders below take a schema prefix ("" for SQLite, "evidence." for
// Postgres) and backend-specific placeholders.

func selectFactSQL(schema string) string {
	return `SELECT f.decision_id, f.decision_ts, f.decision_type,
	f.model_version_key, f.risk_band_key, f.policy_key, f.facility_key,
	mv.value, rb.value, p.value, fc.value,
	f.confidence_score, f.override_flag, f.override_reason_code, f.bronze_id, f.contract_version,
	f.ingested_at, f.source_id, f.bronze_seq
FROM ` + schema + `gold_facts f
JOIN ` + schema + `dim_model_version mv ON mv.id = f.model_version_key
JOIN ` + schema + `dim_risk_band rb ON rb.id = f.risk_band_key
JOIN ` + schema + `dim_policy p ON p.id = f.policy_key
JOIN ` + schema + `dim_facility fc ON fc.id = f.facility_key`
}

// clearSilverSQL deletes one partition's output for one contract version
// from a silver table.
func clearSilverSQL(schema, table, p1, p2 string) string {
	return `DELETE FROM ` + schema + table + ` WHERE partition = ` + p1 + ` AND contract_version = ` + p2
}

// selectFactHeadSQL reads the ranking columns of one stored fact.
func selectFactHeadSQL(schema, p1 string) string {
	return `SELECT decision_ts, ingested_at, source_id, bronze_seq FROM ` + schema + `gold_facts WHERE decision_id = ` + p1
}

func refreshDailySQL(schema, dayPredicate string) string {
	return `INSERT INTO ` + schema + `gold_daily (decision_day, risk_band, model_version, decisions_count, avg_confidence_score)
SELECT f.decision_day, rb.value, mv.value, COUNT(*), AVG(f.confidence_score)
FROM ` + schema + `gold_facts f
JOIN ` + schema + `dim_risk_band rb ON rb.id = f.risk_band_key
JOIN ` + schema + `dim_model_version mv ON mv.id = f.model_version_key
WHERE f.decision_day ` + dayPredicate + `
GROUP BY f.decision_day, rb.value, mv.value`
}

func silverVersionsSQL(schema string, p1, p2, p3 string) string {
	return `SELECT contract_version FROM ` + schema + `silver_clean WHERE partition = ` + p1 + `
UNION SELECT contract_version FROM ` + schema + `silver_rejects WHERE partition = ` + p2 + `
UNION SELECT contract_version FROM ` + schema + `silver_duplicates WHERE partition = ` + p3 + `
ORDER BY contract_version`
}

func silverCountsSQL(schema string, p1, p2, p3 string) string {
	return `SELECT contract_version,
	SUM(CASE WHEN kind = 'clean' THEN 1 ELSE 0 END),
	SUM(CASE WHEN kind = 'reject' THEN 1 ELSE 0 END),
	SUM(CASE WHEN kind = 'duplicate' THEN 1 ELSE 0 END)
FROM (
	SELECT contract_version, 'clean' AS kind FROM ` + schema + `silver_clean WHERE partition = ` + p1 + `
	UNION ALL SELECT contract_version, 'reject' AS kind FROM ` + schema + `silver_rejects WHERE partition = ` + p2 + `
	UNION ALL SELECT contract_version, 'duplicate' AS kind FROM ` + schema + `silver_duplicates WHERE partition = ` + p3 + `
) s
GROUP BY contract_version
ORDER BY contract_version`
}
