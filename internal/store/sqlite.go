package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/evidence-cli/internal/gold"
	"github.com/sells-group/evidence-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// SQLite allows one writer, so the pool is capped at a single connection.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS bronze_records (
	id             TEXT PRIMARY KEY,
	source_id      TEXT NOT NULL,
	seq            INTEGER NOT NULL,
	ingested_at    TEXT NOT NULL,
	partition      TEXT NOT NULL,
	payload        BLOB NOT NULL,
	payload_sha256 TEXT NOT NULL,
	UNIQUE (source_id, ingested_at, seq)
);
CREATE INDEX IF NOT EXISTS idx_bronze_partition ON bronze_records(partition, ingested_at, source_id, seq);

CREATE TRIGGER IF NOT EXISTS bronze_records_no_update BEFORE UPDATE ON bronze_records
BEGIN SELECT RAISE(ABORT, 'bronze_records is append-only'); END;
CREATE TRIGGER IF NOT EXISTS bronze_records_no_delete BEFORE DELETE ON bronze_records
BEGIN SELECT RAISE(ABORT, 'bronze_records is append-only'); END;

CREATE TABLE IF NOT EXISTS silver_clean (
	bronze_id            TEXT NOT NULL,
	contract_version     TEXT NOT NULL,
	source_id            TEXT NOT NULL,
	partition            TEXT NOT NULL,
	ingested_at          TEXT NOT NULL,
	bronze_seq           INTEGER NOT NULL,
	decision_id          TEXT NOT NULL,
	decision_type        TEXT NOT NULL,
	model_version        TEXT NOT NULL,
	confidence_score     REAL NOT NULL,
	risk_band            TEXT NOT NULL CHECK (risk_band IN ('LOW', 'MEDIUM', 'HIGH')),
	policy_id            TEXT NOT NULL,
	facility_code        TEXT NOT NULL,
	decision_ts          TEXT NOT NULL,
	input_features_hash  TEXT,
	override_flag        INTEGER,
	override_reason_code TEXT,
	digest               TEXT NOT NULL,
	PRIMARY KEY (bronze_id, contract_version)
);
CREATE INDEX IF NOT EXISTS idx_silver_clean_partition ON silver_clean(partition, contract_version);
CREATE INDEX IF NOT EXISTS idx_silver_clean_ingested ON silver_clean(ingested_at);

CREATE TABLE IF NOT EXISTS silver_rejects (
	bronze_id        TEXT NOT NULL,
	contract_version TEXT NOT NULL,
	source_id        TEXT NOT NULL,
	partition        TEXT NOT NULL,
	ingested_at      TEXT NOT NULL,
	bronze_seq       INTEGER NOT NULL,
	rejected_at      TEXT NOT NULL,
	decision_id      TEXT,
	reject_reason    TEXT NOT NULL,
	reasons          TEXT NOT NULL,
	details          TEXT NOT NULL,
	facility_code    TEXT NOT NULL,
	raw_payload      BLOB NOT NULL,
	digest           TEXT NOT NULL,
	PRIMARY KEY (bronze_id, contract_version)
);
CREATE INDEX IF NOT EXISTS idx_silver_rejects_partition ON silver_rejects(partition, contract_version);
CREATE INDEX IF NOT EXISTS idx_silver_rejects_ingested ON silver_rejects(ingested_at);

CREATE TABLE IF NOT EXISTS silver_duplicates (
	bronze_id        TEXT NOT NULL,
	contract_version TEXT NOT NULL,
	source_id        TEXT NOT NULL,
	partition        TEXT NOT NULL,
	ingested_at      TEXT NOT NULL,
	bronze_seq       INTEGER NOT NULL,
	decision_id      TEXT NOT NULL,
	winner_bronze_id TEXT NOT NULL,
	policy           TEXT NOT NULL,
	PRIMARY KEY (bronze_id, contract_version)
);

CREATE TABLE IF NOT EXISTS dim_model_version (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dim_risk_band     (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dim_policy        (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dim_facility      (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);

CREATE TABLE IF NOT EXISTS gold_facts (
	decision_id          TEXT PRIMARY KEY,
	decision_ts          TEXT NOT NULL,
	decision_day         TEXT NOT NULL,
	decision_type        TEXT NOT NULL,
	model_version_key    INTEGER NOT NULL REFERENCES dim_model_version(id),
	risk_band_key        INTEGER NOT NULL REFERENCES dim_risk_band(id),
	policy_key           INTEGER NOT NULL REFERENCES dim_policy(id),
	facility_key         INTEGER NOT NULL REFERENCES dim_facility(id),
	confidence_score     REAL NOT NULL,
	override_flag        INTEGER NOT NULL,
	override_reason_code TEXT,
	bronze_id            TEXT NOT NULL,
	contract_version     TEXT NOT NULL,
	ingested_at          TEXT NOT NULL DEFAULT '0001-01-01T00:00:00.000000000Z',
	source_id            TEXT NOT NULL DEFAULT '',
	bronze_seq           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_gold_facts_ts ON gold_facts(decision_ts);
CREATE INDEX IF NOT EXISTS idx_gold_facts_day ON gold_facts(decision_day);

CREATE TABLE IF NOT EXISTS gold_daily (
	decision_day         TEXT NOT NULL,
	risk_band            TEXT NOT NULL,
	model_version        TEXT NOT NULL,
	decisions_count      INTEGER NOT NULL,
	avg_confidence_score REAL NOT NULL,
	PRIMARY KEY (decision_day, risk_band, model_version)
);

CREATE VIEW IF NOT EXISTS v_gold_facts AS
SELECT f.decision_id, f.decision_ts, f.decision_day, f.decision_type,
       mv.value AS model_version, rb.value AS risk_band, p.value AS policy_id, fc.value AS facility_code,
       f.confidence_score, f.override_flag, f.override_reason_code, f.bronze_id, f.contract_version
FROM gold_facts f
JOIN dim_model_version mv ON mv.id = f.model_version_key
JOIN dim_risk_band rb ON rb.id = f.risk_band_key
JOIN dim_policy p ON p.id = f.policy_key
JOIN dim_facility fc ON fc.id = f.facility_key;

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	stage            TEXT NOT NULL,
	partition        TEXT NOT NULL,
	source_id        TEXT NOT NULL DEFAULT '',
	contract_version TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'running',
	counts           TEXT NOT NULL DEFAULT '{}',
	output_digest    TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	started_at       TEXT NOT NULL,
	completed_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_runs_partition ON runs(partition);

CREATE TABLE IF NOT EXISTS lineage_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	partition    TEXT NOT NULL,
	from_version TEXT NOT NULL,
	to_version   TEXT NOT NULL,
	direction    TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lineage_partition ON lineage_events(partition);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// sqliteAddedColumns were added after their table first shipped. Migrate
// adds any that an older database file is missing.
var sqliteAddedColumns = []struct{ table, column, decl string }{
	{"gold_facts", "ingested_at", "TEXT NOT NULL DEFAULT '0001-01-01T00:00:00.000000000Z'"},
	{"gold_facts", "source_id", "TEXT NOT NULL DEFAULT ''"},
	{"gold_facts", "bronze_seq", "INTEGER NOT NULL DEFAULT 0"},
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	for _, c := range sqliteAddedColumns {
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, c.table, c.column,
		).Scan(&n)
		if err != nil {
			return eris.Wrapf(err, "sqlite: inspect %s", c.table)
		}
		if n > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE `+c.table+` ADD COLUMN `+c.column+` `+c.decl); err != nil {
			return eris.Wrapf(err, "sqlite: add %s.%s", c.table, c.column)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// --- Bronze ---

func (s *SQLiteStore) Append(ctx context.Context, records ...model.BronzeRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO bronze_records (id, source_id, seq, ingested_at, partition, payload, payload_sha256)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare bronze insert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, r := range records {
			if _, err := stmt.ExecContext(ctx,
				r.ID, r.SourceID, r.Seq, fmtTime(r.IngestedAt), r.Partition, r.Payload, r.PayloadSHA256,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert bronze %s", r.ID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListByPartition(ctx context.Context, partition string) ([]model.BronzeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, seq, ingested_at, partition, payload, payload_sha256
		 FROM bronze_records WHERE partition = ?
		 ORDER BY ingested_at, source_id, seq`,
		partition,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list bronze %s", partition)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.BronzeRecord
	for rows.Next() {
		var r model.BronzeRecord
		var ingested string
		if err := rows.Scan(&r.ID, &r.SourceID, &r.Seq, &ingested, &r.Partition, &r.Payload, &r.PayloadSHA256); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan bronze")
		}
		if r.IngestedAt, err = parseTime(ingested); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate bronze")
}

func (s *SQLiteStore) ListPartitions(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT DISTINCT partition FROM bronze_records ORDER BY partition`)
}

// --- Silver ---

// WriteSilver replaces the batch partition's output for the batch contract
// version. Output for other versions is untouched.
func (s *SQLiteStore) WriteSilver(ctx context.Context, batch model.SilverBatch) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if batch.Partition != "" {
			for _, t := range silverTables {
				if _, err := tx.ExecContext(ctx, clearSilverSQL("", t, "?", "?"), batch.Partition, batch.ContractVersion); err != nil {
					return eris.Wrapf(err, "sqlite: clear %s %s", t, batch.Partition)
				}
			}
		}
		if err := insertCleanSQLite(ctx, tx, batch.Clean); err != nil {
			return err
		}
		if err := insertRejectsSQLite(ctx, tx, batch.Rejects); err != nil {
			return err
		}
		return insertDuplicatesSQLite(ctx, tx, batch.Duplicates)
	})
}

func (s *SQLiteStore) WriteClean(ctx context.Context, records []model.SilverCleanRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return insertCleanSQLite(ctx, tx, records) })
}

func (s *SQLiteStore) WriteRejects(ctx context.Context, records []model.RejectRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return insertRejectsSQLite(ctx, tx, records) })
}

func insertCleanSQLite(ctx context.Context, tx *sql.Tx, records []model.SilverCleanRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO silver_clean (`+strings.Join(cleanColumns, ", ")+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bronze_id, contract_version) DO NOTHING`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare clean insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range records {
		row := cleanRow(r)
		row[4] = fmtTime(r.IngestedAt)
		row[13] = fmtTime(r.DecisionTS)
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return eris.Wrapf(err, "sqlite: insert clean %s", r.BronzeID)
		}
	}
	return nil
}

func insertRejectsSQLite(ctx context.Context, tx *sql.Tx, records []model.RejectRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO silver_rejects (`+strings.Join(rejectColumns, ", ")+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bronze_id, contract_version) DO NOTHING`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare reject insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range records {
		row, err := rejectRow(r)
		if err != nil {
			return err
		}
		row[4] = fmtTime(r.IngestedAt)
		row[6] = fmtTime(r.RejectedAt)
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return eris.Wrapf(err, "sqlite: insert reject %s", r.BronzeID)
		}
	}
	return nil
}

func insertDuplicatesSQLite(ctx context.Context, tx *sql.Tx, records []model.DuplicateRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO silver_duplicates (`+strings.Join(duplicateColumns, ", ")+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bronze_id, contract_version) DO NOTHING`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare duplicate insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range records {
		row := duplicateRow(r)
		row[4] = fmtTime(r.IngestedAt)
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return eris.Wrapf(err, "sqlite: insert duplicate %s", r.BronzeID)
		}
	}
	return nil
}

func (s *SQLiteStore) ListClean(ctx context.Context, partition, contractVersion string) ([]model.SilverCleanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(cleanColumns, ", ")+` FROM silver_clean
		 WHERE partition = ? AND contract_version = ?
		 ORDER BY ingested_at, source_id, bronze_seq`,
		partition, contractVersion,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list clean %s", partition)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SilverCleanRecord
	for rows.Next() {
		var (
			r                model.SilverCleanRecord
			ingested, ts     string
			hash, reasonCode sql.NullString
			override         sql.NullBool
		)
		if err := rows.Scan(
			&r.BronzeID, &r.ContractVersion, &r.SourceID, &r.Partition, &ingested, &r.BronzeSeq,
			&r.DecisionID, &r.DecisionType, &r.ModelVersion, &r.ConfidenceScore, &r.RiskBand,
			&r.PolicyID, &r.FacilityCode, &ts, &hash, &override, &reasonCode, &r.Digest,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan clean")
		}
		if r.IngestedAt, err = parseTime(ingested); err != nil {
			return nil, err
		}
		if r.DecisionTS, err = parseTime(ts); err != nil {
			return nil, err
		}
		r.InputFeaturesHash = nullString(hash)
		r.OverrideReasonCode = nullString(reasonCode)
		if override.Valid {
			b := override.Bool
			r.OverrideFlag = &b
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate clean")
}

func (s *SQLiteStore) ListRejects(ctx context.Context, partition, contractVersion string) ([]model.RejectRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(rejectColumns, ", ")+` FROM silver_rejects
		 WHERE partition = ? AND contract_version = ?
		 ORDER BY ingested_at, source_id, bronze_seq`,
		partition, contractVersion,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list rejects %s", partition)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RejectRecord
	for rows.Next() {
		var (
			r                        model.RejectRecord
			ingested, rejected       string
			decisionID               sql.NullString
			reasonsJSON, detailsJSON string
		)
		if err := rows.Scan(
			&r.BronzeID, &r.ContractVersion, &r.SourceID, &r.Partition, &ingested, &r.BronzeSeq,
			&rejected, &decisionID, &r.RejectReason, &reasonsJSON, &detailsJSON, &r.FacilityCode,
			&r.RawPayload, &r.Digest,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reject")
		}
		if r.IngestedAt, err = parseTime(ingested); err != nil {
			return nil, err
		}
		if r.RejectedAt, err = parseTime(rejected); err != nil {
			return nil, err
		}
		r.DecisionID = nullString(decisionID)
		if err := decodeReasons(reasonsJSON, detailsJSON, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate rejects")
}

func (s *SQLiteStore) SilverVersions(ctx context.Context, partition string) ([]string, error) {
	return queryStrings(ctx, s.db, silverVersionsSQL("", "?", "?", "?"), partition, partition, partition)
}

func (s *SQLiteStore) SilverCounts(ctx context.Context, partition string) ([]model.SilverCounts, error) {
	rows, err := s.db.QueryContext(ctx, silverCountsSQL("", "?", "?", "?"), partition, partition, partition)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: silver counts %s", partition)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SilverCounts
	for rows.Next() {
		c := model.SilverCounts{Partition: partition}
		if err := rows.Scan(&c.ContractVersion, &c.Clean, &c.Rejected, &c.Duplicates); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan silver counts")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate silver counts")
}

// --- Gold ---

// WithGoldTx commits every gold write made by fn together.
func (s *SQLiteStore) WithGoldTx(ctx context.Context, fn func(tx gold.Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&sqliteGoldTx{tx: tx})
	})
}

type sqliteGoldTx struct {
	tx *sql.Tx
}

func (g *sqliteGoldTx) GetOrCreateDimension(ctx context.Context, dim model.Dimension, value string) (int64, error) {
	table, ok := dimensionTable(dim)
	if !ok {
		return 0, eris.Errorf("sqlite: unknown dimension %q", dim)
	}
	var id int64
	err := g.tx.QueryRowContext(ctx,
		`INSERT INTO `+table+` (value) VALUES (?)
		 ON CONFLICT (value) DO UPDATE SET value = excluded.value
		 RETURNING id`,
		value,
	).Scan(&id)
	return id, eris.Wrapf(err, "sqlite: get or create %s", table)
}

func (g *sqliteGoldTx) CurrentFact(ctx context.Context, decisionID string) (*gold.Head, error) {
	var ts, ingested string
	var h gold.Head
	err := g.tx.QueryRowContext(ctx, selectFactHeadSQL("", "?"), decisionID).Scan(&ts, &ingested, &h.SourceID, &h.BronzeSeq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, eris.Wrapf(err, "sqlite: read fact %s", decisionID)
	}
	if h.DecisionTS, err = parseTime(ts); err != nil {
		return nil, err
	}
	if h.IngestedAt, err = parseTime(ingested); err != nil {
		return nil, err
	}
	return &h, nil
}

func (g *sqliteGoldTx) UpsertFact(ctx context.Context, f model.GoldFact) error {
	row := factRow(f)
	row[1] = fmtTime(f.DecisionTS)
	row[13] = fmtTime(f.IngestedAt)
	if _, err := g.tx.ExecContext(ctx,
		`INSERT INTO gold_facts (`+strings.Join(factColumns, ", ")+`)
		 VALUES (`+placeholders(len(factColumns))+`)
		 ON CONFLICT (decision_id) DO UPDATE SET `+updateSet(factColumns[1:], "excluded"),
		row...,
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert fact %s", f.DecisionID)
	}
	return nil
}

func (g *sqliteGoldTx) RefreshDaily(ctx context.Context, days []string) error {
	if len(days) == 0 {
		return nil
	}
	ph := placeholders(len(days))
	args := make([]any, len(days))
	for i, d := range days {
		args[i] = d
	}
	if _, err := g.tx.ExecContext(ctx, `DELETE FROM gold_daily WHERE decision_day IN (`+ph+`)`, args...); err != nil {
		return eris.Wrap(err, "sqlite: clear daily")
	}
	if _, err := g.tx.ExecContext(ctx, refreshDailySQL("", `IN (`+ph+`)`), args...); err != nil {
		return eris.Wrap(err, "sqlite: rebuild daily")
	}
	return nil
}

func (s *SQLiteStore) GetFact(ctx context.Context, decisionID string) (*model.GoldFact, error) {
	row := s.db.QueryRowContext(ctx, selectFactSQL("")+` WHERE f.decision_id = ?`, decisionID)
	f, err := scanFactSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "fact %s", decisionID)
	}
	return f, err
}

func (s *SQLiteStore) ListFacts(ctx context.Context, w model.Window) ([]model.GoldFact, error) {
	rows, err := s.db.QueryContext(ctx,
		selectFactSQL("")+` WHERE f.decision_ts >= ? AND f.decision_ts < ? ORDER BY f.decision_ts, f.decision_id`,
		fmtTime(w.From), fmtTime(w.To),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list facts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.GoldFact
	for rows.Next() {
		f, err := scanFactSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate facts")
}

func scanFactSQLite(row scannable) (*model.GoldFact, error) {
	var (
		f            model.GoldFact
		ts, ingested string
		reasonCode   sql.NullString
	)
	err := row.Scan(
		&f.DecisionID, &ts, &f.DecisionType,
		&f.ModelVersionKey, &f.RiskBandKey, &f.PolicyKey, &f.FacilityKey,
		&f.ModelVersion, &f.RiskBand, &f.PolicyID, &f.FacilityCode,
		&f.ConfidenceScore, &f.OverrideFlag, &reasonCode, &f.BronzeID, &f.ContractVersion,
		&ingested, &f.SourceID, &f.BronzeSeq,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan fact")
	}
	if f.DecisionTS, err = parseTime(ts); err != nil {
		return nil, err
	}
	if f.IngestedAt, err = parseTime(ingested); err != nil {
		return nil, err
	}
	f.OverrideReasonCode = nullString(reasonCode)
	return &f, nil
}

func (s *SQLiteStore) ListDaily(ctx context.Context, w model.Window) ([]model.DailyAggregate, error) {
	first, last := dayBounds(w)
	rows, err := s.db.QueryContext(ctx,
		`SELECT decision_day, risk_band, model_version, decisions_count, avg_confidence_score
		 FROM gold_daily WHERE decision_day >= ? AND decision_day <= ?
		 ORDER BY decision_day, risk_band, model_version`,
		first, last,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list daily")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DailyAggregate
	for rows.Next() {
		var d model.DailyAggregate
		if err := rows.Scan(&d.Day, &d.RiskBand, &d.ModelVersion, &d.DecisionsCount, &d.AvgConfidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan daily")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate daily")
}

func (s *SQLiteStore) ListRejectDaily(ctx context.Context, w model.Window, contractVersion string) ([]model.RejectDaily, error) {
	first, last := dayBounds(w)
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition, reasons FROM silver_rejects
		 WHERE partition >= ? AND partition <= ? AND (? = '' OR contract_version = ?)`,
		first, last, contractVersion, contractVersion,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reject daily")
	}
	defer rows.Close() //nolint:errcheck

	var rejects []model.RejectRecord
	for rows.Next() {
		var r model.RejectRecord
		var reasonsJSON string
		if err := rows.Scan(&r.Partition, &reasonsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reject reasons")
		}
		if err := json.Unmarshal([]byte(reasonsJSON), &r.Reasons); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode reasons")
		}
		rejects = append(rejects, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate reject reasons")
	}
	return gold.DailyRejects(rejects), nil
}

// --- Windows ---

func (s *SQLiteStore) CountBronze(ctx context.Context, w model.Window) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bronze_records WHERE ingested_at >= ? AND ingested_at < ?`,
		fmtTime(w.From), fmtTime(w.To),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count bronze")
}

func (s *SQLiteStore) CountSilver(ctx context.Context, w model.Window, contractVersion string) (int64, int64, error) {
	var clean, rejected int64
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM silver_clean WHERE ingested_at >= ? AND ingested_at < ? AND (? = '' OR contract_version = ?)),
			(SELECT COUNT(*) FROM silver_rejects WHERE ingested_at >= ? AND ingested_at < ? AND (? = '' OR contract_version = ?))`,
		fmtTime(w.From), fmtTime(w.To), contractVersion, contractVersion,
		fmtTime(w.From), fmtTime(w.To), contractVersion, contractVersion,
	).Scan(&clean, &rejected)
	return clean, rejected, eris.Wrap(err, "sqlite: count silver")
}

func (s *SQLiteStore) CountReasons(ctx context.Context, w model.Window, contractVersion string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reasons FROM silver_rejects
		 WHERE ingested_at >= ? AND ingested_at < ? AND (? = '' OR contract_version = ?)`,
		fmtTime(w.From), fmtTime(w.To), contractVersion, contractVersion,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count reasons")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[string]int64)
	for rows.Next() {
		var reasonsJSON string
		if err := rows.Scan(&reasonsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reasons")
		}
		var reasons []string
		if err := json.Unmarshal([]byte(reasonsJSON), &reasons); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode reasons")
		}
		for _, r := range reasons {
			counts[r]++
		}
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate reasons")
}

func (s *SQLiteStore) ModelVersions(ctx context.Context, w model.Window) ([]string, error) {
	return queryStrings(ctx, s.db,
		`SELECT DISTINCT mv.value FROM gold_facts f
		 JOIN dim_model_version mv ON mv.id = f.model_version_key
		 WHERE f.decision_ts >= ? AND f.decision_ts < ? ORDER BY mv.value`,
		fmtTime(w.From), fmtTime(w.To),
	)
}

func (s *SQLiteStore) ConfidenceScores(ctx context.Context, w model.Window) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT confidence_score FROM gold_facts WHERE decision_ts >= ? AND decision_ts < ?`,
		fmtTime(w.From), fmtTime(w.To),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: confidence scores")
	}
	defer rows.Close() //nolint:errcheck

	var out []float64
	for rows.Next() {
		var f float64
		if err := rows.Scan(&f); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan score")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate scores")
}

func (s *SQLiteStore) CountRuns(ctx context.Context, w model.Window) (int64, int64, error) {
	var total, failed int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM runs WHERE started_at >= ? AND started_at < ?`,
		fmtTime(w.From), fmtTime(w.To),
	).Scan(&total, &failed)
	return total, failed, eris.Wrap(err, "sqlite: count runs")
}

// --- Runs ---

func (s *SQLiteStore) StartRun(ctx context.Context, run model.Run) (*model.Run, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = model.RunStatusRunning

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, stage, partition, source_id, contract_version, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Stage), run.Partition, run.SourceID, run.ContractVersion, string(run.Status), fmtTime(run.StartedAt),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &run, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, counts model.RunCounts, digest string) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counts")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, counts = ?, output_digest = ?, completed_at = ? WHERE id = ?`,
		string(model.RunStatusComplete), string(countsJSON), digest, fmtTime(time.Now()), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(model.RunStatusFailed), errMsg, fmtTime(time.Now()), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

const selectRunSQLite = `SELECT id, stage, partition, source_id, contract_version, status, counts, output_digest, error, started_at, completed_at FROM runs`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	return scanRunSQLite(s.db.QueryRowContext(ctx, selectRunSQLite+` WHERE id = ?`, runID))
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := selectRunSQLite + ` WHERE 1=1`
	var args []any

	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Partition != "" {
		query += ` AND partition = ?`
		args = append(args, filter.Partition)
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, fmtTime(filter.Since))
	}
	query += ` ORDER BY started_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRunSQLite(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func scanRunSQLite(row scannable) (*model.Run, error) {
	var (
		r          model.Run
		countsJSON string
		started    string
		completed  sql.NullString
	)
	err := row.Scan(&r.ID, &r.Stage, &r.Partition, &r.SourceID, &r.ContractVersion, &r.Status,
		&countsJSON, &r.OutputDigest, &r.Error, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := json.Unmarshal([]byte(countsJSON), &r.Counts); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal counts")
	}
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return nil, err
		}
		r.CompletedAt = &t
	}
	return &r, nil
}

// --- Lineage ---

func (s *SQLiteStore) RecordLineage(ctx context.Context, ev model.LineageEvent) (*model.LineageEvent, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO lineage_events (partition, from_version, to_version, direction, run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		ev.Partition, ev.FromVersion, ev.ToVersion, string(ev.Direction), ev.RunID, fmtTime(ev.CreatedAt),
	).Scan(&ev.ID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert lineage")
	}
	return &ev, nil
}

func (s *SQLiteStore) ListLineage(ctx context.Context, partition string) ([]model.LineageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, partition, from_version, to_version, direction, run_id, created_at
		 FROM lineage_events WHERE (? = '' OR partition = ?) ORDER BY id`,
		partition, partition,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list lineage")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.LineageEvent
	for rows.Next() {
		var ev model.LineageEvent
		var created string
		if err := rows.Scan(&ev.ID, &ev.Partition, &ev.FromVersion, &ev.ToVersion, &ev.Direction, &ev.RunID, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lineage")
		}
		if ev.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate lineage")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query strings")
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan string")
		}
		out = append(out, s)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate strings")
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
