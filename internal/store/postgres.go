package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/db"
	"github.com/sells-group/evidence-cli/internal/gold"
	"github.com/sells-group/evidence-cli/internal/model"
)

const pgSchema = "evidence."

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var pgSelectFactHead = selectFactHeadSQL(pgSchema, "$1") + ` FOR UPDATE`

var pgUpsertFactSQL = `INSERT INTO evidence.gold_facts (` + joinColumns(factColumns) + `)
VALUES (` + pgPlaceholders(len(factColumns)) + `)
ON CONFLICT (decision_id) DO UPDATE SET ` + updateSet(factColumns[1:], "EXCLUDED")

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller keeps ownership.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies the embedded migrations under an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return MigratePostgres(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Bronze ---

var bronzeColumns = []string{"id", "source_id", "seq", "ingested_at", "partition", "payload", "payload_sha256"}

func (s *PostgresStore) Append(ctx context.Context, records ...model.BronzeRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{r.ID, r.SourceID, r.Seq, r.IngestedAt.UTC(), r.Partition, r.Payload, r.PayloadSHA256}
	}
	_, err := db.CopyAll(ctx, s.pool, "evidence.bronze_records", bronzeColumns, rows)
	return eris.Wrap(err, "postgres: append bronze")
}

func (s *PostgresStore) ListByPartition(ctx context.Context, partition string) ([]model.BronzeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, seq, ingested_at, partition, payload, payload_sha256
		 FROM evidence.bronze_records WHERE partition = $1
		 ORDER BY ingested_at, source_id, seq`,
		partition,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list bronze %s", partition)
	}
	defer rows.Close()

	var out []model.BronzeRecord
	for rows.Next() {
		var r model.BronzeRecord
		if err := rows.Scan(&r.ID, &r.SourceID, &r.Seq, &r.IngestedAt, &r.Partition, &r.Payload, &r.PayloadSHA256); err != nil {
			return nil, eris.Wrap(err, "postgres: scan bronze")
		}
		r.IngestedAt = r.IngestedAt.UTC()
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate bronze")
}

func (s *PostgresStore) ListPartitions(ctx context.Context) ([]string, error) {
	return pgStrings(ctx, s.pool, `SELECT DISTINCT partition FROM evidence.bronze_records ORDER BY partition`)
}

// --- Silver ---

var (
	cleanUpsert = db.UpsertConfig{
		Table: "evidence.silver_clean", Columns: cleanColumns, ConflictKeys: silverKey, DoNothing: true,
	}
	rejectUpsert = db.UpsertConfig{
		Table: "evidence.silver_rejects", Columns: rejectColumns, ConflictKeys: silverKey, DoNothing: true,
	}
	duplicateUpsert = db.UpsertConfig{
		Table: "evidence.silver_duplicates", Columns: duplicateColumns, ConflictKeys: silverKey, DoNothing: true,
	}
)

// WriteSilver replaces the batch partition's output for the batch contract
// version. Output for other versions is untouched.
func (s *PostgresStore) WriteSilver(ctx context.Context, batch model.SilverBatch) error {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if batch.Partition != "" {
			for _, t := range silverTables {
				if _, err := tx.Exec(ctx, clearSilverSQL(pgSchema, t, "$1", "$2"), batch.Partition, batch.ContractVersion); err != nil {
					return eris.Wrapf(err, "postgres: clear %s %s", t, batch.Partition)
				}
			}
		}
		if err := writeCleanPG(ctx, tx, batch.Clean); err != nil {
			return err
		}
		if err := writeRejectsPG(ctx, tx, batch.Rejects); err != nil {
			return err
		}
		rows := make([][]any, len(batch.Duplicates))
		for i, r := range batch.Duplicates {
			rows[i] = duplicateRow(r)
		}
		_, err := db.BulkUpsertTx(ctx, tx, duplicateUpsert, rows)
		return err
	})
	return eris.Wrap(err, "postgres: write silver")
}

func (s *PostgresStore) WriteClean(ctx context.Context, records []model.SilverCleanRecord) error {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error { return writeCleanPG(ctx, tx, records) })
	return eris.Wrap(err, "postgres: write clean")
}

func (s *PostgresStore) WriteRejects(ctx context.Context, records []model.RejectRecord) error {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error { return writeRejectsPG(ctx, tx, records) })
	return eris.Wrap(err, "postgres: write rejects")
}

func writeCleanPG(ctx context.Context, tx db.Querier, records []model.SilverCleanRecord) error {
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = cleanRow(r)
	}
	_, err := db.BulkUpsertTx(ctx, tx, cleanUpsert, rows)
	return err
}

func writeRejectsPG(ctx context.Context, tx db.Querier, records []model.RejectRecord) error {
	rows := make([][]any, len(records))
	for i, r := range records {
		row, err := rejectRow(r)
		if err != nil {
			return err
		}
		rows[i] = row
	}
	_, err := db.BulkUpsertTx(ctx, tx, rejectUpsert, rows)
	return err
}

func (s *PostgresStore) ListClean(ctx context.Context, partition, contractVersion string) ([]model.SilverCleanRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+joinColumns(cleanColumns)+` FROM evidence.silver_clean
		 WHERE partition = $1 AND contract_version = $2
		 ORDER BY ingested_at, source_id, bronze_seq`,
		partition, contractVersion,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list clean %s", partition)
	}
	defer rows.Close()

	var out []model.SilverCleanRecord
	for rows.Next() {
		var r model.SilverCleanRecord
		if err := rows.Scan(
			&r.BronzeID, &r.ContractVersion, &r.SourceID, &r.Partition, &r.IngestedAt, &r.BronzeSeq,
			&r.DecisionID, &r.DecisionType, &r.ModelVersion, &r.ConfidenceScore, &r.RiskBand,
			&r.PolicyID, &r.FacilityCode, &r.DecisionTS, &r.InputFeaturesHash, &r.OverrideFlag,
			&r.OverrideReasonCode, &r.Digest,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan clean")
		}
		r.IngestedAt = r.IngestedAt.UTC()
		r.DecisionTS = r.DecisionTS.UTC()
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate clean")
}

func (s *PostgresStore) ListRejects(ctx context.Context, partition, contractVersion string) ([]model.RejectRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT bronze_id, contract_version, source_id, partition, ingested_at, bronze_seq,
			rejected_at, decision_id, reject_reason, reasons::text, details::text, facility_code,
			raw_payload, digest
		 FROM evidence.silver_rejects
		 WHERE partition = $1 AND contract_version = $2
		 ORDER BY ingested_at, source_id, bronze_seq`,
		partition, contractVersion,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list rejects %s", partition)
	}
	defer rows.Close()

	var out []model.RejectRecord
	for rows.Next() {
		var r model.RejectRecord
		var reasonsJSON, detailsJSON string
		if err := rows.Scan(
			&r.BronzeID, &r.ContractVersion, &r.SourceID, &r.Partition, &r.IngestedAt, &r.BronzeSeq,
			&r.RejectedAt, &r.DecisionID, &r.RejectReason, &reasonsJSON, &detailsJSON, &r.FacilityCode,
			&r.RawPayload, &r.Digest,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reject")
		}
		r.IngestedAt = r.IngestedAt.UTC()
		r.RejectedAt = r.RejectedAt.UTC()
		if err := decodeReasons(reasonsJSON, detailsJSON, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate rejects")
}

func (s *PostgresStore) SilverVersions(ctx context.Context, partition string) ([]string, error) {
	return pgStrings(ctx, s.pool, silverVersionsSQL(pgSchema, "$1", "$1", "$1"), partition)
}

func (s *PostgresStore) SilverCounts(ctx context.Context, partition string) ([]model.SilverCounts, error) {
	rows, err := s.pool.Query(ctx, silverCountsSQL(pgSchema, "$1", "$1", "$1"), partition)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: silver counts %s", partition)
	}
	defer rows.Close()

	var out []model.SilverCounts
	for rows.Next() {
		c := model.SilverCounts{Partition: partition}
		if err := rows.Scan(&c.ContractVersion, &c.Clean, &c.Rejected, &c.Duplicates); err != nil {
			return nil, eris.Wrap(err, "postgres: scan silver counts")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate silver counts")
}

// --- Gold ---

// WithGoldTx commits every gold write made by fn together.
func (s *PostgresStore) WithGoldTx(ctx context.Context, fn func(tx gold.Tx) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgGoldTx{tx: tx})
	})
}

type pgGoldTx struct {
	tx db.Querier
}

func (g *pgGoldTx) GetOrCreateDimension(ctx context.Context, dim model.Dimension, value string) (int64, error) {
	table, ok := dimensionTable(dim)
	if !ok {
		return 0, eris.Errorf("postgres: unknown dimension %q", dim)
	}
	var id int64
	err := g.tx.QueryRow(ctx,
		`INSERT INTO evidence.`+table+` (value) VALUES ($1)
		 ON CONFLICT (value) DO UPDATE SET value = EXCLUDED.value
		 RETURNING id`,
		value,
	).Scan(&id)
	return id, eris.Wrapf(err, "postgres: get or create %s", table)
}

// CurrentFact takes a transaction-scoped advisory lock on decisionID before
// reading, so a concurrent curate of the same decision waits for this one to
// commit and then ranks against its row. FOR UPDATE alone cannot lock a row
// that does not exist yet.
func (g *pgGoldTx) CurrentFact(ctx context.Context, decisionID string) (*gold.Head, error) {
	if _, err := g.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "gold_fact:"+decisionID); err != nil {
		return nil, eris.Wrapf(err, "postgres: lock fact %s", decisionID)
	}
	var h gold.Head
	err := g.tx.QueryRow(ctx, pgSelectFactHead, decisionID).Scan(&h.DecisionTS, &h.IngestedAt, &h.SourceID, &h.BronzeSeq)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, eris.Wrapf(err, "postgres: read fact %s", decisionID)
	}
	h.DecisionTS = h.DecisionTS.UTC()
	h.IngestedAt = h.IngestedAt.UTC()
	return &h, nil
}

func (g *pgGoldTx) UpsertFact(ctx context.Context, f model.GoldFact) error {
	if _, err := g.tx.Exec(ctx, pgUpsertFactSQL, factRow(f)...); err != nil {
		return eris.Wrapf(err, "postgres: upsert fact %s", f.DecisionID)
	}
	return nil
}

// RefreshDaily takes a transaction-scoped advisory lock per day, in sorted
// order, before rebuilding that day's rows.
func (g *pgGoldTx) RefreshDaily(ctx context.Context, days []string) error {
	if len(days) == 0 {
		return nil
	}
	days = slices.Clone(days)
	slices.Sort(days)
	days = slices.Compact(days)

	for _, d := range days {
		if _, err := g.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "gold_daily:"+d); err != nil {
			return eris.Wrapf(err, "postgres: lock day %s", d)
		}
	}
	if _, err := g.tx.Exec(ctx, `DELETE FROM evidence.gold_daily WHERE decision_day = ANY($1)`, days); err != nil {
		return eris.Wrap(err, "postgres: clear daily")
	}
	if _, err := g.tx.Exec(ctx, refreshDailySQL(pgSchema, `= ANY($1)`), days); err != nil {
		return eris.Wrap(err, "postgres: rebuild daily")
	}
	return nil
}

func (s *PostgresStore) GetFact(ctx context.Context, decisionID string) (*model.GoldFact, error) {
	f, err := scanFactPG(s.pool.QueryRow(ctx, selectFactSQL(pgSchema)+` WHERE f.decision_id = $1`, decisionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "fact %s", decisionID)
	}
	return f, err
}

func (s *PostgresStore) ListFacts(ctx context.Context, w model.Window) ([]model.GoldFact, error) {
	rows, err := s.pool.Query(ctx,
		selectFactSQL(pgSchema)+` WHERE f.decision_ts >= $1 AND f.decision_ts < $2 ORDER BY f.decision_ts, f.decision_id`,
		w.From.UTC(), w.To.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list facts")
	}
	defer rows.Close()

	var out []model.GoldFact
	for rows.Next() {
		f, err := scanFactPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate facts")
}

func scanFactPG(row pgx.Row) (*model.GoldFact, error) {
	var f model.GoldFact
	err := row.Scan(
		&f.DecisionID, &f.DecisionTS, &f.DecisionType,
		&f.ModelVersionKey, &f.RiskBandKey, &f.PolicyKey, &f.FacilityKey,
		&f.ModelVersion, &f.RiskBand, &f.PolicyID, &f.FacilityCode,
		&f.ConfidenceScore, &f.OverrideFlag, &f.OverrideReasonCode, &f.BronzeID, &f.ContractVersion,
		&f.IngestedAt, &f.SourceID, &f.BronzeSeq,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan fact")
	}
	f.DecisionTS = f.DecisionTS.UTC()
	f.IngestedAt = f.IngestedAt.UTC()
	return &f, nil
}

func (s *PostgresStore) ListDaily(ctx context.Context, w model.Window) ([]model.DailyAggregate, error) {
	first, last := dayBounds(w)
	rows, err := s.pool.Query(ctx,
		`SELECT decision_day, risk_band, model_version, decisions_count, avg_confidence_score
		 FROM evidence.gold_daily WHERE decision_day >= $1 AND decision_day <= $2
		 ORDER BY decision_day, risk_band, model_version`,
		first, last,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list daily")
	}
	defer rows.Close()

	var out []model.DailyAggregate
	for rows.Next() {
		var d model.DailyAggregate
		if err := rows.Scan(&d.Day, &d.RiskBand, &d.ModelVersion, &d.DecisionsCount, &d.AvgConfidence); err != nil {
			return nil, eris.Wrap(err, "postgres: scan daily")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate daily")
}

func (s *PostgresStore) ListRejectDaily(ctx context.Context, w model.Window, contractVersion string) ([]model.RejectDaily, error) {
	first, last := dayBounds(w)
	rows, err := s.pool.Query(ctx,
		`SELECT r.partition, reason, COUNT(*)
		 FROM evidence.silver_rejects r, jsonb_array_elements_text(r.reasons) AS reason
		 WHERE r.partition >= $1 AND r.partition <= $2 AND ($3 = '' OR r.contract_version = $3)
		 GROUP BY r.partition, reason
		 ORDER BY r.partition, reason`,
		first, last, contractVersion,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reject daily")
	}
	defer rows.Close()

	var out []model.RejectDaily
	for rows.Next() {
		var d model.RejectDaily
		if err := rows.Scan(&d.Day, &d.Reason, &d.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reject daily")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate reject daily")
}

// --- Windows ---

func (s *PostgresStore) CountBronze(ctx context.Context, w model.Window) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM evidence.bronze_records WHERE ingested_at >= $1 AND ingested_at < $2`,
		w.From.UTC(), w.To.UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count bronze")
}

func (s *PostgresStore) CountSilver(ctx context.Context, w model.Window, contractVersion string) (int64, int64, error) {
	var clean, rejected int64
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM evidence.silver_clean WHERE ingested_at >= $1 AND ingested_at < $2 AND ($3 = '' OR contract_version = $3)),
			(SELECT COUNT(*) FROM evidence.silver_rejects WHERE ingested_at >= $1 AND ingested_at < $2 AND ($3 = '' OR contract_version = $3))`,
		w.From.UTC(), w.To.UTC(), contractVersion,
	).Scan(&clean, &rejected)
	return clean, rejected, eris.Wrap(err, "postgres: count silver")
}

func (s *PostgresStore) CountReasons(ctx context.Context, w model.Window, contractVersion string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT reason, COUNT(*)
		 FROM evidence.silver_rejects r, jsonb_array_elements_text(r.reasons) AS reason
		 WHERE r.ingested_at >= $1 AND r.ingested_at < $2 AND ($3 = '' OR r.contract_version = $3)
		 GROUP BY reason`,
		w.From.UTC(), w.To.UTC(), contractVersion,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count reasons")
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var reason string
		var n int64
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reasons")
		}
		counts[reason] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate reasons")
}

func (s *PostgresStore) ModelVersions(ctx context.Context, w model.Window) ([]string, error) {
	return pgStrings(ctx, s.pool,
		`SELECT DISTINCT mv.value FROM evidence.gold_facts f
		 JOIN evidence.dim_model_version mv ON mv.id = f.model_version_key
		 WHERE f.decision_ts >= $1 AND f.decision_ts < $2 ORDER BY mv.value`,
		w.From.UTC(), w.To.UTC(),
	)
}

func (s *PostgresStore) ConfidenceScores(ctx context.Context, w model.Window) ([]float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT confidence_score FROM evidence.gold_facts WHERE decision_ts >= $1 AND decision_ts < $2`,
		w.From.UTC(), w.To.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: confidence scores")
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var f float64
		if err := rows.Scan(&f); err != nil {
			return nil, eris.Wrap(err, "postgres: scan score")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate scores")
}

func (s *PostgresStore) CountRuns(ctx context.Context, w model.Window) (int64, int64, error) {
	var total, failed int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'failed')
		 FROM evidence.runs WHERE started_at >= $1 AND started_at < $2`,
		w.From.UTC(), w.To.UTC(),
	).Scan(&total, &failed)
	return total, failed, eris.Wrap(err, "postgres: count runs")
}

// --- Runs ---

func (s *PostgresStore) StartRun(ctx context.Context, run model.Run) (*model.Run, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = model.RunStatusRunning

	_, err := s.pool.Exec(ctx,
		`INSERT INTO evidence.runs (id, stage, partition, source_id, contract_version, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, string(run.Stage), run.Partition, run.SourceID, run.ContractVersion, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &run, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, counts model.RunCounts, digest string) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counts")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE evidence.runs SET status = $1, counts = $2, output_digest = $3, completed_at = $4 WHERE id = $5`,
		string(model.RunStatusComplete), countsJSON, digest, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE evidence.runs SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		string(model.RunStatusFailed), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

const selectRunPG = `SELECT id, stage, partition, source_id, contract_version, status, counts, output_digest, error, started_at, completed_at FROM evidence.runs`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanRunPG(s.pool.QueryRow(ctx, selectRunPG+` WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return r, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := selectRunPG + ` WHERE 1=1`
	var args []any
	argN := 1

	if filter.Stage != "" {
		query += ` AND stage = $` + strconv.Itoa(argN)
		args = append(args, string(filter.Stage))
		argN++
	}
	if filter.Status != "" {
		query += ` AND status = $` + strconv.Itoa(argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if filter.Partition != "" {
		query += ` AND partition = $` + strconv.Itoa(argN)
		args = append(args, filter.Partition)
		argN++
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= $` + strconv.Itoa(argN)
		args = append(args, filter.Since.UTC())
		argN++
	}
	query += ` ORDER BY started_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT $` + strconv.Itoa(argN) + ` OFFSET $` + strconv.Itoa(argN+1)
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRunPG(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func scanRunPG(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var countsJSON []byte
	err := row.Scan(&r.ID, &r.Stage, &r.Partition, &r.SourceID, &r.ContractVersion, &r.Status,
		&countsJSON, &r.OutputDigest, &r.Error, &r.StartedAt, &r.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	if len(countsJSON) > 0 {
		if err := json.Unmarshal(countsJSON, &r.Counts); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal counts")
		}
	}
	r.StartedAt = r.StartedAt.UTC()
	return &r, nil
}

// --- Lineage ---

func (s *PostgresStore) RecordLineage(ctx context.Context, ev model.LineageEvent) (*model.LineageEvent, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO evidence.lineage_events (partition, from_version, to_version, direction, run_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		ev.Partition, ev.FromVersion, ev.ToVersion, string(ev.Direction), ev.RunID, ev.CreatedAt,
	).Scan(&ev.ID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert lineage")
	}
	return &ev, nil
}

func (s *PostgresStore) ListLineage(ctx context.Context, partition string) ([]model.LineageEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, partition, from_version, to_version, direction, run_id, created_at
		 FROM evidence.lineage_events WHERE ($1 = '' OR partition = $1) ORDER BY id`,
		partition,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list lineage")
	}
	defer rows.Close()

	var out []model.LineageEvent
	for rows.Next() {
		var ev model.LineageEvent
		if err := rows.Scan(&ev.ID, &ev.Partition, &ev.FromVersion, &ev.ToVersion, &ev.Direction, &ev.RunID, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lineage")
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate lineage")
}

func pgStrings(ctx context.Context, q db.Querier, query string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query strings")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, eris.Wrap(err, "postgres: scan string")
		}
		out = append(out, s)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate strings")
}

func joinColumns(cols []string) string {
	return strings.Join(cols, ", ")
}

// pgPlaceholders returns "$1, $2, ..., $n".
func pgPlaceholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "$" + strconv.Itoa(i+1)
	}
	return strings.Join(ph, ", ")
}
