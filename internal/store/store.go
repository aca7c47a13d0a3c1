// Package store persists every pipeline layer (bronze, silver, gold, run log
// and lineage) in SQLite or Postgres.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/evidence-cli/internal/bronze"
	"github.com/sells-group/evidence-cli/internal/gold"
	"github.com/sells-group/evidence-cli/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Stage     model.RunStage  `json:"stage,omitempty"`
	Status    model.RunStatus `json:"status,omitempty"`
	Partition string          `json:"partition,omitempty"`
	Since     time.Time       `json:"since,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// SilverStore holds the version-tagged clean, reject and duplicate streams.
// Rows are keyed by (bronze_id, contract_version). A WriteSilver batch that
// names a partition replaces that partition's rows for its version.
type SilverStore interface {
	WriteSilver(ctx context.Context, batch model.SilverBatch) error
	WriteClean(ctx context.Context, records []model.SilverCleanRecord) error
	WriteRejects(ctx context.Context, records []model.RejectRecord) error
	ListClean(ctx context.Context, partition, contractVersion string) ([]model.SilverCleanRecord, error)
	ListRejects(ctx context.Context, partition, contractVersion string) ([]model.RejectRecord, error)
	SilverVersions(ctx context.Context, partition string) ([]string, error)
	SilverCounts(ctx context.Context, partition string) ([]model.SilverCounts, error)
}

// GoldStore is the transactional gold writer plus its read-only views.
type GoldStore interface {
	gold.Store
	GetFact(ctx context.Context, decisionID string) (*model.GoldFact, error)
	ListFacts(ctx context.Context, w model.Window) ([]model.GoldFact, error)
	ListDaily(ctx context.Context, w model.Window) ([]model.DailyAggregate, error)
	ListRejectDaily(ctx context.Context, w model.Window, contractVersion string) ([]model.RejectDaily, error)
}

// WindowStore answers the counting queries monitoring signals are built on.
// Silver counts use the bronze ingestion window; gold queries use decision_ts.
type WindowStore interface {
	CountBronze(ctx context.Context, w model.Window) (int64, error)
	CountSilver(ctx context.Context, w model.Window, contractVersion string) (clean, rejected int64, err error)
	CountReasons(ctx context.Context, w model.Window, contractVersion string) (map[string]int64, error)
	ModelVersions(ctx context.Context, w model.Window) ([]string, error)
	ConfidenceScores(ctx context.Context, w model.Window) ([]float64, error)
	CountRuns(ctx context.Context, w model.Window) (total, failed int64, err error)
}

// RunLog records every stage execution.
type RunLog interface {
	StartRun(ctx context.Context, run model.Run) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, counts model.RunCounts, digest string) error
	FailRun(ctx context.Context, runID string, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
}

// LineageLog records contract version changes per partition.
type LineageLog interface {
	RecordLineage(ctx context.Context, ev model.LineageEvent) (*model.LineageEvent, error)
	ListLineage(ctx context.Context, partition string) ([]model.LineageEvent, error)
}

// Store defines the persistence interface for the evidence pipeline.
type Store interface {
	bronze.Store
	SilverStore
	GoldStore
	WindowStore
	RunLog
	LineageLog

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// dimensionTable maps a dimension to its table name. Unknown dimensions are
// rejected before any SQL is built.
func dimensionTable(dim model.Dimension) (string, bool) {
	switch dim {
	case model.DimModelVersion, model.DimRiskBand, model.DimPolicy, model.DimFacility:
		return "dim_" + string(dim), true
	}
	return "", false
}
