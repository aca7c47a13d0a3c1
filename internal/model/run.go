package model

import "time"

// RunStage names the pipeline stage a run executed.
type RunStage string

const (
	RunStageIngest   RunStage = "ingest"
	RunStageValidate RunStage = "validate"
	RunStageCurate   RunStage = "curate"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunCounts holds the record counts produced by a run.
type RunCounts struct {
	Bronze        int64 `json:"bronze"`
	Clean         int64 `json:"clean"`
	Rejected      int64 `json:"rejected"`
	Duplicates    int64 `json:"duplicates"`
	Facts         int64 `json:"facts"`
	DaysRefreshed int64 `json:"days_refreshed"`
}

// Run is one execution of a pipeline stage over a single partition.
type Run struct {
	ID              string     `json:"id"`
	Stage           RunStage   `json:"stage"`
	Partition       string     `json:"partition"`
	SourceID        string     `json:"source_id,omitempty"`
	ContractVersion string     `json:"contract_version,omitempty"`
	Status          RunStatus  `json:"status"`
	Counts          RunCounts  `json:"counts"`
	OutputDigest    string     `json:"output_digest,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Duration reports how long the run took, or zero while it is still running.
func (r Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// LineageDirection classifies a contract version change.
type LineageDirection string

const (
	LineageUpgrade   LineageDirection = "upgrade"
	LineageDowngrade LineageDirection = "downgrade"
	LineageSame      LineageDirection = "same"
)

// LineageEvent records that a partition was reprocessed under a contract
// version different from one that already produced silver output for it.
type LineageEvent struct {
	ID          int64            `json:"id"`
	Partition   string           `json:"partition"`
	FromVersion string           `json:"from_version"`
	ToVersion   string           `json:"to_version"`
	Direction   LineageDirection `json:"direction"`
	RunID       string           `json:"run_id"`
	CreatedAt   time.Time        `json:"created_at"`
}
