// Package pipeline runs the evidence stages (ingest, validate, curate) over
// bronze partitions and records every run in the run log.
package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/evidence-cli/internal/bronze"
	"github.com/sells-group/evidence-cli/internal/contract"
	"github.com/sells-group/evidence-cli/internal/fetcher"
	"github.com/sells-group/evidence-cli/internal/gold"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/resilience"
	"github.com/sells-group/evidence-cli/internal/silver"
	"github.com/sells-group/evidence-cli/internal/store"
)

// Options configures a Runner. Zero values select the defaults.
type Options struct {
	// Bronze overrides where bronze records live. Defaults to the store.
	Bronze      bronze.Store
	DedupPolicy silver.DedupPolicy
	Retry       resilience.RetryConfig
	// Concurrency bounds RunPartitions. Default 4.
	Concurrency int
	Metrics     *Metrics
	Clock       func() time.Time
}

// Runner executes pipeline stages against a store.
type Runner struct {
	store       store.Store
	bronze      bronze.Store
	rules       contract.RuleSet
	preserver   *bronze.Preserver
	splitter    *silver.Splitter
	aggregator  *gold.Aggregator
	retry       resilience.RetryConfig
	concurrency int
	metrics     *Metrics
	clock       func() time.Time
	log         *zap.Logger
}

// New creates a Runner applying rules.
func New(st store.Store, rules contract.RuleSet, opts Options) *Runner {
	if opts.Bronze == nil {
		opts.Bronze = st
	}
	if opts.DedupPolicy == "" {
		opts.DedupPolicy = silver.DedupFirstWins
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Runner{
		store:       st,
		bronze:      opts.Bronze,
		rules:       rules,
		preserver:   bronze.NewPreserver(opts.Bronze, bronze.WithClock(opts.Clock)),
		splitter:    silver.NewSplitter(rules, silver.WithDedupPolicy(opts.DedupPolicy), silver.WithClock(opts.Clock)),
		aggregator:  gold.NewAggregator(st, gold.WithDedupPolicy(opts.DedupPolicy)),
		retry:       opts.Retry,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		log: zap.L().With(
			zap.String("component", "pipeline.runner"),
			zap.String("contract_version", rules.Version),
		),
	}
}

// ContractVersion is the rule set version the runner applies.
func (r *Runner) ContractVersion() string {
	return r.rules.Version
}

// IngestResult summarizes an ingest pass over a source.
type IngestResult struct {
	Batches    int         `json:"batches"`
	Records    int         `json:"records"`
	Partitions []string    `json:"partitions"`
	Runs       []model.Run `json:"runs"`
}

// ValidateResult is the output of one validate run.
type ValidateResult struct {
	Run     *model.Run          `json:"run"`
	Batch   model.SilverBatch   `json:"-"`
	Lineage *model.LineageEvent `json:"lineage,omitempty"`
}

// CurateResult is the output of one curate run.
type CurateResult struct {
	Run  *model.Run       `json:"run"`
	Gold gold.BatchResult `json:"-"`
}

// PartitionResult is the output of validating and curating one partition.
type PartitionResult struct {
	Partition string          `json:"partition"`
	Validate  *ValidateResult `json:"validate,omitempty"`
	Curate    *CurateResult   `json:"curate,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// track records fn as a run of stage. A failed fn fails the run; the run log
// write uses a context that survives cancellation of ctx.
func (r *Runner) track(ctx context.Context, stage model.RunStage, partition, sourceID string,
	fn func(ctx context.Context, run *model.Run, log *zap.Logger) (model.RunCounts, string, error),
) (*model.Run, error) {
	run, err := r.store.StartRun(ctx, model.Run{
		Stage:           stage,
		Partition:       partition,
		SourceID:        sourceID,
		ContractVersion: r.rules.Version,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: start %s run", stage)
	}

	log := r.log.With(
		zap.String("run_id", run.ID),
		zap.String("partition", partition),
		zap.String("stage", string(stage)),
	)
	start := time.Now()
	counts, digest, fnErr := fn(ctx, run, log)
	duration := time.Since(start)

	if fnErr != nil {
		if failErr := r.store.FailRun(context.WithoutCancel(ctx), run.ID, fnErr.Error()); failErr != nil {
			log.Warn("pipeline: failed to record run failure", zap.Error(failErr))
		}
		run.Status = model.RunStatusFailed
		run.Error = fnErr.Error()
		r.metrics.ObserveRun(stage, model.RunStatusFailed, duration)
		log.Error("pipeline: stage failed", zap.Duration("duration", duration), zap.Error(fnErr))
		return run, fnErr
	}

	if err := r.store.CompleteRun(ctx, run.ID, counts, digest); err != nil {
		return run, eris.Wrapf(err, "pipeline: complete %s run", stage)
	}
	done := r.clock().UTC()
	run.Status = model.RunStatusComplete
	run.Counts = counts
	run.OutputDigest = digest
	run.CompletedAt = &done
	r.metrics.ObserveRun(stage, model.RunStatusComplete, duration)
	log.Info("pipeline: stage complete",
		zap.Duration("duration", duration),
		zap.Int64("bronze", counts.Bronze),
		zap.Int64("clean", counts.Clean),
		zap.Int64("rejected", counts.Rejected),
		zap.Int64("facts", counts.Facts),
	)
	return run, nil
}

// Ingest preserves every pending batch of src into bronze and acknowledges
// it. A batch is acknowledged only after its records are durably appended.
func (r *Runner) Ingest(ctx context.Context, src fetcher.Source) (IngestResult, error) {
	var res IngestResult

	batches, err := src.FetchPending(ctx)
	if err != nil {
		return res, eris.Wrapf(err, "pipeline: fetch pending from %s", src.ID())
	}

	partitions := make(map[string]struct{})
	for _, b := range batches {
		if len(b.Payloads) == 0 {
			if err := src.Ack(ctx, b); err != nil {
				return res, eris.Wrapf(err, "pipeline: ack empty batch %s", b.Ref)
			}
			continue
		}

		var recs []model.BronzeRecord
		run, err := r.track(ctx, model.RunStageIngest, bronze.PartitionOf(r.clock()), src.ID(),
			func(ctx context.Context, _ *model.Run, log *zap.Logger) (model.RunCounts, string, error) {
				var err error
				recs, err = resilience.DoVal(ctx, r.retryFor("bronze append"), func(ctx context.Context) ([]model.BronzeRecord, error) {
					return r.preserver.PreserveBatch(ctx, b.Payloads, src.ID())
				})
				if err != nil {
					return model.RunCounts{}, "", err
				}
				log.Debug("batch preserved", zap.String("ref", b.Ref), zap.Int("records", len(recs)))
				return model.RunCounts{Bronze: int64(len(recs))}, "", nil
			})
		if run != nil {
			res.Runs = append(res.Runs, *run)
		}
		if err != nil {
			return res, eris.Wrapf(err, "pipeline: ingest %s", b.Ref)
		}

		if err := src.Ack(ctx, b); err != nil {
			return res, eris.Wrapf(err, "pipeline: ack %s", b.Ref)
		}
		res.Batches++
		res.Records += len(recs)
		for _, rec := range recs {
			partitions[rec.Partition] = struct{}{}
		}
	}

	for p := range partitions {
		res.Partitions = append(res.Partitions, p)
	}
	slices.Sort(res.Partitions)
	return res, nil
}

// Validate splits a bronze partition under the runner's contract version and
// replaces that version's clean, reject and duplicate streams for the
// partition. Output for other contract versions is left in place; the first
// run of a new version over a partition records a lineage event.
func (r *Runner) Validate(ctx context.Context, partition string) (*ValidateResult, error) {
	res := &ValidateResult{}
	run, err := r.track(ctx, model.RunStageValidate, partition, "",
		func(ctx context.Context, run *model.Run, log *zap.Logger) (model.RunCounts, string, error) {
			records, err := r.bronze.ListByPartition(ctx, partition)
			if err != nil {
				return model.RunCounts{}, "", eris.Wrapf(err, "pipeline: list bronze %s", partition)
			}

			lineage, err := r.recordLineage(ctx, partition, run.ID)
			if err != nil {
				return model.RunCounts{}, "", err
			}
			if lineage != nil {
				log.Info("pipeline: contract version change",
					zap.String("from_version", lineage.FromVersion),
					zap.String("direction", string(lineage.Direction)),
				)
			}
			res.Lineage = lineage

			batch, err := r.splitter.Split(records)
			if err != nil {
				return model.RunCounts{}, "", eris.Wrapf(err, "pipeline: split %s", partition)
			}
			if batch.Total() != len(records) {
				return model.RunCounts{}, "", eris.Errorf("pipeline: split %s classified %d of %d records", partition, batch.Total(), len(records))
			}
			batch.Partition = partition

			err = resilience.Do(ctx, r.retryFor("write silver"), func(ctx context.Context) error {
				return r.store.WriteSilver(ctx, batch)
			})
			if err != nil {
				return model.RunCounts{}, "", eris.Wrapf(err, "pipeline: write silver %s", partition)
			}
			r.metrics.ObserveSilver(batch)
			res.Batch = batch

			return model.RunCounts{
				Bronze:     int64(len(records)),
				Clean:      int64(len(batch.Clean)),
				Rejected:   int64(len(batch.Rejects)),
				Duplicates: int64(len(batch.Duplicates)),
			}, batch.Digest, nil
		})
	res.Run = run
	return res, err
}

// recordLineage writes a lineage event when partition already has silver
// output from a different contract version and none from this one. The
// event is written once per (from, to) pair.
func (r *Runner) recordLineage(ctx context.Context, partition, runID string) (*model.LineageEvent, error) {
	versions, err := r.store.SilverVersions(ctx, partition)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: silver versions %s", partition)
	}
	to := r.rules.Version
	if slices.Contains(versions, to) {
		return nil, nil
	}

	var from string
	for _, v := range versions {
		if from == "" {
			from = v
			continue
		}
		if dir, err := contract.CompareVersions(from, v); err == nil && dir == model.LineageUpgrade {
			from = v
		}
	}
	if from == "" {
		return nil, nil
	}

	existing, err := r.store.ListLineage(ctx, partition)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: list lineage %s", partition)
	}
	for _, ev := range existing {
		if ev.FromVersion == from && ev.ToVersion == to {
			return &ev, nil
		}
	}

	dir, err := contract.CompareVersions(from, to)
	if err != nil {
		return nil, err
	}
	ev, err := r.store.RecordLineage(ctx, model.LineageEvent{
		Partition:   partition,
		FromVersion: from,
		ToVersion:   to,
		Direction:   dir,
		RunID:       runID,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: record lineage %s", partition)
	}
	return ev, nil
}

// Curate folds the partition's clean silver records for the runner's
// contract version into gold in a single transaction.
func (r *Runner) Curate(ctx context.Context, partition string) (*CurateResult, error) {
	res := &CurateResult{}
	run, err := r.track(ctx, model.RunStageCurate, partition, "",
		func(ctx context.Context, _ *model.Run, _ *zap.Logger) (model.RunCounts, string, error) {
			clean, err := r.store.ListClean(ctx, partition, r.rules.Version)
			if err != nil {
				return model.RunCounts{}, "", eris.Wrapf(err, "pipeline: list clean %s", partition)
			}

			out, err := resilience.DoVal(ctx, r.retryFor("gold upsert"), func(ctx context.Context) (gold.BatchResult, error) {
				return r.aggregator.UpsertBatch(ctx, clean)
			})
			if err != nil {
				return model.RunCounts{}, "", eris.Wrapf(err, "pipeline: curate %s", partition)
			}
			res.Gold = out

			digest, err := silver.Digest(out.Facts)
			if err != nil {
				return model.RunCounts{}, "", err
			}
			return model.RunCounts{
				Clean:         int64(len(clean)),
				Facts:         int64(len(out.Facts)),
				DaysRefreshed: int64(len(out.AffectedDays)),
			}, digest, nil
		})
	res.Run = run
	return res, err
}

// RunPartition validates then curates one partition. Silver is fully
// written before gold reads it.
func (r *Runner) RunPartition(ctx context.Context, partition string) (PartitionResult, error) {
	res := PartitionResult{Partition: partition}

	v, err := r.Validate(ctx, partition)
	res.Validate = v
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	c, err := r.Curate(ctx, partition)
	res.Curate = c
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

// RunPartitions runs partitions concurrently, bounded by the configured
// concurrency. An empty list selects every bronze partition. A failed
// partition does not stop the others; all failures are returned together.
func (r *Runner) RunPartitions(ctx context.Context, partitions []string) ([]PartitionResult, error) {
	if len(partitions) == 0 {
		var err error
		partitions, err = r.bronze.ListPartitions(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: list partitions")
		}
	}

	r.log.Info("pipeline: running partitions",
		zap.Int("partitions", len(partitions)),
		zap.Int("concurrency", r.concurrency),
	)

	results := make([]PartitionResult, len(partitions))
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, p := range partitions {
		g.Go(func() error {
			res, err := r.RunPartition(gctx, p)
			results[i] = res
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil // don't abort sibling partitions
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return results, eris.Wrapf(errors.Join(errs...), "pipeline: %d of %d partitions failed", len(errs), len(partitions))
	}
	return results, nil
}

func (r *Runner) retryFor(operation string) resilience.RetryConfig {
	cfg := r.retry
	cfg.OnRetry = resilience.RetryLogger("pipeline.runner", operation)
	return cfg
}
