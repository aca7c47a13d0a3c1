// Package gold folds clean silver evidence into the star-schema current-state
// projection and answers windowed aggregate queries over it.
package gold

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/silver"
)

// Tx is the transactional write surface of the gold layer.
type Tx interface {
	// GetOrCreateDimension returns the stable surrogate key for value,
	// inserting it if absent. Must be safe under concurrent callers.
	GetOrCreateDimension(ctx context.Context, dim model.Dimension, value string) (int64, error)
	// CurrentFact returns the stored fact's head for decisionID, or nil if
	// there is none. The row stays locked until the transaction ends.
	CurrentFact(ctx context.Context, decisionID string) (*Head, error)
	// UpsertFact writes fact, replacing any stored row for its decision_id.
	UpsertFact(ctx context.Context, fact model.GoldFact) error
	// RefreshDaily recomputes the daily aggregate rows for the given days.
	RefreshDaily(ctx context.Context, days []string) error
}

// Head is the part of a stored fact an incoming record is ranked against:
// its decision time and the bronze lineage that produced it.
type Head struct {
	DecisionTS time.Time
	IngestedAt time.Time
	SourceID   string
	BronzeSeq  int64
}

// Day is the UTC decision date of the stored fact.
func (h Head) Day() string {
	return h.DecisionTS.UTC().Format(model.PartitionLayout)
}

// Store opens gold transactions. fn's writes commit together or not at all.
type Store interface {
	WithGoldTx(ctx context.Context, fn func(tx Tx) error) error
}

// BatchResult describes a committed gold batch.
type BatchResult struct {
	Facts        []model.GoldFact
	AffectedDays []string
	// Superseded lists decision ids whose incoming record lost to the
	// stored fact under the dedup policy.
	Superseded []string
}

// Aggregator upserts clean records into gold.
type Aggregator struct {
	store  Store
	policy silver.DedupPolicy
	log    *zap.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithDedupPolicy ranks a record against the stored fact for its
// decision_id the same way the splitter ranks records within a batch.
// Defaults to first_wins; none keeps the latest record.
func WithDedupPolicy(p silver.DedupPolicy) Option {
	return func(a *Aggregator) {
		if p != "" {
			a.policy = p
		}
	}
}

// NewAggregator creates an Aggregator over store.
func NewAggregator(store Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		policy: silver.DedupFirstWins,
		log:    zap.L().With(zap.String("component", "gold.aggregator")),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Upsert folds a single clean record into gold. It returns nil when the
// stored fact outranks rec.
func (a *Aggregator) Upsert(ctx context.Context, rec model.SilverCleanRecord) (*model.GoldFact, error) {
	res, err := a.UpsertBatch(ctx, []model.SilverCleanRecord{rec})
	if err != nil {
		return nil, err
	}
	if len(res.Facts) == 0 {
		return nil, nil
	}
	return &res.Facts[0], nil
}

// UpsertBatch folds clean records into gold in one transaction. A record
// replaces the stored fact for its decision_id only when it wins under the
// dedup policy, so the result does not depend on the order partitions are
// curated in. A tie (the same bronze record, possibly under a new contract
// version) always replaces. Every day touched by a new fact or by the fact
// it replaced is re-aggregated.
func (a *Aggregator) UpsertBatch(ctx context.Context, recs []model.SilverCleanRecord) (BatchResult, error) {
	if len(recs) == 0 {
		return BatchResult{}, nil
	}

	// Stores lock facts as they are read; take them in decision_id order.
	recs = slices.Clone(recs)
	slices.SortStableFunc(recs, func(x, y model.SilverCleanRecord) int {
		return cmp.Compare(x.DecisionID, y.DecisionID)
	})

	var res BatchResult
	err := a.store.WithGoldTx(ctx, func(tx Tx) error {
		res = BatchResult{}
		keys := newKeyCache(tx)
		days := make(map[string]struct{})

		for _, rec := range recs {
			cur, err := tx.CurrentFact(ctx, rec.DecisionID)
			if err != nil {
				return eris.Wrapf(err, "gold: read fact %s", rec.DecisionID)
			}
			if cur != nil && !a.replaces(rec, *cur) {
				res.Superseded = append(res.Superseded, rec.DecisionID)
				continue
			}

			fact, err := buildFact(ctx, keys, rec)
			if err != nil {
				return err
			}
			if err := tx.UpsertFact(ctx, fact); err != nil {
				return eris.Wrapf(err, "gold: upsert fact %s", fact.DecisionID)
			}
			days[fact.Day()] = struct{}{}
			if cur != nil {
				days[cur.Day()] = struct{}{}
			}
			res.Facts = append(res.Facts, fact)
		}

		res.AffectedDays = sortedKeys(days)
		if err := tx.RefreshDaily(ctx, res.AffectedDays); err != nil {
			return eris.Wrap(err, "gold: refresh daily aggregates")
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}

	a.log.Debug("upserted gold batch",
		zap.Int("facts", len(res.Facts)),
		zap.Int("superseded", len(res.Superseded)),
		zap.Strings("days", res.AffectedDays),
	)
	return res, nil
}

// replaces reports whether rec outranks the stored fact cur.
func (a *Aggregator) replaces(rec model.SilverCleanRecord, cur Head) bool {
	c := compareLineage(rec.IngestedAt, rec.SourceID, rec.BronzeSeq, cur)
	if a.policy == silver.DedupFirstWins {
		return c <= 0
	}
	return c >= 0
}

// compareLineage orders a record against a stored head the way
// bronze.Compare orders bronze records.
func compareLineage(ingestedAt time.Time, sourceID string, seq int64, h Head) int {
	if c := ingestedAt.Compare(h.IngestedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(sourceID, h.SourceID); c != 0 {
		return c
	}
	return cmp.Compare(seq, h.BronzeSeq)
}

func buildFact(ctx context.Context, keys *keyCache, rec model.SilverCleanRecord) (model.GoldFact, error) {
	fact := model.GoldFact{
		DecisionID:         rec.DecisionID,
		DecisionTS:         rec.DecisionTS.UTC(),
		DecisionType:       rec.DecisionType,
		ModelVersion:       rec.ModelVersion,
		RiskBand:           rec.RiskBand,
		PolicyID:           rec.PolicyID,
		FacilityCode:       rec.FacilityCode,
		ConfidenceScore:    rec.ConfidenceScore,
		OverrideFlag:       rec.Overridden(),
		OverrideReasonCode: rec.OverrideReasonCode,
		BronzeID:           rec.BronzeID,
		ContractVersion:    rec.ContractVersion,
		IngestedAt:         rec.IngestedAt.UTC(),
		SourceID:           rec.SourceID,
		BronzeSeq:          rec.BronzeSeq,
	}

	var err error
	if fact.ModelVersionKey, err = keys.get(ctx, model.DimModelVersion, rec.ModelVersion); err != nil {
		return fact, err
	}
	if fact.RiskBandKey, err = keys.get(ctx, model.DimRiskBand, string(rec.RiskBand)); err != nil {
		return fact, err
	}
	if fact.PolicyKey, err = keys.get(ctx, model.DimPolicy, rec.PolicyID); err != nil {
		return fact, err
	}
	if fact.FacilityKey, err = keys.get(ctx, model.DimFacility, rec.FacilityCode); err != nil {
		return fact, err
	}
	return fact, nil
}

// keyCache memoizes surrogate keys for the life of one transaction only.
type keyCache struct {
	tx   Tx
	keys map[model.Dimension]map[string]int64
}

func newKeyCache(tx Tx) *keyCache {
	return &keyCache{tx: tx, keys: make(map[model.Dimension]map[string]int64)}
}

func (c *keyCache) get(ctx context.Context, dim model.Dimension, value string) (int64, error) {
	if k, ok := c.keys[dim][value]; ok {
		return k, nil
	}
	k, err := c.tx.GetOrCreateDimension(ctx, dim, value)
	if err != nil {
		return 0, eris.Wrapf(err, "gold: dimension %s=%q", dim, value)
	}
	if c.keys[dim] == nil {
		c.keys[dim] = make(map[string]int64)
	}
	c.keys[dim][value] = k
	return k, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
