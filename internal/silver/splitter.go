// Package silver applies the evidence contract to bronze batches, splitting
// them into clean and reject streams without discarding anything.
package silver

import (
	"iter"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/bronze"
	"github.com/sells-group/evidence-cli/internal/contract"
	"github.com/sells-group/evidence-cli/internal/model"
)

// Outcome is the classification of one bronze record. Exactly one of
// Clean, Reject and Duplicate is set.
type Outcome struct {
	Bronze    model.BronzeRecord
	Clean     *model.SilverCleanRecord
	Reject    *model.RejectRecord
	Duplicate *model.DuplicateRecord
}

// Splitter classifies bronze records under one contract version.
type Splitter struct {
	rules  contract.RuleSet
	policy DedupPolicy
	now    func() time.Time
	log    *zap.Logger
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithDedupPolicy sets the duplicate decision_id policy.
func WithDedupPolicy(p DedupPolicy) Option {
	return func(s *Splitter) { s.policy = p }
}

// WithClock overrides the clock used for rejected_at.
func WithClock(now func() time.Time) Option {
	return func(s *Splitter) { s.now = now }
}

// NewSplitter creates a Splitter for a rule set.
func NewSplitter(rules contract.RuleSet, opts ...Option) *Splitter {
	s := &Splitter{
		rules:  rules,
		policy: DedupFirstWins,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = zap.L().With(
		zap.String("component", "silver.splitter"),
		zap.String("contract_version", rules.Version),
		zap.String("dedup_policy", string(s.policy)),
	)
	return s
}

// ContractVersion is the version stamped on every output.
func (s *Splitter) ContractVersion() string {
	return s.rules.Version
}

// Classify yields one outcome per bronze record, in input order. Records are
// validated as they are pulled unless the dedup policy needs to see the
// whole batch first (last_wins, or input not in ingestion order).
func (s *Splitter) Classify(batch []model.BronzeRecord) iter.Seq2[Outcome, error] {
	return func(yield func(Outcome, error) bool) {
		rejectedAt := s.now().UTC()

		streaming := s.policy == DedupNone ||
			(s.policy == DedupFirstWins && slices.IsSortedFunc(batch, bronze.Compare))

		var (
			results []contract.Result
			winners map[string]int
			seen    map[string]string
		)
		if streaming {
			seen = make(map[string]string)
		} else {
			results = make([]contract.Result, len(batch))
			for i, rec := range batch {
				results[i] = s.rules.Validate(rec.Payload)
			}
			winners = s.pickWinners(batch, results)
		}

		for i, rec := range batch {
			var res contract.Result
			if results != nil {
				res = results[i]
			} else {
				res = s.rules.Validate(rec.Payload)
			}

			out, err := s.outcome(rec, res, rejectedAt)
			if err != nil {
				yield(Outcome{Bronze: rec}, err)
				return
			}

			if out.Clean != nil && s.policy != DedupNone {
				id := out.Clean.DecisionID
				var winner string
				if winners != nil {
					if w := winners[id]; w != i {
						winner = batch[w].ID
					}
				} else if first, dup := seen[id]; dup {
					winner = first
				} else {
					seen[id] = rec.ID
				}
				if winner != "" {
					out.Duplicate = &model.DuplicateRecord{
						Lineage:        out.Clean.Lineage,
						DecisionID:     id,
						WinnerBronzeID: winner,
						Policy:         string(s.policy),
					}
					out.Clean = nil
				}
			}

			if !yield(out, nil) {
				return
			}
		}
	}
}

// pickWinners maps each clean decision_id to the batch index that survives
// the dedup policy.
func (s *Splitter) pickWinners(batch []model.BronzeRecord, results []contract.Result) map[string]int {
	winners := make(map[string]int)
	for i, res := range results {
		if !res.Clean() {
			continue
		}
		id := res.Evidence.DecisionID
		cur, ok := winners[id]
		if !ok {
			winners[id] = i
			continue
		}
		c := bronze.Compare(batch[i], batch[cur])
		if (s.policy == DedupFirstWins && c < 0) || (s.policy == DedupLastWins && c > 0) {
			winners[id] = i
		}
	}
	return winners
}

func (s *Splitter) outcome(rec model.BronzeRecord, res contract.Result, rejectedAt time.Time) (Outcome, error) {
	lin := model.Lineage{
		BronzeID:        rec.ID,
		SourceID:        rec.SourceID,
		Partition:       rec.Partition,
		IngestedAt:      rec.IngestedAt.UTC(),
		BronzeSeq:       rec.Seq,
		ContractVersion: s.rules.Version,
	}

	if res.Clean() {
		c := model.SilverCleanRecord{Evidence: res.Evidence, Lineage: lin}
		d, err := cleanDigest(c)
		if err != nil {
			return Outcome{}, err
		}
		c.Digest = d
		return Outcome{Bronze: rec, Clean: &c}, nil
	}

	r := model.RejectRecord{
		Lineage:      lin,
		RejectedAt:   rejectedAt,
		DecisionID:   res.DecisionID,
		RejectReason: contract.JoinReasons(res.Reasons),
		Reasons:      contract.Strings(res.Reasons),
		Details:      res.Details,
		FacilityCode: res.FacilityCode,
		RawPayload:   rec.Payload,
	}
	payloadSum := rec.PayloadSHA256
	if payloadSum == "" {
		payloadSum = bronze.PayloadDigest(rec.Payload)
	}
	d, err := rejectDigest(r, payloadSum)
	if err != nil {
		return Outcome{}, err
	}
	r.Digest = d
	return Outcome{Bronze: rec, Reject: &r}, nil
}

// Split drains Classify into a batch. Every input record lands in exactly
// one of the three streams.
func (s *Splitter) Split(batch []model.BronzeRecord) (model.SilverBatch, error) {
	out := model.SilverBatch{ContractVersion: s.rules.Version}
	for o, err := range s.Classify(batch) {
		if err != nil {
			return model.SilverBatch{}, err
		}
		switch {
		case o.Clean != nil:
			out.Clean = append(out.Clean, *o.Clean)
		case o.Reject != nil:
			out.Rejects = append(out.Rejects, *o.Reject)
		case o.Duplicate != nil:
			out.Duplicates = append(out.Duplicates, *o.Duplicate)
		}
	}
	out.Digest = batchDigest(out)

	s.log.Debug("split batch",
		zap.Int("bronze", len(batch)),
		zap.Int("clean", len(out.Clean)),
		zap.Int("rejected", len(out.Rejects)),
		zap.Int("duplicates", len(out.Duplicates)),
	)
	return out, nil
}
