// Package bronze preserves raw decision events losslessly, append-only, and
// keyed for replay.
package bronze

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Store is the bronze persistence collaborator. Implementations must never
// update or delete an appended record.
type Store interface {
	// Append writes records atomically: all of them or none.
	Append(ctx context.Context, records ...model.BronzeRecord) error
	// ListByPartition returns a partition in arrival order.
	ListByPartition(ctx context.Context, partition string) ([]model.BronzeRecord, error)
	// ListPartitions returns every partition key in ascending order.
	ListPartitions(ctx context.Context) ([]string, error)
}

// Counter is implemented by stores that can count a window's records
// without listing them.
type Counter interface {
	CountBronze(ctx context.Context, w model.Window) (int64, error)
}

// CountWindow counts the records of st ingested inside w. A store without
// Counter is scanned one partition per day of w, since a record's partition
// is its ingestion date.
func CountWindow(ctx context.Context, st Store, w model.Window) (int64, error) {
	if c, ok := st.(Counter); ok {
		n, err := c.CountBronze(ctx, w)
		return n, eris.Wrap(err, "bronze: count window")
	}
	var n int64
	for _, day := range w.Days() {
		recs, err := st.ListByPartition(ctx, day)
		if err != nil {
			return 0, eris.Wrapf(err, "bronze: count partition %s", day)
		}
		for _, r := range recs {
			if w.Contains(r.IngestedAt) {
				n++
			}
		}
	}
	return n, nil
}

// PartitionOf returns the partition key for an ingestion time.
func PartitionOf(t time.Time) string {
	return t.UTC().Format(model.PartitionLayout)
}

// Compare orders records by ingestion time, then source id, then arrival
// sequence. It is the ordering every dedup policy is defined against.
func Compare(a, b model.BronzeRecord) int {
	if c := a.IngestedAt.Compare(b.IngestedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.SourceID, b.SourceID); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// Sort orders records in place by Compare.
func Sort(records []model.BronzeRecord) {
	slices.SortStableFunc(records, Compare)
}

// PayloadDigest is the hex sha256 of a raw payload.
func PayloadDigest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Preserver stamps raw events with ingestion metadata and appends them.
type Preserver struct {
	store Store
	now   func() time.Time
	newID func() string
	log   *zap.Logger

	mu   sync.Mutex
	last time.Time
}

// Option configures a Preserver.
type Option func(*Preserver)

// WithClock overrides the ingestion clock.
func WithClock(now func() time.Time) Option {
	return func(p *Preserver) { p.now = now }
}

// WithIDFunc overrides bronze record id generation.
func WithIDFunc(fn func() string) Option {
	return func(p *Preserver) { p.newID = fn }
}

// NewPreserver creates a Preserver writing to store.
func NewPreserver(store Store, opts ...Option) *Preserver {
	p := &Preserver{
		store: store,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
		log:   zap.L().With(zap.String("component", "bronze.preserver")),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Preserve lands a single raw event.
func (p *Preserver) Preserve(ctx context.Context, raw []byte, sourceID string) (model.BronzeRecord, error) {
	recs, err := p.PreserveBatch(ctx, [][]byte{raw}, sourceID)
	if err != nil {
		return model.BronzeRecord{}, err
	}
	return recs[0], nil
}

// PreserveBatch lands raw events in arrival order. Every record in the batch
// shares one ingestion timestamp and carries its index as the sequence.
// Byte-identical payloads are kept as separate records.
func (p *Preserver) PreserveBatch(ctx context.Context, raws [][]byte, sourceID string) ([]model.BronzeRecord, error) {
	if sourceID == "" {
		return nil, eris.New("bronze: source id is required")
	}
	if len(raws) == 0 {
		return nil, nil
	}

	at := p.tick()
	partition := PartitionOf(at)
	recs := make([]model.BronzeRecord, len(raws))
	for i, raw := range raws {
		payload := slices.Clone(raw)
		if payload == nil {
			payload = []byte{}
		}
		recs[i] = model.BronzeRecord{
			ID:            p.newID(),
			SourceID:      sourceID,
			Seq:           int64(i),
			IngestedAt:    at,
			Partition:     partition,
			Payload:       payload,
			PayloadSHA256: PayloadDigest(payload),
		}
	}

	if err := p.store.Append(ctx, recs...); err != nil {
		return nil, eris.Wrapf(err, "bronze: append %d records from %s", len(recs), sourceID)
	}

	p.log.Debug("preserved batch",
		zap.String("source_id", sourceID),
		zap.String("partition", partition),
		zap.Int("records", len(recs)),
	)
	return recs, nil
}

// tick returns a strictly increasing UTC timestamp so two batches from the
// same source never share an ingestion time. Microsecond precision survives
// a round trip through every store backend.
func (p *Preserver) tick() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.now().UTC().Truncate(time.Microsecond)
	if !t.After(p.last) {
		t = p.last.Add(time.Microsecond)
	}
	p.last = t
	return t
}
