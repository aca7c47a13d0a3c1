package bronze

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/model"
)

type memStore struct {
	mu      sync.Mutex
	records []model.BronzeRecord
	err     error
}

func (m *memStore) Append(_ context.Context, records ...model.BronzeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *memStore) ListByPartition(_ context.Context, partition string) ([]model.BronzeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.BronzeRecord
	for _, r := range m.records {
		if r.Partition == partition {
			out = append(out, r)
		}
	}
	Sort(out)
	return out, nil
}

func (m *memStore) ListPartitions(context.Context) ([]string, error) {
	return nil, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("b%03d", n)
	}
}

func TestPreserveBatch_KeepsOrderAndDuplicates(t *testing.T) {
	st := &memStore{}
	at := time.Date(2024, 5, 1, 23, 59, 59, 999999999, time.UTC)
	p := NewPreserver(st, WithClock(fixedClock(at)), WithIDFunc(seqIDs()))

	raws := [][]byte{
		[]byte(`{"decision_id":"d1"}`),
		[]byte(`{"decision_id":"d1"}`),
		[]byte(`not json`),
	}
	recs, err := p.PreserveBatch(context.Background(), raws, "feed-a")
	require.NoError(t, err)
	require.Len(t, recs, 3)

	for i, r := range recs {
		assert.Equal(t, fmt.Sprintf("b%03d", i+1), r.ID)
		assert.Equal(t, int64(i), r.Seq)
		assert.Equal(t, "feed-a", r.SourceID)
		assert.Equal(t, "2024-05-01", r.Partition)
		assert.Equal(t, raws[i], r.Payload)
		assert.Equal(t, PayloadDigest(raws[i]), r.PayloadSHA256)
	}
	assert.Equal(t, recs[0].PayloadSHA256, recs[1].PayloadSHA256)
	assert.Equal(t, at.Truncate(time.Microsecond), recs[0].IngestedAt)

	stored, err := st.ListByPartition(context.Background(), "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, recs, stored)
}

func TestPreserveBatch_CopiesPayload(t *testing.T) {
	st := &memStore{}
	p := NewPreserver(st)

	raw := []byte(`{"decision_id":"d1"}`)
	rec, err := p.Preserve(context.Background(), raw, "feed-a")
	require.NoError(t, err)

	raw[2] = 'X'
	assert.Equal(t, `{"decision_id":"d1"}`, string(rec.Payload))
	assert.Equal(t, `{"decision_id":"d1"}`, string(st.records[0].Payload))
}

func TestPreserve_MonotonicIngestion(t *testing.T) {
	st := &memStore{}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := NewPreserver(st, WithClock(fixedClock(at)))

	a, err := p.Preserve(context.Background(), []byte(`{}`), "feed-a")
	require.NoError(t, err)
	b, err := p.Preserve(context.Background(), []byte(`{}`), "feed-a")
	require.NoError(t, err)

	assert.True(t, b.IngestedAt.After(a.IngestedAt))
	assert.Equal(t, -1, Compare(a, b))
}

func TestPreserveBatch_Errors(t *testing.T) {
	p := NewPreserver(&memStore{})
	_, err := p.PreserveBatch(context.Background(), [][]byte{[]byte(`{}`)}, "")
	assert.Error(t, err)

	recs, err := p.PreserveBatch(context.Background(), nil, "feed-a")
	require.NoError(t, err)
	assert.Empty(t, recs)

	failing := NewPreserver(&memStore{err: errors.New("disk full")})
	_, err = failing.Preserve(context.Background(), []byte(`{}`), "feed-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestCompare_TieBreaksBySourceThenSeq(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	recs := []model.BronzeRecord{
		{ID: "4", SourceID: "b", Seq: 0, IngestedAt: at},
		{ID: "3", SourceID: "a", Seq: 1, IngestedAt: at},
		{ID: "5", SourceID: "a", Seq: 0, IngestedAt: at.Add(time.Second)},
		{ID: "2", SourceID: "a", Seq: 0, IngestedAt: at},
		{ID: "1", SourceID: "z", Seq: 9, IngestedAt: at.Add(-time.Second)},
	}
	Sort(recs)

	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ids)
}

func TestPartitionOf(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	assert.Equal(t, "2024-01-02", PartitionOf(time.Date(2024, 1, 1, 20, 0, 0, 0, loc)))
}

func TestCountWindow_ScansPartitions(t *testing.T) {
	st := &memStore{}
	at := time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC)
	p := NewPreserver(st, WithClock(fixedClock(at)))
	_, err := p.PreserveBatch(context.Background(), [][]byte{[]byte("a"), []byte("b")}, "feed")
	require.NoError(t, err)
	p = NewPreserver(st, WithClock(fixedClock(at.Add(4*time.Hour))))
	_, err = p.PreserveBatch(context.Background(), [][]byte{[]byte("c")}, "feed")
	require.NoError(t, err)

	n, err := CountWindow(context.Background(), st, model.Trailing(at.Add(6*time.Hour), 12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = CountWindow(context.Background(), st, model.Trailing(at.Add(3*time.Hour), 2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCountWindow_ListError(t *testing.T) {
	st := &failingList{}
	_, err := CountWindow(context.Background(), st, model.Trailing(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count partition 2024-06-01")
}

type failingList struct {
	memStore
}

func (*failingList) ListByPartition(context.Context, string) ([]model.BronzeRecord, error) {
	return nil, errors.New("access denied")
}
