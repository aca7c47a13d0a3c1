package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirSource_FetchAndAck(t *testing.T) {
	dir := t.TempDir()
	writeLanding(t, dir, "b.jsonl", "{\"decision_id\":\"d3\"}\n")
	writeLanding(t, dir, "a.jsonl", "{\"decision_id\":\"d1\"}\n{\"decision_id\":\"d2\"}\n")
	writeLanding(t, dir, "c.json", `[{"decision_id":"d4"}]`)
	writeLanding(t, dir, "notes.txt", "ignore me")

	src := NewDirSource(dir, "landing-1")
	assert.Equal(t, "landing-1", src.ID())

	batches, err := src.FetchPending(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, "a.jsonl", batches[0].Ref)
	assert.Len(t, batches[0].Payloads, 2)
	assert.Equal(t, "b.jsonl", batches[1].Ref)
	assert.Equal(t, []string{`{"decision_id":"d4"}`}, payloadStrings(batches[2].Payloads))

	require.NoError(t, src.Ack(context.Background(), batches[0]))
	_, err = os.Stat(filepath.Join(dir, ProcessedDir, "a.jsonl"))
	require.NoError(t, err)

	batches, err = src.FetchPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, batches, 2)
}

func TestDirSource_DefaultID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "landing")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	assert.Equal(t, "landing", NewDirSource(dir, "").ID())
}

func TestDirSource_MissingDir(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "nope"), "x").FetchPending(context.Background())
	require.Error(t, err)
}

func TestDirSource_AckMissingFile(t *testing.T) {
	src := NewDirSource(t.TempDir(), "x")
	err := src.Ack(context.Background(), Batch{Ref: "gone.jsonl"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ack gone.jsonl")
}
