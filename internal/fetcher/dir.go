package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ProcessedDir is the subdirectory acknowledged files are moved into.
const ProcessedDir = "processed"

// DirSource reads *.jsonl and *.json files from a landing directory.
type DirSource struct {
	id  string
	dir string
	log *zap.Logger
}

// NewDirSource creates a DirSource over dir. sourceID defaults to the
// directory's base name.
func NewDirSource(dir, sourceID string) *DirSource {
	if sourceID == "" {
		sourceID = filepath.Base(dir)
	}
	return &DirSource{
		id:  sourceID,
		dir: dir,
		log: zap.L().With(zap.String("component", "fetcher.dir"), zap.String("source_id", sourceID)),
	}
}

func (s *DirSource) ID() string { return s.id }

// FetchPending reads every landing file in name order.
func (s *DirSource) FetchPending(ctx context.Context) ([]Batch, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read dir %s", s.dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !isLandingFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)

	var batches []Batch
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := os.Open(filepath.Join(s.dir, name))
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: open %s", name)
		}
		payloads, err := ParsePayloads(ctx, f)
		f.Close() //nolint:errcheck
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: parse %s", name)
		}
		s.log.Debug("read landing file", zap.String("file", name), zap.Int("events", len(payloads)))
		batches = append(batches, Batch{Ref: name, Payloads: payloads})
	}
	return batches, nil
}

// Ack moves the batch's file into the processed subdirectory.
func (s *DirSource) Ack(_ context.Context, b Batch) error {
	done := filepath.Join(s.dir, ProcessedDir)
	if err := os.MkdirAll(done, 0o755); err != nil {
		return eris.Wrap(err, "fetcher: create processed dir")
	}
	if err := os.Rename(filepath.Join(s.dir, b.Ref), filepath.Join(done, b.Ref)); err != nil {
		return eris.Wrapf(err, "fetcher: ack %s", b.Ref)
	}
	return nil
}

func isLandingFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".jsonl" || ext == ".json" || ext == ".ndjson"
}
