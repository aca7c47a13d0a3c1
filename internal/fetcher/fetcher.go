// Package fetcher pulls raw decision events from landing zones (a local
// directory, an HTTP endpoint or an FTP drop) so they can be preserved in
// bronze exactly as received.
package fetcher

import "context"

// Batch is the set of raw payloads read from one landing object.
type Batch struct {
	// Ref identifies the object: a file name, URL or remote path.
	Ref string
	// Payloads are the raw event bytes, in object order.
	Payloads [][]byte
	// Tag is source-specific state committed by Ack (e.g. an HTTP ETag).
	Tag string
}

// Source yields raw decision payloads awaiting ingestion. A batch is only
// considered consumed once Ack succeeds, so a failed ingest is re-fetched.
type Source interface {
	// ID is the source identifier stamped on bronze records.
	ID() string
	// FetchPending returns every batch not yet acknowledged.
	FetchPending(ctx context.Context) ([]Batch, error)
	// Ack marks a batch as ingested.
	Ack(ctx context.Context, b Batch) error
}
