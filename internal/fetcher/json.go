package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// maxLineSize bounds a single JSONL event.
const maxLineSize = 4 << 20

// ParsePayloads splits a landing object into raw event payloads. A body whose
// first non-space byte is '[' is treated as a JSON array and each element is
// returned verbatim; anything else is treated as JSON Lines.
func ParsePayloads(ctx context.Context, r io.Reader) ([][]byte, error) {
	br := bufio.NewReader(r)
	for {
		b, err := br.Peek(1)
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: peek")
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = br.ReadByte()
			continue
		case '[':
			return decodeArray(ctx, br)
		}
		return SplitLines(br)
	}
}

func decodeArray(ctx context.Context, r io.Reader) ([][]byte, error) {
	items, errs := DecodeJSONArray[json.RawMessage](ctx, r)
	var out [][]byte
	for item := range items {
		out = append(out, []byte(item))
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return out, nil
}

// SplitLines returns each non-blank line of r as one payload. Lines are kept
// verbatim apart from the line terminator; invalid JSON is not filtered here
// because bronze keeps every event and validation rejects it later.
func SplitLines(r io.Reader) ([][]byte, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var out [][]byte
	for sc.Scan() {
		line := bytes.TrimSuffix(sc.Bytes(), []byte("\r"))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out = append(out, bytes.Clone(line))
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "fetcher: scan lines")
	}
	return out, nil
}

// DecodeJSONArray decodes a JSON array streaming, sending each element to a channel.
// Expects input in the form [{...},{...}].
// Both channels are closed when processing completes.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)

		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}

		delim, ok := tok.(json.Delim)
		if !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for decoder.More() {
			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}
