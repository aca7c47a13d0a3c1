// Package db provides shared Postgres helpers for bulk upsert and copy operations.
package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Ident splits a possibly schema-qualified table name into a pgx identifier.
func Ident(table string) pgx.Identifier {
	return pgx.Identifier(strings.Split(table, "."))
}

// CopyAll appends rows to table with the COPY protocol and fails unless
// every row was written. A single COPY is atomic, so a failed call leaves
// the table unchanged.
func CopyAll(ctx context.Context, q Querier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := q.CopyFrom(ctx, Ident(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	if n != int64(len(rows)) {
		return n, eris.Errorf("db: COPY INTO %s wrote %d of %d rows", table, n, len(rows))
	}
	return n, nil
}
