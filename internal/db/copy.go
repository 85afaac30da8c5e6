package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom bulk-inserts rows into a table using PostgreSQL COPY protocol.
func CopyFrom(ctx context.Context, c Copier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := c.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}

// CopyInChunks COPYs rows in groups of chunkSize and reports the running
// total after each group. A chunkSize below 1 copies everything at once.
func CopyInChunks(ctx context.Context, c Copier, table string, columns []string, rows [][]any, chunkSize int, progress func(written int64)) (int64, error) {
	if chunkSize < 1 {
		chunkSize = len(rows)
	}

	var total int64
	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))

		n, err := CopyFrom(ctx, c, table, columns, rows[start:end])
		if err != nil {
			return total, eris.Wrapf(err, "db: copy chunk %d-%d", start, end)
		}
		total += n

		if progress != nil {
			progress(total)
		}
	}
	return total, nil
}
