package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines a single-row INSERT ... ON CONFLICT DO UPDATE.
type UpsertConfig struct {
	Table        string   // target table (e.g., "projects")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	Touch        string   // optional timestamp column set to now() on insert and update
}

// UpsertSQL builds the statement for cfg. Placeholders follow Columns order.
func UpsertSQL(cfg UpsertConfig) (string, error) {
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	cols := cfg.Columns
	placeholders := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	if cfg.Touch != "" {
		cols = append(append([]string{}, cfg.Columns...), cfg.Touch)
		placeholders = append(placeholders, "now()")
	}

	setClauses := make([]string, 0, len(updateCols)+1)
	for _, col := range updateCols {
		ident := pgx.Identifier{col}.Sanitize()
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", ident, ident))
	}
	if cfg.Touch != "" {
		setClauses = append(setClauses, fmt.Sprintf("%s = now()", pgx.Identifier{cfg.Touch}.Sanitize()))
	}

	action := "DO NOTHING"
	if len(setClauses) > 0 {
		action = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cols),
		strings.Join(placeholders, ", "),
		quoteAndJoin(cfg.ConflictKeys),
		action,
	), nil
}

// Upsert executes the single-row upsert described by cfg with values in
// Columns order.
func Upsert(ctx context.Context, ex Execer, cfg UpsertConfig, values ...any) (int64, error) {
	if len(values) != len(cfg.Columns) {
		return 0, eris.Errorf("db: upsert %s: %d values for %d columns", cfg.Table, len(values), len(cfg.Columns))
	}

	stmt, err := UpsertSQL(cfg)
	if err != nil {
		return 0, err
	}

	tag, err := ex.Exec(ctx, stmt, values...)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

// sanitizeTable handles schema-qualified table names like "ranks.keywords".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
