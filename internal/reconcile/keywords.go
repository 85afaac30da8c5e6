package reconcile

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
	"go.uber.org/zap"

	"github.com/sells-group/rank-sync/internal/db"
	"github.com/sells-group/rank-sync/pkg/ranktracker"
)

var keywordColumns = []string{"keyword_id", "project_id", "search_engine_id", "keyword"}

// NormalizeKeyword trims and NFC-normalizes keyword text.
func NormalizeKeyword(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// FanOut expands each keyword into one row per search engine it is tracked
// on. Duplicate (keyword, engine) pairs are collapsed.
func FanOut(projectID int64, keywords []ranktracker.Keyword) [][]any {
	type key struct{ kw, engine int64 }
	seen := make(map[key]struct{})

	var rows [][]any
	for _, kw := range keywords {
		text := NormalizeKeyword(kw.Name)
		for _, engine := range kw.SiteEngineIDs {
			k := key{kw.ID, engine}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			rows = append(rows, []any{kw.ID, projectID, engine, text})
		}
	}
	return rows
}

// FanOutCount returns len(FanOut(...)) without building the rows.
func FanOutCount(keywords []ranktracker.Keyword) int {
	type key struct{ kw, engine int64 }
	seen := make(map[key]struct{})
	for _, kw := range keywords {
		for _, engine := range kw.SiteEngineIDs {
			seen[key{kw.ID, engine}] = struct{}{}
		}
	}
	return len(seen)
}

// ReplaceKeywords swaps the project's keyword set for the provider's in a
// single transaction. Readers see either the old set or the new one.
// progress receives the running row count after each chunk.
func (r *PostgresReconciler) ReplaceKeywords(ctx context.Context, projectID int64, keywords []ranktracker.Keyword, progress func(written int64)) (int64, error) {
	rows := FanOut(projectID, keywords)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "reconcile: begin keyword replace for project %d", projectID)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `DELETE FROM keywords WHERE project_id = $1`, projectID)
	if err != nil {
		return 0, eris.Wrapf(err, "reconcile: delete keywords for project %d", projectID)
	}

	n, err := db.CopyInChunks(ctx, tx, "keywords", keywordColumns, rows, r.chunkSize, progress)
	if err != nil {
		return 0, eris.Wrapf(err, "reconcile: insert keywords for project %d", projectID)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "reconcile: commit keywords for project %d", projectID)
	}

	zap.L().Debug("reconcile: keywords replaced",
		zap.Int64("project_id", projectID),
		zap.Int64("deleted", tag.RowsAffected()),
		zap.Int64("inserted", n),
	)
	return n, nil
}
