// Package reconcile writes provider data into the local projects,
// search_engines and keywords tables.
package reconcile

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rank-sync/internal/db"
	"github.com/sells-group/rank-sync/pkg/ranktracker"
)

// DefaultChunkSize is how many keyword rows are copied between progress reports.
const DefaultChunkSize = 10

// Reconciler merges one project's provider data into local storage.
type Reconciler interface {
	UpsertProject(ctx context.Context, p ranktracker.Project) error
	UpsertProjectStats(ctx context.Context, projectID int64, s ranktracker.ProjectStats) error
	UpsertSearchEngines(ctx context.Context, projectID int64, engines []ranktracker.SearchEngine) (int, error)
	ReplaceKeywords(ctx context.Context, projectID int64, keywords []ranktracker.Keyword, progress func(written int64)) (int64, error)
	MergeLatestPositions(ctx context.Context, projectID int64, groups []ranktracker.PositionGroup) (int64, error)
}

var (
	projectUpsert = db.UpsertConfig{
		Table:        "projects",
		Columns:      []string{"project_id", "project_name", "number_of_keywords"},
		ConflictKeys: []string{"project_id"},
		Touch:        "updated_at",
	}
	statsUpsert = db.UpsertConfig{
		Table: "projects",
		Columns: []string{
			"project_id", "today_avg", "yesterday_avg", "total_up", "total_down",
			"top5", "top10", "top30", "visibility", "visibility_percent",
		},
		ConflictKeys: []string{"project_id"},
		Touch:        "updated_at",
	}
	engineUpsert = db.UpsertConfig{
		Table:        "search_engines",
		Columns:      []string{"site_engine_id", "project_id", "search_engine_id", "name", "url"},
		ConflictKeys: []string{"site_engine_id"},
		Touch:        "updated_at",
	}
)

// PostgresReconciler implements Reconciler using pgx.
type PostgresReconciler struct {
	pool      db.Pool
	chunkSize int
}

// NewPostgresReconciler creates a reconciler. chunkSize below 1 falls back
// to DefaultChunkSize.
func NewPostgresReconciler(pool db.Pool, chunkSize int) *PostgresReconciler {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	return &PostgresReconciler{pool: pool, chunkSize: chunkSize}
}

// UpsertProject inserts or refreshes the project row. Last write wins.
func (r *PostgresReconciler) UpsertProject(ctx context.Context, p ranktracker.Project) error {
	_, err := db.Upsert(ctx, r.pool, projectUpsert, p.ID, p.DisplayName(), p.KeywordCount)
	if err != nil {
		return eris.Wrapf(err, "reconcile: upsert project %d", p.ID)
	}
	return nil
}

// UpsertProjectStats overwrites the aggregate columns of a project.
func (r *PostgresReconciler) UpsertProjectStats(ctx context.Context, projectID int64, s ranktracker.ProjectStats) error {
	_, err := db.Upsert(ctx, r.pool, statsUpsert,
		projectID, s.TodayAvg, s.YesterdayAvg, s.TotalUp, s.TotalDown,
		s.Top5, s.Top10, s.Top30, s.Visibility, s.VisibilityPercent,
	)
	if err != nil {
		return eris.Wrapf(err, "reconcile: upsert stats for project %d", projectID)
	}
	return nil
}

// UpsertSearchEngines upserts each engine by its site_engine_id.
func (r *PostgresReconciler) UpsertSearchEngines(ctx context.Context, projectID int64, engines []ranktracker.SearchEngine) (int, error) {
	for i, e := range engines {
		_, err := db.Upsert(ctx, r.pool, engineUpsert, e.SiteEngineID, projectID, e.SearchEngineID, e.Name, e.URL)
		if err != nil {
			return i, eris.Wrapf(err, "reconcile: upsert engine %d for project %d", e.SiteEngineID, projectID)
		}
	}
	return len(engines), nil
}
