package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rank-sync/pkg/ranktracker"
)

const updatePositionSQL = `UPDATE keywords SET
	current_ranking = $4, previous_ranking = $5, pos = $6, change_value = $7,
	is_map = $8, map_position = $9, paid_position = $10,
	volume = $11, competition = $12, suggested_bid = $13, cpc = $14,
	results = $15, kei = $16, total_sum = $17,
	landing_pages_json = $18, features_json = $19, ranking_url = $20, ranked_on = $21
WHERE project_id = $1 AND keyword_id = $2 AND search_engine_id = $3`

// DeriveRanking computes the stored rankings from a position and its change.
// current is pos. previous is pos - change when both are known and the
// result is not negative, otherwise nil.
func DeriveRanking(pos, change *int) (current, previous *int) {
	if pos == nil {
		return nil, nil
	}
	cur := *pos
	current = &cur
	if change != nil && *pos-*change >= 0 {
		prev := *pos - *change
		previous = &prev
	}
	return current, previous
}

// LatestPosition returns the most recent observation. Dates are compared
// newest first. Equal dates keep provider order, so index 0 wins when the
// provider already sorts newest first. Unparseable dates rank below any
// parseable one.
func LatestPosition(positions []ranktracker.Position) (ranktracker.Position, bool) {
	if len(positions) == 0 {
		return ranktracker.Position{}, false
	}

	best := 0
	bestAt, bestOK := parseDate(positions[0].Date)
	for i := 1; i < len(positions); i++ {
		at, ok := parseDate(positions[i].Date)
		if !ok {
			continue
		}
		if !bestOK || at.After(bestAt) {
			best, bestAt, bestOK = i, at, true
		}
	}
	return positions[best], true
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// MergeLatestPositions writes each keyword's latest position and metrics
// onto its existing row. Keywords with no positions are left untouched.
// Each engine group is applied in its own transaction.
func (r *PostgresReconciler) MergeLatestPositions(ctx context.Context, projectID int64, groups []ranktracker.PositionGroup) (int64, error) {
	var total int64
	for _, g := range groups {
		n, err := r.mergeGroup(ctx, projectID, g)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (r *PostgresReconciler) mergeGroup(ctx context.Context, projectID int64, g ranktracker.PositionGroup) (int64, error) {
	args := make([][]any, 0, len(g.Keywords))
	for _, kw := range g.Keywords {
		latest, ok := LatestPosition(kw.Positions)
		if !ok {
			continue
		}
		args = append(args, positionArgs(projectID, g.SiteEngineID, kw, latest))
	}
	if len(args) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "reconcile: begin position merge for project %d engine %d", projectID, g.SiteEngineID)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var updated int64
	for _, a := range args {
		tag, err := tx.Exec(ctx, updatePositionSQL, a...)
		if err != nil {
			return 0, eris.Wrapf(err, "reconcile: update keyword %v for project %d engine %d", a[1], projectID, g.SiteEngineID)
		}
		updated += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "reconcile: commit positions for project %d engine %d", projectID, g.SiteEngineID)
	}

	if missing := int64(len(args)) - updated; missing > 0 {
		zap.L().Debug("reconcile: positions for unknown keywords skipped",
			zap.Int64("project_id", projectID),
			zap.Int64("site_engine_id", g.SiteEngineID),
			zap.Int64("skipped", missing),
		)
	}
	return updated, nil
}

func positionArgs(projectID, engineID int64, kw ranktracker.KeywordPositions, p ranktracker.Position) []any {
	current, previous := DeriveRanking(p.Pos, p.Change)

	var rankedOn any
	if t, ok := parseDate(p.Date); ok {
		rankedOn = t
	}
	var url any
	if p.URL != "" {
		url = p.URL
	}

	return []any{
		projectID, kw.ID, engineID,
		current, previous, p.Pos, p.Change,
		bool(p.IsMap), p.MapPosition, p.PaidPosition,
		kw.Volume, kw.Competition, kw.SuggestedBid, kw.CPC,
		kw.Results, kw.KEI, kw.TotalSum,
		rawJSON(kw.LandingPages), rawJSON(kw.Features), url, rankedOn,
	}
}

// rawJSON passes provider JSON through to a jsonb column, or NULL when absent.
func rawJSON(m json.RawMessage) any {
	if len(m) == 0 || string(m) == "null" {
		return nil
	}
	return string(m)
}
