package importrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/rank-sync/internal/db"
)

// Store defines persistence operations for import runs.
type Store interface {
	Create(ctx context.Context, message string) (int64, error)
	Update(ctx context.Context, id int64, p Patch) error
	Get(ctx context.Context, id int64) (*ImportRun, error)
	Latest(ctx context.Context) (*ImportRun, error)
	SetPaused(ctx context.Context, id int64, paused bool) (*ImportRun, error)
	SetStopped(ctx context.Context, id int64) (*ImportRun, error)
	IncrementProcessedProjects(ctx context.Context, id int64) error
	SetProjectStatus(ctx context.Context, id int64, projectID int64, status ProjectStatus) error
	Heartbeat(ctx context.Context, id int64) error
	MarkAbandoned(ctx context.Context, staleAfter time.Duration) (int64, error)
}

const runColumns = `id, status_message, state, processed_projects, total_projects,
	processed_keywords, total_keywords, is_paused, is_stopped, project_status,
	COALESCE(error, ''), started_at, updated_at, finished_at`

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create inserts a new run in the starting state and returns its id.
func (s *PostgresStore) Create(ctx context.Context, message string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO import_runs (status_message, state) VALUES ($1, $2) RETURNING id`,
		message, string(StateStarting),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "importrun: create")
	}
	return id, nil
}

// Update writes only the fields set in p.
func (s *PostgresStore) Update(ctx context.Context, id int64, p Patch) error {
	if p.Empty() {
		return nil
	}

	sql, args, err := buildUpdate(id, p)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "importrun: update %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "importrun: update %d", id)
	}
	return nil
}

// buildUpdate renders the SET clause for p. $1 is always the run id.
func buildUpdate(id int64, p Patch) (string, []any, error) {
	args := []any{id}
	var sets []string
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.StatusMessage != nil {
		add("status_message", *p.StatusMessage)
	}
	if p.State != nil {
		add("state", string(*p.State))
	}
	if p.ProcessedProjects != nil {
		add("processed_projects", *p.ProcessedProjects)
	}
	if p.TotalProjects != nil {
		add("total_projects", *p.TotalProjects)
	}
	if p.ProcessedKeywords != nil {
		add("processed_keywords", *p.ProcessedKeywords)
	}
	if p.TotalKeywords != nil {
		add("total_keywords", *p.TotalKeywords)
	}
	if p.Error != nil {
		add("error", *p.Error)
	}
	if p.ProjectStatus != nil {
		ledger, err := json.Marshal(p.ProjectStatus)
		if err != nil {
			return "", nil, eris.Wrap(err, "importrun: marshal project status")
		}
		add("project_status", ledger)
	}
	if p.Finished {
		sets = append(sets, "finished_at = now()")
	}
	sets = append(sets, "updated_at = now()")

	return "UPDATE import_runs SET " + strings.Join(sets, ", ") + " WHERE id = $1", args, nil
}

// Get returns one run by id.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*ImportRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM import_runs WHERE id = $1`, id,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "importrun: get %d", id)
	}
	return run, nil
}

// Latest returns the most recently created run, or nil if none exists.
func (s *PostgresStore) Latest(ctx context.Context) (*ImportRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM import_runs ORDER BY id DESC LIMIT 1`,
	))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "importrun: latest")
	}
	return run, nil
}

// SetPaused sets is_paused and returns the updated run.
func (s *PostgresStore) SetPaused(ctx context.Context, id int64, paused bool) (*ImportRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`UPDATE import_runs SET is_paused = $2, updated_at = now() WHERE id = $1 RETURNING `+runColumns,
		id, paused,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "importrun: set paused %d", id)
	}
	return run, nil
}

// SetStopped sets is_stopped. There is no way to clear it.
func (s *PostgresStore) SetStopped(ctx context.Context, id int64) (*ImportRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`UPDATE import_runs SET is_stopped = true, updated_at = now() WHERE id = $1 RETURNING `+runColumns,
		id,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "importrun: set stopped %d", id)
	}
	return run, nil
}

// IncrementProcessedProjects adds one in SQL so concurrent workers never
// lose a count.
func (s *PostgresStore) IncrementProcessedProjects(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE import_runs SET processed_projects = processed_projects + 1, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "importrun: increment processed projects %d", id)
	}
	return nil
}

// SetProjectStatus writes a single ledger key.
func (s *PostgresStore) SetProjectStatus(ctx context.Context, id int64, projectID int64, status ProjectStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE import_runs
		 SET project_status = jsonb_set(project_status, ARRAY[$2::text], to_jsonb($3::text)), updated_at = now()
		 WHERE id = $1`,
		id, strconv.FormatInt(projectID, 10), string(status),
	)
	if err != nil {
		return eris.Wrapf(err, "importrun: set project %d status on run %d", projectID, id)
	}
	return nil
}

// Heartbeat refreshes updated_at on an active run so MarkAbandoned can tell
// it is still owned by a live process.
func (s *PostgresStore) Heartbeat(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE import_runs SET updated_at = now()
		 WHERE id = $1 AND state IN ('starting', 'running', 'paused')`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "importrun: heartbeat %d", id)
	}
	return nil
}

// MarkAbandoned fails every non-terminal run whose updated_at is older than
// staleAfter. Live runners heartbeat well inside that window, so only runs
// left behind by a dead process match.
func (s *PostgresStore) MarkAbandoned(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_runs
		 SET state = $1, status_message = $2, error = $3, finished_at = now(), updated_at = now()
		 WHERE state IN ('starting', 'running', 'paused')
		   AND updated_at < now() - make_interval(secs => $4)`,
		string(StateFailed), MsgFailed, "abandoned: process exited before the run finished", staleAfter.Seconds(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "importrun: mark abandoned")
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (*ImportRun, error) {
	var (
		r      ImportRun
		state  string
		ledger []byte
		done   *time.Time
	)
	err := row.Scan(&r.ID, &r.StatusMessage, &state, &r.ProcessedProjects, &r.TotalProjects,
		&r.ProcessedKeywords, &r.TotalKeywords, &r.IsPaused, &r.IsStopped, &ledger,
		&r.Error, &r.StartedAt, &r.UpdatedAt, &done)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "importrun: scan")
	}

	r.State = State(state)
	r.FinishedAt = done
	r.ProjectStatus = map[string]ProjectStatus{}
	if len(ledger) > 0 {
		if err := json.Unmarshal(ledger, &r.ProjectStatus); err != nil {
			return nil, eris.Wrap(err, "importrun: decode project status")
		}
	}
	return &r, nil
}
