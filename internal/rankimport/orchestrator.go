// Package rankimport drives an import run: it walks every provider project,
// reconciles it into local storage, and honors pause and stop requests at
// project and search-engine checkpoints.
package rankimport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rank-sync/internal/importrun"
	"github.com/sells-group/rank-sync/internal/reconcile"
	"github.com/sells-group/rank-sync/internal/resilience"
	"github.com/sells-group/rank-sync/pkg/ranktracker"
)

// ErrStopped is returned by a checkpoint that observes is_stopped. It is
// never wrapped.
var ErrStopped = eris.New("import stopped by user")

// ErrRunEnded is returned by a checkpoint that finds the run already
// terminal, typically because another process marked it abandoned. The
// orchestrator leaves the record as it found it.
var ErrRunEnded = eris.New("import run already finished")

const finishTimeout = 10 * time.Second

// Options tunes an Orchestrator.
type Options struct {
	// PollInterval is how often a paused run re-reads its record.
	PollInterval time.Duration
	// Concurrency bounds how many projects are processed at once.
	Concurrency int
	// ContinueOnError keeps going after a project fails. The run still
	// ends failed.
	ContinueOnError bool
	// Retry governs provider calls.
	Retry resilience.RetryPolicy
	// HeartbeatInterval is how often the run record is touched to show a
	// live owner. It must be well below the stale window used by
	// MarkAbandoned.
	HeartbeatInterval time.Duration
}

// DefaultOptions returns sequential processing with a 2s pause poll.
func DefaultOptions() Options {
	return Options{
		PollInterval:      2 * time.Second,
		Concurrency:       1,
		Retry:             resilience.DefaultRetryPolicy(),
		HeartbeatInterval: 15 * time.Second,
	}
}

// Orchestrator runs imports. One Orchestrator may run many imports over its
// lifetime, but the Manager keeps at most one active.
type Orchestrator struct {
	client ranktracker.Client
	store  importrun.Store
	rec    reconcile.Reconciler
	opts   Options
	now    func() time.Time

	mu   sync.Mutex
	wake chan struct{}

	// message is the latest per-project status, restored on resume.
	message atomic.Pointer[string]
}

// New creates an Orchestrator.
func New(client ranktracker.Client, store importrun.Store, rec reconcile.Reconciler, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = def.Concurrency
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	return &Orchestrator{
		client: client,
		store:  store,
		rec:    rec,
		opts:   opts,
		now:    time.Now,
		wake:   make(chan struct{}),
	}
}

// Nudge wakes every paused checkpoint so it re-reads the run immediately.
func (o *Orchestrator) Nudge() {
	o.mu.Lock()
	close(o.wake)
	o.wake = make(chan struct{})
	o.mu.Unlock()
}

func (o *Orchestrator) wakeup() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.wake
}

// Run executes the import recorded as runID and leaves it terminal. A stop
// request ends the run without error. Any other failure is recorded and
// returned. A record that another process already finished is left alone
// and ErrRunEnded is returned.
func (o *Orchestrator) Run(ctx context.Context, runID int64) error {
	log := zap.L().With(zap.Int64("run_id", runID))
	start := o.now()
	log.Info("import started")
	o.message.Store(nil)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		o.heartbeat(hbCtx, runID, log)
	}()

	err := o.run(ctx, runID, log)
	stopHeartbeat()
	<-hbDone
	return o.finish(ctx, runID, err, log, o.now().Sub(start))
}

// heartbeat touches the run record until ctx is done.
func (o *Orchestrator) heartbeat(ctx context.Context, runID int64, log *zap.Logger) {
	ticker := time.NewTicker(o.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.store.Heartbeat(ctx, runID); err != nil && ctx.Err() == nil {
				log.Warn("failed to record heartbeat", zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) run(ctx context.Context, runID int64, log *zap.Logger) error {
	current, err := o.store.Get(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "rankimport: load run")
	}
	if current.State.Terminal() {
		return ErrRunEnded
	}

	projects, err := call(ctx, o.opts.Retry, "list_projects", o.client.ListProjects)
	if err != nil {
		return eris.Wrap(err, "rankimport: list projects")
	}

	ledger := make(map[string]importrun.ProjectStatus, len(projects))
	for _, p := range projects {
		ledger[projectKey(p.ID)] = importrun.ProjectPending
	}
	state := importrun.StateRunning
	if err := o.store.Update(ctx, runID, importrun.Patch{
		StatusMessage: importrun.Ptr(importrun.MsgImporting),
		State:         &state,
		TotalProjects: importrun.Ptr(len(projects)),
		ProjectStatus: ledger,
	}); err != nil {
		return eris.Wrap(err, "rankimport: record project total")
	}
	log.Info("projects listed", zap.Int("total", len(projects)))

	var (
		mu      sync.Mutex
		failed  []int64
		stopped atomic.Bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)

	for i, p := range projects {
		if gctx.Err() != nil || stopped.Load() {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if stopped.Load() {
				return nil
			}

			err := o.processProject(gctx, runID, i+1, len(projects), p)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrRunEnded) {
				return err
			}
			if errors.Is(err, ErrStopped) {
				// Siblings finish their current project and stop at
				// their next checkpoint.
				stopped.Store(true)
				return nil
			}
			if ctx.Err() != nil {
				return err
			}
			if gctx.Err() != nil {
				// A sibling failed first. This project stays pending.
				return err
			}

			log.Error("project import failed", zap.Int64("project_id", p.ID), zap.Error(err))
			if lerr := o.store.SetProjectStatus(ctx, runID, p.ID, importrun.ProjectFailed); lerr != nil {
				log.Warn("failed to record project failure", zap.Int64("project_id", p.ID), zap.Error(lerr))
			}

			if o.opts.ContinueOnError {
				mu.Lock()
				failed = append(failed, p.ID)
				mu.Unlock()
				return nil
			}
			return eris.Wrapf(err, "rankimport: project %d", p.ID)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if stopped.Load() {
		return ErrStopped
	}
	if len(failed) > 0 {
		slices.Sort(failed)
		return projectFailures(failed)
	}
	return nil
}

func (o *Orchestrator) processProject(ctx context.Context, runID int64, idx, total int, p ranktracker.Project) error {
	if err := o.checkpoint(ctx, runID); err != nil {
		return err
	}

	log := zap.L().With(zap.Int64("run_id", runID), zap.Int64("project_id", p.ID))
	log.Info("importing project", zap.String("name", p.DisplayName()), zap.Int("index", idx), zap.Int("total", total))

	msg := fmt.Sprintf("Importing project %s (%d/%d)", p.DisplayName(), idx, total)
	o.message.Store(&msg)
	if err := o.store.Update(ctx, runID, importrun.Patch{StatusMessage: &msg}); err != nil {
		return eris.Wrap(err, "rankimport: update status message")
	}

	if err := o.rec.UpsertProject(ctx, p); err != nil {
		return err
	}

	stats, err := call(ctx, o.opts.Retry, "get_project_stats", func(ctx context.Context) (*ranktracker.ProjectStats, error) {
		return o.client.GetProjectStats(ctx, p.ID)
	})
	if err != nil {
		return eris.Wrapf(err, "rankimport: stats for project %d", p.ID)
	}
	if stats != nil {
		if err := o.rec.UpsertProjectStats(ctx, p.ID, *stats); err != nil {
			return err
		}
	}

	engines, err := call(ctx, o.opts.Retry, "list_search_engines", func(ctx context.Context) ([]ranktracker.SearchEngine, error) {
		return o.client.ListSearchEngines(ctx, p.ID)
	})
	if err != nil {
		return eris.Wrapf(err, "rankimport: search engines for project %d", p.ID)
	}
	if _, err := o.rec.UpsertSearchEngines(ctx, p.ID, engines); err != nil {
		return err
	}

	keywords, err := call(ctx, o.opts.Retry, "list_keywords", func(ctx context.Context) ([]ranktracker.Keyword, error) {
		return o.client.ListKeywords(ctx, p.ID)
	})
	if err != nil {
		return eris.Wrapf(err, "rankimport: keywords for project %d", p.ID)
	}

	if err := o.store.Update(ctx, runID, importrun.Patch{
		TotalKeywords:     importrun.Ptr(reconcile.FanOutCount(keywords)),
		ProcessedKeywords: importrun.Ptr(0),
	}); err != nil {
		return eris.Wrap(err, "rankimport: reset keyword counters")
	}

	written, err := o.rec.ReplaceKeywords(ctx, p.ID, keywords, func(n int64) {
		if err := o.store.Update(ctx, runID, importrun.Patch{ProcessedKeywords: importrun.Ptr(int(n))}); err != nil {
			log.Warn("failed to record keyword progress", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	today := o.now().Format(time.DateOnly)
	var merged int64
	for _, e := range engines {
		if err := o.checkpoint(ctx, runID); err != nil {
			return err
		}

		groups, err := call(ctx, o.opts.Retry, "get_keyword_positions", func(ctx context.Context) ([]ranktracker.PositionGroup, error) {
			return o.client.GetKeywordPositions(ctx, p.ID, ranktracker.PositionsQuery{
				DateFrom:       today,
				DateTo:         today,
				SearchEngineID: e.SiteEngineID,
			})
		})
		if err != nil {
			return eris.Wrapf(err, "rankimport: positions for project %d engine %d", p.ID, e.SiteEngineID)
		}

		n, err := o.rec.MergeLatestPositions(ctx, p.ID, groups)
		if err != nil {
			return err
		}
		merged += n
	}

	if err := o.store.IncrementProcessedProjects(ctx, runID); err != nil {
		return eris.Wrap(err, "rankimport: advance project counter")
	}
	if err := o.store.SetProjectStatus(ctx, runID, p.ID, importrun.ProjectSucceeded); err != nil {
		return eris.Wrap(err, "rankimport: record project success")
	}

	log.Info("project imported",
		zap.Int("search_engines", len(engines)),
		zap.Int64("keyword_rows", written),
		zap.Int64("positions_merged", merged),
	)
	return nil
}

// checkpoint blocks while the run is paused. It returns ErrStopped once a
// stop is requested and ErrRunEnded if the record is already terminal.
func (o *Orchestrator) checkpoint(ctx context.Context, runID int64) error {
	for {
		wake := o.wakeup()

		run, err := o.store.Get(ctx, runID)
		if err != nil {
			return eris.Wrap(err, "rankimport: checkpoint")
		}
		if run.State.Terminal() {
			return ErrRunEnded
		}
		if run.IsStopped {
			return ErrStopped
		}
		if !run.IsPaused {
			if run.State == importrun.StatePaused {
				msg := importrun.MsgImporting
				if m := o.message.Load(); m != nil {
					msg = *m
				}
				if err := o.setState(ctx, runID, importrun.StateRunning, msg); err != nil {
					return err
				}
				zap.L().Info("import resumed", zap.Int64("run_id", runID))
			}
			return nil
		}

		if run.State != importrun.StatePaused {
			if err := o.setState(ctx, runID, importrun.StatePaused, importrun.MsgPaused); err != nil {
				return err
			}
			zap.L().Info("import paused", zap.Int64("run_id", runID))
		}

		timer := time.NewTimer(o.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) setState(ctx context.Context, runID int64, s importrun.State, msg string) error {
	err := o.store.Update(ctx, runID, importrun.Patch{State: &s, StatusMessage: &msg})
	if err != nil {
		return eris.Wrapf(err, "rankimport: set state %s", s)
	}
	return nil
}

// finish writes the terminal state. It uses a context detached from ctx so a
// cancelled run is still recorded.
func (o *Orchestrator) finish(ctx context.Context, runID int64, runErr error, log *zap.Logger, took time.Duration) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	var (
		patch importrun.Patch
		ret   error
	)
	switch {
	case errors.Is(runErr, ErrRunEnded):
		log.Warn("import record finished elsewhere; leaving it untouched", zap.Duration("took", took))
		return runErr
	case runErr == nil:
		patch = importrun.Patch{StatusMessage: importrun.Ptr(importrun.MsgCompleted), State: importrun.Ptr(importrun.StateCompleted)}
		log.Info("import completed", zap.Duration("took", took))
	case errors.Is(runErr, ErrStopped):
		patch = importrun.Patch{StatusMessage: importrun.Ptr(importrun.MsgStopped), State: importrun.Ptr(importrun.StateStopped)}
		log.Info("import stopped by user", zap.Duration("took", took))
	default:
		patch = importrun.Patch{
			StatusMessage: importrun.Ptr(importrun.MsgFailed),
			State:         importrun.Ptr(importrun.StateFailed),
			Error:         importrun.Ptr(runErr.Error()),
		}
		ret = runErr
		log.Error("import failed", zap.Duration("took", took), zap.Error(runErr))
	}
	patch.Finished = true

	if err := o.store.Update(wctx, runID, patch); err != nil {
		log.Error("failed to record terminal state", zap.Error(err))
		if ret == nil {
			ret = eris.Wrap(err, "rankimport: record terminal state")
		}
	}
	return ret
}

// call runs a provider request under the retry policy. Provider 408/429/5xx
// and transient network errors are retried, honoring Retry-After.
func call[T any](ctx context.Context, p resilience.RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	p.Retryable = func(err error) bool {
		return ranktracker.IsRetryable(err) || resilience.IsTransient(err)
	}
	p.DelayHint = ranktracker.RetryAfter
	p.OnRetry = resilience.LogRetry("ranktracker", op)
	return resilience.Retry(ctx, p, fn)
}

func projectKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func projectFailures(ids []int64) error {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = projectKey(id)
	}
	return eris.Errorf("rankimport: %d project(s) failed: %s", len(ids), strings.Join(parts, ", "))
}
