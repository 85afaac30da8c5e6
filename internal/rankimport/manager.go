package rankimport

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rank-sync/internal/importrun"
)

// ErrAlreadyRunning is returned by Start while another run is active.
var ErrAlreadyRunning = eris.New("an import is already running")

// Manager owns the background lifetime of import runs. Runs are started on
// the Manager's base context, never on the caller's, so they outlive the
// request that launched them.
type Manager struct {
	base       context.Context
	store      importrun.Store
	orch       *Orchestrator
	staleAfter time.Duration

	mu      sync.Mutex
	active  int64
	lastErr error
	wg      sync.WaitGroup
}

// NewManager creates a Manager. Cancelling base cancels any active run.
// Before each start, non-terminal runs without a heartbeat for staleAfter
// are marked failed; zero disables that.
func NewManager(base context.Context, store importrun.Store, orch *Orchestrator, staleAfter time.Duration) *Manager {
	return &Manager{base: base, store: store, orch: orch, staleAfter: staleAfter}
}

// Start creates a run and launches it in the background. It fails with
// ErrAlreadyRunning if this process has an active run or the latest
// persisted run is not terminal and still heartbeating.
func (m *Manager) Start(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != 0 {
		return 0, ErrAlreadyRunning
	}

	if m.staleAfter > 0 {
		n, err := m.store.MarkAbandoned(ctx, m.staleAfter)
		if err != nil {
			return 0, eris.Wrap(err, "rankimport: reclaim abandoned runs")
		}
		if n > 0 {
			zap.L().Warn("marked abandoned import runs as failed", zap.Int64("runs", n))
		}
	}

	latest, err := m.store.Latest(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "rankimport: check latest run")
	}
	if latest.Active() {
		return 0, ErrAlreadyRunning
	}

	id, err := m.store.Create(ctx, importrun.MsgStarting)
	if err != nil {
		return 0, eris.Wrap(err, "rankimport: create run")
	}

	m.active = id
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.orch.Run(m.base, id)
		if err != nil {
			zap.L().Error("background import ended with error", zap.Int64("run_id", id), zap.Error(err))
		}

		m.mu.Lock()
		m.active = 0
		m.lastErr = err
		m.mu.Unlock()
	}()

	return id, nil
}

// Pause sets or clears the pause flag and wakes the orchestrator.
func (m *Manager) Pause(ctx context.Context, id int64, paused bool) (*importrun.ImportRun, error) {
	run, err := m.store.SetPaused(ctx, id, paused)
	if err != nil {
		return nil, err
	}
	m.orch.Nudge()
	return run, nil
}

// Stop requests a stop and wakes the orchestrator. A stop cannot be undone.
func (m *Manager) Stop(ctx context.Context, id int64) (*importrun.ImportRun, error) {
	run, err := m.store.SetStopped(ctx, id)
	if err != nil {
		return nil, err
	}
	m.orch.Nudge()
	return run, nil
}

// Status returns the latest run, or nil if none exists.
func (m *Manager) Status(ctx context.Context) (*importrun.ImportRun, error) {
	return m.store.Latest(ctx)
}

// Active returns the id of the run this process is executing, or 0.
func (m *Manager) Active() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Wait blocks until the active run ends and returns its error.
func (m *Manager) Wait() error {
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
