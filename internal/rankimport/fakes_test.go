package rankimport

import (
	"context"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/sells-group/rank-sync/internal/importrun"
	"github.com/sells-group/rank-sync/pkg/ranktracker"
)

// memStore is an in-memory importrun.Store.
type memStore struct {
	mu     sync.Mutex
	runs   map[int64]*importrun.ImportRun
	nextID int64

	// startPaused creates new runs with is_paused set.
	startPaused bool
	// afterIncrement runs under the lock after processed_projects advances.
	afterIncrement func(run *importrun.ImportRun)
	// keywordWrites records every processed_keywords value written.
	keywordWrites []int
	heartbeats    int
}

func newMemStore() *memStore {
	return &memStore{runs: map[int64]*importrun.ImportRun{}}
}

func (s *memStore) Create(_ context.Context, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.runs[s.nextID] = &importrun.ImportRun{
		ID:            s.nextID,
		StatusMessage: message,
		State:         importrun.StateStarting,
		IsPaused:      s.startPaused,
		ProjectStatus: map[string]importrun.ProjectStatus{},
		StartedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	return s.nextID, nil
}

func (s *memStore) Update(_ context.Context, id int64, p importrun.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return importrun.ErrNotFound
	}
	if p.StatusMessage != nil {
		r.StatusMessage = *p.StatusMessage
	}
	if p.State != nil {
		r.State = *p.State
	}
	if p.ProcessedProjects != nil {
		r.ProcessedProjects = *p.ProcessedProjects
	}
	if p.TotalProjects != nil {
		r.TotalProjects = *p.TotalProjects
	}
	if p.ProcessedKeywords != nil {
		r.ProcessedKeywords = *p.ProcessedKeywords
		s.keywordWrites = append(s.keywordWrites, *p.ProcessedKeywords)
	}
	if p.TotalKeywords != nil {
		r.TotalKeywords = *p.TotalKeywords
	}
	if p.Error != nil {
		r.Error = *p.Error
	}
	if p.ProjectStatus != nil {
		r.ProjectStatus = maps.Clone(p.ProjectStatus)
	}
	if p.Finished {
		now := time.Now()
		r.FinishedAt = &now
	}
	r.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) Get(_ context.Context, id int64) (*importrun.ImportRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, importrun.ErrNotFound
	}
	return clone(r), nil
}

func (s *memStore) Latest(_ context.Context) (*importrun.ImportRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextID == 0 {
		return nil, nil
	}
	return clone(s.runs[s.nextID]), nil
}

func (s *memStore) SetPaused(_ context.Context, id int64, paused bool) (*importrun.ImportRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, importrun.ErrNotFound
	}
	r.IsPaused = paused
	return clone(r), nil
}

func (s *memStore) SetStopped(_ context.Context, id int64) (*importrun.ImportRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, importrun.ErrNotFound
	}
	r.IsStopped = true
	return clone(r), nil
}

func (s *memStore) IncrementProcessedProjects(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return importrun.ErrNotFound
	}
	r.ProcessedProjects++
	if s.afterIncrement != nil {
		s.afterIncrement(r)
	}
	return nil
}

func (s *memStore) SetProjectStatus(_ context.Context, id int64, projectID int64, status importrun.ProjectStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return importrun.ErrNotFound
	}
	r.ProjectStatus[strconv.FormatInt(projectID, 10)] = status
	return nil
}

func (s *memStore) Heartbeat(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return importrun.ErrNotFound
	}
	s.heartbeats++
	if r.Active() {
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (s *memStore) MarkAbandoned(_ context.Context, staleAfter time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	var n int64
	for _, r := range s.runs {
		if r.Active() && r.UpdatedAt.Before(cutoff) {
			r.State = importrun.StateFailed
			r.StatusMessage = importrun.MsgFailed
			n++
		}
	}
	return n, nil
}

// age moves a run's updated_at into the past.
func (s *memStore) age(id int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[id].UpdatedAt = s.runs[id].UpdatedAt.Add(-d)
}

func (s *memStore) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

func (s *memStore) run(id int64) *importrun.ImportRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.runs[id])
}

func clone(r *importrun.ImportRun) *importrun.ImportRun {
	c := *r
	c.ProjectStatus = maps.Clone(r.ProjectStatus)
	return &c
}

// fakeClient serves canned provider data.
type fakeClient struct {
	mu        sync.Mutex
	projects  []ranktracker.Project
	engines   map[int64][]ranktracker.SearchEngine
	keywords  map[int64][]ranktracker.Keyword
	positions map[int64][]ranktracker.PositionGroup // by site_engine_id
	// errs maps "op:projectID" to a queue of errors returned before success.
	errs    map[string][]error
	calls   map[string]int
	queries []ranktracker.PositionsQuery
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		engines:   map[int64][]ranktracker.SearchEngine{},
		keywords:  map[int64][]ranktracker.Keyword{},
		positions: map[int64][]ranktracker.PositionGroup{},
		errs:      map[string][]error{},
		calls:     map[string]int{},
	}
}

func (c *fakeClient) failWith(op string, projectID int64, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := op + ":" + strconv.FormatInt(projectID, 10)
	c.errs[key] = append(c.errs[key], errs...)
}

func (c *fakeClient) take(op string, projectID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := op + ":" + strconv.FormatInt(projectID, 10)
	c.calls[key]++
	q := c.errs[key]
	if len(q) == 0 {
		return nil
	}
	c.errs[key] = q[1:]
	return q[0]
}

func (c *fakeClient) callCount(op string, projectID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op+":"+strconv.FormatInt(projectID, 10)]
}

func (c *fakeClient) ListProjects(_ context.Context) ([]ranktracker.Project, error) {
	if err := c.take("projects", 0); err != nil {
		return nil, err
	}
	return c.projects, nil
}

func (c *fakeClient) ListSearchEngines(_ context.Context, projectID int64) ([]ranktracker.SearchEngine, error) {
	if err := c.take("engines", projectID); err != nil {
		return nil, err
	}
	return c.engines[projectID], nil
}

func (c *fakeClient) ListKeywords(_ context.Context, projectID int64) ([]ranktracker.Keyword, error) {
	if err := c.take("keywords", projectID); err != nil {
		return nil, err
	}
	return c.keywords[projectID], nil
}

func (c *fakeClient) GetProjectStats(_ context.Context, projectID int64) (*ranktracker.ProjectStats, error) {
	if err := c.take("stats", projectID); err != nil {
		return nil, err
	}
	return &ranktracker.ProjectStats{TodayAvg: 3.5}, nil
}

func (c *fakeClient) GetKeywordPositions(_ context.Context, projectID int64, q ranktracker.PositionsQuery) ([]ranktracker.PositionGroup, error) {
	if err := c.take("positions", projectID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.queries = append(c.queries, q)
	c.mu.Unlock()
	return append([]ranktracker.PositionGroup(nil), c.positions[q.SearchEngineID]...), nil
}

// fakeReconciler records what would have been written.
type fakeReconciler struct {
	mu        sync.Mutex
	touched   map[int64][]string
	keywords  map[int64]int64
	merged    map[int64]int64
	chunkSize int
	failOn    map[string]error
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{
		touched:   map[int64][]string{},
		keywords:  map[int64]int64{},
		merged:    map[int64]int64{},
		chunkSize: 10,
		failOn:    map[string]error{},
	}
}

func (r *fakeReconciler) record(projectID int64, op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched[projectID] = append(r.touched[projectID], op)
	return r.failOn[op+":"+strconv.FormatInt(projectID, 10)]
}

func (r *fakeReconciler) ops(projectID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.touched[projectID]...)
}

func (r *fakeReconciler) UpsertProject(_ context.Context, p ranktracker.Project) error {
	return r.record(p.ID, "project")
}

func (r *fakeReconciler) UpsertProjectStats(_ context.Context, projectID int64, _ ranktracker.ProjectStats) error {
	return r.record(projectID, "stats")
}

func (r *fakeReconciler) UpsertSearchEngines(_ context.Context, projectID int64, engines []ranktracker.SearchEngine) (int, error) {
	return len(engines), r.record(projectID, "engines")
}

func (r *fakeReconciler) ReplaceKeywords(_ context.Context, projectID int64, keywords []ranktracker.Keyword, progress func(int64)) (int64, error) {
	if err := r.record(projectID, "keywords"); err != nil {
		return 0, err
	}
	var total int64
	for _, kw := range keywords {
		total += int64(len(kw.SiteEngineIDs))
	}
	for written := int64(0); written < total; {
		written = min(written+int64(r.chunkSize), total)
		if progress != nil {
			progress(written)
		}
	}
	r.mu.Lock()
	r.keywords[projectID] = total
	r.mu.Unlock()
	return total, nil
}

func (r *fakeReconciler) MergeLatestPositions(_ context.Context, projectID int64, groups []ranktracker.PositionGroup) (int64, error) {
	if err := r.record(projectID, "positions"); err != nil {
		return 0, err
	}
	var n int64
	for _, g := range groups {
		for _, kw := range g.Keywords {
			if len(kw.Positions) > 0 {
				n++
			}
		}
	}
	r.mu.Lock()
	r.merged[projectID] += n
	r.mu.Unlock()
	return n, nil
}
