// Package importrun persists the progress and control flags of import runs.
//
// The run record is the only state shared between the orchestrator and its
// controllers. Every write touches only the columns it owns, so progress
// updates and pause/stop flags never clobber each other.
package importrun

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// Status messages written to import_runs.status_message.
const (
	MsgStarting  = "Starting import..."
	MsgImporting = "Importing projects..."
	MsgPaused    = "Import paused."
	MsgCompleted = "Import completed successfully."
	MsgFailed    = "Import failed."
	MsgStopped   = "Import stopped by user."
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = eris.New("import run not found")

// State is the machine-readable lifecycle state of a run.
type State string

// Run states. Completed, Stopped and Failed are terminal.
const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// ProjectStatus is a per-project outcome in the run ledger.
type ProjectStatus string

// Ledger values.
const (
	ProjectPending   ProjectStatus = "pending"
	ProjectSucceeded ProjectStatus = "succeeded"
	ProjectFailed    ProjectStatus = "failed"
)

// ImportRun is one row of import_runs.
type ImportRun struct {
	ID                int64                    `json:"id"`
	StatusMessage     string                   `json:"status_message"`
	State             State                    `json:"state"`
	ProcessedProjects int                      `json:"processed_projects"`
	TotalProjects     int                      `json:"total_projects"`
	ProcessedKeywords int                      `json:"processed_keywords"`
	TotalKeywords     int                      `json:"total_keywords"`
	IsPaused          bool                     `json:"is_paused"`
	IsStopped         bool                     `json:"is_stopped"`
	ProjectStatus     map[string]ProjectStatus `json:"project_status"`
	Error             string                   `json:"error,omitempty"`
	StartedAt         time.Time                `json:"started_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
	FinishedAt        *time.Time               `json:"finished_at,omitempty"`
}

// Active reports whether the run may still make progress.
func (r *ImportRun) Active() bool {
	return r != nil && !r.State.Terminal()
}

// FailedProjects returns the ids the ledger marks failed, sorted.
func (r *ImportRun) FailedProjects() []string {
	var out []string
	for id, st := range r.ProjectStatus {
		if st == ProjectFailed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	StatusMessage     *string
	State             *State
	ProcessedProjects *int
	TotalProjects     *int
	ProcessedKeywords *int
	TotalKeywords     *int
	Error             *string
	// ProjectStatus replaces the whole ledger when non-nil.
	ProjectStatus map[string]ProjectStatus
	// Finished stamps finished_at.
	Finished bool
}

// Empty reports whether the patch writes nothing.
func (p Patch) Empty() bool {
	return p.StatusMessage == nil && p.State == nil &&
		p.ProcessedProjects == nil && p.TotalProjects == nil &&
		p.ProcessedKeywords == nil && p.TotalKeywords == nil &&
		p.Error == nil && p.ProjectStatus == nil && !p.Finished
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
