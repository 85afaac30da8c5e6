package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rank-sync/internal/config"
	"github.com/sells-group/rank-sync/internal/importrun"
	"github.com/sells-group/rank-sync/internal/rankimport"
)

func TestFormatStatus_Running(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	run := &importrun.ImportRun{
		ID:                4,
		StatusMessage:     "Importing project Acme (1/2)",
		State:             importrun.StateRunning,
		ProcessedProjects: 1,
		TotalProjects:     2,
		ProcessedKeywords: 20,
		TotalKeywords:     35,
		StartedAt:         start,
		ProjectStatus: map[string]importrun.ProjectStatus{
			"2": importrun.ProjectPending,
			"1": importrun.ProjectSucceeded,
		},
	}

	var buf bytes.Buffer
	formatStatus(&buf, run)
	out := buf.String()

	assert.Contains(t, out, "Run:")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "Importing project Acme (1/2)")
	assert.Contains(t, out, "1/2")
	assert.Contains(t, out, "20/35")
	assert.Contains(t, out, "2026-03-02 09:00:00")
	assert.NotContains(t, out, "Duration:")
	assert.NotContains(t, out, "Error:")
	assert.Less(t, strings.Index(out, "succeeded"), strings.Index(out, "pending"), "ledger sorted by project id")
}

func TestFormatStatus_Failed(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	done := start.Add(90 * time.Second)
	run := &importrun.ImportRun{
		ID:            5,
		StatusMessage: importrun.MsgFailed,
		State:         importrun.StateFailed,
		Error:         strings.Repeat("x", 200),
		StartedAt:     start,
		FinishedAt:    &done,
	}

	var buf bytes.Buffer
	formatStatus(&buf, run)
	out := buf.String()

	assert.Contains(t, out, "Import failed.")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, "PROJECT")
	assert.NotContains(t, out, "Failed:")
}

func TestFormatStatus_ListsFailedProjects(t *testing.T) {
	run := &importrun.ImportRun{
		ID:            6,
		StatusMessage: importrun.MsgFailed,
		State:         importrun.StateFailed,
		StartedAt:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		ProjectStatus: map[string]importrun.ProjectStatus{
			"9": importrun.ProjectFailed,
			"1": importrun.ProjectSucceeded,
			"3": importrun.ProjectFailed,
		},
	}

	var buf bytes.Buffer
	formatStatus(&buf, run)

	assert.Regexp(t, `Failed:\s+3, 9\n`, buf.String())
}

func TestStartError_AlreadyRunningHint(t *testing.T) {
	err := startError(rankimport.ErrAlreadyRunning, time.Minute)
	assert.ErrorIs(t, err, rankimport.ErrAlreadyRunning)
	assert.Contains(t, err.Error(), "import stop")
	assert.Contains(t, err.Error(), "retry after 1m0s")

	err = startError(errors.New("conn refused"), time.Minute)
	assert.Contains(t, err.Error(), "import run: conn refused")
	assert.NotContains(t, err.Error(), "import stop")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestResolveRunID_Explicit(t *testing.T) {
	id, err := resolveRunID(context.Background(), nil, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)
}

var statusCols = []string{
	"id", "status_message", "state", "processed_projects", "total_projects",
	"processed_keywords", "total_keywords", "is_paused", "is_stopped", "project_status",
	"error", "started_at", "updated_at", "finished_at",
}

func TestResolveRunID_LatestActive(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery("ORDER BY id DESC LIMIT 1").
		WillReturnRows(pgxmock.NewRows(statusCols).AddRow(
			int64(3), importrun.MsgImporting, "running", 0, 2, 0, 0,
			false, false, []byte(`{}`), "", now, now, (*time.Time)(nil),
		))

	id, err := resolveRunID(context.Background(), importrun.NewPostgresStore(mock), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
}

func TestResolveRunID_NoActiveRun(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("ORDER BY id DESC LIMIT 1").WillReturnRows(pgxmock.NewRows(statusCols))

	_, err = resolveRunID(context.Background(), importrun.NewPostgresStore(mock), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active import run")
}

func TestOrchestratorOptions(t *testing.T) {
	opts := orchestratorOptions(config.ImportConfig{
		PollIntervalMs:     250,
		ProjectConcurrency: 3,
		ContinueOnError:    true,
		HeartbeatSecs:      20,
		Retry:              config.RetryConfig{MaxAttempts: 6, InitialBackoffMs: 100, MaxBackoffMs: 2000},
	})

	assert.Equal(t, 250*time.Millisecond, opts.PollInterval)
	assert.Equal(t, 3, opts.Concurrency)
	assert.True(t, opts.ContinueOnError)
	assert.Equal(t, 20*time.Second, opts.HeartbeatInterval)
	assert.Equal(t, 6, opts.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, opts.Retry.InitialBackoff)
	assert.Equal(t, 2*time.Second, opts.Retry.MaxBackoff)
}
