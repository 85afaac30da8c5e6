package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rank-sync/internal/control"
	"github.com/sells-group/rank-sync/internal/importrun"
	"github.com/sells-group/rank-sync/internal/rankimport"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Run and control ranking imports",
	Long:  "Runs an import in the foreground or flips pause/stop flags on a run owned by any process.",
}

// -- import run --

var importRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an import in the foreground",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("import"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initImport(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		mgr := rankimport.NewManager(ctx, env.Store, env.Orchestrator, cfg.Import.StaleAfter())
		id, err := mgr.Start(ctx)
		if err != nil {
			return startError(err, cfg.Import.StaleAfter())
		}
		zap.L().Info("import started", zap.Int64("run_id", id))

		runErr := mgr.Wait()

		run, err := env.Store.Get(context.WithoutCancel(ctx), id)
		if err == nil {
			formatStatus(os.Stdout, run)
		}
		return runErr
	},
}

// -- import status --

var importStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest import run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		ctx := cmd.Context()

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		run, err := importrun.NewPostgresStore(pool).Latest(ctx)
		if err != nil {
			return eris.Wrap(err, "import status")
		}
		if run == nil {
			fmt.Fprintln(os.Stderr, control.MsgNoImport)
			return nil
		}

		formatStatus(os.Stdout, run)
		return nil
	},
}

// -- import pause / resume / stop --

func flagCommand(use, short string, apply func(ctx context.Context, st importrun.Store, id int64) (*importrun.ImportRun, error)) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate("migrate"); err != nil {
				return err
			}
			ctx := cmd.Context()

			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			st := importrun.NewPostgresStore(pool)
			id, _ := cmd.Flags().GetInt64("id")
			id, err = resolveRunID(ctx, st, id)
			if err != nil {
				return err
			}

			run, err := apply(ctx, st, id)
			if err != nil {
				return eris.Wrapf(err, "import %s", use)
			}
			formatStatus(os.Stdout, run)
			return nil
		},
	}
	c.Flags().Int64("id", 0, "run id (default: latest active run)")
	return c
}

var (
	importPauseCmd = flagCommand("pause", "Pause a running import", func(ctx context.Context, st importrun.Store, id int64) (*importrun.ImportRun, error) {
		return st.SetPaused(ctx, id, true)
	})
	importResumeCmd = flagCommand("resume", "Resume a paused import", func(ctx context.Context, st importrun.Store, id int64) (*importrun.ImportRun, error) {
		return st.SetPaused(ctx, id, false)
	})
	importStopCmd = flagCommand("stop", "Stop an import at its next checkpoint", func(ctx context.Context, st importrun.Store, id int64) (*importrun.ImportRun, error) {
		return st.SetStopped(ctx, id)
	})
)

// startError explains ErrAlreadyRunning, which persists until the owning
// process finishes or its heartbeat goes stale.
func startError(err error, staleAfter time.Duration) error {
	if errors.Is(err, rankimport.ErrAlreadyRunning) {
		return eris.Wrapf(err, "import run: another run is still active; use `import status` to inspect it, `import stop` to end it, or retry after %s if its process has died", staleAfter)
	}
	return eris.Wrap(err, "import run")
}

// resolveRunID returns id, or the latest run's id when id is 0 and that run
// is still active.
func resolveRunID(ctx context.Context, st importrun.Store, id int64) (int64, error) {
	if id > 0 {
		return id, nil
	}
	run, err := st.Latest(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "find latest run")
	}
	if !run.Active() {
		return 0, eris.New("no active import run; pass --id")
	}
	return run.ID, nil
}

func init() {
	importCmd.AddCommand(importRunCmd, importStatusCmd, importPauseCmd, importResumeCmd, importStopCmd)
	rootCmd.AddCommand(importCmd)
}

// formatStatus writes a run as an aligned key/value table to w.
func formatStatus(out io.Writer, r *importrun.ImportRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%d\n", r.ID)
	_, _ = fmt.Fprintf(w, "State:\t%s\n", r.State)
	_, _ = fmt.Fprintf(w, "Message:\t%s\n", r.StatusMessage)
	_, _ = fmt.Fprintf(w, "Projects:\t%d/%d\n", r.ProcessedProjects, r.TotalProjects)
	_, _ = fmt.Fprintf(w, "Keywords:\t%d/%d\n", r.ProcessedKeywords, r.TotalKeywords)
	_, _ = fmt.Fprintf(w, "Paused:\t%t\n", r.IsPaused)
	_, _ = fmt.Fprintf(w, "Stopped:\t%t\n", r.IsStopped)
	_, _ = fmt.Fprintf(w, "Started:\t%s\n", r.StartedAt.Format("2006-01-02 15:04:05"))

	if r.FinishedAt != nil {
		_, _ = fmt.Fprintf(w, "Duration:\t%s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	}
	if r.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", truncate(r.Error, 120))
	}
	if failed := r.FailedProjects(); len(failed) > 0 {
		_, _ = fmt.Fprintf(w, "Failed:\t%s\n", strings.Join(failed, ", "))
	}
	_ = w.Flush()

	if len(r.ProjectStatus) == 0 {
		return
	}
	ids := make([]string, 0, len(r.ProjectStatus))
	for id := range r.ProjectStatus {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "\nPROJECT\tSTATUS")
	_, _ = fmt.Fprintln(w, "-------\t------")
	for _, id := range ids {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", id, r.ProjectStatus[id])
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
