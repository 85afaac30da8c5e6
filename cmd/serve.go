package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rank-sync/internal/control"
	"github.com/sells-group/rank-sync/internal/migrate"
	"github.com/sells-group/rank-sync/internal/rankimport"
)

const shutdownTimeout = 15 * time.Second

var (
	servePort    int
	serveMigrate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the import control API",
	Long:  "Serves /import/start, /import/pause, /import/stop and /import/status. Imports run in the background of this process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initImport(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if serveMigrate {
			if err := migrate.Migrate(ctx, env.Pool); err != nil {
				return eris.Wrap(err, "serve: migrate")
			}
		}

		n, err := env.Store.MarkAbandoned(ctx, cfg.Import.StaleAfter())
		if err != nil {
			return err
		}
		if n > 0 {
			zap.L().Warn("marked abandoned import runs as failed", zap.Int64("runs", n))
		}

		// Runs outlive requests but not the process.
		runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
		defer cancelRuns()
		mgr := rankimport.NewManager(runCtx, env.Store, env.Orchestrator, cfg.Import.StaleAfter())

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           control.NewRouter(mgr, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		zap.L().Info("starting server", zap.Int("port", port))
		return serveUntilDone(ctx, srv, func() {
			cancelRuns()
			if err := mgr.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				zap.L().Warn("import ended with error during shutdown", zap.Error(err))
			}
		})
	},
}

// serveUntilDone runs srv until ctx is cancelled, then shuts it down and
// calls drain once no new requests can arrive.
func serveUntilDone(ctx context.Context, srv *http.Server, drain func()) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("server shutdown", zap.Error(err))
	}
	if drain != nil {
		drain()
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply pending migrations before serving")
	rootCmd.AddCommand(serveCmd)
}
