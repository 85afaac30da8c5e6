package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rank-sync/internal/config"
	"github.com/sells-group/rank-sync/internal/db"
	"github.com/sells-group/rank-sync/internal/importrun"
	"github.com/sells-group/rank-sync/internal/rankimport"
	"github.com/sells-group/rank-sync/internal/reconcile"
	"github.com/sells-group/rank-sync/internal/resilience"
	"github.com/sells-group/rank-sync/pkg/ranktracker"
)

// importEnv holds everything the serve and import commands share.
type importEnv struct {
	Pool         *pgxpool.Pool
	Store        *importrun.PostgresStore
	Orchestrator *rankimport.Orchestrator
}

// Close releases the connection pool.
func (e *importEnv) Close() {
	if e.Pool != nil {
		e.Pool.Close()
	}
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open database")
	}
	return pool, nil
}

// initImport connects to Postgres and wires the provider client,
// reconciler and orchestrator from config.
func initImport(ctx context.Context) (*importEnv, error) {
	pool, err := openPool(ctx)
	if err != nil {
		return nil, err
	}

	client := ranktracker.NewClient(cfg.Provider.APIKey,
		ranktracker.WithBaseURL(cfg.Provider.BaseURL),
		ranktracker.WithTimeout(cfg.Provider.Timeout()),
		ranktracker.WithRateLimit(cfg.Provider.RatePerSec, cfg.Provider.Burst),
		ranktracker.WithPageSize(cfg.Provider.PageSize),
	)

	store := importrun.NewPostgresStore(pool)
	rec := reconcile.NewPostgresReconciler(pool, cfg.Import.KeywordProgressEvery)
	orch := rankimport.New(client, store, rec, orchestratorOptions(cfg.Import))

	zap.L().Debug("import environment ready",
		zap.String("provider", cfg.Provider.BaseURL),
		zap.Int("project_concurrency", cfg.Import.ProjectConcurrency),
	)
	return &importEnv{Pool: pool, Store: store, Orchestrator: orch}, nil
}

func orchestratorOptions(ic config.ImportConfig) rankimport.Options {
	return rankimport.Options{
		PollInterval:      ic.PollInterval(),
		Concurrency:       ic.ProjectConcurrency,
		ContinueOnError:   ic.ContinueOnError,
		HeartbeatInterval: ic.HeartbeatInterval(),
		Retry:             resilience.FromConfig(ic.Retry.MaxAttempts, ic.Retry.InitialBackoffMs, ic.Retry.MaxBackoffMs),
	}
}
