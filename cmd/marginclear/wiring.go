package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"MarginClear/internal/clearing"
	"MarginClear/internal/config"
	"MarginClear/internal/ledger"
	"MarginClear/internal/margin"
	"MarginClear/internal/observability"
	"MarginClear/internal/persistence"
	"MarginClear/internal/pool"
	"MarginClear/internal/query"
	"MarginClear/internal/simulation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// app holds the clearing stack for one process.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *observability.Metrics
	health  *observability.HealthChecker

	db      *sql.DB
	ledger  ledger.AccountLedger
	trades  clearing.TradeStore
	clearer *clearing.Clearer
	pool    *pool.Pool
	harness *simulation.Harness
	query   *query.QueryService

	closers []io.Closer
}

type appOptions struct {
	registerer prometheus.Registerer
	metrics    *observability.Metrics // overrides registerer
	sink       clearing.EventSink
	logOut     io.Writer
	seed       uint64
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	out := opts.logOut
	if out == nil {
		out = os.Stdout
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := func(component string) zerolog.Logger {
		return observability.NewLoggerTo(out, component, level)
	}

	a := &app{
		cfg:     cfg,
		log:     logger("app"),
		metrics: opts.metrics,
		health:  observability.NewHealthChecker(),
	}
	if a.metrics == nil {
		a.metrics = observability.NewMetrics(opts.registerer)
	}

	if err := a.openStorage(ctx, logger); err != nil {
		a.Close()
		return nil, err
	}

	rate, err := cfg.MarginRate()
	if err != nil {
		a.Close()
		return nil, err
	}

	clearerOpts := []clearing.Option{
		clearing.WithMetrics(a.metrics),
		clearing.WithLogger(logger("clearer")),
	}
	if opts.sink != nil {
		clearerOpts = append(clearerOpts, clearing.WithEventSink(opts.sink))
	}
	a.clearer = clearing.NewClearer(a.ledger, a.trades, margin.NewCalculator(rate), clearerOpts...)

	a.pool = pool.New(cfg.Pool.Workers, cfg.Pool.QueueSize,
		pool.WithMetrics(a.metrics),
		pool.WithLogger(logger("pool")),
	)

	harnessOpts := []simulation.Option{
		simulation.WithMetrics(a.metrics),
		simulation.WithLogger(logger("simulation")),
	}
	if opts.seed != 0 {
		harnessOpts = append(harnessOpts, simulation.WithSeed(opts.seed))
	}
	a.harness = simulation.NewHarness(a.clearer, a.pool, harnessOpts...)
	a.query = query.NewQueryService(a.ledger, a.trades)

	a.log.Info().
		Str("storage", cfg.Storage.Driver).
		Str("margin_rate", rate.String()).
		Int("workers", cfg.Pool.Workers).
		Int("queue_size", cfg.Pool.QueueSize).
		Msg("clearing stack ready")
	return a, nil
}

func (a *app) openStorage(ctx context.Context, logger func(string) zerolog.Logger) error {
	cfg := a.cfg.Storage
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := persistence.OpenPostgres(ctx, cfg.PostgresDSN, persistence.PoolConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		a.db = db
		a.closers = append(a.closers, db)

		if cfg.AutoMigrate {
			if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger("migrator")).Up(ctx); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
		}
		a.ledger = persistence.NewPostgresLedger(db,
			persistence.WithLedgerMetrics(a.metrics),
			persistence.WithLedgerLogger(logger("ledger")),
		)
		a.trades = persistence.NewPostgresTradeStore(db, a.metrics)
		a.health.AddCheck("postgres", db.PingContext)

	case config.DriverSQLite:
		store, err := persistence.NewSQLiteTradeStore(cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store)
		a.ledger = a.memoryLedger()
		a.trades = store

	default:
		a.ledger = a.memoryLedger()
		a.trades = clearing.NewMemoryTradeStore()
	}
	return nil
}

func (a *app) memoryLedger() *ledger.MemoryLedger {
	return ledger.NewMemoryLedger(ledger.WithLockWaitObserver(func(d time.Duration) {
		a.metrics.LedgerLockWait.Observe(d.Seconds())
	}))
}

// Close stops the pool, then releases storage. Safe on a partially built app.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn().Err(err).Msg("close storage")
		}
	}
	a.closers = nil
}
