package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"MarginClear/internal/ingestion"
	"MarginClear/internal/observability"
	"MarginClear/internal/server"
	"MarginClear/internal/simulation"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the clearing API server",
	Long: `Start the HTTP/JSON API, the gRPC health service and the Prometheus
metrics endpoint. With nats.enabled, trade requests are also consumed from
margin.requests.> and outcomes published to margin.trades.<status>.<client>.`,
	RunE: runServe,
}

var serveSeedAccounts bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveSeedAccounts, "seed-accounts", false, "provision simulation.accounts clients at startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := observability.NewLoggerWithLevel("marginclear", observability.ParseLogLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	opts := appOptions{metrics: metrics}

	// --- NATS ---
	var (
		nc        *nats.Conn
		js        jetstream.JetStream
		publisher *ingestion.OutboundPublisher
	)
	if cfg.NATS.Enabled {
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")

		if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
			return err
		}
		publisher = ingestion.NewOutboundPublisher(js, cfg.NATS.PublishBuffer, metrics, log.With().Str("component", "publisher").Logger())
		opts.sink = publisher
	}

	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if serveSeedAccounts {
		if err := seedAccounts(ctx, a, cfg.Simulation.Accounts); err != nil {
			return err
		}
	}

	deps, err := gatewayDeps(a, log.With().Str("component", "gateway").Logger())
	if err != nil {
		return err
	}
	handler, err := server.NewGatewayHandler(deps)
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(a.health, log.With().Str("component", "grpc").Logger())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return grpcServer.ListenAndServe(gctx, cfg.Server.GRPCAddr) })
	g.Go(func() error {
		grpcServer.WatchHealth(gctx, 5*time.Second)
		return nil
	})
	g.Go(func() error {
		return serveHTTP(gctx, "HTTP gateway", cfg.Server.HTTPAddr, handler, cfg.Server.ShutdownTimeout, log)
	})
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		return serveHTTP(gctx, "metrics server", cfg.Server.MetricsAddr, mux, cfg.Server.ShutdownTimeout, log)
	})

	var consumer *ingestion.RequestConsumer
	if cfg.NATS.Enabled {
		g.Go(func() error {
			if err := publisher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})

		dedup := ingestion.NewDeduplicator(cfg.NATS.DedupSize, metrics)
		consumer = ingestion.NewRequestConsumer(a.clearer, a.pool, dedup, metrics, log.With().Str("component", "consumer").Logger())
		if err := consumer.Subscribe(gctx, js, cfg.NATS.Durable); err != nil {
			return err
		}
		a.health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})
	}

	a.health.SetReady(true)
	log.Info().
		Str("storage", cfg.Storage.Driver).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Bool("nats", cfg.NATS.Enabled).
		Msg("MarginClear ready")

	err = g.Wait()
	a.health.SetReady(false)
	if consumer != nil {
		consumer.Stop()
	}
	if err != nil {
		log.Error().Err(err).Msg("server failed, shutting down")
		return err
	}
	log.Info().Msg("MarginClear shutdown complete")
	return nil
}

// serveHTTP runs srv until ctx is done, then shuts it down within timeout.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler, timeout time.Duration, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		log.Info().Msgf("%s shutting down...", name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msgf("%s listening", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// gatewayDeps wires the HTTP gateway to the app's services and the
// configured simulation defaults.
func gatewayDeps(a *app, log zerolog.Logger) (server.GatewayDeps, error) {
	seedBalance, err := a.cfg.InitialBalance()
	if err != nil {
		return server.GatewayDeps{}, err
	}
	spec := simulation.DefaultBatchSpec()
	spec.Count = a.cfg.Simulation.Trades
	spec.AccountPool = simulation.ClientIDs(a.cfg.Simulation.Accounts)

	return server.GatewayDeps{
		Query:          a.query,
		Clearer:        a.clearer,
		Provisioner:    a.ledger,
		Simulator:      a.harness,
		SeedAccounts:   a.cfg.Simulation.Accounts,
		SeedBalance:    seedBalance,
		SimulationSpec: spec,
		Health:         a.health,
		Metrics:        a.metrics,
		Log:            log,
	}, nil
}

func seedAccounts(ctx context.Context, a *app, n int) error {
	balance, err := a.cfg.InitialBalance()
	if err != nil {
		return err
	}
	created, err := simulation.SeedAccounts(ctx, a.ledger, n, balance)
	if err != nil {
		return err
	}
	a.log.Info().Int("created", len(created)).Int("requested", n).Str("balance", balance.StringFixed(2)).Msg("accounts seeded")
	return nil
}
