package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"MarginClear/internal/config"
	"MarginClear/internal/ledger"
	"MarginClear/internal/persistence"
	"MarginClear/internal/simulation"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a randomized batch of trades",
	Long: `Seed client accounts, clear a randomized batch of trades on the worker
pool and verify that no balance went negative and that
initial balances == final balances + cleared margin.

The result is printed as JSON on stdout; logs go to stderr.

Examples:
  marginclear simulate --trades 5000 --seed 42
  marginclear simulate --sqlite ./trades.db`,
	RunE: runSimulate,
}

var (
	simTrades   int
	simAccounts int
	simSeed     uint64
	simSQLite   string
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().IntVar(&simTrades, "trades", 0, "number of trades (default simulation.trades)")
	simulateCmd.Flags().IntVar(&simAccounts, "accounts", 0, "number of client accounts (default simulation.accounts)")
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 0, "RNG seed; 0 draws a random one")
	simulateCmd.Flags().StringVar(&simSQLite, "sqlite", "", "record trades in this SQLite file")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if simTrades > 0 {
		cfg.Simulation.Trades = simTrades
	}
	if simAccounts > 0 {
		cfg.Simulation.Accounts = simAccounts
	}
	if simSQLite != "" {
		cfg.Storage.Driver = config.DriverSQLite
		cfg.Storage.SQLitePath = simSQLite
	}
	if simSeed == 0 {
		simSeed = cfg.Simulation.Seed
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{logOut: os.Stderr, seed: simSeed})
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := runSimulation(ctx, a)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// runSimulation seeds the configured accounts, runs one batch and checks the
// ledger invariants against the balances it started from.
func runSimulation(ctx context.Context, a *app) (*simulation.Result, error) {
	cfg := a.cfg.Simulation
	if err := seedAccounts(ctx, a, cfg.Accounts); err != nil {
		return nil, err
	}

	validator := ledger.NewInvariantValidator(a.ledger)
	before, err := totalBalance(ctx, a.ledger)
	if err != nil {
		return nil, err
	}

	spec := simulation.DefaultBatchSpec()
	spec.Count = cfg.Trades
	spec.AccountPool = simulation.ClientIDs(cfg.Accounts)

	result, err := a.harness.RunBatch(ctx, spec)
	if err != nil {
		return nil, err
	}

	if err := validator.ValidateNonNegative(ctx); err != nil {
		return result, fmt.Errorf("simulation %s: %w", result.RunID, err)
	}
	if err := validator.ValidateConservation(ctx, before, result.ClearedMargin); err != nil {
		return result, fmt.Errorf("simulation %s: %w", result.RunID, err)
	}
	entries, err := journalOf(ctx, a.ledger)
	if err != nil {
		return result, err
	}
	if err := validator.ValidateJournal(ctx, entries); err != nil {
		return result, fmt.Errorf("simulation %s: %w", result.RunID, err)
	}
	a.log.Info().Str("run_id", result.RunID).Msg("ledger invariants hold")
	return result, nil
}

func journalOf(ctx context.Context, l ledger.AccountLedger) ([]ledger.Journal, error) {
	switch jl := l.(type) {
	case *ledger.MemoryLedger:
		return jl.Journal(), nil
	case *persistence.PostgresLedger:
		return jl.Journal(ctx)
	default:
		return nil, fmt.Errorf("ledger %T keeps no journal", l)
	}
}

func totalBalance(ctx context.Context, r ledger.AccountReader) (decimal.Decimal, error) {
	accounts, err := r.Accounts(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, acct := range accounts {
		total = total.Add(acct.Balance)
	}
	return total, nil
}
