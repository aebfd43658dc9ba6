package main

import (
	"MarginClear/internal/config"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "marginclear",
	Short: "Margin trade clearing service",
	Long: `MarginClear clears margin trades against client accounts.

Each trade reserves 10% of its notional value (configurable) from the
client's balance. Trades that cannot be covered are recorded as REJECTED.

Commands:
  serve     - run the HTTP/gRPC API, metrics and optional NATS ingestion
  simulate  - run a randomized batch of trades and verify the ledger
  accounts  - seed or list client accounts
  migrate   - apply or roll back Postgres migrations`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (MARGIN_* env vars override it)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
