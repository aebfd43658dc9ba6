package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"MarginClear/internal/observability"
	"MarginClear/internal/persistence"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <up|down|status>",
	Short: "Apply or roll back Postgres migrations",
	Long: `Run SQL migrations against storage.postgres_dsn (MARGIN_POSTGRES_DSN).

  up     - apply all pending migrations
  down   - roll back the last migration
  status - list migrations and whether they are applied`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := observability.NewLoggerTo(os.Stderr, "migrate", observability.ParseLogLevel(cfg.LogLevel))
	ctx := cmd.Context()

	db, err := persistence.OpenPostgres(ctx, cfg.Storage.PostgresDSN, persistence.PoolConfig{MaxOpenConns: 2})
	if err != nil {
		return err
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, cfg.Storage.MigrationsDir, log)

	switch args[0] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		log.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			return fmt.Errorf("migrate status: %w", err)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED\tAPPLIED AT")
		for _, s := range statuses {
			name, appliedAt := s.Name, "-"
			if s.Missing {
				name = "(scripts missing)"
			}
			if s.Applied {
				appliedAt = s.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", s.Version, name, s.Applied, appliedAt)
		}
		return w.Flush()
	}
	return nil
}
