package main

import (
	"encoding/json"
	"fmt"
	"os"

	fpmath "MarginClear/internal/math"

	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage client margin accounts",
	Long: `Subcommands:
  init - provision CLIENT_001..CLIENT_n (existing accounts are left alone)
  list - print every account as JSON

Accounts only outlive the command with the postgres storage driver.`,
}

var accountsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision client accounts",
	RunE:  runAccountsInit,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List client accounts",
	RunE:  runAccountsList,
}

var (
	accountsCount   int
	accountsBalance string
)

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsInitCmd)
	accountsCmd.AddCommand(accountsListCmd)

	accountsInitCmd.Flags().IntVarP(&accountsCount, "count", "n", 0, "number of accounts (default simulation.accounts)")
	accountsInitCmd.Flags().StringVar(&accountsBalance, "balance", "", "initial balance (default simulation.initial_balance)")
}

func runAccountsInit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if accountsCount > 0 {
		cfg.Simulation.Accounts = accountsCount
	}
	if accountsBalance != "" {
		if _, err := fpmath.ParseMoney(accountsBalance); err != nil {
			return err
		}
		cfg.Simulation.InitialBalance = accountsBalance
	}

	a, err := newApp(cmd.Context(), cfg, appOptions{logOut: os.Stderr})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := seedAccounts(cmd.Context(), a, cfg.Simulation.Accounts); err != nil {
		return err
	}
	accounts, err := a.query.ListAccounts(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d accounts provisioned\n", len(accounts))
	return nil
}

func runAccountsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, appOptions{logOut: os.Stderr})
	if err != nil {
		return err
	}
	defer a.Close()

	accounts, err := a.query.ListAccounts(cmd.Context())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(accounts)
}
