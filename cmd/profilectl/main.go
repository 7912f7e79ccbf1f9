/*
profilectl - operator CLI for the profile allocation service

COMMANDS:
  migrate                 open the configured database and apply migrations
  seed --file catalog.yaml import a YAML catalog
  sweep                   run one lifecycle sweep and print its counts
  rates refresh           fetch and store currency rates once

Configuration comes from the same .env and environment keys as the server.
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/profile-engine/app"
	"github.com/warp/profile-engine/config"
	"github.com/warp/profile-engine/logging"
	"github.com/warp/profile-engine/seed"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp builds the component graph for one command and closes it afterwards.
func withApp(fn func(cmd *cobra.Command, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a, err := app.New(cfg, logging.New(cmd.ErrOrStderr(), cfg.ServiceName, cfg.LogLevel))
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "profilectl",
		Short:        "Operate the profile allocation service",
		SilenceUsage: true,
	}
	root.AddCommand(newMigrateCmd(), newSeedCmd(), newSweepCmd(), newRatesCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App) error {
			fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", a.Config.DatabaseDriver)
			return nil
		}),
	}
}

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import a YAML catalog of platforms, accounts and offers",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App) error {
			cat, err := seed.ParseFile(file)
			if err != nil {
				return err
			}
			sum, err := a.Importer.Import(cmd.Context(), cat)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"imported %d platforms, %d accounts, %d slots, %d offers, %d platform offers\n",
				sum.Platforms, sum.Accounts, sum.Slots, sum.Offers, sum.PlatformOffers)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog YAML file")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one lifecycle sweep",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App) error {
			run, err := a.Lifecycle.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"run %s: activated=%d contact_flagged=%d expired=%d failed=%d\n",
				run.ID, run.Activated, run.ContactFlagged, run.Expired, run.Failed)
			return nil
		}),
	}
}

func newRatesCmd() *cobra.Command {
	rates := &cobra.Command{
		Use:   "rates",
		Short: "Currency rate operations",
	}
	rates.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Fetch and store currency rates once",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App) error {
			n, err := a.Rates.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d rates against %s\n", n, a.Config.RatesBase)
			return nil
		}),
	})
	return rates
}
