package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreammarket/go-dreammarket/db"
	"github.com/dreammarket/go-dreammarket/env"
	"github.com/dreammarket/go-dreammarket/server"
	"github.com/dreammarket/go-dreammarket/service/logger"
	"github.com/dreammarket/go-dreammarket/service/persist"
	"github.com/dreammarket/go-dreammarket/service/persist/postgres"
	"github.com/dreammarket/go-dreammarket/service/reconcile"
	sentryutil "github.com/dreammarket/go-dreammarket/service/sentry"
)

func main() {
	defer sentryutil.RecoverAndRaise(nil)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "reconcile",
		Short:        "Operator tools for keeping souls consistent across the ledger, the cache and the registry",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			server.SetDefaults()
			logger.InitWithDefaults(env.GetString("ENV"))
			sentryutil.InitSentry()
		},
	}
	root.AddCommand(newAuditCmd(), newReplayStatsCmd(), newRepairOwnershipCmd(), newLockRarityCmd(), newMigrateCmd())
	return root
}

func newAuditCmd() *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare every minted soul against the indexer and the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, engine *reconcile.Engine) error {
				report, err := engine.Audit(ctx, reconcile.AuditOptions{Repair: repair})
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "run the repair paths for every divergence found")
	return cmd
}

func newReplayStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay-stats SOUL_ID",
		Short: "Push the cached level, xp and reputation of a soul into the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, engine *reconcile.Engine) error {
				res, err := engine.ReplayStats(ctx, persist.DBID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func newRepairOwnershipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair-ownership SOUL_ID",
		Short: "Rewrite the cached owner of a soul from the ledger and mirror it into the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, engine *reconcile.Engine) error {
				res, err := engine.RepairOwnership(ctx, persist.DBID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func newLockRarityCmd() *cobra.Command {
	var unlock bool
	cmd := &cobra.Command{
		Use:   "lock-rarity SOUL_ID RARITY",
		Short: "Pin the rarity of a soul so training cannot lower it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rarity, err := persist.ParseRarity(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, engine *reconcile.Engine) error {
				return engine.SetRarityLock(ctx, persist.DBID(args[0]), rarity, !unlock)
			})
		},
	}
	cmd.Flags().BoolVar(&unlock, "unlock", false, "store the rarity without locking it")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the cache store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := postgres.MustCreateClient()
			defer client.Close()
			if err := db.RunMigrations(client); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.For(cmd.Context()).Info("migrations applied")
			return nil
		},
	}
}

func withEngine(ctx context.Context, f func(context.Context, *reconcile.Engine) error) error {
	env.ValidateEnv()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	clients := server.ClientInit(ctx)
	defer clients.Close()
	return f(ctx, clients.Engine())
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
