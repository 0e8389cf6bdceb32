// Package main provides the oxbow admin binary: schema migration, partition
// rebalancing, event republication and activity recovery against a running
// deployment's store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/oxbowhq/oxbow/config"
	"github.com/oxbowhq/oxbow/partition"
	"github.com/oxbowhq/oxbow/storage"
)

const appName = "oxbow"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath   string
		workflowType string
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Administer an oxbow workflow runtime",
		Long: `Oxbow is a durable workflow runtime built on an event-sourced log.

This binary is the operational surface: it applies schema migrations,
rebalances partitions, re-emits published events and resets failed
activities. The workflow processes themselves are built as applications
on the oxbow packages.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVarP(&workflowType, "type", "t", "", "Workflow type to operate on")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	loadConfig := func() (*config.Config, *slog.Logger, error) {
		logger := newLogger(logLevel)
		if workflowType == "" {
			return nil, nil, fmt.Errorf("--type is required")
		}
		cfg, err := config.LoadFromFile(configPath, workflowType)
		if err != nil {
			return nil, nil, err
		}
		return cfg, logger, nil
	}

	cmd.AddCommand(migrateCmd(loadConfig))
	cmd.AddCommand(rebalanceCmd(loadConfig))
	cmd.AddCommand(republishCmd(loadConfig))
	cmd.AddCommand(retryCmd(loadConfig))
	cmd.AddCommand(statusCmd(loadConfig))
	return cmd
}

type configLoader func() (*config.Config, *slog.Logger, error)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return pool, nil
}

func migrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := storage.Migrate(pool); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func rebalanceCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "rebalance <old-partitions> <new-partitions>",
		Short: "Move a workflow type to a new partition count",
		Long: `Rebalance freezes a target offset, waits for every current partition
to reach it, then seeds the new partition layout at that offset. Runners
observe the operation and park their readers at the target; restart them
with the new partition settings once the command completes.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			oldTotal, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("old partition count: %w", err)
			}
			newTotal, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("new partition count: %w", err)
			}

			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			store := storage.NewPostgresStoreFromPool(pool)

			coord := partition.NewCoordinator(store, cfg.WorkflowType, partition.WithLogger(logger))
			if err := coord.Rebalance(ctx, oldTotal, newTotal); err != nil {
				return err
			}
			logger.Info("rebalance finished",
				"workflow_type", cfg.WorkflowType, "partitions", newTotal)
			return nil
		},
	}
}

func republishCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "republish <workflow-id> <from-version> <to-version>",
		Short: "Re-emit a range of published events",
		Long: `Republish clears the published flag on the given version range so the
outbox re-emits the rows on its next poll. Broker-side deduplication only
spans a short window, so consumers should be prepared to see the events
again.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID := args[0]
			from, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("from version: %w", err)
			}
			to, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("to version: %w", err)
			}

			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			store := storage.NewPostgresStoreFromPool(pool)

			n, err := store.MarkUnpublished(ctx, workflowID, from, to)
			if err != nil {
				return fmt.Errorf("marking events unpublished: %w", err)
			}
			logger.Info("events queued for republication",
				"workflow_id", workflowID, "rows", n)
			return nil
		},
	}
}

func retryCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <workflow-id> <event-version>",
		Short: "Reset a failed activity so the executor retries it",
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID := args[0]
			version, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("event version: %w", err)
			}

			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			store := storage.NewPostgresStoreFromPool(pool)

			if err := store.ResetActivity(ctx, workflowID, version); err != nil {
				return fmt.Errorf("resetting activity: %w", err)
			}
			logger.Info("activity reset, a running executor will pick it up",
				"workflow_id", workflowID, "event_version", version)
			return nil
		},
	}
}

func statusCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show reader offsets and any scaling operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			store := storage.NewPostgresStoreFromPool(pool)

			seq, err := store.MaxGlobalSeq(ctx)
			if err != nil {
				return fmt.Errorf("reading log head: %w", err)
			}
			fmt.Printf("workflow type: %s\nlog head:      %d\n", cfg.WorkflowType, seq)

			offsets, err := store.ListOffsets(ctx, cfg.WorkflowType+"_")
			if err != nil {
				return fmt.Errorf("listing offsets: %w", err)
			}
			if len(offsets) == 0 {
				fmt.Println("readers:       none")
			}
			for _, rec := range offsets {
				fmt.Printf("reader %-40s offset %d (lag %d)\n", rec.ReaderName, rec.Offset, seq-rec.Offset)
			}

			op, err := store.GetScalingOperation(ctx, cfg.WorkflowType)
			if err == nil && op != nil {
				fmt.Printf("scaling:       %s, target seq %d\n", op.Status, op.TargetSeq)
			} else {
				fmt.Println("scaling:       idle")
			}
			return nil
		},
	}
}
