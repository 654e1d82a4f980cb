// cmd/mlmctl/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mlmledger/internal/config"
	"mlmledger/internal/hierarchy"
	"mlmledger/internal/jobs"
	"mlmledger/internal/logging"
	"mlmledger/internal/reconcile"
	"mlmledger/internal/store/postgres"
)

// errUnhealthy makes the process exit non-zero without printing a second message.
var errUnhealthy = errors.New("ledger reconciliation found violations")

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *postgres.Store
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errUnhealthy) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "mlmctl",
		Short:         "Maintenance commands for the referral ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}
	root.AddCommand(
		newMigrateCmd(a),
		newRebuildCmd(a),
		newReconcileCmd(a),
		newJournalCmd(a),
	)
	return root
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	store, err := postgres.Open(ctx, cfg.DatabaseURL, logger, cfg.MLM)
	if err != nil {
		return err
	}
	a.cfg, a.logger, a.store = cfg, logger, store
	return nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) engine() *reconcile.Engine {
	e := reconcile.NewEngine(a.logger, nil)
	e.Register(a.store.ReconcileChecks()...)
	return e
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newRebuildCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "rebuild-paths",
		Short: "Recompute every member's hierarchy path from upline links",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc := hierarchy.NewService(a.store, a.logger, a.cfg.ReferralBaseURL)
			var reconciler jobs.Reconciler
			if check {
				reconciler = a.engine()
			}
			report, err := jobs.NewMaintenance(svc, reconciler, nil, a.logger).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if report != nil {
				reconcile.Print(cmd.OutOrStdout(), report)
				if !report.Healthy {
					return errUnhealthy
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "reconcile", false, "run ledger reconciliation after the rebuild")
	return cmd
}

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check wallet and hierarchy invariants against the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report := a.engine().Run(cmd.Context())
			reconcile.Print(cmd.OutOrStdout(), report)
			if !report.Healthy {
				return errUnhealthy
			}
			return nil
		},
	}
}

func newJournalCmd(a *app) *cobra.Command {
	var (
		from  int64
		batch int
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print ledger journal entries as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if batch < 1 {
				return fmt.Errorf("batch must be positive, got %d", batch)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				entries, err := a.store.Journal().Stream(cmd.Context(), from, batch)
				if err != nil {
					return err
				}
				for _, e := range entries {
					if err := enc.Encode(e); err != nil {
						return err
					}
					from = e.ID
				}
				if len(entries) < batch {
					return nil
				}
			}
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "print entries with an id greater than this")
	cmd.Flags().IntVar(&batch, "batch", 500, "entries fetched per query")
	return cmd
}
