package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"conductor/internal/config"
	"conductor/internal/constants"
	"conductor/internal/dlq"
	"conductor/internal/logger"
	"conductor/pkg/bootstrap"
	"conductor/pkg/migrations"
)

const commandTimeout = 30 * time.Second

func openPostgres(ctx context.Context, cfg *config.Config, log logger.Logger) (*sql.DB, error) {
	db, err := bootstrap.NewDatabaseConnector(cfg, log).InitPostgreSQL(ctx)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, errors.New("database.postgres.host is not configured")
	}
	return db, nil
}

func migrateCmd() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "migrate [up|down|version]",
		Short: "Apply or roll back the PostgreSQL schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			db, err := openPostgres(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}

			switch direction {
			case "up":
				if err := migrations.RunPostgres(db); err != nil {
					return err
				}
			case "down":
				if err := migrations.RollbackPostgres(db, steps); err != nil {
					return err
				}
			case "version":
			default:
				return fmt.Errorf("unknown migrate direction %q", direction)
			}

			version, dirty, err := migrations.PostgresVersion(db)
			if err != nil {
				return err
			}
			log.Infow("Schema version", "version", version, "dirty", dirty)
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}

// newCLIQueue builds a DLQ queue over the configured store with the broker router
// as redeliverer, so manual retries take the same path as scheduled ones.
func newCLIQueue(ctx context.Context, cfg *config.Config, log logger.Logger) (*dlq.Queue, func(), error) {
	base := bootstrap.NewBase(cfg, log)
	if err := base.InitBroker("conductor-cli"); err != nil {
		return nil, nil, err
	}

	if cfg.DLQ.Store != constants.StorePostgres {
		base.ShutdownBroker()
		return nil, nil, fmt.Errorf("dlq commands need dlq.store=postgres, got %q", cfg.DLQ.Store)
	}
	db, err := openPostgres(ctx, cfg, log)
	if err != nil {
		base.ShutdownBroker()
		return nil, nil, err
	}

	q := dlq.NewQueue(dlq.NewPostgresRepository(db), dlq.NewRouter(base.Producer, cfg.DLQ.Topics), cfg.DLQ, log)
	closeFn := func() {
		base.ShutdownBroker()
		db.Close()
	}
	return q, closeFn, nil
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and redrive dead letters",
	}
	cmd.AddCommand(dlqListCmd(), dlqRetryCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	var (
		status    string
		eventType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			q, closeFn, err := newCLIQueue(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeFn()

			entries, err := q.List(ctx, dlq.ListFilter{Status: dlq.Status(status), EventType: eventType, Limit: limit})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEVENT TYPE\tSTATUS\tATTEMPTS\tNEXT RETRY\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID, e.EventType, e.Status, e.Attempts, e.NextRetryAt.Format(time.RFC3339), e.FailureReason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&eventType, "event-type", "", "Filter by event type")
	cmd.Flags().IntVar(&limit, "limit", constants.DefaultLimit, "Maximum entries")
	return cmd
}

func dlqRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <entry-id>",
		Short: "Redeliver one dead letter now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			q, closeFn, err := newCLIQueue(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeFn()

			outcome, err := q.Retry(ctx, args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(outcome); err != nil {
				return err
			}
			if !outcome.Success {
				return fmt.Errorf("redelivery of %s failed: %s", outcome.EntryID, outcome.Error)
			}
			return nil
		},
	}
}
