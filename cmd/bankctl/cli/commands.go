package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	"github.com/odyssey-erp/bankrecon/internal/banking/ingest"
	"github.com/odyssey-erp/bankrecon/jobs"
)

func newMigrateCommand(load Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the banking schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, load, func(ctx context.Context, svc *Services) error {
				if err := svc.Migrator.Migrate(ctx); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
				return nil
			})
		},
	}
}

func newImportCommand(load Loader) *cobra.Command {
	var (
		accountID   string
		iban        string
		accountName string
		orgID       string
	)

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a CSV, MT940 or CAMT.053 statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if accountID == "" && iban == "" {
				return errors.New("one of --account-id or --iban is required")
			}
			org, err := parseOptionalUUID(orgID, "--org")
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading statement: %w", err)
			}
			return withServices(cmd, load, func(ctx context.Context, svc *Services) error {
				var id uuid.UUID
				if accountID != "" {
					if id, err = uuid.Parse(accountID); err != nil {
						return fmt.Errorf("--account-id: %w", err)
					}
				} else if id, err = svc.Importer.EnsureBankAccount(ctx, ingest.EnsureAccountParams{
					Name:           accountName,
					IBAN:           iban,
					OrganizationID: org,
				}); err != nil {
					return err
				}
				res, err := svc.Importer.ImportFile(ctx, id, org, data, filepath.Base(args[0]))
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"account_id": id, "result": res})
			})
		},
	}

	cmd.Flags().StringVar(&accountID, "account-id", "", "target bank account id")
	cmd.Flags().StringVar(&iban, "iban", "", "own IBAN; the account is created when missing")
	cmd.Flags().StringVar(&accountName, "account-name", "", "display name for a newly created account")
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.MarkFlagsMutuallyExclusive("account-id", "iban")

	return cmd
}

func newSyncCommand(load Loader) *cobra.Command {
	var queue bool

	cmd := &cobra.Command{
		Use:   "sync [CONNECTION_ID]",
		Short: "Sync one bank connection, or every connected one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id uuid.UUID
			if len(args) == 1 {
				parsed, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("connection id: %w", err)
				}
				id = parsed
			}
			return withServices(cmd, load, func(ctx context.Context, svc *Services) error {
				out := cmd.OutOrStdout()
				if queue {
					name, arg := jobs.TaskBankSyncAll, ""
					if id != uuid.Nil {
						name, arg = jobs.TaskBankSyncConnection, id.String()
					}
					info, err := svc.Jobs.Trigger(ctx, name, arg)
					if err != nil {
						return err
					}
					return writeJSON(out, map[string]any{"enqueued": info.ID, "type": name})
				}
				if id != uuid.Nil {
					res, err := svc.Syncer.SyncConnection(ctx, id)
					if err != nil {
						return err
					}
					return writeJSON(out, res)
				}
				results, err := svc.Syncer.SyncAll(ctx)
				if err != nil {
					return err
				}
				return writeJSON(out, map[string]any{"results": results})
			})
		},
	}

	cmd.Flags().BoolVar(&queue, "queue", false, "enqueue on the worker instead of running in-process")

	return cmd
}

func newSuggestCommand(load Loader) *cobra.Command {
	var (
		transactionID string
		limit         int
		queue         bool
	)

	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Score new transactions, or a single one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return errors.New("--limit must not be negative")
			}
			return withServices(cmd, load, func(ctx context.Context, svc *Services) error {
				out := cmd.OutOrStdout()
				if transactionID != "" {
					id, err := uuid.Parse(transactionID)
					if err != nil {
						return fmt.Errorf("--transaction: %w", err)
					}
					s, err := svc.Suggester.RunForTransaction(ctx, id)
					if err != nil {
						return err
					}
					return writeJSON(out, map[string]any{
						"transaction_id": s.TransactionID,
						"type":           s.Type,
						"confidence":     s.Confidence,
						"invoice_ids":    s.InvoiceIDs,
						"reasons":        s.Reasons,
					})
				}
				if queue {
					info, err := svc.Jobs.Trigger(ctx, jobs.TaskBankSuggestBatch, fmt.Sprint(limit))
					if err != nil {
						return err
					}
					return writeJSON(out, map[string]any{"enqueued": info.ID, "type": jobs.TaskBankSuggestBatch})
				}
				res, err := svc.Suggester.RunBatch(ctx, limit)
				if err != nil {
					return err
				}
				return writeJSON(out, map[string]any{"processed": res.Processed, "failed": res.Failed, "items": res.Items})
			})
		},
	}

	cmd.Flags().StringVar(&transactionID, "transaction", "", "score only this transaction")
	cmd.Flags().IntVar(&limit, "limit", banking.DefaultSuggestionBatch, "batch size")
	cmd.Flags().BoolVar(&queue, "queue", false, "enqueue on the worker instead of running in-process")

	return cmd
}

func newMTLSCheckCommand(load Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "mtls-check",
		Short: "Verify the client certificate against the bank API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, load, func(ctx context.Context, svc *Services) error {
				res := svc.MTLS.CheckMTLS(ctx)
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.OK {
					return fmt.Errorf("mtls check failed: %s", res.Message)
				}
				return nil
			})
		},
	}
}

func newJobsCommand(load Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger background jobs",
	}

	var size int
	scheduled := &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled tasks on the default queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, load, func(ctx context.Context, svc *Services) error {
				tasks, err := svc.Jobs.ListScheduled(ctx, size)
				if err != nil {
					return err
				}
				rows := make([]map[string]any, 0, len(tasks))
				for _, t := range tasks {
					rows = append(rows, map[string]any{"id": t.ID, "type": t.Type, "next_process_at": t.NextProcessAt})
				}
				return writeJSON(cmd.OutOrStdout(), rows)
			})
		},
	}
	scheduled.Flags().IntVar(&size, "size", 10, "page size")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show default queue statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withServices(cmd, load, func(ctx context.Context, svc *Services) error {
					stats, err := svc.Jobs.InspectQueue(ctx)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), stats)
				})
			},
		},
		scheduled,
		&cobra.Command{
			Use:   "trigger TASK_TYPE [ARG]",
			Short: "Enqueue bank:sync_all, bank:sync_connection ID or bank:suggest_batch [LIMIT]",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				arg := ""
				if len(args) == 2 {
					arg = args[1]
				}
				return withServices(cmd, load, func(ctx context.Context, svc *Services) error {
					info, err := svc.Jobs.Trigger(ctx, args[0], arg)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), map[string]any{"enqueued": info.ID, "type": args[0]})
				})
			},
		},
	)

	return cmd
}

func parseOptionalUUID(raw, flag string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", flag, err)
	}
	return &id, nil
}
