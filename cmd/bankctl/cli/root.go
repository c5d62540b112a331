// Package cli implements the bankctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	"github.com/odyssey-erp/bankrecon/internal/banking/banksync"
	"github.com/odyssey-erp/bankrecon/internal/banking/ingest"
	"github.com/odyssey-erp/bankrecon/internal/banking/psd2"
)

// Migrator applies the database schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Importer provisions accounts and imports statement files.
type Importer interface {
	EnsureBankAccount(ctx context.Context, params ingest.EnsureAccountParams) (uuid.UUID, error)
	ImportFile(ctx context.Context, accountID uuid.UUID, orgID *uuid.UUID, data []byte, filename string) (ingest.FileResult, error)
}

// Syncer runs bank API syncs in-process.
type Syncer interface {
	SyncConnection(ctx context.Context, connectionID uuid.UUID) (banksync.Result, error)
	SyncAll(ctx context.Context) ([]banksync.Result, error)
}

// Suggester runs the suggestion engine in-process.
type Suggester interface {
	RunForTransaction(ctx context.Context, id uuid.UUID) (banking.Suggestion, error)
	RunBatch(ctx context.Context, limit int) (banking.BatchResult, error)
}

// MTLSChecker checks the bank API with the client certificate.
type MTLSChecker interface {
	CheckMTLS(ctx context.Context) psd2.MTLSResult
}

// Services is what the commands operate on. Close releases whatever the
// loader opened.
type Services struct {
	Migrator  Migrator
	Importer  Importer
	Syncer    Syncer
	Suggester Suggester
	MTLS      MTLSChecker
	Jobs      *JobsCLI
	Close     func() error
}

// Loader connects to the backing services on demand so --help and flag
// errors never touch the network.
type Loader func(ctx context.Context) (*Services, error)

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand(load Loader) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bankctl",
		Short: "Operate bank statement ingestion, sync and reconciliation suggestions",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newMigrateCommand(load),
		newImportCommand(load),
		newSyncCommand(load),
		newSuggestCommand(load),
		newMTLSCheckCommand(load),
		newJobsCommand(load),
	)

	return rootCmd
}

// withServices loads the services, runs fn and always closes them.
func withServices(cmd *cobra.Command, load Loader, fn func(context.Context, *Services) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := load(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if svc.Close == nil {
			return
		}
		if closeErr := svc.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(ctx, svc)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
