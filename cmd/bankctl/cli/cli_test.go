package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	"github.com/odyssey-erp/bankrecon/internal/banking/banksync"
	"github.com/odyssey-erp/bankrecon/internal/banking/ingest"
	"github.com/odyssey-erp/bankrecon/internal/banking/psd2"
	"github.com/odyssey-erp/bankrecon/jobs"
)

type stubMigrator struct{ calls int }

func (m *stubMigrator) Migrate(context.Context) error {
	m.calls++
	return nil
}

type stubImporter struct {
	ensured   []ingest.EnsureAccountParams
	accountID uuid.UUID
	imported  uuid.UUID
	filename  string
	data      []byte
}

func (s *stubImporter) EnsureBankAccount(_ context.Context, p ingest.EnsureAccountParams) (uuid.UUID, error) {
	s.ensured = append(s.ensured, p)
	return s.accountID, nil
}

func (s *stubImporter) ImportFile(_ context.Context, accountID uuid.UUID, _ *uuid.UUID, data []byte, filename string) (ingest.FileResult, error) {
	s.imported = accountID
	s.filename = filename
	s.data = data
	return ingest.FileResult{Result: ingest.Result{Inserted: 2, Skipped: 1}, Parsed: 3}, nil
}

type stubSyncer struct {
	connection uuid.UUID
	all        int
}

func (s *stubSyncer) SyncConnection(_ context.Context, id uuid.UUID) (banksync.Result, error) {
	s.connection = id
	return banksync.Result{ConnectionID: id, NewTransactions: 4}, nil
}

func (s *stubSyncer) SyncAll(context.Context) ([]banksync.Result, error) {
	s.all++
	return []banksync.Result{}, nil
}

type stubSuggester struct{ limit int }

func (s *stubSuggester) RunForTransaction(_ context.Context, id uuid.UUID) (banking.Suggestion, error) {
	return banking.Suggestion{TransactionID: id, Type: banking.SuggestUnknown, Reasons: []string{}}, nil
}

func (s *stubSuggester) RunBatch(_ context.Context, limit int) (banking.BatchResult, error) {
	s.limit = limit
	return banking.BatchResult{Processed: limit}, nil
}

type stubMTLS struct{ res psd2.MTLSResult }

func (s stubMTLS) CheckMTLS(context.Context) psd2.MTLSResult { return s.res }

type recordingEnqueuer struct{ tasks []*asynq.Task }

func (e *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type()}, nil
}

func (e *recordingEnqueuer) Close() error { return nil }

type stubInspector struct{}

func (stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return &asynq.QueueInfo{Queue: queue, Pending: 3, Retry: 1}, nil
}

func (stubInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return []*asynq.TaskInfo{{ID: "cron-1", Type: jobs.TaskBankSyncAll}}, nil
}

func (stubInspector) Close() error { return nil }

type fixture struct {
	migrator  *stubMigrator
	importer  *stubImporter
	syncer    *stubSyncer
	suggester *stubSuggester
	enqueuer  *recordingEnqueuer
	mtls      stubMTLS
	closed    int
}

func newFixture() *fixture {
	return &fixture{
		migrator:  &stubMigrator{},
		importer:  &stubImporter{accountID: uuid.New()},
		syncer:    &stubSyncer{},
		suggester: &stubSuggester{},
		enqueuer:  &recordingEnqueuer{},
		mtls:      stubMTLS{res: psd2.MTLSResult{OK: true, StatusCode: 200, Message: "ok"}},
	}
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	load := func(context.Context) (*Services, error) {
		return &Services{
			Migrator:  f.migrator,
			Importer:  f.importer,
			Syncer:    f.syncer,
			Suggester: f.suggester,
			MTLS:      f.mtls,
			Jobs:      &JobsCLI{client: f.enqueuer, inspector: stubInspector{}},
			Close: func() error {
				f.closed++
				return nil
			},
		}, nil
	}
	cmd := NewRootCommand(load)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateClosesServices(t *testing.T) {
	f := newFixture()
	out, err := f.run(t, "migrate")
	require.NoError(t, err)
	require.Contains(t, out, "schema applied")
	require.Equal(t, 1, f.migrator.calls)
	require.Equal(t, 1, f.closed)
}

func TestImportByIBANProvisionsAccount(t *testing.T) {
	f := newFixture()
	path := filepath.Join(t.TempDir(), "statement.csv")
	require.NoError(t, os.WriteFile(path, []byte("datum,bedrag\n"), 0o600))

	out, err := f.run(t, "import", path, "--iban", "NL91 ABNA 0417 1643 00", "--account-name", "Main")
	require.NoError(t, err)
	require.Len(t, f.importer.ensured, 1)
	require.Equal(t, "Main", f.importer.ensured[0].Name)
	require.Equal(t, f.importer.accountID, f.importer.imported)
	require.Equal(t, "statement.csv", f.importer.filename)
	require.Equal(t, "datum,bedrag\n", string(f.importer.data))

	var body struct {
		Result ingest.FileResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	require.Equal(t, 2, body.Result.Inserted)
	require.Equal(t, 3, body.Result.Parsed)
}

func TestImportRequiresAccount(t *testing.T) {
	f := newFixture()
	path := filepath.Join(t.TempDir(), "statement.sta")
	require.NoError(t, os.WriteFile(path, []byte(":20:X\n"), 0o600))

	_, err := f.run(t, "import", path)
	require.Error(t, err)
	require.Zero(t, f.closed)
}

func TestImportRejectsBothAccountFlags(t *testing.T) {
	f := newFixture()
	_, err := f.run(t, "import", "x.csv", "--account-id", uuid.NewString(), "--iban", "NL91ABNA0417164300")
	require.Error(t, err)
}

func TestSyncConnectionInProcess(t *testing.T) {
	f := newFixture()
	id := uuid.New()
	out, err := f.run(t, "sync", id.String())
	require.NoError(t, err)
	require.Equal(t, id, f.syncer.connection)

	var res banksync.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, 4, res.NewTransactions)
}

func TestSyncAllQueued(t *testing.T) {
	f := newFixture()
	_, err := f.run(t, "sync", "--queue")
	require.NoError(t, err)
	require.Zero(t, f.syncer.all)
	require.Len(t, f.enqueuer.tasks, 1)
	require.Equal(t, jobs.TaskBankSyncAll, f.enqueuer.tasks[0].Type())
}

func TestSyncRejectsBadConnectionID(t *testing.T) {
	f := newFixture()
	_, err := f.run(t, "sync", "nope")
	require.Error(t, err)
	require.Zero(t, f.closed)
}

func TestSuggestBatchUsesLimit(t *testing.T) {
	f := newFixture()
	_, err := f.run(t, "suggest", "--limit", "25")
	require.NoError(t, err)
	require.Equal(t, 25, f.suggester.limit)
}

func TestSuggestSingleTransaction(t *testing.T) {
	f := newFixture()
	id := uuid.New()
	out, err := f.run(t, "suggest", "--transaction", id.String())
	require.NoError(t, err)
	require.Contains(t, out, id.String())
	require.Contains(t, out, string(banking.SuggestUnknown))
}

func TestMTLSCheckFailureExitsNonZero(t *testing.T) {
	f := newFixture()
	f.mtls = stubMTLS{res: psd2.MTLSResult{OK: false, Message: "handshake failed"}}
	out, err := f.run(t, "mtls-check")
	require.Error(t, err)
	require.Contains(t, out, "handshake failed")
}

func TestJobsTriggerAndStats(t *testing.T) {
	f := newFixture()
	id := uuid.New()
	_, err := f.run(t, "jobs", "trigger", jobs.TaskBankSyncConnection, id.String())
	require.NoError(t, err)
	require.Len(t, f.enqueuer.tasks, 1)

	var payload jobs.SyncConnectionPayload
	require.NoError(t, json.Unmarshal(f.enqueuer.tasks[0].Payload(), &payload))
	require.Equal(t, id.String(), payload.ConnectionID)

	out, err := f.run(t, "jobs", "stats")
	require.NoError(t, err)
	var stats QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, 3, stats.Pending)
	require.Equal(t, 1, stats.Retry)

	out, err = f.run(t, "jobs", "scheduled")
	require.NoError(t, err)
	require.Contains(t, out, "cron-1")
}

func TestJobsTriggerUnknownTask(t *testing.T) {
	f := newFixture()
	_, err := f.run(t, "jobs", "trigger", "bank:unknown")
	require.Error(t, err)
	require.Empty(t, f.enqueuer.tasks)
}

func TestLoaderErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	cmd := NewRootCommand(func(context.Context) (*Services, error) { return nil, boom })
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"migrate"})
	require.ErrorIs(t, cmd.Execute(), boom)
}
