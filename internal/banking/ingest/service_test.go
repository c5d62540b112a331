package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bankrecon/internal/banking"
	jobmetrics "github.com/odyssey-erp/bankrecon/internal/jobs"
)

type memoryRepo struct {
	mu        sync.Mutex
	accounts  map[uuid.UUID]banking.BankAccount
	txs       map[string]banking.Transaction
	failHash  string
	createDup bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{accounts: map[uuid.UUID]banking.BankAccount{}, txs: map[string]banking.Transaction{}}
}

func (m *memoryRepo) FindAccountByProvider(_ context.Context, connectionID uuid.UUID, providerAccountID string) (*banking.BankAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.ConnectionID != nil && *acc.ConnectionID == connectionID && acc.ProviderAccountID == providerAccountID {
			acc := acc
			return &acc, nil
		}
	}
	return nil, banking.ErrNotFound
}

func (m *memoryRepo) FindAccountByIBAN(_ context.Context, iban string) (*banking.BankAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.IBAN == iban {
			acc := acc
			return &acc, nil
		}
	}
	return nil, banking.ErrNotFound
}

func (m *memoryRepo) CreateAccount(_ context.Context, account banking.BankAccount) (*banking.BankAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createDup {
		// Simulate a concurrent writer that inserted the same account first.
		m.createDup = false
		m.accounts[account.ID] = account
		return nil, banking.ErrDuplicate
	}
	for _, acc := range m.accounts {
		if acc.IBAN == account.IBAN {
			return nil, banking.ErrDuplicate
		}
	}
	m.accounts[account.ID] = account
	return &account, nil
}

func (m *memoryRepo) LinkAccount(_ context.Context, link AccountLink) (*banking.BankAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[link.AccountID]
	if !ok {
		return nil, banking.ErrNotFound
	}
	conn := link.ConnectionID
	acc.ConnectionID = &conn
	acc.Provider = link.Provider
	acc.ProviderAccountID = link.ProviderAccountID
	if acc.OrganizationID == nil {
		acc.OrganizationID = link.OrganizationID
	}
	m.accounts[acc.ID] = acc
	return &acc, nil
}

func (m *memoryRepo) InsertTransaction(_ context.Context, tx banking.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.ReferenceHash == m.failHash {
		return errors.New("connection reset")
	}
	if _, ok := m.txs[tx.ReferenceHash]; ok {
		return banking.ErrDuplicate
	}
	m.txs[tx.ReferenceHash] = tx
	return nil
}

type countingDispatcher struct {
	mu    sync.Mutex
	calls []int
}

func (d *countingDispatcher) DispatchSuggestions(_ context.Context, limit int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, limit)
	return nil
}

func newTestService(repo *memoryRepo, dispatcher banking.SuggestionDispatcher) *Service {
	svc := NewService(repo, dispatcher, jobmetrics.NewMetrics(prometheus.NewRegistry()), nil)
	svc.WithClock(func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) })
	return svc
}

func sampleRows() []banking.Row {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return []banking.Row{
		{BookedAt: base, AmountMinor: 12550, Direction: banking.DirectionOut, CounterpartyName: "Acme BV", CounterpartyIBAN: "NL91ABNA0417164300", Description: "Invoice 1042"},
		{BookedAt: base.AddDate(0, 0, 1), AmountMinor: 5000, Direction: banking.DirectionIn, CounterpartyName: "Client", Description: "GS-2024-0012"},
		{BookedAt: base.AddDate(0, 0, 2), AmountMinor: 99, Direction: banking.DirectionOut, Description: "fee", EndToEndID: "E2E-9"},
	}
}

func TestImportTransactionsIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	account := uuid.New()

	first := svc.ImportTransactions(context.Background(), account, nil, sampleRows())
	require.Equal(t, 3, first.Inserted)
	require.Zero(t, first.Skipped)
	require.Empty(t, first.Errors)

	second := svc.ImportTransactions(context.Background(), account, nil, sampleRows())
	require.Zero(t, second.Inserted)
	require.Equal(t, 3, second.Skipped)
	require.Len(t, repo.txs, 3)

	for _, tx := range repo.txs {
		require.Equal(t, banking.TransactionNew, tx.Status)
		require.Equal(t, banking.DefaultCurrency, tx.Currency)
	}
}

func TestImportTransactionsCollectsRowErrors(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	account := uuid.New()
	rows := sampleRows()
	repo.failHash = BuildTransaction(account, nil, rows[1]).ReferenceHash

	res := svc.ImportTransactions(context.Background(), account, nil, rows)
	require.Equal(t, 2, res.Inserted)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "connection reset")
}

func TestReferenceHashIsPure(t *testing.T) {
	account := uuid.New()
	in := HashInput{
		AccountID:        account,
		BookedAt:         time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600)),
		AmountMinor:      12550,
		CounterpartyIBAN: "NL91ABNA0417164300",
		Description:      "Invoice 1042",
	}
	require.Equal(t, ReferenceHash(in), ReferenceHash(in))
	require.Len(t, ReferenceHash(in), 64)

	utc := in
	utc.BookedAt = in.BookedAt.UTC()
	require.Equal(t, ReferenceHash(in), ReferenceHash(utc))

	other := in
	other.AmountMinor++
	require.NotEqual(t, ReferenceHash(in), ReferenceHash(other))

	other = in
	other.AccountID = uuid.New()
	require.NotEqual(t, ReferenceHash(in), ReferenceHash(other))
}

func TestReferenceHashTruncatesDescription(t *testing.T) {
	long := make([]rune, 250)
	for i := range long {
		long[i] = 'é'
	}
	in := HashInput{AccountID: uuid.New(), BookedAt: time.Unix(0, 0), Description: string(long)}
	cut := in
	cut.Description = string(long[:200])
	require.Equal(t, ReferenceHash(in), ReferenceHash(cut))
}

func TestImportFileEndToEnd(t *testing.T) {
	repo := newMemoryRepo()
	dispatcher := &countingDispatcher{}
	svc := newTestService(repo, dispatcher)
	data := "Date;Name;IBAN;Amount;Description\n" +
		"01-03-2024;Acme BV;NL91ABNA0417164300;-125,50;Invoice 1042\n" +
		"02-03-2024;Client;;450,00;GS-2024-0012\n" +
		"03-03-2024;Nobody;;0,00;zero\n" +
		"04-03-2024;Bank;;-1,25;fee\n"

	res, err := svc.ImportFile(context.Background(), uuid.New(), nil, []byte(data), "export.csv")
	require.NoError(t, err)
	require.Equal(t, 3, res.Parsed)
	require.Equal(t, 3, res.Inserted)
	require.Equal(t, []int{banking.DefaultSuggestionBatch}, dispatcher.calls)
}

func TestImportFileWithoutNewRowsSkipsDispatch(t *testing.T) {
	repo := newMemoryRepo()
	dispatcher := &countingDispatcher{}
	svc := newTestService(repo, dispatcher)
	account := uuid.New()
	data := "Date,Amount,Description\n2024-03-01,10.00,one\n"

	_, err := svc.ImportFile(context.Background(), account, nil, []byte(data), "a.csv")
	require.NoError(t, err)
	res, err := svc.ImportFile(context.Background(), account, nil, []byte(data), "a.csv")
	require.NoError(t, err)
	require.Zero(t, res.Inserted)
	require.Equal(t, 1, res.Skipped)
	require.Len(t, dispatcher.calls, 1)
}

func TestEnsureBankAccount(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	id, err := svc.EnsureBankAccount(ctx, EnsureAccountParams{IBAN: "nl91 abna 0417 1643 00"})
	require.NoError(t, err)
	require.Equal(t, "NL91ABNA0417164300", repo.accounts[id].IBAN)
	require.Equal(t, "EUR", repo.accounts[id].Currency)
	require.True(t, repo.accounts[id].IsActive)

	again, err := svc.EnsureBankAccount(ctx, EnsureAccountParams{IBAN: "NL91ABNA0417164300"})
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Len(t, repo.accounts, 1)

	_, err = svc.EnsureBankAccount(ctx, EnsureAccountParams{})
	require.Error(t, err)
}

func TestEnsureBankAccountByProviderRecoversFromRace(t *testing.T) {
	repo := newMemoryRepo()
	repo.createDup = true
	svc := newTestService(repo, nil)
	conn := uuid.New()

	id, err := svc.EnsureBankAccount(context.Background(), EnsureAccountParams{
		IBAN:              "NL02RABO0123456789",
		Provider:          "rabobank",
		ProviderAccountID: "acc-1",
		ConnectionID:      &conn,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)
	require.Len(t, repo.accounts, 1)
}

func TestEnsureBankAccountLinksUploadedAccountToConnection(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	org := uuid.New()

	uploaded, err := svc.EnsureBankAccount(ctx, EnsureAccountParams{IBAN: "NL02 RABO 0123 4567 89", Name: "Zakelijk"})
	require.NoError(t, err)

	conn := uuid.New()
	params := EnsureAccountParams{
		IBAN:              "NL02RABO0123456789",
		Provider:          "rabobank",
		ProviderAccountID: "acc-1",
		ConnectionID:      &conn,
		OrganizationID:    &org,
	}
	linked, err := svc.EnsureBankAccount(ctx, params)
	require.NoError(t, err)
	require.Equal(t, uploaded, linked)
	require.Len(t, repo.accounts, 1)

	acc := repo.accounts[uploaded]
	require.Equal(t, conn, *acc.ConnectionID)
	require.Equal(t, "acc-1", acc.ProviderAccountID)
	require.Equal(t, "rabobank", acc.Provider)
	require.Equal(t, org, *acc.OrganizationID)
	require.Equal(t, "Zakelijk", acc.Name)

	again, err := svc.EnsureBankAccount(ctx, params)
	require.NoError(t, err)
	require.Equal(t, uploaded, again)
}

type countingInvalidator struct{ calls int }

func (c *countingInvalidator) Invalidate(context.Context) error {
	c.calls++
	return nil
}

func TestEnsureBankAccountInvalidatesLookupOnCreate(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	inv := &countingInvalidator{}
	svc.WithInvalidator(inv)
	ctx := context.Background()

	_, err := svc.EnsureBankAccount(ctx, EnsureAccountParams{IBAN: "NL91ABNA0417164300"})
	require.NoError(t, err)
	_, err = svc.EnsureBankAccount(ctx, EnsureAccountParams{IBAN: "NL91ABNA0417164300"})
	require.NoError(t, err)
	require.Equal(t, 1, inv.calls, "only a newly created account changes the own IBAN set")
}
