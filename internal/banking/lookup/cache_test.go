package lookup

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

type countingSource struct {
	ibans     []string
	byOrg     map[uuid.UUID][]string
	rules     []banking.CounterpartyRule
	ibanCalls int
	ruleCalls int
}

func (s *countingSource) ListOwnIBANs(_ context.Context, orgID *uuid.UUID) ([]string, error) {
	s.ibanCalls++
	if orgID != nil && s.byOrg != nil {
		return s.byOrg[*orgID], nil
	}
	return s.ibans, nil
}

func (s *countingSource) ListCounterpartyRules(context.Context, *uuid.UUID) ([]banking.CounterpartyRule, error) {
	s.ruleCalls++
	return s.rules, nil
}

func newTestLookup(t *testing.T, source Source) (*Lookup, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(source, NewCache(client, time.Minute)), mr
}

func TestOwnIBANsCachedAndNormalized(t *testing.T) {
	source := &countingSource{ibans: []string{"nl91 abna 0417 1643 00", ""}}
	lookup, _ := newTestLookup(t, source)
	ctx := context.Background()

	first, err := lookup.OwnIBANs(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"NL91ABNA0417164300"}, first)

	second, err := lookup.OwnIBANs(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, source.ibanCalls)
}

func TestInvalidateBumpsVersion(t *testing.T) {
	customer := uuid.New()
	source := &countingSource{rules: []banking.CounterpartyRule{{ID: uuid.New(), MatchType: banking.MatchIBAN, MatchValue: "NL02", DefaultCustomerID: &customer, AutoAccept: true}}}
	lookup, _ := newTestLookup(t, source)
	ctx := context.Background()
	org := uuid.New()

	rules, err := lookup.Rules(ctx, &org)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, customer, *rules[0].DefaultCustomerID)
	_, err = lookup.Rules(ctx, &org)
	require.NoError(t, err)
	require.Equal(t, 1, source.ruleCalls)

	require.NoError(t, lookup.Invalidate(ctx))
	_, err = lookup.Rules(ctx, &org)
	require.NoError(t, err)
	require.Equal(t, 2, source.ruleCalls)
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	source := &countingSource{ibans: []string{"NL91ABNA0417164300"}}
	lookup, mr := newTestLookup(t, source)
	ctx := context.Background()

	_, err := lookup.OwnIBANs(ctx, nil)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	_, err = lookup.OwnIBANs(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 2, source.ibanCalls)
}

func TestNilCachePassesThrough(t *testing.T) {
	source := &countingSource{ibans: []string{"NL91ABNA0417164300"}}
	lookup := New(source, nil)
	for i := 0; i < 2; i++ {
		_, err := lookup.OwnIBANs(context.Background(), nil)
		require.NoError(t, err)
	}
	require.Equal(t, 2, source.ibanCalls)
	require.NoError(t, lookup.Invalidate(context.Background()))
}

func TestOwnIBANsAreCachedPerOrganization(t *testing.T) {
	orgA, orgB := uuid.New(), uuid.New()
	source := &countingSource{byOrg: map[uuid.UUID][]string{
		orgA: {"NL91ABNA0417164300"},
		orgB: {"NL02RABO0123456789"},
	}}
	lookup, _ := newTestLookup(t, source)
	ctx := context.Background()

	a, err := lookup.OwnIBANs(ctx, &orgA)
	require.NoError(t, err)
	require.Equal(t, []string{"NL91ABNA0417164300"}, a)

	b, err := lookup.OwnIBANs(ctx, &orgB)
	require.NoError(t, err)
	require.Equal(t, []string{"NL02RABO0123456789"}, b)

	again, err := lookup.OwnIBANs(ctx, &orgA)
	require.NoError(t, err)
	require.Equal(t, a, again)
	require.Equal(t, 2, source.ibanCalls)
}
