package cohort_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/wa-interviewer/internal/cohort"
	"github.com/spigell/wa-interviewer/internal/metrics"
	"github.com/spigell/wa-interviewer/internal/store"
)

type fallbackCounter struct {
	metrics.Nop
	fallbacks map[string]int
}

func (f *fallbackCounter) CohortFallback(tenantID string) {
	f.fallbacks[tenantID]++
}

func newStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	phones := []string{"5511987650001", "5511987650002", "5511987650003", "5511987650004", "5511987650005"}
	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	for i, id := range ids {
		tag := "vendas"
		if i == 4 {
			tag = "suporte"
		}
		require.NoError(t, s.UpsertCandidate(ctx, store.Candidate{TenantID: "acme", ID: id, Phone: phones[i], Tag: tag}))
	}
	require.NoError(t, s.UpsertCandidate(ctx, store.Candidate{TenantID: "acme", ID: "loner", Phone: "5511987650099"}))
	require.NoError(t, s.UpsertList(ctx, store.List{TenantID: "acme", ID: "l1", Members: ids}))
	require.NoError(t, s.UpsertJob(ctx, store.Job{TenantID: "acme", ID: "j1"}))

	return s
}

func TestFindPeersThroughSelectionList(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpsertSelection(context.Background(), store.Selection{TenantID: "acme", ID: "s1", JobID: "j1", ListID: "l1"}))

	r := cohort.NewResolver(s, zap.NewNop(), nil)

	// trigger is the third member, not the first
	got, err := r.Resolve(context.Background(), "5511987650003", "acme")
	require.NoError(t, err)
	assert.Equal(t, cohort.SourceSelectionList, got.Source)
	assert.Equal(t, "s1", got.SelectionID)
	assert.Equal(t, []string{"5511987650001", "5511987650002", "5511987650003", "5511987650004", "5511987650005"}, got.Phones)
}

func TestFindPeersThroughSelectionCriteria(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpsertSelection(context.Background(), store.Selection{
		TenantID: "acme", ID: "s1", JobID: "j1", Criteria: store.Criteria{Tag: "vendas"},
	}))

	r := cohort.NewResolver(s, zap.NewNop(), nil)

	phones, err := r.FindPeersInSameList(context.Background(), "5511987650002", "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"5511987650001", "5511987650002", "5511987650003", "5511987650004"}, phones)
}

func TestFindPeersThroughDirectList(t *testing.T) {
	s := newStore(t)
	r := cohort.NewResolver(s, zap.NewNop(), nil)

	got, err := r.Resolve(context.Background(), "5511987650005", "acme")
	require.NoError(t, err)
	assert.Equal(t, cohort.SourceDirectList, got.Source)
	assert.Equal(t, "l1", got.ListID)
	assert.Len(t, got.Phones, 5)
}

func TestFallbackIsLoggedAndCounted(t *testing.T) {
	s := newStore(t)
	core, logs := observer.New(zapcore.WarnLevel)
	counter := &fallbackCounter{fallbacks: map[string]int{}}
	r := cohort.NewResolver(s, zap.New(core), counter)

	for _, trigger := range []string{"5511987650099", "5511900000000"} {
		phones, err := r.FindPeersInSameList(context.Background(), trigger, "acme")
		require.NoError(t, err)
		assert.Equal(t, []string{trigger}, phones)
	}

	assert.Equal(t, 2, counter.fallbacks["acme"])

	entries := logs.FilterField(zap.Bool("cohort_fallback", true)).All()
	require.Len(t, entries, 2)
	assert.Equal(t, "5511987650099", entries[0].ContextMap()["phone"])
}

type brokenDirectory struct {
	cohort.Directory
}

func (brokenDirectory) CandidateByPhone(context.Context, string, string) (*store.Candidate, error) {
	return nil, errors.New("database is locked")
}

func TestLookupErrorsAreReturned(t *testing.T) {
	r := cohort.NewResolver(brokenDirectory{}, zap.NewNop(), nil)

	_, err := r.FindPeersInSameList(context.Background(), "5511987650001", "acme")
	require.Error(t, err)
}

func TestLatestSelectionPrefersNewest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSelection(ctx, store.Selection{TenantID: "acme", ID: "old", JobID: "j1", ListID: "l1", CreatedAt: time.Now().Add(-2 * time.Hour)}))
	require.NoError(t, s.UpsertSelection(ctx, store.Selection{TenantID: "acme", ID: "new", JobID: "j1", ListID: "l1", CreatedAt: time.Now()}))

	r := cohort.NewResolver(s, zap.NewNop(), nil)
	sel, err := r.LatestSelection(ctx, "acme", "c1")
	require.NoError(t, err)
	assert.Equal(t, "new", sel.ID)
}

func TestFindPeersKeepsForeignNumbersIntact(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i, p := range []string{"12125550001", "12125550002", "12125550003"} {
		require.NoError(t, s.UpsertCandidate(ctx, store.Candidate{TenantID: "us", ID: fmt.Sprintf("u%d", i+1), Phone: p}))
	}
	require.NoError(t, s.UpsertList(ctx, store.List{TenantID: "us", ID: "nyc", Members: []string{"u1", "u2", "u3"}}))

	r := cohort.NewResolver(s, zap.NewNop(), nil)
	phones, err := r.FindPeersInSameList(ctx, "12125550002", "us")
	require.NoError(t, err)
	assert.Equal(t, []string{"12125550001", "12125550002", "12125550003"}, phones)
}
