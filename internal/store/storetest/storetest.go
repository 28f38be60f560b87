// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"catalog/ingest/internal/domain"
	"catalog/ingest/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener returns a fresh, empty store; the suite closes it.
type Opener func(t *testing.T) store.Store

func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"UpsertIsIdempotent", testUpsertIsIdempotent},
		{"CommitPageMovesCursor", testCommitPageMovesCursor},
		{"ClaimIsExclusive", testClaimIsExclusive},
		{"ConcurrentClaimsNeverOverlap", testConcurrentClaimsNeverOverlap},
		{"MarkFetched", testMarkFetched},
		{"MarkFailedAccumulatesAttempts", testMarkFailedAccumulatesAttempts},
		{"FetchedExactlyOnce", testFetchedExactlyOnce},
		{"ResetFailedSkipsDead", testResetFailedSkipsDead},
		{"ReleaseClaims", testReleaseClaims},
		{"CursorRoundTrip", testCursorRoundTrip},
		{"CountsAndList", testCountsAndList},
		{"Closed", testClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func catalogItem(slug string) domain.CatalogItem {
	return domain.CatalogItem{
		Slug:  slug,
		Title: "Laptop " + slug,
		URL:   "https://exo.ir/product/" + slug,
		Price: 1000,
	}
}

func seed(t *testing.T, s store.Store, n int) []string {
	t.Helper()
	items := make([]domain.CatalogItem, n)
	ids := make([]string, n)
	for i := range items {
		ids[i] = fmt.Sprintf("laptop-%03d", i)
		items[i] = catalogItem(ids[i])
	}
	created, err := s.CommitPage(context.Background(), 1, items)
	require.NoError(t, err)
	require.Equal(t, n, created)
	return ids
}

func testUpsertIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()

	created, err := s.UpsertCatalogItem(ctx, catalogItem("a"))
	require.NoError(t, err)
	assert.True(t, created)

	claimed, err := s.ClaimNextPending(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, s.MarkFetched(ctx, "a", domain.ItemDetails{Attributes: map[string]string{"ram": "16GB"}}, 1))

	refreshed := catalogItem("a")
	refreshed.Title = "Renamed"
	refreshed.Price = 2000
	created, err = s.UpsertCatalogItem(ctx, refreshed)
	require.NoError(t, err)
	assert.False(t, created)

	item, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", item.Catalog.Title)
	assert.Equal(t, int64(2000), item.Catalog.Price)
	assert.Equal(t, domain.StatusFetched, item.Status)
	assert.Equal(t, "16GB", item.Attributes["ram"])
	assert.Equal(t, 1, item.AttemptCount)

	_, err = s.UpsertCatalogItem(ctx, domain.CatalogItem{URL: "https://exo.ir/x"})
	assert.Error(t, err)
}

func testCommitPageMovesCursor(t *testing.T, s store.Store) {
	ctx := context.Background()

	created, err := s.CommitPage(ctx, 1, []domain.CatalogItem{catalogItem("a"), catalogItem("b")})
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = s.CommitPage(ctx, 2, []domain.CatalogItem{catalogItem("b"), catalogItem("c")})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	cursor, err := s.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cursor)

	created, err = s.CommitPage(ctx, 3, nil)
	require.NoError(t, err)
	assert.Zero(t, created)

	cursor, err = s.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cursor)
}

func testClaimIsExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, 2)

	first, err := s.ClaimNextPending(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, domain.StatusPending, first.Status)

	second, err := s.ClaimNextPending(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)

	none, err := s.ClaimNextPending(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testConcurrentClaimsNeverOverlap(t *testing.T, s store.Store) {
	ctx := context.Background()
	ids := seed(t, s, 60)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := s.ClaimNextPending(ctx, "run-1")
				if !assert.NoError(t, err) || item == nil {
					return
				}
				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, len(ids))
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s claimed %d times", id, n)
	}
}

func testMarkFetched(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, 1)

	item, err := s.ClaimNextPending(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, item.ID, "timeout", 4, false))
	_, err = s.ResetFailed(ctx)
	require.NoError(t, err)

	item, err = s.ClaimNextPending(ctx, "run-2")
	require.NoError(t, err)
	require.NotNil(t, item)

	ram := 16384
	details := domain.ItemDetails{
		Attributes: map[string]string{domain.AttrRAM: "16 گیگابایت", "وزن": "2 کیلوگرم"},
		Derived:    domain.DerivedSpecs{RAMMB: &ram},
	}
	require.NoError(t, s.MarkFetched(ctx, item.ID, details, 1))

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFetched, got.Status)
	assert.Equal(t, details.Attributes, got.Attributes)
	require.NotNil(t, got.Derived.RAMMB)
	assert.Equal(t, 16384, *got.Derived.RAMMB)
	assert.Empty(t, got.LastError)
	assert.Equal(t, 5, got.AttemptCount)
}

func testMarkFailedAccumulatesAttempts(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, 1)

	for run := 1; run <= 2; run++ {
		_, err := s.ResetFailed(ctx)
		require.NoError(t, err)
		item, err := s.ClaimNextPending(ctx, fmt.Sprintf("run-%d", run))
		require.NoError(t, err)
		require.NotNil(t, item)
		require.NoError(t, s.MarkFailed(ctx, item.ID, fmt.Sprintf("503 run %d", run), 4, false))
	}

	items, err := s.List(ctx, domain.StatusFailed)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 8, items[0].AttemptCount)
	assert.Equal(t, "503 run 2", items[0].LastError)
	assert.False(t, items[0].Dead)
}

func testFetchedExactlyOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, 1)

	item, err := s.ClaimNextPending(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, s.MarkFetched(ctx, item.ID, domain.ItemDetails{Attributes: map[string]string{"a": "1"}}, 1))

	err = s.MarkFetched(ctx, item.ID, domain.ItemDetails{Attributes: map[string]string{"a": "2"}}, 1)
	assert.ErrorIs(t, err, store.ErrStateConflict)
	err = s.MarkFailed(ctx, item.ID, "late failure", 1, false)
	assert.ErrorIs(t, err, store.ErrStateConflict)

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", got.Attributes["a"])
	assert.Equal(t, domain.StatusFetched, got.Status)

	err = s.MarkFetched(ctx, "missing", domain.ItemDetails{}, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testResetFailedSkipsDead(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, 3)

	for i := 0; i < 3; i++ {
		item, err := s.ClaimNextPending(ctx, "run-1")
		require.NoError(t, err)
		switch i {
		case 0:
			require.NoError(t, s.MarkFetched(ctx, item.ID, domain.ItemDetails{}, 1))
		case 1:
			require.NoError(t, s.MarkFailed(ctx, item.ID, "503", 4, false))
		case 2:
			require.NoError(t, s.MarkFailed(ctx, item.ID, "404", 1, true))
		}
	}

	n, err := s.ResetFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 1, counts.Fetched)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, counts.Dead)

	pending, err := s.List(ctx, domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 4, pending[0].AttemptCount)
	assert.Equal(t, "503", pending[0].LastError)

	item, err := s.ClaimNextPending(ctx, "run-2")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, pending[0].ID, item.ID)
}

func testReleaseClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, 2)

	_, err := s.ClaimNextPending(ctx, "crashed-run")
	require.NoError(t, err)
	_, err = s.ClaimNextPending(ctx, "crashed-run")
	require.NoError(t, err)

	none, err := s.ClaimNextPending(ctx, "next-run")
	require.NoError(t, err)
	assert.Nil(t, none)

	n, err := s.ReleaseClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending)

	item, err := s.ClaimNextPending(ctx, "next-run")
	require.NoError(t, err)
	assert.NotNil(t, item)
}

func testCursorRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()

	page, err := s.GetCursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, page)

	require.NoError(t, s.SetCursor(ctx, 4))
	page, err = s.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, page)

	require.NoError(t, s.SetCursor(ctx, 0))
	page, err = s.GetCursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, page)
}

func testCountsAndList(t *testing.T, s store.Store) {
	ctx := context.Background()
	ids := seed(t, s, 5)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCounts{Pending: 5, Cursor: 1}, counts)
	assert.Equal(t, 5, counts.Total())

	pending, err := s.List(ctx, domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 5)
	assert.ElementsMatch(t, ids, []string{pending[0].ID, pending[1].ID, pending[2].ID, pending[3].ID, pending[4].ID})

	fetched, err := s.List(ctx, domain.StatusFetched)
	require.NoError(t, err)
	assert.Empty(t, fetched)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testClosed(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Close())

	_, err := s.ClaimNextPending(ctx, "run-1")
	assert.ErrorIs(t, err, store.ErrClosed)
	err = s.MarkFailed(ctx, "a", "x", 1, false)
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.CommitPage(ctx, 1, nil)
	assert.ErrorIs(t, err, store.ErrClosed)
}
