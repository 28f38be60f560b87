package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"catalog/ingest/internal/domain"
	"catalog/ingest/internal/store"
	"catalog/ingest/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) store.Store {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	return s
}

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, openTestSQLite)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "laptops.db")

	s1, err := store.OpenSQLite(path)
	require.NoError(t, err)
	_, err = s1.CommitPage(ctx, 2, []domain.CatalogItem{{Slug: "a", Title: "A", URL: "https://exo.ir/product/a"}})
	require.NoError(t, err)
	item, err := s1.ClaimNextPending(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, s1.Close())

	s2, err := store.OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	cursor, err := s2.GetCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cursor)

	none, err := s2.ClaimNextPending(ctx, "run-2")
	require.NoError(t, err)
	assert.Nil(t, none, "stale claim must be released before reuse")

	n, err := s2.ReleaseClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err = s2.ClaimNextPending(ctx, "run-2")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "a", item.ID)
}
