package store_test

import (
	"context"
	"testing"

	"catalog/ingest/internal/store"
	"catalog/ingest/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRedis(t *testing.T) store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.OpenRedis(context.Background(), &redis.Options{Addr: mr.Addr()}, "test:")
	require.NoError(t, err)
	return s
}

func TestRedisConformance(t *testing.T) {
	storetest.Run(t, openTestRedis)
}

func TestRedisCursorKeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := store.OpenRedis(context.Background(), &redis.Options{Addr: mr.Addr()}, "catalog:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetCursor(context.Background(), 3))

	val, err := mr.Get("catalog:cursor")
	require.NoError(t, err)
	assert.Equal(t, "3", val)

	mr.Set("catalog:cursor", "not-a-number")
	_, err = s.GetCursor(context.Background())
	assert.Error(t, err)
}
