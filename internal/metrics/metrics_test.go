package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"catalog/ingest/internal/domain"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemOutcomes(t *testing.T) {
	m := New()

	m.PageCommitted(120)
	m.PageCommitted(49)
	m.ItemFetched(1, time.Second)
	m.ItemFetched(3, 5*time.Second)
	m.ItemFailed(4, false, 14*time.Second)
	m.ItemFailed(4, true, 14*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pagesCommitted))
	assert.Equal(t, 169.0, testutil.ToFloat64(m.itemsDiscovered))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.itemsProcessed.WithLabelValues("fetched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.itemsProcessed.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.itemsProcessed.WithLabelValues("dead")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.fetchAttempts))
	assert.Equal(t, 1, testutil.CollectAndCount(m.fetchDuration))
}

func TestFetchStartedTracksInFlight(t *testing.T) {
	m := New()

	done1 := m.FetchStarted()
	done2 := m.FetchStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))

	done1()
	done2()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
}

func TestObserveCounts(t *testing.T) {
	m := New()

	m.ObserveCounts(domain.StatusCounts{Pending: 3, Fetched: 40, Failed: 2, Dead: 1, Cursor: 4})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.storeItems.WithLabelValues("pending")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.storeItems.WithLabelValues("fetched")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.storeItems.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeItems.WithLabelValues("dead")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.cursor))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.PageCommitted(5)

	path := filepath.Join(t.TempDir(), "ingest.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "catalog_ingest_pages_committed_total 1")
	assert.Contains(t, string(data), "catalog_ingest_last_run_timestamp_seconds")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.PageCommitted(1)
	m.ItemFetched(1, time.Second)
	m.ItemFailed(1, true, time.Second)
	m.ObserveCounts(domain.StatusCounts{})
	m.FetchStarted()()
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteTextfile("/nonexistent/dir/file.prom"))
}
