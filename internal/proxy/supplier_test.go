package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRoundRobin(t *testing.T) {
	s := &RoundRobin{proxies: []string{"http://a:1", "http://b:2", "http://c:3"}}

	got := []string{s.Get(), s.Get(), s.Get(), s.Get()}
	assert.Equal(t, []string{"http://a:1", "http://b:2", "http://c:3", "http://a:1"}, got)
}

func TestGetWithoutProxies(t *testing.T) {
	s := NewProxySupplier(context.Background(), nil, "http://example.invalid")
	assert.Equal(t, "", s.Get())
	assert.Zero(t, s.Len())
}

func TestNewProxySupplierDropsDeadProxies(t *testing.T) {
	// A plain HTTP server works as a forward proxy for http:// targets: it
	// receives the absolute-form request and answers it itself.
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer live.Close()

	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer refusing.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	s := NewProxySupplier(context.Background(), []string{deadURL, live.URL, refusing.URL}, "http://probe.test/")

	require.Equal(t, 1, s.Len())
	assert.Equal(t, live.URL, s.Get())
	assert.Equal(t, live.URL, s.Get())
}
