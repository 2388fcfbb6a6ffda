package cdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryPageTargetPrefersExistingPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json/list":
			json.NewEncoder(w).Encode([]Target{
				{ID: "sw", Type: "service_worker", WebSocketDebuggerURL: "ws://x/sw"},
				{ID: "p1", Type: "page", URL: "https://app.test/", WebSocketDebuggerURL: "ws://x/p1"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	target, err := NewDiscovery(srv.URL + "/").PageTarget(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p1", target.ID)
}

func TestDiscoveryPageTargetOpensTabWhenNoneExist(t *testing.T) {
	var newCalled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json/list":
			json.NewEncoder(w).Encode([]Target{})
		case "/json/new":
			newCalled.Store(r.Method == http.MethodPut)
			json.NewEncoder(w).Encode(Target{ID: "fresh", Type: "page", WebSocketDebuggerURL: "ws://x/fresh"})
		}
	}))
	defer srv.Close()

	target, err := NewDiscovery(srv.URL).PageTarget(context.Background())
	require.NoError(t, err)
	assert.True(t, newCalled.Load())
	assert.Equal(t, "fresh", target.ID)
}

func TestDiscoveryWaitReadyRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Version{Browser: "HeadlessChrome/126.0"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := NewDiscovery(srv.URL).WaitReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, "HeadlessChrome/126.0", v.Browser)
}
