package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareCountsCrawlRoutes(t *testing.T) {
	Init()
	accepted := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202"))
	conflicts := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "409"))
	series := testutil.CollectAndCount(httpRequestDurationSeconds)

	var running atomic.Bool
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Route("/api", func(r chi.Router) {
		r.Post("/crawl", func(w http.ResponseWriter, _ *http.Request) {
			if !running.CompareAndSwap(false, true) {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"running":true}`))
		})
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Post(ts.URL+"/api/crawl", "application/json", strings.NewReader(`{"keywords":["alpha"]}`))
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}
	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.Equal(t, accepted+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202")))
	require.Equal(t, conflicts+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "409")))
	// One latency series per method and route pattern.
	require.Equal(t, series+2, testutil.CollectAndCount(httpRequestDurationSeconds))
}
