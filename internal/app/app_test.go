package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KennyJian/red-book/internal/config"
	"github.com/KennyJian/red-book/internal/harvest"
)

type failingLauncher struct{}

func (failingLauncher) Launch(context.Context) (harvest.BrowserSession, error) {
	return nil, errors.New("chrome not found")
}

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 5000, RequestTimeoutSeconds: 5},
		Session: config.SessionConfig{UserDataDir: "unused", LoginTimeoutSeconds: 1, LoginPollSeconds: 1},
		Remote: config.RemoteConfig{
			APIBaseURL:     "http://127.0.0.1:1",
			SiteBaseURL:    "https://www.example.com",
			TimeoutSeconds: 1,
		},
		Crawl:       config.CrawlConfig{SearchPageSize: 20, MaxSearchFailures: 3},
		SideBrowser: config.SideBrowserConfig{AllowedDomain: "example.com", QueueDepth: 4},
		Storage:     config.StorageConfig{Driver: "memory"},
		Time:        config.TimeConfig{Location: "UTC"},
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(), zap.NewNop(),
		WithRegisterer(prometheus.NewRegistry()),
		WithLaunchers(failingLauncher{}, failingLauncher{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, a.Close(ctx))
	})
	return a
}

func TestNewServesStats(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	require.Equal(t, "memory", a.StorageDescription())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"total_users":0,"storage":"memory"}`, rec.Body.String())
}

func TestRunEndsWhenBrowserCannotStart(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	runID, err := a.Runner().Start(harvest.RunRequest{Keywords: []string{"alpha"}})
	require.NoError(t, err)
	a.Runner().Wait()

	snap := a.Status().Snapshot()
	assert.Equal(t, runID, snap.RunID)
	assert.False(t, snap.Running)
	assert.Equal(t, 100, snap.Progress)
	assert.Contains(t, snap.Message, "could not be started")
	assert.ErrorIs(t, a.Runner().LastResult().Err, harvest.ErrBrowserUnavailable)
}

func TestNewRejectsUnknownStorage(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Storage.Driver = "mongo"
	_, err := New(context.Background(), cfg, nil, WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
}
