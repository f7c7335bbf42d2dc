package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KennyJian/red-book/internal/config"
	"github.com/KennyJian/red-book/internal/harvest"
	"github.com/KennyJian/red-book/internal/status"
	"github.com/KennyJian/red-book/internal/worker"
)

type pipelineFunc func(ctx context.Context, runID string, req harvest.RunRequest) (harvest.RunSummary, error)

func (f pipelineFunc) Run(ctx context.Context, runID string, req harvest.RunRequest) (harvest.RunSummary, error) {
	return f(ctx, runID, req)
}

type staticIDs struct{}

func (staticIDs) NewID() (string, error) { return "run-1", nil }

type fakeApp struct {
	tracker *status.Tracker
	runner  *worker.Runner
	closed  bool
	got     harvest.RunRequest
}

func newFakeApp(t *testing.T, runErr error) *fakeApp {
	t.Helper()
	a := &fakeApp{tracker: status.NewTracker()}
	runner, err := worker.New(a.tracker, staticIDs{}, func(context.Context, string) (worker.Pipeline, func(), error) {
		return pipelineFunc(func(_ context.Context, runID string, req harvest.RunRequest) (harvest.RunSummary, error) {
			a.got = req
			a.tracker.SetAuthors(3)
			return harvest.RunSummary{RunID: runID, DistinctAuthors: 3}, runErr
		}), nil, nil
	}, worker.Config{DefaultMaxItems: 20, DefaultMaxComments: 50}, nil)
	require.NoError(t, err)
	a.runner = runner
	return a
}

func (a *fakeApp) Close(ctx context.Context) error {
	a.closed = true
	return a.runner.Shutdown(ctx)
}
func (a *fakeApp) Logger() *zap.Logger        { return zap.NewNop() }
func (a *fakeApp) Config() config.Config      { return config.Config{} }
func (a *fakeApp) Handler() http.Handler      { return http.NotFoundHandler() }
func (a *fakeApp) Runner() *worker.Runner     { return a.runner }
func (a *fakeApp) Status() *status.Tracker    { return a.tracker }
func (a *fakeApp) StorageDescription() string { return "memory" }

func withFakes(t *testing.T, a App, appErr error) {
	t.Helper()
	prevApp, prevLoad := newApp, loadConfig
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		if appErr != nil {
			return nil, appErr
		}
		return a, nil
	}
	loadConfig = func(string) (config.Config, error) {
		return config.Config{Logging: config.LoggingConfig{Level: "error"}}, nil
	}
	t.Cleanup(func() {
		newApp, loadConfig = prevApp, prevLoad
	})
}

func TestCrawlCommandRunsInForeground(t *testing.T) {
	a := newFakeApp(t, nil)
	withFakes(t, a, nil)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"crawl", "-k", "alpha", "--keyword", "beta", "--max-items", "5", "--filter", "hi"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	require.Equal(t, []string{"alpha", "beta"}, a.got.Keywords)
	require.Equal(t, 5, a.got.MaxItemsPerKeyword)
	require.Equal(t, 50, a.got.MaxCommentsPerItem)
	require.Equal(t, []string{"hi"}, a.got.CommentFilterTerms)
	require.True(t, a.closed)

	var report crawlReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Equal(t, "run-1", report.RunID)
	require.Equal(t, 3, report.DistinctAuthors)
	require.Equal(t, "memory", report.Storage)
	require.Equal(t, 3, report.Summary.DistinctAuthors)
}

func TestCrawlCommandReportsFailure(t *testing.T) {
	a := newFakeApp(t, harvest.NewError(harvest.KindUnauthorized, "remote.search", errors.New("401")))
	withFakes(t, a, nil)

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"crawl", "-k", "alpha"})
	err := root.ExecuteContext(context.Background())
	require.ErrorIs(t, err, harvest.ErrUnauthorized)
	require.Contains(t, a.tracker.Snapshot().Message, "lost its login")
}

func TestCrawlCommandRequiresKeyword(t *testing.T) {
	a := newFakeApp(t, nil)
	withFakes(t, a, nil)

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"crawl"})
	err := root.ExecuteContext(context.Background())
	require.ErrorIs(t, err, harvest.ErrInvalidRequest)
}

func TestAppInitFailure(t *testing.T) {
	withFakes(t, nil, errors.New("storage down"))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"crawl", "-k", "alpha"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "storage down")
}
