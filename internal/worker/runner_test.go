package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KennyJian/red-book/internal/harvest"
	"github.com/KennyJian/red-book/internal/status"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("run-%d", s.n.Add(1)), nil
}

type pipelineFunc func(ctx context.Context, runID string, req harvest.RunRequest) (harvest.RunSummary, error)

func (f pipelineFunc) Run(ctx context.Context, runID string, req harvest.RunRequest) (harvest.RunSummary, error) {
	return f(ctx, runID, req)
}

func factoryFor(p Pipeline, released *atomic.Int32) PipelineFactory {
	return func(context.Context, string) (Pipeline, func(), error) {
		return p, func() {
			if released != nil {
				released.Add(1)
			}
		}, nil
	}
}

func newRunner(t *testing.T, tracker *status.Tracker, factory PipelineFactory) *Runner {
	t.Helper()
	r, err := New(tracker, &seqIDs{}, factory, Config{
		DefaultMaxItems:    20,
		DefaultMaxComments: 50,
		SummaryMessage: func(s harvest.RunSummary) string {
			return fmt.Sprintf("done %d", s.DistinctAuthors)
		},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func TestRunnerCompletesRun(t *testing.T) {
	t.Parallel()

	var released atomic.Int32
	var seen harvest.RunRequest
	tracker := status.NewTracker()
	r := newRunner(t, tracker, factoryFor(pipelineFunc(
		func(_ context.Context, runID string, req harvest.RunRequest) (harvest.RunSummary, error) {
			seen = req
			return harvest.RunSummary{RunID: runID, DistinctAuthors: 2}, nil
		}), &released))

	runID, err := r.Start(harvest.RunRequest{Keywords: []string{" alpha ", ""}})
	require.NoError(t, err)
	require.Equal(t, "run-1", runID)
	r.Wait()

	snap := tracker.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, "done 2", snap.Message)
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, int32(1), released.Load())
	assert.Equal(t, []string{"alpha"}, seen.Keywords)
	assert.Equal(t, 20, seen.MaxItemsPerKeyword)
	assert.Equal(t, 50, seen.MaxCommentsPerItem)
	assert.NoError(t, r.LastResult().Err)
}

func TestRunnerRejectsConcurrentStart(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	started := make(chan struct{})
	tracker := status.NewTracker()
	r := newRunner(t, tracker, factoryFor(pipelineFunc(
		func(context.Context, string, harvest.RunRequest) (harvest.RunSummary, error) {
			close(started)
			<-gate
			return harvest.RunSummary{}, nil
		}), nil))

	first, err := r.Start(harvest.RunRequest{Keywords: []string{"alpha"}})
	require.NoError(t, err)
	<-started
	tracker.SetKeyword("alpha")
	tracker.SetProgress(40)

	_, err = r.Start(harvest.RunRequest{Keywords: []string{"beta"}})
	require.ErrorIs(t, err, harvest.ErrAlreadyRunning)

	snap := tracker.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, first, snap.RunID)
	assert.Equal(t, "alpha", snap.CurrentKeyword)
	assert.Equal(t, 40, snap.Progress)

	close(gate)
	r.Wait()
	assert.False(t, tracker.Snapshot().Running)
}

func TestRunnerRejectsEmptyKeywords(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tracker := status.NewTracker()
	r := newRunner(t, tracker, func(context.Context, string) (Pipeline, func(), error) {
		calls.Add(1)
		return nil, nil, errors.New("unreachable")
	})

	_, err := r.Start(harvest.RunRequest{Keywords: []string{" ", ""}})
	require.ErrorIs(t, err, harvest.ErrInvalidRequest)
	assert.Zero(t, calls.Load())
	assert.False(t, tracker.Snapshot().Running)
}

func TestRunnerFinalizesOnError(t *testing.T) {
	t.Parallel()

	tracker := status.NewTracker()
	r := newRunner(t, tracker, factoryFor(pipelineFunc(
		func(context.Context, string, harvest.RunRequest) (harvest.RunSummary, error) {
			return harvest.RunSummary{}, &harvest.Error{
				Kind:    harvest.KindLoginTimeout,
				Op:      "session.login",
				Timeout: 5 * time.Minute,
			}
		}), nil))

	_, err := r.Start(harvest.RunRequest{Keywords: []string{"alpha"}})
	require.NoError(t, err)
	r.Wait()

	snap := tracker.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, 100, snap.Progress)
	assert.Contains(t, snap.Message, "5 minute(s)")
	assert.ErrorIs(t, r.LastResult().Err, harvest.ErrLoginTimeout)
}

func TestRunnerFinalizesOnSetupFailure(t *testing.T) {
	t.Parallel()

	tracker := status.NewTracker()
	r := newRunner(t, tracker, func(context.Context, string) (Pipeline, func(), error) {
		return nil, nil, harvest.NewError(harvest.KindBrowserUnavailable, "browser.launch", errors.New("no chrome"))
	})

	_, err := r.Start(harvest.RunRequest{Keywords: []string{"alpha"}})
	require.NoError(t, err)
	r.Wait()

	snap := tracker.Snapshot()
	assert.False(t, snap.Running)
	assert.Contains(t, snap.Message, "could not be started")
}

func TestRunnerRecoversPanic(t *testing.T) {
	t.Parallel()

	var released atomic.Int32
	tracker := status.NewTracker()
	r := newRunner(t, tracker, factoryFor(pipelineFunc(
		func(context.Context, string, harvest.RunRequest) (harvest.RunSummary, error) {
			panic("boom")
		}), &released))

	_, err := r.Start(harvest.RunRequest{Keywords: []string{"alpha"}})
	require.NoError(t, err)
	r.Wait()

	snap := tracker.Snapshot()
	assert.False(t, snap.Running)
	assert.Contains(t, snap.Message, "unexpectedly")
	assert.Equal(t, int32(1), released.Load())
	require.Error(t, r.LastResult().Err)

	// The runner accepts a new run after a crash.
	_, err = r.Start(harvest.RunRequest{Keywords: []string{"beta"}})
	require.NoError(t, err)
	r.Wait()
}

func TestRunnerShutdownCancelsRun(t *testing.T) {
	t.Parallel()

	tracker := status.NewTracker()
	r := newRunner(t, tracker, factoryFor(pipelineFunc(
		func(ctx context.Context, _ string, _ harvest.RunRequest) (harvest.RunSummary, error) {
			<-ctx.Done()
			return harvest.RunSummary{}, ctx.Err()
		}), nil))

	_, err := r.Start(harvest.RunRequest{Keywords: []string{"alpha"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.False(t, tracker.Snapshot().Running)

	_, err = r.Start(harvest.RunRequest{Keywords: []string{"alpha"}})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestNewRunnerValidation(t *testing.T) {
	t.Parallel()

	f := factoryFor(nil, nil)
	_, err := New(nil, &seqIDs{}, f, Config{}, nil)
	require.Error(t, err)
	_, err = New(status.NewTracker(), nil, f, Config{}, nil)
	require.Error(t, err)
	_, err = New(status.NewTracker(), &seqIDs{}, nil, Config{}, nil)
	require.Error(t, err)
}
