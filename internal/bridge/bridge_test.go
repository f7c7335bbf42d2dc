package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunReusesOneLoop(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	var loops []*Loop
	for i := 0; i < 3; i++ {
		err := b.Run(context.Background(), func(ctx context.Context) error {
			l, ok := LoopFrom(ctx)
			require.True(t, ok)
			loops = append(loops, l)
			return nil
		})
		require.NoError(t, err)
	}
	require.Len(t, loops, 3)
	require.Same(t, loops[0], loops[1])
	require.Same(t, loops[1], loops[2])
	require.True(t, b.Owned())
}

func TestRunPropagatesErrorUnchanged(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	sentinel := errors.New("boom")
	err := b.Run(context.Background(), func(context.Context) error { return sentinel })
	require.Same(t, sentinel, err)
}

func TestCallReturnsValue(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	v, err := Call(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestNestedRunExecutesInline(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	var inner bool
	err := b.Run(context.Background(), func(ctx context.Context) error {
		return b.Run(ctx, func(context.Context) error {
			inner = true
			return nil
		})
	})
	require.NoError(t, err)
	require.True(t, inner)
}

func TestBridgeBorrowsRunningLoop(t *testing.T) {
	t.Parallel()

	outer := New()
	defer outer.Close()

	err := outer.Run(context.Background(), func(ctx context.Context) error {
		borrowed := New()
		defer borrowed.Close()
		return borrowed.Run(ctx, func(inner context.Context) error {
			l1, _ := LoopFrom(ctx)
			l2, _ := LoopFrom(inner)
			require.Same(t, l1, l2)
			require.False(t, borrowed.Owned())
			return nil
		})
	})
	require.NoError(t, err)

	// The borrowed bridge's Close must not stop the outer loop.
	require.NoError(t, outer.Run(context.Background(), func(context.Context) error { return nil }))
}

func TestTasksRunSerially(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Run(context.Background(), func(context.Context) error {
				mu.Lock()
				active++
				maxSeen = max(maxSeen, active)
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	err := b.Run(context.Background(), func(context.Context) error { panic("kaboom") })
	require.ErrorContains(t, err, "kaboom")
	require.NoError(t, b.Run(context.Background(), func(context.Context) error { return nil }))
}

func TestCloseIsIdempotentAndRejectsWork(t *testing.T) {
	t.Parallel()

	never := New()
	never.Close()
	never.Close()

	b := New()
	require.NoError(t, b.Run(context.Background(), func(context.Context) error { return nil }))
	b.Close()
	b.Close()
	err := b.Run(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestRunHonorsCallerContext(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Run(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Run(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestCallAbandonedMidTaskDiscardsValue(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	for i := 0; i < 20; i++ {
		finished := make(chan struct{})
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		v, err := Call(ctx, b, func(context.Context) (int, error) {
			defer close(finished)
			time.Sleep(3 * time.Millisecond)
			return 42, nil
		})
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Zero(t, v)
		<-finished
	}

	v, err := Call(context.Background(), b, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	require.Equal(t, 7, v)
}
