// Package bridge runs blocking remote work on one dedicated goroutine per
// orchestrator and hands results back to synchronous callers.
//
// All work submitted through a Bridge executes serially on the same goroutine,
// so session state touched by that work is never shared across goroutines.
// Work that calls back into the bridge from inside a task runs inline instead
// of deadlocking.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned when submitting to a bridge after Close.
var ErrClosed = errors.New("bridge: closed")

type ctxKey struct{}

// Loop is a single goroutine executing tasks in submission order.
type Loop struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newLoop() *Loop {
	l := &Loop{
		tasks: make(chan func()),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case task := <-l.tasks:
			task()
		case <-l.quit:
			return
		}
	}
}

func (l *Loop) stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}

// LoopFrom returns the loop executing the current task, if any.
func LoopFrom(ctx context.Context) (*Loop, bool) {
	l, ok := ctx.Value(ctxKey{}).(*Loop)
	return l, ok
}

// Bridge owns (or borrows) a Loop and exposes blocking calls onto it.
type Bridge struct {
	mu     sync.Mutex
	loop   *Loop
	owned  bool
	closed bool
}

// New returns a bridge whose loop starts on first use.
func New() *Bridge {
	return &Bridge{}
}

// Run executes fn on the bridge loop and blocks until it returns or ctx ends.
// Errors from fn are returned unchanged; a panic inside fn is converted to an
// error and does not stop the loop.
func (b *Bridge) Run(ctx context.Context, fn func(context.Context) error) error {
	loop, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	if current, ok := LoopFrom(ctx); ok && current == loop {
		return safeCall(ctx, fn)
	}

	taskCtx := context.WithValue(ctx, ctxKey{}, loop)
	result := make(chan error, 1)
	task := func() { result <- safeCall(taskCtx, fn) }

	select {
	case loop.tasks <- task:
	case <-loop.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn on b and returns its value. If ctx ends first the task keeps
// running on the loop and its value is discarded.
func Call[T any](ctx context.Context, b *Bridge, fn func(context.Context) (T, error)) (T, error) {
	values := make(chan T, 1)
	err := b.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		values <- v
		return err
	})
	var out T
	select {
	case out = <-values:
	default:
	}
	return out, err
}

// Owned reports whether this bridge created its loop.
func (b *Bridge) Owned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owned
}

// Close stops the loop if this bridge created it. Borrowed loops are left
// running. Close is idempotent and safe on a bridge that was never used.
func (b *Bridge) Close() {
	b.mu.Lock()
	loop, owned := b.loop, b.owned
	b.closed = true
	b.loop = nil
	b.mu.Unlock()
	if loop != nil && owned {
		loop.stop()
	}
}

func (b *Bridge) acquire(ctx context.Context) (*Loop, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.loop != nil {
		return b.loop, nil
	}
	if current, ok := LoopFrom(ctx); ok {
		b.loop, b.owned = current, false
		return current, nil
	}
	b.loop, b.owned = newLoop(), true
	return b.loop, nil
}

func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: task panicked: %v", r)
		}
	}()
	return fn(ctx)
}
