// Package worker launches crawl runs in the background. At most one run is
// active at a time; a second Start fails fast instead of queueing.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/KennyJian/red-book/internal/harvest"
	"github.com/KennyJian/red-book/internal/status"
)

// ErrShuttingDown is returned by Start after Shutdown.
var ErrShuttingDown = errors.New("runner is shutting down")

// Pipeline executes one run.
type Pipeline interface {
	Run(ctx context.Context, runID string, req harvest.RunRequest) (harvest.RunSummary, error)
}

// PipelineFactory builds the pipeline for a single run. release is called
// once the run ends, before the status is finalized.
type PipelineFactory func(ctx context.Context, runID string) (p Pipeline, release func(), err error)

// Config holds the default run limits.
type Config struct {
	DefaultMaxItems    int
	DefaultMaxComments int
	// SummaryMessage renders the final status of a successful run.
	SummaryMessage func(harvest.RunSummary) string
}

// Result is the outcome of the most recent run.
type Result struct {
	Summary harvest.RunSummary
	Err     error
}

// Runner starts runs on detached goroutines and always finalizes status.
type Runner struct {
	tracker *status.Tracker
	ids     harvest.IDGenerator
	factory PipelineFactory
	cfg     Config
	logger  *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	last Result
}

// New wires a Runner.
func New(
	tracker *status.Tracker,
	ids harvest.IDGenerator,
	factory PipelineFactory,
	cfg Config,
	logger *zap.Logger,
) (*Runner, error) {
	if tracker == nil {
		return nil, errors.New("status tracker is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if factory == nil {
		return nil, errors.New("pipeline factory is required")
	}
	if cfg.SummaryMessage == nil {
		cfg.SummaryMessage = func(s harvest.RunSummary) string {
			return fmt.Sprintf("Crawl finished: %d authors touched", s.DistinctAuthors)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		tracker: tracker,
		ids:     ids,
		factory: factory,
		cfg:     cfg,
		logger:  logger.Named("worker"),
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// Start validates req and launches a run. It returns the run id, or an error
// of KindInvalidRequest or KindAlreadyRunning without touching an active run.
func (r *Runner) Start(req harvest.RunRequest) (string, error) {
	req, err := req.Normalize(r.cfg.DefaultMaxItems, r.cfg.DefaultMaxComments)
	if err != nil {
		return "", err
	}
	if r.baseCtx.Err() != nil {
		return "", ErrShuttingDown
	}
	runID, err := r.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("run id: %w", err)
	}
	if !r.tracker.TryBegin(runID, fmt.Sprintf("Starting crawl for %d keyword(s)", len(req.Keywords))) {
		return "", harvest.NewError(harvest.KindAlreadyRunning, "run.start", errors.New("a crawl is already running"))
	}

	r.wg.Add(1)
	go r.execute(runID, req)
	r.logger.Info("run accepted", zap.String("run_id", runID), zap.Strings("keywords", req.Keywords))
	return runID, nil
}

func (r *Runner) execute(runID string, req harvest.RunRequest) {
	defer r.wg.Done()
	logger := r.logger.With(zap.String("run_id", runID))

	var result Result
	result.Summary.RunID = runID
	message := "Crawl failed"
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("run panicked", zap.Any("panic", rec), zap.Stack("stack"))
			result.Err = fmt.Errorf("run panicked: %v", rec)
			message = "Crawl stopped unexpectedly. Check the service logs and start the crawl again."
		}
		r.mu.Lock()
		r.last = result
		r.mu.Unlock()
		r.tracker.Finish(message)
	}()

	pipeline, release, err := r.factory(r.baseCtx, runID)
	if err != nil {
		logger.Error("run setup failed", zap.Error(err))
		result.Err = err
		message = harvest.OperatorMessage(err)
		return
	}
	if release != nil {
		defer release()
	}

	summary, err := pipeline.Run(r.baseCtx, runID, req)
	result.Summary = summary
	if err != nil {
		result.Err = err
		message = harvest.OperatorMessage(err)
		return
	}
	message = r.cfg.SummaryMessage(summary)
}

// Wait blocks until no run is active.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// LastResult returns the outcome of the most recently finished run.
func (r *Runner) LastResult() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Shutdown cancels the active run and waits for it to finalize or ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for active run: %w", ctx.Err())
	}
}
