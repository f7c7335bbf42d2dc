// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the serve and crawl commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/KennyJian/red-book/internal/api"
	"github.com/KennyJian/red-book/internal/browser"
	"github.com/KennyJian/red-book/internal/clock/system"
	"github.com/KennyJian/red-book/internal/config"
	"github.com/KennyJian/red-book/internal/harvest"
	"github.com/KennyJian/red-book/internal/id/uuid"
	"github.com/KennyJian/red-book/internal/merge"
	"github.com/KennyJian/red-book/internal/metrics"
	"github.com/KennyJian/red-book/internal/orchestrator"
	"github.com/KennyJian/red-book/internal/policy/ratelimit"
	"github.com/KennyJian/red-book/internal/progress"
	"github.com/KennyJian/red-book/internal/progress/sinks"
	"github.com/KennyJian/red-book/internal/remote"
	"github.com/KennyJian/red-book/internal/session"
	"github.com/KennyJian/red-book/internal/sidebrowser"
	"github.com/KennyJian/red-book/internal/status"
	"github.com/KennyJian/red-book/internal/storage"
	"github.com/KennyJian/red-book/internal/worker"
)

// App holds the shared services. It is built once at startup and closed by
// the command that created it.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	storage *storage.Provider
	engine  *merge.Engine
	tracker *status.Tracker
	hub     *progress.Hub
	limiter *ratelimit.Limiter
	runner  *worker.Runner
	links   *sidebrowser.Browser
	server  *api.Server

	sessionLauncher harvest.BrowserLauncher
	clientFactory   harvest.ClientFactory
	clock           harvest.Clock
	searchIDs       harvest.IDGenerator
}

type options struct {
	registerer      prometheus.Registerer
	sessionLauncher harvest.BrowserLauncher
	linkLauncher    harvest.BrowserLauncher
	clientOptions   []remote.Option
}

// Option customizes New.
type Option func(*options)

// WithRegisterer registers progress collectors against reg instead of the
// default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLaunchers replaces the chromedp launchers for the crawl session and the
// side browser.
func WithLaunchers(sessionLauncher, linkLauncher harvest.BrowserLauncher) Option {
	return func(o *options) {
		o.sessionLauncher = sessionLauncher
		o.linkLauncher = linkLauncher
	}
}

// WithClientOptions appends options to every content client.
func WithClientOptions(opts ...remote.Option) Option {
	return func(o *options) { o.clientOptions = append(o.clientOptions, opts...) }
}

// New creates the application services from cfg. It fails fast if any
// critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger.Info("initializing application services")
	metrics.Init()

	loc, err := cfg.Time.ZoneLocation()
	if err != nil {
		return nil, fmt.Errorf("resolve time zone: %w", err)
	}

	provider, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	a := &App{
		cfg:       cfg,
		logger:    logger,
		storage:   provider,
		tracker:   status.NewTracker(),
		clock:     system.New(),
		searchIDs: uuid.NewCompact(),
	}
	ok := false
	defer func() {
		if !ok {
			provider.Close()
		}
	}()

	a.engine, err = merge.NewEngine(provider.Store, a.clock, merge.Options{
		SiteBaseURL:    cfg.Remote.SiteBaseURL,
		Location:       loc,
		DedupeComments: cfg.Crawl.DedupeComments,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize merge engine: %w", err)
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("initialize progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger}, sinks.NewLogSink(logger), promSink)

	a.limiter = ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Remote.RequestsPerSecond,
		DefaultBurst: cfg.Remote.Burst,
	})
	clientOpts := append([]remote.Option{
		remote.WithLimiter(a.limiter),
		remote.WithLogger(logger),
	}, o.clientOptions...)
	a.clientFactory = remote.Factory(remote.Config{
		APIBaseURL:  cfg.Remote.APIBaseURL,
		SiteBaseURL: cfg.Remote.SiteBaseURL,
		UserAgent:   cfg.Session.UserAgent,
		Timeout:     time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
	}, clientOpts...)

	a.sessionLauncher = o.sessionLauncher
	if a.sessionLauncher == nil {
		a.sessionLauncher = browser.NewLauncher(browser.Config{
			UserDataDir:       cfg.Session.UserDataDir,
			Headless:          cfg.Session.Headless,
			UserAgent:         cfg.Session.UserAgent,
			NavigationTimeout: time.Duration(cfg.Session.NavTimeoutSeconds) * time.Second,
		})
	}
	linkLauncher := o.linkLauncher
	if linkLauncher == nil {
		linkLauncher = browser.NewLauncher(browser.Config{
			UserDataDir:       cfg.SideBrowser.UserDataDir,
			Headless:          cfg.SideBrowser.Headless,
			UserAgent:         cfg.Session.UserAgent,
			NavigationTimeout: time.Duration(cfg.SideBrowser.NavTimeoutSeconds) * time.Second,
		})
	}
	a.links, err = sidebrowser.New(sidebrowser.Config{
		AllowedDomain:  cfg.SideBrowser.AllowedDomain,
		StartupTimeout: time.Duration(cfg.SideBrowser.StartupTimeoutSeconds) * time.Second,
		NavTimeout:     time.Duration(cfg.SideBrowser.NavTimeoutSeconds) * time.Second,
		QueueDepth:     cfg.SideBrowser.QueueDepth,
	}, linkLauncher, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize side browser: %w", err)
	}

	a.runner, err = worker.New(a.tracker, uuid.New(), a.pipeline, worker.Config{
		DefaultMaxItems:    cfg.Crawl.DefaultMaxItems,
		DefaultMaxComments: cfg.Crawl.DefaultMaxComments,
		SummaryMessage:     orchestrator.SummaryMessage,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize runner: %w", err)
	}

	a.server, err = api.NewServer(api.Deps{
		Runs:        a.runner,
		Status:      a.tracker,
		Records:     provider.Store,
		StorageDesc: provider.Description,
		Links:       a.links,
	}, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize api: %w", err)
	}

	ok = true
	logger.Info("application services initialized", zap.String("storage", provider.Description))
	return a, nil
}

// pipeline builds the per-run session and orchestrator. Each run gets a fresh
// browser session; release tears it down.
func (a *App) pipeline(_ context.Context, runID string) (worker.Pipeline, func(), error) {
	logger := a.logger.With(zap.String("run_id", runID))
	manager, err := session.NewManager(a.sessionLauncher, a.clientFactory, nil, session.Options{
		IndexURL:     a.cfg.Session.IndexURL,
		LoginTimeout: a.cfg.Session.LoginTimeout(),
		PollInterval: a.cfg.Session.LoginPoll(),
		Settle:       time.Duration(a.cfg.Session.LaunchSettleMs) * time.Millisecond,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build session: %w", err)
	}
	crawl := a.cfg.Crawl
	orch, err := orchestrator.New(manager, a.engine, a.tracker, a.searchIDs, a.clock, orchestrator.Config{
		SearchPageSize:     crawl.SearchPageSize,
		SearchSort:         crawl.SearchSort,
		SearchPageDelay:    crawl.SearchPageDelay(),
		SearchErrorDelay:   crawl.SearchErrorDelay(),
		MaxSearchFailures:  crawl.MaxSearchFailures,
		CommentPageDelay:   crawl.CommentPageDelay(),
		ProfileCooldown:    crawl.ProfileCooldown(),
		DefaultMaxItems:    crawl.DefaultMaxItems,
		DefaultMaxComments: crawl.DefaultMaxComments,
	}, orchestrator.WithEmitter(a.hub), orchestrator.WithLogger(logger))
	if err != nil {
		manager.Teardown()
		return nil, nil, fmt.Errorf("build orchestrator: %w", err)
	}
	return orch, manager.Teardown, nil
}

// Config returns the configuration the services were built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Runner returns the run launcher.
func (a *App) Runner() *worker.Runner {
	return a.runner
}

// Status returns the run status tracker.
func (a *App) Status() *status.Tracker {
	return a.tracker
}

// Records returns the author record store.
func (a *App) Records() harvest.RecordStore {
	return a.storage.Store
}

// StorageDescription names where records are kept.
func (a *App) StorageDescription() string {
	return a.storage.Description
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Close stops the active run, flushes progress events and releases storage.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if err := a.runner.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.links.Close()
	if err := a.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close progress hub: %w", err))
	}
	a.storage.Close()
	return errors.Join(errs...)
}
