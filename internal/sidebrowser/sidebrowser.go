// Package sidebrowser runs a second, independent browser that shows URLs to
// an operator. It shares nothing with the crawl session: a single worker
// goroutine owns the page and drains a bounded queue of URLs.
package sidebrowser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KennyJian/red-book/internal/harvest"
	"github.com/KennyJian/red-book/internal/metrics"
)

// Config controls the side browser.
type Config struct {
	AllowedDomain  string
	StartupTimeout time.Duration
	NavTimeout     time.Duration
	QueueDepth     int
}

// Browser lazily starts its worker on the first Open call.
type Browser struct {
	cfg      Config
	launcher harvest.BrowserLauncher
	logger   *zap.Logger

	mu      sync.Mutex
	startup *startup
	queue   chan string
	quit    chan struct{}
	done    chan struct{}
	closed  bool
}

type startup struct {
	ready chan struct{}
	err   error
}

// New builds a Browser. Nothing is launched until Open.
func New(cfg Config, launcher harvest.BrowserLauncher, logger *zap.Logger) (*Browser, error) {
	if launcher == nil {
		return nil, errors.New("browser launcher is required")
	}
	if strings.TrimSpace(cfg.AllowedDomain) == "" {
		return nil, errors.New("allowed domain is required")
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 15 * time.Second
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 15 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger.Named("side_browser"),
	}, nil
}

// ValidateURL accepts absolute http(s) URLs on the allowed domain or one of
// its subdomains.
func ValidateURL(raw, allowedDomain string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", harvest.NewError(harvest.KindInvalidRequest, "side_browser.validate", errors.New("url is required"))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", harvest.NewError(harvest.KindInvalidRequest, "side_browser.validate", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", harvest.NewError(harvest.KindInvalidRequest, "side_browser.validate",
			fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	host := strings.ToLower(u.Hostname())
	domain := strings.ToLower(strings.TrimPrefix(allowedDomain, "."))
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return "", harvest.NewError(harvest.KindInvalidRequest, "side_browser.validate",
			fmt.Errorf("host %q is outside %s", host, domain))
	}
	return u.String(), nil
}

// Open validates rawURL, starts the worker if needed and queues the URL.
// Navigation itself happens asynchronously; its failures are only logged.
func (b *Browser) Open(ctx context.Context, rawURL string) error {
	target, err := ValidateURL(rawURL, b.cfg.AllowedDomain)
	if err != nil {
		return err
	}
	st, err := b.ensureStarted()
	if err != nil {
		return err
	}

	timer := time.NewTimer(b.cfg.StartupTimeout)
	defer timer.Stop()
	select {
	case <-st.ready:
	case <-timer.C:
		return &harvest.Error{
			Kind:    harvest.KindBrowserStartupTimeout,
			Op:      "side_browser.start",
			Err:     fmt.Errorf("not ready after %s", b.cfg.StartupTimeout),
			Timeout: b.cfg.StartupTimeout,
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	if st.err != nil {
		return harvest.NewError(harvest.KindBrowserUnavailable, "side_browser.start", st.err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return harvest.NewError(harvest.KindBrowserUnavailable, "side_browser.open", errors.New("side browser closed"))
	}
	select {
	case b.queue <- target:
		b.logger.Info("url queued", zap.String("url", target))
		return nil
	default:
		return harvest.NewError(harvest.KindQueueFull, "side_browser.open",
			fmt.Errorf("queue holds %d urls", cap(b.queue)))
	}
}

func (b *Browser) ensureStarted() (*startup, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, harvest.NewError(harvest.KindBrowserUnavailable, "side_browser.open", errors.New("side browser closed"))
	}
	if b.startup != nil {
		select {
		case <-b.startup.ready:
			if b.startup.err == nil {
				return b.startup, nil
			}
			// previous launch failed; try again
		default:
			return b.startup, nil
		}
	}
	st := &startup{ready: make(chan struct{})}
	b.startup = st
	b.queue = make(chan string, b.cfg.QueueDepth)
	b.quit = make(chan struct{})
	b.done = make(chan struct{})
	go b.run(st, b.queue, b.quit, b.done)
	return st, nil
}

func (b *Browser) run(st *startup, queue <-chan string, quit, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	page, err := b.launcher.Launch(ctx)
	if err != nil {
		b.logger.Error("side browser launch failed", zap.Error(err))
		st.err = err
		close(st.ready)
		return
	}
	defer func() {
		if err := page.Close(); err != nil {
			b.logger.Warn("side browser close failed", zap.Error(err))
		}
	}()
	b.logger.Info("side browser ready")
	close(st.ready)

	for {
		select {
		case <-quit:
			return
		case target := <-queue:
			b.navigate(ctx, page, target)
		}
	}
}

func (b *Browser) navigate(ctx context.Context, page harvest.BrowserSession, target string) {
	navCtx, cancel := context.WithTimeout(ctx, b.cfg.NavTimeout)
	defer cancel()
	if err := page.Navigate(navCtx, target); err != nil {
		b.logger.Warn("side browser navigation failed", zap.String("url", target), zap.Error(err))
		metrics.ObserveSideBrowserNavigation("error")
		return
	}
	metrics.ObserveSideBrowserNavigation("ok")
}

// Close stops the worker and its browser. Close is idempotent.
func (b *Browser) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	quit, done := b.quit, b.done
	b.mu.Unlock()

	if quit != nil {
		close(quit)
		<-done
	}
}
