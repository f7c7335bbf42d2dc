// Package session owns the authenticated browser session used by a crawl run.
//
// A Manager launches the browser lazily, builds a content client from the
// browser's cookies and waits for an operator to log in when the session is
// anonymous. Every content call made through the Manager first makes sure the
// session is Ready, so callers never sequence initialization themselves.
// All browser and client work executes on the Manager's bridge loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KennyJian/red-book/internal/bridge"
	"github.com/KennyJian/red-book/internal/harvest"
)

// State is the lifecycle position of a Manager.
type State int

const (
	StateUninitialized State = iota
	StateLaunching
	StateAwaitingLogin
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLaunching:
		return "launching"
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by calls made after Teardown.
var ErrClosed = errors.New("session: closed")

// Options tunes the login wait.
type Options struct {
	IndexURL     string
	LoginTimeout time.Duration
	PollInterval time.Duration
	// Settle is how long to wait after the first navigation before reading
	// cookies.
	Settle time.Duration
}

func (o Options) withDefaults() Options {
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = 300 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Settle < 0 {
		o.Settle = 0
	}
	return o
}

// Manager implements harvest.ContentClient on top of a lazily launched,
// login-gated browser session.
type Manager struct {
	launcher harvest.BrowserLauncher
	factory  harvest.ClientFactory
	bridge   *bridge.Bridge
	opts     Options
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	browser harvest.BrowserSession
	client  harvest.ContentClient
}

// NewManager wires a Manager. A nil bridge gets a fresh one owned by the
// Manager's caller through Teardown.
func NewManager(
	launcher harvest.BrowserLauncher,
	factory harvest.ClientFactory,
	b *bridge.Bridge,
	opts Options,
	logger *zap.Logger,
) (*Manager, error) {
	if launcher == nil {
		return nil, errors.New("browser launcher is required")
	}
	if factory == nil {
		return nil, errors.New("client factory is required")
	}
	if b == nil {
		b = bridge.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		launcher: launcher,
		factory:  factory,
		bridge:   b,
		opts:     opts.withDefaults(),
		logger:   logger.Named("session"),
	}, nil
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Bridge exposes the loop that all session work runs on.
func (m *Manager) Bridge() *bridge.Bridge {
	return m.bridge
}

// EnsureReady launches the session if needed and blocks until it is
// authenticated or the login wait expires with a KindLoginTimeout error.
func (m *Manager) EnsureReady(ctx context.Context) error {
	return m.bridge.Run(ctx, m.ensureReady)
}

func (m *Manager) ensureReady(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch state {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	case StateUninitialized:
		if err := m.launch(ctx); err != nil {
			return err
		}
	}
	return m.awaitLogin(ctx)
}

func (m *Manager) launch(ctx context.Context) error {
	m.setState(StateLaunching)
	m.logger.Info("launching browser session")

	browser, err := m.launcher.Launch(ctx)
	if err != nil {
		m.setState(StateUninitialized)
		return harvest.NewError(harvest.KindBrowserUnavailable, "session.launch", err)
	}
	if m.opts.IndexURL != "" {
		if err := browser.Navigate(ctx, m.opts.IndexURL); err != nil {
			m.logger.Warn("index navigation failed", zap.String("url", m.opts.IndexURL), zap.Error(err))
		}
	}
	if err := sleep(ctx, m.opts.Settle); err != nil {
		_ = browser.Close()
		m.setState(StateUninitialized)
		return err
	}

	cookies, err := browser.Cookies(ctx)
	if err != nil {
		_ = browser.Close()
		m.setState(StateUninitialized)
		return harvest.NewError(harvest.KindBrowserUnavailable, "session.cookies", err)
	}
	client, err := m.factory(cookies)
	if err != nil {
		_ = browser.Close()
		m.setState(StateUninitialized)
		return fmt.Errorf("build content client: %w", err)
	}

	m.mu.Lock()
	m.browser = browser
	m.client = client
	m.state = StateAwaitingLogin
	m.mu.Unlock()
	return nil
}

// awaitLogin checks liveness once and then polls until the deadline. The
// browser stays open on timeout so the operator can finish logging in.
func (m *Manager) awaitLogin(ctx context.Context) error {
	if ok := m.checkLiveness(ctx, false); ok {
		return nil
	}
	m.logger.Warn("session is not logged in; waiting for manual login",
		zap.Duration("timeout", m.opts.LoginTimeout))

	deadline := time.NewTimer(m.opts.LoginTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			m.logger.Error("login wait timed out", zap.Duration("timeout", m.opts.LoginTimeout))
			return &harvest.Error{
				Kind:    harvest.KindLoginTimeout,
				Op:      "session.login",
				Err:     fmt.Errorf("not logged in after %s", m.opts.LoginTimeout),
				Timeout: m.opts.LoginTimeout,
			}
		case <-ticker.C:
			if m.checkLiveness(ctx, true) {
				return nil
			}
		}
	}
}

func (m *Manager) checkLiveness(ctx context.Context, refresh bool) bool {
	m.mu.Lock()
	browser, client := m.browser, m.client
	m.mu.Unlock()
	if client == nil {
		return false
	}
	if refresh && browser != nil {
		cookies, err := browser.Cookies(ctx)
		if err != nil {
			m.logger.Debug("cookie refresh failed", zap.Error(err))
			return false
		}
		client.UpdateCookies(cookies)
	}
	ok, err := client.Ping(ctx)
	if err != nil {
		m.logger.Debug("liveness check failed", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	m.setState(StateReady)
	m.logger.Info("session ready")
	return true
}

// Teardown closes the browser and the bridge. It is idempotent and safe on a
// Manager that never launched.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	browser := m.browser
	m.browser, m.client = nil, nil
	m.state = StateClosed
	m.mu.Unlock()

	if browser != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := m.bridge.Run(ctx, func(context.Context) error { return browser.Close() })
		cancel()
		if err != nil {
			m.logger.Warn("browser close failed", zap.Error(err))
		}
	}
	m.bridge.Close()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) readyClient(ctx context.Context) (harvest.ContentClient, error) {
	if err := m.ensureReady(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil, ErrClosed
	}
	return m.client, nil
}

// Search runs a discovery page request on a ready session.
func (m *Manager) Search(ctx context.Context, req harvest.SearchRequest) (harvest.SearchPage, error) {
	return bridge.Call(ctx, m.bridge, func(ctx context.Context) (harvest.SearchPage, error) {
		client, err := m.readyClient(ctx)
		if err != nil {
			return harvest.SearchPage{}, err
		}
		return client.Search(ctx, req)
	})
}

// ItemDetail fetches item fields on a ready session.
func (m *Manager) ItemDetail(ctx context.Context, itemID string, tokens harvest.Tokens) (harvest.ItemDetail, error) {
	return bridge.Call(ctx, m.bridge, func(ctx context.Context) (harvest.ItemDetail, error) {
		client, err := m.readyClient(ctx)
		if err != nil {
			return harvest.ItemDetail{}, err
		}
		return client.ItemDetail(ctx, itemID, tokens)
	})
}

// Comments fetches one comment page on a ready session.
func (m *Manager) Comments(ctx context.Context, req harvest.CommentRequest) (harvest.CommentPage, error) {
	return bridge.Call(ctx, m.bridge, func(ctx context.Context) (harvest.CommentPage, error) {
		client, err := m.readyClient(ctx)
		if err != nil {
			return harvest.CommentPage{}, err
		}
		return client.Comments(ctx, req)
	})
}

// ProfileDescription fetches an author's self-description on a ready session.
func (m *Manager) ProfileDescription(ctx context.Context, req harvest.ProfileRequest) (string, error) {
	return bridge.Call(ctx, m.bridge, func(ctx context.Context) (string, error) {
		client, err := m.readyClient(ctx)
		if err != nil {
			return "", err
		}
		return client.ProfileDescription(ctx, req)
	})
}

// Ping reports liveness of the current client without triggering a launch.
func (m *Manager) Ping(ctx context.Context) (bool, error) {
	return bridge.Call(ctx, m.bridge, func(ctx context.Context) (bool, error) {
		m.mu.Lock()
		client := m.client
		m.mu.Unlock()
		if client == nil {
			return false, nil
		}
		return client.Ping(ctx)
	})
}

// UpdateCookies forwards a cookie set to the current client.
func (m *Manager) UpdateCookies(cookies []harvest.Cookie) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client != nil {
		client.UpdateCookies(cookies)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ harvest.ContentClient = (*Manager)(nil)
