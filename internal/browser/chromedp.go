// Package browser provides the chromedp-backed browser session used for login
// and cookie extraction.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/KennyJian/red-book/internal/harvest"
)

// Config controls how Chrome is started.
type Config struct {
	UserDataDir       string
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	// ExtraFlags are appended to the allocator options.
	ExtraFlags map[string]any
}

// Launcher implements harvest.BrowserLauncher with a persistent Chrome profile.
type Launcher struct {
	cfg Config
}

// NewLauncher returns a Launcher.
func NewLauncher(cfg Config) *Launcher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	return &Launcher{cfg: cfg}
}

// AllocatorOptions returns the exec allocator options for cfg.
func AllocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	for name, value := range cfg.ExtraFlags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// Launch starts Chrome and opens the first tab. The returned session must be
// closed by the caller.
func (l *Launcher) Launch(ctx context.Context) (harvest.BrowserSession, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(l.cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:         l.cfg,
		tab:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(tabCtx, s.setupAction())
	}()
	select {
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("browser launch canceled: %w", ctx.Err())
	case err := <-started:
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	}
	return s, nil
}

// Session is one running Chrome instance with a single tab.
type Session struct {
	cfg         Config
	tab         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

func (s *Session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Cookies returns every cookie visible to the tab.
func (s *Session) Cookies(ctx context.Context) ([]harvest.Cookie, error) {
	var raw []*network.Cookie
	err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		raw = cookies
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return convertCookies(raw), nil
}

// Navigate loads url in the tab and waits for the body.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Close shuts down the tab and the browser process.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.tabCancel != nil {
			s.tabCancel()
		}
		if s.allocCancel != nil {
			s.allocCancel()
		}
	})
	return nil
}

// run executes actions on the tab with a timeout while honoring the caller's
// ctx. chromedp needs the tab context, so the caller's ctx is bridged in.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if s.tab == nil {
		return errors.New("browser session not started")
	}
	taskCtx, cancel := context.WithTimeout(s.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func convertCookies(raw []*network.Cookie) []harvest.Cookie {
	out := make([]harvest.Cookie, 0, len(raw))
	for _, c := range raw {
		if c == nil || c.Name == "" {
			continue
		}
		out = append(out, harvest.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
	}
	return out
}

var (
	_ harvest.BrowserLauncher = (*Launcher)(nil)
	_ harvest.BrowserSession  = (*Session)(nil)
)
