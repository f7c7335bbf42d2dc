package browser

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/KennyJian/red-book/internal/harvest"
)

func TestNewLauncherDefaultsNavTimeout(t *testing.T) {
	t.Parallel()

	l := NewLauncher(Config{})
	require.Equal(t, 30*time.Second, l.cfg.NavigationTimeout)

	l = NewLauncher(Config{NavigationTimeout: time.Second})
	require.Equal(t, time.Second, l.cfg.NavigationTimeout)
}

func TestAllocatorOptionsGrowWithConfig(t *testing.T) {
	t.Parallel()

	base := AllocatorOptions(Config{Headless: true})
	full := AllocatorOptions(Config{
		Headless:    true,
		UserDataDir: t.TempDir(),
		UserAgent:   "ua",
		ExtraFlags:  map[string]any{"lang": "zh-CN"},
	})
	require.Len(t, full, len(base)+3)
}

func TestConvertCookiesSkipsBlank(t *testing.T) {
	t.Parallel()

	got := convertCookies([]*network.Cookie{
		{Name: "a1", Value: "x", Domain: ".xiaohongshu.com"},
		nil,
		{Name: "", Value: "ignored"},
		{Name: "web_session", Value: "y"},
	})
	require.Equal(t, []harvest.Cookie{
		{Name: "a1", Value: "x", Domain: ".xiaohongshu.com"},
		{Name: "web_session", Value: "y"},
	}, got)
}

func TestSessionCloseIdempotent(t *testing.T) {
	t.Parallel()

	calls := 0
	s := &Session{tabCancel: func() { calls++ }, allocCancel: func() { calls++ }}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, 2, calls)
}

func TestUnstartedSessionErrors(t *testing.T) {
	t.Parallel()

	s := &Session{}
	_, err := s.Cookies(context.Background())
	require.Error(t, err)
	require.Error(t, s.Navigate(context.Background(), "https://example.com"))
}
