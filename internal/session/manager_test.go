package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KennyJian/red-book/internal/harvest"
)

type fakeBrowser struct {
	mu        sync.Mutex
	navigated []string
	cookieN   int
	closed    int
}

func (b *fakeBrowser) Cookies(context.Context) ([]harvest.Cookie, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cookieN++
	return []harvest.Cookie{{Name: "web_session", Value: "v"}}, nil
}

func (b *fakeBrowser) Navigate(_ context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navigated = append(b.navigated, url)
	return nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

type fakeLauncher struct {
	browser  *fakeBrowser
	err      error
	launches atomic.Int32
}

func (l *fakeLauncher) Launch(context.Context) (harvest.BrowserSession, error) {
	l.launches.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return l.browser, nil
}

// fakeClient reports logged out for the first failPings calls.
type fakeClient struct {
	failPings int32
	pings     atomic.Int32
	updates   atomic.Int32
	searches  atomic.Int32
}

func (c *fakeClient) Search(context.Context, harvest.SearchRequest) (harvest.SearchPage, error) {
	c.searches.Add(1)
	return harvest.SearchPage{Hits: []harvest.SearchHit{{ID: "I1"}}}, nil
}

func (c *fakeClient) ItemDetail(context.Context, string, harvest.Tokens) (harvest.ItemDetail, error) {
	return harvest.ItemDetail{Title: "t"}, nil
}

func (c *fakeClient) Comments(context.Context, harvest.CommentRequest) (harvest.CommentPage, error) {
	return harvest.CommentPage{}, nil
}

func (c *fakeClient) ProfileDescription(context.Context, harvest.ProfileRequest) (string, error) {
	return "desc", nil
}

func (c *fakeClient) Ping(context.Context) (bool, error) {
	n := c.pings.Add(1)
	return n > c.failPings, nil
}

func (c *fakeClient) UpdateCookies([]harvest.Cookie) {
	c.updates.Add(1)
}

func newManager(t *testing.T, launcher *fakeLauncher, client *fakeClient, opts Options) *Manager {
	t.Helper()
	factory := func([]harvest.Cookie) (harvest.ContentClient, error) { return client, nil }
	m, err := NewManager(launcher, factory, nil, opts, nil)
	require.NoError(t, err)
	t.Cleanup(m.Teardown)
	return m
}

func TestEnsureReadyAlreadyLoggedIn(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	launcher := &fakeLauncher{browser: browser}
	client := &fakeClient{}
	m := newManager(t, launcher, client, Options{IndexURL: "https://site.example", PollInterval: 10 * time.Millisecond})

	require.Equal(t, StateUninitialized, m.State())
	require.NoError(t, m.EnsureReady(context.Background()))
	require.Equal(t, StateReady, m.State())
	require.NoError(t, m.EnsureReady(context.Background()))

	require.EqualValues(t, 1, launcher.launches.Load())
	require.EqualValues(t, 1, client.pings.Load())
	require.Equal(t, []string{"https://site.example"}, browser.navigated)
}

func TestEnsureReadyWaitsForLogin(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{browser: &fakeBrowser{}}
	client := &fakeClient{failPings: 3}
	m := newManager(t, launcher, client, Options{
		LoginTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})

	require.NoError(t, m.EnsureReady(context.Background()))
	require.Equal(t, StateReady, m.State())
	require.EqualValues(t, 4, client.pings.Load())
	require.EqualValues(t, 3, client.updates.Load())
}

func TestEnsureReadyLoginTimeout(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	launcher := &fakeLauncher{browser: browser}
	client := &fakeClient{failPings: 1 << 30}
	m := newManager(t, launcher, client, Options{
		LoginTimeout: 50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})

	err := m.EnsureReady(context.Background())
	require.ErrorIs(t, err, harvest.ErrLoginTimeout)
	var herr *harvest.Error
	require.True(t, errors.As(err, &herr))
	require.Equal(t, 50*time.Millisecond, herr.Timeout)
	require.Equal(t, StateAwaitingLogin, m.State())

	browser.mu.Lock()
	require.Zero(t, browser.closed)
	browser.mu.Unlock()
}

func TestLaunchFailureIsBrowserUnavailable(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{err: errors.New("no chrome")}
	m := newManager(t, launcher, &fakeClient{}, Options{})

	err := m.EnsureReady(context.Background())
	require.ErrorIs(t, err, harvest.ErrBrowserUnavailable)
	require.Equal(t, StateUninitialized, m.State())
}

func TestContentCallsAttachLazily(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{browser: &fakeBrowser{}}
	client := &fakeClient{}
	m := newManager(t, launcher, client, Options{})

	page, err := m.Search(context.Background(), harvest.SearchRequest{Keyword: "alpha"})
	require.NoError(t, err)
	require.Len(t, page.Hits, 1)
	require.Equal(t, StateReady, m.State())

	desc, err := m.ProfileDescription(context.Background(), harvest.ProfileRequest{UserID: "U1"})
	require.NoError(t, err)
	require.Equal(t, "desc", desc)
	require.EqualValues(t, 1, launcher.launches.Load())
}

func TestTeardownIdempotent(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{}
	launcher := &fakeLauncher{browser: browser}
	m, err := NewManager(launcher, func([]harvest.Cookie) (harvest.ContentClient, error) {
		return &fakeClient{}, nil
	}, nil, Options{}, nil)
	require.NoError(t, err)

	m.Teardown()
	m.Teardown()
	require.Equal(t, StateClosed, m.State())
	require.Zero(t, launcher.launches.Load())

	m2 := newManager(t, launcher, &fakeClient{}, Options{})
	require.NoError(t, m2.EnsureReady(context.Background()))
	m2.Teardown()
	m2.Teardown()
	browser.mu.Lock()
	require.Equal(t, 1, browser.closed)
	browser.mu.Unlock()

	_, err = m2.Search(context.Background(), harvest.SearchRequest{})
	require.Error(t, err)
}

func TestNewManagerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewManager(nil, nil, nil, Options{}, nil)
	require.Error(t, err)
	_, err = NewManager(&fakeLauncher{}, nil, nil, Options{}, nil)
	require.Error(t, err)
}
