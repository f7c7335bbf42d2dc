// Package remote implements the content API client used by the session
// manager: paginated search, item detail, comment pages, liveness, and profile
// descriptions. Upstream payloads are normalized into harvest types here so no
// other package inspects raw field names.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/KennyJian/red-book/internal/harvest"
	"github.com/KennyJian/red-book/internal/metrics"
	"github.com/KennyJian/red-book/internal/policy/ratelimit"
)

// Upstream status codes that signal a soft verification challenge.
const (
	statusVerifyA = 461
	statusVerifyB = 471
)

// Envelope codes that signal a missing or expired login.
var unauthorizedCodes = map[int64]bool{-100: true, -101: true, -104: true}

// Operation names used for rate limiting and metrics.
const (
	OpSearch   = "search"
	OpDetail   = "detail"
	OpComments = "comments"
	OpProfile  = "profile"
	OpPing     = "ping"
)

// Paths locates each endpoint relative to the API base URL.
type Paths struct {
	Search   string
	Detail   string
	Comments string
	Ping     string
}

// DefaultPaths returns the web API endpoints.
func DefaultPaths() Paths {
	return Paths{
		Search:   "/api/sns/web/v1/search/notes",
		Detail:   "/api/sns/web/v1/feed",
		Comments: "/api/sns/web/v2/comment/page",
		Ping:     "/api/sns/web/v2/user/me",
	}
}

// Config controls the client.
type Config struct {
	APIBaseURL  string
	SiteBaseURL string
	UserAgent   string
	Timeout     time.Duration
	Paths       Paths
}

// Client talks to the content API with the session's cookies.
type Client struct {
	cfg      Config
	http     *http.Client
	signer   Signer
	limiter  *ratelimit.Limiter
	profiles *ProfileFetcher
	logger   *zap.Logger

	mu      sync.RWMutex
	cookies []harvest.Cookie
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithSigner installs a request signer.
func WithSigner(s Signer) Option {
	return func(cl *Client) { cl.signer = s }
}

// WithLimiter paces calls per operation.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(cl *Client) { cl.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New builds a Client bound to cookies.
func New(cfg Config, cookies []harvest.Cookie, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, errors.New("remote: api base url is required")
	}
	if _, err := url.Parse(cfg.APIBaseURL); err != nil {
		return nil, fmt.Errorf("remote: parse api base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Paths == (Paths{}) {
		cfg.Paths = DefaultPaths()
	}
	if cfg.SiteBaseURL == "" {
		cfg.SiteBaseURL = cfg.APIBaseURL
	}
	c := &Client{
		cfg:     cfg,
		signer:  NopSigner{},
		cookies: append([]harvest.Cookie(nil), cookies...),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout, Transport: newHTTPTransport()}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("remote")
	c.profiles = NewProfileFetcher(ProfileConfig{
		SiteBaseURL: cfg.SiteBaseURL,
		UserAgent:   cfg.UserAgent,
		Timeout:     cfg.Timeout,
	}, c.http.Transport)
	return c, nil
}

// Factory returns a harvest.ClientFactory producing clients that share the
// given options.
func Factory(cfg Config, opts ...Option) harvest.ClientFactory {
	return func(cookies []harvest.Cookie) (harvest.ContentClient, error) {
		return New(cfg, cookies, opts...)
	}
}

// UpdateCookies replaces the cookie set used for subsequent calls.
func (c *Client) UpdateCookies(cookies []harvest.Cookie) {
	c.mu.Lock()
	c.cookies = append([]harvest.Cookie(nil), cookies...)
	c.mu.Unlock()
}

func (c *Client) currentCookies() []harvest.Cookie {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]harvest.Cookie(nil), c.cookies...)
}

// Search fetches one page of search results.
func (c *Client) Search(ctx context.Context, req harvest.SearchRequest) (harvest.SearchPage, error) {
	body := map[string]any{
		"keyword":   req.Keyword,
		"page":      req.Page,
		"page_size": req.PageSize,
		"search_id": req.SearchID,
		"sort":      req.Sort,
		"note_type": 0,
	}
	data, err := c.post(ctx, OpSearch, c.cfg.Paths.Search, body)
	if err != nil {
		return harvest.SearchPage{}, err
	}
	return harvest.SearchPage{
		Hits:    normalizeSearchHits(data),
		HasMore: data.Get("has_more").Bool(),
	}, nil
}

// ItemDetail fetches title and description for one item.
func (c *Client) ItemDetail(ctx context.Context, itemID string, tokens harvest.Tokens) (harvest.ItemDetail, error) {
	body := map[string]any{
		"source_note_id": itemID,
		"image_formats":  []string{"jpg", "webp", "avif"},
		"extra":          map[string]int{"need_body_topic": 1},
		"xsec_source":    tokens.XsecSource,
		"xsec_token":     tokens.XsecToken,
	}
	data, err := c.post(ctx, OpDetail, c.cfg.Paths.Detail, body)
	if err != nil {
		return harvest.ItemDetail{}, err
	}
	return normalizeDetail(data), nil
}

// Comments fetches one comment page for an item.
func (c *Client) Comments(ctx context.Context, req harvest.CommentRequest) (harvest.CommentPage, error) {
	q := url.Values{}
	q.Set("note_id", req.ItemID)
	q.Set("cursor", req.Cursor)
	q.Set("top_comment_id", "")
	q.Set("image_formats", "jpg,webp,avif")
	q.Set("xsec_token", req.Tokens.XsecToken)
	data, err := c.get(ctx, OpComments, c.cfg.Paths.Comments, q)
	if err != nil {
		return harvest.CommentPage{}, err
	}
	return normalizeCommentPage(data), nil
}

// Ping reports whether the current cookies carry a logged-in session.
// Unauthorized responses report false without error.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	data, err := c.get(ctx, OpPing, c.cfg.Paths.Ping, nil)
	if err != nil {
		if harvest.KindOf(err) == harvest.KindUnauthorized {
			return false, nil
		}
		return false, err
	}
	if data.Get("guest").Bool() {
		return false, nil
	}
	return firstString(data, []string{"user_id", "basic_info.user_id"}) != "", nil
}

// ProfileDescription fetches an author's self-description from the profile page.
func (c *Client) ProfileDescription(ctx context.Context, req harvest.ProfileRequest) (string, error) {
	if err := c.wait(ctx, OpProfile); err != nil {
		return "", err
	}
	start := time.Now()
	desc, err := c.profiles.Description(ctx, req, c.currentCookies())
	metrics.ObserveRemoteCall(OpProfile, outcome(err), time.Since(start))
	return desc, err
}

func (c *Client) post(ctx context.Context, op, path string, body any) (gjson.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, harvest.NewError(kindFor(op), op, fmt.Errorf("encode body: %w", err))
	}
	return c.do(ctx, op, http.MethodPost, path, payload)
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values) (gjson.Result, error) {
	if len(q) > 0 {
		path = path + "?" + q.Encode()
	}
	return c.do(ctx, op, http.MethodGet, path, nil)
}

func (c *Client) do(ctx context.Context, op, method, uri string, payload []byte) (gjson.Result, error) {
	if err := c.wait(ctx, op); err != nil {
		return gjson.Result{}, err
	}
	start := time.Now()
	data, err := c.roundTrip(ctx, op, method, uri, payload)
	metrics.ObserveRemoteCall(op, outcome(err), time.Since(start))
	if err != nil {
		c.logger.Debug("remote call failed", zap.String("op", op), zap.Error(err))
	}
	return data, err
}

func (c *Client) wait(ctx context.Context, op string) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx, op); err != nil {
		return harvest.NewError(kindFor(op), op, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, uri string, payload []byte) (gjson.Result, error) {
	kind := kindFor(op)
	cookies := c.currentCookies()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.APIBaseURL, "/")+uri, body)
	if err != nil {
		return gjson.Result{}, harvest.NewError(kind, op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.SiteBaseURL != "" {
		req.Header.Set("Origin", strings.TrimRight(c.cfg.SiteBaseURL, "/"))
		req.Header.Set("Referer", strings.TrimRight(c.cfg.SiteBaseURL, "/")+"/")
	}
	if h := CookieHeader(cookies); h != "" {
		req.Header.Set("Cookie", h)
	}
	signed, err := c.signer.Sign(ctx, method, uri, payload, cookies)
	if err != nil {
		return gjson.Result{}, harvest.NewError(kind, op, fmt.Errorf("sign request: %w", err))
	}
	for k, values := range signed {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, harvest.NewError(kind, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return gjson.Result{}, harvest.NewError(kind, op, fmt.Errorf("read body: %w", err))
	}
	return classify(op, resp.StatusCode, raw)
}

// classify maps an upstream response onto data or a structured error.
func classify(op string, status int, raw []byte) (gjson.Result, error) {
	kind := kindFor(op)
	switch {
	case status == statusVerifyA || status == statusVerifyB:
		return gjson.Result{}, harvest.NewError(harvest.KindVerificationRequired, op,
			fmt.Errorf("upstream status %d", status))
	case status == http.StatusUnauthorized:
		return gjson.Result{}, harvest.NewError(harvest.KindUnauthorized, op,
			fmt.Errorf("upstream status %d", status))
	case status < 200 || status > 299:
		return gjson.Result{}, harvest.NewError(kind, op, fmt.Errorf("upstream status %d", status))
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, harvest.NewError(kind, op, errors.New("response is not valid JSON"))
	}
	env := gjson.ParseBytes(raw)
	if env.Get("success").Bool() {
		return env.Get("data"), nil
	}
	code := env.Get("code").Int()
	msg := env.Get("msg").String()
	if unauthorizedCodes[code] {
		return gjson.Result{}, harvest.NewError(harvest.KindUnauthorized, op,
			fmt.Errorf("upstream code %d: %s", code, msg))
	}
	if env.Get("verify_type").Exists() {
		return gjson.Result{}, harvest.NewError(harvest.KindVerificationRequired, op,
			fmt.Errorf("upstream code %d: %s", code, msg))
	}
	return gjson.Result{}, harvest.NewError(kind, op, fmt.Errorf("upstream code %d: %s", code, msg))
}

func kindFor(op string) harvest.Kind {
	switch op {
	case OpComments:
		return harvest.KindCommentFetch
	case OpProfile:
		return harvest.KindProfileFetch
	default:
		return harvest.KindItemFetch
	}
}

func outcome(err error) string {
	switch harvest.KindOf(err) {
	case harvest.KindUnknown:
		if err == nil {
			return "ok"
		}
		return "error"
	case harvest.KindVerificationRequired:
		return "verification"
	case harvest.KindUnauthorized:
		return "unauthorized"
	default:
		return "error"
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
