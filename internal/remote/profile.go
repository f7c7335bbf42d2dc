package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/tidwall/gjson"

	"github.com/KennyJian/red-book/internal/harvest"
)

var (
	initialStatePattern = regexp.MustCompile(`(?s)window\.__INITIAL_STATE__\s*=\s*(\{.*?\})\s*</script>`)
	undefinedPattern    = regexp.MustCompile(`:\s*undefined\b`)
)

// Candidate locations of the self-description inside the profile state.
var descriptionPaths = []string{
	"user.userPageData.basicInfo.desc",
	"user.userPageData.value.basicInfo.desc",
	"user.userInfo.desc",
}

// ProfileConfig controls profile page fetching.
type ProfileConfig struct {
	SiteBaseURL string
	UserAgent   string
	Timeout     time.Duration
}

// ProfileFetcher loads public profile pages with colly and extracts the
// embedded initial-state JSON.
type ProfileFetcher struct {
	cfg           ProfileConfig
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewProfileFetcher builds a ProfileFetcher. A nil transport uses the default.
func NewProfileFetcher(cfg ProfileConfig, transport http.RoundTripper) *ProfileFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	return &ProfileFetcher{cfg: cfg, baseCollector: c}
}

// ProfileURL returns the page fetched for req.
func (p *ProfileFetcher) ProfileURL(req harvest.ProfileRequest) string {
	q := url.Values{}
	if req.Tokens.XsecToken != "" {
		q.Set("xsec_token", req.Tokens.XsecToken)
	}
	if req.Tokens.XsecSource != "" {
		q.Set("xsec_source", req.Tokens.XsecSource)
	}
	u := strings.TrimRight(p.cfg.SiteBaseURL, "/") + "/user/profile/" + url.PathEscape(req.UserID)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// Description returns the author's self-description, or "" when the page has
// none.
func (p *ProfileFetcher) Description(
	ctx context.Context,
	req harvest.ProfileRequest,
	cookies []harvest.Cookie,
) (string, error) {
	if req.UserID == "" {
		return "", harvest.NewError(harvest.KindProfileFetch, OpProfile, errors.New("user id is required"))
	}
	var (
		body     []byte
		fetchErr error
		status   int
	)
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)
	p.configureHooks(collector, CookieHeader(cookies), &body, &status, &fetchErr)

	visitErr := runCollector(ctx, collector, p.ProfileURL(req))
	if ctx.Err() != nil {
		return "", harvest.NewError(harvest.KindProfileFetch, OpProfile, visitErr)
	}
	if status == statusVerifyA || status == statusVerifyB {
		return "", harvest.NewError(harvest.KindVerificationRequired, OpProfile,
			fmt.Errorf("upstream status %d", status))
	}
	if visitErr != nil {
		return "", harvest.NewError(harvest.KindProfileFetch, OpProfile, visitErr)
	}
	if fetchErr != nil {
		return "", harvest.NewError(harvest.KindProfileFetch, OpProfile, fetchErr)
	}
	desc, err := ExtractDescription(body)
	if err != nil {
		return "", harvest.NewError(harvest.KindProfileFetch, OpProfile, err)
	}
	return desc, nil
}

func (p *ProfileFetcher) configureHooks(
	hooks collectorHooks,
	cookie string,
	body *[]byte,
	status *int,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if cookie != "" {
			r.Headers.Set("Cookie", cookie)
		}
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
	})
	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
		*body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, target string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("profile fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("profile visit failed: %w", err)
		}
		return nil
	}
}

// ExtractDescription reads the self-description from a profile page body.
func ExtractDescription(page []byte) (string, error) {
	m := initialStatePattern.FindSubmatch(page)
	if m == nil {
		return "", errors.New("profile page has no initial state")
	}
	state := undefinedPattern.ReplaceAll(m[1], []byte(":null"))
	if !gjson.ValidBytes(state) {
		return "", errors.New("profile initial state is not valid JSON")
	}
	parsed := gjson.ParseBytes(state)
	return firstString(parsed, descriptionPaths), nil
}
