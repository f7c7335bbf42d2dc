// Package orchestrator runs the two-level crawl: keyword search discovers
// items, and each item's comments are filtered and merged into author
// records. Failures are isolated per item and per profile; only errors that
// make the session unusable end a run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KennyJian/red-book/internal/harvest"
	"github.com/KennyJian/red-book/internal/merge"
	"github.com/KennyJian/red-book/internal/progress"
)

// Config holds paging and pacing settings.
type Config struct {
	SearchPageSize     int
	SearchSort         string
	SearchPageDelay    time.Duration
	SearchErrorDelay   time.Duration
	MaxSearchFailures  int
	CommentPageDelay   time.Duration
	ProfileCooldown    time.Duration
	DefaultMaxItems    int
	DefaultMaxComments int
}

func (c Config) withDefaults() Config {
	if c.SearchPageSize <= 0 {
		c.SearchPageSize = 20
	}
	if c.SearchSort == "" {
		c.SearchSort = "time_descending"
	}
	if c.MaxSearchFailures <= 0 {
		c.MaxSearchFailures = 3
	}
	if c.DefaultMaxItems <= 0 {
		c.DefaultMaxItems = 20
	}
	if c.DefaultMaxComments <= 0 {
		c.DefaultMaxComments = 50
	}
	return c
}

// Orchestrator executes crawl runs. It is not safe for concurrent Run calls;
// the worker guarantees a single active run.
type Orchestrator struct {
	client  harvest.ContentClient
	engine  *merge.Engine
	status  harvest.StatusPublisher
	emitter progress.Emitter
	ids     harvest.IDGenerator
	clock   harvest.Clock
	cfg     Config
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithEmitter sends run events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSleep replaces the pacing delay function.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// New wires an Orchestrator.
func New(
	client harvest.ContentClient,
	engine *merge.Engine,
	status harvest.StatusPublisher,
	ids harvest.IDGenerator,
	clock harvest.Clock,
	cfg Config,
	opts ...Option,
) (*Orchestrator, error) {
	switch {
	case client == nil:
		return nil, errors.New("content client is required")
	case engine == nil:
		return nil, errors.New("merge engine is required")
	case status == nil:
		return nil, errors.New("status publisher is required")
	case ids == nil:
		return nil, errors.New("id generator is required")
	case clock == nil:
		return nil, errors.New("clock is required")
	}
	o := &Orchestrator{
		client: client,
		engine: engine,
		status: status,
		ids:    ids,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator")
	return o, nil
}

// NormalizeRequest applies the configured default limits to req.
func (o *Orchestrator) NormalizeRequest(req harvest.RunRequest) (harvest.RunRequest, error) {
	return req.Normalize(o.cfg.DefaultMaxItems, o.cfg.DefaultMaxComments)
}

// MatchesFilter reports whether content passes the filter: every comment
// passes an empty term set, otherwise at least one term must be a
// case-sensitive substring.
func MatchesFilter(content string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	for _, term := range terms {
		if strings.Contains(content, term) {
			return true
		}
	}
	return false
}

// run is the per-invocation state.
type run struct {
	o       *Orchestrator
	id      string
	eventID [16]byte
	req     harvest.RunRequest
	logger  *zap.Logger

	authors          map[string]struct{}
	profileAttempted map[string]struct{}
	verificationSeen bool
	lastProfile      time.Time
	summary          harvest.RunSummary
}

// Run processes every keyword in order and returns what was touched. Per-item
// failures are logged and skipped; a fatal error stops the run and is
// returned together with the partial summary.
func (o *Orchestrator) Run(ctx context.Context, runID string, req harvest.RunRequest) (harvest.RunSummary, error) {
	req, err := o.NormalizeRequest(req)
	if err != nil {
		return harvest.RunSummary{RunID: runID}, err
	}
	r := &run{
		o:                o,
		id:               runID,
		eventID:          progress.ParseRunID(runID),
		req:              req,
		logger:           o.logger.With(zap.String("run_id", runID)),
		authors:          make(map[string]struct{}),
		profileAttempted: make(map[string]struct{}),
		summary:          harvest.RunSummary{RunID: runID, Keywords: len(req.Keywords)},
	}
	start := o.clock.Now()
	r.emit(progress.Event{Stage: progress.StageRunStart})
	r.logger.Info("run started",
		zap.Strings("keywords", req.Keywords),
		zap.Int("max_items", req.MaxItemsPerKeyword),
		zap.Int("max_comments", req.MaxCommentsPerItem),
		zap.Strings("filter", req.CommentFilterTerms),
	)

	err = r.execute(ctx)
	r.summary.Duration = o.clock.Now().Sub(start)
	o.status.SetKeyword("")
	if err != nil {
		r.emit(progress.Event{Stage: progress.StageRunError, Dur: r.summary.Duration, Note: harvest.KindOf(err).String()})
		r.logger.Error("run aborted", zap.Error(err))
		return r.summary, err
	}
	o.status.SetProgress(100)
	o.status.SetMessage(SummaryMessage(r.summary))
	r.emit(progress.Event{Stage: progress.StageRunDone, Dur: r.summary.Duration})
	r.logger.Info("run finished",
		zap.Int("items", r.summary.Items),
		zap.Int("merges", r.summary.Merges),
		zap.Int("authors", r.summary.DistinctAuthors),
		zap.Duration("duration", r.summary.Duration),
	)
	return r.summary, nil
}

// SummaryMessage renders the final status line of a successful run.
func SummaryMessage(s harvest.RunSummary) string {
	return fmt.Sprintf("Crawl finished: %d authors touched (%d new), %d comments merged from %d items",
		s.DistinctAuthors, s.NewAuthors, s.Merges, s.Items)
}

func (r *run) execute(ctx context.Context) error {
	n := len(r.req.Keywords)
	for i, keyword := range r.req.Keywords {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.o.status.SetKeyword(keyword)
		r.o.status.SetProgress(i * 100 / n)
		r.o.status.SetMessage(fmt.Sprintf("Crawling keyword %q (%d/%d)", keyword, i+1, n))
		r.emit(progress.Event{Stage: progress.StageKeywordStart, Keyword: keyword})

		items, err := r.discover(ctx, keyword)
		if err != nil {
			return err
		}
		r.logger.Info("discovery finished", zap.String("keyword", keyword), zap.Int("items", len(items)))

		merged := 0
		for j, item := range items {
			r.o.status.SetMessage(fmt.Sprintf("Keyword %q: processing item %d/%d", keyword, j+1, len(items)))
			count, err := r.processItem(ctx, keyword, item)
			merged += count
			if err != nil {
				if isRunEnding(ctx, err) {
					return err
				}
				r.skipItem(keyword, item.ID, err)
			} else {
				r.summary.Items++
				r.emit(progress.Event{Stage: progress.StageItemDone, Keyword: keyword, ItemID: item.ID, Comments: int64(count)})
			}
			r.o.status.SetProgress(fineProgress(i, n, j, len(items)))
		}
		r.o.status.SetMessage(fmt.Sprintf("Keyword %q done (items: %d, comments: %d)", keyword, len(items), merged))
	}
	return nil
}

// fineProgress is coarse(i) + fine(j)/N, as a percentage after item j.
func fineProgress(i, n, j, m int) int {
	if n <= 0 {
		return 100
	}
	if m <= 0 {
		return (i + 1) * 100 / n
	}
	return (i*100*m + (j+1)*100) / (n * m)
}

func isRunEnding(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return harvest.IsFatal(err)
}

func (r *run) skipItem(keyword, itemID string, err error) {
	r.summary.ItemsSkipped++
	kind := harvest.KindOf(err)
	note := kind.String()
	if kind == harvest.KindVerificationRequired {
		r.noteVerification(itemID)
	} else {
		r.logger.Warn("item skipped", zap.String("keyword", keyword), zap.String("item_id", itemID), zap.Error(err))
	}
	r.emit(progress.Event{Stage: progress.StageItemSkipped, Keyword: keyword, ItemID: itemID, Note: note})
}

// noteVerification logs the first challenge of a run with operator guidance
// and later ones at debug level.
func (r *run) noteVerification(itemID string) {
	if r.verificationSeen {
		r.logger.Debug("verification challenge", zap.String("item_id", itemID))
		return
	}
	r.verificationSeen = true
	r.logger.Warn("verification challenge received; affected items are skipped. "+
		"Open the crawler browser and complete the check to restore full coverage",
		zap.String("item_id", itemID))
}

func (r *run) discover(ctx context.Context, keyword string) ([]harvest.Item, error) {
	cfg := r.o.cfg
	searchID, err := r.o.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("search id: %w", err)
	}

	var (
		items    []harvest.Item
		seen     = make(map[string]struct{})
		failures int
		limit    = r.req.MaxItemsPerKeyword
	)
	for page := 1; len(items) < limit; page++ {
		result, err := r.o.client.Search(ctx, harvest.SearchRequest{
			Keyword:  keyword,
			SearchID: searchID,
			Page:     page,
			PageSize: cfg.SearchPageSize,
			Sort:     cfg.SearchSort,
		})
		if err != nil {
			if isRunEnding(ctx, err) {
				return nil, err
			}
			if harvest.KindOf(err) == harvest.KindVerificationRequired {
				r.noteVerification("")
			}
			failures++
			r.logger.Warn("search page failed",
				zap.String("keyword", keyword), zap.Int("page", page), zap.Error(err))
			if page == 1 || failures >= cfg.MaxSearchFailures {
				break
			}
			if err := r.o.sleep(ctx, cfg.SearchErrorDelay); err != nil {
				return nil, err
			}
			continue
		}
		failures = 0

		for _, hit := range result.Hits {
			if len(items) >= limit {
				break
			}
			if hit.ID == "" {
				continue
			}
			if _, dup := seen[hit.ID]; dup {
				continue
			}
			seen[hit.ID] = struct{}{}
			item, ok, err := r.enrich(ctx, keyword, hit)
			if err != nil {
				return nil, err
			}
			if ok {
				items = append(items, item)
			}
		}
		if !result.HasMore {
			break
		}
		if len(items) < limit {
			if err := r.o.sleep(ctx, cfg.SearchPageDelay); err != nil {
				return nil, err
			}
		}
	}
	return items, nil
}

// enrich fetches the item detail. Detail failures other than a verification
// challenge keep the item without a title.
func (r *run) enrich(ctx context.Context, keyword string, hit harvest.SearchHit) (harvest.Item, bool, error) {
	item := harvest.Item{ID: hit.ID, Tokens: hit.Tokens}
	detail, err := r.o.client.ItemDetail(ctx, hit.ID, hit.Tokens)
	if err == nil {
		item.Title = detail.Title
		item.Description = detail.Description
		return item, true, nil
	}
	if isRunEnding(ctx, err) {
		return item, false, err
	}
	if harvest.KindOf(err) == harvest.KindVerificationRequired {
		r.skipItem(keyword, hit.ID, err)
		return item, false, nil
	}
	r.logger.Debug("item detail unavailable", zap.String("item_id", hit.ID), zap.Error(err))
	return item, true, nil
}

// processItem pages through comments and merges the retained ones. It returns
// the number of merged comments even when a later page fails.
func (r *run) processItem(ctx context.Context, keyword string, item harvest.Item) (int, error) {
	var (
		cursor  string
		fetched int
		merged  int
		limit   = r.req.MaxCommentsPerItem
	)
	for fetched < limit {
		page, err := r.o.client.Comments(ctx, harvest.CommentRequest{ItemID: item.ID, Tokens: item.Tokens, Cursor: cursor})
		if err != nil {
			return merged, err
		}
		for _, c := range page.Comments {
			if fetched >= limit {
				break
			}
			fetched++
			if c.Author.ID == "" || !MatchesFilter(c.Content, r.req.CommentFilterTerms) {
				continue
			}
			ok, err := r.mergeComment(ctx, keyword, item, c)
			if err != nil {
				return merged, err
			}
			if ok {
				merged++
			}
		}
		if !page.HasMore || page.Cursor == "" || len(page.Comments) == 0 {
			break
		}
		cursor = page.Cursor
		if fetched < limit {
			if err := r.o.sleep(ctx, r.o.cfg.CommentPageDelay); err != nil {
				return merged, err
			}
		}
	}
	return merged, nil
}

func (r *run) mergeComment(ctx context.Context, keyword string, item harvest.Item, c harvest.RawComment) (bool, error) {
	frag := harvest.Fragment{
		CommentID: c.ID,
		Content:   c.Content,
		Author:    c.Author,
		LikeCount: c.LikeCount,
		CreatedAt: c.CreatedAt,
		Item:      item,
		Keyword:   keyword,
	}
	res, err := r.o.engine.Merge(ctx, c.Author.ID, frag, harvest.ProfileFields{
		Nickname: c.Author.Nickname,
		Avatar:   c.Author.Avatar,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.logger.Error("merge failed", zap.String("user_id", c.Author.ID), zap.String("item_id", item.ID), zap.Error(err))
		return false, nil
	}

	if _, ok := r.authors[c.Author.ID]; !ok {
		r.authors[c.Author.ID] = struct{}{}
		r.summary.DistinctAuthors = len(r.authors)
		r.o.status.SetAuthors(len(r.authors))
	}
	if res.Created {
		r.summary.NewAuthors++
	}
	if res.Appended {
		r.summary.Merges++
	}
	r.emit(progress.Event{Stage: progress.StageMerge, Keyword: keyword, ItemID: item.ID, UserID: c.Author.ID, Created: res.Created})

	if res.Record.Description == "" {
		if err := r.lookupProfile(ctx, c.Author.ID, item.Tokens); err != nil {
			return res.Appended, err
		}
	}
	return res.Appended, nil
}

// lookupProfile fetches a missing description once per author per run. Only
// cancellation is returned; lookup failures are logged.
func (r *run) lookupProfile(ctx context.Context, userID string, tokens harvest.Tokens) error {
	if _, done := r.profileAttempted[userID]; done {
		return nil
	}
	r.profileAttempted[userID] = struct{}{}

	if !r.lastProfile.IsZero() {
		wait := r.o.cfg.ProfileCooldown - r.o.clock.Now().Sub(r.lastProfile)
		if err := r.o.sleep(ctx, wait); err != nil {
			return err
		}
	}
	desc, err := r.o.client.ProfileDescription(ctx, harvest.ProfileRequest{UserID: userID, Tokens: tokens})
	r.lastProfile = r.o.clock.Now()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.summary.ProfileFailures++
		if harvest.KindOf(err) == harvest.KindVerificationRequired {
			r.noteVerification("")
		} else {
			r.logger.Warn("profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return nil
	}
	if desc == "" {
		return nil
	}
	if _, err := r.o.engine.SetDescription(ctx, userID, desc); err != nil {
		r.logger.Warn("store description failed", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}

func (r *run) emit(evt progress.Event) {
	if r.o.emitter == nil {
		return
	}
	evt.RunID = r.eventID
	evt.TS = r.o.clock.Now()
	r.o.emitter.Emit(evt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
