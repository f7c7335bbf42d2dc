// Package merge reconciles harvested comment fragments into persisted author
// records. Comment lists are append-only; scalar fields follow the latest
// observation except the profile description, which is written once.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KennyJian/red-book/internal/harvest"
)

// Options configures an Engine.
type Options struct {
	SiteBaseURL string
	Location    *time.Location
	// DedupeComments skips appending a comment whose id is already recorded.
	DedupeComments bool
}

// Result describes the outcome of a single merge.
type Result struct {
	Created  bool
	Appended bool
	Record   harvest.AuthorRecord
}

// Engine merges fragments into a RecordStore.
type Engine struct {
	store  harvest.RecordStore
	clock  harvest.Clock
	opts   Options
	locks  *keyLocker
	logger *zap.Logger
}

// NewEngine wires an Engine.
func NewEngine(store harvest.RecordStore, clock harvest.Clock, opts Options, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("merge: record store is required")
	}
	if clock == nil {
		return nil, errors.New("merge: clock is required")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		clock:  clock,
		opts:   opts,
		locks:  newKeyLocker(),
		logger: logger.Named("merge"),
	}, nil
}

// Merge appends frag to the record for userID, creating it from candidate when
// absent, and persists the result.
func (e *Engine) Merge(
	ctx context.Context,
	userID string,
	frag harvest.Fragment,
	candidate harvest.ProfileFields,
) (Result, error) {
	if userID == "" {
		return Result{}, errors.New("merge: user id is required")
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	record, found, err := e.store.Get(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load record %s: %w", userID, err)
	}
	now := e.clock.Now()
	if !found {
		record = harvest.AuthorRecord{
			UserID:      userID,
			Description: candidate.Description,
			Comments:    []harvest.CommentEntry{},
		}
	}

	appended := true
	if e.opts.DedupeComments && record.HasComment(frag.CommentID) {
		appended = false
	} else {
		record.Comments = append(record.Comments, e.entry(frag, now))
	}

	record.Nickname = candidate.Nickname
	if candidate.Avatar != "" {
		record.Avatar = candidate.Avatar
	}
	if record.Description == "" {
		record.Description = candidate.Description
	}
	record.Keyword = frag.Keyword
	record.CrawlTime = now
	record.ProfileURL = ProfileURL(e.opts.SiteBaseURL, userID, frag.Item.Tokens)

	if err := e.store.Put(ctx, record); err != nil {
		return Result{}, fmt.Errorf("save record %s: %w", userID, err)
	}
	e.logger.Debug("merged comment",
		zap.String("user_id", userID),
		zap.String("comment_id", frag.CommentID),
		zap.Bool("created", !found),
		zap.Bool("appended", appended),
		zap.Int("comments", len(record.Comments)),
	)
	return Result{Created: !found, Appended: appended, Record: record}, nil
}

// SetDescription stores desc on the record for userID only when the record has
// no description yet. It reports whether the record changed.
func (e *Engine) SetDescription(ctx context.Context, userID, desc string) (bool, error) {
	if desc == "" {
		return false, nil
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	record, found, err := e.store.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load record %s: %w", userID, err)
	}
	if !found || record.Description != "" {
		return false, nil
	}
	record.Description = desc
	if err := e.store.Put(ctx, record); err != nil {
		return false, fmt.Errorf("save record %s: %w", userID, err)
	}
	return true, nil
}

func (e *Engine) entry(frag harvest.Fragment, now time.Time) harvest.CommentEntry {
	return harvest.CommentEntry{
		CommentID:      frag.CommentID,
		Content:        frag.Content,
		NoteID:         frag.Item.ID,
		NoteTitle:      frag.Item.Title,
		NoteXsecToken:  frag.Item.Tokens.XsecToken,
		NoteXsecSource: frag.Item.Tokens.XsecSource,
		Keyword:        frag.Keyword,
		LikeCount:      frag.LikeCount,
		CommentTime:    frag.CreatedAt,
		CommentTimeStr: FormatTimestamp(frag.CreatedAt, e.opts.Location),
		CrawlTime:      now,
	}
}
