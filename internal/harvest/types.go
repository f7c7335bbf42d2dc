// Package harvest defines the domain types shared by the session, orchestration,
// merge, and storage layers.
package harvest

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// Cookie is a single name/value pair extracted from the browser session.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
}

// Tokens are the continuation parameters required for authenticated follow-up
// requests against a specific item.
type Tokens struct {
	XsecToken  string `json:"xsec_token"`
	XsecSource string `json:"xsec_source"`
}

// SearchHit is one raw entry of a search page before detail enrichment.
type SearchHit struct {
	ID        string
	ModelType string
	Tokens    Tokens
}

// SearchPage is the result of a single paginated search request.
type SearchPage struct {
	Hits    []SearchHit
	HasMore bool
}

// SearchRequest parameterizes a search call.
type SearchRequest struct {
	Keyword  string
	SearchID string
	Page     int
	PageSize int
	Sort     string
}

// ItemDetail carries the fields fetched for a single item.
type ItemDetail struct {
	Title       string
	Description string
}

// Item is a discovered content post. It is read-only once discovery returns it.
type Item struct {
	ID          string `json:"note_id"`
	Title       string `json:"title"`
	Description string `json:"desc"`
	Tokens      Tokens `json:"tokens"`
}

// Author is the normalized author reference attached to a raw comment.
type Author struct {
	ID       string
	Nickname string
	Avatar   string
}

// RawComment is a comment as returned by the remote client after field
// normalization but before filtering.
type RawComment struct {
	ID        string
	Content   string
	Author    Author
	LikeCount int64
	CreatedAt int64
}

// CommentPage is one cursor-driven page of comments.
type CommentPage struct {
	Comments []RawComment
	Cursor   string
	HasMore  bool
}

// CommentRequest parameterizes a comment page fetch.
type CommentRequest struct {
	ItemID string
	Tokens Tokens
	Cursor string
}

// ProfileRequest parameterizes a profile-description lookup.
type ProfileRequest struct {
	UserID string
	Tokens Tokens
}

// Fragment is a transient harvested comment prior to merge.
type Fragment struct {
	CommentID string
	Content   string
	Author    Author
	LikeCount int64
	CreatedAt int64
	Item      Item
	Keyword   string
}

// ProfileFields are the candidate scalar fields offered to a merge.
type ProfileFields struct {
	Nickname    string
	Avatar      string
	Description string
}

// CommentEntry is a comment persisted inside an AuthorRecord.
type CommentEntry struct {
	CommentID      string    `json:"comment_id"`
	Content        string    `json:"content"`
	NoteID         string    `json:"note_id"`
	NoteTitle      string    `json:"note_title"`
	NoteXsecToken  string    `json:"note_xsec_token"`
	NoteXsecSource string    `json:"note_xsec_source"`
	Keyword        string    `json:"keyword"`
	LikeCount      int64     `json:"like_count"`
	CommentTime    int64     `json:"comment_time"`
	CommentTimeStr string    `json:"comment_time_str"`
	CrawlTime      time.Time `json:"crawl_time"`
}

// AuthorRecord is the persisted entity, keyed by UserID.
type AuthorRecord struct {
	UserID      string         `json:"user_id"`
	Nickname    string         `json:"nickname"`
	Avatar      string         `json:"avatar,omitempty"`
	Description string         `json:"desc"`
	ProfileURL  string         `json:"user_url"`
	Keyword     string         `json:"keyword"`
	CrawlTime   time.Time      `json:"crawl_time"`
	Comments    []CommentEntry `json:"comments"`
}

// HasComment reports whether a comment with the given id is already recorded.
func (r AuthorRecord) HasComment(commentID string) bool {
	if commentID == "" {
		return false
	}
	for _, c := range r.Comments {
		if c.CommentID == commentID {
			return true
		}
	}
	return false
}

// RunRequest is the caller-supplied input of a crawl run.
type RunRequest struct {
	Keywords           []string `json:"keywords"`
	MaxItemsPerKeyword int      `json:"max_items"`
	MaxCommentsPerItem int      `json:"max_comments"`
	CommentFilterTerms []string `json:"comment_filter_keywords"`
}

// Normalize trims keywords, drops blank keywords and filter terms and fills
// non-positive limits with the given defaults. It fails with
// KindInvalidRequest when no keyword remains.
func (r RunRequest) Normalize(defaultItems, defaultComments int) (RunRequest, error) {
	out := RunRequest{
		Keywords:           cleanTerms(r.Keywords),
		MaxItemsPerKeyword: r.MaxItemsPerKeyword,
		MaxCommentsPerItem: r.MaxCommentsPerItem,
		CommentFilterTerms: dropBlank(r.CommentFilterTerms),
	}
	if len(out.Keywords) == 0 {
		return out, NewError(KindInvalidRequest, "run.validate", errors.New("keywords are required"))
	}
	if out.MaxItemsPerKeyword <= 0 {
		out.MaxItemsPerKeyword = defaultItems
	}
	if out.MaxCommentsPerItem <= 0 {
		out.MaxCommentsPerItem = defaultComments
	}
	return out, nil
}

func cleanTerms(in []string) []string {
	out := make([]string, 0, len(in))
	for _, term := range in {
		if term = strings.TrimSpace(term); term != "" {
			out = append(out, term)
		}
	}
	return out
}

// dropBlank keeps non-blank terms exactly as given; filter matching is a
// literal substring test.
func dropBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, term := range in {
		if strings.TrimSpace(term) != "" {
			out = append(out, term)
		}
	}
	return out
}

// RunSummary reports what a completed run touched.
type RunSummary struct {
	RunID           string        `json:"run_id"`
	Keywords        int           `json:"keywords"`
	Items           int           `json:"items"`
	ItemsSkipped    int           `json:"items_skipped"`
	Merges          int           `json:"merges"`
	DistinctAuthors int           `json:"distinct_authors"`
	NewAuthors      int           `json:"new_authors"`
	ProfileFailures int           `json:"profile_failures"`
	Duration        time.Duration `json:"duration"`
}

// SortByCrawlTime orders records by most recent crawl touch first. Ties keep
// user id order so listings are stable.
func SortByCrawlTime(records []AuthorRecord) {
	slices.SortStableFunc(records, func(a, b AuthorRecord) int {
		if c := b.CrawlTime.Compare(a.CrawlTime); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
}
