package harvest

import (
	"context"
	"time"
)

// BrowserLauncher starts an authenticated browser context.
type BrowserLauncher interface {
	Launch(ctx context.Context) (BrowserSession, error)
}

// BrowserSession is a live browser context owned by the session manager.
type BrowserSession interface {
	Cookies(ctx context.Context) ([]Cookie, error)
	Navigate(ctx context.Context, url string) error
	Close() error
}

// ContentClient is the remote content capability. Implementations return
// *Error values carrying KindUnauthorized or KindVerificationRequired when the
// upstream signals those conditions.
type ContentClient interface {
	Search(ctx context.Context, req SearchRequest) (SearchPage, error)
	ItemDetail(ctx context.Context, itemID string, tokens Tokens) (ItemDetail, error)
	Comments(ctx context.Context, req CommentRequest) (CommentPage, error)
	ProfileDescription(ctx context.Context, req ProfileRequest) (string, error)
	Ping(ctx context.Context) (bool, error)
	UpdateCookies(cookies []Cookie)
}

// ClientFactory builds a content client bound to a cookie set.
type ClientFactory func(cookies []Cookie) (ContentClient, error)

// RecordStore persists author records keyed by user id.
type RecordStore interface {
	Get(ctx context.Context, userID string) (AuthorRecord, bool, error)
	Put(ctx context.Context, record AuthorRecord) error
	List(ctx context.Context) ([]AuthorRecord, error)
	Count(ctx context.Context) (int, error)
}

// StatusPublisher receives progress updates from the active run.
type StatusPublisher interface {
	SetKeyword(keyword string)
	SetProgress(percent int)
	SetAuthors(count int)
	SetMessage(msg string)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
