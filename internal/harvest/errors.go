package harvest

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies failures so callers never need to inspect error strings.
type Kind int

// Error kinds understood by the orchestrator and the serving layer.
const (
	KindUnknown Kind = iota
	KindLoginTimeout
	KindUnauthorized
	KindVerificationRequired
	KindItemFetch
	KindCommentFetch
	KindProfileFetch
	KindBrowserStartupTimeout
	KindBrowserUnavailable
	KindInvalidRequest
	KindAlreadyRunning
	KindQueueFull
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindLoginTimeout:          "login_timeout",
	KindUnauthorized:          "unauthorized",
	KindVerificationRequired:  "verification_required",
	KindItemFetch:             "item_fetch",
	KindCommentFetch:          "comment_fetch",
	KindProfileFetch:          "profile_fetch",
	KindBrowserStartupTimeout: "startup_timeout",
	KindBrowserUnavailable:    "browser_unavailable",
	KindInvalidRequest:        "invalid_request",
	KindAlreadyRunning:        "already_running",
	KindQueueFull:             "queue_full",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the structured failure type returned across component boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Timeout time.Duration
}

// Sentinels for errors.Is comparisons; matching is by Kind only.
var (
	ErrLoginTimeout          = &Error{Kind: KindLoginTimeout}
	ErrUnauthorized          = &Error{Kind: KindUnauthorized}
	ErrVerificationRequired  = &Error{Kind: KindVerificationRequired}
	ErrBrowserStartupTimeout = &Error{Kind: KindBrowserStartupTimeout}
	ErrBrowserUnavailable    = &Error{Kind: KindBrowserUnavailable}
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
	ErrAlreadyRunning        = &Error{Kind: KindAlreadyRunning}
	ErrQueueFull             = &Error{Kind: KindQueueFull}
)

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Kind == KindLoginTimeout && e.Timeout > 0 {
		msg = fmt.Sprintf("%s after %s", msg, e.Timeout)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must end the current run.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindLoginTimeout, KindUnauthorized, KindBrowserUnavailable:
		return true
	default:
		return false
	}
}

// OperatorMessage renders a run-ending error as operator guidance.
func OperatorMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return fmt.Sprintf("Crawl failed: %v", err)
	}
	switch e.Kind {
	case KindLoginTimeout:
		minutes := int(e.Timeout / time.Minute)
		if minutes <= 0 {
			return "Login was not completed in time. Log in from the crawler browser window, then start the crawl again."
		}
		return fmt.Sprintf(
			"Login was not completed within %d minute(s). Log in from the crawler browser window, then start the crawl again.",
			minutes,
		)
	case KindUnauthorized:
		return "The session lost its login during the crawl. Log in again in the crawler browser window, then restart the crawl."
	case KindBrowserUnavailable:
		return "The crawler browser could not be started. Make sure Chrome or Chromium is installed and the profile directory is writable."
	default:
		return fmt.Sprintf("Crawl failed: %v", err)
	}
}
