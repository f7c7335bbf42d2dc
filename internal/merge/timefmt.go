package merge

import (
	"net/url"
	"strings"
	"time"

	"github.com/KennyJian/red-book/internal/harvest"
)

// DisplayLayout is the layout of comment_time_str values.
const DisplayLayout = "2006-01-02 15:04:05"

// millisThreshold separates millisecond epochs from second epochs.
const millisThreshold = 1_000_000_000_000

// DefaultXsecSource fills profile links whose item carried no source.
const DefaultXsecSource = "pc_note"

// FormatTimestamp renders a raw epoch (seconds or milliseconds) in loc.
// Zero and negative values render as "".
func FormatTimestamp(raw int64, loc *time.Location) string {
	if raw <= 0 {
		return ""
	}
	if loc == nil {
		loc = time.Local
	}
	var t time.Time
	if raw >= millisThreshold {
		t = time.UnixMilli(raw)
	} else {
		t = time.Unix(raw, 0)
	}
	return t.In(loc).Format(DisplayLayout)
}

// ProfileURL builds the public profile link for userID carrying the item's
// continuation tokens.
func ProfileURL(siteBase, userID string, tokens harvest.Tokens) string {
	base := strings.TrimRight(siteBase, "/") + "/user/profile/" + url.PathEscape(userID)
	source := tokens.XsecSource
	if source == "" {
		source = DefaultXsecSource
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('?')
	if tokens.XsecToken != "" {
		b.WriteString("xsec_token=" + url.QueryEscape(tokens.XsecToken) + "&")
	}
	b.WriteString("xsec_source=" + url.QueryEscape(source))
	return b.String()
}
