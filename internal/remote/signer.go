package remote

import (
	"context"
	"net/http"
	"strings"

	"github.com/KennyJian/red-book/internal/harvest"
)

// Signer adds upstream request-signing headers. The signing algorithm lives
// outside this module; NopSigner sends requests unsigned.
type Signer interface {
	Sign(ctx context.Context, method, uri string, body []byte, cookies []harvest.Cookie) (http.Header, error)
}

// NopSigner adds no headers.
type NopSigner struct{}

// Sign implements Signer.
func (NopSigner) Sign(context.Context, string, string, []byte, []harvest.Cookie) (http.Header, error) {
	return nil, nil
}

// CookieHeader renders cookies as a Cookie request header value.
func CookieHeader(cookies []harvest.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
