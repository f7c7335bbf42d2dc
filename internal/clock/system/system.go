// Package system provides the wall clock used to stamp crawl and comment
// times.
package system

import (
	"time"

	"github.com/KennyJian/red-book/internal/harvest"
)

var _ harvest.Clock = (*Clock)(nil)

// Clock reads the wall clock in UTC. Display formatting into the configured
// zone happens in merge.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
