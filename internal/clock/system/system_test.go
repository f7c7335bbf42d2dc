package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KennyJian/red-book/internal/harvest"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	var clk harvest.Clock = New()

	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "got %v", got)
}

// Crawl times are sorted newest first, so successive readings must not go
// backwards.
func TestClockOrdersCrawlTimes(t *testing.T) {
	t.Parallel()

	clk := New()
	records := []harvest.AuthorRecord{{UserID: "U1", CrawlTime: clk.Now()}}
	records = append(records, harvest.AuthorRecord{UserID: "U2", CrawlTime: clk.Now()})
	require.False(t, records[1].CrawlTime.Before(records[0].CrawlTime))

	harvest.SortByCrawlTime(records)
	require.False(t, records[0].CrawlTime.Before(records[1].CrawlTime))
}
