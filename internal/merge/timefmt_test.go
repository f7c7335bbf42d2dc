package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KennyJian/red-book/internal/harvest"
)

func TestFormatTimestamp(t *testing.T) {
	t.Parallel()

	shanghai := time.FixedZone("CST", 8*3600)
	tests := []struct {
		name string
		raw  int64
		loc  *time.Location
		want string
	}{
		{"zero", 0, time.UTC, ""},
		{"negative", -5, time.UTC, ""},
		{"seconds", 1700000000, time.UTC, "2023-11-14 22:13:20"},
		{"milliseconds", 1700000000000, time.UTC, "2023-11-14 22:13:20"},
		{"threshold is milliseconds", 1_000_000_000_000, time.UTC, "2001-09-09 01:46:40"},
		{"below threshold is seconds", 999_999_999, time.UTC, "2001-09-09 01:46:39"},
		{"zone applied", 1700000000000, shanghai, "2023-11-15 06:13:20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, FormatTimestamp(tt.raw, tt.loc))
		})
	}
}

func TestProfileURL(t *testing.T) {
	t.Parallel()

	site := "https://www.xiaohongshu.com/"
	require.Equal(t,
		"https://www.xiaohongshu.com/user/profile/U1?xsec_token=abc&xsec_source=pc_search",
		ProfileURL(site, "U1", harvest.Tokens{XsecToken: "abc", XsecSource: "pc_search"}),
	)
	require.Equal(t,
		"https://www.xiaohongshu.com/user/profile/U1?xsec_source=pc_note",
		ProfileURL(site, "U1", harvest.Tokens{}),
	)
	require.Equal(t,
		"https://www.xiaohongshu.com/user/profile/U1?xsec_token=a%2Bb%3D&xsec_source=pc_note",
		ProfileURL(site, "U1", harvest.Tokens{XsecToken: "a+b="}),
	)
}
