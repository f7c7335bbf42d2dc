package remote

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/KennyJian/red-book/internal/harvest"
)

// Alias precedence for upstream comment payloads. The first path that resolves
// to a non-empty value wins; blank strings and zero numbers fall through.
var (
	contentPaths    = []string{"content", "note_comment.content", "text"}
	authorPaths     = []string{"user_info", "user", "author"}
	authorIDPaths   = []string{"user_id", "id", "userid"}
	nicknamePaths   = []string{"nickname", "name", "nick_name"}
	avatarPaths     = []string{"image", "avatar", "avatar_url"}
	likeCountPaths  = []string{"like_count", "liked_count", "likeCount"}
	createTimePaths = []string{"create_time", "time", "createTime"}
	commentIDPaths  = []string{"id", "comment_id"}
)

// defaultSearchSource is the xsec_source sent for items found through search
// when the hit carries none.
const defaultSearchSource = "pc_search"

// querySuggestionTypes are search entries that are not content items.
var querySuggestionTypes = map[string]bool{
	"rec_query": true,
	"hot_query": true,
}

func firstString(v gjson.Result, paths []string) string {
	for _, p := range paths {
		r := v.Get(p)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if s := strings.TrimSpace(r.String()); s != "" {
			return s
		}
	}
	return ""
}

func firstObject(v gjson.Result, paths []string) gjson.Result {
	for _, p := range paths {
		if r := v.Get(p); r.IsObject() {
			return r
		}
	}
	return gjson.Result{}
}

func firstInt(v gjson.Result, paths []string) int64 {
	for _, p := range paths {
		r := v.Get(p)
		switch r.Type {
		case gjson.Number:
			if n := r.Int(); n != 0 {
				return n
			}
		case gjson.String:
			if n, ok := parseCount(r.Str); ok && n != 0 {
				return n
			}
		}
	}
	return 0
}

// parseCount accepts plain integers and abbreviated counts like "1.2万" or "3k".
func parseCount(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "万"):
		mult, s = 10_000, strings.TrimSuffix(s, "万")
	case strings.HasSuffix(s, "w"), strings.HasSuffix(s, "W"):
		mult, s = 10_000, s[:len(s)-1]
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		mult, s = 1_000, s[:len(s)-1]
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(s, "+"), 64)
	if err != nil {
		return 0, false
	}
	return int64(f * mult), true
}

// NormalizeComment maps one upstream comment object onto harvest.RawComment.
// Author id falls back to a top-level user_id when the nested author object has
// none. It returns false when no author id can be resolved.
func NormalizeComment(v gjson.Result) (harvest.RawComment, bool) {
	author := firstObject(v, authorPaths)
	authorID := firstString(author, authorIDPaths)
	if authorID == "" {
		authorID = firstString(v, []string{"user_id"})
	}
	c := harvest.RawComment{
		ID:      firstString(v, commentIDPaths),
		Content: firstString(v, contentPaths),
		Author: harvest.Author{
			ID:       authorID,
			Nickname: firstString(author, nicknamePaths),
			Avatar:   firstString(author, avatarPaths),
		},
		LikeCount: firstInt(v, likeCountPaths),
		CreatedAt: firstInt(v, createTimePaths),
	}
	return c, authorID != ""
}

// normalizeSearchHits extracts content items from a search payload. Entries
// without an id and query suggestions are dropped.
func normalizeSearchHits(data gjson.Result) []harvest.SearchHit {
	var hits []harvest.SearchHit
	data.Get("items").ForEach(func(_, item gjson.Result) bool {
		modelType := item.Get("model_type").String()
		if querySuggestionTypes[modelType] {
			return true
		}
		id := firstString(item, []string{"id", "note_id", "note_card.note_id"})
		if id == "" {
			return true
		}
		source := firstString(item, []string{"xsec_source", "note_card.xsec_source"})
		if source == "" {
			source = defaultSearchSource
		}
		hits = append(hits, harvest.SearchHit{
			ID:        id,
			ModelType: modelType,
			Tokens: harvest.Tokens{
				XsecToken:  firstString(item, []string{"xsec_token", "note_card.xsec_token"}),
				XsecSource: source,
			},
		})
		return true
	})
	return hits
}

func normalizeCommentPage(data gjson.Result) harvest.CommentPage {
	page := harvest.CommentPage{
		Cursor:  data.Get("cursor").String(),
		HasMore: data.Get("has_more").Bool(),
	}
	data.Get("comments").ForEach(func(_, item gjson.Result) bool {
		// Comments without an author are still returned; the orchestrator
		// decides whether to keep them.
		c, _ := NormalizeComment(item)
		page.Comments = append(page.Comments, c)
		return true
	})
	return page
}

func normalizeDetail(data gjson.Result) harvest.ItemDetail {
	card := data.Get("items.0.note_card")
	if !card.Exists() {
		card = data
	}
	return harvest.ItemDetail{
		Title:       firstString(card, []string{"title", "display_title"}),
		Description: firstString(card, []string{"desc", "description"}),
	}
}
