package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/KennyJian/red-book/internal/harvest"
	"github.com/KennyJian/red-book/internal/storage"
	"github.com/KennyJian/red-book/internal/storage/memory"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestEngine(t *testing.T, dedupe bool) (*Engine, *memory.RecordStore) {
	t.Helper()
	store := memory.NewRecordStore()
	eng, err := NewEngine(store, &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}, Options{
		SiteBaseURL:    "https://www.xiaohongshu.com",
		Location:       time.UTC,
		DedupeComments: dedupe,
	}, nil)
	require.NoError(t, err)
	return eng, store
}

func fragment(commentID, keyword string, item harvest.Item) harvest.Fragment {
	return harvest.Fragment{
		CommentID: commentID,
		Content:   "content " + commentID,
		Item:      item,
		Keyword:   keyword,
		CreatedAt: 1700000000000,
		LikeCount: 3,
	}
}

func TestMergeCreatesThenAppends(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, false)
	ctx := context.Background()
	item := harvest.Item{ID: "I1", Title: "t", Tokens: harvest.Tokens{XsecToken: "tok", XsecSource: "pc_search"}}

	res, err := eng.Merge(ctx, "U1", fragment("c1", "alpha", item), harvest.ProfileFields{Nickname: "first", Avatar: "a1"})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.True(t, res.Appended)

	item2 := harvest.Item{ID: "I2", Tokens: harvest.Tokens{XsecToken: "tok2"}}
	res, err = eng.Merge(ctx, "U1", fragment("c2", "beta", item2), harvest.ProfileFields{Nickname: "second"})
	require.NoError(t, err)
	require.False(t, res.Created)

	rec, found, err := store.Get(ctx, "U1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, rec.Comments, 2)
	require.Equal(t, "c1", rec.Comments[0].CommentID)
	require.Equal(t, "c2", rec.Comments[1].CommentID)
	require.Equal(t, "second", rec.Nickname)
	require.Equal(t, "a1", rec.Avatar, "empty avatar candidate keeps the previous value")
	require.Equal(t, "beta", rec.Keyword)
	require.Equal(t, "https://www.xiaohongshu.com/user/profile/U1?xsec_token=tok2&xsec_source=pc_note", rec.ProfileURL)

	entry := rec.Comments[0]
	require.Equal(t, "I1", entry.NoteID)
	require.Equal(t, "tok", entry.NoteXsecToken)
	require.Equal(t, "pc_search", entry.NoteXsecSource)
	require.Equal(t, int64(1700000000000), entry.CommentTime)
	require.Equal(t, "2023-11-14 22:13:20", entry.CommentTimeStr)
	require.True(t, rec.Comments[1].CrawlTime.After(entry.CrawlTime))
}

func TestMergeAppendsRepeatedCommentByDefault(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := eng.Merge(ctx, "U1", fragment("same", "k", harvest.Item{ID: "I1"}), harvest.ProfileFields{})
		require.NoError(t, err)
	}
	rec, _, err := store.Get(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, rec.Comments, 3)
}

func TestMergeDedupeOption(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, true)
	ctx := context.Background()
	_, err := eng.Merge(ctx, "U1", fragment("same", "k", harvest.Item{ID: "I1"}), harvest.ProfileFields{})
	require.NoError(t, err)
	res, err := eng.Merge(ctx, "U1", fragment("same", "k2", harvest.Item{ID: "I1"}), harvest.ProfileFields{})
	require.NoError(t, err)
	require.False(t, res.Appended)

	rec, _, err := store.Get(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, rec.Comments, 1)
	require.Equal(t, "k2", rec.Keyword)
}

func TestDescriptionIsWrittenOnce(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, false)
	ctx := context.Background()
	item := harvest.Item{ID: "I1"}

	_, err := eng.Merge(ctx, "U1", fragment("c1", "k", item), harvest.ProfileFields{})
	require.NoError(t, err)

	changed, err := eng.SetDescription(ctx, "U1", "first bio")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = eng.SetDescription(ctx, "U1", "second bio")
	require.NoError(t, err)
	require.False(t, changed)

	_, err = eng.Merge(ctx, "U1", fragment("c2", "k", item), harvest.ProfileFields{Description: "third bio"})
	require.NoError(t, err)

	rec, _, err := store.Get(ctx, "U1")
	require.NoError(t, err)
	require.Equal(t, "first bio", rec.Description)

	changed, err = eng.SetDescription(ctx, "missing", "bio")
	require.NoError(t, err)
	require.False(t, changed)
}

func TestMergeCommentCountMatchesCalls(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := eng.Merge(ctx, "U1", fragment(fmt.Sprintf("c%d", i), "k", harvest.Item{ID: "I"}), harvest.ProfileFields{})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, _, err := store.Get(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, rec.Comments, 20)
	require.Zero(t, eng.locks.size())
}

func TestMergeSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := &storage.MockRecordStore{}
	st.On("Get", mock.Anything, "U1").Return(harvest.AuthorRecord{}, false, nil)
	st.On("Put", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	eng, err := NewEngine(st, &stepClock{}, Options{}, nil)
	require.NoError(t, err)

	_, err = eng.Merge(ctx, "U1", fragment("c1", "k", harvest.Item{ID: "I"}), harvest.ProfileFields{})
	require.ErrorContains(t, err, "disk full")
	st.AssertExpectations(t)
}

func TestMergeRequiresUserID(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, false)
	_, err := eng.Merge(context.Background(), "", harvest.Fragment{}, harvest.ProfileFields{})
	require.Error(t, err)
}

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(nil, &stepClock{}, Options{}, nil)
	require.Error(t, err)
	_, err = NewEngine(memory.NewRecordStore(), nil, Options{}, nil)
	require.Error(t, err)
}
