package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/sigcrawl/internal/browser"
	"github.com/ibeckermayer/sigcrawl/internal/config"
	"github.com/ibeckermayer/sigcrawl/internal/metrics"
	"github.com/ibeckermayer/sigcrawl/internal/types"
)

var base = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

// post n was published n minutes after base, so higher n is newer.
func post(n int) types.Post {
	return types.Post{
		Permalink: fmt.Sprintf("https://x.com/acct/status/%d", n),
		AuthorID:  "acct",
		Text:      fmt.Sprintf("post %d", n),
		PostedAt:  base.Add(time.Duration(n) * time.Minute),
	}
}

// feed renders posts newest first, pageSize more per scroll. A nil posts
// slice with next set is an endless feed.
type feed struct {
	posts    []types.Post
	next     func(i int) types.Post
	pageSize int
	rendered int
}

func (f *feed) scroll() browser.Snapshot {
	f.rendered += f.pageSize
	total := f.rendered
	if f.next == nil && total > len(f.posts) {
		total = len(f.posts)
	}

	var snap browser.Snapshot
	for i := 0; i < total; i++ {
		var p types.Post
		if f.next != nil {
			p = f.next(i)
		} else {
			p = f.posts[i]
		}
		raw, _ := json.Marshal(p)
		snap.Elements = append(snap.Elements, string(raw))
	}
	snap.ScrollHeight = int64(total) * 100
	return snap
}

type fakeBrowser struct {
	ensure    []bool
	loginErr  error
	navErr    map[string]error
	feeds     map[string]*feed
	onScroll  func(n int)
	current   *feed
	scrolls   int
	logins    int
	ensures   int
	closes    int
	navigated []string
}

func (b *fakeBrowser) EnsureLoggedIn(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.ensures++
	if len(b.ensure) == 0 {
		return true, nil
	}
	ok := b.ensure[0]
	b.ensure = b.ensure[1:]
	return ok, nil
}

func (b *fakeBrowser) LoginWithCredentials(ctx context.Context, creds config.CredentialsConfig) error {
	b.logins++
	return b.loginErr
}

func (b *fakeBrowser) NavigateToAccount(ctx context.Context, id string) error {
	b.navigated = append(b.navigated, id)
	if err := b.navErr[id]; err != nil {
		return err
	}
	f, ok := b.feeds[id]
	if !ok {
		f = &feed{pageSize: 1}
	}
	f.rendered = 0
	b.current = f
	return nil
}

func (b *fakeBrowser) ScrollAndCollect(ctx context.Context) (browser.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return browser.Snapshot{}, err
	}
	b.scrolls++
	snap := b.current.scroll()
	if b.onScroll != nil {
		b.onScroll(b.scrolls)
	}
	return snap, ctx.Err()
}

func (b *fakeBrowser) Close() error {
	b.closes++
	return nil
}

type jsonParser struct{}

func (jsonParser) Parse(element string) *types.Post {
	var p types.Post
	if err := json.Unmarshal([]byte(element), &p); err != nil {
		return nil
	}
	return &p
}

type fakeStore struct {
	mu         sync.Mutex
	accounts   []types.TrackedAccount
	posts      map[string]types.Post
	insertErr  error
	advanceErr error
	advances   int
}

func newFakeStore(accounts ...types.TrackedAccount) *fakeStore {
	return &fakeStore{accounts: accounts, posts: map[string]types.Post{}}
}

func (s *fakeStore) ListAccounts(ctx context.Context) ([]types.TrackedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TrackedAccount, len(s.accounts))
	copy(out, s.accounts)
	return out, nil
}

func (s *fakeStore) InsertPosts(ctx context.Context, posts []types.Post) ([]types.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted []types.Post
	for _, p := range posts {
		if _, ok := s.posts[p.Permalink]; ok {
			continue
		}
		s.posts[p.Permalink] = p
		inserted = append(inserted, p)
	}
	return inserted, nil
}

func (s *fakeStore) AdvanceWatermark(ctx context.Context, id string, at time.Time) error {
	if s.advanceErr != nil {
		return s.advanceErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advances++
	for i := range s.accounts {
		if s.accounts[i].ID != id {
			continue
		}
		if cur := s.accounts[i].LastSeenPostAt; cur == nil || at.After(*cur) {
			s.accounts[i].LastSeenPostAt = &at
		}
	}
	return nil
}

func (s *fakeStore) watermark(id string) *time.Time {
	for _, a := range s.accounts {
		if a.ID == id {
			return a.LastSeenPostAt
		}
	}
	return nil
}

func newTestCrawler(b Browser, s Store, m *metrics.Metrics) *Crawler {
	return New(b, jsonParser{}, s, config.CredentialsConfig{}, Options{SafetyLimit: 50, NoGrowthAttempts: 3}, m, zerolog.Nop())
}

// tenPosts returns posts 10 down to 1, newest first.
func tenPosts() []types.Post {
	var posts []types.Post
	for n := 10; n >= 1; n-- {
		posts = append(posts, post(n))
	}
	return posts
}

func permalinks(posts []types.Post) []string {
	var out []string
	for _, p := range posts {
		out = append(out, p.Permalink)
	}
	return out
}

func TestCutoffCollectsOnlyNewerPosts(t *testing.T) {
	cutoff := post(5).PostedAt
	b := &fakeBrowser{feeds: map[string]*feed{"acct": {posts: tenPosts(), pageSize: 3}}}
	s := newFakeStore()
	m := metrics.Discard()

	ar, err := newTestCrawler(b, s, m).CrawlAccount(context.Background(), types.TrackedAccount{ID: "acct", LastSeenPostAt: &cutoff})
	require.NoError(t, err)

	assert.Equal(t, StopCutoff, ar.StopReason)
	assert.Equal(t, permalinks([]types.Post{post(10), post(9), post(8), post(7), post(6)}), permalinks(ar.NewPosts))
	require.NotNil(t, ar.Watermark)
	assert.True(t, post(10).PostedAt.Equal(*ar.Watermark))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CrawlStops.WithLabelValues("cutoff")))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.PostsCollected))
}

func TestCutoffToleratesOneInterleavedOldPost(t *testing.T) {
	cutoff := post(5).PostedAt
	reordered := []types.Post{post(10), post(9), post(4), post(8), post(7), post(6), post(5), post(3), post(2)}
	b := &fakeBrowser{feeds: map[string]*feed{"acct": {posts: reordered, pageSize: 4}}}

	ar, err := newTestCrawler(b, newFakeStore(), nil).CrawlAccount(context.Background(), types.TrackedAccount{ID: "acct", LastSeenPostAt: &cutoff})
	require.NoError(t, err)

	assert.Equal(t, StopCutoff, ar.StopReason)
	assert.ElementsMatch(t, permalinks([]types.Post{post(10), post(9), post(8), post(7), post(6)}), permalinks(ar.NewPosts))
}

func TestSafetyLimitOnEndlessFeed(t *testing.T) {
	endless := &feed{next: func(i int) types.Post { return post(100000 - i) }, pageSize: 7}
	b := &fakeBrowser{feeds: map[string]*feed{"acct": endless}}

	ar, err := newTestCrawler(b, newFakeStore(), nil).CrawlAccount(context.Background(), types.TrackedAccount{ID: "acct"})
	require.NoError(t, err)

	assert.Equal(t, StopSafetyLimit, ar.StopReason)
	assert.Len(t, ar.NewPosts, 50)
	assert.Equal(t, 50, ar.Collected)
}

func TestNoGrowthStopsAtEndOfFeed(t *testing.T) {
	posts := []types.Post{post(3), post(2), post(1)}
	b := &fakeBrowser{feeds: map[string]*feed{"acct": {posts: posts, pageSize: 2}}}

	ar, err := newTestCrawler(b, newFakeStore(), nil).CrawlAccount(context.Background(), types.TrackedAccount{ID: "acct"})
	require.NoError(t, err)

	assert.Equal(t, StopNoGrowth, ar.StopReason)
	assert.Len(t, ar.NewPosts, 3)
	// 200, 300, then three unchanged heights
	assert.Equal(t, 5, b.scrolls)
}

func TestRerunWithoutNewPostsIsIdempotent(t *testing.T) {
	b := &fakeBrowser{feeds: map[string]*feed{"acct": {posts: tenPosts(), pageSize: 4}}}
	s := newFakeStore(types.TrackedAccount{ID: "acct"})
	c := newTestCrawler(b, s, nil)

	first, err := c.RunForAllAccounts(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Len(t, first.NewPosts, 10)
	wm := *s.watermark("acct")
	advances := s.advances

	second, err := c.RunForAllAccounts(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, 1, second.ProcessedAccounts)
	assert.Zero(t, second.AccountsWithNewPosts)
	assert.Empty(t, second.NewPosts)
	assert.Equal(t, StopCutoff, second.Accounts[0].StopReason)
	assert.True(t, wm.Equal(*s.watermark("acct")))
	assert.Equal(t, advances, s.advances)
	assert.Len(t, s.posts, 10)
}

func TestWatermarkNotAdvancedOnFailedWrite(t *testing.T) {
	b := &fakeBrowser{feeds: map[string]*feed{"acct": {posts: tenPosts(), pageSize: 10}}}
	s := newFakeStore(types.TrackedAccount{ID: "acct"})
	s.insertErr = errors.New("store unreachable")

	res, err := newTestCrawler(b, s, nil).RunForAllAccounts(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Zero(t, res.ProcessedAccounts)
	assert.Contains(t, res.Accounts[0].Error, "store unreachable")
	assert.Nil(t, s.watermark("acct"))
	assert.Zero(t, s.advances)
}

func TestSyntheticPostsDoNotAdvanceWatermark(t *testing.T) {
	synthetic := post(20)
	synthetic.Permalink = "synthetic:abc"
	synthetic.Synthetic = true
	b := &fakeBrowser{feeds: map[string]*feed{"acct": {posts: []types.Post{synthetic, post(3), post(2)}, pageSize: 3}}}
	s := newFakeStore(types.TrackedAccount{ID: "acct"})

	ar, err := newTestCrawler(b, s, nil).CrawlAccount(context.Background(), types.TrackedAccount{ID: "acct"})
	require.NoError(t, err)

	assert.Len(t, ar.NewPosts, 3)
	require.NotNil(t, ar.Watermark)
	assert.True(t, post(3).PostedAt.Equal(*ar.Watermark))
}

func TestPerAccountFailureDoesNotAbortBatch(t *testing.T) {
	b := &fakeBrowser{
		navErr: map[string]error{"broken": errors.New("timeline did not render")},
		feeds:  map[string]*feed{"healthy": {posts: []types.Post{post(1)}, pageSize: 1}},
	}
	s := newFakeStore(types.TrackedAccount{ID: "broken"}, types.TrackedAccount{ID: "healthy"})
	m := metrics.Discard()

	res, err := newTestCrawler(b, s, m).RunForAllAccounts(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ProcessedAccounts)
	assert.Equal(t, 1, res.AccountsWithNewPosts)
	assert.Equal(t, []string{"broken", "healthy"}, b.navigated)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AccountsCrawled.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AccountsCrawled.WithLabelValues("ok")))
	assert.GreaterOrEqual(t, b.closes, 1)
}

func TestSessionExpiryReestablishesSession(t *testing.T) {
	b := &fakeBrowser{
		ensure: []bool{true, true},
		navErr: map[string]error{"first": browser.ErrSessionExpired},
		feeds:  map[string]*feed{"second": {posts: []types.Post{post(1)}, pageSize: 1}},
	}
	s := newFakeStore(types.TrackedAccount{ID: "first"}, types.TrackedAccount{ID: "second"})

	res, err := newTestCrawler(b, s, nil).RunForAllAccounts(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, b.ensures)
	assert.Equal(t, 1, res.ProcessedAccounts)
	assert.NotEmpty(t, res.Accounts[0].Error)
	assert.Len(t, res.Accounts[1].NewPosts, 1)
}

func TestSessionExpiryAbortsWhenSessionCannotBeRestored(t *testing.T) {
	b := &fakeBrowser{
		ensure: []bool{true, false},
		navErr: map[string]error{"first": browser.ErrSessionExpired},
	}
	s := newFakeStore(types.TrackedAccount{ID: "first"}, types.TrackedAccount{ID: "second"}, types.TrackedAccount{ID: "third"})

	res, err := newTestCrawler(b, s, nil).RunForAllAccounts(context.Background())
	require.ErrorIs(t, err, ErrNoSession)

	assert.False(t, res.Success)
	assert.Equal(t, []string{"first"}, b.navigated)
	require.Len(t, res.Accounts, 3)
	assert.True(t, res.Accounts[1].Skipped)
	assert.True(t, res.Accounts[2].Skipped)
}

func TestCredentialLoginAttemptedOncePerRun(t *testing.T) {
	b := &fakeBrowser{
		ensure: []bool{false, false},
		navErr: map[string]error{"first": browser.ErrSessionExpired},
	}
	s := newFakeStore(types.TrackedAccount{ID: "first"}, types.TrackedAccount{ID: "second"})
	c := New(b, jsonParser{}, s, config.CredentialsConfig{LoginIdentifier: "bot", Password: "pw"}, Options{}, nil, zerolog.Nop())

	res, err := c.RunForAllAccounts(context.Background())
	require.ErrorIs(t, err, ErrNoSession)

	assert.False(t, res.Success)
	assert.Equal(t, 1, b.logins)
}

func TestCredentialLoginRetriedOnNextRun(t *testing.T) {
	b := &fakeBrowser{ensure: []bool{false, false}}
	s := newFakeStore(types.TrackedAccount{ID: "acct"})
	c := New(b, jsonParser{}, s, config.CredentialsConfig{LoginIdentifier: "bot", Password: "pw"}, Options{}, nil, zerolog.Nop())

	for run := 1; run <= 2; run++ {
		res, err := c.RunForAllAccounts(context.Background())
		require.NoError(t, err, "run %d", run)
		assert.True(t, res.Success, "run %d", run)
		assert.Equal(t, run, b.logins)
	}
	assert.Equal(t, []string{"acct", "acct"}, b.navigated)
}

func TestNoCredentialsOnColdStartAbortsRun(t *testing.T) {
	b := &fakeBrowser{ensure: []bool{false}}
	s := newFakeStore(types.TrackedAccount{ID: "acct"})

	res, err := newTestCrawler(b, s, nil).RunForAllAccounts(context.Background())
	require.ErrorIs(t, err, ErrNoSession)

	assert.False(t, res.Success)
	assert.Zero(t, b.logins)
	assert.Empty(t, b.navigated)
}

func TestCancellationPersistsPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	endless := &feed{next: func(i int) types.Post { return post(1000 - i) }, pageSize: 5}
	b := &fakeBrowser{
		feeds: map[string]*feed{"acct": endless},
		onScroll: func(n int) {
			if n == 3 {
				cancel()
			}
		},
	}
	old := post(1).PostedAt
	s := newFakeStore(types.TrackedAccount{ID: "acct", LastSeenPostAt: &old}, types.TrackedAccount{ID: "next"})

	res, err := newTestCrawler(b, s, nil).RunForAllAccounts(ctx)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StopCancelled, res.Accounts[0].StopReason)
	assert.Len(t, res.Accounts[0].NewPosts, 15)
	assert.Len(t, s.posts, 15)
	// the gap down to the old cutoff was never crawled
	assert.True(t, old.Equal(*s.watermark("acct")))
	assert.True(t, res.Accounts[1].Skipped)
}

func TestEmptyAccountListSucceeds(t *testing.T) {
	b := &fakeBrowser{}
	res, err := newTestCrawler(b, newFakeStore(), nil).RunForAllAccounts(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, b.ensures)
}

func TestRunForAccountsCrawlsOnlyNamedAccounts(t *testing.T) {
	b := &fakeBrowser{feeds: map[string]*feed{"b": {posts: []types.Post{post(2)}, pageSize: 1}}}
	s := newFakeStore(types.TrackedAccount{ID: "a"}, types.TrackedAccount{ID: "b"})

	res, err := newTestCrawler(b, s, nil).RunForAccounts(context.Background(), "b", "unknown")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, []string{"b"}, b.navigated)
	assert.Equal(t, 1, res.ProcessedAccounts)
	assert.Nil(t, s.watermark("a"))
}
