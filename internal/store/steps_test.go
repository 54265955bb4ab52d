package store

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/sigcrawl/internal/types"
)

func newTestStepCache(t *testing.T) (*StepCache, *time.Time) {
	t.Helper()
	c := NewStepCache(t.TempDir())
	clock := t0
	c.now = func() time.Time { return clock }
	return c, &clock
}

func TestStepCacheLatestRoundTrip(t *testing.T) {
	c, clock := newTestStepCache(t)

	_, err := c.Latest(StepCrawlPosts)
	require.ErrorIs(t, err, ErrNoStepOutput)

	_, err = c.Save(StepCrawlPosts, []types.Post{testPost("1", t0)})
	require.NoError(t, err)
	*clock = clock.Add(time.Second)
	newest, err := c.Save(StepCrawlPosts, []types.Post{testPost("2", t0), testPost("3", t0)})
	require.NoError(t, err)

	posts, path, err := LoadLatest[[]types.Post](c, StepCrawlPosts)
	require.NoError(t, err)
	assert.Equal(t, newest, path)
	require.Len(t, posts, 2)
	assert.Equal(t, "https://x.com/whale_alert/status/2", posts[0].Permalink)
	assert.True(t, t0.Equal(posts[0].PostedAt))
}

func TestStepCachePrune(t *testing.T) {
	c, clock := newTestStepCache(t)
	for i := 0; i < 4; i++ {
		_, err := c.Save(StepDetectedSignals, i)
		require.NoError(t, err)
		*clock = clock.Add(time.Second)
	}

	removed, err := c.Prune(StepDetectedSignals, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	n, _, err := LoadLatest[int](c, StepDetectedSignals)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	removed, err = c.Prune(StepStoredSignals, 1)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestLoadStepRejectsCorruptFile(t *testing.T) {
	c, _ := newTestStepCache(t)
	path, err := c.Save(StepCrawlPosts, "x")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

	_, err = LoadStep[[]types.Post](path)
	assert.Error(t, err)
}

func TestSaveExchangeKeepsConcurrentExchangesApart(t *testing.T) {
	c, _ := newTestStepCache(t)
	ex := LLMExchange{Timestamp: t0, Provider: "anthropic", Asset: "SOL", Prompt: "p", Response: "r"}

	first, err := c.SaveExchange(ex)
	require.NoError(t, err)
	second, err := c.SaveExchange(ex)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	got, err := LoadStep[LLMExchange](second)
	require.NoError(t, err)
	assert.Equal(t, "SOL", got.Asset)
	assert.True(t, t0.Equal(got.Timestamp))
}
