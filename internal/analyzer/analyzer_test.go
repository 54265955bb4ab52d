package analyzer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/sigcrawl/internal/config"
	"github.com/ibeckermayer/sigcrawl/internal/metrics"
	"github.com/ibeckermayer/sigcrawl/internal/types"
)

var (
	sol = types.KnownAsset{Symbol: "SOL", Name: "Solana", Address: "So11111111111111111111111111111111111111112"}
	eth = types.KnownAsset{Symbol: "ETH", Name: "Ethereum"}
	jup = types.KnownAsset{Symbol: "JUP", Name: "Jupiter"}
)

func textPost(id, text string) types.Post {
	return types.Post{
		Permalink: "https://x.com/acct/status/" + id,
		AuthorID:  "acct",
		Text:      text,
		PostedAt:  time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC),
	}
}

func TestGroupByAsset(t *testing.T) {
	posts := []types.Post{
		textPost("1", "loading up on $sol here"),
		textPost("2", "SOL and ETH both ripping"),
		textPost("3", "the sol is shining today"),
		textPost("4", "solana summer is back"),
		textPost("5", "Solanas everywhere"),
		textPost("6", "CA: so11111111111111111111111111111111111111112"),
		textPost("7", "nothing to see"),
	}

	groups := GroupByAsset(posts, []types.KnownAsset{sol, eth, jup})
	require.Len(t, groups, 2)

	assert.Equal(t, "SOL", groups[0].Asset.Symbol)
	var ids []string
	for _, p := range groups[0].Posts {
		ids = append(ids, strings.TrimPrefix(p.Permalink, "https://x.com/acct/status/"))
	}
	assert.Equal(t, []string{"1", "2", "4", "6"}, ids)

	assert.Equal(t, "ETH", groups[1].Asset.Symbol)
	require.Len(t, groups[1].Posts, 1)
	assert.Equal(t, "https://x.com/acct/status/2", groups[1].Posts[0].Permalink)
}

func TestHeuristicClassifier(t *testing.T) {
	h := NewHeuristicClassifier()

	empty, err := h.Classify(context.Background(), sol, nil)
	require.NoError(t, err)
	assert.False(t, empty.Detected)

	cls, err := h.Classify(context.Background(), sol, []types.Post{
		textPost("1", "buying more $SOL, very bullish"),
		textPost("2", "took profits on my SOL"),
		textPost("3", "staking my SOL this week"),
		textPost("4", "SOL chart"),
	})
	require.NoError(t, err)
	assert.True(t, cls.Detected)
	assert.True(t, strings.HasPrefix(cls.Rationale, HeuristicRationalePrefix))
	require.Len(t, cls.Verdicts, 4)
	assert.Equal(t, types.ActionBuy, cls.Verdicts[0].Action)
	assert.Equal(t, types.ActionClosePosition, cls.Verdicts[1].Action)
	assert.Equal(t, types.ActionStake, cls.Verdicts[2].Action)
	assert.Equal(t, types.ActionHold, cls.Verdicts[3].Action)
	assert.Equal(t, 0.5, *cls.Verdicts[0].Confidence)
}

func TestHeuristicActionConsumesPhrases(t *testing.T) {
	assert.Equal(t, types.ActionClosePosition, heuristicAction("closed my long at the top"))
	assert.Equal(t, types.ActionHold, heuristicAction("buy the rumor, sell the news"))
	assert.Equal(t, types.ActionSell, heuristicAction("dumping hard, selling everything, long wicks"))
}

func f(v float64) *float64 { return &v }

func verdict(id string, action types.Action, conf float64) Verdict {
	return Verdict{Permalink: "https://x.com/acct/status/" + id, Action: action, Confidence: f(conf)}
}

func group(ids ...string) AssetGroup {
	g := AssetGroup{Asset: sol}
	for _, id := range ids {
		g.Posts = append(g.Posts, textPost(id, "$SOL"))
	}
	return g
}

func TestResolveTieDowngradesToHold(t *testing.T) {
	g := group("1", "2", "3", "4")

	unanimousBuy := Resolve(g, Classification{Detected: true, Verdicts: []Verdict{
		verdict("1", types.ActionBuy, 0.8), verdict("2", types.ActionBuy, 0.8),
	}})
	unanimousSell := Resolve(g, Classification{Detected: true, Verdicts: []Verdict{
		verdict("3", types.ActionSell, 0.8), verdict("4", types.ActionSell, 0.8),
	}})
	tie := Resolve(g, Classification{Detected: true, Verdicts: []Verdict{
		verdict("1", types.ActionBuy, 0.8), verdict("2", types.ActionBuy, 0.8),
		verdict("3", types.ActionSell, 0.8), verdict("4", types.ActionSell, 0.8),
	}})

	assert.Equal(t, types.ActionBuy, unanimousBuy.Action)
	assert.Equal(t, types.ActionSell, unanimousSell.Action)
	assert.True(t, tie.Detected)
	assert.Equal(t, types.ActionHold, tie.Action)
	assert.Equal(t, types.SentimentNeutral, tie.Sentiment)
	assert.Less(t, tie.Confidence, unanimousBuy.Confidence)
	assert.Less(t, tie.Confidence, unanimousSell.Confidence)
	assert.InDelta(t, 0.32, tie.Confidence, 1e-9)
	assert.Contains(t, tie.Rationale, "tie")
}

func TestResolveMajorityWins(t *testing.T) {
	sig := Resolve(group("1", "2", "3", "4"), Classification{Detected: true, Verdicts: []Verdict{
		verdict("1", types.ActionStake, 0.6),
		verdict("2", types.ActionStake, 0.6),
		verdict("3", types.ActionBuy, 0.6),
		verdict("4", types.ActionSell, 0.9),
	}})

	assert.Equal(t, types.ActionStake, sig.Action)
	assert.Equal(t, types.SentimentPositive, sig.Sentiment)
	assert.InDelta(t, 0.45, sig.Confidence, 1e-9)
	assert.InDelta(t, 45, sig.Strength, 1e-9)
}

func TestResolveNormalizesAndFiltersVerdicts(t *testing.T) {
	g := group("1", "2")
	sig := Resolve(g, Classification{Detected: true, Verdicts: []Verdict{
		{Permalink: "https://x.com/acct/status/1", Action: types.ActionBuy, Strength: f(70)},
		// not part of the group
		verdict("99", types.ActionSell, 1),
		{Permalink: "https://x.com/acct/status/2", Action: types.ActionBuy, Confidence: f(1.4)},
	}})

	assert.True(t, sig.Detected)
	assert.Equal(t, types.ActionBuy, sig.Action)
	assert.InDelta(t, 0.85, sig.Confidence, 1e-9)
	assert.InDelta(t, 85, sig.Strength, 1e-9)
	assert.Equal(t, []string{"https://x.com/acct/status/1", "https://x.com/acct/status/2"}, sig.SourcePermalinks)
}

func TestResolveWithoutVerdictsIsNotDetected(t *testing.T) {
	sig := Resolve(group("1"), Classification{Detected: true, Verdicts: []Verdict{verdict("7", types.ActionBuy, 1)}})
	assert.False(t, sig.Detected)

	sig = Resolve(group("1"), Classification{Detected: false})
	assert.False(t, sig.Detected)
}

func TestResolveNoDirectionIsHold(t *testing.T) {
	sig := Resolve(group("1", "2"), Classification{Detected: true, Verdicts: []Verdict{
		verdict("1", types.ActionHold, 0.4), verdict("2", types.ActionHold, 0.6),
	}})
	assert.True(t, sig.Detected)
	assert.Equal(t, types.ActionHold, sig.Action)
	assert.InDelta(t, 0.5, sig.Confidence, 1e-9)
	assert.InDelta(t, 50, sig.Strength, 1e-9)
}

func TestParseClassification(t *testing.T) {
	t.Run("prefill continuation", func(t *testing.T) {
		cls, err := ParseClassification(`"detected": true, "rationale": "accumulation", "verdicts": [{"permalink": "p1", "sentiment": "positive", "action": "BUY", "confidence": 0.7}]}`)
		require.NoError(t, err)
		assert.True(t, cls.Detected)
		require.Len(t, cls.Verdicts, 1)
		assert.Equal(t, types.ActionBuy, cls.Verdicts[0].Action)
		assert.Nil(t, cls.Verdicts[0].Strength)
	})

	t.Run("code block", func(t *testing.T) {
		cls, err := ParseClassification("```json\n{\"detected\": false, \"verdicts\": []}\n```")
		require.NoError(t, err)
		assert.False(t, cls.Detected)
	})

	t.Run("prose around object", func(t *testing.T) {
		cls, err := ParseClassification(`Here you go: {"detected": true, "verdicts": [{"permalink": "p1", "action": "sell", "sentiment": "angry"}, {"permalink": "p2", "action": "yolo"}]} hope it helps`)
		require.NoError(t, err)
		require.Len(t, cls.Verdicts, 1)
		assert.Equal(t, types.SentimentNegative, cls.Verdicts[0].Sentiment)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseClassification("I cannot help with that")
		assert.Error(t, err)
	})
}

func TestBuildPromptListsPermalinks(t *testing.T) {
	likes := int64(10)
	p := textPost("1", "$SOL to the moon")
	p.LikeCount = &likes
	prompt := BuildPrompt(sol, []types.Post{p})

	assert.Contains(t, prompt, "Symbol: SOL")
	assert.Contains(t, prompt, "Permalink: https://x.com/acct/status/1")
	assert.Contains(t, prompt, "10 likes, ? reposts")
}

type stubCompleter struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	prompts []string
}

func (s *stubCompleter) Name() string { return "stub" }

func (s *stubCompleter) Complete(_ context.Context, label, prompt, prefill string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if err := s.errs[label]; err != nil {
		return "", err
	}
	return s.replies[label], nil
}

func TestAggregatorOfflineFallback(t *testing.T) {
	cls, err := NewClassifier(config.AnalysisConfig{LLMProvider: config.ProviderAnthropic}, "", nil, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, &HeuristicClassifier{}, cls)

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	agg := New(cls, Options{MaxConcurrency: 2, TTL: 6 * time.Hour}, nil, zerolog.Nop())
	agg.now = func() time.Time { return now }

	signals, err := agg.Detect(context.Background(), []types.Post{
		textPost("1", "$SOL looks strong"),
		textPost("2", "ETH gas is high"),
		textPost("3", "no assets here"),
	}, []types.KnownAsset{sol, eth, jup})
	require.NoError(t, err)
	require.Len(t, signals, 2)

	for _, sig := range signals {
		assert.True(t, sig.Detected)
		assert.True(t, strings.HasPrefix(sig.Rationale, HeuristicRationalePrefix))
		assert.Equal(t, "heuristic", sig.Classifier)
		assert.Equal(t, now.Add(6*time.Hour), sig.ExpiresAt)
		assert.Greater(t, sig.Confidence, 0.0)
		assert.Greater(t, sig.Strength, 0.0)
	}
}

func TestAggregatorSkipsFailedAsset(t *testing.T) {
	stub := &stubCompleter{
		replies: map[string]string{
			"SOL": `"detected": true, "rationale": "buyers", "verdicts": [{"permalink": "https://x.com/acct/status/1", "sentiment": "positive", "action": "buy", "confidence": 0.9}]}`,
		},
		errs: map[string]error{"ETH": errors.New("429 after retries")},
	}
	m := metrics.Discard()
	agg := New(NewLLMClassifier(stub), Options{MaxConcurrency: 4}, m, zerolog.Nop())

	signals, err := agg.Detect(context.Background(), []types.Post{
		textPost("1", "$SOL bid"),
		textPost("2", "$ETH bid"),
	}, []types.KnownAsset{sol, eth})
	require.NoError(t, err)
	require.Len(t, signals, 1)

	assert.Equal(t, "SOL", signals[0].Asset.Symbol)
	assert.Equal(t, types.ActionBuy, signals[0].Action)
	assert.Equal(t, "llm", signals[0].Classifier)
	assert.InDelta(t, 0.9, signals[0].Confidence, 1e-9)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Classifications.WithLabelValues("llm", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Classifications.WithLabelValues("llm", "detected")))
	assert.Len(t, stub.prompts, 2)
}

func TestAggregatorNoMatches(t *testing.T) {
	agg := New(NewHeuristicClassifier(), Options{}, nil, zerolog.Nop())
	signals, err := agg.Detect(context.Background(), []types.Post{textPost("1", "gm")}, []types.KnownAsset{sol})
	require.NoError(t, err)
	assert.Empty(t, signals)
}
