package analyzer

import (
	"fmt"

	"github.com/ibeckermayer/sigcrawl/internal/types"
)

const (
	// A tie has exactly half the directional votes on either side.
	tieAgreement = 0.5
	tiePenalty   = 0.8

	// used when a verdict carries neither confidence nor strength
	defaultVerdictConfidence = 0.5
)

// Verdict is a classifier's reading of one post. Either Confidence or Strength
// may be missing; normalized fills in the other.
type Verdict struct {
	Permalink  string
	Sentiment  types.Sentiment
	Action     types.Action
	Confidence *float64
	Strength   *float64
	Rationale  string
}

// Classification is a classifier's answer for one asset group.
type Classification struct {
	Detected  bool
	Rationale string
	Verdicts  []Verdict
}

func (v Verdict) normalized() (confidence, strength float64) {
	switch {
	case v.Confidence != nil && v.Strength != nil:
		confidence, strength = *v.Confidence, *v.Strength
	case v.Confidence != nil:
		confidence = *v.Confidence
		strength = confidence * 100
	case v.Strength != nil:
		strength = *v.Strength
		confidence = strength / 100
	default:
		confidence = defaultVerdictConfidence
		strength = confidence * 100
	}
	return clamp(confidence, 0, 1), clamp(strength, 0, 100)
}

type tally struct {
	votes      int
	confidence float64
	strength   float64
	actions    map[types.Action]int
}

func (t *tally) add(v Verdict) {
	c, s := v.normalized()
	t.votes++
	t.confidence += c
	t.strength += s
	if t.actions == nil {
		t.actions = make(map[types.Action]int)
	}
	t.actions[v.Action]++
}

func (t *tally) avgConfidence() float64 {
	if t.votes == 0 {
		return 0
	}
	return t.confidence / float64(t.votes)
}

func (t *tally) avgStrength() float64 {
	if t.votes == 0 {
		return 0
	}
	return t.strength / float64(t.votes)
}

// top returns the most common action, preferring earlier entries of order on
// equal counts.
func (t *tally) top(order ...types.Action) types.Action {
	best := order[0]
	for _, a := range order[1:] {
		if t.actions[a] > t.actions[best] {
			best = a
		}
	}
	return best
}

// Resolve turns a classification of group into one signal. Only verdicts for
// posts of the group count. Conflicting directions go to the majority side; a
// tie is downgraded to hold with reduced confidence.
func Resolve(group AssetGroup, cls Classification) types.DetectedSignal {
	sig := types.DetectedSignal{
		Asset:            group.Asset,
		Sentiment:        types.SentimentNeutral,
		Action:           types.ActionHold,
		Rationale:        cls.Rationale,
		SourcePermalinks: make([]string, 0, len(group.Posts)),
	}

	inGroup := make(map[string]bool, len(group.Posts))
	for _, p := range group.Posts {
		inGroup[p.Permalink] = true
		sig.SourcePermalinks = append(sig.SourcePermalinks, p.Permalink)
	}

	if !cls.Detected {
		return sig
	}

	var buy, sell, flat tally
	used := make(map[string]bool)
	for _, v := range cls.Verdicts {
		if !inGroup[v.Permalink] || used[v.Permalink] || !v.Action.Valid() {
			continue
		}
		used[v.Permalink] = true
		switch v.Action.Side() {
		case 1:
			buy.add(v)
		case -1:
			sell.add(v)
		default:
			flat.add(v)
		}
	}

	if buy.votes+sell.votes+flat.votes == 0 {
		sig.Rationale = joinRationale(cls.Rationale, "no usable verdicts")
		return sig
	}
	sig.Detected = true

	directional := buy.votes + sell.votes
	var summary string
	switch {
	case directional == 0:
		sig.Confidence = flat.avgConfidence()
		sig.Strength = flat.avgStrength()
		summary = fmt.Sprintf("%d neutral votes", flat.votes)
	case buy.votes == sell.votes:
		sig.Confidence = min(buy.avgConfidence(), sell.avgConfidence()) * tieAgreement * tiePenalty
		sig.Strength = min(buy.avgStrength(), sell.avgStrength()) * tieAgreement * tiePenalty
		summary = fmt.Sprintf("%d buy-side vs %d sell-side votes, tie downgraded to hold", buy.votes, sell.votes)
	case buy.votes > sell.votes:
		agreement := float64(buy.votes) / float64(directional)
		sig.Action = buy.top(types.ActionBuy, types.ActionStake)
		sig.Sentiment = types.SentimentPositive
		sig.Confidence = buy.avgConfidence() * agreement
		sig.Strength = buy.avgStrength() * agreement
		summary = fmt.Sprintf("%d buy-side vs %d sell-side votes", buy.votes, sell.votes)
	default:
		agreement := float64(sell.votes) / float64(directional)
		sig.Action = sell.top(types.ActionSell, types.ActionClosePosition)
		sig.Sentiment = types.SentimentNegative
		sig.Confidence = sell.avgConfidence() * agreement
		sig.Strength = sell.avgStrength() * agreement
		summary = fmt.Sprintf("%d sell-side vs %d buy-side votes", sell.votes, buy.votes)
	}

	sig.Confidence = clamp(sig.Confidence, 0, 1)
	sig.Strength = clamp(sig.Strength, 0, 100)
	sig.Rationale = joinRationale(cls.Rationale, summary)
	return sig
}

func joinRationale(base, detail string) string {
	if base == "" {
		return detail
	}
	return base + " (" + detail + ")"
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
