package analyzer

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ibeckermayer/sigcrawl/internal/types"
)

// HeuristicRationalePrefix marks every rationale produced without an LLM.
const HeuristicRationalePrefix = "[offline heuristic]"

// heuristicConfidence is the fixed confidence of every heuristic verdict.
const heuristicConfidence = 0.5

var lexicon = []struct {
	action types.Action
	re     *regexp.Regexp
}{
	{types.ActionClosePosition, regexp.MustCompile(`(?i)\b(take profits?|taking profits?|took profits?|closed? (my|the) (position|long|short)|closing (my|the) (position|long|short))\b`)},
	{types.ActionStake, regexp.MustCompile(`(?i)\b(stake|staking|staked|restake|restaking|delegate|delegating)\b`)},
	{types.ActionBuy, regexp.MustCompile(`(?i)\b(buy|buying|bought|long|longing|accumulate|accumulating|bullish|breakout|undervalued|ape|aped|moon|mooning|pump|pumping|send it)\b`)},
	{types.ActionSell, regexp.MustCompile(`(?i)\b(sell|selling|sold|short|shorting|dump|dumping|bearish|rug|rugged|overvalued|exit|exiting|breakdown)\b`)},
}

// HeuristicClassifier is a deterministic keyword classifier that keeps the
// pipeline usable without an LLM credential.
type HeuristicClassifier struct{}

func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{}
}

func (h *HeuristicClassifier) Name() string {
	return "heuristic"
}

func (h *HeuristicClassifier) Classify(_ context.Context, asset types.KnownAsset, posts []types.Post) (Classification, error) {
	if len(posts) == 0 {
		return Classification{
			Detected:  false,
			Rationale: HeuristicRationalePrefix + " no posts",
		}, nil
	}

	conf := heuristicConfidence
	verdicts := make([]Verdict, 0, len(posts))
	for _, p := range posts {
		action := heuristicAction(p.Text)
		verdicts = append(verdicts, Verdict{
			Permalink:  p.Permalink,
			Sentiment:  sentimentFor(action),
			Action:     action,
			Confidence: &conf,
		})
	}

	return Classification{
		Detected: true,
		Rationale: fmt.Sprintf("%s keyword match over %d posts mentioning %s",
			HeuristicRationalePrefix, len(posts), asset.Symbol),
		Verdicts: verdicts,
	}, nil
}

// heuristicAction returns the action with the most keyword hits. A tie between
// buy-side and sell-side hits, or no hits at all, is hold. Phrases are consumed
// in lexicon order so "closed my long" does not also count as "long".
func heuristicAction(text string) types.Action {
	best := types.ActionHold
	bestHits := 0
	sideHits := map[int]int{}
	for _, entry := range lexicon {
		hits := len(entry.re.FindAllStringIndex(text, -1))
		if hits == 0 {
			continue
		}
		text = entry.re.ReplaceAllString(text, " ")
		sideHits[entry.action.Side()] += hits
		if hits > bestHits {
			best, bestHits = entry.action, hits
		}
	}
	if sideHits[1] == sideHits[-1] {
		return types.ActionHold
	}
	if sideHits[1] > sideHits[-1] && best.Side() < 0 {
		return types.ActionBuy
	}
	if sideHits[-1] > sideHits[1] && best.Side() > 0 {
		return types.ActionSell
	}
	return best
}

func sentimentFor(a types.Action) types.Sentiment {
	switch a.Side() {
	case 1:
		return types.SentimentPositive
	case -1:
		return types.SentimentNegative
	}
	return types.SentimentNeutral
}
