package analyzer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ibeckermayer/sigcrawl/internal/types"
)

// BuildPrompt constructs the LLM prompt for classifying the posts that
// mention one asset.
func BuildPrompt(asset types.KnownAsset, posts []types.Post) string {
	var sb strings.Builder

	sb.WriteString("You are reading social media posts about one crypto asset and judging what action each post is pushing readers towards.\n\n")

	sb.WriteString("## Asset\n")
	sb.WriteString(fmt.Sprintf("Symbol: %s\n", asset.Symbol))
	if asset.Name != "" {
		sb.WriteString(fmt.Sprintf("Name: %s\n", asset.Name))
	}
	if asset.Address != "" {
		sb.WriteString(fmt.Sprintf("Address: %s\n", asset.Address))
	}

	sb.WriteString("\n## Posts\n\n")
	for i, p := range posts {
		sb.WriteString(fmt.Sprintf("### Post %d\n", i+1))
		sb.WriteString(fmt.Sprintf("Permalink: %s\n", p.Permalink))
		sb.WriteString(fmt.Sprintf("Author: @%s\n", p.AuthorID))
		sb.WriteString(fmt.Sprintf("Posted: %s\n", p.PostedAt.UTC().Format("2006-01-02 15:04 MST")))
		sb.WriteString(fmt.Sprintf("Content: %s\n", p.Text))
		if p.LikeCount != nil || p.RepostCount != nil {
			sb.WriteString(fmt.Sprintf("Engagement: %s likes, %s reposts, %s replies\n",
				countOrUnknown(p.LikeCount), countOrUnknown(p.RepostCount), countOrUnknown(p.ReplyCount)))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Task\n\n")
	sb.WriteString("Decide whether these posts carry a trading signal for the asset. For each post that is about the asset, provide:\n")
	sb.WriteString("1. permalink: copied exactly from the post\n")
	sb.WriteString("2. sentiment: one of positive, negative, neutral\n")
	sb.WriteString("3. action: one of buy, sell, hold, close_position, stake\n")
	sb.WriteString("4. confidence (0.0 to 1.0): how sure you are of this reading\n")
	sb.WriteString("5. strength (0 to 100): how forcefully the post pushes the action\n")
	sb.WriteString("6. rationale: one short sentence\n\n")
	sb.WriteString("Set detected to false when the posts only mention the asset in passing.\n\n")

	sb.WriteString("IMPORTANT: Respond with ONLY a valid JSON object. No markdown, no code blocks, no explanation - just the raw JSON starting with { and ending with }.\n\n")
	sb.WriteString("Example structure:\n")
	sb.WriteString(`{"detected": true, "rationale": "Several traders report accumulating.", "verdicts": [{"permalink": "https://x.com/a/status/1", "sentiment": "positive", "action": "buy", "confidence": 0.8, "strength": 70, "rationale": "Author says they are buying."}]}`)
	sb.WriteString("\n")

	return sb.String()
}

func countOrUnknown(n *int64) string {
	if n == nil {
		return "?"
	}
	return fmt.Sprintf("%d", *n)
}

// classificationResult is the JSON structure requested from the LLM
type classificationResult struct {
	Detected  bool            `json:"detected"`
	Rationale string          `json:"rationale"`
	Verdicts  []verdictResult `json:"verdicts"`
}

type verdictResult struct {
	Permalink  string   `json:"permalink"`
	Sentiment  string   `json:"sentiment"`
	Action     string   `json:"action"`
	Confidence *float64 `json:"confidence"`
	Strength   *float64 `json:"strength"`
	Rationale  string   `json:"rationale"`
}

// ParseClassification parses an LLM response into a Classification. The text
// may be the continuation of a "{" prefill, wrapped in a markdown code block,
// or surrounded by prose. Verdicts with an unknown action are dropped; an
// unknown sentiment is derived from the action.
func ParseClassification(text string) (Classification, error) {
	trimmed := strings.TrimSpace(text)

	var result classificationResult
	var err error
	if !strings.HasPrefix(trimmed, "{") {
		// continuation of the prefill
		err = json.Unmarshal([]byte("{"+trimmed), &result)
	}
	if strings.HasPrefix(trimmed, "{") || err != nil {
		result = classificationResult{}
		err = json.Unmarshal([]byte(extractJSON(trimmed)), &result)
	}
	if err != nil {
		return Classification{}, fmt.Errorf("failed to parse classification JSON: %w (response was: %.500s)", err, text)
	}

	cls := Classification{
		Detected:  result.Detected,
		Rationale: strings.TrimSpace(result.Rationale),
	}
	for _, v := range result.Verdicts {
		action := types.Action(strings.ToLower(strings.TrimSpace(v.Action)))
		if !action.Valid() {
			continue
		}
		sentiment := types.Sentiment(strings.ToLower(strings.TrimSpace(v.Sentiment)))
		if !sentiment.Valid() {
			sentiment = sentimentFor(action)
		}
		cls.Verdicts = append(cls.Verdicts, Verdict{
			Permalink:  strings.TrimSpace(v.Permalink),
			Sentiment:  sentiment,
			Action:     action,
			Confidence: v.Confidence,
			Strength:   v.Strength,
			Rationale:  v.Rationale,
		})
	}
	return cls, nil
}

var (
	codeBlockJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*\\n?```")
	rawJSONObject = regexp.MustCompile(`(?s)(\{.*\})`)
)

// extractJSON pulls a JSON object out of text, handling markdown code blocks
func extractJSON(text string) string {
	if matches := codeBlockJSON.FindStringSubmatch(text); len(matches) > 1 {
		return matches[1]
	}
	if matches := rawJSONObject.FindStringSubmatch(text); len(matches) > 1 {
		return matches[1]
	}
	return text
}
