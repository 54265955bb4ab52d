package types

import (
	"strings"
	"time"
)

// TrackedAccount is an X account whose timeline is crawled incrementally.
type TrackedAccount struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	// LastSeenPostAt is the crawl cutoff. Nil until the first successful crawl.
	LastSeenPostAt *time.Time `json:"last_seen_post_at,omitempty"`
}

// Post represents a scraped X post
type Post struct {
	Permalink   string    `json:"permalink"`
	AuthorID    string    `json:"author_id"`
	Text        string    `json:"text"`
	PostedAt    time.Time `json:"posted_at"`
	ReplyCount  *int64    `json:"reply_count,omitempty"`
	RepostCount *int64    `json:"repost_count,omitempty"`
	LikeCount   *int64    `json:"like_count,omitempty"`
	// Synthetic is set when no permalink could be extracted and Permalink holds
	// a content hash. Synthetic posts never advance an account watermark.
	Synthetic bool      `json:"synthetic,omitempty"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// KnownAsset is an entry of the tradable asset whitelist.
type KnownAsset struct {
	Symbol  string `json:"symbol" toml:"symbol"`
	Name    string `json:"name" toml:"name"`
	Address string `json:"address" toml:"address"`
}

// Key identifies the asset for duplicate suppression.
func (a KnownAsset) Key() string {
	if a.Address != "" {
		return strings.ToLower(a.Address)
	}
	return strings.ToUpper(a.Symbol)
}

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Valid reports whether s is one of the known sentiments.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return true
	}
	return false
}

type Action string

const (
	ActionBuy           Action = "buy"
	ActionSell          Action = "sell"
	ActionHold          Action = "hold"
	ActionClosePosition Action = "close_position"
	ActionStake         Action = "stake"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold, ActionClosePosition, ActionStake:
		return true
	}
	return false
}

// Side returns +1 for buy-side actions, -1 for sell-side actions and 0 otherwise.
func (a Action) Side() int {
	switch a {
	case ActionBuy, ActionStake:
		return 1
	case ActionSell, ActionClosePosition:
		return -1
	}
	return 0
}

// DetectedSignal is the in-memory result of one aggregation run for one asset.
type DetectedSignal struct {
	Asset            KnownAsset `json:"asset"`
	Detected         bool       `json:"detected"`
	Sentiment        Sentiment  `json:"sentiment"`
	Action           Action     `json:"action"`
	Strength         float64    `json:"strength"`
	Confidence       float64    `json:"confidence"`
	Rationale        string     `json:"rationale"`
	Classifier       string     `json:"classifier"`
	SourcePermalinks []string   `json:"source_permalinks"`
	ExpiresAt        time.Time  `json:"expires_at"`
}

// Signal is a persisted DetectedSignal. Its JSON shape is read by the proposal
// step and the dashboard.
type Signal struct {
	DetectedSignal
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}
