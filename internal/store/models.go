package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ibeckermayer/sigcrawl/internal/types"
)

// accountRow mirrors the accounts table
type accountRow struct {
	ID             string        `db:"id"`
	DisplayName    string        `db:"display_name"`
	LastSeenPostAt sql.NullInt64 `db:"last_seen_post_at"`
}

func (r accountRow) toAccount() types.TrackedAccount {
	a := types.TrackedAccount{ID: r.ID, DisplayName: r.DisplayName}
	if r.LastSeenPostAt.Valid {
		t := fromMillis(r.LastSeenPostAt.Int64)
		a.LastSeenPostAt = &t
	}
	return a
}

// postRow mirrors the tweets table
type postRow struct {
	Permalink   string        `db:"permalink"`
	AuthorID    string        `db:"author_id"`
	Text        string        `db:"text"`
	PostedAt    int64         `db:"posted_at"`
	ReplyCount  sql.NullInt64 `db:"reply_count"`
	RepostCount sql.NullInt64 `db:"repost_count"`
	LikeCount   sql.NullInt64 `db:"like_count"`
	Synthetic   bool          `db:"synthetic"`
	ScrapedAt   int64         `db:"scraped_at"`
}

func newPostRow(p types.Post) postRow {
	return postRow{
		Permalink:   p.Permalink,
		AuthorID:    p.AuthorID,
		Text:        p.Text,
		PostedAt:    toMillis(p.PostedAt),
		ReplyCount:  nullInt(p.ReplyCount),
		RepostCount: nullInt(p.RepostCount),
		LikeCount:   nullInt(p.LikeCount),
		Synthetic:   p.Synthetic,
		ScrapedAt:   toMillis(p.ScrapedAt),
	}
}

func (r postRow) toPost() types.Post {
	return types.Post{
		Permalink:   r.Permalink,
		AuthorID:    r.AuthorID,
		Text:        r.Text,
		PostedAt:    fromMillis(r.PostedAt),
		ReplyCount:  intPtr(r.ReplyCount),
		RepostCount: intPtr(r.RepostCount),
		LikeCount:   intPtr(r.LikeCount),
		Synthetic:   r.Synthetic,
		ScrapedAt:   fromMillis(r.ScrapedAt),
	}
}

// signalRow mirrors the signals table. SourcePermalinks is a JSON array.
type signalRow struct {
	ID               string  `db:"id"`
	AssetKey         string  `db:"asset_key"`
	Symbol           string  `db:"symbol"`
	Name             string  `db:"name"`
	Address          string  `db:"address"`
	Detected         bool    `db:"detected"`
	Sentiment        string  `db:"sentiment"`
	Action           string  `db:"action"`
	Strength         float64 `db:"strength"`
	Confidence       float64 `db:"confidence"`
	Rationale        string  `db:"rationale"`
	Classifier       string  `db:"classifier"`
	SourcePermalinks string  `db:"source_permalinks"`
	ExpiresAt        int64   `db:"expires_at"`
	CreatedAt        int64   `db:"created_at"`
}

func newSignalRow(s types.Signal) (signalRow, error) {
	links := s.SourcePermalinks
	if links == nil {
		links = []string{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return signalRow{}, err
	}
	return signalRow{
		ID:               s.ID,
		AssetKey:         s.Asset.Key(),
		Symbol:           s.Asset.Symbol,
		Name:             s.Asset.Name,
		Address:          s.Asset.Address,
		Detected:         s.Detected,
		Sentiment:        string(s.Sentiment),
		Action:           string(s.Action),
		Strength:         s.Strength,
		Confidence:       s.Confidence,
		Rationale:        s.Rationale,
		Classifier:       s.Classifier,
		SourcePermalinks: string(linksJSON),
		ExpiresAt:        toMillis(s.ExpiresAt),
		CreatedAt:        toMillis(s.CreatedAt),
	}, nil
}

func (r signalRow) toSignal() (types.Signal, error) {
	var links []string
	if err := json.Unmarshal([]byte(r.SourcePermalinks), &links); err != nil {
		return types.Signal{}, err
	}
	return types.Signal{
		ID:        r.ID,
		CreatedAt: fromMillis(r.CreatedAt),
		DetectedSignal: types.DetectedSignal{
			Asset: types.KnownAsset{
				Symbol:  r.Symbol,
				Name:    r.Name,
				Address: r.Address,
			},
			Detected:         r.Detected,
			Sentiment:        types.Sentiment(r.Sentiment),
			Action:           types.Action(r.Action),
			Strength:         r.Strength,
			Confidence:       r.Confidence,
			Rationale:        r.Rationale,
			Classifier:       r.Classifier,
			SourcePermalinks: links,
			ExpiresAt:        fromMillis(r.ExpiresAt),
		},
	}, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
