// Package scraper turns rendered X post elements into posts.
package scraper

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ibeckermayer/sigcrawl/internal/types"
)

// SyntheticPrefix marks keys assigned to posts without a permalink.
const SyntheticPrefix = "synthetic:"

var statusPath = regexp.MustCompile(`^(?:https?://(?:www\.)?(?:x|twitter)\.com)?/([A-Za-z0-9_]+)/status/(\d+)`)

// leading count in labels such as "1,234 Likes. Like"
var leadingCount = regexp.MustCompile(`^\s*([\d.,]+\s*[KkMmBb]?)\b`)

// Parser converts the outerHTML of one post element into a Post.
type Parser struct {
	now func() time.Time
}

// NewParser creates a parser
func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// Parse returns nil when the element carries no timestamp; ads, promoted
// posts and half-rendered placeholders look like that.
func (p *Parser) Parse(element string) *types.Post {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(element))
	if err != nil {
		return nil
	}

	timeEl := doc.Find(TweetTimestamp).First()
	datetime, ok := timeEl.Attr("datetime")
	if !ok {
		return nil
	}
	postedAt, err := time.Parse(time.RFC3339, strings.TrimSpace(datetime))
	if err != nil {
		return nil
	}

	post := &types.Post{
		AuthorID:    authorHandle(doc),
		Text:        strings.TrimSpace(doc.Find(TweetText).First().Text()),
		PostedAt:    postedAt.UTC(),
		ReplyCount:  metric(doc, ReplyCount),
		RepostCount: metric(doc, RetweetCount),
		LikeCount:   metric(doc, LikeCount),
		ScrapedAt:   p.now().UTC(),
	}

	handle, permalink := permalinkOf(doc, timeEl)
	if post.AuthorID == "" {
		post.AuthorID = handle
	}
	if permalink == "" {
		post.Permalink = SyntheticKey(post.AuthorID, post.Text, post.PostedAt)
		post.Synthetic = true
	} else {
		post.Permalink = permalink
	}

	return post
}

// permalinkOf prefers the status link wrapping the timestamp, which is the
// post's own link; quoted posts carry their own status links further down.
func permalinkOf(doc *goquery.Document, timeEl *goquery.Selection) (handle, permalink string) {
	candidates := []*goquery.Selection{
		timeEl.Closest("a"),
		doc.Find(TweetLink).First(),
	}
	for _, link := range candidates {
		href, ok := link.Attr("href")
		if !ok {
			continue
		}
		if m := statusPath.FindStringSubmatch(href); m != nil {
			return m[1], "https://x.com/" + m[1] + "/status/" + m[2]
		}
	}
	return "", ""
}

func authorHandle(doc *goquery.Document) string {
	var handle string
	doc.Find(TweetAuthor + ` a[href^="/"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		h := strings.Trim(href, "/")
		if h != "" && !strings.Contains(h, "/") {
			handle = h
			return false
		}
		return true
	})
	return handle
}

// metric reads an engagement count, trying aria-label (e.g. "123 Replies")
// before the visible text.
func metric(doc *goquery.Document, selector string) *int64 {
	el := doc.Find(selector).First()
	if el.Length() == 0 {
		return nil
	}
	if label, ok := el.Attr("aria-label"); ok {
		if m := leadingCount.FindStringSubmatch(label); m != nil {
			if n := ParseCount(m[1]); n != nil {
				return n
			}
		}
	}
	return ParseCount(el.Text())
}

// ParseCount converts abbreviated metric strings like "1.2K", "5.7M", or "423"
// to integers. Unparsable text yields nil.
func ParseCount(s string) *int64 {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "") // Remove commas (e.g., "1,234")
	if s == "" {
		return nil
	}

	// Handle abbreviated formats (K for thousands, M for millions)
	multiplier := 1.0
	switch s[len(s)-1] {
	case 'K', 'k':
		multiplier = 1e3
	case 'M', 'm':
		multiplier = 1e6
	case 'B', 'b':
		multiplier = 1e9
	}
	if multiplier != 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value < 0 || math.IsInf(value, 0) || math.IsNaN(value) {
		return nil
	}

	scaled := math.Round(value * multiplier)
	// float64(math.MaxInt64) rounds up to 2^63, which no longer fits
	if scaled >= float64(math.MaxInt64) {
		return nil
	}
	n := int64(scaled)
	return &n
}

// SyntheticKey derives a stable key for a post without a permalink.
func SyntheticKey(author, text string, postedAt time.Time) string {
	sum := sha256.Sum256([]byte(author + "|" + text + "|" + postedAt.UTC().Format(time.RFC3339Nano)))
	return SyntheticPrefix + hex.EncodeToString(sum[:12])
}
