package scraper

// X.com selectors used when parsing one rendered post element.
// These are isolated here because X changes their DOM frequently
// Update these when scraping breaks

const (
	// Tweet content selectors
	TweetText      = `[data-testid="tweetText"]`
	TweetAuthor    = `[data-testid="User-Name"]`
	TweetTimestamp = `time[datetime]`
	TweetLink      = `a[href*="/status/"]`

	// Engagement selectors
	ReplyCount   = `[data-testid="reply"]`
	RetweetCount = `[data-testid="retweet"]`
	LikeCount    = `[data-testid="like"]`
)
