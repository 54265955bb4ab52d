package browser

// X.com DOM selectors used while driving the page.
// These are isolated here because X changes their DOM frequently
// Update these when scraping breaks

const (
	FeedContainer = `[data-testid="primaryColumn"]`
	TweetArticle  = `article[data-testid="tweet"]`

	// Present only for a logged-in session
	HomeIndicator = `[data-testid="SideNav_NewTweet_Button"]`

	// Login flow inputs
	UsernameInput  = `input[autocomplete="username"]`
	ChallengeInput = `input[data-testid="ocfEnterTextTextInput"]`
	PasswordInput  = `input[name="password"]`
)

const (
	homeURL  = "https://x.com/home"
	loginURL = "https://x.com/i/flow/login"
	baseURL  = "https://x.com/"
)
