package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"

	"github.com/ibeckermayer/sigcrawl/internal/auth"
	"github.com/ibeckermayer/sigcrawl/internal/config"
)

var (
	// ErrSessionExpired means X redirected to the login flow.
	ErrSessionExpired = errors.New("browser session expired")
	// ErrNotOpen is returned by page operations before Open or after Close.
	ErrNotOpen = errors.New("browser session is not open")
)

const (
	navigateTimeout = 30 * time.Second
	loginStepWait   = 20 * time.Second
	pollInterval    = 500 * time.Millisecond
)

// Snapshot is what one scroll step observed.
type Snapshot struct {
	// Elements holds the outerHTML of every rendered post element, in page order.
	Elements     []string
	ScrollHeight int64
}

// SessionOptions tunes timing of a Session.
type SessionOptions struct {
	Headless           bool
	UserAgent          string
	SettleDelay        time.Duration
	ScrollDelay        time.Duration
	LoginMarkerTimeout time.Duration
}

// SessionOptionsFromConfig maps the crawl section onto SessionOptions.
func SessionOptionsFromConfig(cfg config.CrawlConfig) SessionOptions {
	return SessionOptions{
		Headless:           cfg.Headless,
		UserAgent:          cfg.UserAgent,
		SettleDelay:        cfg.SettleDelay.Duration,
		ScrollDelay:        cfg.ScrollDelay.Duration,
		LoginMarkerTimeout: cfg.LoginMarkerTimeout.Duration,
	}
}

// Session owns one chromedp browser. It is not safe for concurrent use; one
// Session serves every account of a batch and is closed when the batch ends.
type Session struct {
	store  auth.SessionStore
	name   string
	opts   SessionOptions
	logger zerolog.Logger

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

// NewSession creates a closed session that restores and saves the cookie set
// called name.
func NewSession(store auth.SessionStore, name string, opts SessionOptions, logger zerolog.Logger) *Session {
	return &Session{
		store:  store,
		name:   name,
		opts:   opts,
		logger: logger.With().Str("component", "browser").Str("session", name).Logger(),
	}
}

// IsOpen reports whether a browser is running.
func (s *Session) IsOpen() bool {
	return s.browserCtx != nil
}

// Open launches the browser. It is a no-op when already open.
func (s *Session) Open(ctx context.Context) error {
	if s.IsOpen() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// The browser outlives individual calls, so it hangs off Background.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(s.opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run must use browserCtx itself; a derived context would tear
	// the browser down when it is cancelled.
	err := chromedp.Run(browserCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(ctx)
			return err
		}),
	)
	if err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	s.browserCtx = browserCtx
	s.browserCancel = browserCancel
	s.allocCancel = allocCancel
	s.logger.Debug().Bool("headless", s.opts.Headless).Msg("browser started")
	return nil
}

// Close shuts the browser down. Safe to call more than once.
func (s *Session) Close() error {
	if !s.IsOpen() {
		return nil
	}
	s.browserCancel()
	s.allocCancel()
	s.browserCtx, s.browserCancel, s.allocCancel = nil, nil, nil
	s.logger.Debug().Msg("browser closed")
	return nil
}

// run executes actions on the browser, bounded by ctx and timeout.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}

	runCtx, cancel := context.WithCancel(s.browserCtx)
	defer cancel()
	if timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, timeout)
		defer timeoutCancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// EnsureLoggedIn restores stored cookies into a fresh browser and checks that
// the home feed shows the logged-in marker. A false result means the caller
// must fall back to a credential login; the browser is closed in that case.
func (s *Session) EnsureLoggedIn(ctx context.Context) (bool, error) {
	cookies, err := s.store.Load(ctx, s.name)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not load stored cookies, treating as cold start")
		return false, nil
	}
	if len(cookies) == 0 {
		s.logger.Info().Msg("no stored cookies")
		return false, nil
	}

	// always restore into a fresh driver
	s.Close()
	if err := s.Open(ctx); err != nil {
		return false, err
	}

	err = s.run(ctx, s.opts.LoginMarkerTimeout,
		injectCookies(cookies),
		chromedp.Navigate(homeURL),
		chromedp.WaitVisible(HomeIndicator, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			s.Close()
			return false, ctx.Err()
		}
		s.logger.Info().Err(err).Msg("stored session expired")
		s.Close()
		return false, nil
	}

	if err := s.saveCookies(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to refresh stored cookies")
	}

	s.logger.Info().Msg("session restored from stored cookies")
	return true, nil
}

// LoginWithCredentials performs a full credential login and stores the
// resulting cookies.
func (s *Session) LoginWithCredentials(ctx context.Context, creds config.CredentialsConfig) error {
	if !creds.Configured() {
		return errors.New("no login credentials configured")
	}

	s.Close()
	if err := s.Open(ctx); err != nil {
		return err
	}

	err := s.run(ctx, navigateTimeout,
		chromedp.Navigate(loginURL),
		chromedp.WaitVisible(UsernameInput, chromedp.ByQuery),
		chromedp.SendKeys(UsernameInput, creds.LoginIdentifier+kb.Enter, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to submit login identifier: %w", err)
	}

	// X sometimes asks for the display username before the password.
	next, err := s.waitAny(ctx, loginStepWait, PasswordInput, ChallengeInput)
	if err != nil {
		return fmt.Errorf("login flow stalled after identifier: %w", err)
	}
	if next == ChallengeInput {
		if creds.DisplayUsername == "" {
			return errors.New("login requires display_username but none is configured")
		}
		err = s.run(ctx, loginStepWait,
			chromedp.SendKeys(ChallengeInput, creds.DisplayUsername+kb.Enter, chromedp.ByQuery),
			chromedp.WaitVisible(PasswordInput, chromedp.ByQuery),
		)
		if err != nil {
			return fmt.Errorf("failed to answer username challenge: %w", err)
		}
	}

	err = s.run(ctx, navigateTimeout,
		chromedp.SendKeys(PasswordInput, creds.Password+kb.Enter, chromedp.ByQuery),
		chromedp.WaitVisible(HomeIndicator, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if err := s.saveCookies(ctx); err != nil {
		return fmt.Errorf("failed to save cookies: %w", err)
	}

	s.logger.Info().Msg("logged in with credentials")
	return nil
}

// Visit opens the browser if needed and loads url. Used for fingerprint
// audits against bot detection pages.
func (s *Session) Visit(ctx context.Context, url string) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	return s.run(ctx, navigateTimeout,
		chromedp.Navigate(url),
		chromedp.WaitVisible("body", chromedp.ByQuery),
	)
}

// NavigateToAccount loads the account timeline and waits the settle delay so
// client-side rendering can finish. The delay is a heuristic.
func (s *Session) NavigateToAccount(ctx context.Context, accountID string) error {
	err := s.run(ctx, navigateTimeout,
		chromedp.Navigate(baseURL+accountID),
		chromedp.WaitVisible(FeedContainer, chromedp.ByQuery),
	)
	if expired, locErr := s.onLoginPage(ctx); locErr == nil && expired {
		return ErrSessionExpired
	}
	if err != nil {
		return fmt.Errorf("failed to load timeline for %s: %w", accountID, err)
	}

	return sleepCtx(ctx, s.opts.SettleDelay)
}

// ScrollAndCollect reads every rendered post element, then scrolls to the
// bottom and waits for more content. The caller decides when to stop.
func (s *Session) ScrollAndCollect(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	err := s.run(ctx, navigateTimeout,
		chromedp.Evaluate(collectJS, &snap.Elements),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to collect posts: %w", err)
	}

	if err := sleepCtx(ctx, s.opts.ScrollDelay); err != nil {
		return snap, err
	}

	var height float64
	if err := s.run(ctx, navigateTimeout, chromedp.Evaluate(`document.body.scrollHeight`, &height)); err != nil {
		return snap, fmt.Errorf("failed to read scroll height: %w", err)
	}
	snap.ScrollHeight = int64(height)

	return snap, nil
}

const collectJS = `Array.from(document.querySelectorAll('article[data-testid="tweet"]')).map(el => el.outerHTML)`

func (s *Session) onLoginPage(ctx context.Context) (bool, error) {
	var url string
	if err := s.run(ctx, 5*time.Second, chromedp.Location(&url)); err != nil {
		return false, err
	}
	return strings.Contains(url, "/login") || strings.Contains(url, "/i/flow/"), nil
}

// waitAny polls until one of the selectors matches and returns it.
func (s *Session) waitAny(ctx context.Context, timeout time.Duration, selectors ...string) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, sel := range selectors {
			var found bool
			js := fmt.Sprintf(`document.querySelector(%q) !== null`, sel)
			if err := s.run(ctx, 5*time.Second, chromedp.Evaluate(js, &found)); err != nil {
				return "", err
			}
			if found {
				return sel, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("none of %v appeared within %v", selectors, timeout)
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return "", err
		}
	}
}

func (s *Session) saveCookies(ctx context.Context) error {
	var cookies []*network.Cookie
	err := s.run(ctx, 10*time.Second,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return err
	}
	if !auth.HasAuthCookies(cookies) {
		return errors.New("browser has no auth cookies")
	}
	return s.store.Save(ctx, s.name, auth.XCookies(cookies))
}

// injectCookies sets cookies in the browser context
func injectCookies(cookies []*network.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly).
				WithSameSite(c.SameSite).
				Do(ctx)

			if err != nil {
				return err
			}
		}
		return nil
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
