// Package crawler scrapes tracked accounts incrementally, resuming each one
// from its last-seen post instead of re-reading its history.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ibeckermayer/sigcrawl/internal/browser"
	"github.com/ibeckermayer/sigcrawl/internal/config"
	"github.com/ibeckermayer/sigcrawl/internal/metrics"
	"github.com/ibeckermayer/sigcrawl/internal/types"
)

// CutoffTolerance is the number of consecutive posts at or before the cutoff
// that ends a scroll loop. One out-of-order old post is tolerated because the
// feed occasionally re-orders items while rendering. This is a heuristic: a
// feed that interleaves two old posts ahead of newer ones will be cut short.
//
// A loop that stops at the safety limit before reaching the cutoff still
// advances the watermark, so posts between the oldest collected post and the
// previous cutoff are never crawled. A cancelled loop does not.
const CutoffTolerance = 2

// ErrNoSession means no logged-in browser session could be established.
var ErrNoSession = errors.New("crawler: no browser session")

// Browser is the subset of browser.Session the crawler drives.
type Browser interface {
	EnsureLoggedIn(ctx context.Context) (bool, error)
	LoginWithCredentials(ctx context.Context, creds config.CredentialsConfig) error
	NavigateToAccount(ctx context.Context, accountID string) error
	ScrollAndCollect(ctx context.Context) (browser.Snapshot, error)
	Close() error
}

// PostParser turns one rendered element into a post, or nil to skip it.
type PostParser interface {
	Parse(element string) *types.Post
}

// Store is where accounts are read from and new posts written to.
type Store interface {
	ListAccounts(ctx context.Context) ([]types.TrackedAccount, error)
	InsertPosts(ctx context.Context, posts []types.Post) ([]types.Post, error)
	AdvanceWatermark(ctx context.Context, accountID string, at time.Time) error
}

type StopReason string

const (
	StopCutoff      StopReason = "cutoff"
	StopNoGrowth    StopReason = "no_growth"
	StopSafetyLimit StopReason = "safety_limit"
	StopCancelled   StopReason = "cancelled"
	StopError       StopReason = "error"
)

type Options struct {
	SafetyLimit       int
	NoGrowthAttempts  int
	InterAccountDelay time.Duration
	RunTimeout        time.Duration
	PersistTimeout    time.Duration
}

func OptionsFromConfig(cfg config.CrawlConfig) Options {
	return Options{
		SafetyLimit:       cfg.SafetyLimit,
		NoGrowthAttempts:  cfg.NoGrowthAttempts,
		InterAccountDelay: cfg.InterAccountDelay.Duration,
		RunTimeout:        cfg.RunTimeout.Duration,
		PersistTimeout:    cfg.PersistTimeout.Duration,
	}
}

// AccountResult describes the crawl of one account.
type AccountResult struct {
	AccountID  string        `json:"account_id"`
	StopReason StopReason    `json:"stop_reason,omitempty"`
	Collected  int           `json:"collected"`
	NewPosts   []types.Post  `json:"new_posts"`
	Watermark  *time.Time    `json:"watermark,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Result summarizes a batch run. Success is false when the run was cut short
// by session loss, cancellation or the run timeout. Individual account
// failures do not clear it.
type Result struct {
	Success              bool            `json:"success"`
	ProcessedAccounts    int             `json:"processed_accounts"`
	AccountsWithNewPosts int             `json:"accounts_with_new_posts"`
	NewPosts             []types.Post    `json:"new_posts"`
	Accounts             []AccountResult `json:"accounts"`
}

type Crawler struct {
	browser Browser
	parser  PostParser
	store   Store
	creds   config.CredentialsConfig
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger

	loginAttempted bool
}

func New(b Browser, p PostParser, s Store, creds config.CredentialsConfig, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Crawler {
	if opts.SafetyLimit <= 0 {
		opts.SafetyLimit = 50
	}
	if opts.NoGrowthAttempts <= 0 {
		opts.NoGrowthAttempts = 3
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 30 * time.Second
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Crawler{
		browser: b,
		parser:  p,
		store:   s,
		creds:   creds,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "crawler").Logger(),
	}
}

// EstablishSession resumes the stored session, falling back to a credential
// login. The credential login is attempted at most once per run.
func (c *Crawler) EstablishSession(ctx context.Context) error {
	ok, err := c.browser.EnsureLoggedIn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	if ok {
		return nil
	}

	if c.loginAttempted {
		return fmt.Errorf("%w: stored session unusable and credential login already attempted", ErrNoSession)
	}
	c.loginAttempted = true

	if !c.creds.Configured() {
		return fmt.Errorf("%w: stored session unusable and no credentials configured", ErrNoSession)
	}

	c.logger.Info().Msg("falling back to credential login")
	if err := c.browser.LoginWithCredentials(ctx, c.creds); err != nil {
		c.browser.Close()
		return fmt.Errorf("%w: credential login failed: %w", ErrNoSession, err)
	}
	return nil
}

// RunForAllAccounts crawls every stored account sequentially on one browser
// session, which is closed before returning. An error is returned when the
// run could not start or lost its session; Result is populated either way.
func (c *Crawler) RunForAllAccounts(ctx context.Context) (Result, error) {
	return c.RunForAccounts(ctx)
}

// RunForAccounts is RunForAllAccounts restricted to the stored accounts named
// by ids. No ids means every account.
func (c *Crawler) RunForAccounts(ctx context.Context, ids ...string) (Result, error) {
	result := Result{Success: true}
	c.loginAttempted = false

	if c.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RunTimeout)
		defer cancel()
	}

	accounts, err := c.store.ListAccounts(ctx)
	if err != nil {
		result.Success = false
		return result, fmt.Errorf("failed to list accounts: %w", err)
	}
	if len(ids) > 0 {
		accounts = c.selectAccounts(accounts, ids)
	}
	if len(accounts) == 0 {
		c.logger.Info().Msg("no tracked accounts")
		return result, nil
	}

	defer c.browser.Close()

	if err := c.EstablishSession(ctx); err != nil {
		c.logger.Error().Err(err).Msg("could not establish session, aborting run")
		result.Success = false
		result.Accounts = c.skipAll(accounts)
		return result, err
	}

	for i, acct := range accounts {
		if i > 0 {
			if err := sleepCtx(ctx, c.opts.InterAccountDelay); err != nil {
				c.logger.Warn().Err(err).Msg("run cancelled between accounts")
				result.Success = false
				result.Accounts = append(result.Accounts, c.skipAll(accounts[i:])...)
				return result, nil
			}
		}

		ar, err := c.CrawlAccount(ctx, acct)
		result.Accounts = append(result.Accounts, ar)
		if len(ar.NewPosts) > 0 {
			result.AccountsWithNewPosts++
			result.NewPosts = append(result.NewPosts, ar.NewPosts...)
		}

		switch {
		case err == nil:
			result.ProcessedAccounts++
			c.metrics.AccountsCrawled.WithLabelValues("ok").Inc()
		case errors.Is(err, browser.ErrSessionExpired):
			c.metrics.AccountsCrawled.WithLabelValues("failed").Inc()
			c.logger.Warn().Str("account", acct.ID).Msg("session expired, re-establishing")
			c.browser.Close()
			if err := c.EstablishSession(ctx); err != nil {
				c.logger.Error().Err(err).Msg("could not re-establish session, aborting run")
				result.Success = false
				result.Accounts = append(result.Accounts, c.skipAll(accounts[i+1:])...)
				return result, err
			}
		default:
			c.metrics.AccountsCrawled.WithLabelValues("failed").Inc()
			c.logger.Error().Err(err).Str("account", acct.ID).Msg("account crawl failed")
		}

		if ctx.Err() != nil {
			c.logger.Warn().Err(ctx.Err()).Msg("run cancelled, remaining accounts skipped")
			result.Success = false
			result.Accounts = append(result.Accounts, c.skipAll(accounts[i+1:])...)
			return result, nil
		}
	}

	return result, nil
}

func (c *Crawler) selectAccounts(accounts []types.TrackedAccount, ids []string) []types.TrackedAccount {
	byID := make(map[string]types.TrackedAccount, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}
	out := make([]types.TrackedAccount, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			c.logger.Warn().Str("account", id).Msg("account is not tracked, skipping")
			continue
		}
		out = append(out, a)
	}
	return out
}

func (c *Crawler) skipAll(accounts []types.TrackedAccount) []AccountResult {
	out := make([]AccountResult, 0, len(accounts))
	for _, a := range accounts {
		c.metrics.AccountsCrawled.WithLabelValues("skipped").Inc()
		out = append(out, AccountResult{AccountID: a.ID, Skipped: true})
	}
	return out
}

// CrawlAccount runs the scroll loop for one account on an established session
// and persists what it collected. Persistence uses its own timeout and is not
// aborted by cancellation of ctx. The watermark only moves after a successful
// write, and only when the loop ran to a natural stop. The safety limit counts
// as a natural stop even when the cutoff was not reached; see CutoffTolerance.
func (c *Crawler) CrawlAccount(ctx context.Context, acct types.TrackedAccount) (AccountResult, error) {
	start := time.Now()
	ar := AccountResult{AccountID: acct.ID}
	logger := c.logger.With().Str("account", acct.ID).Logger()

	fail := func(err error) (AccountResult, error) {
		ar.Error = err.Error()
		ar.Duration = time.Since(start)
		return ar, err
	}

	if err := c.browser.NavigateToAccount(ctx, acct.ID); err != nil {
		if ctx.Err() != nil {
			ar.StopReason = StopCancelled
		}
		return fail(err)
	}

	collected, reason, scrollErr := c.scrollLoop(ctx, acct, logger)
	ar.StopReason = reason
	ar.Collected = len(collected)
	c.metrics.CrawlStops.WithLabelValues(string(reason)).Inc()
	logger.Info().
		Str("stop_reason", string(reason)).
		Int("collected", len(collected)).
		Msg("scroll loop finished")

	if len(collected) > 0 {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.PersistTimeout)
		defer cancel()

		inserted, err := c.store.InsertPosts(persistCtx, collected)
		if err != nil {
			return fail(fmt.Errorf("failed to persist posts for %s: %w", acct.ID, err))
		}
		ar.NewPosts = inserted
		c.metrics.PostsCollected.Add(float64(len(inserted)))

		// A cut-short loop never reached the cutoff, so older posts may still
		// be missing. Keep the old watermark and let the next run refill.
		if reason != StopCancelled && reason != StopError {
			if wm, ok := newestPostedAt(collected); ok && (acct.LastSeenPostAt == nil || wm.After(*acct.LastSeenPostAt)) {
				if err := c.store.AdvanceWatermark(persistCtx, acct.ID, wm); err != nil {
					return fail(fmt.Errorf("failed to advance watermark for %s: %w", acct.ID, err))
				}
				ar.Watermark = &wm
			}
		}

		logger.Info().Int("new_posts", len(inserted)).Msg("posts persisted")
	}

	if scrollErr != nil {
		return fail(scrollErr)
	}
	ar.Duration = time.Since(start)
	return ar, nil
}

func (c *Crawler) scrollLoop(ctx context.Context, acct types.TrackedAccount, logger zerolog.Logger) ([]types.Post, StopReason, error) {
	cutoff := acct.LastSeenPostAt
	seen := make(map[string]struct{})
	var collected []types.Post

	consecutiveOld := 0
	unchanged := 0
	lastHeight := int64(-1)

	for {
		snap, err := c.browser.ScrollAndCollect(ctx)

		for _, el := range snap.Elements {
			post := c.parser.Parse(el)
			if post == nil {
				continue
			}
			if _, ok := seen[post.Permalink]; ok {
				continue
			}
			seen[post.Permalink] = struct{}{}

			if cutoff != nil && !post.PostedAt.After(*cutoff) {
				consecutiveOld++
				if consecutiveOld >= CutoffTolerance {
					return collected, StopCutoff, nil
				}
				continue
			}
			consecutiveOld = 0

			collected = append(collected, *post)
			if len(collected) >= c.opts.SafetyLimit {
				return collected, StopSafetyLimit, nil
			}
		}

		if ctx.Err() != nil {
			return collected, StopCancelled, nil
		}
		if err != nil {
			logger.Warn().Err(err).Msg("scroll failed")
			return collected, StopError, fmt.Errorf("scroll failed for %s: %w", acct.ID, err)
		}

		if snap.ScrollHeight == lastHeight {
			unchanged++
			if unchanged >= c.opts.NoGrowthAttempts {
				return collected, StopNoGrowth, nil
			}
		} else {
			unchanged = 0
			lastHeight = snap.ScrollHeight
		}
	}
}

// newestPostedAt returns the latest PostedAt among non-synthetic posts.
func newestPostedAt(posts []types.Post) (time.Time, bool) {
	var newest time.Time
	found := false
	for _, p := range posts {
		if p.Synthetic {
			continue
		}
		if !found || p.PostedAt.After(newest) {
			newest = p.PostedAt
			found = true
		}
	}
	return newest, found
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
