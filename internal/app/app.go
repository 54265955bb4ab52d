// Package app wires the crawler, the signal aggregator and signal persistence
// into one batch pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ibeckermayer/sigcrawl/internal/crawler"
	"github.com/ibeckermayer/sigcrawl/internal/metrics"
	"github.com/ibeckermayer/sigcrawl/internal/store"
	"github.com/ibeckermayer/sigcrawl/internal/types"
)

// Crawler runs a crawl batch. *crawler.Crawler satisfies it.
type Crawler interface {
	RunForAccounts(ctx context.Context, ids ...string) (crawler.Result, error)
}

// Detector turns posts into detected signals. *analyzer.Aggregator satisfies it.
type Detector interface {
	Detect(ctx context.Context, posts []types.Post, assets []types.KnownAsset) ([]types.DetectedSignal, error)
}

// SignalSaver persists detected signals. *signals.Persister satisfies it.
type SignalSaver interface {
	Save(ctx context.Context, detected types.DetectedSignal) (types.Signal, bool, error)
}

// Store is the part of the document store the pipeline touches directly.
type Store interface {
	UpsertAccounts(ctx context.Context, accounts []types.TrackedAccount) error
	ListAccounts(ctx context.Context) ([]types.TrackedAccount, error)
	CountPosts(ctx context.Context) (int, error)
	RecentPosts(ctx context.Context, since time.Time) ([]types.Post, error)
	ListSignals(ctx context.Context, since time.Time, limit int) ([]types.Signal, error)
}

// statusSignalWindow and statusSignalLimit bound the signals listed by Status.
const (
	statusSignalWindow = 24 * time.Hour
	statusSignalLimit  = 50
)

// Components are the collaborators of a Pipeline.
type Components struct {
	Store    Store
	Crawler  Crawler
	Detector Detector
	Signals  SignalSaver
	Handoff  Handoff

	Accounts []types.TrackedAccount
	Assets   []types.KnownAsset

	// Steps receives the JSON output of every step when CacheSteps is set,
	// and is where Replay reads from.
	Steps      *store.StepCache
	CacheSteps bool
	KeepSteps  int
}

// Report summarizes one pipeline invocation.
type Report struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Crawl      crawler.Result `json:"crawl"`
	Detected   int            `json:"detected"`
	Stored     int            `json:"stored"`
	Suppressed int            `json:"suppressed"`
	Failed     int            `json:"failed"`
	// Signals holds the signals created by this invocation.
	Signals []types.Signal `json:"signals"`
	Error   string         `json:"error,omitempty"`
}

// Success reports whether the crawl half of the run completed.
func (r Report) Success() bool {
	return r.Crawl.Success && r.Error == ""
}

// Pipeline runs crawl, aggregation and persistence in order.
type Pipeline struct {
	c       Components
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	lastRun *Report
	closers []func() error
}

// NewPipeline creates a pipeline. A nil Handoff logs new signals.
func NewPipeline(c Components, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	if m == nil {
		m = metrics.Discard()
	}
	logger = logger.With().Str("component", "pipeline").Logger()
	if c.Handoff == nil {
		c.Handoff = LogHandoff{Logger: logger}
	}
	return &Pipeline{
		c:       c,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// LastRun returns the report of the most recent Run, if any.
func (p *Pipeline) LastRun() (Report, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastRun == nil {
		return Report{}, false
	}
	return *p.lastRun, true
}

func (p *Pipeline) setLastRun(r Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRun = &r
}

// Status is a snapshot of what the pipeline has stored so far.
type Status struct {
	Posts         int                    `json:"posts"`
	Accounts      []types.TrackedAccount `json:"accounts"`
	RecentSignals []types.Signal         `json:"recent_signals"`
	LastRun       *Report                `json:"last_run,omitempty"`
}

// Status reports stored totals, account watermarks, the signals of the last
// day and the last run.
func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error

	if st.Posts, err = p.c.Store.CountPosts(ctx); err != nil {
		return st, err
	}
	if st.Accounts, err = p.c.Store.ListAccounts(ctx); err != nil {
		return st, err
	}
	if st.RecentSignals, err = p.c.Store.ListSignals(ctx, p.now().Add(-statusSignalWindow), statusSignalLimit); err != nil {
		return st, err
	}
	if last, ok := p.LastRun(); ok {
		st.LastRun = &last
	}
	return st, nil
}

// Close releases everything Build opened.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i]())
	}
	return errors.Join(errs...)
}

// SyncAccounts registers the configured accounts with the store.
func (p *Pipeline) SyncAccounts(ctx context.Context) error {
	if len(p.c.Accounts) == 0 {
		return nil
	}
	if err := p.c.Store.UpsertAccounts(ctx, p.c.Accounts); err != nil {
		return fmt.Errorf("failed to sync accounts: %w", err)
	}
	return nil
}

// Crawl runs only the crawl step, optionally restricted to ids.
func (p *Pipeline) Crawl(ctx context.Context, ids ...string) (crawler.Result, error) {
	if err := p.SyncAccounts(ctx); err != nil {
		return crawler.Result{}, err
	}
	result, err := p.c.Crawler.RunForAccounts(ctx, ids...)
	p.cacheStep(store.StepCrawlPosts, result)
	return result, err
}

// Run executes one full batch: crawl every account, aggregate the new posts
// into signals and persist them. Signals are still produced from whatever was
// collected when the crawl ends early.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	start := p.now()
	report := Report{StartedAt: start.UTC()}
	defer func() {
		report.FinishedAt = p.now().UTC()
		p.metrics.RunDuration.Observe(report.FinishedAt.Sub(start).Seconds())
		p.setLastRun(report)
	}()

	crawlResult, crawlErr := p.Crawl(ctx)
	report.Crawl = crawlResult
	if crawlErr != nil {
		report.Error = crawlErr.Error()
		p.logger.Error().Err(crawlErr).Msg("crawl ended with an error")
	}

	// Aggregation must not be cut short by the same cancellation that ended
	// the crawl, or the posts just stored would never be classified.
	if err := p.detectAndSave(context.WithoutCancel(ctx), crawlResult.NewPosts, &report); err != nil {
		if report.Error == "" {
			report.Error = err.Error()
		}
		return report, err
	}

	p.logger.Info().
		Bool("success", report.Success()).
		Int("processed_accounts", crawlResult.ProcessedAccounts).
		Int("accounts_with_new_posts", crawlResult.AccountsWithNewPosts).
		Int("new_posts", len(crawlResult.NewPosts)).
		Int("signals_detected", report.Detected).
		Int("signals_stored", report.Stored).
		Int("signals_suppressed", report.Suppressed).
		Int("signals_failed", report.Failed).
		Dur("elapsed", p.now().Sub(start)).
		Msg("run finished")

	return report, crawlErr
}

// Detect aggregates posts scraped within the last since and persists the
// resulting signals, without crawling.
func (p *Pipeline) Detect(ctx context.Context, since time.Duration) (Report, error) {
	report := Report{StartedAt: p.now().UTC(), Crawl: crawler.Result{Success: true}}

	posts, err := p.c.Store.RecentPosts(ctx, p.now().Add(-since))
	if err != nil {
		return report, fmt.Errorf("failed to load recent posts: %w", err)
	}
	p.logger.Info().Int("posts", len(posts)).Dur("since", since).Msg("detecting signals from stored posts")

	err = p.detectAndSave(ctx, posts, &report)
	report.FinishedAt = p.now().UTC()
	return report, err
}

// Replay aggregates the posts of the most recently cached crawl again and
// persists the resulting signals. Signals already stored inside the
// suppression window are suppressed as usual.
func (p *Pipeline) Replay(ctx context.Context) (Report, error) {
	report := Report{StartedAt: p.now().UTC()}
	if p.c.Steps == nil {
		return report, errors.New("no step cache configured")
	}

	crawled, path, err := store.LoadLatest[crawler.Result](p.c.Steps, store.StepCrawlPosts)
	if err != nil {
		return report, fmt.Errorf("failed to load cached crawl: %w", err)
	}
	report.Crawl = crawled
	p.logger.Info().Str("path", path).Int("posts", len(crawled.NewPosts)).Msg("replaying cached crawl")

	err = p.detectAndSave(ctx, crawled.NewPosts, &report)
	report.FinishedAt = p.now().UTC()
	return report, err
}

func (p *Pipeline) detectAndSave(ctx context.Context, posts []types.Post, report *Report) error {
	if len(posts) == 0 {
		p.logger.Info().Msg("no new posts, nothing to aggregate")
		return nil
	}

	detected, err := p.c.Detector.Detect(ctx, posts, p.c.Assets)
	if err != nil {
		return fmt.Errorf("signal aggregation failed: %w", err)
	}
	report.Detected = len(detected)
	p.cacheStep(store.StepDetectedSignals, detected)

	for _, d := range detected {
		sig, created, err := p.c.Signals.Save(ctx, d)
		switch {
		case err != nil:
			report.Failed++
			p.logger.Error().Err(err).Str("asset", d.Asset.Symbol).Msg("failed to persist signal")
			continue
		case !created:
			report.Suppressed++
			continue
		}

		report.Stored++
		report.Signals = append(report.Signals, sig)
		if err := p.c.Handoff.Handoff(ctx, sig); err != nil {
			p.logger.Error().Err(err).Str("signal_id", sig.ID).Msg("signal handoff failed")
		}
	}

	if len(report.Signals) > 0 {
		p.cacheStep(store.StepStoredSignals, report.Signals)
	}
	return nil
}

func (p *Pipeline) cacheStep(step store.StepName, data any) {
	if !p.c.CacheSteps || p.c.Steps == nil {
		return
	}
	logger := p.logger.With().Str("step", string(step)).Logger()

	path, err := p.c.Steps.Save(step, data)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to cache step output")
		return
	}
	logger.Debug().Str("path", path).Msg("cached step output")

	if p.c.KeepSteps > 0 {
		if _, err := p.c.Steps.Prune(step, p.c.KeepSteps); err != nil {
			logger.Warn().Err(err).Msg("failed to prune step cache")
		}
	}
}
