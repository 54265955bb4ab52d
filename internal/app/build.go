package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ibeckermayer/sigcrawl/internal/analyzer"
	"github.com/ibeckermayer/sigcrawl/internal/auth"
	"github.com/ibeckermayer/sigcrawl/internal/browser"
	"github.com/ibeckermayer/sigcrawl/internal/config"
	"github.com/ibeckermayer/sigcrawl/internal/crawler"
	"github.com/ibeckermayer/sigcrawl/internal/metrics"
	"github.com/ibeckermayer/sigcrawl/internal/scraper"
	"github.com/ibeckermayer/sigcrawl/internal/signals"
	"github.com/ibeckermayer/sigcrawl/internal/store"
)

// OpenSessionStore returns the configured cookie store and a function that
// releases it.
func OpenSessionStore(ctx context.Context, cfg config.SessionConfig, logger zerolog.Logger) (auth.SessionStore, func() error, error) {
	switch cfg.Backend {
	case config.SessionBackendRedis:
		client, err := auth.DialRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return auth.NewRedisStore(client, logger), client.Close, nil
	case config.SessionBackendFile, "":
		dir, err := auth.DefaultSessionDir()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get session directory: %w", err)
		}
		return auth.NewFileStore(dir, logger), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend: %s", cfg.Backend)
	}
}

// OpenStore opens the configured document store.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (*store.Store, error) {
	dsn := cfg.DSN
	if dsn == "" && cfg.Driver == config.StoreDriverSQLite {
		path, err := config.DefaultStoreDSN()
		if err != nil {
			return nil, err
		}
		dsn = path
	}
	return store.Open(ctx, cfg.Driver, dsn)
}

// Build constructs a Pipeline and everything it depends on from cfg. The
// caller must Close the pipeline.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*Pipeline, error) {
	if m == nil {
		m = metrics.Discard()
	}

	var closers []func() error
	fail := func(err error) (*Pipeline, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	cacheDir, err := config.CacheDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get cache directory: %w", err)
	}
	steps := store.NewStepCache(cacheDir)
	// LLM exchanges are only cached in debug mode
	var llmCache string
	if cfg.Debug.CacheSteps {
		llmCache = cacheDir
	}

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return fail(fmt.Errorf("failed to open store: %w", err))
	}
	closers = append(closers, st.Close)

	sessions, closeSessions, err := OpenSessionStore(ctx, cfg.Session, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to open session store: %w", err))
	}
	closers = append(closers, closeSessions)

	session := browser.NewSession(sessions, cfg.Session.Name, browser.SessionOptionsFromConfig(cfg.Crawl), logger)
	closers = append(closers, session.Close)

	cr := crawler.New(session, scraper.NewParser(), st, cfg.Credentials, crawler.OptionsFromConfig(cfg.Crawl), m, logger)

	classifier, err := analyzer.NewClassifier(cfg.Analysis, llmCache, m, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create classifier: %w", err))
	}
	aggregator := analyzer.New(classifier, analyzer.Options{
		MaxConcurrency: cfg.Analysis.MaxConcurrency,
		TTL:            cfg.Signals.TTL.Duration,
	}, m, logger)

	persister := signals.NewPersister(st, cfg.Signals.SuppressionWindow.Duration, m, logger)

	p := NewPipeline(Components{
		Store:      st,
		Crawler:    cr,
		Detector:   aggregator,
		Signals:    persister,
		Accounts:   cfg.TrackedAccounts(),
		Assets:     cfg.Assets,
		Steps:      steps,
		CacheSteps: cfg.Debug.CacheSteps,
		KeepSteps:  cfg.Debug.KeepSteps,
	}, m, logger)
	p.closers = closers
	return p, nil
}

// Login performs one credential login and stores the resulting cookies.
func Login(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	sessions, closeSessions, err := OpenSessionStore(ctx, cfg.Session, logger)
	if err != nil {
		return err
	}
	defer closeSessions()

	session := browser.NewSession(sessions, cfg.Session.Name, browser.SessionOptionsFromConfig(cfg.Crawl), logger)
	defer session.Close()

	return session.LoginWithCredentials(ctx, cfg.Credentials)
}

// Logout clears the stored cookie set.
func Logout(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	sessions, closeSessions, err := OpenSessionStore(ctx, cfg.Session, logger)
	if err != nil {
		return err
	}
	defer closeSessions()

	return sessions.Clear(ctx, cfg.Session.Name)
}
