// Package analyzer turns freshly crawled posts into at most one trading signal
// per known asset.
package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ibeckermayer/sigcrawl/internal/analyzer/providers"
	"github.com/ibeckermayer/sigcrawl/internal/config"
	"github.com/ibeckermayer/sigcrawl/internal/metrics"
	"github.com/ibeckermayer/sigcrawl/internal/types"
)

// ErrRateLimited means an asset's classification gave up after its retries.
var ErrRateLimited = providers.ErrRateLimited

// Classifier reads the posts of one asset group.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, asset types.KnownAsset, posts []types.Post) (Classification, error)
}

// NewClassifier picks the LLM classifier when an API key is configured and
// the offline heuristic otherwise. cacheDir, when set, receives every LLM
// exchange.
func NewClassifier(cfg config.AnalysisConfig, cacheDir string, m *metrics.Metrics, logger zerolog.Logger) (Classifier, error) {
	if len(cfg.APIKeys) == 0 {
		logger.Warn().Msg("no LLM API key configured, using offline heuristic classifier")
		return NewHeuristicClassifier(), nil
	}

	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		opts := providers.AnthropicOptionsFromConfig(cfg)
		opts.CacheDir = cacheDir
		provider, err := providers.NewAnthropicProvider(opts, m, logger)
		if err != nil {
			return nil, err
		}
		return NewLLMClassifier(provider), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.LLMProvider)
	}
}

type Options struct {
	MaxConcurrency int
	TTL            time.Duration
}

// Aggregator groups posts by asset and classifies every group.
type Aggregator struct {
	classifier Classifier
	opts       Options
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

func New(classifier Classifier, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Aggregator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.TTL <= 0 {
		opts.TTL = 6 * time.Hour
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Aggregator{
		classifier: classifier,
		opts:       opts,
		metrics:    m,
		logger:     logger.With().Str("component", "aggregator").Str("classifier", classifier.Name()).Logger(),
		now:        time.Now,
	}
}

// Detect returns one signal per asset whose group was classified as a
// signal. Assets are classified concurrently up to MaxConcurrency; an asset
// that fails is logged and skipped. The error is non-nil only when ctx ended,
// in which case the signals finished so far are still returned.
func (a *Aggregator) Detect(ctx context.Context, posts []types.Post, assets []types.KnownAsset) ([]types.DetectedSignal, error) {
	groups := GroupByAsset(posts, assets)
	if len(groups) == 0 {
		a.logger.Info().Int("posts", len(posts)).Msg("no posts mention a known asset")
		return nil, ctx.Err()
	}

	results := make([]*types.DetectedSignal, len(groups))

	var g errgroup.Group
	g.SetLimit(a.opts.MaxConcurrency)

	for i, group := range groups {
		g.Go(func() error {
			sig, err := a.detectGroup(ctx, group)
			if err != nil {
				a.metrics.Classifications.WithLabelValues(a.classifier.Name(), "failed").Inc()
				a.logger.Error().Err(err).Str("asset", group.Asset.Symbol).Msg("classification failed, skipping asset")
				return nil
			}
			if !sig.Detected {
				a.metrics.Classifications.WithLabelValues(a.classifier.Name(), "not_detected").Inc()
				a.logger.Debug().Str("asset", group.Asset.Symbol).Msg("no signal")
				return nil
			}
			a.metrics.Classifications.WithLabelValues(a.classifier.Name(), "detected").Inc()
			results[i] = &sig
			return nil
		})
	}
	_ = g.Wait()

	var signals []types.DetectedSignal
	for _, sig := range results {
		if sig != nil {
			signals = append(signals, *sig)
		}
	}

	a.logger.Info().
		Int("posts", len(posts)).
		Int("assets", len(groups)).
		Int("signals", len(signals)).
		Msg("aggregation finished")

	return signals, ctx.Err()
}

func (a *Aggregator) detectGroup(ctx context.Context, group AssetGroup) (types.DetectedSignal, error) {
	if err := ctx.Err(); err != nil {
		return types.DetectedSignal{}, err
	}

	cls, err := a.classifier.Classify(ctx, group.Asset, group.Posts)
	if err != nil {
		return types.DetectedSignal{}, err
	}

	sig := Resolve(group, cls)
	sig.Classifier = a.classifier.Name()
	sig.ExpiresAt = a.now().Add(a.opts.TTL)
	return sig, nil
}
