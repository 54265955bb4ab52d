// Package providers holds the LLM transports used by the LLM classifier.
package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ibeckermayer/sigcrawl/internal/config"
	"github.com/ibeckermayer/sigcrawl/internal/metrics"
	"github.com/ibeckermayer/sigcrawl/internal/store"
)

// ErrRateLimited is returned once every retry of a rate-limited request has
// been used up.
var ErrRateLimited = errors.New("llm provider rate limited")

type AnthropicOptions struct {
	APIKeys           []string
	Model             string
	BaseURL           string
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	// CacheDir enables writing every exchange under CacheDir/llm when set.
	CacheDir string
}

func AnthropicOptionsFromConfig(cfg config.AnalysisConfig) AnthropicOptions {
	return AnthropicOptions{
		APIKeys:           cfg.APIKeys,
		Model:             cfg.Model,
		BaseURL:           cfg.BaseURL,
		MaxRetries:        cfg.MaxRetries,
		RetryBaseDelay:    cfg.RetryBaseDelay.Duration,
		RetryMaxDelay:     cfg.RetryMaxDelay.Duration,
		RequestsPerSecond: cfg.RequestsPerSecond,
		RequestTimeout:    cfg.RequestTimeout.Duration,
	}
}

// AnthropicProvider sends prompts to the Anthropic Messages API. Requests are
// paced by a token bucket and guarded by a circuit breaker. Rate-limit
// responses are retried with jittered backoff, each retry on the next
// configured API key.
type AnthropicProvider struct {
	clients []anthropic.Client
	opts    AnthropicOptions
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	next    atomic.Uint64
	metrics *metrics.Metrics
	logger  zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(opts AnthropicOptions, m *metrics.Metrics, logger zerolog.Logger) (*AnthropicProvider, error) {
	if len(opts.APIKeys) == 0 {
		return nil, errors.New("no Anthropic API keys configured")
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if m == nil {
		m = metrics.Discard()
	}

	clients := make([]anthropic.Client, 0, len(opts.APIKeys))
	for _, key := range opts.APIKeys {
		clientOpts := []option.RequestOption{
			option.WithAPIKey(key),
			// retries are ours so every attempt can rotate the key
			option.WithMaxRetries(0),
		}
		if opts.BaseURL != "" {
			clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
		}
		if opts.RequestTimeout > 0 {
			clientOpts = append(clientOpts, option.WithRequestTimeout(opts.RequestTimeout))
		}
		clients = append(clients, anthropic.NewClient(clientOpts...))
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	logger = logger.With().Str("component", "llm").Str("provider", config.ProviderAnthropic).Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "anthropic",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// rate limiting is handled by the retry loop, not the breaker
		IsSuccessful: func(err error) bool {
			return err == nil || IsRateLimited(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &AnthropicProvider{
		clients: clients,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		breaker: breaker,
		metrics: m,
		logger:  logger,
		sleep:   sleepCtx,
	}, nil
}

// Name identifies the provider in logs and metrics
func (p *AnthropicProvider) Name() string {
	return config.ProviderAnthropic
}

// Complete sends prompt and returns the model's text. When prefill is set it
// is sent as the start of the assistant turn, and the returned text continues
// after it.
func (p *AnthropicProvider) Complete(ctx context.Context, label, prompt, prefill string) (string, error) {
	start := int(p.next.Add(1) - 1)
	var lastErr error

	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt, p.opts.RetryBaseDelay, p.opts.RetryMaxDelay)
			p.metrics.LLMRetries.Inc()
			p.logger.Warn().
				Str("asset", label).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("rate limited, retrying with next API key")
			if err := p.sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}

		keyIdx := (start + attempt) % len(p.clients)
		text, err := p.call(ctx, keyIdx, label, attempt, prompt, prefill)
		if err == nil {
			return text, nil
		}
		if !IsRateLimited(err) {
			return "", err
		}
		lastErr = err
	}

	return "", fmt.Errorf("%w after %d attempts: %w", ErrRateLimited, p.opts.MaxRetries+1, lastErr)
}

func (p *AnthropicProvider) call(ctx context.Context, keyIdx int, label string, attempt int, prompt, prefill string) (string, error) {
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	}
	if prefill != "" {
		messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(prefill)))
	}

	client := p.clients[keyIdx]
	out, err := p.breaker.Execute(func() (interface{}, error) {
		message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(p.opts.Model),
			MaxTokens: 4096,
			Messages:  messages,
		})
		if err != nil {
			return nil, err
		}

		for _, block := range message.Content {
			if block.Type == "text" {
				return block.Text, nil
			}
		}
		return "", nil
	})

	var text string
	if out != nil {
		text = out.(string)
	}
	p.cacheExchange(label, attempt, prompt, text, err)

	if err != nil {
		return "", fmt.Errorf("failed to call Anthropic API: %w", err)
	}
	if text == "" {
		return "", errors.New("Anthropic returned empty response")
	}
	return text, nil
}

func (p *AnthropicProvider) cacheExchange(label string, attempt int, prompt, response string, callErr error) {
	if p.opts.CacheDir == "" {
		return
	}
	exchange := store.LLMExchange{
		Timestamp: time.Now(),
		Provider:  config.ProviderAnthropic,
		Model:     p.opts.Model,
		Asset:     label,
		Attempt:   attempt,
		Prompt:    prompt,
		Response:  response,
	}
	if callErr != nil {
		exchange.Error = callErr.Error()
	}
	if path, err := store.NewStepCache(p.opts.CacheDir).SaveExchange(exchange); err != nil {
		p.logger.Warn().Err(err).Msg("failed to cache LLM exchange")
	} else {
		p.logger.Debug().Str("path", path).Msg("cached LLM exchange")
	}
}

// IsRateLimited reports whether err is an HTTP 429 from the provider.
func IsRateLimited(err error) bool {
	var apiErr *anthropic.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// backoff returns an exponential delay for attempt (1-based) with full jitter
// in [d/2, d], capped at maxDelay.
func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << (attempt - 1)
	if maxDelay > 0 && (d > maxDelay || d <= 0) {
		d = maxDelay
	}
	half := d / 2
	return half + rand.N(half+1)
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
