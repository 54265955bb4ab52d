package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ibeckermayer/sigcrawl/internal/types"
)

// Handoff receives every newly created signal exactly once per run.
// Downstream execution lives behind this interface.
type Handoff interface {
	Handoff(ctx context.Context, sig types.Signal) error
}

// HandoffFunc adapts a function to Handoff.
type HandoffFunc func(ctx context.Context, sig types.Signal) error

func (f HandoffFunc) Handoff(ctx context.Context, sig types.Signal) error {
	return f(ctx, sig)
}

// LogHandoff logs signals instead of acting on them.
type LogHandoff struct {
	Logger zerolog.Logger
}

func (h LogHandoff) Handoff(_ context.Context, sig types.Signal) error {
	h.Logger.Info().
		Str("signal_id", sig.ID).
		Str("asset", sig.Asset.Symbol).
		Str("action", string(sig.Action)).
		Str("sentiment", string(sig.Sentiment)).
		Float64("confidence", sig.Confidence).
		Float64("strength", sig.Strength).
		Strs("sources", sig.SourcePermalinks).
		Time("expires_at", sig.ExpiresAt).
		Msg("new signal")
	return nil
}
