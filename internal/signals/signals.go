// Package signals persists detected signals with duplicate suppression.
package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ibeckermayer/sigcrawl/internal/metrics"
	"github.com/ibeckermayer/sigcrawl/internal/types"
)

// ErrNotDetected rejects signals whose aggregation found nothing.
var ErrNotDetected = errors.New("signals: signal not detected")

// DefaultSuppressionWindow is used when no window is configured.
const DefaultSuppressionWindow = 60 * time.Minute

// Store is the signal half of store.Store.
type Store interface {
	SaveSignalIfAbsent(ctx context.Context, sig types.Signal, window time.Duration) (types.Signal, bool, error)
}

type Persister struct {
	store   Store
	window  time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewPersister(s Store, window time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Persister {
	if window <= 0 {
		window = DefaultSuppressionWindow
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Persister{
		store:   s,
		window:  window,
		metrics: m,
		logger:  logger.With().Str("component", "signals").Logger(),
		now:     time.Now,
	}
}

// Save stores detected as a new Signal unless one with the same asset and
// action was created within the suppression window, in which case the
// existing Signal is returned unchanged and created is false. Store failures
// are returned.
func (p *Persister) Save(ctx context.Context, detected types.DetectedSignal) (types.Signal, bool, error) {
	if !detected.Detected {
		return types.Signal{}, false, ErrNotDetected
	}

	candidate := types.Signal{
		DetectedSignal: detected,
		ID:             uuid.NewString(),
		CreatedAt:      p.now().UTC(),
	}

	stored, created, err := p.store.SaveSignalIfAbsent(ctx, candidate, p.window)
	if err != nil {
		p.metrics.Signals.WithLabelValues(metrics.SignalFailed).Inc()
		return types.Signal{}, false, fmt.Errorf("failed to save signal for %s: %w", detected.Asset.Symbol, err)
	}

	logger := p.logger.With().
		Str("asset", detected.Asset.Symbol).
		Str("action", string(detected.Action)).
		Str("signal_id", stored.ID).
		Logger()
	if created {
		p.metrics.Signals.WithLabelValues(metrics.SignalStored).Inc()
		logger.Info().Float64("confidence", stored.Confidence).Msg("signal stored")
	} else {
		p.metrics.Signals.WithLabelValues(metrics.SignalSuppressed).Inc()
		logger.Info().Time("existing_created_at", stored.CreatedAt).Msg("duplicate signal suppressed")
	}

	return stored, created, nil
}
