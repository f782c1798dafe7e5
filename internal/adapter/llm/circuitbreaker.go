package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"chatmux/internal/domain"
	"chatmux/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerProvider wraps a provider with circuit breaker protection.
// After repeated failures calls fail fast with domain.ErrCircuitOpen instead
// of reaching the provider. It never retries.
type CircuitBreakerProvider struct {
	inner   domain.Provider
	breaker *gobreaker.CircuitBreaker[*domain.Response]
	logger  *slog.Logger
}

var _ domain.Provider = (*CircuitBreakerProvider)(nil)

// NewCircuitBreakerProvider wraps inner. Zero config fields fall back to
// defaults.
func NewCircuitBreakerProvider(inner domain.Provider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.Response](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Caller cancellation and bad input say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, domain.ErrInvalidInput)
		},
	})

	return &CircuitBreakerProvider{inner: inner, breaker: cb, logger: logger}
}

func (p *CircuitBreakerProvider) wrapOpen(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("provider %q: %w: %w", p.inner.Name(), domain.ErrCircuitOpen, err)
	}
	return err
}

// Send implements domain.Provider.
func (p *CircuitBreakerProvider) Send(ctx context.Context, payload json.RawMessage) (*domain.Response, error) {
	resp, err := p.breaker.Execute(func() (*domain.Response, error) {
		return p.inner.Send(ctx, payload)
	})
	if err != nil {
		return nil, p.wrapOpen(err)
	}
	return resp, nil
}

// Stream implements domain.Provider. The whole stream counts as one call,
// so an interruption after some deltas also registers as a failure.
func (p *CircuitBreakerProvider) Stream(ctx context.Context, payload json.RawMessage, onDelta func(string)) error {
	_, err := p.breaker.Execute(func() (*domain.Response, error) {
		return nil, p.inner.Stream(ctx, payload, onDelta)
	})
	return p.wrapOpen(err)
}

// Name implements domain.Provider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// IsConfigured implements domain.Provider.
func (p *CircuitBreakerProvider) IsConfigured() bool { return p.inner.IsConfigured() }

// BuildPayload implements domain.Provider.
func (p *CircuitBreakerProvider) BuildPayload(message string, opts domain.RequestOptions) (json.RawMessage, error) {
	return p.inner.BuildPayload(message, opts)
}

// Models implements domain.Provider.
func (p *CircuitBreakerProvider) Models() []domain.ModelInfo { return p.inner.Models() }

// Unwrap returns the wrapped provider.
func (p *CircuitBreakerProvider) Unwrap() domain.Provider { return p.inner }

// State returns the current circuit breaker state for monitoring.
func (p *CircuitBreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (p *CircuitBreakerProvider) Counts() gobreaker.Counts {
	return p.breaker.Counts()
}
