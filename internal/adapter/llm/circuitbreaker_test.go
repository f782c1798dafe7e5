package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatmux/internal/domain"
	"chatmux/internal/infra/config"
	"chatmux/internal/infra/logger"
)

// stubProvider is a scripted domain.Provider.
type stubProvider struct {
	name       string
	sendFunc   func(ctx context.Context, payload json.RawMessage) (*domain.Response, error)
	streamFunc func(ctx context.Context, payload json.RawMessage, onDelta func(string)) error
}

func (s *stubProvider) Name() string       { return s.name }
func (s *stubProvider) IsConfigured() bool { return true }
func (s *stubProvider) BuildPayload(message string, _ domain.RequestOptions) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"message": message})
}
func (s *stubProvider) Send(ctx context.Context, payload json.RawMessage) (*domain.Response, error) {
	return s.sendFunc(ctx, payload)
}
func (s *stubProvider) Stream(ctx context.Context, payload json.RawMessage, onDelta func(string)) error {
	return s.streamFunc(ctx, payload, onDelta)
}
func (s *stubProvider) Models() []domain.ModelInfo { return []domain.ModelInfo{{ID: "m"}} }

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &stubProvider{
		name: "test",
		sendFunc: func(context.Context, json.RawMessage) (*domain.Response, error) {
			return &domain.Response{Content: "ok"}, nil
		},
	}

	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{}, logger.Discard())
	resp, err := cb.Send(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "test", cb.Name())
	assert.True(t, cb.IsConfigured())
	assert.Equal(t, inner, cb.Unwrap())
	assert.Len(t, cb.Models(), 1)

	payload, err := cb.BuildPayload("hi", domain.RequestOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"hi"}`, string(payload))
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	callCount := 0
	inner := &stubProvider{
		name: "flaky",
		sendFunc: func(context.Context, json.RawMessage) (*domain.Response, error) {
			callCount++
			return nil, &domain.TransportError{Provider: "flaky", StatusCode: 503}
		},
	}

	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     5 * time.Second,
		Interval:    60 * time.Second,
	}, logger.Discard())

	for i := 0; i < 3; i++ {
		_, err := cb.Send(context.Background(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrTransport)
	}
	assert.Equal(t, 3, callCount)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Send(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, domain.CodeCircuitOpen, domain.ErrorCodeOf(err))
	assert.Equal(t, 3, callCount, "provider should not be called when circuit is open")
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	inner := &stubProvider{
		name: "slow",
		streamFunc: func(context.Context, json.RawMessage, func(string)) error {
			return context.Canceled
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 1}, logger.Discard())

	for i := 0; i < 3; i++ {
		err := cb.Stream(context.Background(), nil, nil)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerStreamFailuresTrip(t *testing.T) {
	inner := &stubProvider{
		name: "broken",
		streamFunc: func(_ context.Context, _ json.RawMessage, onDelta func(string)) error {
			onDelta("x")
			return &domain.StreamInterruptedError{Provider: "broken", Delivered: 1, Err: errors.New("reset")}
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 2}, logger.Discard())

	var deltas int
	for i := 0; i < 2; i++ {
		err := cb.Stream(context.Background(), nil, func(string) { deltas++ })
		assert.ErrorIs(t, err, domain.ErrStreamInterrupted)
	}
	assert.Equal(t, 2, deltas)

	err := cb.Stream(context.Background(), nil, func(string) { deltas++ })
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, 2, deltas)
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	fail := true
	inner := &stubProvider{
		name: "recovering",
		sendFunc: func(context.Context, json.RawMessage) (*domain.Response, error) {
			if fail {
				return nil, errors.New("down")
			}
			return &domain.Response{Content: "up"}, nil
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{
		MaxFailures: 1,
		Timeout:     20 * time.Millisecond,
	}, logger.Discard())

	_, err := cb.Send(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	fail = false

	resp, err := cb.Send(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "up", resp.Content)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
