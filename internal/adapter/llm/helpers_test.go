package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatmux/internal/domain"
	"chatmux/internal/infra/config"
	"chatmux/internal/infra/logger"
)

func testProviderConfig(url string) config.ProviderConfig {
	return config.ProviderConfig{APIKey: "test-key", BaseURL: url}
}

func TestStatusErrorClassification(t *testing.T) {
	err := statusError("openai", http.StatusTooManyRequests, []byte(`{"error":"slow down"}`))
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.ErrorIs(t, err, domain.ErrTransport)

	var te *domain.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 429, te.StatusCode)
	assert.Equal(t, `{"error":"slow down"}`, te.Body)

	assert.ErrorIs(t, statusError("openai", http.StatusUnauthorized, nil), domain.ErrAuthInvalid)
	assert.False(t, errors.Is(statusError("openai", 500, nil), domain.ErrRateLimit))
}

func TestStatusErrorTruncatesBody(t *testing.T) {
	err := statusError("qwen", 500, []byte(strings.Repeat("x", 3*maxErrorBody)))
	var te *domain.TransportError
	require.True(t, errors.As(err, &te))
	assert.Len(t, te.Body, maxErrorBody)
}

func TestTransportFailurePrefersContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, transportFailure(ctx, "openai", errors.New("dial")))

	err := transportFailure(context.Background(), "openai", errors.New("dial tcp: refused"))
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Contains(t, err.Error(), "dial tcp: refused")
}

func TestDoJSONRequestAcceptsAny2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "v", r.Header.Get("X-Extra"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	body, err := doJSONRequest(context.Background(), srv.Client(), "p", srv.URL, []byte(`{}`), map[string]string{"X-Extra": "v"})
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(body))
}

func TestDoJSONRequestConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := doJSONRequest(context.Background(), http.DefaultClient, "p", url, nil, nil)
	assert.ErrorIs(t, err, domain.ErrTransport)
	var te *domain.TransportError
	assert.False(t, errors.As(err, &te), "network failures carry no status")
}

func TestNewPooledTransportDefaults(t *testing.T) {
	tr := NewPooledTransport(0, 0, config.PoolConfig{MaxIdleConns: 3})
	assert.Equal(t, 3, tr.MaxIdleConns)
	assert.Equal(t, defaultMaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	assert.Equal(t, defaultRespTimeout, tr.ResponseHeaderTimeout)
}

func TestSendTimeout(t *testing.T) {
	cfg := config.ProviderConfig{ConnTimeout: time.Second, RespTimeout: 2 * time.Second}
	assert.Equal(t, 3*time.Second, sendTimeout(cfg))
	assert.Equal(t, defaultConnTimeout+defaultRespTimeout, sendTimeout(config.ProviderConfig{}))
}

func TestNewProviderRequiresAPIKey(t *testing.T) {
	_, err := NewQwenProvider(config.ProviderConfig{}, logger.Discard())
	assert.ErrorIs(t, err, domain.ErrConfigValidation)

	_, err = NewOpenAIProvider(config.ProviderConfig{BaseURL: "http://x"}, logger.Discard())
	assert.ErrorIs(t, err, domain.ErrConfigValidation)
}

func TestNewProviderAppliesDefaults(t *testing.T) {
	p, err := NewQwenProvider(config.ProviderConfig{APIKey: "k"}, logger.Discard())
	require.NoError(t, err)

	assert.Equal(t, "qwen", p.Name())
	assert.True(t, p.IsConfigured())
	assert.Equal(t, "qwen-plus", p.DefaultModel())
	assert.Equal(t, 60, p.Limiter().Capacity())

	o, err := NewOpenAIProvider(config.ProviderConfig{APIKey: "k"}, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 20, o.Limiter().Capacity())
	assert.Equal(t, "gpt-3.5-turbo", o.DefaultModel())
}
