package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"chatmux/internal/domain"
	"chatmux/internal/infra/config"
)

// maxResponseBody is the maximum response body size we read from LLM APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// maxErrorBody caps how much of an error body is kept on a TransportError.
const maxErrorBody = 4096

// newRequest builds a JSON POST with the given extra headers.
func newRequest(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// doJSONRequest performs a buffered POST and returns the response body.
// Non-2xx statuses become *domain.TransportError.
func doJSONRequest(ctx context.Context, client *http.Client, provider, url string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := newRequest(ctx, url, body, headers)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportFailure(ctx, provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, transportFailure(ctx, provider, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(provider, resp.StatusCode, respBody)
	}
	return respBody, nil
}

// doStreamRequest performs a POST and returns the open response for
// incremental reading. The caller closes Body.
func doStreamRequest(ctx context.Context, client *http.Client, provider, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := newRequest(ctx, url, body, headers)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportFailure(ctx, provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(provider, resp.StatusCode, respBody)
	}
	return resp, nil
}

// transportFailure wraps a network-level failure. A cancelled or expired
// context is returned as is.
func transportFailure(ctx context.Context, provider string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%s: %w: %w", provider, domain.ErrTransport, err)
}

func statusError(provider string, status int, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &domain.TransportError{
		Provider:   provider,
		StatusCode: status,
		Body:       string(bytes.TrimSpace(body)),
	}
}

// logCompleted logs the standard debug line after a successful call.
func logCompleted(logger *slog.Logger, resp *domain.Response, elapsed time.Duration) {
	args := []any{"provider", resp.Provider, "model", resp.Model, "elapsed", elapsed}
	if resp.Usage != nil {
		args = append(args, "tokens", resp.Usage.TotalTokens)
	}
	logger.Debug("llm call completed", args...)
}

// --- Connection pooling ---

// Default connection pool settings for a handful of long-lived API hosts.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
	defaultConnTimeout         = 30 * time.Second
	defaultRespTimeout         = 120 * time.Second
)

func orDefault[T int | time.Duration](v, d T) T {
	if v <= 0 {
		return d
	}
	return v
}

// NewPooledTransport creates an http.Transport tuned for provider calls.
// respTimeout bounds the wait for response headers only, so long streams
// are not cut off.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   orDefault(connTimeout, defaultConnTimeout),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: orDefault(respTimeout, defaultRespTimeout),
		MaxIdleConns:          orDefault(pool.MaxIdleConns, defaultMaxIdleConns),
		MaxIdleConnsPerHost:   orDefault(pool.MaxIdleConnsPerHost, defaultMaxIdleConnsPerHost),
		MaxConnsPerHost:       orDefault(pool.MaxConnsPerHost, defaultMaxConnsPerHost),
		IdleConnTimeout:       orDefault(pool.IdleConnTimeout, defaultIdleConnTimeout),
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient creates an *http.Client with a pooled transport. No overall
// client timeout is set: buffered calls get a context deadline instead and
// streams live as long as their context.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	return &http.Client{
		Transport: NewPooledTransport(cfg.ConnTimeout, cfg.RespTimeout, cfg.Pool),
	}
}

// sendTimeout is the deadline applied to a buffered call.
func sendTimeout(cfg config.ProviderConfig) time.Duration {
	return orDefault(cfg.ConnTimeout, defaultConnTimeout) + orDefault(cfg.RespTimeout, defaultRespTimeout)
}
