package domain

import (
	"context"
	"encoding/json"
)

// Provider is the capability every chat-completion back-end implements.
type Provider interface {
	// Name returns the provider's identifier (e.g., "openai", "qwen").
	Name() string
	// IsConfigured reports whether a credential and endpoint are present.
	IsConfigured() bool
	// BuildPayload renders the provider-specific request body. The system
	// prompt comes first, then the history in order, then message as the
	// final user turn.
	BuildPayload(message string, opts RequestOptions) (json.RawMessage, error)
	// Send performs a buffered call and normalizes the reply.
	Send(ctx context.Context, payload json.RawMessage) (*Response, error)
	// Stream performs a streaming call, invoking onDelta for every text
	// fragment. It returns once the stream ends.
	Stream(ctx context.Context, payload json.RawMessage, onDelta func(string)) error
	// Models returns the provider's static model catalog.
	Models() []ModelInfo
}

// ModelInfo describes one model a provider offers.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}
