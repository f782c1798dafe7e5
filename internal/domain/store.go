package domain

import "context"

// Storage keys used by the orchestrator.
const (
	KeyConfig        = "ai-config"
	KeyConversations = "ai-conversations"
)

// KVStore is the key/value persistence collaborator. Values are JSON
// encoded by the implementation.
type KVStore interface {
	// Load decodes the value stored under key into dst. found is false
	// (with a nil error) when the key does not exist.
	Load(ctx context.Context, key string, dst any) (found bool, err error)
	// Save replaces the value stored under key.
	Save(ctx context.Context, key string, value any) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
