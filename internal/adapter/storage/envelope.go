// Package storage implements the key/value persistence collaborator.
// Every value is stored inside a versioned envelope.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chatmux/internal/domain"
	"chatmux/internal/infra/config"
)

// SchemaVersion is written into every envelope.
const SchemaVersion = "1.0.0"

// Store is a domain.KVStore with housekeeping.
type Store interface {
	domain.KVStore
	// Cleanup removes entries written more than maxAge ago, plus any entry
	// whose envelope cannot be decoded. It returns how many were removed.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
	// Clear removes every entry under the store's prefix.
	Clear(ctx context.Context) error
	Close() error
}

type envelope struct {
	Data          json.RawMessage `json:"data"`
	Timestamp     int64           `json:"timestamp"` // unix millis
	SchemaVersion string          `json:"schemaVersion"`
}

func wrap(value any, now time.Time) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: encode value: %w", domain.ErrStorage, err)
	}
	return json.Marshal(envelope{
		Data:          data,
		Timestamp:     now.UnixMilli(),
		SchemaVersion: SchemaVersion,
	})
}

// unwrap decodes raw into dst. A schema version mismatch is only noted.
func unwrap(raw []byte, key string, dst any, logger *slog.Logger) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: decode envelope %q: %w", domain.ErrStorage, key, err)
	}
	if env.SchemaVersion != SchemaVersion {
		logger.Info("stored data has a different schema version",
			"key", key, "stored", env.SchemaVersion, "current", SchemaVersion)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%w: decode %q: %w", domain.ErrStorage, key, err)
	}
	return nil
}

// expired reports whether raw was written before cutoff or is unreadable.
func expired(raw []byte, cutoff time.Time) bool {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return true
	}
	return env.Timestamp > 0 && env.Timestamp < cutoff.UnixMilli()
}

// Open builds the store selected by cfg.Driver.
func Open(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(cfg.Prefix, logger), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path, cfg.Prefix, logger)
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", domain.ErrStorage, cfg.Driver)
	}
}
