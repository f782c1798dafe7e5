package storage

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps envelopes in a map. Contents are lost on exit.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(prefix string, logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		data:   make(map[string][]byte),
		prefix: prefix,
		now:    time.Now,
		logger: logger,
	}
}

func (m *MemoryStore) Load(_ context.Context, key string, dst any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[m.prefix+key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, unwrap(raw, key, dst, m.logger)
}

func (m *MemoryStore) Save(_ context.Context, key string, value any) error {
	raw, err := wrap(value, m.now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[m.prefix+key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, m.prefix+key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := m.now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, raw := range m.data {
		if strings.HasPrefix(k, m.prefix) && expired(raw, cutoff) {
			delete(m.data, k)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, m.prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
