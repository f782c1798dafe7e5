package conversation

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatmux/internal/domain"
)

// Compaction defaults.
const (
	DefaultMaxHistory = 50
	DefaultKeepRecent = 30
)

// summaryFormat is the deterministic text of a compaction summary.
const summaryFormat = "[conversation summary] %d earlier messages were exchanged, covering creative discussion and design suggestions."

// Options bounds conversation growth.
type Options struct {
	MaxHistory int
	KeepRecent int
}

func (o Options) withDefaults() Options {
	if o.MaxHistory <= 0 {
		o.MaxHistory = DefaultMaxHistory
	}
	if o.KeepRecent <= 0 || o.KeepRecent >= o.MaxHistory {
		o.KeepRecent = min(DefaultKeepRecent, o.MaxHistory-1)
	}
	return o
}

// entry guards one conversation. Appends to the same conversation are
// serialized on mu; the store lock only protects the map.
type entry struct {
	mu   sync.RWMutex
	conv domain.Conversation
}

// Store holds conversations in memory and compacts them as they grow.
type Store struct {
	mu    sync.RWMutex
	convs map[string]*entry
	opts  Options
	now   func() time.Time

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	return &Store{
		convs:   make(map[string]*entry),
		opts:    opts.withDefaults(),
		now:     time.Now,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (s *Store) newID(t time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Create starts an empty conversation bound to assistantID and returns its ID.
func (s *Store) Create(assistantID string) string {
	now := s.now()
	id := s.newID(now)
	e := &entry{conv: domain.Conversation{
		ID:          id,
		AssistantID: assistantID,
		Messages:    make([]domain.StoredMessage, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}}

	s.mu.Lock()
	s.convs[id] = e
	s.mu.Unlock()
	return id
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.convs[id]
	return e, ok
}

// Append records a message and returns its ID. The conversation is
// compacted when it grows past MaxHistory.
func (s *Store) Append(id, role, content string) (string, error) {
	e, ok := s.lookup(id)
	if !ok {
		return "", domain.NewDomainError("Store.Append", domain.ErrConversationNotFound, id)
	}

	now := s.now()
	msg := domain.StoredMessage{
		ID:        s.newID(now),
		Role:      role,
		Content:   content,
		Timestamp: now,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.conv.Messages = append(e.conv.Messages, msg)
	e.conv.UpdatedAt = now
	if len(e.conv.Messages) > s.opts.MaxHistory {
		s.compact(&e.conv, now)
	}
	return msg.ID, nil
}

// compact collapses everything but the KeepRecent newest messages into a
// single summary. Caller holds the entry lock.
func (s *Store) compact(c *domain.Conversation, now time.Time) {
	old := len(c.Messages) - s.opts.KeepRecent
	if old <= 0 {
		return
	}
	summary := domain.StoredMessage{
		ID:        s.newID(now),
		Role:      domain.RoleSystem,
		Content:   Summary(old),
		Timestamp: now,
		IsSummary: true,
	}
	msgs := make([]domain.StoredMessage, 0, s.opts.KeepRecent+1)
	msgs = append(msgs, summary)
	msgs = append(msgs, c.Messages[old:]...)
	c.Messages = msgs
}

// Summary returns the compaction text for n collapsed messages.
func Summary(n int) string {
	return fmt.Sprintf(summaryFormat, n)
}

// History returns up to limit of the most recent messages, oldest first.
// An unknown conversation yields an empty slice. A non-positive limit
// returns the whole history.
func (s *Store) History(id string, limit int) []domain.Message {
	e, ok := s.lookup(id)
	if !ok {
		return []domain.Message{}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	msgs := e.conv.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Message()
	}
	return out
}

// Get returns a copy of the conversation.
func (s *Store) Get(id string) (*domain.Conversation, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, domain.NewDomainError("Store.Get", domain.ErrConversationNotFound, id)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := e.conv.Clone()
	return &c, nil
}

// Has reports whether id is a known conversation.
func (s *Store) Has(id string) bool {
	_, ok := s.lookup(id)
	return ok
}

// List returns copies of all conversations, most recently updated first.
func (s *Store) List() []domain.Conversation {
	out := s.snapshot()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Delete removes a conversation and reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return false
	}
	delete(s.convs, id)
	return true
}

// Len returns the number of stored conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// Export returns copies of every conversation, oldest first.
func (s *Store) Export() []domain.Conversation {
	out := s.snapshot()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Import replaces the store contents with convs. Entries without an ID are
// skipped; a later entry with a duplicate ID wins.
func (s *Store) Import(convs []domain.Conversation) {
	fresh := make(map[string]*entry, len(convs))
	for _, c := range convs {
		if c.ID == "" {
			continue
		}
		cp := c.Clone()
		if cp.Messages == nil {
			cp.Messages = make([]domain.StoredMessage, 0)
		}
		fresh[c.ID] = &entry{conv: cp}
	}

	s.mu.Lock()
	s.convs = fresh
	s.mu.Unlock()
}

func (s *Store) snapshot() []domain.Conversation {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.convs))
	for _, e := range s.convs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]domain.Conversation, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.conv.Clone())
		e.mu.RUnlock()
	}
	return out
}
