// Package history keeps a bounded, in-memory conversation history per chat.
package history

import (
	"sync"
	"time"
)

// DefaultMaxLength is used when a store is created with a non-positive limit.
const DefaultMaxLength = 10

// Role tags who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn. Values are never mutated after
// being appended; Get returns copies.
type Message struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Store holds the history of every chat for the lifetime of the process.
// It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	maxLen int
	convs  map[int64][]Message
	now    func() time.Time
}

// NewStore creates a store that keeps at most maxLen messages per chat.
func NewStore(maxLen int) *Store {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	return &Store{
		maxLen: maxLen,
		convs:  map[int64][]Message{},
		now:    time.Now,
	}
}

// MaxLength returns the per-chat limit.
func (s *Store) MaxLength() int {
	return s.maxLen
}

// Get returns the chat history oldest first, or nil if the chat has none.
func (s *Store) Get(chatID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.convs[chatID]
	if !ok {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Append records one message and evicts the oldest entries beyond the limit.
func (s *Store) Append(chatID int64, role Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.convs[chatID], Message{
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	})
	if len(msgs) > s.maxLen {
		// Copy so the evicted prefix does not stay reachable through the backing array.
		trimmed := make([]Message, s.maxLen)
		copy(trimmed, msgs[len(msgs)-s.maxLen:])
		msgs = trimmed
	}
	s.convs[chatID] = msgs
}

// Clear drops the chat history. Clearing an unknown chat is a no-op.
func (s *Store) Clear(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, chatID)
}

// Len returns the number of messages stored for the chat.
func (s *Store) Len(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs[chatID])
}
