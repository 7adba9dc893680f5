// Package history keeps the bounded per-conversation message windows the
// relay sends to the completion API.
//
// Windows live in memory for the lifetime of the process. When an Archive is
// attached every user and assistant message is also persisted, and a
// conversation first seen after a restart is hydrated from its archived tail.
package history

import (
	"context"
	"errors"
	"sync"

	"github.com/comigor/relay-go/internal/logger"
)

// ErrSystemNotFirst is returned when a system message is appended to a
// conversation that already has messages.
var ErrSystemNotFirst = errors.New("history: system message must be the first message of a conversation")

// Archive persists messages beyond the in-memory window.
type Archive interface {
	Save(ctx context.Context, conversationID string, msg Message) error
	Recent(ctx context.Context, conversationID string, limit int) ([]Record, error)
}

// Option configures a Store.
type Option func(*Store)

// WithArchive attaches a persistent archive.
func WithArchive(a Archive) Option {
	return func(s *Store) { s.archive = a }
}

// WithSystemPrompt pins prompt as the system message of every new conversation.
func WithSystemPrompt(prompt string) Option {
	return func(s *Store) { s.systemPrompt = prompt }
}

// Store maps conversation identifiers to trimmed message windows.
// It is safe for concurrent use; callers that need read-modify-write
// ordering for one conversation serialize on their side.
type Store struct {
	mu            sync.Mutex
	maxLength     int
	systemPrompt  string
	archive       Archive
	conversations map[string][]Message
}

// NewStore creates a store keeping at most maxLength messages per conversation.
func NewStore(maxLength int, opts ...Option) *Store {
	if maxLength < 1 {
		maxLength = DefaultMaxLength
	}
	s := &Store{
		maxLength:     maxLength,
		conversations: make(map[string][]Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxLength returns the window size.
func (s *Store) MaxLength() int { return s.maxLength }

// Get returns a copy of the conversation's window, or nil if it does not exist.
func (s *Store) Get(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	return clone(h)
}

// Count returns the number of known conversations.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// Append adds msg to the conversation, creating it on first use, trims the
// window and returns a copy of the stored result.
func (s *Store) Append(ctx context.Context, conversationID string, msg Message) ([]Message, error) {
	s.mu.Lock()
	_, exists := s.conversations[conversationID]
	s.mu.Unlock()

	var seed []Message
	if !exists {
		seed = s.seed(ctx, conversationID)
	}

	s.mu.Lock()
	h, ok := s.conversations[conversationID]
	if !ok {
		h = seed
	}
	if msg.Role == RoleSystem && len(h) > 0 {
		if !ok {
			s.conversations[conversationID] = h
		}
		s.mu.Unlock()
		return nil, ErrSystemNotFirst
	}
	h = Trim(append(h, msg), s.maxLength)
	s.conversations[conversationID] = h
	out := clone(h)
	s.mu.Unlock()

	if s.archive != nil && msg.Role != RoleSystem {
		if err := s.archive.Save(ctx, conversationID, msg); err != nil {
			logger.L.Warn("failed to archive message; keeping it in memory only", "conversation", conversationID, "error", err)
		}
	}
	return out, nil
}

// seed builds the initial window of a conversation: the pinned system
// prompt followed by the archived tail, if any.
func (s *Store) seed(ctx context.Context, conversationID string) []Message {
	var h []Message
	if s.systemPrompt != "" {
		h = append(h, Message{Role: RoleSystem, Content: s.systemPrompt})
	}
	if s.archive == nil {
		return h
	}
	records, err := s.archive.Recent(ctx, conversationID, s.maxLength)
	if err != nil {
		logger.L.Warn("failed to load archived history", "conversation", conversationID, "error", err)
		return h
	}
	for _, r := range records {
		if r.Role == RoleSystem {
			continue
		}
		h = append(h, r.Message())
	}
	if len(records) > 0 {
		logger.L.Debug("hydrated conversation from archive", "conversation", conversationID, "messages", len(records))
	}
	return Trim(h, s.maxLength)
}

func clone(h []Message) []Message {
	out := make([]Message, len(h))
	copy(out, h)
	return out
}
