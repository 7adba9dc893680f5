// Package relay answers inbound chat messages with completions, keeping each
// conversation's history window up to date along the way.
package relay

import (
	"context"

	"github.com/comigor/relay-go/internal/history"
)

// Presence is the ephemeral state shown to the other side of a conversation.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// Inbound is one text message received by the transport.
type Inbound struct {
	ConversationID string
	Text           string
	EventID        string // transport-specific, for logs only
}

// Messenger is the outbound side of the chat transport.
type Messenger interface {
	SendText(ctx context.Context, conversationID, text string) error
	SetPresence(ctx context.Context, conversationID string, presence Presence) error
}

// Completer produces one assistant message for a window.
type Completer interface {
	Complete(ctx context.Context, messages []history.Message) (history.Message, error)
}

// History stores the per-conversation windows.
type History interface {
	Append(ctx context.Context, conversationID string, msg history.Message) ([]history.Message, error)
}
