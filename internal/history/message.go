package history

import "time"

// Role tags a message with its author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation window.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Record is a message as persisted in the archive.
type Record struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message returns the window form of the record.
func (r Record) Message() Message {
	return Message{Role: r.Role, Content: r.Content}
}
