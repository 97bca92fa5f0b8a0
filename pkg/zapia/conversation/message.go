// Package conversation owns the per-conversation message logs of the bot:
// bounded in-memory history, debounced crash-safe persistence to a JSON file,
// inactivity cleanup and importance-based summarization.
package conversation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single entry of a conversation log. Values are never
// modified after creation; the store hands out copies.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// NewMessage builds a message stamped at now, truncated to millisecond
// precision so it survives a round trip through the history file.
func NewMessage(role Role, content string, now time.Time) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.UnixMilli(now.UnixMilli()),
	}
}

// messageJSON is the on-disk shape: timestamp as integer milliseconds.
type messageJSON struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// MarshalJSON encodes the message in the history file format.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.Timestamp.UnixMilli(),
	})
}

// UnmarshalJSON decodes a message from the history file format.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !raw.Role.Valid() {
		return fmt.Errorf("invalid message role %q", raw.Role)
	}
	m.Role = raw.Role
	m.Content = raw.Content
	m.Timestamp = time.UnixMilli(raw.Timestamp)
	return nil
}

// ChatMessage is the {role, content} projection used to assemble prompts.
type ChatMessage struct {
	Role    Role
	Content string
}
