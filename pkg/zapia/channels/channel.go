// Package channels defines the transport contract between the bot core and a
// messaging platform. A Transport opens Sessions; a Session delivers
// connection, credential and message events through Handlers and sends text
// back out.
package channels

import (
	"context"
	"fmt"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageAudio MessageType = "audio"
	MessageOther MessageType = "other"
)

// IncomingMessage represents a message received from the platform.
type IncomingMessage struct {
	// ID is the unique message identifier in the source platform.
	ID string

	// From is the sender identifier.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the group or DM identifier. Used as conversation id.
	ChatID string

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// IsFromMe is set for messages sent by the bot's own account.
	IsFromMe bool

	// Type is the message content type.
	Type MessageType

	// Content is the text content, image caption, or audio marker.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// ReplyTo contains the ID of the message being replied to.
	ReplyTo string

	// QuotedParticipant is the author of the quoted message, if any.
	QuotedParticipant string
}

// ConnectionState is the coarse state reported by a session.
type ConnectionState string

const (
	StateOpen   ConnectionState = "open"
	StateClosed ConnectionState = "closed"
)

// Close reasons carried by ConnectionEvent.Reason.
const (
	ReasonConnectionLost   = "connection_lost"
	ReasonReplaced         = "replaced"
	ReasonLoggedOut        = "logged_out"
	ReasonConnectFailure   = "connect_failure"
	ReasonKeepAliveTimeout = "keepalive_timeout"
	ReasonTemporaryBan     = "temporary_ban"
	ReasonStreamError      = "stream_error"
)

// ConnectionEvent represents a connection state change.
type ConnectionEvent struct {
	State     ConnectionState
	Reason    string
	Timestamp time.Time
	Details   string
}

// Terminal reports whether the close reason rules out reconnecting.
func (e ConnectionEvent) Terminal() bool {
	return e.State == StateClosed && (e.Reason == ReasonReplaced || e.Reason == ReasonLoggedOut)
}

// Handlers receives session events. Nil fields are ignored.
type Handlers struct {
	// OnConnection is called on every open/close transition.
	OnConnection func(ConnectionEvent)

	// OnCredentials is called after the session credentials changed and
	// were persisted (e.g. a new device was paired).
	OnCredentials func()

	// OnMessage is called for every inbound message.
	OnMessage func(*IncomingMessage)
}

// Transport opens sessions to a messaging platform.
type Transport interface {
	// Open starts a new session. Returning nil does not mean the session is
	// connected yet: an open event follows through Handlers.OnConnection.
	Open(ctx context.Context, h Handlers) (Session, error)
}

// Session is one live connection.
type Session interface {
	// Send delivers a text message and returns the platform message id.
	Send(ctx context.Context, to, text string) (string, error)

	// Close disconnects. Events after Close are not delivered.
	Close() error
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")

	// ErrPermanent marks failures that retrying cannot fix, such as an
	// unreadable session database.
	ErrPermanent = fmt.Errorf("permanent channel failure")
)
