// Package protocol defines the WebSocket events exchanged between the client
// and server. All events are JSON objects carrying a "type" discriminator and
// are decoded exactly once at the connection boundary into one variant of a
// closed set, so handlers switch over Go types instead of strings.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/convo/internal/chat"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeMessageCreated    = "message_created"
	TypePing              = "ping"
)

// Server -> Client event types.
const (
	TypeConnected          = "connected"
	TypeJoinedConversation = "joined_conversation"
	TypeLeftConversation   = "left_conversation"
	TypeUserTyping         = "user_typing"
	TypeNewMessage         = "new_message"
	TypeMessageUpdated     = "message_updated"
	TypeMessageDeleted     = "message_deleted"
	TypeParticipantAdded   = "participant_added"
	TypeParticipantLeft    = "participant_left"
	TypeError              = "error"
	TypePong               = "pong"
)

// Event is anything that can be put on the wire.
type Event interface {
	EventType() string
}

// ClientEvent is the closed set of events a client may send. Only types in
// this package implement it.
type ClientEvent interface {
	Event
	clientEvent()
}

// ServerEvent is the closed set of events the server may send.
type ServerEvent interface {
	Event
	serverEvent()
}

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// JoinConversation subscribes the connection to a conversation's room.
type JoinConversation struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

// LeaveConversation unsubscribes the connection from a room.
type LeaveConversation struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

// TypingStart marks the sender as typing in a conversation.
type TypingStart struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

// TypingStop clears the sender's typing state.
type TypingStop struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

// MessageCreated asks the server to persist and broadcast a message.
// MessageType travels as "messageType" since "type" is the discriminator.
// ClientMsgID is an optional correlation id echoed back on errors.
type MessageCreated struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Content        string `json:"content" validate:"required"`
	MessageType    string `json:"messageType,omitempty" validate:"omitempty,oneof=text image file system reaction"`
	ReplyToID      string `json:"replyToId,omitempty"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}

// Ping is a client-initiated keepalive.
type Ping struct{}

func (JoinConversation) EventType() string  { return TypeJoinConversation }
func (LeaveConversation) EventType() string { return TypeLeaveConversation }
func (TypingStart) EventType() string       { return TypeTypingStart }
func (TypingStop) EventType() string        { return TypeTypingStop }
func (MessageCreated) EventType() string    { return TypeMessageCreated }
func (Ping) EventType() string              { return TypePing }

func (JoinConversation) clientEvent()  {}
func (LeaveConversation) clientEvent() {}
func (TypingStart) clientEvent()       {}
func (TypingStop) clientEvent()        {}
func (MessageCreated) clientEvent()    {}
func (Ping) clientEvent()              {}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// Connected is the first event on every accepted connection.
type Connected struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// JoinedConversation acknowledges a join request.
type JoinedConversation struct {
	ConversationID string `json:"conversationId"`
	Success        bool   `json:"success"`
}

// LeftConversation acknowledges a leave request.
type LeftConversation struct {
	ConversationID string `json:"conversationId"`
	Success        bool   `json:"success"`
}

// UserTyping announces a change of a user's typing state.
type UserTyping struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"isTyping"`
}

// NewMessage carries a freshly persisted message.
type NewMessage struct {
	ConversationID string       `json:"conversationId"`
	Message        chat.Message `json:"message"`
}

// MessageUpdated carries an edited message.
type MessageUpdated struct {
	ConversationID string       `json:"conversationId"`
	Message        chat.Message `json:"message"`
}

// MessageDeleted announces a soft delete.
type MessageDeleted struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

// ParticipantAdded announces a new conversation member.
type ParticipantAdded struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// ParticipantLeft announces that a member left the conversation.
type ParticipantLeft struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// Error reports a failure to the originating connection only.
type Error struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	ConversationID string `json:"conversationId,omitempty"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}

// Pong answers a Ping.
type Pong struct{}

func (Connected) EventType() string          { return TypeConnected }
func (JoinedConversation) EventType() string { return TypeJoinedConversation }
func (LeftConversation) EventType() string   { return TypeLeftConversation }
func (UserTyping) EventType() string         { return TypeUserTyping }
func (NewMessage) EventType() string         { return TypeNewMessage }
func (MessageUpdated) EventType() string     { return TypeMessageUpdated }
func (MessageDeleted) EventType() string     { return TypeMessageDeleted }
func (ParticipantAdded) EventType() string   { return TypeParticipantAdded }
func (ParticipantLeft) EventType() string    { return TypeParticipantLeft }
func (Error) EventType() string              { return TypeError }
func (Pong) EventType() string               { return TypePong }

func (Connected) serverEvent()          {}
func (JoinedConversation) serverEvent() {}
func (LeftConversation) serverEvent()   {}
func (UserTyping) serverEvent()         {}
func (NewMessage) serverEvent()         {}
func (MessageUpdated) serverEvent()     {}
func (MessageDeleted) serverEvent()     {}
func (ParticipantAdded) serverEvent()   {}
func (ParticipantLeft) serverEvent()    {}
func (Error) serverEvent()              {}
func (Pong) serverEvent()               {}

// ErrorFrom converts err into an Error event. Uncoded errors are reported as
// internal without leaking their text.
func ErrorFrom(err error, conversationID, clientMsgID string) Error {
	return Error{
		Error:          chat.ReasonOf(err),
		Code:           string(chat.CodeOf(err)),
		ConversationID: conversationID,
		ClientMsgID:    clientMsgID,
	}
}
