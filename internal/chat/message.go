// Package chat holds the conversation domain shared by the server and the
// client: messages, conversations, participants, identities and the error
// taxonomy every layer reports through.
package chat

import (
	"fmt"
	"time"
)

// MessageType classifies message content.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeFile     MessageType = "file"
	TypeSystem   MessageType = "system"
	TypeReaction MessageType = "reaction"
)

// ParseMessageType maps a wire value to a MessageType. An empty value is
// treated as text.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case "":
		return TypeText, nil
	case TypeText, TypeImage, TypeFile, TypeSystem, TypeReaction:
		return MessageType(s), nil
	}
	return "", NewError(CodeInvalidInput, fmt.Sprintf("unknown message type %q", s), nil)
}

// Author is the public projection of a user attached to a message.
type Author struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Message is an authoritative, persisted chat message. ID and AuthorID never
// change once assigned.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	AuthorID       string      `json:"authorId"`
	Author         Author      `json:"author"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	ReplyToID      string      `json:"replyToId,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	DeletedAt      *time.Time  `json:"deletedAt,omitempty"`
}

// Deleted reports whether the message has been soft-deleted.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Conversation is a chat thread between participants.
type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// Participant records a user's membership of a conversation. A participant
// with a non-nil LeftAt is no longer active.
type Participant struct {
	ConversationID string
	UserID         string
	JoinedAt       time.Time
	LeftAt         *time.Time
}

// Active reports whether the membership is current.
func (p *Participant) Active() bool {
	return p.LeftAt == nil
}

// User is a registered account.
type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// Identity is the authenticated principal behind a connection or request.
type Identity struct {
	UserID   string
	Username string
}

// Valid reports whether the identity names a user.
func (i Identity) Valid() bool {
	return i.UserID != ""
}
