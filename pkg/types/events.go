package types

import (
	"encoding/json"
	"time"
)

// Client -> server event types.
const (
	EventAnnounceIdentity      = "announce-identity"
	EventSubscribeConversation = "subscribe-conversation"
	EventSendMessage           = "send-message"
	EventMarkRead              = "mark-read"
	EventTyping                = "typing"
	EventLogout                = "logout"
)

// Server -> client event types.
const (
	EventAnnounced            = "announced"
	EventAuthError            = "auth-error"
	EventOnlineUsers          = "online-users"
	EventMessageAccepted      = "message-accepted"
	EventMessageRejected      = "message-rejected"
	EventMessageDelivered     = "message-delivered"
	EventOfflineMessage       = "offline-message"
	EventOfflineMessagesBatch = "offline-messages-batch"
	EventReadAck              = "read-ack"
	EventReadConfirmed        = "read-confirmed"
	EventPeerTyping           = "peer-typing"
	EventPresence             = "presence"
	EventSessionReplaced      = "session-replaced"
	EventError                = "error"
)

// Envelope is the frame every client event arrives in. UserID is accepted
// for compatibility with clients that repeat their identity on each event;
// it is checked against the identity bound at announce time, never trusted.
type Envelope struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	UserID string          `json:"user_id,omitempty"`
}

// Event is the frame every server event is sent in.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps a server event with the current time.
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}

// Client payloads.

type AnnounceIdentityRequest struct {
	Identity string `json:"identity"`
}

type SubscribeConversationRequest struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
}

type SendMessageRequest struct {
	ConversationID   string `json:"conversationId" validate:"required,uuid"`
	Body             string `json:"body"`
	CorrelationToken string `json:"correlationToken" validate:"max=128"`
}

type MarkReadRequest struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId" validate:"required,uuid"`
	IsTyping       bool   `json:"isTyping"`
}

// Server payloads.

type AnnouncedPayload struct {
	Identity string `json:"identity"`
}

type AuthErrorPayload struct {
	Reason  ErrorKind `json:"reason"`
	Message string    `json:"message"`
}

type OnlineUsersPayload struct {
	Identities []string `json:"identities"`
}

type MessageAcceptedPayload struct {
	MessageID        string    `json:"messageId"`
	ConversationID   string    `json:"conversationId"`
	Timestamp        time.Time `json:"timestamp"`
	CorrelationToken string    `json:"correlationToken"`
}

type MessageRejectedPayload struct {
	Reason           ErrorKind `json:"reason"`
	Message          string    `json:"message"`
	CorrelationToken string    `json:"correlationToken"`
}

// MessagePayload is the shape of a message pushed to a recipient, live or
// on catch-up.
type MessagePayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Sender         string    `json:"sender"`
	Body           string    `json:"body"`
	Timestamp      time.Time `json:"timestamp"`
}

type OfflineBatchPayload struct {
	Messages []MessagePayload `json:"messages"`
}

type ReadAckPayload struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
}

type ReadConfirmedPayload struct {
	ConversationID string `json:"conversationId"`
	ReaderIdentity string `json:"readerIdentity"`
	Count          int    `json:"count"`
}

type PeerTypingPayload struct {
	ConversationID string `json:"conversationId"`
	Identity       string `json:"identity"`
	IsTyping       bool   `json:"isTyping"`
}

type PresencePayload struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

type ErrorPayload struct {
	Reason         ErrorKind `json:"reason"`
	Message        string    `json:"message"`
	ConversationID string    `json:"conversationId,omitempty"`
}

// ToPayload converts a stored message into its wire form.
func (m *Message) ToPayload() MessagePayload {
	return MessagePayload{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.SenderID,
		Body:           m.Body,
		Timestamp:      m.CreatedAt,
	}
}
