package types

import (
	"time"
)

// User is an account known to the identity store. The ID is the identity
// announced by clients on their connections.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Conversation is a persisted group of two or more members.
// Members are re-read from the store on every authorization and never cached.
type Conversation struct {
	ID        string    `json:"id"`
	MemberIDs []string  `json:"member_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a chat message. ID and CreatedAt are assigned by the store when
// the message is committed. DeliveredAt and ReadAt describe the receipt of the
// recipient the message was loaded for and stay nil until set.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Body           string     `json:"body"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// ReadReceipt is one row updated by a mark-read operation.
type ReadReceipt struct {
	MessageID string
	SenderID  string
}

// Session binds an identity to the connection currently serving it.
type Session struct {
	Identity     string    `json:"identity"`
	ConnectionID string    `json:"connection_id"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// ShortID is the form identities take in logs: the first eight characters.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
