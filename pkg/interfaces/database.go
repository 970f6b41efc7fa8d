//go:generate go run go.uber.org/mock/mockgen -source=database.go -destination=../../internal/mocks/mock_database.go -package=mocks
package interfaces

import (
	"context"
	"time"

	"chatrelay/pkg/types"
)

// IdentityStore answers whether an identity names a real account.
type IdentityStore interface {
	// IdentityExists may block on I/O; callers bound it with a deadline.
	IdentityExists(ctx context.Context, identity string) (bool, error)
}

// AccountStore manages the accounts behind identities.
type AccountStore interface {
	CreateUser(ctx context.Context, user *types.User) error

	// GetUser returns types.ErrNotFound when the identity is unknown.
	GetUser(ctx context.Context, identity string) (*types.User, error)
}

// ConversationStore is read-only reference data for authorization, plus
// creation for the administration API.
type ConversationStore interface {
	// ConversationMembers returns types.ErrNotFound when the id does not resolve.
	ConversationMembers(ctx context.Context, conversationID string) ([]string, error)

	CreateConversation(ctx context.Context, conversation *types.Conversation) error
}

// MessageStore persists messages and their per-recipient receipts.
type MessageStore interface {
	// InsertMessage is the single commit point of the pipeline. It assigns
	// ID and CreatedAt and creates one unread, undelivered receipt for every
	// member other than the sender.
	InsertMessage(ctx context.Context, conversationID, senderID, body string) (*types.Message, error)

	// MarkDelivered sets delivered_at on the receipts of recipient for
	// messageIDs that are still undelivered and returns the ids it claimed.
	// Receipts already delivered are left untouched (compare-and-set).
	MarkDelivered(ctx context.Context, recipientID string, messageIDs []string, at time.Time) ([]string, error)

	// ReleaseDelivered undoes a claim made by MarkDelivered at the same
	// instant, for hand-offs that failed after the claim.
	ReleaseDelivered(ctx context.Context, recipientID string, messageIDs []string, at time.Time) error

	// MarkRead sets read_at on the unread receipts of readerID in the
	// conversation whose message was sent by someone else.
	MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]types.ReadReceipt, error)

	// PendingUndelivered lists the messages addressed to identity that were
	// never delivered, oldest first.
	PendingUndelivered(ctx context.Context, identity string) ([]*types.Message, error)
}

// Store is everything the server needs from persistence.
type Store interface {
	IdentityStore
	AccountStore
	ConversationStore
	MessageStore

	// HealthCheck verifies connectivity and basic operations.
	HealthCheck(ctx context.Context) error

	// Close waits for pending writes and releases the database.
	Close() error
}
