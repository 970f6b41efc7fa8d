package interfaces

import (
	"context"

	"chatrelay/pkg/types"
)

// MessagePipeline handles the per-connection chat operations once the
// connection has announced its identity.
type MessagePipeline interface {
	// SendMessage runs validate -> rate-limit -> authorize -> persist ->
	// fan-out -> acknowledge. The sender always receives either an accepted
	// or a rejected event correlated to req.CorrelationToken.
	SendMessage(ctx context.Context, sender Connection, req types.SendMessageRequest) (*types.Message, error)

	// MarkRead marks the requester's unread messages of a conversation as read
	// and notifies the original senders that are online.
	MarkRead(ctx context.Context, reader Connection, conversationID string) (int, error)

	// SetTyping relays an ephemeral typing signal to the other members.
	SetTyping(ctx context.Context, conn Connection, conversationID string, isTyping bool, subscribed bool) error
}
