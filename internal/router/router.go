// Package router runs the per-message pipeline: validate, rate-limit,
// authorize, persist, fan out and acknowledge.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"chatrelay/internal/sanitize"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

var _ interfaces.MessagePipeline = (*Router)(nil)

// Authorizer is the conversation access guard.
type Authorizer interface {
	Authorize(ctx context.Context, identity, conversationID string) ([]string, error)
	Members(ctx context.Context, conversationID string) ([]string, error)
}

// LiveDeliverer hands a committed message to a recipient's live session.
type LiveDeliverer interface {
	DeliverLive(ctx context.Context, recipient string, message *types.Message) (bool, error)
}

// Router implements interfaces.MessagePipeline.
type Router struct {
	sanitizer   *sanitize.Sanitizer
	rateLimiter *RateLimiter
	guard       Authorizer
	store       interfaces.MessageStore
	delivery    LiveDeliverer
	directory   interfaces.SessionDirectory
	log         *slog.Logger
	now         func() time.Time
}

// Deps groups the collaborators of a Router.
type Deps struct {
	Sanitizer   *sanitize.Sanitizer
	RateLimiter *RateLimiter
	Guard       Authorizer
	Store       interfaces.MessageStore
	Delivery    LiveDeliverer
	Directory   interfaces.SessionDirectory
	Log         *slog.Logger
}

// NewRouter creates a message router.
func NewRouter(deps Deps) *Router {
	return &Router{
		sanitizer:   deps.Sanitizer,
		rateLimiter: deps.RateLimiter,
		guard:       deps.Guard,
		store:       deps.Store,
		delivery:    deps.Delivery,
		directory:   deps.Directory,
		log:         deps.Log,
		now:         time.Now,
	}
}

// RateLimiter exposes the limiter so its state can be cleaned up
// periodically.
func (r *Router) RateLimiter() *RateLimiter {
	return r.rateLimiter
}

// SendMessage runs one message through the pipeline. Every outcome is
// reported to the sender: message-rejected before the commit point,
// message-accepted after it. Nothing is written unless all checks pass.
func (r *Router) SendMessage(ctx context.Context, sender interfaces.Connection, req types.SendMessageRequest) (*types.Message, error) {
	message, err := r.sendMessage(ctx, sender, req)
	if err != nil {
		r.reject(sender, req.CorrelationToken, err)
		return nil, err
	}

	accepted := types.NewEvent(types.EventMessageAccepted, types.MessageAcceptedPayload{
		MessageID:        message.ID,
		ConversationID:   message.ConversationID,
		Timestamp:        message.CreatedAt,
		CorrelationToken: req.CorrelationToken,
	})
	if err := sender.WriteJSON(accepted); err != nil {
		r.log.Debug("Could not acknowledge message",
			"identity", types.ShortID(sender.Identity()),
			"message_id", message.ID,
			"error", err)
	}
	return message, nil
}

func (r *Router) sendMessage(ctx context.Context, sender interfaces.Connection, req types.SendMessageRequest) (*types.Message, error) {
	identity := sender.Identity()
	if identity == "" {
		return nil, ErrNotAnnounced
	}

	// Validated
	if err := types.ValidateStruct(req); err != nil {
		return nil, err
	}
	body, err := r.sanitizer.Sanitize(req.Body)
	if err != nil {
		return nil, err
	}

	// RateChecked
	if !r.rateLimiter.Allow(identity) {
		return nil, ErrRateLimitExceeded
	}

	// Authorized
	members, err := r.guard.Authorize(ctx, identity, req.ConversationID)
	if err != nil {
		return nil, err
	}

	// Persisted
	message, err := r.store.InsertMessage(ctx, req.ConversationID, identity, body)
	if err != nil {
		r.log.Error("Failed to persist message",
			"identity", types.ShortID(identity),
			"conversation_id", req.ConversationID,
			"error", err)
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}

	// Delivered or Queued per recipient. A failed hand-off leaves the
	// receipt undelivered for the next catch-up.
	for _, recipient := range lo.Without(members, identity) {
		delivered, err := r.delivery.DeliverLive(ctx, recipient, message)
		if err != nil {
			r.log.Warn("Live delivery failed, message stays queued",
				"recipient", types.ShortID(recipient),
				"message_id", message.ID,
				"error", err)
			continue
		}
		if !delivered {
			r.log.Debug("Recipient offline, message queued",
				"recipient", types.ShortID(recipient),
				"message_id", message.ID)
		}
	}

	return message, nil
}

func (r *Router) reject(sender interfaces.Connection, correlationToken string, err error) {
	kind := types.KindOf(err)
	if kind != types.KindPersistence {
		r.log.Debug("Message rejected",
			"identity", types.ShortID(sender.Identity()),
			"reason", kind)
	}
	rejected := types.NewEvent(types.EventMessageRejected, types.MessageRejectedPayload{
		Reason:           kind,
		Message:          types.PublicMessage(err),
		CorrelationToken: correlationToken,
	})
	_ = sender.WriteJSON(rejected)
}

// MarkRead marks every message of the conversation not sent by the reader
// as read, acknowledges the reader and notifies each online sender with
// the number of their messages that were read.
func (r *Router) MarkRead(ctx context.Context, reader interfaces.Connection, conversationID string) (int, error) {
	identity := reader.Identity()
	if identity == "" {
		return 0, ErrNotAnnounced
	}
	if err := types.ValidateStruct(types.MarkReadRequest{ConversationID: conversationID}); err != nil {
		return 0, err
	}
	if _, err := r.guard.Authorize(ctx, identity, conversationID); err != nil {
		return 0, err
	}

	receipts, err := r.store.MarkRead(ctx, conversationID, identity, r.now())
	if err != nil {
		r.log.Error("Failed to mark messages read",
			"identity", types.ShortID(identity),
			"conversation_id", conversationID,
			"error", err)
		return 0, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}

	_ = reader.WriteJSON(types.NewEvent(types.EventReadAck, types.ReadAckPayload{
		ConversationID: conversationID,
		Count:          len(receipts),
	}))

	perSender := lo.CountValuesBy(receipts, func(receipt types.ReadReceipt) string {
		return receipt.SenderID
	})
	for senderID, count := range perSender {
		conn, ok := r.directory.Lookup(senderID)
		if !ok {
			continue
		}
		_ = conn.WriteJSON(types.NewEvent(types.EventReadConfirmed, types.ReadConfirmedPayload{
			ConversationID: conversationID,
			ReaderIdentity: identity,
			Count:          count,
		}))
	}

	return len(receipts), nil
}

// SetTyping broadcasts a typing signal to the other members that are
// online. A connection subscribed to the conversation already passed the
// guard; otherwise the guard runs now.
func (r *Router) SetTyping(ctx context.Context, conn interfaces.Connection, conversationID string, isTyping bool, subscribed bool) error {
	identity := conn.Identity()
	if identity == "" {
		return ErrNotAnnounced
	}
	if err := types.ValidateStruct(types.TypingRequest{ConversationID: conversationID, IsTyping: isTyping}); err != nil {
		return err
	}

	var members []string
	var err error
	if subscribed {
		members, err = r.guard.Members(ctx, conversationID)
	} else {
		members, err = r.guard.Authorize(ctx, identity, conversationID)
	}
	if err != nil {
		return err
	}

	others := lo.Without(members, identity)
	if len(others) == 0 {
		return nil
	}
	r.directory.Broadcast(others, types.NewEvent(types.EventPeerTyping, types.PeerTypingPayload{
		ConversationID: conversationID,
		Identity:       identity,
		IsTyping:       isTyping,
	}))
	return nil
}
