// Package hub dispatches the events of each connection and runs background
// maintenance.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/websocket"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// DefaultCleanupInterval is how often idle rate-limit state is dropped.
const DefaultCleanupInterval = time.Minute

var _ websocket.Dispatcher = (*Hub)(nil)

// Verifier admits identities at announce time.
type Verifier interface {
	Verify(ctx context.Context, identity string) error
}

// Guard checks conversation membership on subscribe.
type Guard interface {
	Authorize(ctx context.Context, identity, conversationID string) ([]string, error)
}

// PendingDeliverer admits a new session and runs its catch-up before any
// live delivery can reach it.
type PendingDeliverer interface {
	Admit(ctx context.Context, identity string, conn interfaces.Connection, register func() error) (int, error)
}

// Cleaner drops stale in-memory state.
type Cleaner interface {
	Cleanup() int
}

// Deps groups the collaborators of a Hub.
type Deps struct {
	Verifier        Verifier
	Registry        *websocket.Registry
	Guard           Guard
	Pipeline        interfaces.MessagePipeline
	Delivery        PendingDeliverer
	Cleaner         Cleaner
	CleanupInterval time.Duration
	Log             *slog.Logger
}

// Hub implements websocket.Dispatcher. Each connection's events arrive
// from that connection's own goroutine, so a connection is handled
// sequentially while different connections proceed in parallel.
type Hub struct {
	verifier        Verifier
	registry        *websocket.Registry
	guard           Guard
	pipeline        interfaces.MessagePipeline
	delivery        PendingDeliverer
	cleaner         Cleaner
	cleanupInterval time.Duration
	log             *slog.Logger

	mu              sync.Mutex
	running         bool
	shutdownChannel chan struct{}
	stopped         chan struct{}
}

// NewHub creates a hub.
func NewHub(deps Deps) *Hub {
	interval := deps.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Hub{
		verifier:        deps.Verifier,
		registry:        deps.Registry,
		guard:           deps.Guard,
		pipeline:        deps.Pipeline,
		delivery:        deps.Delivery,
		cleaner:         deps.Cleaner,
		cleanupInterval: interval,
		log:             deps.Log,
	}
}

// Start launches background maintenance.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.stopped = make(chan struct{})

	h.log.Info("Starting message hub", "cleanup_interval", h.cleanupInterval)
	go h.run(ctx, h.shutdownChannel, h.stopped)
	return nil
}

// Stop ends background maintenance and waits for it to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	stopped := h.stopped
	h.mu.Unlock()

	<-stopped
	h.log.Info("Message hub stopped")
	return nil
}

// IsRunning reports whether Start was called without a matching Stop.
func (h *Hub) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(h.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.cleanup()
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) cleanup() {
	if h.cleaner == nil {
		return
	}
	if removed := h.cleaner.Cleanup(); removed > 0 {
		h.log.Debug("Dropped idle rate limit entries", "removed", removed)
	}
}

// Dispatch decodes one client frame and runs the matching operation.
func (h *Hub) Dispatch(ctx context.Context, conn *websocket.Connection, raw []byte) {
	var envelope types.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Type == "" {
		if conn.Identity() == "" {
			h.rejectIdentity(conn, ErrAnnounceRequired)
			return
		}
		h.sendError(conn, ErrMalformedEvent, "")
		return
	}

	if envelope.Type == types.EventAnnounceIdentity {
		h.handleAnnounce(ctx, conn, envelope)
		return
	}

	identity := conn.Identity()
	if identity == "" {
		h.rejectIdentity(conn, ErrAnnounceRequired)
		return
	}
	if envelope.UserID != "" && envelope.UserID != identity {
		h.log.Warn("Claimed identity does not match connection",
			"identity", types.ShortID(identity),
			"claimed", types.ShortID(envelope.UserID),
			"connection", conn.ID())
		h.rejectIdentity(conn, ErrIdentityMismatch)
		return
	}

	switch envelope.Type {
	case types.EventSubscribeConversation:
		h.handleSubscribe(ctx, conn, envelope.Data)
	case types.EventSendMessage:
		h.handleSend(ctx, conn, envelope.Data)
	case types.EventMarkRead:
		h.handleMarkRead(ctx, conn, envelope.Data)
	case types.EventTyping:
		h.handleTyping(ctx, conn, envelope.Data)
	case types.EventLogout:
		h.handleLogout(conn)
	default:
		h.sendError(conn, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Type), "")
	}
}

// Disconnected removes the session of a connection that went away. A
// connection that was already replaced leaves its successor in place.
func (h *Hub) Disconnected(_ context.Context, conn *websocket.Connection) {
	if conn.Identity() == "" {
		return
	}
	if h.registry.Unregister(conn) {
		h.log.Info("Session ended", "identity", types.ShortID(conn.Identity()), "connection", conn.ID())
	}
}

func (h *Hub) handleAnnounce(ctx context.Context, conn *websocket.Connection, envelope types.Envelope) {
	var req types.AnnounceIdentityRequest
	if err := decode(envelope.Data, &req); err != nil {
		h.rejectIdentity(conn, ErrMalformedEvent)
		return
	}

	if current := conn.Identity(); current != "" {
		if current != req.Identity {
			h.rejectIdentity(conn, ErrIdentityMismatch)
			return
		}
		_ = conn.WriteJSON(types.NewEvent(types.EventAnnounced, types.AnnouncedPayload{Identity: current}))
		return
	}

	if err := h.verifier.Verify(ctx, req.Identity); err != nil {
		h.log.Info("Identity rejected", "identity", types.ShortID(req.Identity), "connection", conn.ID(), "error", err)
		h.rejectIdentity(conn, err)
		return
	}

	if _, err := conn.Bind(req.Identity); err != nil {
		h.rejectIdentity(conn, ErrIdentityMismatch)
		return
	}

	delivered, err := h.delivery.Admit(ctx, req.Identity, conn, func() error {
		evicted, err := h.registry.Register(conn)
		if err != nil {
			return err
		}
		h.log.Info("Session started",
			"identity", types.ShortID(req.Identity),
			"connection", conn.ID(),
			"replaced", evicted != nil)

		_ = conn.WriteJSON(types.NewEvent(types.EventAnnounced, types.AnnouncedPayload{Identity: req.Identity}))
		_ = conn.WriteJSON(types.NewEvent(types.EventOnlineUsers, types.OnlineUsersPayload{
			Identities: h.registry.ListOnline(req.Identity),
		}))
		return nil
	})
	switch {
	case errors.Is(err, websocket.ErrNilConnection), errors.Is(err, websocket.ErrConnectionNotAnnounced):
		h.log.Error("Failed to register session", "identity", types.ShortID(req.Identity), "error", err)
		_ = conn.Close()
	case err != nil:
		h.log.Warn("Offline delivery incomplete", "identity", types.ShortID(req.Identity), "delivered", delivered, "error", err)
	case delivered > 0:
		h.log.Debug("Delivered pending messages", "identity", types.ShortID(req.Identity), "count", delivered)
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, conn *websocket.Connection, data json.RawMessage) {
	var req types.SubscribeConversationRequest
	if err := decode(data, &req); err != nil {
		h.sendError(conn, err, "")
		return
	}
	if err := types.ValidateStruct(req); err != nil {
		h.sendError(conn, err, req.ConversationID)
		return
	}
	if _, err := h.guard.Authorize(ctx, conn.Identity(), req.ConversationID); err != nil {
		h.sendError(conn, err, req.ConversationID)
		return
	}
	conn.Subscribe(req.ConversationID)
}

func (h *Hub) handleSend(ctx context.Context, conn *websocket.Connection, data json.RawMessage) {
	var req types.SendMessageRequest
	if err := decode(data, &req); err != nil {
		_ = conn.WriteJSON(types.NewEvent(types.EventMessageRejected, types.MessageRejectedPayload{
			Reason:  types.KindOf(err),
			Message: err.Error(),
		}))
		return
	}
	// The pipeline reports the outcome to the sender itself.
	_, _ = h.pipeline.SendMessage(ctx, conn, req)
}

func (h *Hub) handleMarkRead(ctx context.Context, conn *websocket.Connection, data json.RawMessage) {
	var req types.MarkReadRequest
	if err := decode(data, &req); err != nil {
		h.sendError(conn, err, "")
		return
	}
	if _, err := h.pipeline.MarkRead(ctx, conn, req.ConversationID); err != nil {
		h.sendError(conn, err, req.ConversationID)
	}
}

func (h *Hub) handleTyping(ctx context.Context, conn *websocket.Connection, data json.RawMessage) {
	var req types.TypingRequest
	if err := decode(data, &req); err != nil {
		h.sendError(conn, err, "")
		return
	}
	subscribed := conn.IsSubscribed(req.ConversationID)
	if err := h.pipeline.SetTyping(ctx, conn, req.ConversationID, req.IsTyping, subscribed); err != nil {
		h.sendError(conn, err, req.ConversationID)
	}
}

func (h *Hub) handleLogout(conn *websocket.Connection) {
	h.registry.Unregister(conn)
	h.log.Info("Logged out", "identity", types.ShortID(conn.Identity()), "connection", conn.ID())
	_ = conn.Close()
}

// rejectIdentity answers with auth-error and closes the connection once the
// reply has been flushed.
func (h *Hub) rejectIdentity(conn *websocket.Connection, err error) {
	_ = conn.WriteJSON(types.NewEvent(types.EventAuthError, types.AuthErrorPayload{
		Reason:  types.KindAuthentication,
		Message: types.PublicMessage(err),
	}))
	_ = conn.Close()
}

func (h *Hub) sendError(conn *websocket.Connection, err error, conversationID string) {
	if types.KindOf(err) == types.KindPersistence {
		h.log.Error("Request failed", "identity", types.ShortID(conn.Identity()), "conversation_id", conversationID, "error", err)
	}
	_ = conn.WriteJSON(types.NewEvent(types.EventError, types.ErrorPayload{
		Reason:         types.KindOf(err),
		Message:        publicError(err),
		ConversationID: conversationID,
	}))
}

// publicError hides internal details of errors that are not part of the
// client-facing taxonomy.
func publicError(err error) string {
	if types.KindOf(err) == types.KindPersistence {
		return "request could not be completed, please retry"
	}
	return err.Error()
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return ErrMalformedEvent
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
