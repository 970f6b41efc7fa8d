// Package conversation guards access to conversations and creates them.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Manager is the conversation access guard. Membership is read from the
// store on every call and never cached, so changes apply immediately.
type Manager struct {
	store   interfaces.ConversationStore
	timeout time.Duration
	log     *slog.Logger
}

// NewManager creates a guard whose store calls are bounded by timeout.
func NewManager(store interfaces.ConversationStore, timeout time.Duration, log *slog.Logger) *Manager {
	return &Manager{store: store, timeout: timeout, log: log}
}

// Authorize returns the members of the conversation if identity is one of
// them. It fails with ErrNotFound for unknown conversations and with
// ErrAuthorization otherwise, including when the store is slow or failing.
func (m *Manager) Authorize(ctx context.Context, identity, conversationID string) ([]string, error) {
	members, err := m.Members(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(members, identity) {
		return nil, ErrNotMember
	}
	return members, nil
}

// Members returns the members of the conversation without checking who is
// asking.
func (m *Manager) Members(ctx context.Context, conversationID string) ([]string, error) {
	if !types.IsValidConversationID(conversationID) {
		return nil, ErrInvalidConversationID
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type lookup struct {
		members []string
		err     error
	}
	done := make(chan lookup, 1)
	go func() {
		members, err := m.store.ConversationMembers(ctx, conversationID)
		done <- lookup{members: members, err: err}
	}()

	var members []string
	var err error
	select {
	case r := <-done:
		members, err = r.members, r.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		m.log.Warn("Conversation membership lookup failed",
			"conversation_id", conversationID,
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrGuardUnavailable, err)
	}
	return members, nil
}

// CreateConversation creates a conversation between at least two distinct
// existing identities.
func (m *Manager) CreateConversation(ctx context.Context, memberIDs []string) (*types.Conversation, error) {
	members := lo.Uniq(memberIDs)
	if len(members) < 2 {
		return nil, ErrTooFewMembers
	}
	if invalid, found := lo.Find(members, func(id string) bool { return !types.IsValidIdentity(id) }); found {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMember, invalid)
	}

	conversation := &types.Conversation{
		ID:        uuid.NewString(),
		MemberIDs: members,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateConversation(ctx, conversation); err != nil {
		return nil, err
	}

	m.log.Info("Conversation created",
		"conversation_id", conversation.ID,
		"members", len(conversation.MemberIDs))
	return conversation, nil
}

// GetConversation loads a conversation with its members.
func (m *Manager) GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	members, err := m.Members(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &types.Conversation{ID: conversationID, MemberIDs: members}, nil
}
