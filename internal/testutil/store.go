package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

var _ interfaces.Store = (*FakeStore)(nil)

type fakeReceipt struct {
	deliveredAt *time.Time
	readAt      *time.Time
}

// FakeStore is an in-memory interfaces.Store with the same delivery and
// read semantics as the SQLite store. Set the *Err fields to inject
// failures.
type FakeStore struct {
	mu            sync.Mutex
	users         map[string]*types.User
	conversations map[string][]string
	messages      []*types.Message
	receipts      map[string]map[string]*fakeReceipt

	InsertErr  error
	MembersErr error
	InsertHook func()

	InsertCalls int
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		users:         make(map[string]*types.User),
		conversations: make(map[string][]string),
		receipts:      make(map[string]map[string]*fakeReceipt),
	}
}

// AddUser registers a new identity and returns it.
func (s *FakeStore) AddUser() string {
	id := uuid.NewString()
	_ = s.CreateUser(context.Background(), &types.User{ID: id})
	return id
}

// AddConversation creates a conversation between members and returns its id.
func (s *FakeStore) AddConversation(members ...string) string {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = append([]string(nil), members...)
	return id
}

// MessageCount is the number of committed messages.
func (s *FakeStore) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// DeliveredAt returns the delivery time of a receipt, nil when pending.
func (s *FakeStore) DeliveredAt(messageID, recipient string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receipts[messageID][recipient]; ok {
		return r.deliveredAt
	}
	return nil
}

// ReadAt returns the read time of a receipt, nil when unread.
func (s *FakeStore) ReadAt(messageID, recipient string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receipts[messageID][recipient]; ok {
		return r.readAt
	}
	return nil
}

func (s *FakeStore) IdentityExists(_ context.Context, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[identity]
	return ok, nil
}

func (s *FakeStore) CreateUser(_ context.Context, user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("%w: user %s already exists", types.ErrValidation, user.ID)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	copied := *user
	s.users[user.ID] = &copied
	return nil
}

func (s *FakeStore) GetUser(_ context.Context, identity string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[identity]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", types.ErrNotFound, identity)
	}
	copied := *user
	return &copied, nil
}

func (s *FakeStore) ConversationMembers(_ context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MembersErr != nil {
		return nil, s.MembersErr
	}
	members, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", types.ErrNotFound, conversationID)
	}
	return append([]string(nil), members...), nil
}

func (s *FakeStore) CreateConversation(_ context.Context, conversation *types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversation.ID]; ok {
		return fmt.Errorf("%w: conversation %s already exists", types.ErrValidation, conversation.ID)
	}
	for _, member := range conversation.MemberIDs {
		if _, ok := s.users[member]; !ok {
			return fmt.Errorf("%w: unknown member %s", types.ErrNotFound, member)
		}
	}
	conversation.MemberIDs = lo.Uniq(conversation.MemberIDs)
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = time.Now().UTC()
	}
	s.conversations[conversation.ID] = append([]string(nil), conversation.MemberIDs...)
	return nil
}

func (s *FakeStore) InsertMessage(_ context.Context, conversationID, senderID, body string) (*types.Message, error) {
	if s.InsertHook != nil {
		s.InsertHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InsertCalls++
	if s.InsertErr != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, s.InsertErr)
	}

	message := &types.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages = append(s.messages, message)

	receipts := make(map[string]*fakeReceipt)
	for _, member := range s.conversations[conversationID] {
		if member != senderID {
			receipts[member] = &fakeReceipt{}
		}
	}
	s.receipts[message.ID] = receipts

	copied := *message
	return &copied, nil
}

func (s *FakeStore) MarkDelivered(_ context.Context, recipientID string, messageIDs []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []string
	for _, id := range messageIDs {
		r, ok := s.receipts[id][recipientID]
		if !ok || r.deliveredAt != nil {
			continue
		}
		stamp := at
		r.deliveredAt = &stamp
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (s *FakeStore) ReleaseDelivered(_ context.Context, recipientID string, messageIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		r, ok := s.receipts[id][recipientID]
		if ok && r.deliveredAt != nil && r.deliveredAt.Equal(at) {
			r.deliveredAt = nil
		}
	}
	return nil
}

func (s *FakeStore) MarkRead(_ context.Context, conversationID, readerID string, at time.Time) ([]types.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated []types.ReadReceipt
	for _, message := range s.messages {
		if message.ConversationID != conversationID || message.SenderID == readerID {
			continue
		}
		r, ok := s.receipts[message.ID][readerID]
		if !ok || r.readAt != nil {
			continue
		}
		stamp := at
		r.readAt = &stamp
		updated = append(updated, types.ReadReceipt{MessageID: message.ID, SenderID: message.SenderID})
	}
	return updated, nil
}

func (s *FakeStore) PendingUndelivered(_ context.Context, identity string) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*types.Message
	for _, message := range s.messages {
		r, ok := s.receipts[message.ID][identity]
		if !ok || r.deliveredAt != nil {
			continue
		}
		copied := *message
		pending = append(pending, &copied)
	}
	return pending, nil
}

func (s *FakeStore) HealthCheck(context.Context) error { return nil }

func (s *FakeStore) Close() error { return nil }
