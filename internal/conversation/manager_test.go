package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"chatrelay/internal/mocks"
	"chatrelay/pkg/types"
)

func newManager(t *testing.T, timeout time.Duration) (*Manager, *mocks.MockConversationStore) {
	t.Helper()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockConversationStore(ctrl)
	return NewManager(store, timeout, logs.GetLoggerFromLevel(slog.LevelDebug)), store
}

func TestManager_Authorize(t *testing.T) {
	alice, bob, carol := uuid.NewString(), uuid.NewString(), uuid.NewString()
	conv := uuid.NewString()

	t.Run("member is authorized", func(t *testing.T) {
		m, store := newManager(t, time.Second)
		store.EXPECT().ConversationMembers(gomock.Any(), conv).Return([]string{alice, bob}, nil)

		members, err := m.Authorize(context.Background(), alice, conv)
		require.NoError(t, err)
		require.Equal(t, []string{alice, bob}, members)
	})

	t.Run("non member is forbidden", func(t *testing.T) {
		m, store := newManager(t, time.Second)
		store.EXPECT().ConversationMembers(gomock.Any(), conv).Return([]string{alice, bob}, nil)

		_, err := m.Authorize(context.Background(), carol, conv)
		require.ErrorIs(t, err, ErrNotMember)
		require.Equal(t, types.KindAuthorization, types.KindOf(err))
	})

	t.Run("unknown conversation is not found", func(t *testing.T) {
		m, store := newManager(t, time.Second)
		store.EXPECT().ConversationMembers(gomock.Any(), conv).
			Return(nil, fmt.Errorf("%w: conversation %s", types.ErrNotFound, conv))

		_, err := m.Authorize(context.Background(), alice, conv)
		require.Equal(t, types.KindNotFound, types.KindOf(err))
	})

	t.Run("malformed id never reaches the store", func(t *testing.T) {
		m, _ := newManager(t, time.Second)

		_, err := m.Authorize(context.Background(), alice, "not-a-uuid")
		require.ErrorIs(t, err, ErrInvalidConversationID)
	})

	t.Run("store failure fails closed", func(t *testing.T) {
		m, store := newManager(t, time.Second)
		store.EXPECT().ConversationMembers(gomock.Any(), conv).Return(nil, errors.New("connection reset"))

		_, err := m.Authorize(context.Background(), alice, conv)
		require.ErrorIs(t, err, ErrGuardUnavailable)
		require.Equal(t, types.KindAuthorization, types.KindOf(err))
	})

	t.Run("timeout fails closed", func(t *testing.T) {
		m, store := newManager(t, 20*time.Millisecond)
		release := make(chan struct{})
		defer close(release)
		store.EXPECT().ConversationMembers(gomock.Any(), conv).DoAndReturn(
			func(context.Context, string) ([]string, error) {
				<-release
				return []string{alice, bob}, nil
			})

		_, err := m.Authorize(context.Background(), alice, conv)
		require.ErrorIs(t, err, ErrGuardUnavailable)
	})
}

func TestManager_AuthorizeReadsMembershipEveryTime(t *testing.T) {
	alice, bob := uuid.NewString(), uuid.NewString()
	conv := uuid.NewString()

	m, store := newManager(t, time.Second)
	gomock.InOrder(
		store.EXPECT().ConversationMembers(gomock.Any(), conv).Return([]string{alice, bob}, nil),
		store.EXPECT().ConversationMembers(gomock.Any(), conv).Return([]string{bob}, nil),
	)

	_, err := m.Authorize(context.Background(), alice, conv)
	require.NoError(t, err)

	_, err = m.Authorize(context.Background(), alice, conv)
	require.ErrorIs(t, err, ErrNotMember)
}

func TestManager_CreateConversation(t *testing.T) {
	alice, bob := uuid.NewString(), uuid.NewString()

	t.Run("creates with distinct members", func(t *testing.T) {
		m, store := newManager(t, time.Second)
		store.EXPECT().CreateConversation(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, c *types.Conversation) error {
				require.Equal(t, []string{alice, bob}, c.MemberIDs)
				require.True(t, types.IsValidConversationID(c.ID))
				return nil
			})

		conversation, err := m.CreateConversation(context.Background(), []string{alice, bob, alice})
		require.NoError(t, err)
		require.Equal(t, []string{alice, bob}, conversation.MemberIDs)
	})

	t.Run("needs two distinct members", func(t *testing.T) {
		m, _ := newManager(t, time.Second)

		_, err := m.CreateConversation(context.Background(), []string{alice, alice})
		require.ErrorIs(t, err, ErrTooFewMembers)
	})

	t.Run("rejects malformed member", func(t *testing.T) {
		m, _ := newManager(t, time.Second)

		_, err := m.CreateConversation(context.Background(), []string{alice, "bob"})
		require.ErrorIs(t, err, ErrInvalidMember)
	})

	t.Run("propagates unknown member", func(t *testing.T) {
		m, store := newManager(t, time.Second)
		store.EXPECT().CreateConversation(gomock.Any(), gomock.Any()).
			Return(fmt.Errorf("%w: unknown member %s", types.ErrNotFound, bob))

		_, err := m.CreateConversation(context.Background(), []string{alice, bob})
		require.ErrorIs(t, err, types.ErrNotFound)
	})
}
