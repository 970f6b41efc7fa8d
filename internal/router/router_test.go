package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"

	"chatrelay/internal/conversation"
	"chatrelay/internal/delivery"
	"chatrelay/internal/sanitize"
	"chatrelay/internal/testutil"
	"chatrelay/pkg/types"
)

type routerSuite struct {
	suite.Suite
	ctx       context.Context
	store     *testutil.FakeStore
	directory *testutil.FakeDirectory
	router    *Router

	alice, bob, carol string
	conv              string
	aliceConn         *testutil.FakeConnection
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, &routerSuite{})
}

func (s *routerSuite) SetupTest() {
	s.ctx = context.Background()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	s.store = testutil.NewFakeStore()
	s.directory = testutil.NewFakeDirectory()
	s.router = NewRouter(Deps{
		Sanitizer:   sanitize.New(sanitize.DefaultMaxLength, nil),
		RateLimiter: NewRateLimiter(5, 10*time.Second),
		Guard:       conversation.NewManager(s.store, time.Second, log),
		Store:       s.store,
		Delivery:    delivery.NewService(s.store, s.directory, delivery.DefaultBatchThreshold, log),
		Directory:   s.directory,
		Log:         log,
	})

	s.alice = s.store.AddUser()
	s.bob = s.store.AddUser()
	s.carol = s.store.AddUser()
	s.conv = s.store.AddConversation(s.alice, s.bob)

	s.aliceConn = testutil.NewFakeConnection(s.alice)
	s.directory.Add(s.aliceConn)
}

func (s *routerSuite) send(conn *testutil.FakeConnection, conversationID, body, token string) (*types.Message, error) {
	return s.router.SendMessage(s.ctx, conn, types.SendMessageRequest{
		ConversationID:   conversationID,
		Body:             body,
		CorrelationToken: token,
	})
}

func (s *routerSuite) lastRejection(conn *testutil.FakeConnection) types.MessageRejectedPayload {
	events := conn.EventsOfType(types.EventMessageRejected)
	s.Require().NotEmpty(events)
	return events[len(events)-1].Data.(types.MessageRejectedPayload)
}

func (s *routerSuite) TestSendMessage_OnlineRecipient() {
	bobConn := testutil.NewFakeConnection(s.bob)
	s.directory.Add(bobConn)

	message, err := s.send(s.aliceConn, s.conv, "  hello <b>bob</b> ", "t-1")
	s.Require().NoError(err)
	s.Equal("hello bbob/b", message.Body)

	delivered := bobConn.EventsOfType(types.EventMessageDelivered)
	s.Require().Len(delivered, 1)
	s.Equal(message.ID, delivered[0].Data.(types.MessagePayload).MessageID)
	s.NotNil(s.store.DeliveredAt(message.ID, s.bob))

	accepted := s.aliceConn.EventsOfType(types.EventMessageAccepted)
	s.Require().Len(accepted, 1)
	payload := accepted[0].Data.(types.MessageAcceptedPayload)
	s.Equal(message.ID, payload.MessageID)
	s.Equal("t-1", payload.CorrelationToken)
	s.Equal(s.conv, payload.ConversationID)

	// the sender never receives their own message
	s.Empty(s.aliceConn.EventsOfType(types.EventMessageDelivered))
}

func (s *routerSuite) TestSendMessage_OfflineRecipientIsQueued() {
	message, err := s.send(s.aliceConn, s.conv, "are you there?", "t-1")
	s.Require().NoError(err)

	s.Nil(s.store.DeliveredAt(message.ID, s.bob))
	s.Len(s.aliceConn.EventsOfType(types.EventMessageAccepted), 1)

	pending, err := s.store.PendingUndelivered(s.ctx, s.bob)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(message.ID, pending[0].ID)
}

func (s *routerSuite) TestSendMessage_RateLimitRejectsOnlyTheExcess() {
	for i := 1; i <= 5; i++ {
		_, err := s.send(s.aliceConn, s.conv, "burst", "ok")
		s.Require().NoError(err, "message %d", i)
	}

	_, err := s.send(s.aliceConn, s.conv, "one too many", "sixth")
	s.ErrorIs(err, types.ErrRateLimit)

	rejection := s.lastRejection(s.aliceConn)
	s.Equal(types.KindRateLimit, rejection.Reason)
	s.Equal("sixth", rejection.CorrelationToken)
	s.Len(s.aliceConn.EventsOfType(types.EventMessageAccepted), 5)
	s.Equal(5, s.store.MessageCount())
}

func (s *routerSuite) TestSendMessage_NonMemberIsRejectedWithoutInsert() {
	carolConn := testutil.NewFakeConnection(s.carol)

	_, err := s.send(carolConn, s.conv, "let me in", "c-1")
	s.ErrorIs(err, types.ErrAuthorization)

	rejection := s.lastRejection(carolConn)
	s.Equal(types.KindAuthorization, rejection.Reason)
	s.Equal("c-1", rejection.CorrelationToken)
	s.Zero(s.store.InsertCalls)
}

func (s *routerSuite) TestSendMessage_UnknownConversation() {
	_, err := s.send(s.aliceConn, uuid.NewString(), "hello?", "t")
	s.ErrorIs(err, types.ErrNotFound)
	s.Equal(types.KindNotFound, s.lastRejection(s.aliceConn).Reason)
	s.Zero(s.store.InsertCalls)
}

func (s *routerSuite) TestSendMessage_ValidationFailures() {
	tests := []struct {
		name string
		req  types.SendMessageRequest
	}{
		{"empty body", types.SendMessageRequest{ConversationID: s.conv, Body: "   "}},
		{"body only markup", types.SendMessageRequest{ConversationID: s.conv, Body: "<script>x()</script>"}},
		{"body too long", types.SendMessageRequest{ConversationID: s.conv, Body: strings.Repeat("a", 5001)}},
		{"missing conversation", types.SendMessageRequest{Body: "hi"}},
		{"malformed conversation", types.SendMessageRequest{ConversationID: "room-1", Body: "hi"}},
		{"oversized token", types.SendMessageRequest{ConversationID: s.conv, Body: "hi", CorrelationToken: strings.Repeat("t", 129)}},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.aliceConn.Reset()
			_, err := s.router.SendMessage(s.ctx, s.aliceConn, tt.req)
			s.ErrorIs(err, types.ErrValidation)
			s.Equal(types.KindValidation, s.lastRejection(s.aliceConn).Reason)
		})
	}
	s.Zero(s.store.InsertCalls)
}

func (s *routerSuite) TestSendMessage_ValidationRunsBeforeRateLimit() {
	for i := 0; i < 10; i++ {
		_, _ = s.send(s.aliceConn, s.conv, "", "empty")
	}
	_, err := s.send(s.aliceConn, s.conv, "finally", "real")
	s.NoError(err)
}

func (s *routerSuite) TestSendMessage_PersistenceFailureIsGeneric() {
	s.store.InsertErr = errors.New("database is locked")

	_, err := s.send(s.aliceConn, s.conv, "secret body", "p-1")
	s.ErrorIs(err, types.ErrPersistence)

	rejection := s.lastRejection(s.aliceConn)
	s.Equal(types.KindPersistence, rejection.Reason)
	s.Equal("p-1", rejection.CorrelationToken)
	s.NotContains(rejection.Message, "locked")
	s.Empty(s.aliceConn.EventsOfType(types.EventMessageAccepted))
}

func (s *routerSuite) TestSendMessage_UnannouncedConnection() {
	anonymous := testutil.NewFakeConnection("")

	_, err := s.send(anonymous, s.conv, "hi", "a")
	s.ErrorIs(err, types.ErrAuthentication)
	s.Equal(types.KindAuthentication, s.lastRejection(anonymous).Reason)
}

func (s *routerSuite) TestSendMessage_GroupFanOut() {
	group := s.store.AddConversation(s.alice, s.bob, s.carol)
	bobConn := testutil.NewFakeConnection(s.bob)
	s.directory.Add(bobConn)

	message, err := s.send(s.aliceConn, group, "hi both", "g")
	s.Require().NoError(err)

	s.Len(bobConn.EventsOfType(types.EventMessageDelivered), 1)
	s.NotNil(s.store.DeliveredAt(message.ID, s.bob))
	s.Nil(s.store.DeliveredAt(message.ID, s.carol))
}

func (s *routerSuite) TestMarkRead_ExcludesOwnMessages() {
	bobConn := testutil.NewFakeConnection(s.bob)
	s.directory.Add(bobConn)

	fromAlice, err := s.send(s.aliceConn, s.conv, "one", "1")
	s.Require().NoError(err)
	_, err = s.send(s.aliceConn, s.conv, "two", "2")
	s.Require().NoError(err)
	fromBob, err := s.send(bobConn, s.conv, "three", "3")
	s.Require().NoError(err)

	count, err := s.router.MarkRead(s.ctx, bobConn, s.conv)
	s.Require().NoError(err)
	s.Equal(2, count)

	s.NotNil(s.store.ReadAt(fromAlice.ID, s.bob))
	s.Nil(s.store.ReadAt(fromBob.ID, s.alice), "bob's own message is not marked by his call")

	ack := bobConn.EventsOfType(types.EventReadAck)
	s.Require().Len(ack, 1)
	s.Equal(types.ReadAckPayload{ConversationID: s.conv, Count: 2}, ack[0].Data)

	confirmed := s.aliceConn.EventsOfType(types.EventReadConfirmed)
	s.Require().Len(confirmed, 1)
	s.Equal(types.ReadConfirmedPayload{ConversationID: s.conv, ReaderIdentity: s.bob, Count: 2}, confirmed[0].Data)

	// nothing left to mark
	count, err = s.router.MarkRead(s.ctx, bobConn, s.conv)
	s.Require().NoError(err)
	s.Zero(count)
	s.Len(s.aliceConn.EventsOfType(types.EventReadConfirmed), 1)
}

func (s *routerSuite) TestMarkRead_OfflineSenderGetsNoConfirmation() {
	_, err := s.send(s.aliceConn, s.conv, "one", "1")
	s.Require().NoError(err)
	s.directory.Remove(s.alice)

	bobConn := testutil.NewFakeConnection(s.bob)
	count, err := s.router.MarkRead(s.ctx, bobConn, s.conv)
	s.Require().NoError(err)
	s.Equal(1, count)
	s.Empty(s.aliceConn.EventsOfType(types.EventReadConfirmed))
}

func (s *routerSuite) TestMarkRead_NonMember() {
	carolConn := testutil.NewFakeConnection(s.carol)

	_, err := s.router.MarkRead(s.ctx, carolConn, s.conv)
	s.ErrorIs(err, types.ErrAuthorization)
	s.Empty(carolConn.Events())
}

func (s *routerSuite) TestSetTyping() {
	bobConn := testutil.NewFakeConnection(s.bob)
	s.directory.Add(bobConn)

	s.Require().NoError(s.router.SetTyping(s.ctx, s.aliceConn, s.conv, true, false))

	typing := bobConn.EventsOfType(types.EventPeerTyping)
	s.Require().Len(typing, 1)
	s.Equal(types.PeerTypingPayload{ConversationID: s.conv, Identity: s.alice, IsTyping: true}, typing[0].Data)
	s.Empty(s.aliceConn.EventsOfType(types.EventPeerTyping))
}

func (s *routerSuite) TestSetTyping_NonMemberUnsubscribed() {
	bobConn := testutil.NewFakeConnection(s.bob)
	s.directory.Add(bobConn)
	carolConn := testutil.NewFakeConnection(s.carol)

	err := s.router.SetTyping(s.ctx, carolConn, s.conv, true, false)
	s.ErrorIs(err, types.ErrAuthorization)
	s.Empty(bobConn.Events())
}

func (s *routerSuite) TestSetTyping_NobodyOnline() {
	s.NoError(s.router.SetTyping(s.ctx, s.aliceConn, s.conv, false, true))
}
