package integration

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/api"
	"chatrelay/internal/config"
	"chatrelay/internal/testutil"
	"chatrelay/pkg/types"
)

func TestConversationRoundTrip(t *testing.T) {
	h := startServer(t, "", nil)
	alice := h.createUser("alice")
	bob := h.createUser("bob")
	conv := h.createConversation(alice, bob)

	aliceClient := h.connect(alice)
	bobClient := h.connect(bob)
	require.NoError(t, aliceClient.Send(types.EventSubscribeConversation, types.SubscribeConversationRequest{ConversationID: conv}))
	require.NoError(t, bobClient.Send(types.EventSubscribeConversation, types.SubscribeConversationRequest{ConversationID: conv}))

	send(t, aliceClient, conv, "hello <script>alert(1)</script>bob", "c-1")

	accepted := decode[types.MessageAcceptedPayload](t, must(t, aliceClient, types.EventMessageAccepted))
	assert.Equal(t, "c-1", accepted.CorrelationToken)

	delivered := decode[types.MessagePayload](t, must(t, bobClient, types.EventMessageDelivered))
	assert.Equal(t, accepted.MessageID, delivered.MessageID)
	assert.Equal(t, "hello bob", delivered.Body)
	assert.Equal(t, alice, delivered.Sender)

	require.NoError(t, bobClient.Send(types.EventTyping, types.TypingRequest{ConversationID: conv, IsTyping: true}))
	typing := decode[types.PeerTypingPayload](t, must(t, aliceClient, types.EventPeerTyping))
	assert.Equal(t, bob, typing.Identity)

	require.NoError(t, bobClient.Send(types.EventMarkRead, types.MarkReadRequest{ConversationID: conv}))
	ack := decode[types.ReadAckPayload](t, must(t, bobClient, types.EventReadAck))
	assert.Equal(t, 1, ack.Count)
	confirmed := decode[types.ReadConfirmedPayload](t, must(t, aliceClient, types.EventReadConfirmed))
	assert.Equal(t, bob, confirmed.ReaderIdentity)
	assert.Equal(t, 1, confirmed.Count)

	// Reading again finds nothing new.
	require.NoError(t, bobClient.Send(types.EventMarkRead, types.MarkReadRequest{ConversationID: conv}))
	ack = decode[types.ReadAckPayload](t, must(t, bobClient, types.EventReadAck))
	assert.Equal(t, 0, ack.Count)
}

func TestOfflineCatchUp(t *testing.T) {
	h := startServer(t, "", nil)
	alice := h.createUser("alice")
	bob := h.createUser("bob")
	conv := h.createConversation(alice, bob)

	aliceClient := h.connect(alice)
	for i := 0; i < 7; i++ {
		send(t, aliceClient, conv, fmt.Sprintf("message %d", i), fmt.Sprintf("t-%d", i))
		must(t, aliceClient, types.EventMessageAccepted)
	}

	bobClient := h.connect(bob)
	batch := decode[types.OfflineBatchPayload](t, must(t, bobClient, types.EventOfflineMessagesBatch))
	require.Len(t, batch.Messages, 7)
	for i, message := range batch.Messages {
		assert.Equal(t, fmt.Sprintf("message %d", i), message.Body)
	}

	// Once handed off, nothing is delivered a second time.
	again := h.connect(bob)
	require.NoError(t, again.ExpectNone(types.EventOfflineMessagesBatch, 300*time.Millisecond))
	require.NoError(t, again.ExpectNone(types.EventOfflineMessage, 100*time.Millisecond))
}

func TestOfflineCatchUpBelowThreshold(t *testing.T) {
	h := startServer(t, "", nil)
	alice := h.createUser("alice")
	bob := h.createUser("bob")
	conv := h.createConversation(alice, bob)

	aliceClient := h.connect(alice)
	for i := 0; i < 3; i++ {
		send(t, aliceClient, conv, fmt.Sprintf("message %d", i), "")
		must(t, aliceClient, types.EventMessageAccepted)
	}

	bobClient := h.connect(bob)
	for i := 0; i < 3; i++ {
		message := decode[types.MessagePayload](t, must(t, bobClient, types.EventOfflineMessage))
		assert.Equal(t, fmt.Sprintf("message %d", i), message.Body)
	}
}

func TestRateLimit(t *testing.T) {
	h := startServer(t, "", func(cfg *config.Config) {
		cfg.Messaging.RateLimit = 5
		cfg.Messaging.RateWindow = 10 * time.Second
	})
	alice := h.createUser("alice")
	bob := h.createUser("bob")
	conv := h.createConversation(alice, bob)

	aliceClient := h.connect(alice)
	for i := 0; i < 5; i++ {
		send(t, aliceClient, conv, "ok", fmt.Sprintf("t-%d", i))
		must(t, aliceClient, types.EventMessageAccepted)
	}

	send(t, aliceClient, conv, "one too many", "t-6")
	rejected := decode[types.MessageRejectedPayload](t, must(t, aliceClient, types.EventMessageRejected))
	assert.Equal(t, types.KindRateLimit, rejected.Reason)
	assert.Equal(t, "t-6", rejected.CorrelationToken)

	// Five pending messages sit at the batch threshold, so they arrive one by one.
	bobClient := h.connect(bob)
	for i := 0; i < 5; i++ {
		must(t, bobClient, types.EventOfflineMessage)
	}
	require.NoError(t, bobClient.ExpectNone(types.EventOfflineMessage, 300*time.Millisecond))
}

func TestNonMemberCannotSend(t *testing.T) {
	h := startServer(t, "", nil)
	alice := h.createUser("alice")
	bob := h.createUser("bob")
	carol := h.createUser("carol")
	conv := h.createConversation(alice, bob)

	carolClient := h.connect(carol)
	send(t, carolClient, conv, "let me in", "x")
	rejected := decode[types.MessageRejectedPayload](t, must(t, carolClient, types.EventMessageRejected))
	assert.Equal(t, types.KindAuthorization, rejected.Reason)
	assert.Equal(t, "x", rejected.CorrelationToken)

	bobClient := h.connect(bob)
	require.NoError(t, bobClient.ExpectNone(types.EventOfflineMessage, 300*time.Millisecond))
}

func TestTakeover(t *testing.T) {
	h := startServer(t, "", nil)
	alice := h.createUser("alice")
	bob := h.createUser("bob")
	conv := h.createConversation(alice, bob)

	first := h.connect(alice)
	second := h.connect(alice)

	must(t, first, types.EventSessionReplaced)
	require.NoError(t, first.WaitClosed(wait))

	var online api.OnlineResponse
	require.Equal(t, http.StatusOK, h.get("/api/online", &online))
	assert.Equal(t, []string{alice}, online.Identities)

	bobClient := h.connect(bob)
	send(t, bobClient, conv, "which one gets this?", "")
	must(t, second, types.EventMessageDelivered)
}

func TestAnnounceUnknownIdentity(t *testing.T) {
	h := startServer(t, "", nil)

	client := h.dial()
	require.NoError(t, client.Announce("00000000-0000-4000-8000-000000000000"))
	authErr := decode[types.AuthErrorPayload](t, must(t, client, types.EventAuthError))
	assert.Equal(t, types.KindAuthentication, authErr.Reason)
	require.NoError(t, client.WaitClosed(wait))
}

func TestConcurrentSendersDeliverOnce(t *testing.T) {
	h := startServer(t, "", func(cfg *config.Config) {
		cfg.Messaging.RateLimit = 100
	})
	alice := h.createUser("alice")
	bob := h.createUser("bob")
	carol := h.createUser("carol")
	conv := h.createConversation(alice, bob, carol)

	clients := map[string]*testutil.TestClient{
		alice: h.connect(alice),
		bob:   h.connect(bob),
		carol: h.connect(carol),
	}

	const perSender = 10
	var wg sync.WaitGroup
	for _, sender := range []string{alice, bob} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				send(t, clients[sender], conv, fmt.Sprintf("%s-%d", sender[:8], i), "")
			}
		}(sender)
	}
	wg.Wait()

	seen := make(map[string]int)
	for i := 0; i < 2*perSender; i++ {
		event := decode[types.MessagePayload](t, must(t, clients[carol], types.EventMessageDelivered))
		seen[event.MessageID]++
	}
	assert.Len(t, seen, 2*perSender)
	for id, count := range seen {
		assert.Equal(t, 1, count, "message %s delivered %d times", id, count)
	}
	require.NoError(t, clients[carol].ExpectNone(types.EventMessageDelivered, 300*time.Millisecond))
}

func TestPendingSurvivesRestart(t *testing.T) {
	h := startServer(t, "", nil)
	alice := h.createUser("alice")
	bob := h.createUser("bob")
	conv := h.createConversation(alice, bob)

	aliceClient := h.connect(alice)
	send(t, aliceClient, conv, "see you later", "")
	must(t, aliceClient, types.EventMessageAccepted)
	h.stop()

	restarted := startServer(t, h.dbPath, nil)
	bobClient := restarted.connect(bob)
	message := decode[types.MessagePayload](t, must(t, bobClient, types.EventOfflineMessage))
	assert.Equal(t, "see you later", message.Body)
}

func TestHealth(t *testing.T) {
	h := startServer(t, "", nil)
	h.connect(h.createUser("alice"))

	var health api.HealthResponse
	require.Equal(t, http.StatusOK, h.get("/health", &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Connections["total_connections"])
}

func must(t *testing.T, client *testutil.TestClient, eventType string) testutil.WireEvent {
	t.Helper()
	event, err := client.ReceiveOfType(eventType, wait)
	require.NoError(t, err)
	return event
}
