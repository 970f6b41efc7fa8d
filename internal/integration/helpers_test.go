package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/api"
	"chatrelay/internal/app"
	"chatrelay/internal/config"
	"chatrelay/internal/testutil"
	"chatrelay/pkg/types"
)

const wait = 3 * time.Second

type harness struct {
	t      *testing.T
	app    *app.Application
	server *httptest.Server
	dbPath string
}

// startServer runs the fully wired application against a SQLite file in
// a temporary directory.
func startServer(t *testing.T, dbPath string, configure func(*config.Config)) *harness {
	t.Helper()
	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "chatrelay.db")
	}

	cfg := config.DefaultConfig()
	cfg.Database.Path = dbPath
	cfg.WebSocket.PingInterval = time.Second
	cfg.WebSocket.ReadTimeout = 5 * time.Second
	if configure != nil {
		configure(cfg)
	}

	application, err := app.NewApplication(cfg, logs.GetLoggerFromLevel(slog.LevelDebug))
	require.NoError(t, err)
	require.NoError(t, application.StartBackground(context.Background()))

	h := &harness{
		t:      t,
		app:    application,
		server: httptest.NewServer(application.Handler()),
		dbPath: dbPath,
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	if h.server == nil {
		return
	}
	h.server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.app.Stop(ctx)
	h.server = nil
}

func (h *harness) post(path string, body any, out any) int {
	h.t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(h.t, err)
	resp, err := http.Post(h.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) get(path string, out any) int {
	h.t.Helper()
	resp, err := http.Get(h.server.URL + path)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) createUser(name string) string {
	h.t.Helper()
	var resp api.UserResponse
	require.Equal(h.t, http.StatusCreated, h.post("/api/users", api.CreateUserRequest{DisplayName: name}, &resp))
	return resp.User.ID
}

func (h *harness) createConversation(members ...string) string {
	h.t.Helper()
	var resp api.ConversationResponse
	require.Equal(h.t, http.StatusCreated, h.post("/api/conversations", api.CreateConversationRequest{MemberIDs: members}, &resp))
	return resp.Conversation.ID
}

func (h *harness) dial() *testutil.TestClient {
	h.t.Helper()
	client, err := testutil.Dial(context.Background(), h.server.URL+"/ws")
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = client.Close() })
	return client
}

func (h *harness) connect(identity string) *testutil.TestClient {
	h.t.Helper()
	client := h.dial()
	require.NoError(h.t, client.Announce(identity))
	_, err := client.ReceiveOfType(types.EventAnnounced, wait)
	require.NoError(h.t, err)
	return client
}

func send(t *testing.T, client *testutil.TestClient, conversationID, body, token string) {
	t.Helper()
	require.NoError(t, client.Send(types.EventSendMessage, types.SendMessageRequest{
		ConversationID:   conversationID,
		Body:             body,
		CorrelationToken: token,
	}))
}

func decode[T any](t *testing.T, event testutil.WireEvent) T {
	t.Helper()
	var v T
	require.NoError(t, event.Decode(&v))
	return v
}
