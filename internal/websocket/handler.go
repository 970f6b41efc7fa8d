package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

// Dispatcher receives every text frame of a connection, in arrival order,
// from a single goroutine per connection.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *Connection, raw []byte)

	// Disconnected runs once after the last frame of a connection was
	// dispatched.
	Disconnected(ctx context.Context, conn *Connection)
}

// HandlerConfig carries the transport settings of the handler.
type HandlerConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	InboundQueue   int
	MaxFrameBytes  int64
	AllowedOrigins []string
}

// Handler upgrades HTTP requests and runs the read side of each connection.
// Identity is not part of the handshake; clients announce it afterwards.
type Handler struct {
	dispatcher Dispatcher
	config     HandlerConfig
	upgrader   websocket.Upgrader
	log        *slog.Logger

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[string]*Connection
}

// NewHandler creates a handler that feeds frames to dispatcher.
func NewHandler(dispatcher Dispatcher, config HandlerConfig, log *slog.Logger) *Handler {
	h := &Handler{
		dispatcher: dispatcher,
		config:     config,
		log:        log,
		conns:      make(map[string]*Connection),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin accepts every origin when none are configured.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return lo.Contains(h.config.AllowedOrigins, "*") || lo.Contains(h.config.AllowedOrigins, origin)
}

// HandleWebSocket upgrades the request and starts the connection goroutines.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConnection(ws, ConnectionOptions{
		SendBuffer:   h.config.SendBuffer,
		InboundQueue: h.config.InboundQueue,
		WriteTimeout: h.config.WriteTimeout,
	})
	h.log.Debug("Connection opened", "connection", conn.ID(), "remote", r.RemoteAddr)

	h.mu.Lock()
	h.conns[conn.ID()] = conn
	h.mu.Unlock()

	h.wg.Add(2)
	go h.dispatchLoop(conn)
	go h.readLoop(conn)
}

// ServeHTTP makes the handler mountable on any mux.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// Wait blocks until every connection goroutine has exited.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Open returns the number of connections being served.
func (h *Handler) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every open connection, announced or not, and waits for
// their goroutines until ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop owns the read side and the heartbeat of conn. It is the only
// sender on the inbound queue and closes it when the transport goes away.
func (h *Handler) readLoop(conn *Connection) {
	defer h.wg.Done()
	defer close(conn.inbound)

	ws := conn.conn
	if h.config.MaxFrameBytes > 0 {
		ws.SetReadLimit(h.config.MaxFrameBytes)
	}
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		h.log.Warn("Failed to set read deadline", "connection", conn.ID(), "error", err)
		conn.abort()
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Info("WebSocket read error", "connection", conn.ID(), "error", err)
			}
			conn.abort()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		select {
		case conn.inbound <- data:
		case <-conn.Context().Done():
			return
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.config.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.Context().Done():
			return
		}
	}
}

// dispatchLoop hands frames to the dispatcher one at a time, so events of a
// connection are processed in the order they were read.
func (h *Handler) dispatchLoop(conn *Connection) {
	defer h.wg.Done()

	for raw := range conn.inbound {
		h.dispatcher.Dispatch(conn.Context(), conn, raw)
	}

	h.dispatcher.Disconnected(context.Background(), conn)
	_ = conn.Close()
	<-conn.Done()

	h.mu.Lock()
	delete(h.conns, conn.ID())
	h.mu.Unlock()
	h.log.Debug("Connection closed", "connection", conn.ID(), "identity", conn.Identity())
}
