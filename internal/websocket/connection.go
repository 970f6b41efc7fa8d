package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/pkg/interfaces"
)

var _ interfaces.Connection = (*Connection)(nil)

// Connection wraps one websocket. All frames are written by a single writer
// goroutine fed by a bounded queue; the identity is bound at most once.
type Connection struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan []byte
	inbound      chan []byte
	writeTimeout time.Duration
	connectedAt  time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.RWMutex
	identity      string
	subscriptions map[string]struct{}
}

// ConnectionOptions sizes the queues of a connection.
type ConnectionOptions struct {
	SendBuffer   int
	InboundQueue int
	WriteTimeout time.Duration
}

// NewConnection wraps conn and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, opts ConnectionOptions) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:            uuid.NewString(),
		conn:          conn,
		writeCh:       make(chan []byte, opts.SendBuffer),
		inbound:       make(chan []byte, opts.InboundQueue),
		writeTimeout:  opts.WriteTimeout,
		connectedAt:   time.Now().UTC(),
		ctx:           ctx,
		cancel:        cancel,
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
	}

	go c.writeLoop()

	return c
}

// writeLoop owns every data frame written to the socket. On Close it
// flushes what is already queued, sends a close frame and closes the socket.
func (c *Connection) writeLoop() {
	defer close(c.done)
	defer c.cancel()
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				return
			}

		case <-c.closing:
			for {
				select {
				case data := <-c.writeCh:
					if err := c.write(data); err != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(c.writeTimeout))
					return
				}
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON queues v for the writer. It fails once the connection is
// closing or when the queue stays full for the write timeout.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.closing:
		return ErrConnectionClosed
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.closing:
		return ErrConnectionClosed
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close starts a graceful close and returns immediately. Frames queued
// before the call are still written. Use Done to wait for the socket.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	return nil
}

// abort tears the socket down without flushing.
func (c *Connection) abort() {
	c.Close()
	c.cancel()
}

// Done is closed once the socket has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Context is cancelled when the connection goes away.
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Identity returns the announced identity, empty until Bind succeeds.
func (c *Connection) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Bind attaches identity to the connection. It reports whether the
// identity was newly bound; binding the same identity again is a no-op and
// binding a different one fails with ErrAlreadyBound.
func (c *Connection) Bind(identity string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.identity {
	case "":
		c.identity = identity
		return true, nil
	case identity:
		return false, nil
	default:
		return false, ErrAlreadyBound
	}
}

// Subscribe records that the connection passed the guard for a
// conversation.
func (c *Connection) Subscribe(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[conversationID] = struct{}{}
}

func (c *Connection) IsSubscribed(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[conversationID]
	return ok
}
