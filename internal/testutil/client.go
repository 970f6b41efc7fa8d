package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/pkg/types"
)

// WireEvent is a server event as a client decodes it.
type WireEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload of the event into v.
func (e WireEvent) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// ErrClientClosed is returned once the server closed the connection.
var ErrClientClosed = errors.New("client disconnected")

// TestClient is a websocket client that collects server events.
type TestClient struct {
	conn   *websocket.Conn
	events chan WireEvent
	done   chan struct{}

	mu       sync.Mutex
	closeErr error
}

// Dial connects to the websocket endpoint of serverURL (http or ws scheme).
func Dial(ctx context.Context, serverURL string) (*TestClient, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &TestClient{
		conn:   conn,
		events: make(chan WireEvent, 256),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *TestClient) readLoop() {
	defer close(c.done)
	for {
		var event WireEvent
		if err := c.conn.ReadJSON(&event); err != nil {
			c.mu.Lock()
			c.closeErr = err
			c.mu.Unlock()
			return
		}
		c.events <- event
	}
}

// Send writes a client event.
func (c *TestClient) Send(eventType string, data any) error {
	return c.send(map[string]any{"type": eventType, "data": data})
}

// SendAs writes a client event that claims userID.
func (c *TestClient) SendAs(userID, eventType string, data any) error {
	return c.send(map[string]any{"type": eventType, "data": data, "user_id": userID})
}

// SendRaw writes a text frame as is.
func (c *TestClient) SendRaw(frame string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *TestClient) send(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

// Announce sends announce-identity.
func (c *TestClient) Announce(identity string) error {
	return c.Send(types.EventAnnounceIdentity, types.AnnounceIdentityRequest{Identity: identity})
}

// Receive waits for the next event.
func (c *TestClient) Receive(timeout time.Duration) (WireEvent, error) {
	select {
	case event := <-c.events:
		return event, nil
	case <-time.After(timeout):
		return WireEvent{}, fmt.Errorf("timeout waiting for event")
	case <-c.done:
		select {
		case event := <-c.events:
			return event, nil
		default:
			return WireEvent{}, ErrClientClosed
		}
	}
}

// ReceiveOfType waits for an event of eventType, discarding others.
func (c *TestClient) ReceiveOfType(eventType string, timeout time.Duration) (WireEvent, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return WireEvent{}, fmt.Errorf("timeout waiting for %s", eventType)
		}
		event, err := c.Receive(remaining)
		if err != nil {
			return WireEvent{}, fmt.Errorf("waiting for %s: %w", eventType, err)
		}
		if event.Type == eventType {
			return event, nil
		}
	}
}

// ExpectNone reports an error if an event of eventType arrives within wait.
func (c *TestClient) ExpectNone(eventType string, wait time.Duration) error {
	event, err := c.ReceiveOfType(eventType, wait)
	if err == nil {
		return fmt.Errorf("unexpected %s event: %s", eventType, event.Data)
	}
	return nil
}

// WaitClosed waits until the server closed the connection.
func (c *TestClient) WaitClosed(timeout time.Duration) error {
	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("connection still open after %s", timeout)
	}
}

// CloseError returns the error that ended the read loop.
func (c *TestClient) CloseError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close closes the client side of the connection.
func (c *TestClient) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
