// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

var _ interfaces.Connection = (*FakeConnection)(nil)

// ErrFakeClosed is returned by writes on a closed FakeConnection.
var ErrFakeClosed = errors.New("fake connection closed")

// FakeConnection records every event written to it.
type FakeConnection struct {
	id       string
	identity string

	mu         sync.Mutex
	events     []types.Event
	closed     bool
	FailWrites bool
}

// NewFakeConnection returns an open connection bound to identity.
func NewFakeConnection(identity string) *FakeConnection {
	return &FakeConnection{id: uuid.NewString(), identity: identity}
}

func (c *FakeConnection) ID() string       { return c.id }
func (c *FakeConnection) Identity() string { return c.identity }

func (c *FakeConnection) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrFakeClosed
	}
	if c.FailWrites {
		return errors.New("write failed")
	}
	if event, ok := v.(types.Event); ok {
		c.events = append(c.events, event)
	}
	return nil
}

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *FakeConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns a copy of everything written so far.
func (c *FakeConnection) Events() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Event(nil), c.events...)
}

// EventsOfType filters the recorded events by type.
func (c *FakeConnection) EventsOfType(eventType string) []types.Event {
	return lo.Filter(c.Events(), func(e types.Event, _ int) bool {
		return e.Type == eventType
	})
}

// Types lists the types of the recorded events in order.
func (c *FakeConnection) Types() []string {
	return lo.Map(c.Events(), func(e types.Event, _ int) string { return e.Type })
}

// Reset forgets recorded events.
func (c *FakeConnection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

var _ interfaces.SessionDirectory = (*FakeDirectory)(nil)

// FakeDirectory is a map-backed SessionDirectory.
type FakeDirectory struct {
	mu    sync.RWMutex
	conns map[string]interfaces.Connection
}

func NewFakeDirectory(conns ...interfaces.Connection) *FakeDirectory {
	d := &FakeDirectory{conns: make(map[string]interfaces.Connection)}
	for _, conn := range conns {
		d.Add(conn)
	}
	return d
}

func (d *FakeDirectory) Add(conn interfaces.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[conn.Identity()] = conn
}

func (d *FakeDirectory) Remove(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, identity)
}

func (d *FakeDirectory) Lookup(identity string) (interfaces.Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conn, ok := d.conns[identity]
	return conn, ok
}

func (d *FakeDirectory) ListOnline(excluding string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.Without(lo.Keys(d.conns), excluding)
}

func (d *FakeDirectory) Broadcast(identities []string, event interface{}) int {
	sent := 0
	for _, identity := range identities {
		if conn, ok := d.Lookup(identity); ok {
			if conn.WriteJSON(event) == nil {
				sent++
			}
		}
	}
	return sent
}
