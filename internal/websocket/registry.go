package websocket

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

const registryShards = 32

var _ interfaces.SessionDirectory = (*Registry)(nil)

// Registry maps each identity to the one connection currently serving it.
// Identities are spread over shards so registrations for different
// identities do not contend.
type Registry struct {
	shards [registryShards]registryShard
	log    *slog.Logger
}

type registryShard struct {
	// presence is held from the table update until the presence event has
	// been queued, so peers see an identity's transitions in order.
	presence sync.Mutex
	mu       sync.RWMutex
	sessions map[string]interfaces.Connection
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{log: log}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]interfaces.Connection)
	}
	return r
}

func (r *Registry) shard(identity string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return &r.shards[h.Sum32()%registryShards]
}

// Register makes conn the live session of its identity and returns the
// connection it replaced, if any. The replaced connection is told why and
// closed asynchronously once it is no longer reachable through the table.
// Registering the connection that is already live is a no-op.
func (r *Registry) Register(conn interfaces.Connection) (interfaces.Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	identity := conn.Identity()
	if identity == "" {
		return nil, ErrConnectionNotAnnounced
	}

	s := r.shard(identity)
	s.presence.Lock()
	defer s.presence.Unlock()

	s.mu.Lock()
	existing, exists := s.sessions[identity]
	if exists && existing.ID() == conn.ID() {
		s.mu.Unlock()
		return nil, nil
	}
	s.sessions[identity] = conn
	s.mu.Unlock()

	if exists {
		r.log.Info("Session replaced",
			"identity", types.ShortID(identity),
			"old_connection", existing.ID(),
			"new_connection", conn.ID())
		_ = existing.WriteJSON(types.NewEvent(types.EventSessionReplaced, nil))
		go func() {
			if err := existing.Close(); err != nil {
				r.log.Warn("Failed to close replaced connection", "connection", existing.ID(), "error", err)
			}
		}()
		return existing, nil
	}

	r.broadcastPresence(identity, true)
	return nil, nil
}

// Unregister removes conn only if it is still the live session of its
// identity. It reports whether an entry was removed, so a connection that
// was already replaced cannot evict its successor.
func (r *Registry) Unregister(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}
	identity := conn.Identity()
	if identity == "" {
		return false
	}

	s := r.shard(identity)
	s.presence.Lock()
	defer s.presence.Unlock()

	s.mu.Lock()
	existing, exists := s.sessions[identity]
	if !exists || existing.ID() != conn.ID() {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, identity)
	s.mu.Unlock()

	r.broadcastPresence(identity, false)
	return true
}

// Lookup returns the live connection of identity.
func (r *Registry) Lookup(identity string) (interfaces.Connection, bool) {
	s := r.shard(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.sessions[identity]
	return conn, ok
}

// ListOnline returns the online identities except excluding, sorted.
func (r *Registry) ListOnline(excluding string) []string {
	online := make([]string, 0)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for identity := range s.sessions {
			if identity != excluding {
				online = append(online, identity)
			}
		}
		s.mu.RUnlock()
	}
	sort.Strings(online)
	return online
}

// Broadcast writes event to the live sessions of identities.
func (r *Registry) Broadcast(identities []string, event interface{}) int {
	sent := 0
	for _, identity := range lo.Uniq(identities) {
		conn, ok := r.Lookup(identity)
		if !ok {
			continue
		}
		if err := conn.WriteJSON(event); err != nil {
			r.log.Debug("Broadcast write failed", "identity", types.ShortID(identity), "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (r *Registry) broadcastPresence(identity string, online bool) {
	event := types.NewEvent(types.EventPresence, types.PresencePayload{Identity: identity, Online: online})
	r.Broadcast(r.ListOnline(identity), event)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		total += len(s.sessions)
		s.mu.RUnlock()
	}
	return total
}

// Snapshot lists the live sessions, sorted by identity.
func (r *Registry) Snapshot() []types.Session {
	sessions := make([]types.Session, 0)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for identity, conn := range s.sessions {
			session := types.Session{Identity: identity, ConnectionID: conn.ID()}
			if c, ok := conn.(*Connection); ok {
				session.ConnectedAt = c.ConnectedAt()
			}
			sessions = append(sessions, session)
		}
		s.mu.RUnlock()
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Identity < sessions[j].Identity })
	return sessions
}

// CloseAll closes every live session and empties the table.
func (r *Registry) CloseAll() int {
	var conns []interfaces.Connection
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		conns = append(conns, lo.Values(s.sessions)...)
		s.sessions = make(map[string]interfaces.Connection)
		s.mu.Unlock()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}

// Stats returns registry statistics for monitoring.
func (r *Registry) Stats() map[string]int {
	return map[string]int{
		"total_connections": r.Count(),
		"shards":            registryShards,
	}
}
