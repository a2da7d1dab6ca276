// Package registry tracks live connections and the conversation rooms they
// have joined. Each connection owns a bounded outbound queue that the
// transport drains; the registry closes it exactly once on Unregister, which
// is the only way a connection leaves every room at once.
//
// Lock order is registry -> room -> connection. Membership changes hold the
// registry write lock, so a broadcast (registry read lock) never observes a
// connection halfway through teardown.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"github.com/whisper/convo/internal/chat"
)

// DefaultQueueSize is the outbound queue depth per connection.
const DefaultQueueSize = 256

// MembershipChecker answers whether a user may join a conversation's room.
type MembershipChecker interface {
	IsActiveParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Conn is a registered connection.
type Conn struct {
	ID       string
	Identity chat.Identity

	mu     sync.Mutex
	closed bool
	rooms  map[string]struct{}
	out    chan []byte
}

// Outbound is the connection's event queue. It is closed when the connection
// is unregistered.
func (c *Conn) Outbound() <-chan []byte {
	return c.out
}

// Send enqueues data for this connection only. It never blocks; a full or
// closed queue is a delivery_failure.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return chat.NewError(chat.CodeDeliveryFailure, "connection closed", nil)
	}
	select {
	case c.out <- data:
		return nil
	default:
		return chat.NewError(chat.CodeDeliveryFailure, "outbound queue full", nil)
	}
}

// Rooms returns the conversations this connection has joined.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Keys(c.rooms)
}

// Closed reports whether the connection has been unregistered.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type room struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// Registry is the connection registry. The zero value is not usable; call
// New.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	rooms     map[string]*room
	members   MembershipChecker
	queueSize int
	log       *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithQueueSize sets the per-connection outbound queue depth.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New creates an empty registry that authorizes joins through members.
func New(members MembershipChecker, opts ...Option) *Registry {
	r := &Registry{
		conns:     make(map[string]*Conn),
		rooms:     make(map[string]*room),
		members:   members,
		queueSize: DefaultQueueSize,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "registry")
	return r
}

// Register adds a connection for an authenticated identity.
func (r *Registry) Register(connID string, id chat.Identity) (*Conn, error) {
	if !id.Valid() {
		return nil, chat.NewError(chat.CodeUnauthenticated, "connection has no identity", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[connID]; exists {
		return nil, fmt.Errorf("registry: connection %s already registered", connID)
	}
	c := &Conn{
		ID:       connID,
		Identity: id,
		rooms:    make(map[string]struct{}),
		out:      make(chan []byte, r.queueSize),
	}
	r.conns[connID] = c
	r.log.Debug("connection registered", "conn", connID, "user", id.UserID)
	return c, nil
}

// Get returns a registered connection.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// Join adds the connection to a conversation's room after checking that its
// identity is an active participant. Joining twice is a no-op.
func (r *Registry) Join(ctx context.Context, connID, conversationID string) error {
	c, ok := r.Get(connID)
	if !ok {
		return chat.NewError(chat.CodeNotFound, "connection not registered", nil)
	}

	// Membership is checked outside the locks; it may hit the database.
	active, err := r.members.IsActiveParticipant(ctx, conversationID, c.Identity.UserID)
	if err != nil {
		return fmt.Errorf("registry: join %s: %w", conversationID, err)
	}
	if !active {
		return chat.NewError(chat.CodeForbidden, "not a participant of this conversation", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// The connection may have been unregistered while we were checking.
	if cur, ok := r.conns[connID]; !ok || cur != c {
		return chat.NewError(chat.CodeNotFound, "connection not registered", nil)
	}

	rm, ok := r.rooms[conversationID]
	if !ok {
		rm = &room{conns: make(map[string]*Conn)}
		r.rooms[conversationID] = rm
	}
	rm.mu.Lock()
	rm.conns[connID] = c
	rm.mu.Unlock()

	c.mu.Lock()
	c.rooms[conversationID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Leave removes the connection from a room. Leaving a room the connection is
// not in is a no-op.
func (r *Registry) Leave(connID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return
	}
	r.removeFromRoomLocked(c, conversationID)
}

// Unregister removes the connection from every room and closes its outbound
// queue. It returns the connection as it was at removal so the caller can
// clear state keyed by it; ok is false when the connection was already gone.
func (r *Registry) Unregister(connID string) (c *Conn, rooms []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok = r.conns[connID]
	if !ok {
		return nil, nil, false
	}
	delete(r.conns, connID)

	rooms = c.Rooms()
	for _, conversationID := range rooms {
		r.removeFromRoomLocked(c, conversationID)
	}

	c.mu.Lock()
	c.closed = true
	close(c.out)
	c.mu.Unlock()

	r.log.Debug("connection unregistered", "conn", connID, "rooms", len(rooms))
	return c, rooms, true
}

// EvictUser removes every connection of userID from a room, e.g. after the
// user left the conversation. It returns the evicted connection ids.
func (r *Registry) EvictUser(conversationID, userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[conversationID]
	if !ok {
		return nil
	}
	rm.mu.RLock()
	victims := lo.Filter(lo.Values(rm.conns), func(c *Conn, _ int) bool {
		return c.Identity.UserID == userID
	})
	rm.mu.RUnlock()

	for _, c := range victims {
		r.removeFromRoomLocked(c, conversationID)
	}
	return lo.Map(victims, func(c *Conn, _ int) string { return c.ID })
}

// removeFromRoomLocked requires r.mu held for writing. Empty rooms are
// pruned.
func (r *Registry) removeFromRoomLocked(c *Conn, conversationID string) {
	if rm, ok := r.rooms[conversationID]; ok {
		rm.mu.Lock()
		delete(rm.conns, c.ID)
		empty := len(rm.conns) == 0
		rm.mu.Unlock()
		if empty {
			delete(r.rooms, conversationID)
		}
	}
	c.mu.Lock()
	delete(c.rooms, conversationID)
	c.mu.Unlock()
}

// Broadcast enqueues data on every connection in the room without blocking.
// Delivery is attempted to all members; the ids whose enqueue failed are
// returned.
func (r *Registry) Broadcast(conversationID string, data []byte) (delivered int, failed []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[conversationID]
	if !ok {
		return 0, nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	for id, c := range rm.conns {
		if err := c.Send(data); err != nil {
			failed = append(failed, id)
			continue
		}
		delivered++
	}
	return delivered, failed
}

// Members returns the connection ids joined to a room.
func (r *Registry) Members(conversationID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[conversationID]
	if !ok {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return lo.Keys(rm.conns)
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.conns)
}
