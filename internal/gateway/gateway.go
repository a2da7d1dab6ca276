// Package gateway is the application layer between the WebSocket transport
// and the conversation core. It owns the connection lifecycle, turns client
// events into registry, typing and persistence operations, and publishes the
// resulting events only after the write they describe has committed.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/whisper/convo/internal/ban"
	"github.com/whisper/convo/internal/broadcast"
	"github.com/whisper/convo/internal/chat"
	"github.com/whisper/convo/internal/metrics"
	"github.com/whisper/convo/internal/moderation"
	"github.com/whisper/convo/internal/protocol"
	"github.com/whisper/convo/internal/ratelimit"
	"github.com/whisper/convo/internal/registry"
	"github.com/whisper/convo/internal/store"
	"github.com/whisper/convo/internal/typing"
)

// Store is the persistence service as seen by the gateway.
type Store interface {
	IsActiveParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	CreateMessage(ctx context.Context, in store.NewMessage) (*chat.Message, error)
	ListMessages(ctx context.Context, conversationID string, opts store.ListOptions) ([]chat.Message, error)
	UpdateMessage(ctx context.Context, id, authorID, content string) (*chat.Message, error)
	SoftDeleteMessage(ctx context.Context, id, authorID string) (*chat.Message, error)
	AddParticipant(ctx context.Context, conversationID, userID string) (*chat.Participant, error)
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
}

// Moderator screens message content before it is persisted.
type Moderator interface {
	Check(text string) moderation.Result
}

// Bans tracks posting bans and moderation violations.
type Bans interface {
	Check(ctx context.Context, userID string) (ban.Status, error)
	RecordViolation(ctx context.Context, userID, reason string) (time.Duration, error)
}

// Limiter throttles per-user event rates.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// Presence records which connections are live.
type Presence interface {
	Create(ctx context.Context, connID string, id chat.Identity) error
	Touch(ctx context.Context, connID string) error
	Delete(ctx context.Context, connID string) error
}

// Gateway wires the conversation core together. Moderation, bans, rate
// limiting and presence are optional.
type Gateway struct {
	store    Store
	rooms    *registry.Registry
	router   *broadcast.Router
	typing   *typing.Aggregator
	recent   *chat.RecentBuffer
	filter   Moderator
	bans     Bans
	limiter  Limiter
	presence Presence
	replay   int
	log      *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithModeration screens every new message with m.
func WithModeration(m Moderator) Option {
	return func(g *Gateway) { g.filter = m }
}

// WithBans refuses messages from banned users and records violations.
func WithBans(b Bans) Option {
	return func(g *Gateway) { g.bans = b }
}

// WithLimiter applies ratelimit.RuleMessage and ratelimit.RuleTyping.
func WithLimiter(l Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithPresence records connections in a presence store.
func WithPresence(p Presence) Option {
	return func(g *Gateway) { g.presence = p }
}

// WithReplayLimit sets how many recent messages are replayed after a join.
// Zero disables replay.
func WithReplayLimit(n int) Option {
	return func(g *Gateway) {
		if n >= 0 {
			g.replay = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// New creates a Gateway. It installs itself as the router's delivery
// failure and remote event hooks, so it must be created before the router
// starts listening.
func New(st Store, rooms *registry.Registry, router *broadcast.Router, agg *typing.Aggregator, opts ...Option) *Gateway {
	g := &Gateway{
		store:  st,
		rooms:  rooms,
		router: router,
		typing: agg,
		replay: chat.DefaultRecentMessages,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With("component", "gateway")
	g.recent = chat.NewRecentBuffer(g.replay)

	router.SetDeliveryFailureHook(g.Disconnect)
	router.SetRemoteEventHook(g.applyRemote)
	return g
}

// Connect registers an authenticated connection and returns the queue the
// transport must drain. The first queued event is Connected.
func (g *Gateway) Connect(ctx context.Context, connID string, id chat.Identity) (<-chan []byte, error) {
	c, err := g.rooms.Register(connID, id)
	if err != nil {
		return nil, err
	}
	if g.presence != nil {
		if err := g.presence.Create(ctx, connID, id); err != nil {
			g.log.WarnContext(ctx, "presence create failed", "conn", connID, "err", err)
		}
	}
	if err := c.Send(protocol.MustEncode(protocol.Connected{ConnectionID: connID, UserID: id.UserID})); err != nil {
		g.Disconnect(connID)
		return nil, err
	}
	g.log.InfoContext(ctx, "connected", "conn", connID, "user", id.UserID)
	return c.Outbound(), nil
}

// Disconnect tears a connection down: it leaves every room, its typing
// states are cleared and its presence record is removed. It is safe to call
// more than once and from any exit path.
func (g *Gateway) Disconnect(connID string) {
	c, rooms, ok := g.rooms.Unregister(connID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	g.typing.ClearConnection(ctx, connID)
	if g.presence != nil {
		if err := g.presence.Delete(ctx, connID); err != nil {
			g.log.WarnContext(ctx, "presence delete failed", "conn", connID, "err", err)
		}
	}
	metrics.ActiveRooms.Set(float64(g.rooms.RoomCount()))
	g.log.InfoContext(ctx, "disconnected", "conn", connID, "user", c.Identity.UserID, "rooms", len(rooms))
}

// Reply sends ev to one connection. A connection whose queue rejects it is
// torn down.
func (g *Gateway) Reply(connID string, ev protocol.ServerEvent) {
	c, ok := g.rooms.Get(connID)
	if !ok {
		return
	}
	data, err := protocol.Encode(ev)
	if err != nil {
		g.log.Error("encode reply failed", "event", ev.EventType(), "err", err)
		return
	}
	if err := c.Send(data); err != nil {
		metrics.DeliveryFailures.Inc()
		g.log.Warn("reply failed", "conn", connID, "event", ev.EventType(), "err", err)
		go g.Disconnect(connID)
	}
}

// Recent exposes the replay buffer.
func (g *Gateway) Recent() *chat.RecentBuffer {
	return g.recent
}

// applyRemote keeps instance-local state in step with events committed on
// other instances.
func (g *Gateway) applyRemote(conversationID string, ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case protocol.NewMessage:
		g.recent.Add(e.Message)
	case protocol.MessageUpdated:
		g.recent.Replace(e.Message)
	case protocol.MessageDeleted:
		// The event carries no full record; reload on the next join.
		g.recent.Remove(conversationID)
	case protocol.ParticipantLeft:
		g.evict(context.Background(), conversationID, e.UserID)
	}
}

// evict removes a departed participant's connections from the room.
func (g *Gateway) evict(ctx context.Context, conversationID, userID string) {
	evicted := g.rooms.EvictUser(conversationID, userID)
	g.typing.Stop(ctx, conversationID, userID)
	metrics.ActiveRooms.Set(float64(g.rooms.RoomCount()))
	if len(evicted) > 0 {
		g.log.InfoContext(ctx, "evicted departed participant",
			"conversation", conversationID, "user", userID, "conns", len(evicted))
	}
}
