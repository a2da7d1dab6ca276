// Package broadcast pushes committed conversation events to every connection
// joined to the conversation's room, locally and, when a bus is configured,
// on every other server instance.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/whisper/convo/internal/metrics"
	"github.com/whisper/convo/internal/protocol"
)

// Rooms delivers encoded events to the local members of a room.
type Rooms interface {
	Broadcast(conversationID string, data []byte) (delivered int, failed []string)
}

// Bus carries encoded events between server instances.
type Bus interface {
	PublishRoomEvent(conversationID string, event []byte) error
	SubscribeRoomEvents(handler func(conversationID string, event []byte)) error
}

// Router is the broadcast router. Publish must only be called after the
// write that produced the event has committed.
type Router struct {
	rooms     Rooms
	bus       Bus
	onFailure func(connID string)
	onRemote  func(conversationID string, ev protocol.ServerEvent)
	log       *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithBus enables cross-instance fan-out.
func WithBus(b Bus) Option {
	return func(r *Router) { r.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// New creates a Router delivering through rooms.
func New(rooms Rooms, opts ...Option) *Router {
	r := &Router{rooms: rooms, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "broadcast")
	return r
}

// SetDeliveryFailureHook sets the hook that tears down a connection whose
// outbound queue rejected an event. The hook runs on its own goroutine. It
// must be called before the router is used.
func (r *Router) SetDeliveryFailureHook(fn func(connID string)) {
	r.onFailure = fn
}

// SetRemoteEventHook sets a hook that observes every event received from
// another instance after it has been delivered locally, so instance-local
// state can follow. It must be called before Listen.
func (r *Router) SetRemoteEventHook(fn func(conversationID string, ev protocol.ServerEvent)) {
	r.onRemote = fn
}

// Publish delivers ev to every connection joined to the conversation,
// including other connections of the event's author. Per-connection failures
// are logged and handed to the failure hook; they never surface here. The
// only error is an event that cannot be encoded.
func (r *Router) Publish(ctx context.Context, conversationID string, ev protocol.ServerEvent) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return fmt.Errorf("broadcast: encode %s: %w", ev.EventType(), err)
	}
	metrics.EventsPublished.WithLabelValues(ev.EventType()).Inc()

	r.deliver(ctx, conversationID, data)

	if r.bus != nil {
		if err := r.bus.PublishRoomEvent(conversationID, data); err != nil {
			r.log.WarnContext(ctx, "bus publish failed",
				"conversation", conversationID, "event", ev.EventType(), "err", err)
		}
	}
	return nil
}

// Listen subscribes to events published by other instances and delivers
// them to local rooms. It is a no-op without a bus.
func (r *Router) Listen() error {
	if r.bus == nil {
		return nil
	}
	return r.bus.SubscribeRoomEvents(func(conversationID string, event []byte) {
		ctx := context.Background()
		r.deliver(ctx, conversationID, event)
		if r.onRemote == nil {
			return
		}
		ev, err := protocol.ParseServerEvent(event)
		if err != nil {
			r.log.WarnContext(ctx, "undecodable remote event", "conversation", conversationID, "err", err)
			return
		}
		r.onRemote(conversationID, ev)
	})
}

func (r *Router) deliver(ctx context.Context, conversationID string, data []byte) {
	delivered, failed := r.rooms.Broadcast(conversationID, data)
	if len(failed) == 0 {
		return
	}

	metrics.DeliveryFailures.Add(float64(len(failed)))
	r.log.WarnContext(ctx, "delivery failed",
		"conversation", conversationID, "delivered", delivered, "failed", len(failed))
	if r.onFailure == nil {
		return
	}
	for _, connID := range failed {
		go r.onFailure(connID)
	}
}
