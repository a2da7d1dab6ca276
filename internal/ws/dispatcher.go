package ws

import (
	"context"
	"log/slog"

	"github.com/whisper/convo/internal/chat"
	"github.com/whisper/convo/internal/protocol"
)

// HandlerFunc handles one decoded client event.
type HandlerFunc func(ctx context.Context, conn *Connection, ev protocol.ClientEvent)

// ReplyFunc delivers an event to a single connection.
type ReplyFunc func(connID string, ev protocol.ServerEvent)

// MessageDispatcher decodes inbound frames and routes each event to the
// handler registered for its type. Pings are answered here; malformed or
// unsupported events get an error event back on the same connection.
type MessageDispatcher struct {
	handlers map[string]HandlerFunc
	reply    ReplyFunc
	log      *slog.Logger
}

// NewMessageDispatcher creates a dispatcher replying through reply.
func NewMessageDispatcher(reply ReplyFunc, logger *slog.Logger) *MessageDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageDispatcher{
		handlers: make(map[string]HandlerFunc),
		reply:    reply,
		log:      logger.With("component", "dispatcher"),
	}
}

// Register sets the handler for an event type, replacing any previous one.
func (d *MessageDispatcher) Register(eventType string, h HandlerFunc) {
	d.handlers[eventType] = h
}

// Dispatch is the server's message callback.
func (d *MessageDispatcher) Dispatch(ctx context.Context, conn *Connection, data []byte) {
	ev, err := protocol.ParseClientEvent(data)
	if err != nil {
		d.log.DebugContext(ctx, "rejected frame", "conn", conn.ID, "err", err)
		d.reply(conn.ID, protocol.ErrorFrom(err, "", ""))
		return
	}

	if _, ok := ev.(protocol.Ping); ok {
		conn.Touch()
		d.reply(conn.ID, protocol.Pong{})
		return
	}

	h, ok := d.handlers[ev.EventType()]
	if !ok {
		d.log.WarnContext(ctx, "unsupported event", "type", ev.EventType(), "conn", conn.ID)
		d.reply(conn.ID, protocol.ErrorFrom(chat.NewError(chat.CodeInvalidInput, "unsupported event type", nil), "", ""))
		return
	}
	h(ctx, conn, ev)
}
