package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/whisper/convo/internal/chat"
	"github.com/whisper/convo/internal/metrics"
	"github.com/whisper/convo/internal/protocol"
	"github.com/whisper/convo/internal/ratelimit"
	"github.com/whisper/convo/internal/registry"
	"github.com/whisper/convo/internal/store"
	"github.com/whisper/convo/internal/ws"
)

// Register installs a handler for every client event on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinConversation, g.touched(g.handleJoin))
	d.Register(protocol.TypeLeaveConversation, g.touched(g.handleLeave))
	d.Register(protocol.TypeTypingStart, g.touched(g.handleTypingStart))
	d.Register(protocol.TypeTypingStop, g.touched(g.handleTypingStop))
	d.Register(protocol.TypeMessageCreated, g.touched(g.handleMessageCreated))
}

// touched refreshes the connection's presence record before h runs.
func (g *Gateway) touched(h ws.HandlerFunc) ws.HandlerFunc {
	if g.presence == nil {
		return h
	}
	return func(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) {
		if err := g.presence.Touch(ctx, conn.ID); err != nil {
			g.log.DebugContext(ctx, "presence touch failed", "conn", conn.ID, "err", err)
		}
		h(ctx, conn, ev)
	}
}

// ---------------------------------------------------------------------------
// join_conversation / leave_conversation
// ---------------------------------------------------------------------------

func (g *Gateway) handleJoin(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) {
	join, ok := ev.(protocol.JoinConversation)
	if !ok {
		return
	}
	conv := join.ConversationID

	if err := g.rooms.Join(ctx, conn.ID, conv); err != nil {
		g.log.InfoContext(ctx, "join refused", "conn", conn.ID, "conversation", conv, "err", err)
		g.Reply(conn.ID, protocol.ErrorFrom(err, conv, ""))
		g.Reply(conn.ID, protocol.JoinedConversation{ConversationID: conv, Success: false})
		return
	}
	metrics.ActiveRooms.Set(float64(g.rooms.RoomCount()))
	g.Reply(conn.ID, protocol.JoinedConversation{ConversationID: conv, Success: true})

	if c, ok := g.rooms.Get(conn.ID); ok {
		g.replayTo(ctx, c, conv)
	}
}

// replayTo sends the conversation's recent messages to one connection. The
// buffer is seeded from the store on first use. Messages that also arrive
// live are deduplicated by id on the client.
func (g *Gateway) replayTo(ctx context.Context, c *registry.Conn, conv string) {
	if g.replay == 0 {
		return
	}
	if !g.recent.Loaded(conv) {
		history, err := g.store.ListMessages(ctx, conv, store.ListOptions{Limit: g.replay})
		if err != nil {
			g.log.WarnContext(ctx, "load history failed", "conversation", conv, "err", err)
			return
		}
		g.recent.Load(conv, history)
	}

	for _, m := range g.recent.Get(conv) {
		data, err := protocol.Encode(protocol.NewMessage{ConversationID: conv, Message: m})
		if err != nil {
			g.log.ErrorContext(ctx, "encode replay failed", "message", m.ID, "err", err)
			continue
		}
		if err := c.Send(data); err != nil {
			metrics.DeliveryFailures.Inc()
			g.log.WarnContext(ctx, "replay failed", "conn", c.ID, "err", err)
			go g.Disconnect(c.ID)
			return
		}
	}
}

func (g *Gateway) handleLeave(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) {
	leave, ok := ev.(protocol.LeaveConversation)
	if !ok {
		return
	}
	g.rooms.Leave(conn.ID, leave.ConversationID)
	g.typing.Stop(ctx, leave.ConversationID, conn.Identity.UserID)
	metrics.ActiveRooms.Set(float64(g.rooms.RoomCount()))
	g.Reply(conn.ID, protocol.LeftConversation{ConversationID: leave.ConversationID, Success: true})
}

// ---------------------------------------------------------------------------
// typing_start / typing_stop
// ---------------------------------------------------------------------------

func (g *Gateway) handleTypingStart(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) {
	start, ok := ev.(protocol.TypingStart)
	if !ok {
		return
	}
	// Typing is only meaningful to a room the connection has joined.
	c, ok := g.rooms.Get(conn.ID)
	if !ok || !lo.Contains(c.Rooms(), start.ConversationID) {
		g.Reply(conn.ID, protocol.ErrorFrom(
			chat.NewError(chat.CodeForbidden, "not joined to conversation", nil), start.ConversationID, ""))
		return
	}
	// Over-limit typing events are dropped silently.
	if !g.allow(ctx, conn.Identity.UserID, ratelimit.RuleTyping) {
		return
	}
	g.typing.Start(ctx, start.ConversationID, conn.Identity, conn.ID)
}

func (g *Gateway) handleTypingStop(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) {
	stop, ok := ev.(protocol.TypingStop)
	if !ok {
		return
	}
	g.typing.Stop(ctx, stop.ConversationID, conn.Identity.UserID)
}

// ---------------------------------------------------------------------------
// message_created
// ---------------------------------------------------------------------------

func (g *Gateway) handleMessageCreated(ctx context.Context, conn *ws.Connection, ev protocol.ClientEvent) {
	in, ok := ev.(protocol.MessageCreated)
	if !ok {
		return
	}
	start := time.Now()

	msg, err := g.createMessage(ctx, conn.Identity, in)
	if err != nil {
		g.log.InfoContext(ctx, "message rejected",
			"conn", conn.ID, "conversation", in.ConversationID, "code", chat.CodeOf(err), "err", err)
		g.Reply(conn.ID, protocol.ErrorFrom(err, in.ConversationID, in.ClientMsgID))
		return
	}

	// The sender's other connections converge through the same broadcast.
	if err := g.router.Publish(ctx, msg.ConversationID, protocol.NewMessage{
		ConversationID: msg.ConversationID,
		Message:        *msg,
	}); err != nil {
		g.log.ErrorContext(ctx, "publish new message failed", "message", msg.ID, "err", err)
	}

	metrics.MessagesTotal.WithLabelValues("created").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
}

// createMessage runs the write path up to and including the commit. Nothing
// is published unless it returns a message.
func (g *Gateway) createMessage(ctx context.Context, id chat.Identity, in protocol.MessageCreated) (*chat.Message, error) {
	typ, err := chat.ParseMessageType(in.MessageType)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := chat.ValidateContent(in.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if !g.allow(ctx, id.UserID, ratelimit.RuleMessage) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, chat.NewError(chat.CodeRateLimited, g.throttled(ctx, id.UserID, ratelimit.RuleMessage), nil)
	}
	if err := g.checkBan(ctx, id.UserID); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := g.screen(ctx, id.UserID, in.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		return nil, err
	}

	msg, err := g.store.CreateMessage(ctx, store.NewMessage{
		ConversationID: in.ConversationID,
		AuthorID:       id.UserID,
		Content:        in.Content,
		Type:           typ,
		ReplyToID:      in.ReplyToID,
	})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	g.typing.Stop(ctx, msg.ConversationID, id.UserID)
	g.recent.Add(*msg)
	return msg, nil
}

// allow applies a rate limit rule. Limiter errors let the event through.
func (g *Gateway) allow(ctx context.Context, userID string, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ok, err := g.limiter.Allow(ctx, userID, rule)
	if err != nil {
		g.log.WarnContext(ctx, "rate limit check failed", "user", userID, "rule", rule.Key, "err", err)
		return true
	}
	return ok
}

// throttled builds the rate limit reason, with a retry hint when the window
// end is known.
func (g *Gateway) throttled(ctx context.Context, userID string, rule ratelimit.Rule) string {
	const reason = "too many messages, slow down"
	wait, err := g.limiter.RetryAfter(ctx, userID, rule)
	if err != nil || wait <= 0 {
		return reason
	}
	return fmt.Sprintf("%s, retry in %ds", reason, ratelimit.Seconds(wait))
}

func (g *Gateway) checkBan(ctx context.Context, userID string) error {
	if g.bans == nil {
		return nil
	}
	status, err := g.bans.Check(ctx, userID)
	if err != nil {
		g.log.WarnContext(ctx, "ban check failed", "user", userID, "err", err)
		return nil
	}
	if status.Banned {
		return chat.NewError(chat.CodeForbidden, "posting suspended: "+status.Reason, nil)
	}
	return nil
}

// screen runs the moderation filter and records a violation for blocked
// content.
func (g *Gateway) screen(ctx context.Context, userID, content string) error {
	if g.filter == nil {
		return nil
	}
	res := g.filter.Check(content)
	if !res.Blocked {
		return nil
	}
	if g.bans != nil {
		banned, err := g.bans.RecordViolation(ctx, userID, res.Reason)
		switch {
		case err != nil:
			g.log.WarnContext(ctx, "record violation failed", "user", userID, "err", err)
		case banned > 0:
			g.log.InfoContext(ctx, "user auto-banned", "user", userID, "duration", banned, "reason", res.Reason)
		}
	}
	return chat.NewError(chat.CodeInvalidInput, "message blocked by moderation", nil)
}
