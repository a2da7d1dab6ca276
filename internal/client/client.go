// Package client is a WebSocket chat client. It connects with gobwas/ws,
// feeds server broadcasts into a reconciliation engine and sends the
// engine's message intents without blocking it.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/convo/internal/chat"
	"github.com/whisper/convo/internal/protocol"
	"github.com/whisper/convo/internal/reconcile"
)

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 5 * time.Second
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = chat.NewError(chat.CodeDeliveryFailure, "client closed", nil)

type options struct {
	username     string
	queueSize    int
	writeTimeout time.Duration
	checkEvery   time.Duration
	engineOpts   []reconcile.Option
	log          *slog.Logger
}

// Option configures Dial.
type Option func(*options)

// WithUsername sets the display name used for optimistic entries.
func WithUsername(name string) Option {
	return func(o *options) { o.username = name }
}

// WithQueueSize bounds the outbound frame queue.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithEngineOptions passes options to the reconciliation engine.
func WithEngineOptions(opts ...reconcile.Option) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, opts...) }
}

// WithCheckInterval sets how often pending sends are checked for timeouts.
func WithCheckInterval(d time.Duration) Option {
	return func(o *options) { o.checkEvery = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Client is one authenticated connection to the chat server.
type Client struct {
	conn         net.Conn
	rw           io.ReadWriter
	writeMu      sync.Mutex
	writeTimeout time.Duration

	connID string
	self   chat.Identity
	engine *reconcile.Engine

	out    chan []byte
	events chan protocol.ServerEvent
	log    *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to url with a bearer token and waits for the server's
// connected event.
func Dial(ctx context.Context, url, token string, opts ...Option) (*Client, error) {
	o := options{
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		checkEvery:   reconcile.DefaultCheckInterval,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{"Authorization": {"Bearer " + token}}),
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c := &Client{
		conn:         conn,
		writeTimeout: o.writeTimeout,
		out:          make(chan []byte, o.queueSize),
		events:       make(chan protocol.ServerEvent, o.queueSize),
		done:         make(chan struct{}),
	}
	// Frames sent right behind the handshake response may be buffered.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c.rw = &frameConn{r: r, c: c}

	connected, err := c.awaitConnected(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.connID = connected.ConnectionID
	c.self = chat.Identity{UserID: connected.UserID, Username: o.username}
	c.log = o.log.With("component", "client", "conn", c.connID)
	c.engine = reconcile.New(c.self, c, append([]reconcile.Option{reconcile.WithLogger(o.log)}, o.engineOpts...)...)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop()
	go c.writeLoop()
	go c.engine.Run(runCtx, o.checkEvery)

	c.log.Info("connected", "user", c.self.UserID)
	return c, nil
}

func (c *Client) awaitConnected(ctx context.Context) (protocol.Connected, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	data, _, err := wsutil.ReadServerData(c.rw)
	if err != nil {
		return protocol.Connected{}, fmt.Errorf("client: await connected: %w", err)
	}
	ev, err := protocol.ParseServerEvent(data)
	if err != nil {
		return protocol.Connected{}, fmt.Errorf("client: await connected: %w", err)
	}
	connected, ok := ev.(protocol.Connected)
	if !ok {
		return protocol.Connected{}, fmt.Errorf("client: expected %s, got %s", protocol.TypeConnected, ev.EventType())
	}
	return connected, nil
}

// ConnectionID is the id the server assigned to this connection.
func (c *Client) ConnectionID() string { return c.connID }

// Self is the authenticated identity.
func (c *Client) Self() chat.Identity { return c.self }

// Engine exposes the displayed message lists.
func (c *Client) Engine() *reconcile.Engine { return c.engine }

// Events carries every decoded server event after the engine has applied
// it. Events are dropped when nobody keeps up with the channel.
func (c *Client) Events() <-chan protocol.ServerEvent { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. It is nil while connected and
// after a local Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Join subscribes to a conversation's room.
func (c *Client) Join(conversationID string) error {
	return c.enqueue(protocol.JoinConversation{ConversationID: conversationID})
}

// Leave unsubscribes from a conversation's room.
func (c *Client) Leave(conversationID string) error {
	return c.enqueue(protocol.LeaveConversation{ConversationID: conversationID})
}

// Typing reports the local user's typing state.
func (c *Client) Typing(conversationID string, typing bool) error {
	if typing {
		return c.enqueue(protocol.TypingStart{ConversationID: conversationID})
	}
	return c.enqueue(protocol.TypingStop{ConversationID: conversationID})
}

// Send renders a pending message and sends it.
func (c *Client) Send(conversationID, content, replyToID string) (reconcile.PendingMessage, error) {
	return c.engine.Send(conversationID, content, replyToID)
}

// Retry re-sends a failed message.
func (c *Client) Retry(tempID string) (reconcile.PendingMessage, error) {
	return c.engine.Retry(tempID)
}

// Ping sends an application-level keepalive.
func (c *Client) Ping() error {
	return c.enqueue(protocol.Ping{})
}

// Dispatch queues a message intent for the engine. It never blocks.
func (c *Client) Dispatch(ev protocol.MessageCreated) error {
	return c.enqueue(ev)
}

func (c *Client) enqueue(ev protocol.ClientEvent) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		return chat.NewError(chat.CodeDeliveryFailure, "send queue full", nil)
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := c.write(func(w io.Writer) error { return wsutil.WriteClientText(w, data) }); err != nil {
				c.shutdown(fmt.Errorf("client: write: %w", err))
				return
			}
		}
	}
}

// write serializes frame writes. Pong replies from the read loop go through
// the same lock.
func (c *Client) write(fn func(w io.Writer) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return fn(c.conn)
}

func (c *Client) readLoop() {
	for {
		data, _, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) && closed.Code == ws.StatusNormalClosure {
				err = nil
			}
			c.shutdown(err)
			return
		}

		ev, err := protocol.ParseServerEvent(data)
		if err != nil {
			c.log.Warn("undecodable event", "err", err)
			continue
		}
		c.apply(ev)

		select {
		case c.events <- ev:
		default:
			c.log.Debug("event dropped", "type", ev.EventType())
		}
	}
}

// apply feeds an event into the engine.
func (c *Client) apply(ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case protocol.NewMessage:
		c.engine.Receive(e.Message)
	case protocol.MessageUpdated:
		c.engine.Update(e.Message)
	case protocol.MessageDeleted:
		c.engine.Remove(e.ConversationID, e.MessageID)
	case protocol.Error:
		if e.ClientMsgID != "" {
			c.engine.FailCorrelation(e.ClientMsgID, chat.Code(e.Code), e.Error)
			return
		}
		c.log.Info("server error", "code", e.Code, "conversation", e.ConversationID, "error", e.Error)
	}
}

// Close sends a close frame and tears the connection down. It is safe to
// call more than once.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	_ = c.write(func(w io.Writer) error {
		return ws.WriteFrame(w, ws.MaskFrameInPlace(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
	})
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.conn.Close()
		// Nothing in flight can be confirmed on this connection any more.
		if c.engine != nil {
			if n := c.engine.FailPending(chat.CodeDeliveryFailure, "connection closed"); n > 0 {
				c.log.Info("pending messages failed", "count", n)
			}
		}
		if err != nil {
			c.log.Info("disconnected", "err", err)
		}
	})
}

// frameConn reads from the connection and writes under the client's write
// lock.
type frameConn struct {
	r io.Reader
	c *Client
}

func (f *frameConn) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *frameConn) Write(p []byte) (int, error) {
	var n int
	err := f.c.write(func(w io.Writer) error {
		var err error
		n, err = w.Write(p)
		return err
	})
	return n, err
}
