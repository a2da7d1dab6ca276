// Package messaging provides a NATS client wrapper used to fan conversation
// events out across server instances. Each instance publishes the encoded
// event on conversation.<id> and delivers what it receives from other
// instances to its own local room.
package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectConversation    = "conversation"   // + .<conversation_id>
	SubjectConversationAll = "conversation.*" // every conversation
)

// ConversationSubject returns the subject for a conversation.
func ConversationSubject(conversationID string) string {
	return SubjectConversation + "." + conversationID
}

// RoomEvent is the payload published on conversation subjects. Origin names
// the publishing server so it can skip its own echo.
type RoomEvent struct {
	Origin         string          `json:"origin"`
	ConversationID string          `json:"conversation_id"`
	Event          json.RawMessage `json:"event"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	name string
	log  *slog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also used as the event origin
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "convo",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		name: config.Name,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[subject]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishRoomEvent publishes an encoded event for a conversation, stamped
// with this client's origin.
func (c *NATSClient) PublishRoomEvent(conversationID string, event []byte) error {
	data, err := json.Marshal(RoomEvent{
		Origin:         c.name,
		ConversationID: conversationID,
		Event:          event,
	})
	if err != nil {
		return fmt.Errorf("nats: marshal room event: %w", err)
	}
	return c.Publish(ConversationSubject(conversationID), data)
}

// SubscribeRoomEvents delivers room events published by other instances.
// Events from this instance and malformed payloads are dropped.
func (c *NATSClient) SubscribeRoomEvents(handler func(conversationID string, event []byte)) error {
	return c.Subscribe(SubjectConversationAll, func(msg *nats.Msg) {
		var ev RoomEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.Warn("dropping malformed room event", "subject", msg.Subject, "err", err)
			return
		}
		if ev.Origin == c.name {
			return
		}
		handler(ev.ConversationID, ev.Event)
	})
}

// Unsubscribe removes the subscription for a subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain failed", "subject", subject, "err", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain failed", "err", err)
	}

	c.log.Info("client closed")
}
