// Package typing aggregates ephemeral "user is typing" state per
// conversation. Nothing here is persisted; a state that is not refreshed
// clears itself after the window and announces isTyping=false exactly once.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/whisper/convo/internal/chat"
	"github.com/whisper/convo/internal/metrics"
	"github.com/whisper/convo/internal/protocol"
)

const (
	DefaultWindow        = 3 * time.Second
	DefaultSweepInterval = 500 * time.Millisecond
)

// Publisher broadcasts typing events to a conversation's room.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, ev protocol.ServerEvent) error
}

type key struct {
	conversationID string
	userID         string
}

type state struct {
	username string
	connID   string // connection that last refreshed the state
	deadline time.Time
}

// Aggregator owns every typing state on this instance.
type Aggregator struct {
	// emit is held from a state change until its event is published, so
	// events leave in the order the changes happened.
	emit   sync.Mutex
	mu     sync.Mutex
	states map[key]*state
	window time.Duration
	now    func() time.Time
	pub    Publisher
	log    *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithWindow sets the inactivity window.
func WithWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

// New creates an Aggregator announcing changes through pub.
func New(pub Publisher, opts ...Option) *Aggregator {
	a := &Aggregator{
		states: make(map[key]*state),
		window: DefaultWindow,
		now:    time.Now,
		pub:    pub,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "typing")
	return a
}

// Start marks the user as typing until now+window. Only a transition from
// not typing announces isTyping=true; refreshes only move the deadline.
// Expired states in the same conversation are swept first.
func (a *Aggregator) Start(ctx context.Context, conversationID string, id chat.Identity, connID string) {
	now := a.now()
	k := key{conversationID, id.UserID}

	a.emit.Lock()
	defer a.emit.Unlock()

	a.mu.Lock()
	expired := a.collectLocked(now, func(k key, _ *state) bool { return k.conversationID == conversationID })
	st, active := a.states[k]
	if active {
		st.deadline = now.Add(a.window)
		st.connID = connID
	} else {
		a.states[k] = &state{username: id.Username, connID: connID, deadline: now.Add(a.window)}
	}
	a.updateGaugeLocked()
	a.mu.Unlock()

	a.announceStopped(ctx, expired)
	if !active {
		a.publish(ctx, k, id.Username, true)
	}
}

// Stop clears the user's typing state and announces isTyping=false if it
// was set.
func (a *Aggregator) Stop(ctx context.Context, conversationID, userID string) {
	k := key{conversationID, userID}

	a.emit.Lock()
	defer a.emit.Unlock()

	a.mu.Lock()
	st, ok := a.states[k]
	if ok {
		delete(a.states, k)
		a.updateGaugeLocked()
	}
	a.mu.Unlock()

	if ok {
		a.publish(ctx, k, st.username, false)
	}
}

// Sweep clears every expired state and announces each one. It returns the
// number of states cleared.
func (a *Aggregator) Sweep(ctx context.Context) int {
	a.emit.Lock()
	defer a.emit.Unlock()

	a.mu.Lock()
	expired := a.collectLocked(a.now(), func(key, *state) bool { return true })
	a.updateGaugeLocked()
	a.mu.Unlock()

	a.announceStopped(ctx, expired)
	return len(expired)
}

// Run sweeps on every tick until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.Sweep(ctx); n > 0 {
				a.log.Debug("expired typing states", "count", n)
			}
		}
	}
}

// ClearConnection clears every state last refreshed by connID, e.g. when the
// connection goes away, and announces isTyping=false for each.
func (a *Aggregator) ClearConnection(ctx context.Context, connID string) {
	a.emit.Lock()
	defer a.emit.Unlock()

	a.mu.Lock()
	cleared := a.collectLocked(time.Time{}, func(_ key, st *state) bool { return st.connID == connID })
	a.updateGaugeLocked()
	a.mu.Unlock()

	a.announceStopped(ctx, cleared)
}

// Typing returns the ids of users currently typing in a conversation.
func (a *Aggregator) Typing(conversationID string) []string {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []string
	for k, st := range a.states {
		if k.conversationID == conversationID && now.Before(st.deadline) {
			out = append(out, k.userID)
		}
	}
	return out
}

type cleared struct {
	key      key
	username string
}

// collectLocked removes states matching match. With a non-zero now only
// states whose deadline has passed are considered.
func (a *Aggregator) collectLocked(now time.Time, match func(key, *state) bool) []cleared {
	var out []cleared
	for k, st := range a.states {
		if !now.IsZero() && now.Before(st.deadline) {
			continue
		}
		if !match(k, st) {
			continue
		}
		delete(a.states, k)
		out = append(out, cleared{key: k, username: st.username})
	}
	return out
}

func (a *Aggregator) updateGaugeLocked() {
	metrics.TypingActive.Set(float64(len(a.states)))
}

func (a *Aggregator) announceStopped(ctx context.Context, list []cleared) {
	lo.ForEach(list, func(c cleared, _ int) {
		a.publish(ctx, c.key, c.username, false)
	})
}

func (a *Aggregator) publish(ctx context.Context, k key, username string, typing bool) {
	err := a.pub.Publish(ctx, k.conversationID, protocol.UserTyping{
		ConversationID: k.conversationID,
		UserID:         k.userID,
		Username:       username,
		IsTyping:       typing,
	})
	if err != nil {
		a.log.WarnContext(ctx, "publish typing failed", "conversation", k.conversationID, "user", k.userID, "err", err)
	}
}
