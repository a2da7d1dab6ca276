// Package reconcile merges a client's optimistic sends with the
// authoritative copies broadcast by the server.
//
// A send is rendered immediately as a pending entry. When a new_message
// authored by the local user arrives, it confirms the oldest unconfirmed
// entry with the same conversation and content, in place. Entries that see
// no confirmation within the timeout, or that the server rejects, become
// failed and may be retried a bounded number of times.
//
// Failure precedence: the first failure signal for an attempt wins and later
// ones are no-ops. A confirmation always wins, even over a timeout.
package reconcile

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/convo/internal/chat"
	"github.com/whisper/convo/internal/protocol"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultCheckInterval = time.Second
	MaxRetries           = 3
)

// State is the lifecycle state of a displayed entry.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Dispatcher sends an outbound message intent. It must not block; the
// result arrives later as a broadcast or an error event.
type Dispatcher interface {
	Dispatch(ev protocol.MessageCreated) error
}

// Intent is what the user asked to send.
type Intent struct {
	ConversationID string
	Content        string
	ReplyToID      string
}

// PendingMessage describes a locally originated send.
type PendingMessage struct {
	TempID        string
	CorrelationID string // clientMsgId of the current attempt
	Intent        Intent
	RetryCount    int
	State         State
}

// Entry is one row of a conversation's displayed message list.
type Entry struct {
	// TempID is set for locally originated entries and never changes.
	TempID string
	// Message is authoritative once confirmed. Pending and failed entries
	// carry a local copy whose ID is empty.
	Message    chat.Message
	State      State
	RetryCount int
	CanRetry   bool
	Code       chat.Code
	Error      string
}

// Key identifies an entry: its server id when known, else its temp id.
func (e Entry) Key() string {
	if e.Message.ID != "" {
		return e.Message.ID
	}
	return e.TempID
}

type entry struct {
	Entry
	seq           int64
	correlationID string
	deadline      time.Time
	queued        bool
}

type matchKey struct {
	conversationID string
	content        string
}

// Engine is the single serialization point for every displayed list.
type Engine struct {
	mu       sync.Mutex
	self     chat.Identity
	dispatch Dispatcher
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger

	seq           int64
	timelines     map[string][]*entry   // conversationID -> display order
	byTemp        map[string]*entry     // tempID -> entry
	byID          map[string]*entry     // message id -> entry
	byCorrelation map[string]*entry     // clientMsgId -> entry
	queues        map[matchKey][]*entry // unconfirmed sends, oldest first
	removed       map[string]struct{}   // deleted message ids
	changes       chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout sets the confirmation bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an Engine for the local user self.
func New(self chat.Identity, d Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		self:          self,
		dispatch:      d,
		timeout:       DefaultTimeout,
		now:           time.Now,
		log:           slog.Default(),
		timelines:     make(map[string][]*entry),
		byTemp:        make(map[string]*entry),
		byID:          make(map[string]*entry),
		byCorrelation: make(map[string]*entry),
		queues:        make(map[matchKey][]*entry),
		removed:       make(map[string]struct{}),
		changes:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "reconcile")
	return e
}

// Changes signals after every mutation of any displayed list. Signals
// coalesce; read Entries after receiving one.
func (e *Engine) Changes() <-chan struct{} {
	return e.changes
}

// Send renders a pending entry at the end of the conversation and dispatches
// the intent. Invalid content is rejected before anything is rendered. A
// dispatch error fails the entry instead of being returned.
func (e *Engine) Send(conversationID, content, replyToID string) (PendingMessage, error) {
	if conversationID == "" {
		return PendingMessage{}, chat.NewError(chat.CodeInvalidInput, "conversation is required", nil)
	}
	if err := chat.ValidateContent(content); err != nil {
		return PendingMessage{}, err
	}

	e.mu.Lock()
	now := e.now()
	e.seq++
	en := &entry{
		Entry: Entry{
			TempID: uuid.NewString(),
			Message: chat.Message{
				ConversationID: conversationID,
				AuthorID:       e.self.UserID,
				Author:         chat.Author{ID: e.self.UserID, Username: e.self.Username},
				Content:        content,
				Type:           chat.TypeText,
				ReplyToID:      replyToID,
				CreatedAt:      now,
			},
			State:    StatePending,
			CanRetry: true,
		},
		seq: e.seq,
	}
	e.timelines[conversationID] = append(e.timelines[conversationID], en)
	e.byTemp[en.TempID] = en
	e.enqueueLocked(en)
	ev := e.startAttemptLocked(en, now)
	pm := e.pendingLocked(en)
	e.mu.Unlock()

	e.notify()
	e.send(en.TempID, ev)
	return pm, nil
}

// Receive applies an authoritative message from a new_message broadcast.
func (e *Engine) Receive(msg chat.Message) {
	e.mu.Lock()
	changed := e.receiveLocked(msg)
	e.mu.Unlock()
	if changed {
		e.notify()
	}
}

func (e *Engine) receiveLocked(msg chat.Message) bool {
	// Replays of an already displayed or deleted message are ignored.
	if _, seen := e.byID[msg.ID]; seen {
		return false
	}
	if _, gone := e.removed[msg.ID]; gone {
		return false
	}

	if msg.AuthorID == e.self.UserID {
		k := matchKey{msg.ConversationID, msg.Content}
		if q := e.queues[k]; len(q) > 0 {
			en := q[0]
			e.dequeueLocked(en)
			delete(e.byCorrelation, en.correlationID)
			en.Message = msg
			en.State = StateConfirmed
			en.CanRetry = false
			en.Code = ""
			en.Error = ""
			en.deadline = time.Time{}
			e.byID[msg.ID] = en
			return true
		}
	}

	en := &entry{Entry: Entry{Message: msg, State: StateConfirmed}}
	e.insertLocked(en)
	e.byID[msg.ID] = en
	return true
}

// insertLocked places an authoritative entry in server timestamp order.
// Unconfirmed entries stay below every authoritative one.
func (e *Engine) insertLocked(en *entry) {
	list := e.timelines[en.Message.ConversationID]
	i := len(list)
	for i > 0 {
		prev := list[i-1]
		if prev.State == StateConfirmed && !prev.Message.CreatedAt.After(en.Message.CreatedAt) {
			break
		}
		i--
	}
	e.timelines[en.Message.ConversationID] = slices.Insert(list, i, en)
}

// Update applies an edit broadcast to a displayed message.
func (e *Engine) Update(msg chat.Message) {
	e.mu.Lock()
	en, ok := e.byID[msg.ID]
	if ok {
		en.Message = msg
	}
	e.mu.Unlock()
	if ok {
		e.notify()
	}
}

// Remove drops a displayed message after a delete broadcast.
func (e *Engine) Remove(conversationID, messageID string) {
	e.mu.Lock()
	en, ok := e.byID[messageID]
	if ok {
		e.dropLocked(conversationID, en)
	}
	e.removed[messageID] = struct{}{}
	e.mu.Unlock()
	if ok {
		e.notify()
	}
}

// Fail marks a pending entry as failed. It is a no-op for entries that are
// already failed or confirmed.
func (e *Engine) Fail(tempID string, code chat.Code, reason string) {
	e.mu.Lock()
	en, ok := e.byTemp[tempID]
	changed := ok && e.failLocked(en, code, reason, true)
	e.mu.Unlock()
	if changed {
		e.notify()
	}
}

// FailCorrelation fails the attempt identified by a clientMsgId echoed in a
// server error event. Errors for superseded attempts are ignored.
func (e *Engine) FailCorrelation(clientMsgID string, code chat.Code, reason string) {
	e.mu.Lock()
	en, ok := e.byCorrelation[clientMsgID]
	changed := ok && e.failLocked(en, code, reason, true)
	e.mu.Unlock()
	if changed {
		e.notify()
	}
}

// failLocked transitions a pending entry to failed. Rejected attempts leave
// the match queue since no broadcast will follow; timed-out ones stay so a
// late confirmation can still land.
func (e *Engine) failLocked(en *entry, code chat.Code, reason string, rejected bool) bool {
	if en.State == StateFailed && rejected {
		// Already timed out; the rejection only settles the bookkeeping.
		e.dequeueLocked(en)
		delete(e.byCorrelation, en.correlationID)
		return false
	}
	if en.State != StatePending {
		return false
	}
	en.State = StateFailed
	en.Code = code
	en.Error = reason
	en.CanRetry = en.RetryCount < MaxRetries
	en.deadline = time.Time{}
	if rejected {
		e.dequeueLocked(en)
		delete(e.byCorrelation, en.correlationID)
	}
	return true
}

// CheckTimeouts fails every pending entry whose confirmation bound has
// elapsed and returns how many were failed.
func (e *Engine) CheckTimeouts() int {
	e.mu.Lock()
	now := e.now()
	n := 0
	for _, en := range e.byTemp {
		if en.State == StatePending && !en.deadline.IsZero() && !now.Before(en.deadline) {
			e.failLocked(en, chat.CodeTimeout, "no confirmation from server", false)
			n++
		}
	}
	e.mu.Unlock()
	if n > 0 {
		e.notify()
	}
	return n
}

// FailPending fails every pending entry at once, for when the transport is
// gone and no confirmation can arrive on it. Entries stay matchable so a
// replayed copy still confirms them.
func (e *Engine) FailPending(code chat.Code, reason string) int {
	e.mu.Lock()
	n := 0
	for _, en := range e.byTemp {
		if e.failLocked(en, code, reason, false) {
			n++
		}
	}
	e.mu.Unlock()
	if n > 0 {
		e.notify()
	}
	return n
}

// Run checks timeouts on every tick until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.CheckTimeouts(); n > 0 {
				e.log.Debug("pending messages timed out", "count", n)
			}
		}
	}
}

// Retry re-sends a failed entry in the same display slot with a fresh
// correlation id.
func (e *Engine) Retry(tempID string) (PendingMessage, error) {
	e.mu.Lock()
	en, ok := e.byTemp[tempID]
	if !ok {
		e.mu.Unlock()
		return PendingMessage{}, chat.NewError(chat.CodeNotFound, "no such pending message", nil)
	}
	if en.State != StateFailed || !en.CanRetry {
		e.mu.Unlock()
		return PendingMessage{}, chat.NewError(chat.CodeInvalidInput, "message cannot be retried", nil)
	}
	en.RetryCount++
	en.State = StatePending
	en.Code = ""
	en.Error = ""
	en.CanRetry = true
	e.enqueueLocked(en)
	ev := e.startAttemptLocked(en, e.now())
	pm := e.pendingLocked(en)
	e.mu.Unlock()

	e.notify()
	e.send(tempID, ev)
	return pm, nil
}

// Dismiss removes a failed entry from display.
func (e *Engine) Dismiss(tempID string) bool {
	e.mu.Lock()
	en, ok := e.byTemp[tempID]
	ok = ok && en.State == StateFailed
	if ok {
		e.dropLocked(en.Message.ConversationID, en)
	}
	e.mu.Unlock()
	if ok {
		e.notify()
	}
	return ok
}

// Entries returns a snapshot of a conversation's displayed list.
func (e *Engine) Entries(conversationID string) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.timelines[conversationID]
	out := make([]Entry, len(list))
	for i, en := range list {
		out[i] = en.Entry
	}
	return out
}

// Pending returns the current state of a locally originated entry.
func (e *Engine) Pending(tempID string) (PendingMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.byTemp[tempID]
	if !ok {
		return PendingMessage{}, false
	}
	return e.pendingLocked(en), true
}

func (e *Engine) startAttemptLocked(en *entry, now time.Time) protocol.MessageCreated {
	delete(e.byCorrelation, en.correlationID)
	en.correlationID = uuid.NewString()
	en.deadline = now.Add(e.timeout)
	e.byCorrelation[en.correlationID] = en
	return protocol.MessageCreated{
		ConversationID: en.Message.ConversationID,
		Content:        en.Message.Content,
		ReplyToID:      en.Message.ReplyToID,
		ClientMsgID:    en.correlationID,
	}
}

func (e *Engine) pendingLocked(en *entry) PendingMessage {
	return PendingMessage{
		TempID:        en.TempID,
		CorrelationID: en.correlationID,
		Intent: Intent{
			ConversationID: en.Message.ConversationID,
			Content:        en.Message.Content,
			ReplyToID:      en.Message.ReplyToID,
		},
		RetryCount: en.RetryCount,
		State:      en.State,
	}
}

// send dispatches outside the lock. A dispatch error fails only the attempt
// it belongs to.
func (e *Engine) send(tempID string, ev protocol.MessageCreated) {
	if e.dispatch == nil {
		return
	}
	if err := e.dispatch.Dispatch(ev); err != nil {
		e.log.Warn("dispatch failed", "temp_id", tempID, "err", err)
		e.FailCorrelation(ev.ClientMsgID, chat.CodeDeliveryFailure, "could not send message")
	}
}

// enqueueLocked inserts en into its match queue in send order.
func (e *Engine) enqueueLocked(en *entry) {
	if en.queued {
		return
	}
	k := matchKey{en.Message.ConversationID, en.Message.Content}
	q := e.queues[k]
	i, _ := slices.BinarySearchFunc(q, en.seq, func(x *entry, seq int64) int {
		switch {
		case x.seq < seq:
			return -1
		case x.seq > seq:
			return 1
		}
		return 0
	})
	e.queues[k] = slices.Insert(q, i, en)
	en.queued = true
}

func (e *Engine) dequeueLocked(en *entry) {
	if !en.queued {
		return
	}
	k := matchKey{en.Message.ConversationID, en.Message.Content}
	q := slices.DeleteFunc(e.queues[k], func(x *entry) bool { return x == en })
	if len(q) == 0 {
		delete(e.queues, k)
	} else {
		e.queues[k] = q
	}
	en.queued = false
}

func (e *Engine) dropLocked(conversationID string, en *entry) {
	e.dequeueLocked(en)
	delete(e.byCorrelation, en.correlationID)
	if en.TempID != "" {
		delete(e.byTemp, en.TempID)
	}
	if en.Message.ID != "" {
		delete(e.byID, en.Message.ID)
	}
	e.timelines[conversationID] = slices.DeleteFunc(e.timelines[conversationID], func(x *entry) bool { return x == en })
}

func (e *Engine) notify() {
	select {
	case e.changes <- struct{}{}:
	default:
	}
}
