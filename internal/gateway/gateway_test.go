package gateway

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/convo/internal/ban"
	"github.com/whisper/convo/internal/broadcast"
	"github.com/whisper/convo/internal/chat"
	"github.com/whisper/convo/internal/moderation"
	"github.com/whisper/convo/internal/protocol"
	"github.com/whisper/convo/internal/ratelimit"
	"github.com/whisper/convo/internal/reconcile"
	"github.com/whisper/convo/internal/registry"
	"github.com/whisper/convo/internal/store"
	"github.com/whisper/convo/internal/typing"
	"github.com/whisper/convo/internal/ws"
)

type harness struct {
	t     *testing.T
	store *store.Store
	rooms *registry.Registry
	gw    *Gateway
	disp  *ws.MessageDispatcher

	alice, bob, carol chat.Identity
	conv              string
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	rooms := registry.New(st, registry.WithQueueSize(16), registry.WithLogger(discard))
	router := broadcast.New(rooms, broadcast.WithLogger(discard))
	agg := typing.New(router, typing.WithLogger(discard))
	gw := New(st, rooms, router, agg, append([]Option{WithLogger(discard)}, opts...)...)
	disp := ws.NewMessageDispatcher(gw.Reply, discard)
	gw.Register(disp)

	h := &harness{t: t, store: st, rooms: rooms, gw: gw, disp: disp}
	h.alice = h.user("alice")
	h.bob = h.user("bob")
	h.carol = h.user("carol")

	conv, err := st.CreateConversation(ctx, "general", h.alice.UserID, h.bob.UserID)
	require.NoError(t, err)
	h.conv = conv.ID
	return h
}

func (h *harness) user(name string) chat.Identity {
	u, err := h.store.CreateUser(context.Background(), name)
	require.NoError(h.t, err)
	return chat.Identity{UserID: u.ID, Username: u.Username}
}

// connect registers a connection and consumes its Connected event.
func (h *harness) connect(connID string, id chat.Identity) (*ws.Connection, <-chan []byte) {
	h.t.Helper()
	out, err := h.gw.Connect(context.Background(), connID, id)
	require.NoError(h.t, err)
	c := expect[protocol.Connected](h.t, out)
	require.Equal(h.t, connID, c.ConnectionID)
	require.Equal(h.t, id.UserID, c.UserID)
	return &ws.Connection{ID: connID, Identity: id}, out
}

func (h *harness) send(conn *ws.Connection, ev protocol.ClientEvent) {
	h.disp.Dispatch(context.Background(), conn, protocol.MustEncode(ev))
}

func (h *harness) join(conn *ws.Connection, out <-chan []byte) {
	h.t.Helper()
	h.send(conn, protocol.JoinConversation{ConversationID: h.conv})
	ack := expect[protocol.JoinedConversation](h.t, out)
	require.True(h.t, ack.Success)
}

func next(t *testing.T, out <-chan []byte) protocol.ServerEvent {
	t.Helper()
	select {
	case data, ok := <-out:
		require.True(t, ok, "outbound queue closed")
		ev, err := protocol.ParseServerEvent(data)
		require.NoError(t, err)
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event queued")
		return nil
	}
}

func expect[T protocol.ServerEvent](t *testing.T, out <-chan []byte) T {
	t.Helper()
	ev := next(t, out)
	got, ok := ev.(T)
	require.Truef(t, ok, "expected %T, got %T (%+v)", *new(T), ev, ev)
	return got
}

// quiet asserts that nothing is queued. Publishing is synchronous, so any
// event caused by a dispatched frame is queued before Dispatch returns.
func quiet(t *testing.T, out <-chan []byte) {
	t.Helper()
	select {
	case data := <-out:
		t.Fatalf("unexpected event: %s", data)
	default:
	}
}

func TestScenarioHello(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	a1, aliceOut := h.connect("a1", h.alice)
	a2, aliceTab := h.connect("a2", h.alice)
	b1, bobOut := h.connect("b1", h.bob)
	h.join(a1, aliceOut)
	h.join(a2, aliceTab)
	h.join(b1, bobOut)

	eng := reconcile.New(h.alice, dispatchFunc(func(ev protocol.MessageCreated) error {
		h.send(a1, ev)
		return nil
	}))
	pm, err := eng.Send(h.conv, "hello", "")
	req.NoError(err)

	for _, out := range []<-chan []byte{aliceOut, aliceTab, bobOut} {
		nm := expect[protocol.NewMessage](t, out)
		req.Equal(h.conv, nm.ConversationID)
		req.Equal("hello", nm.Message.Content)
		req.Equal(h.alice.UserID, nm.Message.AuthorID)
		req.Equal("alice", nm.Message.Author.Username)
		req.NotEmpty(nm.Message.ID)
		quiet(t, out)

		if out == aliceOut {
			eng.Receive(nm.Message)
		}
	}

	entries := eng.Entries(h.conv)
	req.Len(entries, 1)
	req.Equal(pm.TempID, entries[0].TempID)
	req.Equal(reconcile.StateConfirmed, entries[0].State)
	req.NotEmpty(entries[0].Message.ID)
}

type dispatchFunc func(ev protocol.MessageCreated) error

func (f dispatchFunc) Dispatch(ev protocol.MessageCreated) error { return f(ev) }

func TestJoinRequiresActiveParticipant(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	a1, aliceOut := h.connect("a1", h.alice)
	c1, carolOut := h.connect("c1", h.carol)
	h.join(a1, aliceOut)

	h.send(c1, protocol.JoinConversation{ConversationID: h.conv})
	e := expect[protocol.Error](t, carolOut)
	req.Equal(string(chat.CodeForbidden), e.Code)
	req.Equal(h.conv, e.ConversationID)
	ack := expect[protocol.JoinedConversation](t, carolOut)
	req.False(ack.Success)
	req.Equal([]string{"a1"}, h.rooms.Members(h.conv))

	h.send(a1, protocol.MessageCreated{ConversationID: h.conv, Content: "members only"})
	expect[protocol.NewMessage](t, aliceOut)
	quiet(t, carolOut)
}

func TestMessageErrorsGoToOriginOnly(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	a1, aliceOut := h.connect("a1", h.alice)
	b1, bobOut := h.connect("b1", h.bob)
	c1, carolOut := h.connect("c1", h.carol)
	h.join(a1, aliceOut)
	h.join(b1, bobOut)

	h.send(a1, protocol.MessageCreated{ConversationID: h.conv, Content: "   ", ClientMsgID: "tmp-1"})
	e := expect[protocol.Error](t, aliceOut)
	req.Equal(string(chat.CodeInvalidInput), e.Code)
	req.Equal("tmp-1", e.ClientMsgID)
	req.Equal(h.conv, e.ConversationID)

	h.send(c1, protocol.MessageCreated{ConversationID: h.conv, Content: "let me in", ClientMsgID: "tmp-2"})
	e = expect[protocol.Error](t, carolOut)
	req.Equal(string(chat.CodeNotParticipant), e.Code)
	req.Equal("tmp-2", e.ClientMsgID)

	h.send(a1, protocol.MessageCreated{ConversationID: h.conv, Content: "re", ReplyToID: "missing", ClientMsgID: "tmp-3"})
	e = expect[protocol.Error](t, aliceOut)
	req.Equal(string(chat.CodeInvalidReplyTarget), e.Code)

	quiet(t, aliceOut)
	quiet(t, bobOut)
	msgs, err := h.store.ListMessages(context.Background(), h.conv, store.ListOptions{})
	req.NoError(err)
	req.Empty(msgs)
}

func TestUnknownMessageTypeRejected(t *testing.T) {
	h := newHarness(t)
	a1, aliceOut := h.connect("a1", h.alice)

	h.disp.Dispatch(context.Background(), a1,
		[]byte(`{"type":"message_created","conversationId":"x","content":"hi","messageType":"video"}`))
	e := expect[protocol.Error](t, aliceOut)
	require.Equal(t, string(chat.CodeInvalidInput), e.Code)
}

type fakeBans struct {
	mu         sync.Mutex
	banned     map[string]string
	violations map[string]int
}

func newFakeBans() *fakeBans {
	return &fakeBans{banned: make(map[string]string), violations: make(map[string]int)}
}

func (b *fakeBans) Check(_ context.Context, userID string) (ban.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reason, ok := b.banned[userID]
	return ban.Status{Banned: ok, Reason: reason}, nil
}

func (b *fakeBans) RecordViolation(_ context.Context, userID, reason string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.violations[userID]++
	if b.violations[userID] >= ban.AutoBanThreshold {
		b.banned[userID] = reason
		return ban.Ban15Min, nil
	}
	return 0, nil
}

func TestModerationBlocksAndEscalates(t *testing.T) {
	req := require.New(t)
	bans := newFakeBans()
	h := newHarness(t,
		WithModeration(moderation.NewFilterWithTerms([]string{"grapefruit"})),
		WithBans(bans))

	a1, aliceOut := h.connect("a1", h.alice)
	b1, bobOut := h.connect("b1", h.bob)
	h.join(a1, aliceOut)
	h.join(b1, bobOut)

	for i := 0; i < ban.AutoBanThreshold; i++ {
		h.send(a1, protocol.MessageCreated{ConversationID: h.conv, Content: "I love grapefruit"})
		e := expect[protocol.Error](t, aliceOut)
		req.Equal(string(chat.CodeInvalidInput), e.Code)
	}
	req.Equal(ban.AutoBanThreshold, bans.violations[h.alice.UserID])

	// Clean content is refused too once the ban is in place.
	h.send(a1, protocol.MessageCreated{ConversationID: h.conv, Content: "sorry"})
	e := expect[protocol.Error](t, aliceOut)
	req.Equal(string(chat.CodeForbidden), e.Code)

	quiet(t, bobOut)
	msgs, err := h.store.ListMessages(context.Background(), h.conv, store.ListOptions{})
	req.NoError(err)
	req.Empty(msgs)
}

type fakeLimiter struct {
	mu      sync.Mutex
	allowed map[string]int // remaining per rule key
	calls   []string
}

func (l *fakeLimiter) Allow(_ context.Context, identifier string, rule ratelimit.Rule) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, rule.Key+identifier)
	if l.allowed[rule.Key] <= 0 {
		return false, nil
	}
	l.allowed[rule.Key]--
	return true, nil
}

func (l *fakeLimiter) RetryAfter(context.Context, string, ratelimit.Rule) (time.Duration, error) {
	return 3500 * time.Millisecond, nil
}

func TestRateLimits(t *testing.T) {
	req := require.New(t)
	limiter := &fakeLimiter{allowed: map[string]int{
		ratelimit.RuleMessage.Key: 1,
		ratelimit.RuleTyping.Key:  1,
	}}
	h := newHarness(t, WithLimiter(limiter))

	a1, aliceOut := h.connect("a1", h.alice)
	b1, bobOut := h.connect("b1", h.bob)
	h.join(a1, aliceOut)
	h.join(b1, bobOut)

	h.send(a1, protocol.MessageCreated{ConversationID: h.conv, Content: "first"})
	expect[protocol.NewMessage](t, aliceOut)
	expect[protocol.NewMessage](t, bobOut)

	h.send(a1, protocol.MessageCreated{ConversationID: h.conv, Content: "second", ClientMsgID: "tmp-2"})
	e := expect[protocol.Error](t, aliceOut)
	req.Equal(string(chat.CodeRateLimited), e.Code)
	req.Equal("tmp-2", e.ClientMsgID)
	req.Equal("too many messages, slow down, retry in 4s", e.Error)
	quiet(t, bobOut)

	// Typing over the limit is dropped without an error.
	h.send(a1, protocol.TypingStart{ConversationID: h.conv})
	expect[protocol.UserTyping](t, bobOut)
	h.send(a1, protocol.TypingStop{ConversationID: h.conv})
	expect[protocol.UserTyping](t, bobOut)
	h.send(a1, protocol.TypingStart{ConversationID: h.conv})
	quiet(t, bobOut)
}

func TestTypingLifecycle(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	a1, aliceOut := h.connect("a1", h.alice)
	b1, bobOut := h.connect("b1", h.bob)
	c1, carolOut := h.connect("c1", h.carol)
	h.join(a1, aliceOut)
	h.join(b1, bobOut)

	h.send(c1, protocol.TypingStart{ConversationID: h.conv})
	e := expect[protocol.Error](t, carolOut)
	req.Equal(string(chat.CodeForbidden), e.Code)
	quiet(t, bobOut)

	h.send(a1, protocol.TypingStart{ConversationID: h.conv})
	ut := expect[protocol.UserTyping](t, bobOut)
	req.True(ut.IsTyping)
	req.Equal("alice", ut.Username)
	expect[protocol.UserTyping](t, aliceOut)

	// Sending clears the indicator before the message goes out.
	h.send(a1, protocol.MessageCreated{ConversationID: h.conv, Content: "done typing"})
	ut = expect[protocol.UserTyping](t, bobOut)
	req.False(ut.IsTyping)
	expect[protocol.NewMessage](t, bobOut)
}

func TestLeaveStopsDelivery(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	a1, aliceOut := h.connect("a1", h.alice)
	b1, bobOut := h.connect("b1", h.bob)
	h.join(a1, aliceOut)
	h.join(b1, bobOut)

	h.send(b1, protocol.LeaveConversation{ConversationID: h.conv})
	left := expect[protocol.LeftConversation](t, bobOut)
	req.True(left.Success)

	// Leaving twice is harmless.
	h.send(b1, protocol.LeaveConversation{ConversationID: h.conv})
	expect[protocol.LeftConversation](t, bobOut)

	h.send(a1, protocol.MessageCreated{ConversationID: h.conv, Content: "anyone?"})
	expect[protocol.NewMessage](t, aliceOut)
	quiet(t, bobOut)
}

func TestReplayOnJoin(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, WithReplayLimit(2))
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		_, err := h.store.CreateMessage(ctx, store.NewMessage{
			ConversationID: h.conv, AuthorID: h.bob.UserID, Content: content,
		})
		req.NoError(err)
	}

	a1, aliceOut := h.connect("a1", h.alice)
	h.join(a1, aliceOut)
	req.Equal("two", expect[protocol.NewMessage](t, aliceOut).Message.Content)
	req.Equal("three", expect[protocol.NewMessage](t, aliceOut).Message.Content)
	quiet(t, aliceOut)
	req.True(h.gw.Recent().Loaded(h.conv))

	// A live message is buffered and replayed to the next joiner.
	h.send(a1, protocol.MessageCreated{ConversationID: h.conv, Content: "four"})
	expect[protocol.NewMessage](t, aliceOut)

	b1, bobOut := h.connect("b1", h.bob)
	h.join(b1, bobOut)
	req.Equal("three", expect[protocol.NewMessage](t, bobOut).Message.Content)
	req.Equal("four", expect[protocol.NewMessage](t, bobOut).Message.Content)
}

func TestReplayDisabled(t *testing.T) {
	h := newHarness(t, WithReplayLimit(0))
	_, err := h.store.CreateMessage(context.Background(), store.NewMessage{
		ConversationID: h.conv, AuthorID: h.bob.UserID, Content: "old",
	})
	require.NoError(t, err)

	a1, aliceOut := h.connect("a1", h.alice)
	h.join(a1, aliceOut)
	quiet(t, aliceOut)
}

type fakePresence struct {
	mu      sync.Mutex
	live    map[string]string
	touches int
	deletes int
}

func (p *fakePresence) Create(_ context.Context, connID string, id chat.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live[connID] = id.UserID
	return nil
}

func (p *fakePresence) Touch(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touches++
	return nil
}

func (p *fakePresence) Delete(_ context.Context, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, connID)
	p.deletes++
	return nil
}

func TestDisconnectCleansUp(t *testing.T) {
	req := require.New(t)
	presence := &fakePresence{live: make(map[string]string)}
	h := newHarness(t, WithPresence(presence))

	a1, aliceOut := h.connect("a1", h.alice)
	b1, bobOut := h.connect("b1", h.bob)
	h.join(a1, aliceOut)
	h.join(b1, bobOut)
	req.Len(presence.live, 2)

	h.send(a1, protocol.TypingStart{ConversationID: h.conv})
	expect[protocol.UserTyping](t, bobOut)
	expect[protocol.UserTyping](t, aliceOut)
	req.Equal(3, presence.touches) // two joins and one typing_start

	h.gw.Disconnect("a1")
	h.gw.Disconnect("a1")

	ut := expect[protocol.UserTyping](t, bobOut)
	req.False(ut.IsTyping)
	req.Equal(h.alice.UserID, ut.UserID)

	_, open := <-aliceOut
	req.False(open)
	req.Equal([]string{"b1"}, h.rooms.Members(h.conv))
	req.Equal(1, presence.deletes)
	req.NotContains(presence.live, "a1")
}

func TestDeliveryFailureDisconnects(t *testing.T) {
	h := newHarness(t)

	a1, aliceOut := h.connect("a1", h.alice)
	b1, bobOut := h.connect("b1", h.bob)
	h.join(a1, aliceOut)
	h.join(b1, bobOut)

	// Bob never drains; once his queue is full the router tears him down
	// while Alice keeps receiving.
	for i := 0; i < 20; i++ {
		h.send(a1, protocol.MessageCreated{ConversationID: h.conv, Content: "flood"})
		expect[protocol.NewMessage](t, aliceOut)
	}

	require.Eventually(t, func() bool {
		_, ok := h.rooms.Get("b1")
		return !ok
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a1"}, h.rooms.Members(h.conv))
}

func TestRemoteEventsUpdateLocalState(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	b1, bobOut := h.connect("b1", h.bob)
	h.join(b1, bobOut)

	remote := chat.Message{ID: "remote-1", ConversationID: h.conv, AuthorID: h.alice.UserID,
		Content: "from elsewhere", Type: chat.TypeText, CreatedAt: time.Now()}
	h.gw.applyRemote(h.conv, protocol.NewMessage{ConversationID: h.conv, Message: remote})
	req.Len(h.gw.Recent().Get(h.conv), 1)

	remote.Content = "edited elsewhere"
	h.gw.applyRemote(h.conv, protocol.MessageUpdated{ConversationID: h.conv, Message: remote})
	req.Equal("edited elsewhere", h.gw.Recent().Get(h.conv)[0].Content)

	h.gw.applyRemote(h.conv, protocol.MessageDeleted{ConversationID: h.conv, MessageID: "remote-1"})
	req.Empty(h.gw.Recent().Get(h.conv))
	req.False(h.gw.Recent().Loaded(h.conv))

	h.gw.applyRemote(h.conv, protocol.ParticipantLeft{ConversationID: h.conv, UserID: h.bob.UserID})
	req.Empty(h.rooms.Members(h.conv))
	_, ok := h.rooms.Get("b1")
	req.True(ok, "eviction keeps the connection registered")
}
