package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/whisper/convo/internal/chat"
	"github.com/whisper/convo/internal/protocol"
	"github.com/whisper/convo/internal/store"
)

// headerAuth trusts an X-User-ID header. Usernames are not needed by the
// REST handlers.
type headerAuth struct{}

func (headerAuth) Authenticate(r *http.Request) (chat.Identity, error) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		return chat.Identity{}, chat.NewError(chat.CodeUnauthenticated, "missing credentials", nil)
	}
	return chat.Identity{UserID: id}, nil
}

func (h *harness) do(method, path string, as chat.Identity, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if as.UserID != "" {
		r.Header.Set("X-User-ID", as.UserID)
	}
	w := httptest.NewRecorder()
	h.gw.APIHandler(headerAuth{}).ServeHTTP(w, r)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func (h *harness) post(author chat.Identity, content string) *chat.Message {
	h.t.Helper()
	m, err := h.store.CreateMessage(context.Background(), store.NewMessage{
		ConversationID: h.conv, AuthorID: author.UserID, Content: content,
	})
	require.NoError(h.t, err)
	return m
}

func TestAPIRequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/api/conversations/"+h.conv+"/messages", chat.Identity{}, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, string(chat.CodeUnauthenticated), decodeBody[errorResponse](t, w).Code)
}

func TestAPIListMessages(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.post(h.alice, "one")
	h.post(h.bob, "two")
	h.post(h.alice, "three")

	w := h.do(http.MethodGet, "/api/conversations/"+h.conv+"/messages?limit=2", h.bob, "")
	req.Equal(http.StatusOK, w.Code)
	page := decodeBody[messagesResponse](t, w)
	req.Len(page.Messages, 2)
	req.Equal("two", page.Messages[0].Content)
	req.Equal("three", page.Messages[1].Content)

	w = h.do(http.MethodGet, "/api/conversations/"+h.conv+"/messages?offset=2", h.bob, "")
	req.Equal(http.StatusOK, w.Code)
	page = decodeBody[messagesResponse](t, w)
	req.Len(page.Messages, 1)
	req.Equal("one", page.Messages[0].Content)

	w = h.do(http.MethodGet, "/api/conversations/"+h.conv+"/messages", h.carol, "")
	req.Equal(http.StatusForbidden, w.Code)

	w = h.do(http.MethodGet, "/api/conversations/"+h.conv+"/messages?limit=abc", h.bob, "")
	req.Equal(http.StatusBadRequest, w.Code)
	w = h.do(http.MethodGet, "/api/conversations/"+h.conv+"/messages?before=yesterday", h.bob, "")
	req.Equal(http.StatusBadRequest, w.Code)
}

func TestAPIUpdateMessage(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	b1, bobOut := h.connect("b1", h.bob)
	h.join(b1, bobOut)
	m := h.post(h.alice, "helo")

	w := h.do(http.MethodPatch, "/api/messages/"+m.ID, h.bob, `{"content":"hijacked"}`)
	req.Equal(http.StatusForbidden, w.Code)
	req.Equal(string(chat.CodeNotOwner), decodeBody[errorResponse](t, w).Code)
	quiet(t, bobOut)

	w = h.do(http.MethodPatch, "/api/messages/"+m.ID, h.alice, `{"content":""}`)
	req.Equal(http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPatch, "/api/messages/"+m.ID, h.alice, `{"content":"hello"}`)
	req.Equal(http.StatusOK, w.Code)
	got := decodeBody[chat.Message](t, w)
	req.Equal("hello", got.Content)
	req.NotNil(got.EditedAt)

	up := expect[protocol.MessageUpdated](t, bobOut)
	req.Equal(m.ID, up.Message.ID)
	req.Equal("hello", up.Message.Content)

	w = h.do(http.MethodPatch, "/api/messages/missing", h.alice, `{"content":"x"}`)
	req.Equal(http.StatusNotFound, w.Code)
}

func TestAPIDeleteMessage(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a1, aliceOut := h.connect("a1", h.alice)
	b1, bobOut := h.connect("b1", h.bob)
	h.join(a1, aliceOut)
	h.join(b1, bobOut)

	h.send(a1, protocol.MessageCreated{ConversationID: h.conv, Content: "oops"})
	m := expect[protocol.NewMessage](t, bobOut).Message
	expect[protocol.NewMessage](t, aliceOut)

	w := h.do(http.MethodDelete, "/api/messages/"+m.ID, h.bob, "")
	req.Equal(http.StatusForbidden, w.Code)

	w = h.do(http.MethodDelete, "/api/messages/"+m.ID, h.alice, "")
	req.Equal(http.StatusNoContent, w.Code)
	del := expect[protocol.MessageDeleted](t, bobOut)
	req.Equal(m.ID, del.MessageID)
	req.False(del.DeletedAt.IsZero())

	// The tombstone is not replayed.
	req.Empty(h.gw.Recent().Get(h.conv))

	w = h.do(http.MethodDelete, "/api/messages/"+m.ID, h.alice, "")
	req.Equal(http.StatusNotFound, w.Code)
}

func TestAPIAddParticipant(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	b1, bobOut := h.connect("b1", h.bob)
	h.join(b1, bobOut)

	w := h.do(http.MethodPost, "/api/conversations/"+h.conv+"/participants", h.carol, `{"userId":"`+h.carol.UserID+`"}`)
	req.Equal(http.StatusForbidden, w.Code)

	w = h.do(http.MethodPost, "/api/conversations/"+h.conv+"/participants", h.alice, `{}`)
	req.Equal(http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/api/conversations/"+h.conv+"/participants", h.alice, `{"userId":"`+h.carol.UserID+`"}`)
	req.Equal(http.StatusCreated, w.Code)
	added := expect[protocol.ParticipantAdded](t, bobOut)
	req.Equal(h.carol.UserID, added.UserID)

	// Carol may now join the room.
	c1, carolOut := h.connect("c1", h.carol)
	h.join(c1, carolOut)
}

func TestAPIRemoveParticipant(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a1, aliceOut := h.connect("a1", h.alice)
	b1, bobOut := h.connect("b1", h.bob)
	h.join(a1, aliceOut)
	h.join(b1, bobOut)

	// Nobody removes anyone but themselves.
	w := h.do(http.MethodDelete, "/api/conversations/"+h.conv+"/participants/"+h.bob.UserID, h.alice, "")
	req.Equal(http.StatusForbidden, w.Code)
	req.ElementsMatch([]string{"a1", "b1"}, h.rooms.Members(h.conv))
	quiet(t, bobOut)

	w = h.do(http.MethodDelete, "/api/conversations/"+h.conv+"/participants/"+h.bob.UserID, h.bob, "")
	req.Equal(http.StatusNoContent, w.Code)

	// Bob hears about his own departure, then stops receiving the room.
	left := expect[protocol.ParticipantLeft](t, bobOut)
	req.Equal(h.bob.UserID, left.UserID)
	expect[protocol.ParticipantLeft](t, aliceOut)
	req.Equal([]string{"a1"}, h.rooms.Members(h.conv))

	h.send(a1, protocol.MessageCreated{ConversationID: h.conv, Content: "bye bob"})
	expect[protocol.NewMessage](t, aliceOut)
	quiet(t, bobOut)

	// A departed participant can neither rejoin nor remove others.
	h.send(b1, protocol.JoinConversation{ConversationID: h.conv})
	req.Equal(string(chat.CodeForbidden), expect[protocol.Error](t, bobOut).Code)
	w = h.do(http.MethodDelete, "/api/conversations/"+h.conv+"/participants/"+h.alice.UserID, h.bob, "")
	req.Equal(http.StatusForbidden, w.Code)
}
