package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/whisper/convo/internal/chat"
	"github.com/whisper/convo/internal/metrics"
	"github.com/whisper/convo/internal/protocol"
	"github.com/whisper/convo/internal/store"
)

// Authenticator resolves the identity behind an HTTP request.
type Authenticator interface {
	Authenticate(r *http.Request) (chat.Identity, error)
}

type identityKey struct{}

type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

type updateMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

type addParticipantRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type participantResponse struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	JoinedAt       time.Time `json:"joinedAt"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var validate = validator.New()

// APIHandler returns the REST surface for message history, edits, deletes
// and participant changes. Every request is authenticated with auth. Each
// mutation publishes its event after the store has committed it.
func (g *Gateway) APIHandler(auth Authenticator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations/{id}/messages", g.handleListMessages)
	mux.HandleFunc("PATCH /api/messages/{id}", g.handleUpdateMessage)
	mux.HandleFunc("DELETE /api/messages/{id}", g.handleDeleteMessage)
	mux.HandleFunc("POST /api/conversations/{id}/participants", g.handleAddParticipant)
	mux.HandleFunc("DELETE /api/conversations/{id}/participants/{userId}", g.handleRemoveParticipant)
	return requireIdentity(auth, mux)
}

func requireIdentity(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func identityFrom(ctx context.Context) chat.Identity {
	id, _ := ctx.Value(identityKey{}).(chat.Identity)
	return id
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identityFrom(ctx)
	conv := r.PathValue("id")

	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := g.store.IsActiveParticipant(ctx, conv, id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, chat.NewError(chat.CodeForbidden, "not a participant of this conversation", nil))
		return
	}

	msgs, err := g.store.ListMessages(ctx, conv, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

func listOptions(r *http.Request) (store.ListOptions, error) {
	var opts store.ListOptions
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, chat.NewError(chat.CodeInvalidInput, "limit must be a non-negative integer", err)
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, chat.NewError(chat.CodeInvalidInput, "offset must be a non-negative integer", err)
		}
		opts.Offset = n
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return opts, chat.NewError(chat.CodeInvalidInput, "before must be an RFC 3339 timestamp", err)
		}
		opts.Before = t
	}
	return opts, nil
}

func (g *Gateway) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identityFrom(ctx)

	var req updateMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if g.filter != nil {
		if res := g.filter.Check(req.Content); res.Blocked {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			writeError(w, chat.NewError(chat.CodeInvalidInput, "message blocked by moderation", nil))
			return
		}
	}

	msg, err := g.store.UpdateMessage(ctx, r.PathValue("id"), id.UserID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	g.recent.Replace(*msg)
	g.publish(ctx, msg.ConversationID, protocol.MessageUpdated{ConversationID: msg.ConversationID, Message: *msg})
	metrics.MessagesTotal.WithLabelValues("edited").Inc()
	writeJSON(w, http.StatusOK, msg)
}

func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identityFrom(ctx)

	msg, err := g.store.SoftDeleteMessage(ctx, r.PathValue("id"), id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	g.recent.Replace(*msg)
	g.publish(ctx, msg.ConversationID, protocol.MessageDeleted{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		DeletedAt:      *msg.DeletedAt,
	})
	metrics.MessagesTotal.WithLabelValues("deleted").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identityFrom(ctx)
	conv := r.PathValue("id")

	var req addParticipantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ok, err := g.store.IsActiveParticipant(ctx, conv, id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, chat.NewError(chat.CodeForbidden, "not a participant of this conversation", nil))
		return
	}

	p, err := g.store.AddParticipant(ctx, conv, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	g.publish(ctx, conv, protocol.ParticipantAdded{ConversationID: conv, UserID: p.UserID})
	writeJSON(w, http.StatusCreated, participantResponse{
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		JoinedAt:       p.JoinedAt,
	})
}

// handleRemoveParticipant lets a participant leave. Conversations have no
// roles, so removing someone else is refused. The departed user's
// connections stop receiving the room's events once the ParticipantLeft
// event has gone out.
func (g *Gateway) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identityFrom(ctx)
	conv := r.PathValue("id")
	target := r.PathValue("userId")

	if target != id.UserID {
		writeError(w, chat.NewError(chat.CodeForbidden, "participants can only remove themselves", nil))
		return
	}

	ok, err := g.store.IsActiveParticipant(ctx, conv, id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, chat.NewError(chat.CodeForbidden, "not a participant of this conversation", nil))
		return
	}

	if err := g.store.RemoveParticipant(ctx, conv, target); err != nil {
		writeError(w, err)
		return
	}
	g.publish(ctx, conv, protocol.ParticipantLeft{ConversationID: conv, UserID: target})
	g.evict(ctx, conv, target)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) publish(ctx context.Context, conv string, ev protocol.ServerEvent) {
	if err := g.router.Publish(ctx, conv, ev); err != nil {
		g.log.ErrorContext(ctx, "publish failed", "conversation", conv, "event", ev.EventType(), "err", err)
	}
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return chat.NewError(chat.CodeInvalidInput, "malformed request body", err)
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return chat.NewError(chat.CodeInvalidInput,
				fmt.Sprintf("field %s failed %q", verrs[0].Field(), verrs[0].Tag()), nil)
		}
		return chat.NewError(chat.CodeInvalidInput, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	code := chat.CodeOf(err)
	writeJSON(w, statusFor(code), errorResponse{Error: chat.ReasonOf(err), Code: string(code)})
}

func statusFor(code chat.Code) int {
	switch code {
	case chat.CodeUnauthenticated:
		return http.StatusUnauthorized
	case chat.CodeForbidden, chat.CodeNotParticipant, chat.CodeNotOwner:
		return http.StatusForbidden
	case chat.CodeNotFound:
		return http.StatusNotFound
	case chat.CodeInvalidInput, chat.CodeInvalidReplyTarget:
		return http.StatusBadRequest
	case chat.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
