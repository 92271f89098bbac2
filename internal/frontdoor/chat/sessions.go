package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-chat-relay/internal/auth"
	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
	"github.com/tjfontaine/polyglot-chat-relay/internal/server"
	"github.com/tjfontaine/polyglot-chat-relay/internal/storage"
)

type createSessionRequest struct {
	Title string `json:"title"`
}

type addMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionList is the body of GET /api/sessions.
type SessionList struct {
	Sessions []*storage.Session `json:"sessions"`
}

// MessageList is the body of GET /api/sessions/{id}/messages.
type MessageList struct {
	Messages []*storage.StoredMessage `json:"messages"`
}

func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	// The body is optional.
	var body createSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		server.WriteAPIError(w, domain.ErrInvalidRequest("invalid JSON body: "+err.Error()))
		return
	}

	sess := &storage.Session{
		ID:      uuid.NewString(),
		OwnerID: id.ID,
		Title:   strings.TrimSpace(body.Title),
	}
	if err := h.store.CreateSession(r.Context(), sess); err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, err)
		return
	}
	server.AddLogField(r.Context(), "session_id", sess.ID)
	server.WriteJSON(w, http.StatusCreated, sess)
}

func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	opts := storage.ListOptions{OwnerID: id.ID}
	var err error
	if opts.Limit, err = queryInt(r, "limit"); err != nil {
		server.WriteAPIError(w, domain.ErrInvalidRequest(err.Error()).WithParam("limit"))
		return
	}
	if opts.Offset, err = queryInt(r, "offset"); err != nil {
		server.WriteAPIError(w, domain.ErrInvalidRequest(err.Error()).WithParam("offset"))
		return
	}

	sessions, err := h.store.ListSessions(r.Context(), opts)
	if err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*storage.Session{}
	}
	server.WriteJSON(w, http.StatusOK, SessionList{Sessions: sessions})
}

func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	server.WriteJSON(w, http.StatusOK, sess)
}

func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteSession(r.Context(), sess.ID); err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, sessionError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	msgs, err := h.store.ListMessages(r.Context(), sess.ID)
	if err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, sessionError(err))
		return
	}
	if msgs == nil {
		msgs = []*storage.StoredMessage{}
	}
	server.WriteJSON(w, http.StatusOK, MessageList{Messages: msgs})
}

// HandleAddMessage persists one turn. Blank content is rejected so a failed
// or empty assistant reply never reaches history.
func (h *Handler) HandleAddMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var body addMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		server.WriteAPIError(w, domain.ErrInvalidRequest("invalid JSON body: "+err.Error()))
		return
	}
	if !domain.Role(body.Role).Valid() {
		server.WriteAPIError(w, domain.ErrInvalidRequest("unsupported role "+body.Role).WithParam("role"))
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		server.WriteAPIError(w, domain.ErrInvalidRequest("content must not be empty").WithParam("content"))
		return
	}

	msg := &storage.StoredMessage{
		ID:      uuid.NewString(),
		Role:    body.Role,
		Content: body.Content,
	}
	if err := h.store.AddMessage(r.Context(), sess.ID, msg); err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, sessionError(err))
		return
	}
	server.WriteJSON(w, http.StatusCreated, msg)
}

func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (*storage.Session, bool) {
	id, ok := identity(w, r)
	if !ok {
		return nil, false
	}
	sessionID := chi.URLParam(r, "id")
	server.AddLogField(r.Context(), "session_id", sessionID)

	sess, err := storage.VerifyOwner(r.Context(), h.store, sessionID, id.ID)
	if err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, sessionError(err))
		return nil, false
	}
	return sess, true
}

func identity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		server.WriteAPIError(w, domain.ErrAuthentication("no identity on request"))
		return nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
