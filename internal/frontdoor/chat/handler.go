// Package chat is the relay's HTTP surface: the streaming chat route and the
// session routes the aggregator uses for history.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/polyglot-chat-relay/internal/api/openai"
	"github.com/tjfontaine/polyglot-chat-relay/internal/auth"
	"github.com/tjfontaine/polyglot-chat-relay/internal/config"
	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
	"github.com/tjfontaine/polyglot-chat-relay/internal/relay"
	"github.com/tjfontaine/polyglot-chat-relay/internal/server"
	"github.com/tjfontaine/polyglot-chat-relay/internal/storage"
)

const maxRequestBody = 4 << 20

// Relay is the part of *relay.Relay the handler drives.
type Relay interface {
	Stream(ctx context.Context, req *domain.CompletionRequest, sink relay.FrameSink) relay.Summary
	Complete(ctx context.Context, req *domain.CompletionRequest) (*relay.Completion, error)
}

// PromptCounter estimates prompt tokens for the request log.
type PromptCounter interface {
	CountMessages(model string, msgs []domain.Message) int
}

type Handler struct {
	relay   Relay
	store   storage.Store
	holder  *config.Holder
	counter PromptCounter
	logger  *slog.Logger
}

type HandlerOption func(*Handler)

func WithPromptCounter(c PromptCounter) HandlerOption {
	return func(h *Handler) {
		h.counter = c
	}
}

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

func NewHandler(r Relay, store storage.Store, holder *config.Holder, opts ...HandlerOption) *Handler {
	h := &Handler{
		relay:  r,
		store:  store,
		holder: holder,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleChat relays one completion. Streaming requests always answer 200
// with an event stream whose last frame reports success or failure;
// non-streaming requests answer with a single JSON body.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body openai.RelayRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		server.AddError(ctx, err)
		server.WriteAPIError(w, domain.ErrInvalidRequest("invalid JSON body: "+err.Error()))
		return
	}

	req := body.ToDomain()
	req.UserAgent = r.UserAgent()
	if err := req.Validate(); err != nil {
		server.AddError(ctx, err)
		server.WriteError(w, err)
		return
	}
	h.applyDefaults(req)

	if body.SessionID != "" {
		if err := h.verifySession(ctx, body.SessionID); err != nil {
			server.AddError(ctx, err)
			server.WriteError(w, err)
			return
		}
		server.AddLogField(ctx, "session_id", body.SessionID)
	}

	server.AddLogField(ctx, "model", req.Model)
	server.AddLogField(ctx, "stream", strconv.FormatBool(req.Stream))
	if h.counter != nil {
		server.AddLogField(ctx, "prompt_tokens", strconv.Itoa(h.counter.CountMessages(req.Model, req.Messages)))
	}

	if req.Stream {
		h.stream(w, r, req)
		return
	}
	h.complete(w, r, req)
}

// applyDefaults fills generation parameters and the system turn from config.
func (h *Handler) applyDefaults(req *domain.CompletionRequest) {
	cfg := h.holder.Current()
	if cfg == nil {
		return
	}
	if req.Temperature == nil {
		req.Temperature = cfg.Relay.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = cfg.Relay.MaxTokens
	}
	req.EnsureSystemPrompt(cfg.Relay.SystemPrompt)
}

func (h *Handler) verifySession(ctx context.Context, sessionID string) error {
	id, ok := auth.FromContext(ctx)
	if !ok {
		return domain.ErrAuthentication("no identity on request")
	}
	_, err := storage.VerifyOwner(ctx, h.store, sessionID, id.ID)
	return sessionError(err)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, req *domain.CompletionRequest) {
	ctx := r.Context()
	sum := h.relay.Stream(ctx, req, relay.NewSSESink(w))

	server.AddLogField(ctx, "relay_path", string(sum.Path))
	server.AddLogField(ctx, "outcome", string(sum.Outcome))
	server.AddLogField(ctx, "frames", strconv.Itoa(sum.Frames))
	if sum.CompletionTokens > 0 {
		server.AddLogField(ctx, "completion_tokens", strconv.Itoa(sum.CompletionTokens))
	}
	if sum.Err != nil {
		server.AddLogField(ctx, "error_kind", string(sum.Err.Kind))
		server.AddError(ctx, sum.Err)
	}
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request, req *domain.CompletionRequest) {
	ctx := r.Context()
	c, err := h.relay.Complete(ctx, req)
	if errors.Is(err, domain.ErrCallerCancelled) {
		server.AddLogField(ctx, "outcome", "cancelled")
		return
	}
	if err != nil {
		re := domain.AsRelayError(err)
		server.AddLogField(ctx, "outcome", "failed")
		server.AddLogField(ctx, "error_kind", string(re.Kind))
		server.AddError(ctx, re)
		server.WriteJSON(w, re.HTTPStatusCode(), openai.ErrorResponse{
			Error: openai.ErrorBody{Message: re.Message, Type: string(re.Kind)},
		})
		return
	}

	server.AddLogField(ctx, "outcome", "completed")
	if c.Usage.CompletionTokens > 0 {
		server.AddLogField(ctx, "completion_tokens", strconv.Itoa(c.Usage.CompletionTokens))
	}

	if len(c.Raw) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(c.Raw)
		return
	}

	resp := openai.ChatCompletionResponse{
		ID:      c.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   c.Model,
		Choices: []openai.Choice{{
			Index:        0,
			Message:      openai.ChatMessage{Role: string(domain.RoleAssistant), Content: c.Content},
			FinishReason: c.FinishReason,
		}},
	}
	if c.Usage != (domain.Usage{}) {
		usage := c.Usage
		resp.Usage = &usage
	}
	server.WriteJSON(w, http.StatusOK, resp)
}

// sessionError maps storage errors onto API errors. A session owned by
// someone else is reported as missing.
func sessionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrForbidden):
		return domain.ErrNotFound("session not found").WithParam("session_id")
	}
	return err
}
