package chat

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-chat-relay/internal/auth"
	"github.com/tjfontaine/polyglot-chat-relay/internal/server"
)

// Route is one HTTP route of the chat surface.
type Route struct {
	Path    string
	Method  string
	Handler http.HandlerFunc
	// Streaming routes are not bounded by the request timeout.
	Streaming bool
}

// CreateHandlerRegistrations lists the routes served by handler.
func CreateHandlerRegistrations(handler *Handler, basePath string) []Route {
	return []Route{
		{Path: basePath + "/api/chat", Method: http.MethodPost, Handler: handler.HandleChat, Streaming: true},
		{Path: basePath + "/api/sessions", Method: http.MethodPost, Handler: handler.HandleCreateSession},
		{Path: basePath + "/api/sessions", Method: http.MethodGet, Handler: handler.HandleListSessions},
		{Path: basePath + "/api/sessions/{id}", Method: http.MethodGet, Handler: handler.HandleGetSession},
		{Path: basePath + "/api/sessions/{id}", Method: http.MethodDelete, Handler: handler.HandleDeleteSession},
		{Path: basePath + "/api/sessions/{id}/messages", Method: http.MethodGet, Handler: handler.HandleListMessages},
		{Path: basePath + "/api/sessions/{id}/messages", Method: http.MethodPost, Handler: handler.HandleAddMessage},
	}
}

// Mount registers routes on r behind the identity middleware. Non-streaming
// routes also get requestTimeout.
func Mount(r chi.Router, routes []Route, authenticator *auth.Authenticator, requestTimeout time.Duration) {
	r.Group(func(r chi.Router) {
		r.Use(server.IdentityMiddleware(authenticator))
		for _, rt := range routes {
			if rt.Streaming {
				r.Method(rt.Method, rt.Path, rt.Handler)
				continue
			}
			r.With(server.TimeoutMiddleware(requestTimeout)).Method(rt.Method, rt.Path, rt.Handler)
		}
	})
}
