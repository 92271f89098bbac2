package server

import (
	"net/http"

	"github.com/tjfontaine/polyglot-chat-relay/internal/auth"
	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

// IdentityMiddleware resolves the caller from the bearer key and stores the
// identity in the request context. With no users configured every request
// runs as the anonymous identity.
func IdentityMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var apiKey string
			if !authenticator.Anonymous() {
				key, err := auth.ExtractAPIKey(r)
				if err != nil {
					AddError(r.Context(), err)
					writeUnauthorized(w, err.Error())
					return
				}
				apiKey = key
			}

			id, err := authenticator.Lookup(apiKey)
			if err != nil {
				AddError(r.Context(), err)
				writeUnauthorized(w, "Invalid API key")
				return
			}

			AddLogField(r.Context(), "user_id", id.ID)
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	WriteAPIError(w, domain.ErrAuthentication(message))
}
