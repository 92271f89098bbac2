package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

type errorEnvelope struct {
	Error *domain.APIError `json:"error"`
}

// WriteAPIError answers with {"error":{"type","message","param"}} and the
// error's status code.
func WriteAPIError(w http.ResponseWriter, apiErr *domain.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatusCode())
	json.NewEncoder(w).Encode(errorEnvelope{Error: apiErr})
}

// WriteError maps err onto an API error. Unknown errors become a 500 with a
// generic message so internals do not leak.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		WriteAPIError(w, apiErr)
		return
	}
	WriteAPIError(w, domain.ErrServer("internal server error"))
}

// WriteJSON answers with v encoded as JSON.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
