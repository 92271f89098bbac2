package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-chat-relay/internal/auth"
	"github.com/tjfontaine/polyglot-chat-relay/internal/config"
	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if seen == "" {
		t.Fatal("request ID not set in context")
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("X-Request-ID = %q, want %q", got, seen)
	}
}

func TestRequestIDMiddleware_ReusesInboundID(t *testing.T) {
	const inbound = "0b7f3c3e-8d55-4ad5-a4c1-1d9b0c6f2a10"
	tests := []struct {
		header   string
		wantSame bool
	}{
		{inbound, true},
		{"not-a-uuid", false},
	}
	for _, tt := range tests {
		var seen string
		handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestID(r.Context())
		}))
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(RequestIDHeader, tt.header)
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if (seen == tt.header) != tt.wantSame {
			t.Errorf("header %q: request ID = %q", tt.header, seen)
		}
	}
}

func TestGetRequestID_NotSet(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() = %q, want empty", got)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	var deadline time.Time
	var ok bool
	handler := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !ok {
		t.Fatal("context has no deadline")
	}
	if time.Until(deadline) > time.Second {
		t.Errorf("deadline %v too far away", deadline)
	}
}

func TestTimeoutMiddleware_Disabled(t *testing.T) {
	handler := TimeoutMiddleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("deadline set with zero timeout")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestIdentityMiddleware(t *testing.T) {
	authenticator := auth.NewAuthenticator([]config.UserConfig{
		{ID: "u1", Name: "Alice", KeyHash: auth.HashAPIKey("sk-alice")},
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantID     string
	}{
		{"valid", "Bearer sk-alice", http.StatusOK, "u1"},
		{"invalid", "Bearer sk-nope", http.StatusUnauthorized, ""},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic sk-alice", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotID string
			handler := IdentityMiddleware(authenticator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if id, ok := auth.FromContext(r.Context()); ok {
					gotID = id.ID
				}
			}))
			req := httptest.NewRequest("GET", "/api/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if gotID != tt.wantID {
				t.Errorf("identity = %q, want %q", gotID, tt.wantID)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				var body map[string]map[string]string
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					t.Fatalf("error body: %v", err)
				}
				if body["error"]["type"] != string(domain.ErrorTypeAuthentication) {
					t.Errorf("error type = %q", body["error"]["type"])
				}
			}
		})
	}
}

func TestIdentityMiddleware_Anonymous(t *testing.T) {
	var gotID string
	handler := IdentityMiddleware(auth.NewAuthenticator(nil))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		gotID = id.ID
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK || gotID != auth.AnonymousID {
		t.Errorf("status = %d, identity = %q", rec.Code, gotID)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestIDMiddleware(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "relay_path", "synthesis")
		AddLogField(r.Context(), "ignored", "")
		AddError(r.Context(), errors.New("upstream_bad_status"))
		w.WriteHeader(http.StatusBadGateway)
	})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/chat", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2", len(lines))
	}
	var done map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &done); err != nil {
		t.Fatalf("log line: %v", err)
	}
	checks := map[string]any{
		"msg":        "request completed",
		"level":      "ERROR",
		"status":     float64(http.StatusBadGateway),
		"relay_path": "synthesis",
		"error":      "upstream_bad_status",
		"path":       "/api/chat",
	}
	for k, want := range checks {
		if done[k] != want {
			t.Errorf("%s = %v, want %v", k, done[k], want)
		}
	}
	if _, ok := done["ignored"]; ok {
		t.Error("empty field was logged")
	}
	if done["request_id"] == "" {
		t.Error("request_id missing")
	}
}

func TestLoggingResponseWriter_Flush(t *testing.T) {
	handler := LoggingMiddleware(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: x\n\n"))
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush() error = %v", err)
		}
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if !rec.Flushed {
		t.Error("response was not flushed")
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	// Must not panic outside the middleware.
	AddLogField(context.Background(), "k", "v")
	AddError(context.Background(), errors.New("x"))
	AddError(context.Background(), nil)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantType   string
	}{
		{domain.ErrInvalidRequest("bad").WithParam("messages"), http.StatusBadRequest, "invalid_request"},
		{domain.ErrNotFound("nope"), http.StatusNotFound, "not_found"},
		{errors.New("boom"), http.StatusInternalServerError, "server"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		WriteError(rec, tt.err)
		if rec.Code != tt.wantStatus {
			t.Errorf("WriteError(%v) status = %d, want %d", tt.err, rec.Code, tt.wantStatus)
		}
		var body struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Error.Type != tt.wantType {
			t.Errorf("WriteError(%v) type = %q, want %q", tt.err, body.Error.Type, tt.wantType)
		}
		if strings.Contains(body.Error.Message, "boom") {
			t.Error("internal error message leaked")
		}
	}
}

func TestServerHealthz(t *testing.T) {
	s := New(0, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("X-Request-ID missing")
	}
}
