package aggregator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/polyglot-chat-relay/internal/api/openai"
	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

func drain(t *testing.T, src FrameSource) []domain.Frame {
	t.Helper()
	defer src.Close()
	var out []domain.Frame
	for {
		f, err := src.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func TestClientSendRequest(t *testing.T) {
	var got openai.RelayRequest
	var auth, accept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		auth = r.Header.Get("Authorization")
		accept = r.Header.Get("Accept")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", WithAPIKey("sk-1"))
	src, err := c.Send(context.Background(), &domain.CompletionRequest{
		Model:    "gpt-4o",
		Stream:   true,
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
	}, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, []domain.Frame{domain.DoneFrame()}, drain(t, src))
	assert.Equal(t, "Bearer sk-1", auth)
	assert.Equal(t, openai.ContentTypeEventStream, accept)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.True(t, got.Stream)
	assert.Equal(t, "sess-1", got.SessionID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Hi", got.Messages[0].Content)
}

func TestClientJSONFallback(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []domain.Frame
	}{
		{
			name: "complete body becomes one delta",
			body: `{"choices":[{"message":{"content":"Hello there"}}]}`,
			want: []domain.Frame{domain.DeltaFrame("Hello there"), domain.DoneFrame()},
		},
		{
			name: "error envelope",
			body: `{"error":{"message":"quota exceeded"}}`,
			want: []domain.Frame{domain.ErrorFrame("quota exceeded", string(domain.KindUpstreamBadStatus))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			src, err := NewClient(srv.URL).Send(context.Background(), &domain.CompletionRequest{Model: "o3"}, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, drain(t, src))
		})
	}
}

func TestClientMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>oops</html>")
	}))
	defer srv.Close()

	src, err := NewClient(srv.URL).Send(context.Background(), &domain.CompletionRequest{Model: "o3"}, "")
	require.NoError(t, err)
	frames := drain(t, src)
	require.Len(t, frames, 1)
	assert.Equal(t, domain.FrameError, frames[0].Kind)
	assert.Equal(t, string(domain.KindUpstreamMalformed), frames[0].ErrorType)
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"invalid api key","type":"authentication_error"}}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Send(context.Background(), &domain.CompletionRequest{Model: "gpt-4o"}, "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, "authentication_error", se.Type)
	assert.Equal(t, "invalid api key", se.Message)
}

func TestClientSendCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient("http://127.0.0.1:1").Send(ctx, &domain.CompletionRequest{Model: "gpt-4o"}, "")
	assert.ErrorIs(t, err, domain.ErrCallerCancelled)
}
