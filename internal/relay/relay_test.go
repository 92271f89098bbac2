package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/polyglot-chat-relay/internal/api/openai"
	"github.com/tjfontaine/polyglot-chat-relay/internal/capability"
	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

const (
	chunkHel = `data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Hel"}}]}`
	chunkLo  = `data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo!"}}]}`
)

type fixture struct {
	relay  *Relay
	target Target

	mu   sync.Mutex
	last *openai.ChatCompletionRequest
}

// upstream returns the decoded body of the last upstream request.
func (f *fixture) upstream() *openai.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func newFixture(t *testing.T, handler http.HandlerFunc, tweak ...func(*Target)) *fixture {
	t.Helper()
	f := &fixture{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body openai.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.last = &body
		f.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	f.target = Target{
		Endpoint:        openai.Endpoint{BaseURL: server.URL, APIKey: "sk-test"},
		ResponseTimeout: 5 * time.Second,
		ChunkTimeout:    5 * time.Second,
	}
	for _, fn := range tweak {
		fn(&f.target)
	}
	client := openai.NewClient(openai.WithHTTPClient(openai.NewHTTPClient(time.Second)))
	f.relay = New(StaticResolver(f.target), capability.NewRegistry(capability.Builtin()), client)
	return f
}

func hi(model string, stream bool) *domain.CompletionRequest {
	return &domain.CompletionRequest{
		Model:    model,
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
		Stream:   stream,
	}
}

func sseHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, body)
	}
}

func completeHandler(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-o3",
			"object": "chat.completion",
			"model":  "o3",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}
}

// frames decodes a recorded SSE body into frames.
func frames(t *testing.T, body string) []domain.Frame {
	t.Helper()
	var out []domain.Frame
	for _, line := range strings.Split(body, "\n") {
		kind, payload := openai.ClassifyLine([]byte(line))
		switch kind {
		case openai.LineDone:
			out = append(out, domain.DoneFrame())
		case openai.LineData:
			f, err := openai.ParseChunk(payload)
			require.NoError(t, err, "payload %q", payload)
			out = append(out, f)
		}
	}
	return out
}

func TestStreamPassthroughIsByteIdentical(t *testing.T) {
	upstream := chunkHel + "\n\n" + chunkLo + "\n\n" + "data: [DONE]\n\n"
	f := newFixture(t, sseHandler(upstream))

	rec := httptest.NewRecorder()
	sum := f.relay.Stream(context.Background(), hi("gpt-4o", true), NewSSESink(rec))

	assert.Equal(t, OutcomeCompleted, sum.Outcome)
	assert.Equal(t, PathPassthrough, sum.Path)
	assert.Equal(t, 2, sum.Frames)
	assert.Nil(t, sum.Err)
	assert.Equal(t, upstream, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.NotNil(t, f.upstream())
	assert.True(t, f.upstream().Stream)
}

func TestStreamSynthesizesForNonStreamingModel(t *testing.T) {
	f := newFixture(t, completeHandler("Hello there"))

	rec := httptest.NewRecorder()
	sum := f.relay.Stream(context.Background(), hi("o3", true), NewSSESink(rec))

	assert.Equal(t, OutcomeCompleted, sum.Outcome)
	assert.Equal(t, PathSynthesis, sum.Path)
	require.NotNil(t, f.upstream())
	assert.False(t, f.upstream().Stream, "o3 must be requested without streaming")

	got := frames(t, rec.Body.String())
	require.Len(t, got, 3)
	assert.Equal(t, domain.DeltaFrame("Hello"), got[0])
	assert.Equal(t, domain.DeltaFrame(" there"), got[1])
	assert.Equal(t, domain.FrameDone, got[2].Kind)
	assert.True(t, strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n"))
}

func TestStreamSynthesisNormalizesWhitespace(t *testing.T) {
	f := newFixture(t, completeHandler("  one \n\n two\tthree  "))

	rec := httptest.NewRecorder()
	f.relay.Stream(context.Background(), hi("o3-pro", true), NewSSESink(rec))

	var text strings.Builder
	for _, fr := range frames(t, rec.Body.String()) {
		text.WriteString(fr.Text)
	}
	assert.Equal(t, "one two three", text.String())
}

func TestStreamEmptyCompletionSendsOnlyDone(t *testing.T) {
	f := newFixture(t, completeHandler(""))

	rec := httptest.NewRecorder()
	sum := f.relay.Stream(context.Background(), hi("o1", true), NewSSESink(rec))

	assert.Equal(t, OutcomeCompleted, sum.Outcome)
	assert.Equal(t, "data: [DONE]\n\n", rec.Body.String())
}

func TestStreamUpstreamBadStatus(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":{"message":"The server had an error","type":"server_error"}}`)
	})

	rec := httptest.NewRecorder()
	sum := f.relay.Stream(context.Background(), hi("gpt-4o", true), NewSSESink(rec))

	assert.Equal(t, OutcomeFailed, sum.Outcome)
	require.NotNil(t, sum.Err)
	assert.Equal(t, domain.KindUpstreamBadStatus, sum.Err.Kind)
	assert.Equal(t, http.StatusOK, rec.Code)

	got := frames(t, rec.Body.String())
	require.Len(t, got, 1)
	assert.Equal(t, domain.FrameError, got[0].Kind)
	assert.Equal(t, "The server had an error", got[0].Message)
	assert.Equal(t, string(domain.KindUpstreamBadStatus), got[0].ErrorType)
}

func TestStreamTruncatedUpstream(t *testing.T) {
	f := newFixture(t, sseHandler(chunkHel+"\n\n"))

	rec := httptest.NewRecorder()
	sum := f.relay.Stream(context.Background(), hi("gpt-4o", true), NewSSESink(rec))

	assert.Equal(t, OutcomeFailed, sum.Outcome)
	got := frames(t, rec.Body.String())
	require.Len(t, got, 2)
	assert.Equal(t, domain.DeltaFrame("Hel"), got[0])
	assert.Equal(t, domain.FrameError, got[1].Kind)
	assert.Equal(t, string(domain.KindUpstreamUnreachable), got[1].ErrorType)
}

func TestStreamPartialLineBeforeEOFStillClosesEvent(t *testing.T) {
	f := newFixture(t, sseHandler(chunkHel+"\n\n"+`data: {"choi`))

	rec := httptest.NewRecorder()
	f.relay.Stream(context.Background(), hi("gpt-4o", true), NewSSESink(rec))

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"choi`+"\n\n"+`data: {"error"`)
}

func TestStreamForwardsUpstreamErrorEnvelope(t *testing.T) {
	envelope := `data: {"error":{"message":"rate limited","type":"rate_limit_error"}}`
	f := newFixture(t, sseHandler(chunkHel+"\n\n"+envelope+"\n\n"+chunkLo+"\n\n"))

	rec := httptest.NewRecorder()
	sum := f.relay.Stream(context.Background(), hi("gpt-4o", true), NewSSESink(rec))

	assert.Equal(t, OutcomeFailed, sum.Outcome)
	assert.Equal(t, chunkHel+"\n\n"+envelope+"\n\n", rec.Body.String())
	got := frames(t, rec.Body.String())
	require.Len(t, got, 2)
	assert.Equal(t, "rate limited", got[1].Message)
}

func TestStreamChunkTimeout(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, chunkHel+"\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}, func(tg *Target) { tg.ChunkTimeout = 100 * time.Millisecond })

	rec := httptest.NewRecorder()
	sum := f.relay.Stream(context.Background(), hi("gpt-4o", true), NewSSESink(rec))

	assert.Equal(t, OutcomeFailed, sum.Outcome)
	require.NotNil(t, sum.Err)
	assert.Equal(t, domain.KindUpstreamUnreachable, sum.Err.Kind)
	assert.Contains(t, sum.Err.Message, "timed out")

	got := frames(t, rec.Body.String())
	require.Len(t, got, 2)
	assert.Equal(t, domain.FrameError, got[1].Kind)
}

func TestStreamResponseTimeout(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, func(tg *Target) { tg.ResponseTimeout = 100 * time.Millisecond })

	rec := httptest.NewRecorder()
	sum := f.relay.Stream(context.Background(), hi("gpt-4o", true), NewSSESink(rec))

	assert.Equal(t, OutcomeFailed, sum.Outcome)
	require.NotNil(t, sum.Err)
	assert.Equal(t, domain.KindUpstreamUnreachable, sum.Err.Kind)
	assert.Contains(t, sum.Err.Message, "response headers")
}

// cancellingSink cancels the request after the first write.
type cancellingSink struct {
	*SSESink
	cancel context.CancelFunc
	writes int
}

func (s *cancellingSink) Raw(p []byte) error {
	s.writes++
	defer s.cancel()
	return s.SSESink.Raw(p)
}

func (s *cancellingSink) Frame(meta openai.ChunkMeta, fr domain.Frame) error {
	s.writes++
	defer s.cancel()
	return s.SSESink.Frame(meta, fr)
}

func TestStreamCallerCancelDuringPassthrough(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, chunkHel+"\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := httptest.NewRecorder()
	sink := &cancellingSink{SSESink: NewSSESink(rec), cancel: cancel}
	sum := f.relay.Stream(ctx, hi("gpt-4o", true), sink)

	assert.Equal(t, OutcomeCancelled, sum.Outcome)
	assert.Nil(t, sum.Err)
	assert.NotContains(t, rec.Body.String(), `"error"`)
	assert.NotContains(t, rec.Body.String(), "[DONE]")
}

func TestStreamCallerCancelDuringSynthesis(t *testing.T) {
	f := newFixture(t, completeHandler("a b c d"), func(tg *Target) { tg.SynthesisDelay = time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := httptest.NewRecorder()
	sink := &cancellingSink{SSESink: NewSSESink(rec), cancel: cancel}

	start := time.Now()
	sum := f.relay.Stream(ctx, hi("o3", true), sink)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, OutcomeCancelled, sum.Outcome)
	assert.Equal(t, 1, sink.writes)
	got := frames(t, rec.Body.String())
	require.Len(t, got, 1)
	assert.Equal(t, domain.DeltaFrame("a"), got[0])
}

func TestStreamCancelledBeforeDispatchWritesNothing(t *testing.T) {
	f := newFixture(t, completeHandler("never"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	sum := f.relay.Stream(ctx, hi("gpt-4o", true), NewSSESink(rec))

	assert.Equal(t, OutcomeCancelled, sum.Outcome)
	assert.Empty(t, rec.Body.String())
}

func TestStreamResolveFailure(t *testing.T) {
	r := New(StaticResolver{}, capability.NewRegistry(), openai.NewClient())

	rec := httptest.NewRecorder()
	sum := r.Stream(context.Background(), hi("", true), NewSSESink(rec))

	assert.Equal(t, OutcomeFailed, sum.Outcome)
	got := frames(t, rec.Body.String())
	require.Len(t, got, 1)
	assert.Equal(t, string(domain.KindUpstreamUnreachable), got[0].ErrorType)
}

type fixedCounter int

func (c fixedCounter) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	return int(c)
}

func TestStreamCountsCompletionTokens(t *testing.T) {
	f := newFixture(t, sseHandler(chunkHel+"\n\n"+chunkLo+"\n\ndata: [DONE]\n\n"))
	f.relay.counter = fixedCounter(2)

	sum := f.relay.Stream(context.Background(), hi("gpt-4o", true), NewSSESink(httptest.NewRecorder()))
	assert.Equal(t, 2, sum.CompletionTokens)
}

func TestCompleteReturnsUpstreamBody(t *testing.T) {
	f := newFixture(t, completeHandler("Hello there"))

	got, err := f.relay.Complete(context.Background(), hi("gpt-4o", false))
	require.NoError(t, err)
	assert.Equal(t, "Hello there", got.Content)
	assert.Equal(t, "chatcmpl-o3", got.ID)
	assert.Equal(t, "stop", got.FinishReason)
	assert.True(t, json.Valid(got.Raw))
	assert.False(t, f.upstream().Stream)
}

func TestCompleteCollapsesStreamedReply(t *testing.T) {
	f := newFixture(t, sseHandler(chunkHel+"\n\n"+chunkLo+"\n\ndata: [DONE]\n\n"))

	got, err := f.relay.Complete(context.Background(), hi("gpt-4o", false))
	require.NoError(t, err)
	assert.Equal(t, "Hello!", got.Content)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.True(t, strings.HasPrefix(got.ID, "chatcmpl-"))
}

func TestCompleteErrors(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, "slow down")
	})

	_, err := f.relay.Complete(context.Background(), hi("gpt-4o", false))
	var re *domain.RelayError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, domain.KindUpstreamBadStatus, re.Kind)
	assert.Equal(t, http.StatusTooManyRequests, re.StatusCode)
	assert.Equal(t, "slow down", re.Message)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.relay.Complete(ctx, hi("gpt-4o", false))
	assert.ErrorIs(t, err, domain.ErrCallerCancelled)
}

func TestSplitTokens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Hello there", []string{"Hello", " there"}},
		{"", nil},
		{"   ", nil},
		{"one", []string{"one"}},
		{" a\n\nb\tc ", []string{"a", " b", " c"}},
	}
	for _, tt := range tests {
		got := SplitTokens(tt.in)
		if len(tt.want) == 0 {
			assert.Empty(t, got, "SplitTokens(%q)", tt.in)
			continue
		}
		assert.Equal(t, tt.want, got, "SplitTokens(%q)", tt.in)
	}
}

func TestSSESinkClosesOpenEventBeforeFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"closed", "data: x\n\n", "data: x\n\ndata: [DONE]\n\n"},
		{"after newline", "data: x\n", "data: x\n\ndata: [DONE]\n\n"},
		{"mid line", "data: x", "data: x\n\ndata: [DONE]\n\n"},
		{"crlf closed", "data: x\r\n\r\n", "data: x\r\n\r\ndata: [DONE]\n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s := NewSSESink(rec)
			require.NoError(t, s.Raw([]byte(tt.raw)))
			require.NoError(t, s.Frame(openai.ChunkMeta{}, domain.DoneFrame()))
			assert.Equal(t, tt.want, rec.Body.String())
			assert.True(t, s.Started())
		})
	}
}

func TestCloseEvent(t *testing.T) {
	assert.Equal(t, []byte("data: [DONE]\n\n"), closeEvent([]byte("data: [DONE]\n")))
	assert.Equal(t, []byte("data: [DONE]\r\n\r\n"), closeEvent([]byte("data: [DONE]\r\n")))
	assert.Equal(t, []byte("data: [DONE]\n\n"), closeEvent([]byte("data: [DONE]")))
	assert.True(t, bytes.HasSuffix(closeEvent([]byte("x\n")), []byte("\n\n")))
}
