// Package aggregator is the client side of the relay: it issues chat
// requests, consumes the frame stream and assembles an always-current
// assistant message for a display layer.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/polyglot-chat-relay/internal/api/openai"
	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

const maxBody = 16 << 20

// StatusError is a non-success answer from the relay itself, such as a
// validation or authentication failure.
type StatusError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a relay over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// No overall timeout: a stream lasts as long as the answer does.
		httpClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 3 * time.Minute,
		}},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts req to the relay's chat route. Cancelling ctx aborts the
// request and closes the connection, which releases the relay's upstream
// call as well.
func (c *Client) Send(ctx context.Context, req *domain.CompletionRequest, sessionID string) (FrameSource, error) {
	body := openai.RelayRequest{
		ChatCompletionRequest: *openai.FromDomain(req, req.Stream),
		SessionID:             sessionID,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", openai.ContentTypeEventStream)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrCallerCancelled
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readStatusError(resp)
	}

	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == openai.ContentTypeEventStream {
		return NewDecoder(resp.Body, c.logger), nil
	}

	// No frame protocol: the whole body is one Delta followed by Done.
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrCallerCancelled
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if openai.IsErrorPayload(raw) {
		return Frames(domain.ErrorFrame(openai.ParseErrorMessage(raw), string(domain.KindUpstreamBadStatus))), nil
	}
	choice, err := openai.ParseComplete(raw)
	if err != nil {
		return Frames(domain.ErrorFrame(err.Error(), string(domain.KindUpstreamMalformed))), nil
	}
	return Frames(domain.DeltaFrame(choice.Content), domain.DoneFrame()), nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func readStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env openai.ErrorResponse
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		return &StatusError{StatusCode: resp.StatusCode, Type: env.Error.Type, Message: env.Error.Message}
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}
