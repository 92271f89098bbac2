package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

const (
	defaultUserAgent = "polyglot-chat-relay/1.0"
	// maxErrorBody caps how much of a failed upstream body is kept as detail.
	maxErrorBody = 64 * 1024
	// maxCompleteBody caps a complete upstream body.
	maxCompleteBody = 16 * 1024 * 1024
)

// Endpoint is a resolved upstream location and credential.
type Endpoint struct {
	BaseURL string
	APIKey  string
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithUserAgent sets the User-Agent used when the caller supplies none.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// Client posts chat completion requests upstream and resolves the reply into
// a domain.UpstreamBody.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// NewClient creates an upstream client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		userAgent:  defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewHTTPClient builds the traced HTTP client used for upstream calls.
// connectTimeout bounds dialing and the TLS handshake; there is no overall
// client timeout because streamed bodies are long-lived.
func NewHTTPClient(connectTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}

// Dispatch sends req to ep and waits for the response headers. An event-stream
// reply is returned unread as a StreamingChoice; anything else is read fully
// and parsed into a CompleteChoice. Failures are *domain.RelayError values,
// except that a cancelled ctx surfaces as ctx.Err().
func (c *Client) Dispatch(ctx context.Context, ep Endpoint, req *ChatCompletionRequest, userAgent string) (domain.UpstreamBody, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(ep.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, ep, req.Stream, userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Unreachable(fmt.Errorf("request failed: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, domain.BadStatus(resp.StatusCode, ParseErrorMessage(detail))
	}

	contentType := resp.Header.Get("Content-Type")
	if isEventStream(contentType) {
		return domain.StreamingChoice{Body: resp.Body, ContentType: contentType}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCompleteBody))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Unreachable(fmt.Errorf("failed to read response: %w", err))
	}

	choice, err := ParseComplete(raw)
	if err != nil {
		return nil, domain.Malformed(err)
	}
	return choice, nil
}

// ParseComplete parses a complete chat completion body.
func ParseComplete(raw []byte) (domain.CompleteChoice, error) {
	var result ChatCompletionResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.CompleteChoice{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 {
		return domain.CompleteChoice{}, errors.New("response has no choices")
	}

	choice := domain.CompleteChoice{
		ID:           result.ID,
		Model:        result.Model,
		Content:      result.Choices[0].Message.Content,
		FinishReason: result.Choices[0].FinishReason,
		Raw:          raw,
	}
	if result.Usage != nil {
		choice.Usage = *result.Usage
	}
	return choice, nil
}

func (c *Client) setHeaders(req *http.Request, ep Endpoint, stream bool, userAgent string) {
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
	if stream {
		req.Header.Set("Accept", ContentTypeEventStream)
	} else {
		req.Header.Set("Accept", "application/json")
	}

	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	} else {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(contentType), ContentTypeEventStream)
	}
	return mediaType == ContentTypeEventStream
}
