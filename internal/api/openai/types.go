// Package openai holds the chat-completions wire format shared by the relay
// (inbound and upstream) and the aggregator, plus the upstream HTTP client.
package openai

import (
	"encoding/json"
	"strings"

	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

// ChatCompletionRequest is the upstream request body.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// RelayRequest is the inbound body of the relay's chat route.
type RelayRequest struct {
	ChatCompletionRequest
	// SessionID ties the call to a stored session the caller must own.
	SessionID string `json:"session_id,omitempty"`
}

// ToDomain converts the inbound body into a CompletionRequest.
func (r *RelayRequest) ToDomain() *domain.CompletionRequest {
	msgs := make([]domain.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = domain.Message{Role: domain.Role(m.Role), Content: m.Content}
	}
	return &domain.CompletionRequest{
		Model:       r.Model,
		Messages:    msgs,
		Stream:      r.Stream,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
	}
}

// ChatMessage is a message in requests and complete responses.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is a complete (non-streaming) reply.
type ChatCompletionResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []Choice      `json:"choices"`
	Usage   *domain.Usage `json:"usage,omitempty"`
}

// Choice is one entry of a complete reply.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ChatCompletionChunk is the JSON payload of one SSE data line.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *domain.Usage `json:"usage,omitempty"`
}

// ChunkChoice carries the incremental delta of a chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental part of a chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ErrorResponse is the error envelope used both by upstreams and by the
// relay's own Error frames.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes an error.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Param   string `json:"param,omitempty"`
	Code    any    `json:"code,omitempty"`
}

// FromDomain converts a CompletionRequest into the upstream body.
func FromDomain(req *domain.CompletionRequest, stream bool) *ChatCompletionRequest {
	msgs := make([]ChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ChatMessage{Role: string(m.Role), Content: m.Content}
	}
	return &ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

// ParseErrorMessage extracts a readable message from an upstream error body,
// falling back to the trimmed body itself.
func ParseErrorMessage(body []byte) string {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	return strings.TrimSpace(string(body))
}
