package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

// History persists finished turns of one session.
type History interface {
	AddMessage(ctx context.Context, sessionID string, role domain.Role, content string) error
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
}

var _ History = (*Client)(nil)

type sessionBody struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// CreateSession creates a session on the relay and returns its ID.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	var out sessionBody
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", sessionBody{Title: title}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) AddMessage(ctx context.Context, sessionID string, role domain.Role, content string) error {
	body := Message{Role: role, Content: content}
	return c.doJSON(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", body, nil)
}

func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
