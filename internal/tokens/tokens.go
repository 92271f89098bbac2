// Package tokens estimates token counts for request logging. Counts are never
// sent to callers; they only annotate the per-request log line.
package tokens

import (
	"strings"

	"github.com/tjfontaine/polyglot-chat-relay/internal/domain"
)

// Counter counts tokens for the models it supports.
type Counter interface {
	CountText(model, text string) (int, error)
	SupportsModel(model string) bool
}

// Per-message framing overhead of the chat format: 3 tokens for the message
// envelope and 1 for the role, plus 3 to prime the assistant reply.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	replyPriming     = 3
)

// Registry picks the first registered counter that supports a model and
// falls back to the Estimator.
type Registry struct {
	counters []Counter
	fallback Counter
}

func NewRegistry(counters ...Counter) *Registry {
	return &Registry{counters: counters, fallback: NewEstimator()}
}

// Default returns a registry with tiktoken for OpenAI models.
func Default() *Registry {
	return NewRegistry(NewTiktokenCounter())
}

// Register adds a counter ahead of the fallback.
func (r *Registry) Register(c Counter) {
	r.counters = append(r.counters, c)
}

func (r *Registry) counterFor(model string) Counter {
	for _, c := range r.counters {
		if c.SupportsModel(model) {
			return c
		}
	}
	return r.fallback
}

// CountText never fails: a counter error degrades to the estimate.
func (r *Registry) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	n, err := r.counterFor(model).CountText(model, text)
	if err != nil {
		n, _ = r.fallback.CountText(model, text)
	}
	return n
}

// CountMessages counts the prompt tokens of a conversation.
func (r *Registry) CountMessages(model string, msgs []domain.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := replyPriming
	for _, m := range msgs {
		total += tokensPerMessage + tokensPerRole + r.CountText(model, m.Content)
	}
	return total
}

// Estimator approximates tokens from the character count.
type Estimator struct {
	CharsPerToken float64
}

func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

func (e *Estimator) CountText(model, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	n := int(float64(len(text)) / e.CharsPerToken)
	if n == 0 {
		n = 1
	}
	return n, nil
}

// SupportsModel returns true; the estimator is the fallback for everything.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// ModelMatcher matches model names by exact name or prefix.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

func (m *ModelMatcher) Matches(model string) bool {
	model = strings.ToLower(model)
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
