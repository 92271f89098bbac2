package relay

import (
	"errors"
	"time"

	"github.com/tjfontaine/polyglot-chat-relay/internal/api/openai"
	"github.com/tjfontaine/polyglot-chat-relay/internal/config"
)

// Target is everything the relay needs for one request, taken from a single
// configuration snapshot.
type Target struct {
	Model           string
	Endpoint        openai.Endpoint
	ResponseTimeout time.Duration
	ChunkTimeout    time.Duration
	SynthesisDelay  time.Duration
}

// Resolver maps a requested model onto an upstream target.
type Resolver interface {
	Resolve(model string) (Target, error)
}

// ConfigResolver resolves targets from the live configuration.
type ConfigResolver struct {
	holder *config.Holder
}

func NewConfigResolver(holder *config.Holder) *ConfigResolver {
	return &ConfigResolver{holder: holder}
}

func (r *ConfigResolver) Resolve(model string) (Target, error) {
	cfg := r.holder.Current()
	if cfg == nil {
		return Target{}, errors.New("no configuration loaded")
	}
	if model == "" {
		model = cfg.Upstream.DefaultModel
	}
	if model == "" {
		return Target{}, errors.New("no model requested and no default model configured")
	}
	if cfg.Upstream.BaseURL == "" {
		return Target{}, errors.New("upstream base_url is not configured")
	}
	return Target{
		Model:           model,
		Endpoint:        openai.Endpoint{BaseURL: cfg.Upstream.BaseURL, APIKey: cfg.Upstream.APIKey},
		ResponseTimeout: cfg.Upstream.ResponseTimeout,
		ChunkTimeout:    cfg.Upstream.ChunkTimeout,
		SynthesisDelay:  cfg.Relay.SynthesisDelay,
	}, nil
}

// StaticResolver always returns the same target, filling in the model.
type StaticResolver Target

func (s StaticResolver) Resolve(model string) (Target, error) {
	t := Target(s)
	if model != "" {
		t.Model = model
	}
	if t.Model == "" {
		return Target{}, errors.New("no model requested")
	}
	return t, nil
}
