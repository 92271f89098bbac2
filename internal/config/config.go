package config

import (
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

const envPrefix = "RELAY_"

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Storage      StorageConfig      `koanf:"storage"`
	Upstream     UpstreamConfig     `koanf:"upstream"`
	Relay        RelayConfig        `koanf:"relay"`
	Capabilities CapabilitiesConfig `koanf:"capabilities"`
	Users        []UserConfig       `koanf:"users"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// RequestTimeout bounds the CRUD routes. The chat route is governed by the
	// upstream timeouts instead.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// UpstreamConfig locates the completion API the relay forwards to.
type UpstreamConfig struct {
	BaseURL      string `koanf:"base_url"`
	APIKey       string `koanf:"api_key"`
	DefaultModel string `koanf:"default_model"`
	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	// ResponseTimeout bounds the wait for upstream response headers.
	ResponseTimeout time.Duration `koanf:"response_timeout"`
	// ChunkTimeout bounds the silence between two upstream body segments.
	ChunkTimeout time.Duration `koanf:"chunk_timeout"`
}

type RelayConfig struct {
	// SystemPrompt is prepended when the caller supplies no system turn.
	SystemPrompt string `koanf:"system_prompt"`
	// SynthesisDelay paces synthesized frames. Zero disables pacing.
	SynthesisDelay time.Duration `koanf:"synthesis_delay"`
	Temperature    *float32      `koanf:"temperature"`
	MaxTokens      int           `koanf:"max_tokens"`
}

// CapabilitiesConfig overrides the built-in streaming capability table.
type CapabilitiesConfig struct {
	NonStreamingExact    []string `koanf:"non_streaming_exact"`
	NonStreamingPrefixes []string `koanf:"non_streaming_prefixes"`
	StreamingExact       []string `koanf:"streaming_exact"`
}

type UserConfig struct {
	ID      string `koanf:"id"`
	Name    string `koanf:"name"`
	KeyHash string `koanf:"key_hash"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":               8080,
	"server.request_timeout":    "30s",
	"storage.type":              "memory",
	"storage.sqlite.path":       "./data/relay.db",
	"upstream.base_url":         "https://api.openai.com/v1",
	"upstream.default_model":    "gpt-4o",
	"upstream.connect_timeout":  "10s",
	"upstream.response_timeout": "120s",
	"upstream.chunk_timeout":    "30s",
	"relay.synthesis_delay":     "20ms",
	"telemetry.service_name":    "polyglot-chat-relay",
}

// Load reads DefaultPath (if present) and RELAY_* environment variables.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads the given YAML file (a missing file is fine) and then applies
// environment overrides. RELAY_UPSTREAM__API_KEY maps to upstream.api_key.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Upstream.APIKey = substituteEnvVars(cfg.Upstream.APIKey)
	cfg.Upstream.BaseURL = strings.TrimSuffix(cfg.Upstream.BaseURL, "/")

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
