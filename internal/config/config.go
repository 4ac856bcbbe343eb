// Package config loads the weftd service configuration from a YAML file
// and WEFT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/weftworks/weft/internal/engine"
)

// DefaultPath is consulted when no config file is given. A missing default
// file is not an error; the service runs on env vars and defaults alone.
const DefaultPath = "weft.yaml"

// Config is the full weftd service configuration.
type Config struct {
	Server    ServerConfig            `koanf:"server"`
	Store     StoreConfig             `koanf:"store"`
	Feed      FeedConfig              `koanf:"feed"`
	Engine    EngineConfig            `koanf:"engine"`
	Telemetry TelemetryConfig         `koanf:"telemetry"`
	Sections  []SectionConfig         `koanf:"sections"`
	Consumers []engine.ConsumerConfig `koanf:"consumers"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
	// OpsTokenHash is the SHA-256 hex digest of the ops API token. Empty
	// disables auth on the ops endpoints. cmd/keygen prints matching pairs.
	OpsTokenHash string `koanf:"ops_token_hash"`
}

type StoreConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, remote
	SQLite SQLiteConfig `koanf:"sqlite"`
	Remote RemoteConfig `koanf:"remote"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type RemoteConfig struct {
	BaseURL string `koanf:"base_url"`
	Token   string `koanf:"token"`
}

type FeedConfig struct {
	Type string `koanf:"type"` // bus, sse
	// Buffer bounds the in-process bus; publishers block when it is full.
	Buffer    int    `koanf:"buffer"`
	StreamURL string `koanf:"stream_url"`
	Token     string `koanf:"token"`
}

type EngineConfig struct {
	SourceTimeout   time.Duration   `koanf:"source_timeout"`
	PublishAttempts int             `koanf:"publish_attempts"`
	CacheTTL        time.Duration   `koanf:"cache_ttl"`
	Estimator       EstimatorConfig `koanf:"estimator"`
}

type EstimatorConfig struct {
	Type  string `koanf:"type"`  // heuristic, tiktoken
	Model string `koanf:"model"` // tokenizer model, tiktoken only
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// SectionConfig overrides or extends the built-in schema-to-section table.
type SectionConfig struct {
	Schema         string `koanf:"schema"`
	Section        string `koanf:"section"`
	Priority       int    `koanf:"priority"`
	Conversational bool   `koanf:"conversational"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the YAML file at path, overlays WEFT_* environment variables
// (WEFT_SERVER__ADDR sets server.addr), fills defaults, and validates. An
// empty path falls back to DefaultPath, which may be absent.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	} else if err := k.Load(file.Provider(DefaultPath), yaml.Parser()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load config %s: %w", DefaultPath, err)
	}

	if err := k.Load(env.Provider("WEFT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "WEFT_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range map[string]any{
		"server.addr":             ":8080",
		"store.type":              "memory",
		"feed.type":               "bus",
		"feed.buffer":             64,
		"engine.source_timeout":   "5s",
		"engine.publish_attempts": 3,
		"engine.cache_ttl":        "5s",
		"engine.estimator.type":   "heuristic",
		"telemetry.service_name":  "weft",
	} {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Secrets are usually referenced as ${VAR} rather than written into the
	// file. Resolve them after unmarshal so env overlays get the same
	// treatment as file values.
	cfg.Server.OpsTokenHash = substituteEnvVars(cfg.Server.OpsTokenHash)
	cfg.Store.Remote.Token = substituteEnvVars(cfg.Store.Remote.Token)
	cfg.Feed.Token = substituteEnvVars(cfg.Feed.Token)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("config: store.sqlite.path is required for the sqlite store")
		}
	case "remote":
		if c.Store.Remote.BaseURL == "" {
			return fmt.Errorf("config: store.remote.base_url is required for the remote store")
		}
	default:
		return fmt.Errorf("config: unknown store.type %q", c.Store.Type)
	}

	switch c.Feed.Type {
	case "bus":
	case "sse":
		if c.Feed.StreamURL == "" {
			return fmt.Errorf("config: feed.stream_url is required for the sse feed")
		}
	default:
		return fmt.Errorf("config: unknown feed.type %q", c.Feed.Type)
	}

	switch c.Engine.Estimator.Type {
	case "heuristic", "tiktoken":
	default:
		return fmt.Errorf("config: unknown engine.estimator.type %q", c.Engine.Estimator.Type)
	}

	if c.Engine.PublishAttempts < 1 {
		return fmt.Errorf("config: engine.publish_attempts must be at least 1")
	}
	return nil
}

// SchemaMap builds the schema-to-section table from the built-in mappings
// plus any overrides in the sections list.
func (c *Config) SchemaMap() (*engine.SchemaMap, error) {
	m := engine.DefaultSchemaMap()
	for _, s := range c.Sections {
		mapping := engine.SectionMapping{
			Section:        s.Section,
			Conversational: s.Conversational,
			Priority:       s.Priority,
		}
		if err := m.Add(s.Schema, mapping); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return m, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
