package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weft.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("server.addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("store.type = %q, want memory", cfg.Store.Type)
	}
	if cfg.Feed.Type != "bus" {
		t.Errorf("feed.type = %q, want bus", cfg.Feed.Type)
	}
	if cfg.Feed.Buffer != 64 {
		t.Errorf("feed.buffer = %d, want 64", cfg.Feed.Buffer)
	}
	if cfg.Engine.SourceTimeout != 5*time.Second {
		t.Errorf("engine.source_timeout = %v, want 5s", cfg.Engine.SourceTimeout)
	}
	if cfg.Engine.PublishAttempts != 3 {
		t.Errorf("engine.publish_attempts = %d, want 3", cfg.Engine.PublishAttempts)
	}
	if cfg.Engine.CacheTTL != 5*time.Second {
		t.Errorf("engine.cache_ttl = %v, want 5s", cfg.Engine.CacheTTL)
	}
	if cfg.Engine.Estimator.Type != "heuristic" {
		t.Errorf("engine.estimator.type = %q, want heuristic", cfg.Engine.Estimator.Type)
	}
	if cfg.Telemetry.ServiceName != "weft" {
		t.Errorf("telemetry.service_name = %q, want weft", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("OPS_SECRET_HASH", "cafe1234")

	path := writeConfig(t, `
server:
  addr: ":9090"
  ops_token_hash: ${OPS_SECRET_HASH}
store:
  type: sqlite
  sqlite:
    path: /tmp/weft.db
feed:
  type: bus
  buffer: 16
engine:
  source_timeout: 2s
  publish_attempts: 5
  cache_ttl: 30s
  estimator:
    type: tiktoken
    model: gpt-4o
telemetry:
  enabled: true
  service_name: weft-staging
sections:
  - schema: incident.v1
    section: knowledge
    priority: 2
consumers:
  - consumer_id: planner
    sources:
      - schema_name: user.message.v1
        method: recent
        limit: 10
        scope: current_session
      - schema_name: knowledge.v1
        method: similarity
        nn: 5
    triggers:
      - schema_name: user.message.v1
    output:
      ttl_seconds: 300
      tags: ["env:test"]
    formatting:
      max_tokens: 4000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Server.OpsTokenHash != "cafe1234" {
		t.Errorf("ops_token_hash = %q, want substituted value", cfg.Server.OpsTokenHash)
	}
	if cfg.Store.Type != "sqlite" || cfg.Store.SQLite.Path != "/tmp/weft.db" {
		t.Errorf("store = %+v, want sqlite at /tmp/weft.db", cfg.Store)
	}
	if cfg.Feed.Buffer != 16 {
		t.Errorf("feed.buffer = %d, want 16", cfg.Feed.Buffer)
	}
	if cfg.Engine.SourceTimeout != 2*time.Second {
		t.Errorf("engine.source_timeout = %v, want 2s", cfg.Engine.SourceTimeout)
	}
	if cfg.Engine.CacheTTL != 30*time.Second {
		t.Errorf("engine.cache_ttl = %v, want 30s", cfg.Engine.CacheTTL)
	}
	if cfg.Engine.Estimator.Type != "tiktoken" || cfg.Engine.Estimator.Model != "gpt-4o" {
		t.Errorf("estimator = %+v, want tiktoken/gpt-4o", cfg.Engine.Estimator)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.ServiceName != "weft-staging" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}

	if len(cfg.Sections) != 1 || cfg.Sections[0].Schema != "incident.v1" {
		t.Fatalf("sections = %+v, want one incident.v1 override", cfg.Sections)
	}

	if len(cfg.Consumers) != 1 {
		t.Fatalf("consumers = %d, want 1", len(cfg.Consumers))
	}
	seed := cfg.Consumers[0]
	if seed.ConsumerID != "planner" {
		t.Errorf("consumer_id = %q, want planner", seed.ConsumerID)
	}
	if len(seed.Sources) != 2 || seed.Sources[0].Method != "recent" || seed.Sources[1].NN != 5 {
		t.Errorf("sources = %+v", seed.Sources)
	}
	if len(seed.Triggers) != 1 || seed.Triggers[0].SchemaName != "user.message.v1" {
		t.Errorf("triggers = %+v", seed.Triggers)
	}
	if seed.Output.TTLSeconds != 300 {
		t.Errorf("output.ttl_seconds = %d, want 300", seed.Output.TTLSeconds)
	}
	if seed.Formatting.MaxTokens != 4000 {
		t.Errorf("formatting.max_tokens = %d, want 4000", seed.Formatting.MaxTokens)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
engine:
  source_timeout: 2s
`)

	t.Setenv("WEFT_SERVER__ADDR", ":7070")
	t.Setenv("WEFT_ENGINE__SOURCE_TIMEOUT", "250ms")
	t.Setenv("WEFT_ENGINE__PUBLISH_ATTEMPTS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("server.addr = %q, want env override :7070", cfg.Server.Addr)
	}
	if cfg.Engine.SourceTimeout != 250*time.Millisecond {
		t.Errorf("engine.source_timeout = %v, want 250ms", cfg.Engine.SourceTimeout)
	}
	if cfg.Engine.PublishAttempts != 7 {
		t.Errorf("engine.publish_attempts = %d, want 7", cfg.Engine.PublishAttempts)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() with a missing explicit path should fail")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "unknown store type",
			body:    "store:\n  type: dynamo\n",
			wantErr: "unknown store.type",
		},
		{
			name:    "sqlite without path",
			body:    "store:\n  type: sqlite\n",
			wantErr: "store.sqlite.path",
		},
		{
			name:    "remote without base url",
			body:    "store:\n  type: remote\n",
			wantErr: "store.remote.base_url",
		},
		{
			name:    "unknown feed type",
			body:    "feed:\n  type: kafka\n",
			wantErr: "unknown feed.type",
		},
		{
			name:    "sse without stream url",
			body:    "feed:\n  type: sse\n",
			wantErr: "feed.stream_url",
		},
		{
			name:    "unknown estimator",
			body:    "engine:\n  estimator:\n    type: wordcount\n",
			wantErr: "unknown engine.estimator.type",
		},
		{
			name:    "zero publish attempts",
			body:    "engine:\n  publish_attempts: 0\n",
			wantErr: "publish_attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaMapAppliesOverrides(t *testing.T) {
	cfg := &Config{
		Sections: []SectionConfig{
			{Schema: "incident.v1", Section: "knowledge", Priority: 2},
		},
	}

	m, err := cfg.SchemaMap()
	if err != nil {
		t.Fatalf("SchemaMap() error = %v", err)
	}
	if section, ok := m.SectionFor("incident.v1"); !ok || section != "knowledge" {
		t.Errorf("SectionFor(incident.v1) = %q, %v", section, ok)
	}
	// Built-in mappings survive alongside the override.
	if section, ok := m.SectionFor("tool.catalog.v1"); !ok || section != "catalog" {
		t.Errorf("SectionFor(tool.catalog.v1) = %q, %v", section, ok)
	}

	bad := &Config{Sections: []SectionConfig{{Schema: "incident.v1"}}}
	if _, err := bad.SchemaMap(); err == nil {
		t.Error("SchemaMap() should reject a mapping without a section")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("WEFT_TEST_SECRET", "s3cret")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "bare variable", input: "${WEFT_TEST_SECRET}", want: "s3cret"},
		{name: "embedded variable", input: "Bearer ${WEFT_TEST_SECRET}!", want: "Bearer s3cret!"},
		{name: "plain string", input: "plain", want: "plain"},
		{name: "undefined variable", input: "${WEFT_TEST_UNSET}", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9090\"\n")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	if _, err := w.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if w.Current().Server.Addr != ":9090" {
		t.Fatalf("current addr = %q, want :9090", w.Current().Server.Addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 8)
	if err := w.Watch(ctx, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("server:\n  addr: \":7070\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	// The rewrite truncates and then writes, so the watcher may fire once
	// for each step. Wait for the reload that saw the final contents.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.Server.Addr != ":7070" {
				continue
			}
			if w.Current().Server.Addr != ":7070" {
				t.Errorf("current addr = %q, want :7070 after reload", w.Current().Server.Addr)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for config reload")
		}
	}
}
