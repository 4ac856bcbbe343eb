// Package registry persists consumer configurations as documents in the
// store. The store is authoritative; a short-lived cache in front of it keeps
// per-trigger lookups cheap without holding a second source of truth.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/weftworks/weft/internal/docstore"
	"github.com/weftworks/weft/internal/engine"
)

// ConfigSchema is the document schema consumer configs are stored under.
const ConfigSchema = "consumer.config.v1"

// configTag marks every consumer config document.
const configTag = "consumer-config"

const (
	cacheKey        = "consumer-configs"
	defaultCacheTTL = 5 * time.Second
	writeAttempts   = 3
)

// Registry registers, lists, and removes consumer configurations. It
// implements engine.ConfigSource.
type Registry struct {
	store   docstore.Store
	schemas *engine.SchemaMap
	cache   *gocache.Cache
	ttl     time.Duration
	logger  *slog.Logger
}

var _ engine.ConfigSource = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithCacheTTL sets how long a listed config set is served from cache. The
// TTL bounds config staleness for in-flight triggers.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a registry backed by store, validating configs against schemas.
func New(store docstore.Store, schemas *engine.SchemaMap, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		schemas: schemas,
		ttl:     defaultCacheTTL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = gocache.New(r.ttl, 10*time.Minute)
	return r
}

// Register validates and stores a consumer config, replacing any existing
// config for the same consumer. Validation failures return *engine.ConfigError.
func (r *Registry) Register(ctx context.Context, cfg engine.ConsumerConfig) error {
	if err := cfg.Validate(r.schemas); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal consumer config: %w", err)
	}

	title := "Consumer config: " + cfg.ConsumerID
	tags := []string{configTag, engine.ConsumerTag(cfg.ConsumerID)}

	for attempt := 0; attempt < writeAttempts; attempt++ {
		existing, err := r.find(ctx, cfg.ConsumerID)
		if err != nil {
			return err
		}
		if existing == nil {
			_, err = r.store.Create(ctx, docstore.CreateRequest{
				SchemaName: ConfigSchema,
				Title:      title,
				Tags:       tags,
				Payload:    payload,
			})
		} else {
			_, err = r.store.Update(ctx, existing.ID, existing.Version, docstore.UpdateRequest{
				Title:   title,
				Tags:    tags,
				Payload: payload,
			})
		}
		if err == nil {
			r.cache.Delete(cacheKey)
			r.logger.Info("registered consumer config",
				"consumer_id", cfg.ConsumerID, "sources", len(cfg.Sources), "triggers", len(cfg.Triggers))
			return nil
		}
		if !docstore.IsConflict(err) && !docstore.IsNotFound(err) {
			return fmt.Errorf("failed to store consumer config: %w", err)
		}
	}
	return fmt.Errorf("failed to store consumer config %q: too many concurrent writers", cfg.ConsumerID)
}

// Deregister removes a consumer's config. Missing consumers return
// docstore.ErrNotFound.
func (r *Registry) Deregister(ctx context.Context, consumerID string) error {
	existing, err := r.find(ctx, consumerID)
	if err != nil {
		return err
	}
	if existing == nil {
		return docstore.ErrNotFound
	}
	if err := r.store.Delete(ctx, existing.ID); err != nil {
		return fmt.Errorf("failed to delete consumer config: %w", err)
	}
	r.cache.Delete(cacheKey)
	r.logger.Info("deregistered consumer", "consumer_id", consumerID)
	return nil
}

// List returns every registered consumer config. Documents that fail to parse
// are skipped with a warning so one corrupt config cannot take down every
// consumer.
func (r *Registry) List(ctx context.Context) ([]engine.ConsumerConfig, error) {
	if cached, ok := r.cache.Get(cacheKey); ok {
		if configs, ok := cached.([]engine.ConsumerConfig); ok {
			return append([]engine.ConsumerConfig(nil), configs...), nil
		}
	}

	docs, err := r.store.ReadByTag(ctx, configTag, ConfigSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumer configs: %w", err)
	}

	configs := make([]engine.ConsumerConfig, 0, len(docs))
	for _, doc := range docs {
		var cfg engine.ConsumerConfig
		if err := json.Unmarshal(doc.Payload, &cfg); err != nil {
			r.logger.Warn("skipping corrupt consumer config", "document_id", doc.ID, "error", err)
			continue
		}
		if cfg.ConsumerID == "" {
			r.logger.Warn("skipping consumer config without id", "document_id", doc.ID)
			continue
		}
		configs = append(configs, cfg)
	}

	r.cache.Set(cacheKey, configs, r.ttl)
	return append([]engine.ConsumerConfig(nil), configs...), nil
}

// Get returns one consumer's config, or docstore.ErrNotFound.
func (r *Registry) Get(ctx context.Context, consumerID string) (*engine.ConsumerConfig, error) {
	configs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range configs {
		if configs[i].ConsumerID == consumerID {
			cfg := configs[i]
			return &cfg, nil
		}
	}
	return nil, docstore.ErrNotFound
}

// find locates the config document for one consumer, nil when absent.
func (r *Registry) find(ctx context.Context, consumerID string) (*docstore.Document, error) {
	docs, err := r.store.ReadByTag(ctx, engine.ConsumerTag(consumerID), ConfigSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to look up consumer config: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	doc := docs[0]
	return &doc, nil
}
