// Package runtime assembles the document store, event feed, registry,
// engine, and ops server into one runnable service. It backs both weftd and
// the embeddable pkg/weft API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/docstore"
	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/events"
	"github.com/weftworks/weft/internal/registry"
	"github.com/weftworks/weft/internal/server"
	"github.com/weftworks/weft/internal/telemetry"
	"github.com/weftworks/weft/internal/tokens"
)

// Service owns the lifecycle of every weft component. Construct it with
// New, then Start and eventually Shutdown it. The assembly surface
// (OnEvent, RegisterConsumer, GetArtifact) is unavailable before Start.
type Service struct {
	logger *slog.Logger

	// Recorded by options, resolved in Start.
	configPath string
	cfg        *config.Config
	buildStore storeBuilder
	feed       events.Feed
	estimator  tokens.Estimator

	// Built in Start.
	watcher   *config.Watcher
	store     docstore.Store
	schemas   *engine.SchemaMap
	registry  *registry.Registry
	engine    *engine.Engine
	server    *server.Server
	traceStop func(context.Context) error

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
}

// storeBuilder constructs the document store once the configuration and the
// bus notifier are known. notify is nil when no in-process bus is wired.
type storeBuilder func(cfg *config.Config, notify func(docstore.Document)) (docstore.Store, error)

// New creates a Service from the given options. Configuration is not read
// until Start, so a bad config path fails there, not here.
func New(opts ...Option) (*Service, error) {
	s := &Service{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	return s, nil
}

// Start loads configuration, builds every component, seeds consumers, and
// begins consuming the event feed. It returns once the service is running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("runtime: service already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	cfg, err := s.loadConfig()
	if err != nil {
		return err
	}
	s.cfg = cfg

	if cfg.Telemetry.Enabled {
		stop, err := telemetry.Init(cfg.Telemetry.ServiceName, s.logger)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		s.traceStop = stop
	}

	s.schemas, err = cfg.SchemaMap()
	if err != nil {
		return err
	}

	if s.estimator == nil {
		if s.estimator, err = buildEstimator(cfg); err != nil {
			return err
		}
	}

	// The bus must exist before the store so embedded stores can publish
	// create/update events into it.
	var notify func(docstore.Document)
	if s.feed == nil {
		s.feed, notify, err = buildFeed(cfg, s.logger)
		if err != nil {
			return err
		}
	}

	build := s.buildStore
	if build == nil {
		build = defaultStoreBuilder
	}
	if s.store, err = build(cfg, notify); err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	s.registry = registry.New(s.store, s.schemas,
		registry.WithCacheTTL(cfg.Engine.CacheTTL),
		registry.WithLogger(s.logger))

	s.engine, err = engine.New(engine.Options{
		Store:           s.store,
		Configs:         s.registry,
		Schemas:         s.schemas,
		Estimator:       s.estimator,
		SourceTimeout:   cfg.Engine.SourceTimeout,
		PublishAttempts: cfg.Engine.PublishAttempts,
		Logger:          s.logger,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := s.engine.Start(s.ctx); err != nil {
		return err
	}

	// Seed static consumers before any event can arrive. A bad seed fails
	// startup; operators should not discover typos from missing artifacts.
	for _, consumer := range cfg.Consumers {
		if err := s.registry.Register(s.ctx, consumer); err != nil {
			return fmt.Errorf("seed consumer %q: %w", consumer.ConsumerID, err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.feed.Run(s.ctx, s.engine.OnEvent); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("event feed stopped", "error", err)
		}
	}()

	s.server = server.New(s.engine, s.registry, server.Options{
		Addr:         cfg.Server.Addr,
		OpsTokenHash: cfg.Server.OpsTokenHash,
		Logger:       s.logger,
	})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Start(); err != nil {
			s.logger.Error("ops server failed", "error", err)
		}
	}()

	if s.watcher != nil {
		if err := s.watcher.Watch(s.ctx, s.onConfigChange); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
	}

	s.started = true
	s.logger.Info("weft started",
		"addr", cfg.Server.Addr,
		"store", cfg.Store.Type,
		"feed", cfg.Feed.Type,
		"consumers", len(cfg.Consumers))
	return nil
}

// Shutdown stops the feed, drains the ops server, waits for in-flight
// assembly runs, and releases resources.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("ops server shutdown failed", "error", err)
		}
	}
	if s.engine != nil {
		if err := s.engine.Shutdown(ctx); err != nil {
			s.logger.Error("engine shutdown failed", "error", err)
		}
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.logger.Error("config watcher close failed", "error", err)
		}
	}
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			s.logger.Error("telemetry shutdown failed", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.started = false
	s.logger.Info("weft stopped")
	return nil
}

// onConfigChange re-seeds static consumers after a hot reload. Changes to
// the listen address, store, or feed still require a restart.
func (s *Service) onConfigChange(cfg *config.Config) {
	for _, consumer := range cfg.Consumers {
		if err := s.registry.Register(s.ctx, consumer); err != nil {
			s.logger.Error("re-seed consumer failed",
				"consumer_id", consumer.ConsumerID, "error", err)
		}
	}
	s.logger.Info("config reloaded", "consumers", len(cfg.Consumers))
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return errors.New("runtime: service not started")
	}
	return nil
}

// OnEvent injects a trigger event, bypassing the feed.
func (s *Service) OnEvent(ctx context.Context, ev events.TriggerEvent) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.engine.OnEvent(ctx, ev)
	return nil
}

// RegisterConsumer validates and stores a consumer configuration.
func (s *Service) RegisterConsumer(ctx context.Context, cfg engine.ConsumerConfig) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.registry.Register(ctx, cfg)
}

// DeregisterConsumer removes a consumer configuration. Published artifacts
// are left to expire via their TTL.
func (s *Service) DeregisterConsumer(ctx context.Context, consumerID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.registry.Deregister(ctx, consumerID)
}

// ListConsumers returns every registered consumer configuration.
func (s *Service) ListConsumers(ctx context.Context) ([]engine.ConsumerConfig, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.registry.List(ctx)
}

// GetArtifact returns the current context artifact for a consumer, or
// docstore.ErrNotFound when none has been published.
func (s *Service) GetArtifact(ctx context.Context, consumerID string) (*docstore.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.engine.GetArtifact(ctx, consumerID)
}

// Store exposes the document store so embedding applications can write the
// documents that drive assembly.
func (s *Service) Store() docstore.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// Stats returns a snapshot of the engine's run counters.
func (s *Service) Stats() engine.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.engine == nil {
		return engine.Stats{}
	}
	return s.engine.Stats()
}

func (s *Service) loadConfig() (*config.Config, error) {
	if s.cfg != nil {
		return s.cfg, nil
	}
	if s.configPath != "" {
		watcher, err := config.NewWatcher(s.configPath, s.logger)
		if err != nil {
			return nil, err
		}
		cfg, err := watcher.Load()
		if err != nil {
			return nil, err
		}
		s.watcher = watcher
		return cfg, nil
	}
	return config.Load("")
}
