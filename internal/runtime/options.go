package runtime

import (
	"log/slog"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/docstore"
	"github.com/weftworks/weft/internal/docstore/memory"
	"github.com/weftworks/weft/internal/docstore/remote"
	"github.com/weftworks/weft/internal/docstore/sqlite"
	"github.com/weftworks/weft/internal/events"
	"github.com/weftworks/weft/internal/tokens"
)

// Option configures a Service.
type Option func(*Service) error

// WithConfigFile loads service configuration from a YAML file and watches
// it for changes; static consumers are re-seeded on each reload.
func WithConfigFile(path string) Option {
	return func(s *Service) error {
		s.configPath = path
		return nil
	}
}

// WithConfig supplies a parsed configuration directly, bypassing file
// loading and hot reload.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) error {
		s.cfg = cfg
		return nil
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithStore injects a custom document store. The store is used as-is; pair
// it with WithFeed if its writes should trigger assembly.
func WithStore(store docstore.Store) Option {
	return func(s *Service) error {
		s.buildStore = func(*config.Config, func(docstore.Document)) (docstore.Store, error) {
			return store, nil
		}
		return nil
	}
}

// WithMemoryStore uses the in-memory store regardless of the configured
// store type. Writes publish trigger events when the bus feed is active.
func WithMemoryStore() Option {
	return func(s *Service) error {
		s.buildStore = func(_ *config.Config, notify func(docstore.Document)) (docstore.Store, error) {
			if notify != nil {
				return memory.New(memory.WithNotify(notify)), nil
			}
			return memory.New(), nil
		}
		return nil
	}
}

// WithSQLite uses the embedded SQLite store at path.
func WithSQLite(path string) Option {
	return func(s *Service) error {
		s.buildStore = func(_ *config.Config, notify func(docstore.Document)) (docstore.Store, error) {
			if notify != nil {
				return sqlite.New(path, sqlite.WithNotify(notify))
			}
			return sqlite.New(path)
		}
		return nil
	}
}

// WithRemoteStore uses a remote document-store service. Trigger events come
// from the remote SSE stream, not from local writes.
func WithRemoteStore(baseURL, token string) Option {
	return func(s *Service) error {
		s.buildStore = func(*config.Config, func(docstore.Document)) (docstore.Store, error) {
			var opts []remote.ClientOption
			if token != "" {
				opts = append(opts, remote.WithToken(token))
			}
			return remote.NewClient(baseURL, opts...), nil
		}
		return nil
	}
}

// WithEstimator overrides the configured token estimator.
func WithEstimator(estimator tokens.Estimator) Option {
	return func(s *Service) error {
		s.estimator = estimator
		return nil
	}
}

// WithFeed injects a custom trigger-event feed.
func WithFeed(feed events.Feed) Option {
	return func(s *Service) error {
		s.feed = feed
		return nil
	}
}
