package runtime

import (
	"fmt"
	"log/slog"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/docstore"
	"github.com/weftworks/weft/internal/docstore/memory"
	"github.com/weftworks/weft/internal/docstore/remote"
	"github.com/weftworks/weft/internal/docstore/sqlite"
	"github.com/weftworks/weft/internal/events"
	"github.com/weftworks/weft/internal/tokens"
)

// buildFeed constructs the configured trigger feed. For the in-process bus
// it also returns the notifier embedded stores use to publish into it.
func buildFeed(cfg *config.Config, logger *slog.Logger) (events.Feed, func(docstore.Document), error) {
	switch cfg.Feed.Type {
	case "bus":
		bus := events.NewBus(cfg.Feed.Buffer)
		notify := func(doc docstore.Document) {
			bus.Publish(events.FromDocument(doc))
		}
		return bus, notify, nil
	case "sse":
		opts := []events.SSEOption{events.WithSSELogger(logger)}
		if cfg.Feed.Token != "" {
			opts = append(opts, events.WithSSEToken(cfg.Feed.Token))
		}
		return events.NewSSEFeed(cfg.Feed.StreamURL, opts...), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown feed type %q", cfg.Feed.Type)
	}
}

// defaultStoreBuilder constructs the store named by the service config.
func defaultStoreBuilder(cfg *config.Config, notify func(docstore.Document)) (docstore.Store, error) {
	switch cfg.Store.Type {
	case "memory":
		if notify != nil {
			return memory.New(memory.WithNotify(notify)), nil
		}
		return memory.New(), nil
	case "sqlite":
		if notify != nil {
			return sqlite.New(cfg.Store.SQLite.Path, sqlite.WithNotify(notify))
		}
		return sqlite.New(cfg.Store.SQLite.Path)
	case "remote":
		var opts []remote.ClientOption
		if cfg.Store.Remote.Token != "" {
			opts = append(opts, remote.WithToken(cfg.Store.Remote.Token))
		}
		return remote.NewClient(cfg.Store.Remote.BaseURL, opts...), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

// buildEstimator constructs the configured token estimator.
func buildEstimator(cfg *config.Config) (tokens.Estimator, error) {
	switch cfg.Engine.Estimator.Type {
	case "", "heuristic":
		return tokens.NewHeuristic(), nil
	case "tiktoken":
		return tokens.NewTiktoken(cfg.Engine.Estimator.Model)
	default:
		return nil, fmt.Errorf("unknown estimator type %q", cfg.Engine.Estimator.Type)
	}
}
