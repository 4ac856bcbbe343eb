package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/weftworks/weft/internal/docstore"
	"github.com/weftworks/weft/internal/events"
)

// ArtifactTag marks every published context artifact.
const ArtifactTag = "agent:context"

// defaultPublishAttempts bounds the version-conflict retry loop.
const defaultPublishAttempts = 3

// ConsumerTag returns the tag binding a document to one consumer. Artifacts
// and consumer configs both carry it.
func ConsumerTag(consumerID string) string {
	return "consumer:" + consumerID
}

// AssembleFunc recomputes a full assembly from fresh source reads. The
// publisher calls it once per attempt so a conflict retry adopts whatever the
// racing writer stored instead of replaying stale inputs.
type AssembleFunc func(ctx context.Context) (*Assembly, int, error)

// Publisher writes assembled artifacts to the store under optimistic version
// arbitration: one artifact document per consumer, updated in place.
type Publisher struct {
	store    docstore.Store
	attempts int
	logger   *slog.Logger
	counters *Counters
}

// NewPublisher creates a publisher. attempts <= 0 selects the default bound.
func NewPublisher(store docstore.Store, attempts int, logger *slog.Logger) *Publisher {
	if attempts <= 0 {
		attempts = defaultPublishAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, attempts: attempts, logger: logger}
}

// Publish assembles and stores the artifact for cfg. Version conflicts and
// a concurrently deleted artifact retry with a full recompute; any other
// store failure, or running out of attempts, returns a *PublishError.
func (p *Publisher) Publish(ctx context.Context, cfg *ConsumerConfig, ev events.TriggerEvent, assemble AssembleFunc) (*docstore.Document, error) {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		assembly, estimate, err := assemble(ctx)
		if err != nil {
			return nil, err
		}

		doc, err := p.publishOnce(ctx, cfg, ev, assembly, estimate)
		if err == nil {
			p.logger.Info("published context artifact",
				"consumer_id", cfg.ConsumerID,
				"trigger_document_id", ev.DocumentID,
				"artifact_id", doc.ID,
				"version", doc.Version,
				"token_estimate", estimate,
				"attempt", attempt,
			)
			return doc, nil
		}
		if !docstore.IsConflict(err) && !docstore.IsNotFound(err) {
			return nil, &PublishError{ConsumerID: cfg.ConsumerID, Attempts: attempt, Err: err}
		}
		if p.counters != nil && docstore.IsConflict(err) {
			p.counters.versionConflicts.Add(1)
		}
		lastErr = err
		p.logger.Warn("artifact write lost the race, recomputing",
			"consumer_id", cfg.ConsumerID,
			"trigger_document_id", ev.DocumentID,
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, &PublishError{ConsumerID: cfg.ConsumerID, Attempts: p.attempts, Err: lastErr}
}

// publishOnce runs one lookup-then-write cycle against the store.
func (p *Publisher) publishOnce(ctx context.Context, cfg *ConsumerConfig, ev events.TriggerEvent, assembly *Assembly, estimate int) (*docstore.Document, error) {
	existing, err := p.lookup(ctx, cfg)
	if err != nil {
		return nil, err
	}

	version := int64(1)
	if existing != nil {
		version = existing.Version + 1
	}
	artifact := buildArtifact(cfg.ConsumerID, ev.DocumentID, assembly, estimate, version, time.Now().UTC())
	payload, err := json.Marshal(artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifact: %w", err)
	}

	title := "Context: " + cfg.ConsumerID
	tags := artifactTags(cfg, ev)

	if existing == nil {
		doc, err := p.store.Create(ctx, docstore.CreateRequest{
			SchemaName: cfg.Output.Schema(),
			Title:      title,
			Tags:       tags,
			Payload:    payload,
			TTL:        cfg.Output.TTL(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create artifact: %w", err)
		}
		return doc, nil
	}

	doc, err := p.store.Update(ctx, existing.ID, existing.Version, docstore.UpdateRequest{
		Title:   title,
		Tags:    tags,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update artifact: %w", err)
	}
	return doc, nil
}

// lookup finds the consumer's current artifact, nil when none exists. More
// than one match means an earlier create raced; the newest wins and the rest
// age out via TTL.
func (p *Publisher) lookup(ctx context.Context, cfg *ConsumerConfig) (*docstore.Document, error) {
	docs, err := p.store.ReadByTag(ctx, ConsumerTag(cfg.ConsumerID), cfg.Output.Schema())
	if err != nil {
		return nil, fmt.Errorf("failed to look up artifact: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	if len(docs) > 1 {
		p.logger.Warn("multiple artifacts for consumer, updating newest",
			"consumer_id", cfg.ConsumerID, "count", len(docs))
	}
	doc := docs[0]
	return &doc, nil
}

// artifactTags builds the artifact tag set: the marker tag, the consumer
// binding, the trigger's session when present, and any configured extras.
func artifactTags(cfg *ConsumerConfig, ev events.TriggerEvent) []string {
	tags := []string{ArtifactTag, ConsumerTag(cfg.ConsumerID)}
	if session := ev.SessionTag(); session != "" {
		tags = append(tags, session)
	}
	seen := make(map[string]bool, len(tags)+len(cfg.Output.Tags))
	for _, t := range tags {
		seen[t] = true
	}
	for _, t := range cfg.Output.Tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	return tags
}
