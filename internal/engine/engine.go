// Package engine assembles per-consumer context artifacts from document-store
// sources. An Engine reacts to trigger events: it matches consumer selectors,
// fans out source retrieval, merges and deduplicates the results into
// sections, trims to the token budget, and publishes one artifact document
// per consumer under optimistic version arbitration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/weftworks/weft/internal/docstore"
	"github.com/weftworks/weft/internal/events"
	"github.com/weftworks/weft/internal/tokens"
)

// ConfigSource supplies consumer configurations per trigger. The engine never
// holds an authoritative copy; the source decides its own staleness policy.
type ConfigSource interface {
	List(ctx context.Context) ([]ConsumerConfig, error)
	Get(ctx context.Context, consumerID string) (*ConsumerConfig, error)
}

// Counters aggregates run outcomes for the ops surface.
type Counters struct {
	eventsSeen       atomic.Int64
	runsStarted      atomic.Int64
	runsPublished    atomic.Int64
	runsFailed       atomic.Int64
	runsSuperseded   atomic.Int64
	versionConflicts atomic.Int64
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	EventsSeen       int64 `json:"events_seen"`
	RunsStarted      int64 `json:"runs_started"`
	RunsPublished    int64 `json:"runs_published"`
	RunsFailed       int64 `json:"runs_failed"`
	RunsSuperseded   int64 `json:"runs_superseded"`
	VersionConflicts int64 `json:"version_conflicts"`
	InFlight         int   `json:"in_flight"`
}

// Options configures a new Engine. Store and Configs are required; everything
// else has a sensible default.
type Options struct {
	Store           docstore.Store
	Configs         ConfigSource
	Schemas         *SchemaMap
	Estimator       tokens.Estimator
	Similarity      Similarity
	SourceTimeout   time.Duration
	PublishAttempts int
	Logger          *slog.Logger
}

// Engine is the assembly orchestrator. One Engine serves all consumers;
// concurrent triggers for different consumers run in parallel, and a newer
// trigger for the same consumer supersedes the in-flight run.
type Engine struct {
	store     docstore.Store
	configs   ConfigSource
	schemas   *SchemaMap
	resolver  *Resolver
	merger    *Merger
	budget    *Budget
	publisher *Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	counters  *Counters

	mu         sync.Mutex
	baseCtx    context.Context
	baseCancel context.CancelFunc
	runs       map[string]*assemblyRun
	wg         sync.WaitGroup
}

type assemblyRun struct {
	cancel context.CancelFunc
}

// New builds an Engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Configs == nil {
		return nil, errors.New("engine: config source is required")
	}
	schemas := opts.Schemas
	if schemas == nil {
		schemas = DefaultSchemaMap()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:    opts.Store,
		configs:  opts.Configs,
		schemas:  schemas,
		logger:   logger,
		tracer:   otel.Tracer("github.com/weftworks/weft/internal/engine"),
		counters: &Counters{},
		runs:     make(map[string]*assemblyRun),
	}
	e.resolver = NewResolver(opts.Store, opts.SourceTimeout, logger)
	e.merger = NewMerger(schemas, opts.Similarity, logger)
	e.budget = NewBudget(opts.Estimator, schemas, logger)
	e.publisher = NewPublisher(opts.Store, opts.PublishAttempts, logger)
	e.publisher.counters = e.counters
	return e, nil
}

// Start anchors run lifetimes to ctx. Runs spawned by OnEvent outlive the
// event delivery context (an HTTP request, say) but never outlive ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.baseCtx != nil {
		return errors.New("engine: already started")
	}
	e.baseCtx, e.baseCancel = context.WithCancel(ctx)
	return nil
}

// Shutdown cancels in-flight runs and waits for them to drain.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.baseCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnEvent dispatches one trigger event. It satisfies events.Handler: config
// matching happens inline, assembly runs go to goroutines.
func (e *Engine) OnEvent(ctx context.Context, ev events.TriggerEvent) {
	e.counters.eventsSeen.Add(1)
	if ev.DocumentID == "" || ev.SchemaName == "" {
		e.logger.Debug("ignoring malformed trigger event",
			"document_id", ev.DocumentID, "schema", ev.SchemaName)
		return
	}

	configs, err := e.configs.List(ctx)
	if err != nil {
		e.logger.Error("failed to list consumer configs", "error", err)
		return
	}

	for i := range configs {
		cfg := configs[i]
		// A consumer's own artifacts must never re-trigger it.
		if cfg.Output.Schema() == ev.SchemaName {
			continue
		}
		if !Matches(ev, cfg.Triggers) {
			continue
		}
		e.startRun(cfg, ev)
	}
}

// startRun launches one assembly run, canceling any in-flight run for the
// same consumer first.
func (e *Engine) startRun(cfg ConsumerConfig, ev events.TriggerEvent) {
	e.mu.Lock()
	if e.baseCtx == nil {
		e.mu.Unlock()
		e.logger.Warn("dropping trigger, engine not started",
			"consumer_id", cfg.ConsumerID, "trigger_document_id", ev.DocumentID)
		return
	}
	if prev, ok := e.runs[cfg.ConsumerID]; ok {
		prev.cancel()
		e.counters.runsSuperseded.Add(1)
		e.logger.Debug("superseding in-flight run",
			"consumer_id", cfg.ConsumerID, "trigger_document_id", ev.DocumentID)
	}
	runCtx, cancel := context.WithCancel(e.baseCtx)
	r := &assemblyRun{cancel: cancel}
	e.runs[cfg.ConsumerID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer cancel()
		defer e.clearRun(cfg.ConsumerID, r)
		e.run(runCtx, cfg, ev)
	}()
}

func (e *Engine) clearRun(consumerID string, r *assemblyRun) {
	e.mu.Lock()
	if e.runs[consumerID] == r {
		delete(e.runs, consumerID)
	}
	e.mu.Unlock()
}

// run executes one assembly for one consumer. The publisher drives the
// resolve/merge/trim closure so conflict retries recompute from fresh reads.
func (e *Engine) run(ctx context.Context, cfg ConsumerConfig, ev events.TriggerEvent) {
	e.counters.runsStarted.Add(1)
	started := time.Now()

	ctx, span := e.tracer.Start(ctx, "assembly.run", trace.WithAttributes(
		attribute.String("weft.consumer_id", cfg.ConsumerID),
		attribute.String("weft.trigger_document_id", ev.DocumentID),
		attribute.String("weft.trigger_schema", ev.SchemaName),
	))
	defer span.End()

	pointer := ExtractPointer(ev)

	var assembly *Assembly
	var estimate int
	assemble := func(ctx context.Context) (*Assembly, int, error) {
		span.AddEvent("resolving")
		results := e.resolver.Resolve(ctx, &cfg, ev, pointer)
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		span.AddEvent("merging")
		assembly = e.merger.Merge(&cfg, ev, results)
		span.AddEvent("trimming")
		estimate = e.budget.Enforce(assembly, ev, &cfg)
		span.AddEvent("publishing")
		return assembly, estimate, nil
	}

	doc, err := e.publisher.Publish(ctx, &cfg, ev, assemble)
	elapsed := time.Since(started)
	switch {
	case err == nil:
		e.counters.runsPublished.Add(1)
		span.SetAttributes(
			attribute.Int("weft.token_estimate", estimate),
			attribute.Int64("weft.artifact_version", doc.Version),
		)
		e.logger.Info("assembly run published",
			"consumer_id", cfg.ConsumerID,
			"trigger_document_id", ev.DocumentID,
			"artifact_id", doc.ID,
			"version", doc.Version,
			"token_estimate", estimate,
			"sources_assembled", assembly.SourcesAssembled,
			"source_errors", len(assembly.SourceErrors),
			"elapsed_ms", elapsed.Milliseconds(),
		)
	case errors.Is(err, context.Canceled):
		e.logger.Debug("assembly run canceled",
			"consumer_id", cfg.ConsumerID, "trigger_document_id", ev.DocumentID)
	default:
		e.counters.runsFailed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		e.logger.Error("assembly run failed",
			"consumer_id", cfg.ConsumerID,
			"trigger_document_id", ev.DocumentID,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err,
		)
	}
}

// GetArtifact returns the consumer's current artifact document, or
// docstore.ErrNotFound when nothing has been published.
func (e *Engine) GetArtifact(ctx context.Context, consumerID string) (*docstore.Document, error) {
	schema := ""
	if cfg, err := e.configs.Get(ctx, consumerID); err == nil && cfg != nil {
		schema = cfg.Output.Schema()
	}
	docs, err := e.store.ReadByTag(ctx, ConsumerTag(consumerID), schema)
	if err != nil {
		return nil, fmt.Errorf("failed to look up artifact: %w", err)
	}
	if len(docs) == 0 {
		return nil, docstore.ErrNotFound
	}
	doc := docs[0]
	return &doc, nil
}

// Stats snapshots the run counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	inFlight := len(e.runs)
	e.mu.Unlock()
	return Stats{
		EventsSeen:       e.counters.eventsSeen.Load(),
		RunsStarted:      e.counters.runsStarted.Load(),
		RunsPublished:    e.counters.runsPublished.Load(),
		RunsFailed:       e.counters.runsFailed.Load(),
		RunsSuperseded:   e.counters.runsSuperseded.Load(),
		VersionConflicts: e.counters.versionConflicts.Load(),
		InFlight:         inFlight,
	}
}
