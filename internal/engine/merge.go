package engine

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/weftworks/weft/internal/events"
)

// Merger folds source results into artifact sections: provenance tagging,
// identity dedup, near-duplicate dedup, and the conversational partition.
type Merger struct {
	schemas *SchemaMap
	similar Similarity
	logger  *slog.Logger
}

// NewMerger creates a merger. A nil similarity falls back to exact payload
// matching.
func NewMerger(schemas *SchemaMap, similar Similarity, logger *slog.Logger) *Merger {
	if similar == nil {
		similar = ExactMatch{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{schemas: schemas, similar: similar, logger: logger}
}

// Merge combines results in source order. Dedup keeps the first occurrence,
// so earlier sources win ties; the conversational partition then splits by
// provenance with the trigger guaranteed a seat in current_conversation.
func (m *Merger) Merge(cfg *ConsumerConfig, ev events.TriggerEvent, results []SourceResult) *Assembly {
	assembly := &Assembly{Sections: make(map[string][]Item)}

	var conversational []Item
	collected := 0
	for _, res := range results {
		if res.Err != nil {
			assembly.SourceErrors = append(assembly.SourceErrors, res.Err)
			continue
		}
		assembly.SourcesAssembled++

		provenance := ProvenanceSemantic
		if res.Spec.Scope == ScopeCurrentSession {
			provenance = ProvenanceSession
		}
		for _, doc := range res.Documents {
			collected++
			item := itemFromDocument(doc)
			if m.schemas.IsConversational(doc.SchemaName) {
				item.Provenance = provenance
				conversational = append(conversational, item)
				continue
			}
			section, ok := m.schemas.SectionFor(doc.SchemaName)
			if !ok {
				// Source schemas are checked at registration; a stray
				// document with an unmapped schema has nowhere to land.
				m.logger.Debug("dropping document with unmapped schema",
					"consumer_id", cfg.ConsumerID, "schema", doc.SchemaName, "document_id", doc.ID)
				continue
			}
			assembly.Sections[section] = append(assembly.Sections[section], item)
		}
	}

	dropped := 0
	conversational, dropped = m.dedupe(conversational, dropped)
	for section, items := range assembly.Sections {
		assembly.Sections[section], dropped = m.dedupe(items, dropped)
	}

	for _, item := range conversational {
		if item.Provenance == ProvenanceSession {
			assembly.CurrentConversation = append(assembly.CurrentConversation, item)
		} else {
			assembly.RelevantHistory = append(assembly.RelevantHistory, item)
		}
	}
	if m.schemas.IsConversational(ev.SchemaName) {
		m.ensureTrigger(assembly, ev)
	}

	sortOldestFirst(assembly.CurrentConversation)
	sortOldestFirst(assembly.RelevantHistory)
	for _, items := range assembly.Sections {
		sortOldestFirst(items)
	}

	m.logger.Debug("merged source results",
		"consumer_id", cfg.ConsumerID,
		"trigger_document_id", ev.DocumentID,
		"documents_in", collected,
		"documents_deduped", dropped,
		"current_conversation", len(assembly.CurrentConversation),
		"relevant_history", len(assembly.RelevantHistory),
		"source_errors", len(assembly.SourceErrors),
	)
	return assembly
}

// dedupe removes repeated document ids (first occurrence wins) and then
// near-duplicates per the similarity policy.
func (m *Merger) dedupe(items []Item, dropped int) ([]Item, int) {
	if len(items) < 2 {
		return items, dropped
	}

	seen := make(map[string]bool, len(items))
	kept := items[:0]
	for _, item := range items {
		if seen[item.DocumentID] {
			dropped++
			continue
		}
		duplicate := false
		for i := range kept {
			if m.similar.Similar(kept[i], item) {
				duplicate = true
				break
			}
		}
		if duplicate {
			dropped++
			continue
		}
		seen[item.DocumentID] = true
		kept = append(kept, item)
	}
	return kept, dropped
}

// ensureTrigger guarantees the triggering message sits in
// current_conversation: a semantic copy is promoted, a missing trigger is
// reconstructed from the event itself.
func (m *Merger) ensureTrigger(a *Assembly, ev events.TriggerEvent) {
	for _, item := range a.CurrentConversation {
		if item.DocumentID == ev.DocumentID {
			return
		}
	}
	for i, item := range a.RelevantHistory {
		if item.DocumentID == ev.DocumentID {
			item.Provenance = ProvenanceSession
			a.RelevantHistory = append(a.RelevantHistory[:i], a.RelevantHistory[i+1:]...)
			a.CurrentConversation = append(a.CurrentConversation, item)
			return
		}
	}
	a.CurrentConversation = append(a.CurrentConversation, Item{
		DocumentID: ev.DocumentID,
		SchemaName: ev.SchemaName,
		Payload:    append(json.RawMessage(nil), ev.Payload...),
		CreatedAt:  time.Now().UTC(),
		Provenance: ProvenanceSession,
	})
}

func sortOldestFirst(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
