package engine

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/weftworks/weft/internal/events"
	"github.com/weftworks/weft/internal/tokens"
)

// Trim targets, in the order the enforcer visits them by default.
const (
	TrimRelevantHistory     = "relevant_history"
	TrimCurrentConversation = "current_conversation"
	TrimSections            = "sections"
)

// DefaultTrimOrder trims semantic recall before the live conversation and
// auxiliary sections last.
var DefaultTrimOrder = []string{TrimRelevantHistory, TrimCurrentConversation, TrimSections}

// envelopeTokens is the fixed cost charged for the artifact's own fields
// (ids, timestamps, counters) on top of the per-item costs.
const envelopeTokens = 48

// Budget trims an assembly down to a consumer's token ceiling. Trimming is
// deterministic: the same assembly and config always produce the same result,
// so retry recomputes converge.
type Budget struct {
	estimator tokens.Estimator
	schemas   *SchemaMap
	logger    *slog.Logger
}

// NewBudget creates an enforcer. A nil estimator falls back to the length
// heuristic.
func NewBudget(estimator tokens.Estimator, schemas *SchemaMap, logger *slog.Logger) *Budget {
	if estimator == nil {
		estimator = tokens.NewHeuristic()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Budget{estimator: estimator, schemas: schemas, logger: logger}
}

// Estimate returns the token cost of the whole assembly.
func (b *Budget) Estimate(a *Assembly) int {
	total := envelopeTokens
	for _, item := range a.CurrentConversation {
		total += b.itemCost(item)
	}
	for _, item := range a.RelevantHistory {
		total += b.itemCost(item)
	}
	for _, items := range a.Sections {
		for _, item := range items {
			total += b.itemCost(item)
		}
	}
	return total
}

// Enforce trims the assembly in place until it fits cfg's max_tokens and
// returns the final estimate. The trigger document is never trimmed. When
// nothing trimmable remains the assembly is left over budget; the caller
// publishes it anyway.
func (b *Budget) Enforce(a *Assembly, ev events.TriggerEvent, cfg *ConsumerConfig) int {
	estimate := b.Estimate(a)
	max := cfg.Formatting.MaxTokens
	if max <= 0 || estimate <= max {
		return estimate
	}

	order := cfg.Formatting.TrimOrder
	if len(order) == 0 {
		order = DefaultTrimOrder
	}

	trimmed := make(map[string]int, len(order))
	for estimate > max {
		item, target, ok := b.trimOne(a, ev.DocumentID, order)
		if !ok {
			b.logger.Warn("artifact exceeds token budget after trimming",
				"consumer_id", cfg.ConsumerID,
				"trigger_document_id", ev.DocumentID,
				"max_tokens", max,
				"token_estimate", estimate,
			)
			return estimate
		}
		estimate -= b.itemCost(item)
		trimmed[target]++
	}

	b.logger.Debug("trimmed assembly to token budget",
		"consumer_id", cfg.ConsumerID,
		"max_tokens", max,
		"token_estimate", estimate,
		"trimmed_relevant_history", trimmed[TrimRelevantHistory],
		"trimmed_current_conversation", trimmed[TrimCurrentConversation],
		"trimmed_sections", trimmed[TrimSections],
	)
	return estimate
}

// trimOne removes the single most expendable item per the trim order: a
// target later in the order is only touched once every earlier target is
// exhausted.
func (b *Budget) trimOne(a *Assembly, triggerID string, order []string) (Item, string, bool) {
	for _, target := range order {
		switch target {
		case TrimRelevantHistory:
			if item, ok := popOldest(&a.RelevantHistory, ""); ok {
				return item, target, true
			}
		case TrimCurrentConversation:
			if item, ok := popOldest(&a.CurrentConversation, triggerID); ok {
				return item, target, true
			}
		case TrimSections:
			if item, ok := b.popLeastImportant(a); ok {
				return item, target, true
			}
		}
	}
	return Item{}, "", false
}

// popOldest removes the first item whose document id differs from protectID.
// Lists are ordered oldest to newest, so index order is age order.
func popOldest(items *[]Item, protectID string) (Item, bool) {
	for i, item := range *items {
		if protectID != "" && item.DocumentID == protectID {
			continue
		}
		*items = append((*items)[:i], (*items)[i+1:]...)
		return item, true
	}
	return Item{}, false
}

// popLeastImportant removes the lowest-priority item across all auxiliary
// sections: highest priority number loses, with ties resolved by section name
// and then by age.
func (b *Budget) popLeastImportant(a *Assembly) (Item, bool) {
	names := make([]string, 0, len(a.Sections))
	for name := range a.Sections {
		names = append(names, name)
	}
	sort.Strings(names)

	bestSection := ""
	bestIndex := -1
	bestPriority := -1
	for _, name := range names {
		for i, item := range a.Sections[name] {
			p := b.schemas.Priority(item.SchemaName)
			if p > bestPriority {
				bestSection, bestIndex, bestPriority = name, i, p
			}
		}
	}
	if bestIndex < 0 {
		return Item{}, false
	}

	items := a.Sections[bestSection]
	item := items[bestIndex]
	items = append(items[:bestIndex], items[bestIndex+1:]...)
	if len(items) == 0 {
		delete(a.Sections, bestSection)
	} else {
		a.Sections[bestSection] = items
	}
	return item, true
}

func (b *Budget) itemCost(item Item) int {
	raw, err := json.Marshal(item)
	if err != nil {
		return b.estimator.Estimate(item.Payload)
	}
	return b.estimator.Estimate(raw)
}
