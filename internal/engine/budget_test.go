package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/weftworks/weft/internal/events"
)

// fixedEstimator charges a flat cost per item so trim tests can do exact
// arithmetic.
type fixedEstimator struct{ per int }

func (f fixedEstimator) Estimate(payload []byte) int { return f.per }

func budgetItem(id, schema string, createdAt time.Time) Item {
	return Item{
		DocumentID: id,
		SchemaName: schema,
		Payload:    json.RawMessage(`{"content":"x"}`),
		CreatedAt:  createdAt,
	}
}

func testAssembly(base time.Time) *Assembly {
	return &Assembly{
		Sections: map[string][]Item{
			SectionKnowledge:   {budgetItem("k1", "knowledge.v1", base)},
			SectionCatalog:     {budgetItem("cat1", "tool.catalog.v1", base)},
			SectionToolResults: {budgetItem("tr1", "tool.response.v1", base)},
		},
		CurrentConversation: []Item{
			budgetItem("c1", "user.message.v1", base.Add(1*time.Minute)),
			budgetItem("c2", "agent.response.v1", base.Add(2*time.Minute)),
			budgetItem("trig", "user.message.v1", base.Add(3*time.Minute)),
		},
		RelevantHistory: []Item{
			budgetItem("h1", "user.message.v1", base.Add(-2*time.Hour)),
			budgetItem("h2", "user.message.v1", base.Add(-1*time.Hour)),
		},
	}
}

func triggerEvent() events.TriggerEvent {
	return events.TriggerEvent{DocumentID: "trig", SchemaName: "user.message.v1"}
}

// With per-item cost 10 and 8 items the full assembly costs
// envelopeTokens + 80.
func TestBudgetTrimOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	full := envelopeTokens + 80

	tests := []struct {
		name         string
		maxTokens    int
		wantEstimate int
		wantCurrent  []string
		wantHistory  []string
	}{
		{
			name:         "within budget trims nothing",
			maxTokens:    full,
			wantEstimate: full,
			wantCurrent:  []string{"c1", "c2", "trig"},
			wantHistory:  []string{"h1", "h2"},
		},
		{
			name:         "history trims oldest first",
			maxTokens:    full - 10,
			wantEstimate: full - 10,
			wantCurrent:  []string{"c1", "c2", "trig"},
			wantHistory:  []string{"h2"},
		},
		{
			name:         "conversation trims after history, never the trigger",
			maxTokens:    envelopeTokens + 40,
			wantEstimate: envelopeTokens + 40,
			wantCurrent:  []string{"trig"},
			wantHistory:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBudget(fixedEstimator{per: 10}, DefaultSchemaMap(), testLogger())
			a := testAssembly(base)
			cfg := &ConsumerConfig{ConsumerID: "planner", Formatting: FormatSpec{MaxTokens: tt.maxTokens}}

			got := b.Enforce(a, triggerEvent(), cfg)
			if got != tt.wantEstimate {
				t.Errorf("estimate = %d, want %d", got, tt.wantEstimate)
			}
			if !equalIDs(a.CurrentConversation, tt.wantCurrent...) {
				t.Errorf("current_conversation = %v, want %v", itemIDs(a.CurrentConversation), tt.wantCurrent)
			}
			if !equalIDs(a.RelevantHistory, tt.wantHistory...) {
				t.Errorf("relevant_history = %v, want %v", itemIDs(a.RelevantHistory), tt.wantHistory)
			}
		})
	}
}

func TestBudgetTrimsSectionsLeastImportantFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBudget(fixedEstimator{per: 10}, DefaultSchemaMap(), testLogger())
	a := testAssembly(base)
	// Room for the trigger and exactly one section item.
	cfg := &ConsumerConfig{ConsumerID: "planner", Formatting: FormatSpec{MaxTokens: envelopeTokens + 20}}

	b.Enforce(a, triggerEvent(), cfg)

	// tool.response.v1 (priority 6) goes before knowledge.v1 (4); the catalog
	// (priority 1) is the most protected and survives.
	if _, ok := a.Sections[SectionToolResults]; ok {
		t.Error("tool_results should be trimmed first")
	}
	if _, ok := a.Sections[SectionKnowledge]; ok {
		t.Error("knowledge should be trimmed before the catalog")
	}
	if !equalIDs(a.Sections[SectionCatalog], "cat1") {
		t.Errorf("catalog = %v, want [cat1]", itemIDs(a.Sections[SectionCatalog]))
	}
}

func TestBudgetTriggerSurvivesTinyBudget(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBudget(fixedEstimator{per: 10}, DefaultSchemaMap(), testLogger())
	a := testAssembly(base)
	cfg := &ConsumerConfig{ConsumerID: "planner", Formatting: FormatSpec{MaxTokens: 1}}

	got := b.Enforce(a, triggerEvent(), cfg)

	if !equalIDs(a.CurrentConversation, "trig") {
		t.Fatalf("current_conversation = %v, want the trigger alone", itemIDs(a.CurrentConversation))
	}
	// Nothing left to trim; the assembly stays over budget and publishes.
	want := envelopeTokens + 10
	if got != want {
		t.Errorf("estimate = %d, want %d", got, want)
	}
}

func TestBudgetCustomTrimOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBudget(fixedEstimator{per: 10}, DefaultSchemaMap(), testLogger())
	a := testAssembly(base)
	cfg := &ConsumerConfig{
		ConsumerID: "planner",
		Formatting: FormatSpec{
			MaxTokens: envelopeTokens + 60,
			TrimOrder: []string{TrimCurrentConversation, TrimRelevantHistory},
		},
	}

	b.Enforce(a, triggerEvent(), cfg)

	if !equalIDs(a.CurrentConversation, "trig") {
		t.Errorf("current_conversation = %v, want [trig]", itemIDs(a.CurrentConversation))
	}
	if !equalIDs(a.RelevantHistory, "h1", "h2") {
		t.Errorf("relevant_history = %v, want untouched [h1 h2]", itemIDs(a.RelevantHistory))
	}
}

func TestBudgetEnforceIsIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBudget(fixedEstimator{per: 10}, DefaultSchemaMap(), testLogger())
	a := testAssembly(base)
	cfg := &ConsumerConfig{ConsumerID: "planner", Formatting: FormatSpec{MaxTokens: envelopeTokens + 40}}

	first := b.Enforce(a, triggerEvent(), cfg)
	current := append([]string(nil), itemIDs(a.CurrentConversation)...)
	history := append([]string(nil), itemIDs(a.RelevantHistory)...)

	second := b.Enforce(a, triggerEvent(), cfg)
	if first != second {
		t.Errorf("second enforce estimate = %d, want %d", second, first)
	}
	if !equalIDs(a.CurrentConversation, current...) {
		t.Errorf("second enforce changed current_conversation: %v", itemIDs(a.CurrentConversation))
	}
	if !equalIDs(a.RelevantHistory, history...) {
		t.Errorf("second enforce changed relevant_history: %v", itemIDs(a.RelevantHistory))
	}
}

func TestBudgetEstimateIsDeterministic(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBudget(nil, DefaultSchemaMap(), testLogger())

	first := b.Estimate(testAssembly(base))
	second := b.Estimate(testAssembly(base))
	if first != second {
		t.Errorf("estimates differ: %d vs %d", first, second)
	}
	if first <= envelopeTokens {
		t.Errorf("estimate = %d, want more than the envelope alone", first)
	}
}

func TestBudgetUnlimitedWhenMaxTokensUnset(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBudget(fixedEstimator{per: 10}, DefaultSchemaMap(), testLogger())
	a := testAssembly(base)
	cfg := &ConsumerConfig{ConsumerID: "planner"}

	got := b.Enforce(a, triggerEvent(), cfg)
	if got != envelopeTokens+80 {
		t.Errorf("estimate = %d, want %d", got, envelopeTokens+80)
	}
	if len(a.CurrentConversation) != 3 || len(a.RelevantHistory) != 2 {
		t.Error("unbudgeted assembly must not be trimmed")
	}
}
