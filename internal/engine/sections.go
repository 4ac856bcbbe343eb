package engine

import (
	"fmt"
)

// Section keys used in published artifacts. Conversational schemas do not
// land under Sections; they partition into current_conversation and
// relevant_history instead.
const (
	SectionConversation = "conversation"
	SectionKnowledge    = "knowledge"
	SectionToolResults  = "tool_results"
	SectionCatalog      = "catalog"
	SectionState        = "state"
)

// SectionMapping describes where one schema's documents land in the artifact
// and how reluctantly they are trimmed (lower priority trims last).
type SectionMapping struct {
	Section        string
	Conversational bool
	Priority       int
}

// SchemaMap is the explicit schema-to-section table. Registration rejects
// consumer configs whose source schemas are not listed here; nothing is
// inferred from schema names.
type SchemaMap struct {
	mappings map[string]SectionMapping
}

const defaultPriority = 10

// DefaultSchemaMap returns the built-in table.
func DefaultSchemaMap() *SchemaMap {
	m := &SchemaMap{mappings: make(map[string]SectionMapping)}
	for schema, mapping := range map[string]SectionMapping{
		"user.message.v1":        {Section: SectionConversation, Conversational: true, Priority: 5},
		"agent.response.v1":      {Section: SectionConversation, Conversational: true, Priority: 5},
		"knowledge.v1":           {Section: SectionKnowledge, Priority: 4},
		"tool.response.v1":       {Section: SectionToolResults, Priority: 6},
		"tool.catalog.v1":        {Section: SectionCatalog, Priority: 1},
		"agent.catalog.v1":       {Section: SectionCatalog, Priority: 2},
		"browser.tab.context.v1": {Section: SectionState, Priority: 3},
	} {
		m.mappings[schema] = mapping
	}
	return m
}

// Add registers or overrides one schema mapping. A zero priority takes the
// default (trimmed before anything explicitly prioritized).
func (m *SchemaMap) Add(schema string, mapping SectionMapping) error {
	if schema == "" {
		return fmt.Errorf("schema mapping: schema name is required")
	}
	if mapping.Section == "" {
		return fmt.Errorf("schema mapping for %q: section is required", schema)
	}
	if mapping.Conversational && mapping.Section != SectionConversation {
		return fmt.Errorf("schema mapping for %q: conversational schemas must map to %q", schema, SectionConversation)
	}
	if mapping.Priority == 0 {
		mapping.Priority = defaultPriority
	}
	m.mappings[schema] = mapping
	return nil
}

// SectionFor returns the section key for schema.
func (m *SchemaMap) SectionFor(schema string) (string, bool) {
	mapping, ok := m.mappings[schema]
	return mapping.Section, ok
}

// IsConversational reports whether schema carries conversational messages.
func (m *SchemaMap) IsConversational(schema string) bool {
	return m.mappings[schema].Conversational
}

// Priority returns the trim priority for schema; unmapped schemas get the
// default (least protected).
func (m *SchemaMap) Priority(schema string) int {
	if mapping, ok := m.mappings[schema]; ok {
		return mapping.Priority
	}
	return defaultPriority
}
