package engine

import (
	"encoding/json"
	"time"

	"github.com/weftworks/weft/internal/docstore"
)

// Provenance records how a conversational item entered the artifact.
const (
	ProvenanceSession  = "session"
	ProvenanceSemantic = "semantic"
)

// Item is one merged document view inside an artifact.
type Item struct {
	DocumentID string          `json:"document_id"`
	SchemaName string          `json:"schema_name"`
	Title      string          `json:"title,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Provenance string          `json:"provenance,omitempty"`
}

func itemFromDocument(doc docstore.Document) Item {
	return Item{
		DocumentID: doc.ID,
		SchemaName: doc.SchemaName,
		Title:      doc.Title,
		Payload:    append(json.RawMessage(nil), doc.Payload...),
		CreatedAt:  doc.CreatedAt,
	}
}

// Assembly is the merged, budget-trimmed body of one run, ready to publish.
type Assembly struct {
	Sections            map[string][]Item
	CurrentConversation []Item
	RelevantHistory     []Item
	SourcesAssembled    int
	SourceErrors        []*SourceError
}

// Artifact is the published context payload. Field names are stable; consumers
// parse them directly.
type Artifact struct {
	ConsumerID          string            `json:"consumer_id"`
	TriggerDocumentID   string            `json:"trigger_document_id"`
	AssembledAt         time.Time         `json:"assembled_at"`
	TokenEstimate       int               `json:"token_estimate"`
	SourcesAssembled    int               `json:"sources_assembled"`
	Sections            map[string][]Item `json:"sections"`
	CurrentConversation []Item            `json:"current_conversation"`
	RelevantHistory     []Item            `json:"relevant_history"`
	Version             int64             `json:"version"`
}

// buildArtifact assembles the payload struct. Lists and maps are non-nil so
// the published JSON always carries every field.
func buildArtifact(consumerID, triggerID string, a *Assembly, tokenEstimate int, version int64, assembledAt time.Time) *Artifact {
	artifact := &Artifact{
		ConsumerID:          consumerID,
		TriggerDocumentID:   triggerID,
		AssembledAt:         assembledAt,
		TokenEstimate:       tokenEstimate,
		SourcesAssembled:    a.SourcesAssembled,
		Sections:            a.Sections,
		CurrentConversation: a.CurrentConversation,
		RelevantHistory:     a.RelevantHistory,
		Version:             version,
	}
	if artifact.Sections == nil {
		artifact.Sections = map[string][]Item{}
	}
	if artifact.CurrentConversation == nil {
		artifact.CurrentConversation = []Item{}
	}
	if artifact.RelevantHistory == nil {
		artifact.RelevantHistory = []Item{}
	}
	return artifact
}
