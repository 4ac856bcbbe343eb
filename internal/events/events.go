// Package events carries document-store trigger events to the assembly
// engine, either from an in-process bus or a remote SSE stream.
package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/weftworks/weft/internal/docstore"
)

// TriggerEvent notifies the engine that a document was created or updated.
type TriggerEvent struct {
	DocumentID string          `json:"document_id"`
	SchemaName string          `json:"schema_name"`
	Tags       []string        `json:"tags,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// SessionTag returns the event's session:<id> tag, or "" when the event does
// not belong to a session.
func (e *TriggerEvent) SessionTag() string {
	for _, tag := range e.Tags {
		if strings.HasPrefix(tag, "session:") {
			return tag
		}
	}
	return ""
}

// HasTag reports whether the event carries tag.
func (e *TriggerEvent) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// FromDocument converts a stored document into its trigger event.
func FromDocument(doc docstore.Document) TriggerEvent {
	return TriggerEvent{
		DocumentID: doc.ID,
		SchemaName: doc.SchemaName,
		Tags:       append([]string(nil), doc.Tags...),
		Payload:    append(json.RawMessage(nil), doc.Payload...),
	}
}

// Handler consumes one trigger event. Handlers must not block for the
// duration of an assembly run; the engine dispatches runs onto goroutines.
type Handler func(ctx context.Context, ev TriggerEvent)

// Feed delivers trigger events to a handler until the context is canceled.
type Feed interface {
	Run(ctx context.Context, handle Handler) error
}
