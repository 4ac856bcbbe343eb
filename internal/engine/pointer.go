package engine

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/weftworks/weft/internal/events"
)

// pointerFields are the payload keys mined for free text, in order.
var pointerFields = []string{"content", "message", "text", "title", "query"}

// lifecycleTags are state markers, not topics; they never contribute to the
// retrieval pointer.
var lifecycleTags = map[string]bool{
	"approved":   true,
	"validated":  true,
	"bootstrap":  true,
	"deprecated": true,
	"draft":      true,
	"archived":   true,
	"ephemeral":  true,
	"error":      true,
	"warning":    true,
	"info":       true,
}

// ExtractPointer derives the free-text retrieval pointer for similarity
// sources: the event's text fields followed by its topical tags. Namespaced
// tags (anything with a colon) are structural and excluded, as are lifecycle
// state tags. An empty pointer is legal; similarity sources then degrade to
// the store's default ordering.
func ExtractPointer(ev events.TriggerEvent) string {
	var parts []string

	var payload map[string]any
	if err := json.Unmarshal(ev.Payload, &payload); err == nil {
		for _, field := range pointerFields {
			if value, ok := payload[field].(string); ok && value != "" {
				parts = append(parts, value)
			}
		}
	}

	seen := make(map[string]bool)
	var topics []string
	for _, tag := range ev.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || strings.Contains(tag, ":") || lifecycleTags[tag] || seen[tag] {
			continue
		}
		seen[tag] = true
		topics = append(topics, tag)
	}
	sort.Strings(topics)
	parts = append(parts, topics...)

	return strings.TrimSpace(strings.Join(parts, " "))
}
