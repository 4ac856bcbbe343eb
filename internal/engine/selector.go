package engine

import (
	"encoding/json"
	"strings"

	"github.com/weftworks/weft/internal/events"
)

// Field predicate operators.
const (
	OpEq          = "eq"
	OpNe          = "ne"
	OpGt          = "gt"
	OpLt          = "lt"
	OpGte         = "gte"
	OpLte         = "lte"
	OpContains    = "contains"
	OpContainsAny = "contains_any"
)

var validOps = map[string]bool{
	OpEq: true, OpNe: true,
	OpGt: true, OpLt: true, OpGte: true, OpLte: true,
	OpContains: true, OpContainsAny: true,
}

// Matches reports whether the event satisfies at least one selector. It is a
// total function: malformed payloads, absent paths, and type mismatches all
// evaluate to false, never to an error. An empty selector matches nothing.
func Matches(ev events.TriggerEvent, selectors []Selector) bool {
	for i := range selectors {
		if matchesSelector(ev, &selectors[i]) {
			return true
		}
	}
	return false
}

func matchesSelector(ev events.TriggerEvent, sel *Selector) bool {
	if sel.Empty() {
		return false
	}
	if sel.SchemaName != "" && sel.SchemaName != ev.SchemaName {
		return false
	}
	for _, tag := range sel.AllTags {
		if !ev.HasTag(tag) {
			return false
		}
	}
	if len(sel.AnyTags) > 0 {
		found := false
		for _, tag := range sel.AnyTags {
			if ev.HasTag(tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(sel.FieldMatch) == 0 {
		return true
	}

	var payload map[string]any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return false
	}
	for _, pred := range sel.FieldMatch {
		got, ok := lookupPath(payload, pred.Path)
		if !ok {
			return false
		}
		if !evalPredicate(got, pred.Op, pred.Value) {
			return false
		}
	}
	return true
}

// lookupPath walks a dot-separated path through nested JSON objects.
func lookupPath(payload map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = payload
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func evalPredicate(got any, op string, want any) bool {
	switch op {
	case OpEq:
		return jsonEqual(got, want)
	case OpNe:
		return !jsonEqual(got, want)
	case OpGt, OpLt, OpGte, OpLte:
		gf, gok := toFloat(got)
		wf, wok := toFloat(want)
		if !gok || !wok {
			return false
		}
		switch op {
		case OpGt:
			return gf > wf
		case OpLt:
			return gf < wf
		case OpGte:
			return gf >= wf
		default:
			return gf <= wf
		}
	case OpContains:
		return contains(got, want)
	case OpContainsAny:
		values, ok := want.([]any)
		if !ok {
			return contains(got, want)
		}
		for _, v := range values {
			if contains(got, v) {
				return true
			}
		}
		return false
	default:
		// Unknown operators are rejected at registration; if one slips
		// through it matches nothing.
		return false
	}
}

// contains handles the two shapes the operator supports: substring on
// strings, membership on arrays. Anything else is false.
func contains(got, want any) bool {
	switch g := got.(type) {
	case string:
		w, ok := want.(string)
		return ok && strings.Contains(g, w)
	case []any:
		for _, elem := range g {
			if jsonEqual(elem, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// jsonEqual compares decoded JSON scalars; numbers compare numerically so 2
// matches 2.0 regardless of how either side decoded.
func jsonEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
