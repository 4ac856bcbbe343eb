// Package tokens provides token estimation for budget enforcement. The
// default estimator is a cheap serialized-length heuristic; a real BPE
// tokenizer can be swapped in per deployment.
package tokens

// Estimator approximates how many tokens a serialized payload costs the
// downstream consumer. Implementations must be deterministic: the same bytes
// always yield the same estimate, or budget trimming loses idempotence.
type Estimator interface {
	Estimate(payload []byte) int
}

// Heuristic estimates tokens as serialized length divided by a fixed
// characters-per-token constant. Model-agnostic and fast; within ~20% of a
// real tokenizer on English prose.
type Heuristic struct {
	// CharsPerToken is the average character count per token. Defaults to 4.
	CharsPerToken float64
}

var _ Estimator = (*Heuristic)(nil)

// NewHeuristic returns a length/4 estimator.
func NewHeuristic() *Heuristic {
	return &Heuristic{CharsPerToken: 4.0}
}

func (h *Heuristic) Estimate(payload []byte) int {
	if len(payload) == 0 {
		return 0
	}
	cpt := h.CharsPerToken
	if cpt <= 0 {
		cpt = 4.0
	}
	n := int(float64(len(payload)) / cpt)
	if n < 1 {
		n = 1
	}
	return n
}
