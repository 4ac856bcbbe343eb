package tokens

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Tiktoken estimates with a real BPE tokenizer. Accurate for OpenAI-family
// consumers, noticeably slower than the heuristic on large sections.
type Tiktoken struct {
	codec    tokenizer.Codec
	fallback Heuristic
}

var _ Estimator = (*Tiktoken)(nil)

// NewTiktoken returns an estimator for the given model name. Unknown models
// fall back to the encoding their family uses, then to o200k_base.
func NewTiktoken(model string) (*Tiktoken, error) {
	codec, err := tokenizer.ForModel(tokenizer.Model(strings.ToLower(model)))
	if err != nil {
		codec, err = tokenizer.Get(modelEncoding(model))
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer for %q: %w", model, err)
		}
	}
	return &Tiktoken{codec: codec, fallback: Heuristic{CharsPerToken: 4.0}}, nil
}

func (t *Tiktoken) Estimate(payload []byte) int {
	ids, _, err := t.codec.Encode(string(payload))
	if err != nil {
		// BPE can reject malformed input; the heuristic cannot.
		return t.fallback.Estimate(payload)
	}
	return len(ids)
}

// modelEncoding maps model families to encodings for the ForModel fallback.
// Newer OpenAI models use o200k_base; GPT-4/3.5 use cl100k_base.
func modelEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
