package tokens

import (
	"strings"
	"testing"
)

func TestHeuristic_Estimate(t *testing.T) {
	tests := []struct {
		name          string
		charsPerToken float64
		payload       string
		want          int
	}{
		{
			name:    "default divides by four",
			payload: strings.Repeat("a", 400),
			want:    100,
		},
		{
			name:          "custom constant",
			charsPerToken: 3.0,
			payload:       strings.Repeat("a", 300),
			want:          100,
		},
		{
			name:    "empty payload is free",
			payload: "",
			want:    0,
		},
		{
			name:    "short payload never rounds to free",
			payload: "ok",
			want:    1,
		},
		{
			name:          "zero constant falls back to four",
			charsPerToken: 0,
			payload:       strings.Repeat("a", 40),
			want:          10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Heuristic{CharsPerToken: tt.charsPerToken}
			if got := h.Estimate([]byte(tt.payload)); got != tt.want {
				t.Errorf("Estimate() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHeuristic_Deterministic(t *testing.T) {
	h := NewHeuristic()
	payload := []byte(`{"content":"the same bytes must always cost the same"}`)
	first := h.Estimate(payload)
	for i := 0; i < 10; i++ {
		if got := h.Estimate(payload); got != first {
			t.Fatalf("estimate changed between calls: %d != %d", got, first)
		}
	}
}

func TestTiktoken_Estimate(t *testing.T) {
	est, err := NewTiktoken("gpt-4o")
	if err != nil {
		t.Fatalf("NewTiktoken() error = %v", err)
	}

	tests := []struct {
		name      string
		payload   string
		minTokens int
		maxTokens int
	}{
		{
			name:      "short sentence",
			payload:   "Hello, how are you?",
			minTokens: 3,
			maxTokens: 10,
		},
		{
			name:      "json payload",
			payload:   `{"content":"deploy rollback procedure for the search cluster"}`,
			minTokens: 8,
			maxTokens: 30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := est.Estimate([]byte(tt.payload))
			if got < tt.minTokens || got > tt.maxTokens {
				t.Errorf("Estimate() = %d, want between %d and %d", got, tt.minTokens, tt.maxTokens)
			}
		})
	}
}

func TestTiktoken_LongerCostsMore(t *testing.T) {
	est, err := NewTiktoken("unknown-future-model")
	if err != nil {
		t.Fatalf("NewTiktoken() error = %v", err)
	}
	short := est.Estimate([]byte("one sentence"))
	long := est.Estimate([]byte(strings.Repeat("one sentence about budgets ", 50)))
	if long <= short {
		t.Errorf("longer payload should cost more: short=%d long=%d", short, long)
	}
}
