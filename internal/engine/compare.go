package engine

import (
	"bytes"
)

// Similarity decides whether two already-distinct documents say the same
// thing, so the merger can drop the later one. Identity dedup by document id
// always runs first; this interface only handles near-duplicates.
type Similarity interface {
	Similar(a, b Item) bool
}

// ExactMatch treats items as duplicates only when their payloads are
// byte-identical. This is a placeholder policy: it catches reposted content
// and nothing subtler. An embedding-based comparator would honor the
// consumer's dedup_threshold; this one ignores it.
type ExactMatch struct{}

var _ Similarity = ExactMatch{}

func (ExactMatch) Similar(a, b Item) bool {
	if len(a.Payload) == 0 && len(b.Payload) == 0 {
		return false
	}
	return bytes.Equal(a.Payload, b.Payload)
}
