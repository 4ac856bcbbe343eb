package docstore

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an id or tag lookup has no match.
var ErrNotFound = errors.New("document not found")

// ConflictError is returned by Update when the expected version is stale.
// The caller is expected to re-read the document and retry with the version
// it observes.
type ConflictError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on document %s: expected %d, store has %d", e.ID, e.Expected, e.Actual)
}

// IsConflict reports whether err is (or wraps) a version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
