package engine

import (
	"errors"
	"fmt"
)

// ConfigError reports an invalid consumer configuration. It is returned at
// registration time; triggers never observe configuration errors.
type ConfigError struct {
	ConsumerID string
	Reason     string
}

func (e *ConfigError) Error() string {
	if e.ConsumerID == "" {
		return fmt.Sprintf("invalid consumer config: %s", e.Reason)
	}
	return fmt.Sprintf("invalid consumer config %q: %s", e.ConsumerID, e.Reason)
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// PublishError is terminal for a single trigger: either conflict retries
// were exhausted or the store rejected the write outright. The next trigger
// for the consumer starts a fresh publish cycle.
type PublishError struct {
	ConsumerID string
	Attempts   int
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed for consumer %q after %d attempts: %v", e.ConsumerID, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsPublishError reports whether err is (or wraps) a PublishError.
func IsPublishError(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe)
}

// SourceError marks one failed source inside an otherwise successful run.
// The run records it and proceeds with the remaining sources.
type SourceError struct {
	SchemaName string
	Method     string
	Err        error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s/%s failed: %v", e.SchemaName, e.Method, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}
