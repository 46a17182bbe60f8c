package store

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that a referenced task or entity does not exist or is
// soft-deleted. It is always surfaced to the caller, never retried.
var ErrNotFound = errors.New("record not found")

// ValidationError reports a malformed field or an invalid state transition.
// No partial write occurs when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// CycleError reports that a dependency or parent edge would close a cycle.
// It unwraps to a *ValidationError so callers that only branch on the broad
// class still catch it, while errors.As distinguishes the cycle case.
type CycleError struct {
	TaskID int64
	EdgeID int64
	Kind   string // "depends_on" or "parent_task_id"
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle: adding %s edge %d -> %d would close a cycle", e.Kind, e.TaskID, e.EdgeID)
}

func (e *CycleError) Unwrap() error {
	return &ValidationError{Field: e.Kind, Reason: "edge would create a cycle"}
}

// ConsistencyError reports that a traversal protected by an invariant
// exceeded its depth or visit guard. It means a prior bug let an invariant
// violation reach the store; it is logged as severe and surfaced rather
// than looping.
type ConsistencyError struct {
	Op     string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency: %s: %s", e.Op, e.Detail)
}

// IsValidation reports whether err is a validation failure of any kind,
// including cycle rejections.
func IsValidation(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var ce *CycleError
	return errors.As(err, &ce)
}
