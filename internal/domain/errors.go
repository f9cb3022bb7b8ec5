package domain

import (
	"errors"
	"fmt"
	"time"
)

// PipelineError represents a standardized error carried across pipeline stages
type PipelineError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios. UnmappedConcept and
// CycleDetected deliberately have no codes here: the first is the
// sentinel concept id, the second is recovered locally by the resolver.
const (
	ErrVersionNotFoundCode = "VERSION_NOT_FOUND"
	ErrStorageCode         = "STORAGE_ERROR"
	ErrRunAbortedCode      = "RUN_ABORTED"
	ErrRunConflictCode     = "RUN_CONFLICT"
	ErrInvalidInputCode    = "INVALID_INPUT"
	ErrAuditRejectedCode   = "AUDIT_REJECTED"
	ErrInternalCode        = "INTERNAL_ERROR"
)

// Sentinel errors for flow control
var (
	// ErrNotFound indicates a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrVersionNotFound indicates the pinned vocabulary version is absent.
	// Fatal to the run; no partial output is produced.
	ErrVersionNotFound = errors.New("vocabulary version not found")

	// ErrVersionExists indicates an attempt to overwrite an existing
	// vocabulary version. The store is append-only.
	ErrVersionExists = errors.New("vocabulary version already loaded")

	// ErrRunConflict indicates another run already holds the dataset
	ErrRunConflict = errors.New("another run is active for this dataset")

	// ErrRunAborted indicates the run was cancelled and its staged
	// writes discarded.
	ErrRunAborted = errors.New("run aborted")

	// ErrLabelConflict indicates a custom concept label collides with an
	// active custom concept.
	ErrLabelConflict = errors.New("active custom concept with this label exists")

	// ErrAlreadyMerged indicates the candidate pair was already resolved;
	// re-merging is a no-op surfaced as this sentinel.
	ErrAlreadyMerged = errors.New("pair already merged")

	// ErrReasonRequired indicates a mutation was attempted without the
	// mandatory audit reason.
	ErrReasonRequired = errors.New("audit reason is required")
)

// NewPipelineError creates a new PipelineError with timestamp
func NewPipelineError(code, message, details, runID string) *PipelineError {
	return &PipelineError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
	}
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
