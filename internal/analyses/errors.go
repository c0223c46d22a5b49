package analyses

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrAlreadyInProgress = errors.New("analysis already in progress")
	ErrNotFound          = errors.New("not found")
	ErrTransient         = errors.New("transient failure")
	ErrUnauthorized      = errors.New("session expired")
	ErrInvalidState      = errors.New("invalid state for operation")
	ErrNoArtifact        = errors.New("analysis has no artifact")
	ErrInvariant         = errors.New("analysis invariant violated")
)

// Error codes carried by the server error envelope.
const (
	ErrorCodeValidation = "VALIDATION_ERROR"
	ErrorCodeNotFound   = "NOT_FOUND"
	ErrorCodeDuplicate  = "DUPLICATE_ANALYSIS"
	ErrorCodeConflict   = "CONFLICT"
	ErrorCodeUpstream   = "UPSTREAM_ERROR"
	ErrorCodeStorage    = "STORAGE_ERROR"
	ErrorCodeUnauth     = "UNAUTHORIZED"
	ErrorCodeInternal   = "INTERNAL_ERROR"
)

// ValidationError is a client-side input rejection. It never reaches the network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StateError reports a lifecycle gate rejection for a known status.
type StateError struct {
	Op     string
	ID     string
	Status Status
}

func (e *StateError) Error() string {
	return e.Op + " not allowed for analysis " + e.ID + " in status " + string(e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
