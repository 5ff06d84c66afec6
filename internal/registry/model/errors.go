package model

import (
	"errors"
	"fmt"
)

// Error kinds shared by every layer of the registry. Components wrap them
// with fmt.Errorf("...: %w", Err...) so callers can classify with errors.Is.
var (
	ErrNotFound       = errors.New("agent not found")
	ErrConflict       = errors.New("agent already exists")
	ErrForbidden      = errors.New("not the agent owner")
	ErrIdentity       = errors.New("identity generation failed")
	ErrEmbedding      = errors.New("embedding generation failed")
	ErrStorage        = errors.New("storage failure")
	ErrIssuer         = errors.New("issuer request failed")
	ErrSearch         = errors.New("search engine unavailable")
	ErrCreationFailed = errors.New("agent creation failed")
)

// ErrValidation is returned when the caller supplies invalid input.
// Handlers convert it to HTTP 400 rather than 500.
type ErrValidation struct{ Msg string }

func (e *ErrValidation) Error() string { return e.Msg }

// CreationError is the single error surfaced by a failed provisioning run.
// It matches both ErrCreationFailed and its cause under errors.Is/As.
type CreationError struct {
	Step  string
	Cause error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("agent creation failed at %s: %v", e.Step, e.Cause)
}

func (e *CreationError) Unwrap() []error { return []error{ErrCreationFailed, e.Cause} }

// BadInput reports whether the failure was caused by the request itself
// rather than by an unavailable dependency.
func (e *CreationError) BadInput() bool {
	var valErr *ErrValidation
	return errors.As(e.Cause, &valErr) ||
		errors.Is(e.Cause, ErrEmbedding) ||
		errors.Is(e.Cause, ErrConflict)
}
