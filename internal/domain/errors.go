package domain

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w", ...) and the
// HTTP boundary classifies with errors.Is.
var (
	// ErrValidation marks malformed or missing required input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an absent session or sub-resource.
	ErrNotFound = errors.New("not found")
	// ErrReasoningUnavailable marks a reasoning collaborator transport, parse or schema failure.
	ErrReasoningUnavailable = errors.New("reasoning unavailable")
	// ErrPersistence marks a storage write failure after rollback.
	ErrPersistence = errors.New("persistence failure")
)

// ErrSessionClosed is returned when a message targets an inactive session.
var ErrSessionClosed = errors.Join(ErrValidation, errors.New("session is closed"))
