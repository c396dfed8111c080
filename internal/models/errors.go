package models

import "errors"

// Error taxonomy shared by every component. Callers wrap these with context
// using fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// ErrNotFound reports an unknown order, customer, subscription or case.
	ErrNotFound = errors.New("not found")
	// ErrExternalService reports that a collaborator (classifier, analyzer,
	// store, notifier) was unavailable, timed out or answered garbage.
	ErrExternalService = errors.New("external service error")
	// ErrActionFailure reports that a remediation could not be applied.
	ErrActionFailure = errors.New("action failure")
	// ErrConcurrencyConflict reports a competing update on the same entity.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrAlreadyExists is returned by create-if-absent writes.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidInput reports a request that fails validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrImmutable reports an attempt to change a record in a final state.
	ErrImmutable = errors.New("record is immutable")
)
