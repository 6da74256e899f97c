// Package job runs jobs through their state machine: claim, process,
// complete, retry or fail.
package job

import (
	"errors"
	"fmt"
)

// ValidationError means a precondition of the job is unmet. It is fatal.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Msg }

// CredentialError means the account's credentials are unusable. It is fatal
// until the user acts.
type CredentialError struct {
	Msg string
}

func (e *CredentialError) Error() string { return "credential error: " + e.Msg }

// ProcessingError is a fetch or store failure. Retryable ones are retried
// according to the Policy.
type ProcessingError struct {
	Msg       string
	Retryable bool
	Err       error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Retryable wraps err as a retryable ProcessingError.
func Retryable(msg string, err error) error {
	return &ProcessingError{Msg: msg, Retryable: true, Err: err}
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var ve *ValidationError
	var ce *CredentialError
	if errors.As(err, &ve) || errors.As(err, &ce) {
		return true
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return !pe.Retryable
	}
	return false
}
