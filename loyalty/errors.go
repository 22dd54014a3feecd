/*
errors.go - Error taxonomy for the loyalty engine

ERROR CATEGORIES:
  validation_error      Malformed or out-of-range input
  conflict              Duplicate referral pair, double confirmation
  insufficient_balance  UsePoints exceeds balance
  not_found             Unknown client / tier / referral
  configuration_error   Duplicate tier thresholds, bad config keys
  persistence_error     Store unavailable, transaction failure

Every mutating call returns either a value or one of these. Callers show
Kind(err) verbatim instead of a generic failure message.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation          = errors.New("validation error")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("not found")
	ErrConfiguration       = errors.New("configuration error")
	ErrPersistence         = errors.New("persistence error")

	// ErrMissingScope is returned when a request carries no workshop.
	ErrMissingScope = errors.New("missing workshop scope")

	// ErrLedgerDrift means the cached account no longer matches the ledger.
	// This is always a bug, never a legitimate state.
	ErrLedgerDrift = errors.New("ledger drift")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	ClientID  ClientID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d",
		e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// PersistenceError wraps a store failure. It matches both ErrPersistence and
// the underlying cause, so context.Canceled stays detectable.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// Persistence wraps err as a PersistenceError unless it already carries a
// domain meaning (not found, conflict, ...). Stores use it on raw driver errors.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != KindPersistence {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

const (
	KindValidation          = "validation_error"
	KindConflict            = "conflict"
	KindInsufficientBalance = "insufficient_balance"
	KindNotFound            = "not_found"
	KindConfiguration       = "configuration_error"
	KindPersistence         = "persistence_error"
	KindMissingScope        = "missing_scope"
	KindLedgerDrift         = "ledger_drift"
)

// Kind returns the stable error code for err. Unknown errors, including
// context cancellation, are persistence errors.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrMissingScope):
		return KindMissingScope
	case errors.Is(err, ErrLedgerDrift):
		return KindLedgerDrift
	}
	return KindPersistence
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrConfiguration)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCanceled reports whether the caller gave up before commit.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
