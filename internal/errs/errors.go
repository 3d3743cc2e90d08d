// Package errs holds the error taxonomy shared by the calculator, the
// storage backends and the settlement engine.
//
// Callers compare with errors.Is against the sentinels; the structured
// errors unwrap to their sentinel so both styles work:
//
//	if errors.Is(err, errs.ErrConflict) {
//	    // re-fetch and retry
//	}
package errs

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a group, expense or settlement does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the actor may not perform a lifecycle action.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when a concurrent modification was detected.
	ErrConflict = errors.New("conflict")

	// ErrAlreadySettled is returned when completing a settlement that is
	// already completed. It is a Conflict.
	ErrAlreadySettled = fmt.Errorf("%w: settlement already completed", ErrConflict)

	// ErrValidation is returned for malformed input such as split totals that
	// do not add up or a participant outside the group.
	ErrValidation = errors.New("validation failed")

	// ErrIntegrity marks balances that do not net to zero. It is reported,
	// never returned from a recompute.
	ErrIntegrity = errors.New("integrity violation")

	// ErrTimeout is returned when the persistence deadline expires.
	ErrTimeout = errors.New("persistence timeout")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError with a formatted message.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IntegrityError carries the amount by which a group's balances miss zero.
type IntegrityError struct {
	GroupID   string
	Imbalance decimal.Decimal
}

func (e *IntegrityError) Error() string {
	if e.GroupID == "" {
		return fmt.Sprintf("integrity violation: balances net to %s", e.Imbalance.String())
	}
	return fmt.Sprintf("integrity violation: group %s balances net to %s", e.GroupID, e.Imbalance.String())
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

// IsRetryable reports whether the caller may retry after re-reading state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		(errors.Is(err, ErrConflict) && !errors.Is(err, ErrAlreadySettled))
}

// IsClientError reports whether err was caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrAlreadySettled)
}

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
