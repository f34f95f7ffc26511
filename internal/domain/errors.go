/**
 * @description
 * This file defines the error taxonomy surfaced by the reconciliation engine.
 * Recoverable failures (rate limiting, server errors) are retried internally;
 * every other kind is handed to the caller with enough structure to act on:
 * the kind names the failure class and the wrapped error keeps the original
 * detail.
 */

package domain

import (
	"errors"
	"fmt"
)

// Failure kinds carried by ReconciliationError.
const (
	KindValidationError   = "validation_error"
	KindAuthError         = "auth_error"
	KindReferenceConflict = "reference_conflict"
	KindRateLimited       = "rate_limited"
	KindServerError       = "server_error"
	KindAmbiguous         = "ambiguous"
	KindChecksumInvalid   = "checksum_invalid"
	KindStatusConflict    = "status_conflict"
)

// ErrChecksumInvalid marks an inbound event whose payload-declared checksum
// did not verify. Such events are rejected outright, never processed.
var ErrChecksumInvalid = errors.New("event checksum invalid")

// ReconciliationError pairs a failure kind with the underlying cause.
type ReconciliationError struct {
	Kind string
	Err  error
}

func (e *ReconciliationError) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// NewReconciliationError wraps cause under the given kind.
func NewReconciliationError(kind string, cause error) *ReconciliationError {
	return &ReconciliationError{Kind: kind, Err: cause}
}

// ErrorKind extracts the failure kind from err, or "" when err carries none.
func ErrorKind(err error) string {
	var re *ReconciliationError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
