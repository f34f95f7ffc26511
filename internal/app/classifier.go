/**
 * @description
 * This file classifies gateway call failures into the classes the retry loop
 * acts on. A transport failure after the request may have left the gateway is
 * never the same as a clean rejection: the former is ambiguous and must go
 * through ledger lookup before any retry, the latter is safe to surface or
 * retry directly.
 *
 * @dependencies
 * - errors, net, net/url: Standard Go libraries.
 * - pkg/gatewayclient: For the structured gateway API error.
 */

package app

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/cleargate/reconciliation-service/internal/domain"
	"github.com/cleargate/reconciliation-service/pkg/gatewayclient"
)

// FailureClass partitions gateway call failures by how the creator may react.
type FailureClass int

const (
	// ClassFatal failures are surfaced immediately; retrying cannot help.
	ClassFatal FailureClass = iota
	// ClassRetryable failures are safe to resubmit after backoff.
	ClassRetryable
	// ClassConflict means the gateway already knows this reference.
	ClassConflict
	// ClassAmbiguous means the request may or may not have been processed.
	ClassAmbiguous
)

func (c FailureClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassConflict:
		return "conflict"
	case ClassAmbiguous:
		return "ambiguous"
	default:
		return "fatal"
	}
}

func isConflictType(errType string) bool {
	switch errType {
	case "duplicate_reference", "reference_conflict", "conflict":
		return true
	}
	return false
}

// Classify maps an error from a gateway call onto its failure class. Errors
// carrying a structured gateway response are classified by status code and
// error type; transport-level errors, where no response was read, are
// ambiguous.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassFatal
	}

	var apiErr *gatewayclient.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 409 || isConflictType(apiErr.Detail.Type):
			return ClassConflict
		case apiErr.StatusCode == 429:
			return ClassRetryable
		case apiErr.StatusCode >= 500:
			return ClassRetryable
		default:
			return ClassFatal
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassAmbiguous
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassAmbiguous
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassAmbiguous
	}

	return ClassFatal
}

// FailureKind maps an error onto the failure kind reported to callers.
func FailureKind(err error) string {
	var apiErr *gatewayclient.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return domain.KindAuthError
		case apiErr.StatusCode == 409 || isConflictType(apiErr.Detail.Type):
			return domain.KindReferenceConflict
		case apiErr.StatusCode == 429:
			return domain.KindRateLimited
		case apiErr.StatusCode >= 500:
			return domain.KindServerError
		default:
			return domain.KindValidationError
		}
	}

	switch Classify(err) {
	case ClassAmbiguous:
		return domain.KindAmbiguous
	default:
		return domain.KindServerError
	}
}
