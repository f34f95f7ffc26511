/**
 * @description
 * This file defines the storage contracts for the reconciliation engine: the
 * transaction ledger (authoritative status record with monotonic transition
 * enforcement) and the event deduplication store (durable insert-if-absent
 * set of processed event identities). Defining interfaces decouples the
 * engine's logic from the concrete backend (PostgreSQL, Bolt, Redis,
 * in-memory), making the code modular and easy to test.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/cleargate/reconciliation-service/internal/domain"
)

var (
	// ErrTransactionNotFound is returned when no ledger record exists for a reference.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrReferenceConflict is returned when a reference is reused with a
	// different amount or currency.
	ErrReferenceConflict = errors.New("reference already exists with different attributes")
	// ErrGatewayIDConflict is returned when a write-once gateway id is already
	// set to a different value.
	ErrGatewayIDConflict = errors.New("gateway id already recorded with different value")
	// ErrUnknownStatus is returned for a status outside the lattice.
	ErrUnknownStatus = errors.New("unknown transaction status")
)

// Ledger is the authoritative record of known transactions. Transition is the
// single serialization point per reference: implementations guarantee that two
// concurrent Transition calls for the same reference never interleave their
// read-modify-write of the status.
type Ledger interface {
	// CreatePending records a new pending transaction. Calling it again with
	// identical amount and currency returns the existing record; a mismatch
	// returns ErrReferenceConflict.
	CreatePending(ctx context.Context, reference string, amountMinorUnits int64, currency string) (*domain.Transaction, error)

	// Transition applies a status observation under the lattice rule:
	// pending may advance to any terminal status, a repeat of the current
	// status is an idempotent no-op, and a terminal status differing from an
	// already-terminal one is a conflict (reported, not applied). When
	// allowOverride is set, a differing terminal observation from a different
	// source replaces the recorded one; this backs the opt-in webhook-wins
	// reconciliation policy.
	Transition(ctx context.Context, reference, newStatus, source string, allowOverride bool) (domain.TransitionResult, error)

	// GetByReference returns the ledger record, or ErrTransactionNotFound.
	GetByReference(ctx context.Context, reference string) (*domain.Transaction, error)

	// AttachGatewayID records the gateway-assigned id. The id is write-once:
	// re-attaching the same value is a no-op, a different value returns
	// ErrGatewayIDConflict.
	AttachGatewayID(ctx context.Context, reference, gatewayID string) error

	// ListPendingOlderThan returns still-pending transactions created before
	// cutoff, oldest first. Used to re-arm pollers after a restart.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error)
}

// EventRecordResult reports the outcome of an insert-if-absent on the dedup store.
type EventRecordResult struct {
	WasNew bool
	// DigestMismatch is set when the event id was already recorded with a
	// different payload digest: two deliveries claiming the same identity but
	// carrying different content, which is a hard anomaly.
	DigestMismatch bool
}

// EventStore is the durable set of processed event identities. RecordEventIfNew
// must be atomic under concurrent calls for the same event id: exactly one
// caller observes WasNew=true.
type EventStore interface {
	RecordEventIfNew(ctx context.Context, event domain.InboundEvent) (EventRecordResult, error)

	// PurgeEventsBefore drops dedup records received before cutoff. Retention
	// must cover at least the upstream redelivery window.
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repository combines both stores for backends that host them together.
type Repository interface {
	Ledger
	EventStore
}
