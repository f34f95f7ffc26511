/**
 * @description
 * This file defines the core domain models for the reconciliation-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, storage, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (minor units),
 *   which avoids floating-point inaccuracies with financial data.
 * - A transaction has two identifiers: the caller-chosen `reference`, unique
 *   and assigned before the gateway knows about the transaction, and the
 *   gateway-assigned `gateway_id`, which is write-once and only learned from
 *   the first successful creation response or the first matching event.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction statuses. Pending is the only non-terminal status; the four
// terminal statuses accept no further transition once recorded.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDeclined = "declined"
	StatusVoided   = "voided"
	StatusError    = "error"
)

// Observation sources, recorded alongside every status transition so that
// conflicting terminal reports can name both reporters.
const (
	SourceCreation = "creation"
	SourceWebhook  = "webhook"
	SourcePolling  = "polling"
)

// IsTerminalStatus reports whether a status accepts no further transition.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusApproved, StatusDeclined, StatusVoided, StatusError:
		return true
	}
	return false
}

// IsKnownStatus reports whether a status belongs to the lattice at all.
func IsKnownStatus(status string) bool {
	return status == StatusPending || IsTerminalStatus(status)
}

// Transaction is the authoritative local record for one gateway transaction.
// This struct maps directly to the `transactions` table in the database.
type Transaction struct {
	ID               uuid.UUID `json:"id"`
	Reference        string    `json:"reference"`
	GatewayID        *string   `json:"gateway_id,omitempty"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	StatusSource     string    `json:"status_source"`
	CreatedAt        time.Time `json:"created_at"`
	LastObservedAt   time.Time `json:"last_observed_at"`
}

// CreateTransactionRequest is the DTO for incoming creation API requests.
// MethodPayload is opaque to the engine and forwarded to the gateway verbatim.
type CreateTransactionRequest struct {
	Reference        string                 `json:"reference"`
	AmountMinorUnits int64                  `json:"amount_minor_units"`
	Currency         string                 `json:"currency"`
	MethodPayload    map[string]interface{} `json:"method_payload,omitempty"`
}

// StatusObservation is one report of a transaction's state, originating from
// either the webhook ingress or the polling loop.
type StatusObservation struct {
	Reference string
	Status    string
	Source    string
	EventID   string
}

// TransitionResult describes the outcome of applying an observation to the
// ledger. Applied and Conflict are mutually exclusive; both false means the
// observation repeated the currently recorded status (idempotent no-op).
type TransitionResult struct {
	Applied        bool
	Conflict       bool
	PreviousStatus string
	PreviousSource string
}

// StatusChangedEvent is the notification payload published when a transaction
// advances through the lattice.
type StatusChangedEvent struct {
	Reference      string    `json:"reference"`
	GatewayID      string    `json:"gateway_id,omitempty"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status"`
	Source         string    `json:"source"`
	ObservedAt     time.Time `json:"observed_at"`
}

// Anomaly kinds surfaced to the hosting application. Silent loss of any of
// these is a financial-integrity defect, so they ride a distinct channel from
// ordinary status notifications.
const (
	AnomalyStatusConflict  = "status_conflict"
	AnomalyChecksumInvalid = "checksum_invalid"
	AnomalyPayloadMismatch = "payload_mismatch"
	AnomalyPollExhausted   = "poll_exhausted"
)

// AnomalyEvent is the notification payload for integrity-relevant incidents
// that the engine refuses to resolve on its own.
type AnomalyEvent struct {
	Kind           string    `json:"kind"`
	Reference      string    `json:"reference,omitempty"`
	RecordedStatus string    `json:"recorded_status,omitempty"`
	ReportedStatus string    `json:"reported_status,omitempty"`
	RecordedSource string    `json:"recorded_source,omitempty"`
	ReportedSource string    `json:"reported_source,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
}

// NewTransactionID returns a fresh ledger record id.
func NewTransactionID() uuid.UUID {
	return uuid.New()
}
