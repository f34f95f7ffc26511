/**
 * @description
 * This file contains the webhook half of the reconciliation scheduler: the
 * ingestion of raw inbound gateway events. Every delivery is checksum
 * verified, reduced to its deterministic event identity, recorded exactly
 * once in the deduplication store, and only then applied to the ledger. The
 * ingress acknowledges before applying so that upstream retry timers never
 * see slow downstream work; redeliveries that lose the dedup race are
 * acknowledged, and re-applied only when the ledger is still behind them.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/cleargate/reconciliation-service/internal/domain"
	"github.com/cleargate/reconciliation-service/internal/signature"
	"github.com/cleargate/reconciliation-service/internal/store"
)

// IngestResult describes what became of one raw delivery.
type IngestResult struct {
	// Event is populated once the payload verified and parsed.
	Event domain.InboundEvent
	// Duplicate is set when the dedup store had already recorded the event.
	Duplicate bool
	// PayloadMismatch is set when the event id was recorded with different
	// payload content. That is a hard anomaly, reported and not processed.
	PayloadMismatch bool
}

// IngestRawEvent verifies and deduplicates one raw delivery. It performs no
// ledger work: callers acknowledge the delivery first and then hand fresh
// events to ProcessEvent. Invalid checksums reject with KindChecksumInvalid
// and are reported as security-relevant anomalies.
func (s *Service) IngestRawEvent(ctx context.Context, rawPayload []byte) (*IngestResult, error) {
	verdict := signature.Verify(rawPayload, s.settings.WebhookSecret)
	if !verdict.Valid {
		log.Printf("level=error component=ingress msg=\"event checksum invalid; rejecting\" derived=%s", verdict.Derived)
		anomaly := domain.AnomalyEvent{
			Kind:       domain.AnomalyChecksumInvalid,
			Detail:     "inbound event failed checksum verification",
			ObservedAt: time.Now().UTC(),
		}
		if err := s.notifier.PublishAnomaly(ctx, anomaly); err != nil {
			log.Printf("level=error component=ingress msg=\"anomaly notification failed\" kind=%s err=%v", anomaly.Kind, err)
		}
		return nil, domain.NewReconciliationError(domain.KindChecksumInvalid, domain.ErrChecksumInvalid)
	}

	event, err := parseInboundEvent(rawPayload)
	if err != nil {
		return nil, domain.NewReconciliationError(domain.KindValidationError, err)
	}

	record, err := s.events.RecordEventIfNew(ctx, *event)
	if err != nil {
		return nil, fmt.Errorf("record inbound event: %w", err)
	}

	result := &IngestResult{Event: *event}
	if record.WasNew {
		return result, nil
	}

	if record.DigestMismatch {
		result.PayloadMismatch = true
		log.Printf("level=error component=ingress msg=\"duplicate event id with different payload content\" event_id=%s reference=%s", event.EventID, event.TransactionReference)
		anomaly := domain.AnomalyEvent{
			Kind:           domain.AnomalyPayloadMismatch,
			Reference:      event.TransactionReference,
			ReportedStatus: event.ReportedStatus,
			ReportedSource: domain.SourceWebhook,
			Detail:         "redelivery of event id " + event.EventID + " carried different payload content",
			ObservedAt:     time.Now().UTC(),
		}
		if err := s.notifier.PublishAnomaly(ctx, anomaly); err != nil {
			log.Printf("level=error component=ingress msg=\"anomaly notification failed\" kind=%s err=%v", anomaly.Kind, err)
		}
		return result, nil
	}

	result.Duplicate = true
	log.Printf("level=info component=ingress msg=\"duplicate event ignored\" event_id=%s reference=%s status=%s", event.EventID, event.TransactionReference, event.ReportedStatus)
	return result, nil
}

// ProcessEvent applies a freshly deduplicated event to the ledger. A
// reference unknown to the ledger is established as pending first: that
// happens when an earlier creation attempt ended ambiguous with its response
// lost, so the inbound event is the first confirmation the gateway accepted
// the transaction.
func (s *Service) ProcessEvent(ctx context.Context, event domain.InboundEvent) error {
	if _, err := s.ledger.GetByReference(ctx, event.TransactionReference); err != nil {
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return fmt.Errorf("ledger lookup for event: %w", err)
		}
		if _, err := s.ledger.CreatePending(ctx, event.TransactionReference, event.AmountMinorUnits, event.Currency); err != nil {
			if !errors.Is(err, store.ErrReferenceConflict) {
				return fmt.Errorf("establish ledger record from event: %w", err)
			}
			// Lost a race against a concurrent creation; the record exists now.
		} else {
			log.Printf("level=info component=ingress msg=\"ledger record established from inbound event\" reference=%s", event.TransactionReference)
		}
	}

	if event.GatewayTransactionID != "" {
		if err := s.ledger.AttachGatewayID(ctx, event.TransactionReference, event.GatewayTransactionID); err != nil && !errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=ingress msg=\"failed to attach gateway id from event\" reference=%s gateway_id=%s err=%v", event.TransactionReference, event.GatewayTransactionID, err)
		}
	}

	_, err := s.applyObservation(ctx, domain.StatusObservation{
		Reference: event.TransactionReference,
		Status:    event.ReportedStatus,
		Source:    domain.SourceWebhook,
		EventID:   event.EventID,
	})
	if err != nil {
		return fmt.Errorf("apply event observation: %w", err)
	}
	return nil
}

// HandleRawEvent runs the full pipeline synchronously: verify, dedup, apply.
// Used by the queue consumer, where acknowledgement follows processing.
func (s *Service) HandleRawEvent(ctx context.Context, rawPayload []byte) error {
	result, err := s.IngestRawEvent(ctx, rawPayload)
	if err != nil {
		return err
	}
	if result.PayloadMismatch {
		return nil
	}
	if result.Duplicate {
		return s.ReapplyDuplicate(ctx, result.Event)
	}
	return s.ProcessEvent(ctx, result.Event)
}

// ReapplyDuplicate re-checks the ledger for an event deduplication reported
// as already seen. The event id is recorded before the transition is applied,
// so a delivery whose processing failed after recording comes back as a
// duplicate; when the ledger still sits behind the event's reported status
// the observation is applied now. Events the ledger has caught up with are a
// no-op.
func (s *Service) ReapplyDuplicate(ctx context.Context, event domain.InboundEvent) error {
	current, err := s.ledger.GetByReference(ctx, event.TransactionReference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return s.ProcessEvent(ctx, event)
		}
		return fmt.Errorf("ledger lookup for duplicate event: %w", err)
	}
	if current.Status == domain.StatusPending && domain.IsTerminalStatus(event.ReportedStatus) {
		log.Printf("level=warn component=ingress msg=\"ledger behind deduplicated event; re-applying\" event_id=%s reference=%s status=%s", event.EventID, event.TransactionReference, event.ReportedStatus)
		return s.ProcessEvent(ctx, event)
	}
	return nil
}

// parseInboundEvent reduces a verified raw payload to its event identity. The
// distinguishing fields (gateway id, reference, status, amount) are resolved
// through the same dotted-path traversal verification uses, so identity stays
// stable across redeliveries that only differ in envelope fields like sent_at.
func parseInboundEvent(rawPayload []byte) (*domain.InboundEvent, error) {
	tree, err := signature.DecodeTree(rawPayload)
	if err != nil {
		return nil, err
	}
	data := tree["data"]

	reference := signature.ResolvePath(data, "transaction.reference")
	if reference == "" {
		return nil, errors.New("event payload missing transaction.reference")
	}
	reportedStatus := normalizeStatus(signature.ResolvePath(data, "transaction.status"))
	if reportedStatus == "" {
		return nil, fmt.Errorf("event payload carries unrecognized status %q", signature.ResolvePath(data, "transaction.status"))
	}

	gatewayID := signature.ResolvePath(data, "transaction.id")
	rawAmount := signature.ResolvePath(data, "transaction.amount_in_cents")
	amount, err := strconv.ParseInt(rawAmount, 10, 64)
	if err != nil {
		// A zero amount here would poison any ledger record this event
		// establishes, so missing or non-integer amounts are rejected.
		return nil, fmt.Errorf("event payload carries unusable amount_in_cents %q", rawAmount)
	}

	fieldDigest := domain.DigestFields(gatewayID, reference, reportedStatus, rawAmount)
	return &domain.InboundEvent{
		EventID:              domain.DeriveEventID(reference, reportedStatus, fieldDigest),
		TransactionReference: reference,
		GatewayTransactionID: gatewayID,
		ReportedStatus:       reportedStatus,
		AmountMinorUnits:     amount,
		Currency:             strings.ToUpper(strings.TrimSpace(signature.ResolvePath(data, "transaction.currency"))),
		PayloadDigest:        signature.CanonicalDigest(data),
		ReceivedAt:           time.Now().UTC(),
	}, nil
}
