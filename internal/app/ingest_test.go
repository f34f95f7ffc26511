package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cleargate/reconciliation-service/internal/domain"
	"github.com/cleargate/reconciliation-service/internal/store"
)

// signedEventPayload builds a gateway delivery signed over the declared
// property list with the test webhook secret. The memo field is outside the
// declared coverage, so varying it keeps the checksum valid while changing
// the payload content.
func signedEventPayload(gatewayID, reference, status, amount, memo string) []byte {
	h := sha256.New()
	h.Write([]byte(gatewayID))
	h.Write([]byte(reference))
	h.Write([]byte(status))
	h.Write([]byte(amount))
	h.Write([]byte("webhook-secret"))
	checksum := hex.EncodeToString(h.Sum(nil))

	return []byte(fmt.Sprintf(`{
		"data": {
			"transaction": {
				"id": %q,
				"reference": %q,
				"status": %q,
				"amount_in_cents": %s,
				"currency": "USD",
				"memo": %q
			}
		},
		"signature": {
			"checksum": %q,
			"properties": ["transaction.id", "transaction.reference", "transaction.status", "transaction.amount_in_cents"]
		}
	}`, gatewayID, reference, status, amount, memo, checksum))
}

func TestHandleRawEvent_EstablishesRecordAndAppliesStatus(t *testing.T) {
	repo := store.NewMemoryRepository()
	notifier := &recordingNotifier{}
	svc := newTestService(t, repo, &stubGateway{}, notifier, fastSettings())
	ctx := context.Background()

	payload := signedEventPayload("gw_1", "TX-1", "approved", "5000", "")
	if err := svc.HandleRawEvent(ctx, payload); err != nil {
		t.Fatalf("HandleRawEvent returned error: %v", err)
	}

	tx, err := repo.GetByReference(ctx, "TX-1")
	if err != nil {
		t.Fatalf("expected ledger record established from event: %v", err)
	}
	if tx.Status != domain.StatusApproved || tx.StatusSource != domain.SourceWebhook {
		t.Fatalf("expected approved via webhook, got %s/%s", tx.Status, tx.StatusSource)
	}
	if tx.GatewayID == nil || *tx.GatewayID != "gw_1" {
		t.Fatalf("expected gateway id from event, got %v", tx.GatewayID)
	}
	if tx.AmountMinorUnits != 5000 || tx.Currency != "USD" {
		t.Fatalf("expected amount and currency from event, got %d %s", tx.AmountMinorUnits, tx.Currency)
	}
	if notifier.statusChangeCount() != 1 {
		t.Fatalf("expected one status notification, got %d", notifier.statusChangeCount())
	}
}

func TestHandleRawEvent_RedeliveryIsDeduplicated(t *testing.T) {
	repo := store.NewMemoryRepository()
	notifier := &recordingNotifier{}
	svc := newTestService(t, repo, &stubGateway{}, notifier, fastSettings())
	ctx := context.Background()

	payload := signedEventPayload("gw_1", "TX-1", "approved", "5000", "")
	for i := 0; i < 3; i++ {
		if err := svc.HandleRawEvent(ctx, payload); err != nil {
			t.Fatalf("delivery %d returned error: %v", i, err)
		}
	}

	if notifier.statusChangeCount() != 1 {
		t.Fatalf("expected redeliveries to be absorbed, got %d notifications", notifier.statusChangeCount())
	}

	result, err := svc.IngestRawEvent(ctx, payload)
	if err != nil {
		t.Fatalf("IngestRawEvent returned error: %v", err)
	}
	if !result.Duplicate {
		t.Fatalf("expected duplicate result, got %+v", result)
	}
}

func TestIngestRawEvent_SupersedingStatusDerivesNewEventID(t *testing.T) {
	repo := store.NewMemoryRepository()
	svc := newTestService(t, repo, &stubGateway{}, &recordingNotifier{}, fastSettings())
	ctx := context.Background()

	first, err := svc.IngestRawEvent(ctx, signedEventPayload("gw_1", "TX-1", "pending", "5000", ""))
	if err != nil {
		t.Fatalf("IngestRawEvent returned error: %v", err)
	}
	second, err := svc.IngestRawEvent(ctx, signedEventPayload("gw_1", "TX-1", "approved", "5000", ""))
	if err != nil {
		t.Fatalf("IngestRawEvent returned error: %v", err)
	}
	if second.Duplicate || second.PayloadMismatch {
		t.Fatalf("expected a superseding status to be a fresh event, got %+v", second)
	}
	if first.Event.EventID == second.Event.EventID {
		t.Fatalf("expected distinct event ids for distinct statuses")
	}
}

func TestIngestRawEvent_InvalidChecksumRejectsAndReports(t *testing.T) {
	repo := store.NewMemoryRepository()
	notifier := &recordingNotifier{}
	svc := newTestService(t, repo, &stubGateway{}, notifier, fastSettings())

	// Flip the amount after signing.
	payload := signedEventPayload("gw_1", "TX-1", "approved", "5000", "")
	tampered := strings.Replace(string(payload), "5000", "5001", 1)

	_, err := svc.IngestRawEvent(context.Background(), []byte(tampered))
	if domain.ErrorKind(err) != domain.KindChecksumInvalid {
		t.Fatalf("expected checksum_invalid kind, got %v", err)
	}
	if len(notifier.anomaliesOfKind(domain.AnomalyChecksumInvalid)) != 1 {
		t.Fatalf("expected a checksum_invalid anomaly")
	}
	if _, lookupErr := repo.GetByReference(context.Background(), "TX-1"); lookupErr == nil {
		t.Fatalf("expected no ledger record for a rejected event")
	}
}

func TestIngestRawEvent_SameIdentityDifferentContentIsAnomalous(t *testing.T) {
	repo := store.NewMemoryRepository()
	notifier := &recordingNotifier{}
	svc := newTestService(t, repo, &stubGateway{}, notifier, fastSettings())
	ctx := context.Background()

	if err := svc.HandleRawEvent(ctx, signedEventPayload("gw_1", "TX-1", "approved", "5000", "first")); err != nil {
		t.Fatalf("HandleRawEvent returned error: %v", err)
	}

	// Identical identity fields, different uncovered content. The checksum
	// still verifies, but the recorded payload digest differs.
	result, err := svc.IngestRawEvent(ctx, signedEventPayload("gw_1", "TX-1", "approved", "5000", "second"))
	if err != nil {
		t.Fatalf("IngestRawEvent returned error: %v", err)
	}
	if !result.PayloadMismatch {
		t.Fatalf("expected payload mismatch, got %+v", result)
	}
	if len(notifier.anomaliesOfKind(domain.AnomalyPayloadMismatch)) != 1 {
		t.Fatalf("expected a payload_mismatch anomaly")
	}
}

func TestIngestRawEvent_UnrecognizedStatusIsValidationError(t *testing.T) {
	svc := newTestService(t, store.NewMemoryRepository(), &stubGateway{}, &recordingNotifier{}, fastSettings())

	_, err := svc.IngestRawEvent(context.Background(), signedEventPayload("gw_1", "TX-1", "settled", "5000", ""))
	if domain.ErrorKind(err) != domain.KindValidationError {
		t.Fatalf("expected validation_error for unrecognized status, got %v", err)
	}
}

func TestIngestRawEvent_UnusableAmountIsValidationError(t *testing.T) {
	repo := store.NewMemoryRepository()
	svc := newTestService(t, repo, &stubGateway{}, &recordingNotifier{}, fastSettings())

	// Correctly signed over the string form the gateway would render, but
	// useless as a minor-unit amount. Accepting it would establish a ledger
	// record with amount 0 and break a later creation for the same reference.
	h := sha256.New()
	h.Write([]byte("gw_1"))
	h.Write([]byte("TX-1"))
	h.Write([]byte("approved"))
	h.Write([]byte("fifty"))
	h.Write([]byte("webhook-secret"))
	checksum := hex.EncodeToString(h.Sum(nil))
	payload := fmt.Sprintf(`{
		"data": {
			"transaction": {
				"id": "gw_1",
				"reference": "TX-1",
				"status": "approved",
				"amount_in_cents": "fifty",
				"currency": "USD"
			}
		},
		"signature": {
			"checksum": %q,
			"properties": ["transaction.id", "transaction.reference", "transaction.status", "transaction.amount_in_cents"]
		}
	}`, checksum)

	_, err := svc.IngestRawEvent(context.Background(), []byte(payload))
	if domain.ErrorKind(err) != domain.KindValidationError {
		t.Fatalf("expected validation_error for unusable amount, got %v", err)
	}
	if _, err := repo.GetByReference(context.Background(), "TX-1"); err != store.ErrTransactionNotFound {
		t.Fatalf("expected no ledger record, got %v", err)
	}
}

func TestProcessEvent_DoesNotOverwriteExistingLedgerRecord(t *testing.T) {
	repo := store.NewMemoryRepository()
	svc := newTestService(t, repo, &stubGateway{}, &recordingNotifier{}, fastSettings())
	ctx := context.Background()

	if _, err := repo.CreatePending(ctx, "TX-1", 5000, "USD"); err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}

	event := domain.InboundEvent{
		EventID:              "evt-1",
		TransactionReference: "TX-1",
		GatewayTransactionID: "gw_1",
		ReportedStatus:       domain.StatusDeclined,
		AmountMinorUnits:     9999,
		Currency:             "EUR",
		ReceivedAt:           time.Now().UTC(),
	}
	if err := svc.ProcessEvent(ctx, event); err != nil {
		t.Fatalf("ProcessEvent returned error: %v", err)
	}

	tx, err := repo.GetByReference(ctx, "TX-1")
	if err != nil {
		t.Fatalf("GetByReference returned error: %v", err)
	}
	if tx.AmountMinorUnits != 5000 || tx.Currency != "USD" {
		t.Fatalf("expected original creation attributes to stand, got %d %s", tx.AmountMinorUnits, tx.Currency)
	}
	if tx.Status != domain.StatusDeclined {
		t.Fatalf("expected status from event, got %q", tx.Status)
	}
}
