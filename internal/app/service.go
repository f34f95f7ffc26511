/**
 * @description
 * This file contains the core application service for the reconciliation
 * engine and its retry-safe creation path. Creation wraps the outbound
 * gateway call with bounded exponential-backoff retry restricted to
 * idempotent-safe failure classes: an ambiguous outcome (timeout, connection
 * reset) is never blindly resubmitted: the ledger is consulted by reference
 * first, and only a confirmed absence makes the attempt retryable. This
 * lookup is a first-class recovery path; retrying after a timeout without it
 * risks duplicate financial creation.
 *
 * @dependencies
 * - internal/domain, internal/signature, internal/store: Engine internals.
 * - pkg/gatewayclient: Client for the payment gateway API.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cleargate/reconciliation-service/internal/domain"
	"github.com/cleargate/reconciliation-service/internal/signature"
	"github.com/cleargate/reconciliation-service/internal/store"
	"github.com/cleargate/reconciliation-service/pkg/gatewayclient"
)

// Gateway is the outbound surface of the payment gateway consumed by the
// engine. Satisfied by *gatewayclient.Client.
type Gateway interface {
	CreateTransaction(ctx context.Context, payload gatewayclient.CreateTransactionRequest) (*gatewayclient.TransactionResponse, error)
	GetTransaction(ctx context.Context, gatewayID string) (*gatewayclient.TransactionResponse, error)
}

// Notifier delivers authoritative status changes and integrity anomalies to
// the hosting application. Anomalies ride a distinct channel because silently
// dropping one is a financial-integrity defect.
type Notifier interface {
	PublishStatusChanged(ctx context.Context, event domain.StatusChangedEvent) error
	PublishAnomaly(ctx context.Context, event domain.AnomalyEvent) error
}

// Settings carries the tunables of the engine. Zero values are replaced with
// the documented defaults by Normalize.
type Settings struct {
	SigningSecret string
	WebhookSecret string

	CreateMaxRetries    int
	CreateBackoffBase   time.Duration
	CreateBackoffMax    time.Duration
	CreateJitterCeiling time.Duration
	CreateTimeout       time.Duration

	PollGracePeriod time.Duration
	PollBackoffCap  time.Duration
	PollMaxAttempts int
	PollTimeout     time.Duration

	// WebhookWins makes a webhook terminal observation override a
	// polling-recorded terminal status instead of reporting a conflict.
	// First-observation-wins is the default policy.
	WebhookWins bool
}

// Normalize fills unset fields with defaults.
func (s *Settings) Normalize() {
	if s.CreateMaxRetries < 0 {
		s.CreateMaxRetries = 0
	}
	if s.CreateBackoffBase <= 0 {
		s.CreateBackoffBase = 500 * time.Millisecond
	}
	if s.CreateBackoffMax <= 0 {
		s.CreateBackoffMax = 10 * time.Second
	}
	if s.CreateJitterCeiling < 0 {
		s.CreateJitterCeiling = 0
	}
	if s.CreateTimeout <= 0 {
		s.CreateTimeout = 15 * time.Second
	}
	if s.PollGracePeriod <= 0 {
		s.PollGracePeriod = 5 * time.Second
	}
	if s.PollBackoffCap <= 0 {
		s.PollBackoffCap = 30 * time.Second
	}
	if s.PollMaxAttempts <= 0 {
		s.PollMaxAttempts = 20
	}
	if s.PollTimeout <= 0 {
		s.PollTimeout = 10 * time.Second
	}
}

// Service is the reconciliation engine: retry-safe creation, webhook + polling
// reconciliation, and the ledger read surface.
type Service struct {
	ledger   store.Ledger
	events   store.EventStore
	gateway  Gateway
	notifier Notifier
	settings Settings

	pollMu  sync.Mutex
	pollers map[string]context.CancelFunc
}

// NewService wires the engine together.
func NewService(ledger store.Ledger, events store.EventStore, gateway Gateway, notifier Notifier, settings Settings) *Service {
	settings.Normalize()
	return &Service{
		ledger:   ledger,
		events:   events,
		gateway:  gateway,
		notifier: notifier,
		settings: settings,
		pollers:  make(map[string]context.CancelFunc),
	}
}

// GetTransaction exposes the ledger read API to the hosting application.
func (s *Service) GetTransaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	return s.ledger.GetByReference(ctx, reference)
}

// Create submits a new transaction to the gateway and records it as pending.
// The reference must be caller-chosen and globally unique; calling Create
// again with an identical request returns the existing record.
func (s *Service) Create(ctx context.Context, req domain.CreateTransactionRequest) (*domain.Transaction, error) {
	reference := strings.TrimSpace(req.Reference)
	currency := strings.TrimSpace(strings.ToUpper(req.Currency))
	if reference == "" {
		return nil, domain.NewReconciliationError(domain.KindValidationError, errors.New("reference is required"))
	}
	if currency == "" {
		return nil, domain.NewReconciliationError(domain.KindValidationError, errors.New("currency is required"))
	}
	if req.AmountMinorUnits < 0 {
		return nil, domain.NewReconciliationError(domain.KindValidationError, errors.New("amount must be non-negative"))
	}

	// A reference already in the ledger means a prior attempt got through;
	// creation is idempotent for an identical request.
	if existing, err := s.ledger.GetByReference(ctx, reference); err == nil {
		if existing.AmountMinorUnits != req.AmountMinorUnits || existing.Currency != currency {
			return nil, domain.NewReconciliationError(domain.KindReferenceConflict, store.ErrReferenceConflict)
		}
		log.Printf("level=info component=creator msg=\"reference already recorded; returning existing transaction\" reference=%s status=%s", reference, existing.Status)
		return existing, nil
	} else if !errors.Is(err, store.ErrTransactionNotFound) {
		return nil, fmt.Errorf("ledger lookup before creation: %w", err)
	}

	payload := gatewayclient.CreateTransactionRequest{
		Reference:     reference,
		AmountInCents: req.AmountMinorUnits,
		Currency:      currency,
		Digest:        signature.Sign(reference, req.AmountMinorUnits, currency, s.settings.SigningSecret, ""),
		Method:        req.MethodPayload,
	}

	var lastErr error
	for attempt := 0; attempt <= s.settings.CreateMaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.createBackoffDelay(attempt - 1)
			log.Printf("level=info component=creator msg=\"retrying creation\" reference=%s attempt=%d delay=%s", reference, attempt, delay)
			select {
			case <-ctx.Done():
				return nil, domain.NewReconciliationError(domain.KindAmbiguous, ctx.Err())
			case <-time.After(delay):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, s.settings.CreateTimeout)
		resp, err := s.gateway.CreateTransaction(callCtx, payload)
		cancel()

		if err == nil {
			return s.recordCreated(ctx, reference, req.AmountMinorUnits, currency, resp)
		}
		lastErr = err

		switch Classify(err) {
		case ClassAmbiguous:
			// Outcome unknown: resolve via the ledger before deciding to retry.
			if existing, lookupErr := s.ledger.GetByReference(ctx, reference); lookupErr == nil {
				log.Printf("level=warn component=creator msg=\"ambiguous creation resolved via ledger\" reference=%s status=%s", reference, existing.Status)
				s.ensurePolling(existing)
				return existing, nil
			} else if !errors.Is(lookupErr, store.ErrTransactionNotFound) {
				return nil, fmt.Errorf("ledger lookup after ambiguous creation: %w", lookupErr)
			}
			// Confirmed absent locally: safe to retry.
		case ClassRetryable:
			// Next loop iteration backs off and retries.
		case ClassConflict:
			// The gateway knows this reference but this engine's ledger does
			// not: either an inbound event raced us into the ledger, or the
			// reference truly belongs to someone else.
			if existing, lookupErr := s.ledger.GetByReference(ctx, reference); lookupErr == nil {
				s.ensurePolling(existing)
				return existing, nil
			}
			return nil, domain.NewReconciliationError(domain.KindReferenceConflict, err)
		default:
			return nil, domain.NewReconciliationError(FailureKind(err), err)
		}
	}

	log.Printf("level=error component=creator msg=\"creation retries exhausted\" reference=%s attempts=%d err=%v",
		reference, s.settings.CreateMaxRetries+1, lastErr)
	return nil, domain.NewReconciliationError(FailureKind(lastErr), lastErr)
}

// recordCreated persists the gateway's success response: the pending ledger
// record, the write-once gateway id, and any status the gateway already
// reported at creation time.
func (s *Service) recordCreated(ctx context.Context, reference string, amount int64, currency string, resp *gatewayclient.TransactionResponse) (*domain.Transaction, error) {
	tx, err := s.ledger.CreatePending(ctx, reference, amount, currency)
	if err != nil {
		if errors.Is(err, store.ErrReferenceConflict) {
			return nil, domain.NewReconciliationError(domain.KindReferenceConflict, err)
		}
		return nil, fmt.Errorf("record pending transaction: %w", err)
	}

	gatewayID := strings.TrimSpace(resp.Data.ID)
	if gatewayID != "" {
		if err := s.ledger.AttachGatewayID(ctx, reference, gatewayID); err != nil {
			log.Printf("level=warn component=creator msg=\"failed to attach gateway id\" reference=%s gateway_id=%s err=%v", reference, gatewayID, err)
		}
	}

	if status := normalizeStatus(resp.Data.Status); status != "" && status != domain.StatusPending {
		if _, err := s.applyObservation(ctx, domain.StatusObservation{
			Reference: reference,
			Status:    status,
			Source:    domain.SourceCreation,
		}); err != nil {
			log.Printf("level=warn component=creator msg=\"failed to apply creation-time status\" reference=%s status=%s err=%v", reference, status, err)
		}
	}

	refreshed, err := s.ledger.GetByReference(ctx, reference)
	if err != nil {
		return tx, nil
	}
	s.ensurePolling(refreshed)
	return refreshed, nil
}

func (s *Service) createBackoffDelay(attempt int) time.Duration {
	delay := s.settings.CreateBackoffBase << uint(attempt)
	if jitter := s.settings.CreateJitterCeiling; jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(jitter)))
	}
	if delay > s.settings.CreateBackoffMax {
		delay = s.settings.CreateBackoffMax
	}
	return delay
}

// applyObservation funnels every status report, regardless of producer,
// through the ledger's transition rule. Applied transitions notify the
// application; conflicting terminal reports are surfaced as anomalies, never
// arbitrated; repeats are absorbed silently.
func (s *Service) applyObservation(ctx context.Context, obs domain.StatusObservation) (domain.TransitionResult, error) {
	allowOverride := s.settings.WebhookWins && obs.Source == domain.SourceWebhook

	result, err := s.ledger.Transition(ctx, obs.Reference, obs.Status, obs.Source, allowOverride)
	if err != nil {
		return result, err
	}

	switch {
	case result.Applied:
		event := domain.StatusChangedEvent{
			Reference:      obs.Reference,
			Status:         obs.Status,
			PreviousStatus: result.PreviousStatus,
			Source:         obs.Source,
			ObservedAt:     time.Now().UTC(),
		}
		if tx, lookupErr := s.ledger.GetByReference(ctx, obs.Reference); lookupErr == nil && tx.GatewayID != nil {
			event.GatewayID = *tx.GatewayID
		}
		if err := s.notifier.PublishStatusChanged(ctx, event); err != nil {
			log.Printf("level=error component=reconciler msg=\"status notification failed\" reference=%s status=%s err=%v", obs.Reference, obs.Status, err)
		}
		// Cancel after publishing: when the observation came from the poller
		// itself, canceling first would kill the context the publish uses.
		if domain.IsTerminalStatus(obs.Status) {
			s.cancelPolling(obs.Reference)
		}
	case result.Conflict:
		log.Printf("level=error component=reconciler msg=\"terminal status conflict\" reference=%s recorded=%s/%s reported=%s/%s",
			obs.Reference, result.PreviousStatus, result.PreviousSource, obs.Status, obs.Source)
		anomaly := domain.AnomalyEvent{
			Kind:           domain.AnomalyStatusConflict,
			Reference:      obs.Reference,
			RecordedStatus: result.PreviousStatus,
			RecordedSource: result.PreviousSource,
			ReportedStatus: obs.Status,
			ReportedSource: obs.Source,
			ObservedAt:     time.Now().UTC(),
		}
		if err := s.notifier.PublishAnomaly(ctx, anomaly); err != nil {
			log.Printf("level=error component=reconciler msg=\"anomaly notification failed\" reference=%s kind=%s err=%v", obs.Reference, anomaly.Kind, err)
		}
	}

	return result, nil
}

// normalizeStatus maps the gateway's status vocabulary onto the lattice.
// Unknown statuses normalize to "" and are ignored by callers.
func normalizeStatus(status string) string {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "approved", "successful", "success", "completed":
		return domain.StatusApproved
	case "declined", "rejected":
		return domain.StatusDeclined
	case "voided", "void", "cancelled", "canceled":
		return domain.StatusVoided
	case "error", "failed", "failure":
		return domain.StatusError
	case "pending", "initiated", "processing":
		return domain.StatusPending
	default:
		return ""
	}
}
