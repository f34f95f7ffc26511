package app

import (
	"context"
	"testing"
	"time"

	"github.com/cleargate/reconciliation-service/internal/domain"
	"github.com/cleargate/reconciliation-service/internal/store"
	"github.com/cleargate/reconciliation-service/pkg/gatewayclient"
)

// pollSettings makes the grace period negligible so polling starts promptly.
func pollSettings() Settings {
	s := fastSettings()
	s.PollGracePeriod = time.Millisecond
	return s
}

func (s *Service) pollerRunning(reference string) bool {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	_, running := s.pollers[reference]
	return running
}

func TestPolling_AppliesTerminalStatusAndStops(t *testing.T) {
	repo := store.NewMemoryRepository()
	gateway := &stubGateway{
		getFunc: func(gatewayID string) (*gatewayclient.TransactionResponse, error) {
			return transactionResponseWith(gatewayID, "TX-1", "approved", 5000), nil
		},
	}
	notifier := &recordingNotifier{}
	svc := newTestService(t, repo, gateway, notifier, pollSettings())
	ctx := context.Background()

	if _, err := repo.CreatePending(ctx, "TX-1", 5000, "USD"); err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}
	if err := repo.AttachGatewayID(ctx, "TX-1", "gw_1"); err != nil {
		t.Fatalf("AttachGatewayID returned error: %v", err)
	}

	svc.StartPolling("TX-1", "gw_1")

	waitFor(t, 2*time.Second, "polled status to be recorded", func() bool {
		tx, err := repo.GetByReference(ctx, "TX-1")
		return err == nil && tx.Status == domain.StatusApproved
	})
	waitFor(t, 2*time.Second, "poller to unregister", func() bool {
		return !svc.pollerRunning("TX-1")
	})

	if notifier.statusChangeCount() != 1 {
		t.Fatalf("expected one status notification, got %d", notifier.statusChangeCount())
	}

	tx, err := repo.GetByReference(ctx, "TX-1")
	if err != nil {
		t.Fatalf("GetByReference returned error: %v", err)
	}
	if tx.StatusSource != domain.SourcePolling {
		t.Fatalf("expected polling to be recorded as the source, got %q", tx.StatusSource)
	}
}

func TestPolling_CanceledWhenWebhookLandsTerminalFirst(t *testing.T) {
	repo := store.NewMemoryRepository()
	// The gateway keeps reporting pending; resolution arrives via webhook.
	gateway := &stubGateway{}
	notifier := &recordingNotifier{}
	svc := newTestService(t, repo, gateway, notifier, pollSettings())
	ctx := context.Background()

	if _, err := repo.CreatePending(ctx, "TX-1", 5000, "USD"); err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}
	svc.StartPolling("TX-1", "gw_1")
	waitFor(t, 2*time.Second, "poller to register", func() bool {
		return svc.pollerRunning("TX-1")
	})

	if _, err := svc.applyObservation(ctx, domain.StatusObservation{Reference: "TX-1", Status: domain.StatusVoided, Source: domain.SourceWebhook}); err != nil {
		t.Fatalf("applyObservation returned error: %v", err)
	}

	waitFor(t, 2*time.Second, "poller to be canceled", func() bool {
		return !svc.pollerRunning("TX-1")
	})

	tx, err := repo.GetByReference(ctx, "TX-1")
	if err != nil {
		t.Fatalf("GetByReference returned error: %v", err)
	}
	if tx.Status != domain.StatusVoided || tx.StatusSource != domain.SourceWebhook {
		t.Fatalf("expected webhook status to stand, got %s/%s", tx.Status, tx.StatusSource)
	}
}

func TestPolling_StartIsIdempotentPerReference(t *testing.T) {
	repo := store.NewMemoryRepository()
	svc := newTestService(t, repo, &stubGateway{}, &recordingNotifier{}, fastSettings())

	svc.StartPolling("TX-1", "gw_1")
	svc.StartPolling("TX-1", "gw_1")

	svc.pollMu.Lock()
	count := len(svc.pollers)
	svc.pollMu.Unlock()
	if count != 1 {
		t.Fatalf("expected a single poller registration, got %d", count)
	}
}

func TestPolling_ExhaustionLeavesPendingAndReportsAnomaly(t *testing.T) {
	repo := store.NewMemoryRepository()
	gateway := &stubGateway{}
	notifier := &recordingNotifier{}
	settings := pollSettings()
	settings.PollMaxAttempts = 1
	settings.PollBackoffCap = 10 * time.Millisecond
	svc := newTestService(t, repo, gateway, notifier, settings)
	ctx := context.Background()

	if _, err := repo.CreatePending(ctx, "TX-1", 5000, "USD"); err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}
	svc.StartPolling("TX-1", "gw_1")

	waitFor(t, 5*time.Second, "poll_exhausted anomaly", func() bool {
		return len(notifier.anomaliesOfKind(domain.AnomalyPollExhausted)) == 1
	})

	tx, err := repo.GetByReference(ctx, "TX-1")
	if err != nil {
		t.Fatalf("GetByReference returned error: %v", err)
	}
	if tx.Status != domain.StatusPending {
		t.Fatalf("expected transaction to stay pending after exhaustion, got %q", tx.Status)
	}
}

func TestEnsurePolling_SkipsTerminalAndIDLessTransactions(t *testing.T) {
	repo := store.NewMemoryRepository()
	svc := newTestService(t, repo, &stubGateway{}, &recordingNotifier{}, fastSettings())
	ctx := context.Background()

	if _, err := repo.CreatePending(ctx, "TX-idless", 5000, "USD"); err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}
	idless, _ := repo.GetByReference(ctx, "TX-idless")
	svc.ensurePolling(idless)
	if svc.pollerRunning("TX-idless") {
		t.Fatalf("expected no poller for a transaction without a gateway id")
	}

	if _, err := repo.CreatePending(ctx, "TX-done", 5000, "USD"); err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}
	if err := repo.AttachGatewayID(ctx, "TX-done", "gw_2"); err != nil {
		t.Fatalf("AttachGatewayID returned error: %v", err)
	}
	if _, err := repo.Transition(ctx, "TX-done", domain.StatusApproved, domain.SourceWebhook, false); err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}
	done, _ := repo.GetByReference(ctx, "TX-done")
	svc.ensurePolling(done)
	if svc.pollerRunning("TX-done") {
		t.Fatalf("expected no poller for a terminal transaction")
	}
}

func TestResumePendingPollers(t *testing.T) {
	repo := store.NewMemoryRepository()
	svc := newTestService(t, repo, &stubGateway{}, &recordingNotifier{}, fastSettings())
	ctx := context.Background()

	if _, err := repo.CreatePending(ctx, "TX-1", 5000, "USD"); err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}
	if err := repo.AttachGatewayID(ctx, "TX-1", "gw_1"); err != nil {
		t.Fatalf("AttachGatewayID returned error: %v", err)
	}
	if _, err := repo.CreatePending(ctx, "TX-idless", 5000, "USD"); err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}

	if err := svc.ResumePendingPollers(ctx, 100); err != nil {
		t.Fatalf("ResumePendingPollers returned error: %v", err)
	}
	if !svc.pollerRunning("TX-1") {
		t.Fatalf("expected poller for TX-1")
	}
	if svc.pollerRunning("TX-idless") {
		t.Fatalf("expected no poller for a transaction without a gateway id")
	}
}
