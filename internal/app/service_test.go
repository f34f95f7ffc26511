package app

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cleargate/reconciliation-service/internal/domain"
	"github.com/cleargate/reconciliation-service/internal/store"
	"github.com/cleargate/reconciliation-service/pkg/gatewayclient"
)

// stubGateway scripts the gateway's behavior per test and counts calls.
type stubGateway struct {
	mu          sync.Mutex
	createCalls int
	getCalls    int
	createFunc  func(payload gatewayclient.CreateTransactionRequest) (*gatewayclient.TransactionResponse, error)
	getFunc     func(gatewayID string) (*gatewayclient.TransactionResponse, error)
}

func (g *stubGateway) CreateTransaction(ctx context.Context, payload gatewayclient.CreateTransactionRequest) (*gatewayclient.TransactionResponse, error) {
	g.mu.Lock()
	g.createCalls++
	g.mu.Unlock()
	if g.createFunc == nil {
		return transactionResponseWith("gw_1", payload.Reference, "pending", payload.AmountInCents), nil
	}
	return g.createFunc(payload)
}

func (g *stubGateway) GetTransaction(ctx context.Context, gatewayID string) (*gatewayclient.TransactionResponse, error) {
	g.mu.Lock()
	g.getCalls++
	g.mu.Unlock()
	if g.getFunc == nil {
		return transactionResponseWith(gatewayID, "", "pending", 0), nil
	}
	return g.getFunc(gatewayID)
}

func (g *stubGateway) createCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls
}

func transactionResponseWith(id, reference, status string, amount int64) *gatewayclient.TransactionResponse {
	resp := &gatewayclient.TransactionResponse{}
	resp.Data.ID = id
	resp.Data.Reference = reference
	resp.Data.Status = status
	resp.Data.AmountInCents = amount
	return resp
}

// recordingNotifier captures published notifications for assertions.
type recordingNotifier struct {
	mu            sync.Mutex
	statusChanges []domain.StatusChangedEvent
	anomalies     []domain.AnomalyEvent
}

func (n *recordingNotifier) PublishStatusChanged(ctx context.Context, event domain.StatusChangedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statusChanges = append(n.statusChanges, event)
	return nil
}

func (n *recordingNotifier) PublishAnomaly(ctx context.Context, event domain.AnomalyEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.anomalies = append(n.anomalies, event)
	return nil
}

func (n *recordingNotifier) statusChangeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.statusChanges)
}

func (n *recordingNotifier) anomaliesOfKind(kind string) []domain.AnomalyEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var matched []domain.AnomalyEvent
	for _, a := range n.anomalies {
		if a.Kind == kind {
			matched = append(matched, a)
		}
	}
	return matched
}

// fastSettings keeps retry backoff negligible and polling effectively parked
// behind a long grace period, so creation tests never race a poller.
func fastSettings() Settings {
	return Settings{
		SigningSecret:     "signing-secret",
		WebhookSecret:     "webhook-secret",
		CreateMaxRetries:  2,
		CreateBackoffBase: time.Millisecond,
		CreateBackoffMax:  2 * time.Millisecond,
		CreateTimeout:     time.Second,
		PollGracePeriod:   time.Minute,
		PollBackoffCap:    30 * time.Second,
		PollMaxAttempts:   20,
		PollTimeout:       time.Second,
	}
}

func newTestService(t *testing.T, repo *store.MemoryRepository, gateway *stubGateway, notifier *recordingNotifier, settings Settings) *Service {
	t.Helper()
	svc := NewService(repo, repo, gateway, notifier, settings)
	t.Cleanup(svc.StopAllPolling)
	return svc
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreate_RecordsPendingWithGatewayID(t *testing.T) {
	repo := store.NewMemoryRepository()
	gateway := &stubGateway{}
	notifier := &recordingNotifier{}
	svc := newTestService(t, repo, gateway, notifier, fastSettings())

	tx, err := svc.Create(context.Background(), domain.CreateTransactionRequest{
		Reference:        "TX-1",
		AmountMinorUnits: 5000,
		Currency:         "usd",
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if tx.Status != domain.StatusPending {
		t.Fatalf("expected pending status, got %q", tx.Status)
	}
	if tx.GatewayID == nil || *tx.GatewayID != "gw_1" {
		t.Fatalf("expected gateway id gw_1, got %v", tx.GatewayID)
	}
	if tx.Currency != "USD" {
		t.Fatalf("expected currency to be uppercased, got %q", tx.Currency)
	}
	if gateway.createCallCount() != 1 {
		t.Fatalf("expected one gateway call, got %d", gateway.createCallCount())
	}
}

func TestCreate_CreationTimeTerminalStatusIsApplied(t *testing.T) {
	repo := store.NewMemoryRepository()
	gateway := &stubGateway{
		createFunc: func(payload gatewayclient.CreateTransactionRequest) (*gatewayclient.TransactionResponse, error) {
			return transactionResponseWith("gw_1", payload.Reference, "declined", payload.AmountInCents), nil
		},
	}
	notifier := &recordingNotifier{}
	svc := newTestService(t, repo, gateway, notifier, fastSettings())

	tx, err := svc.Create(context.Background(), domain.CreateTransactionRequest{Reference: "TX-1", AmountMinorUnits: 5000, Currency: "USD"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if tx.Status != domain.StatusDeclined {
		t.Fatalf("expected declined, got %q", tx.Status)
	}
	if notifier.statusChangeCount() != 1 {
		t.Fatalf("expected one status notification, got %d", notifier.statusChangeCount())
	}
}

func TestCreate_RetryBoundIsMaxRetriesPlusOne(t *testing.T) {
	repo := store.NewMemoryRepository()
	gateway := &stubGateway{
		createFunc: func(payload gatewayclient.CreateTransactionRequest) (*gatewayclient.TransactionResponse, error) {
			return nil, apiError(503, "unavailable")
		},
	}
	svc := newTestService(t, repo, gateway, &recordingNotifier{}, fastSettings())

	_, err := svc.Create(context.Background(), domain.CreateTransactionRequest{Reference: "TX-1", AmountMinorUnits: 5000, Currency: "USD"})
	if domain.ErrorKind(err) != domain.KindServerError {
		t.Fatalf("expected server_error kind, got %v", err)
	}
	if gateway.createCallCount() != 3 {
		t.Fatalf("expected maxRetries+1 = 3 attempts, got %d", gateway.createCallCount())
	}
}

func TestCreate_FatalErrorIsNotRetried(t *testing.T) {
	repo := store.NewMemoryRepository()
	gateway := &stubGateway{
		createFunc: func(payload gatewayclient.CreateTransactionRequest) (*gatewayclient.TransactionResponse, error) {
			return nil, apiError(422, "validation_failed")
		},
	}
	svc := newTestService(t, repo, gateway, &recordingNotifier{}, fastSettings())

	_, err := svc.Create(context.Background(), domain.CreateTransactionRequest{Reference: "TX-1", AmountMinorUnits: 5000, Currency: "USD"})
	if domain.ErrorKind(err) != domain.KindValidationError {
		t.Fatalf("expected validation_error kind, got %v", err)
	}
	if gateway.createCallCount() != 1 {
		t.Fatalf("expected a single attempt for a fatal error, got %d", gateway.createCallCount())
	}
}

func TestCreate_AmbiguousOutcomeResolvedFromLedgerWithoutResubmit(t *testing.T) {
	repo := store.NewMemoryRepository()
	// The request reaches the gateway, a webhook races the record into the
	// ledger, and then the response is lost on the wire.
	gateway := &stubGateway{}
	gateway.createFunc = func(payload gatewayclient.CreateTransactionRequest) (*gatewayclient.TransactionResponse, error) {
		if _, err := repo.CreatePending(context.Background(), payload.Reference, payload.AmountInCents, payload.Currency); err != nil {
			t.Errorf("seeding ledger failed: %v", err)
		}
		return nil, &url.Error{Op: "Post", URL: "https://gw", Err: errors.New("connection reset by peer")}
	}
	svc := newTestService(t, repo, gateway, &recordingNotifier{}, fastSettings())

	tx, err := svc.Create(context.Background(), domain.CreateTransactionRequest{Reference: "TX-1", AmountMinorUnits: 5000, Currency: "USD"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if tx.Reference != "TX-1" {
		t.Fatalf("expected recovered record, got %+v", tx)
	}
	if gateway.createCallCount() != 1 {
		t.Fatalf("expected no resubmission after ambiguous recovery, got %d calls", gateway.createCallCount())
	}
}

func TestCreate_AmbiguousWithConfirmedAbsenceIsRetried(t *testing.T) {
	repo := store.NewMemoryRepository()
	gateway := &stubGateway{}
	gateway.createFunc = func(payload gatewayclient.CreateTransactionRequest) (*gatewayclient.TransactionResponse, error) {
		if gateway.createCallCount() == 1 {
			return nil, &url.Error{Op: "Post", URL: "https://gw", Err: errors.New("connection reset by peer")}
		}
		return transactionResponseWith("gw_1", payload.Reference, "pending", payload.AmountInCents), nil
	}
	svc := newTestService(t, repo, gateway, &recordingNotifier{}, fastSettings())

	tx, err := svc.Create(context.Background(), domain.CreateTransactionRequest{Reference: "TX-1", AmountMinorUnits: 5000, Currency: "USD"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if tx.Status != domain.StatusPending {
		t.Fatalf("expected pending after retried creation, got %q", tx.Status)
	}
	if gateway.createCallCount() != 2 {
		t.Fatalf("expected retry after confirmed absence, got %d calls", gateway.createCallCount())
	}
}

func TestCreate_IdempotentReturnForKnownReference(t *testing.T) {
	repo := store.NewMemoryRepository()
	if _, err := repo.CreatePending(context.Background(), "TX-1", 5000, "USD"); err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}
	gateway := &stubGateway{}
	svc := newTestService(t, repo, gateway, &recordingNotifier{}, fastSettings())

	tx, err := svc.Create(context.Background(), domain.CreateTransactionRequest{Reference: "TX-1", AmountMinorUnits: 5000, Currency: "USD"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if tx.Reference != "TX-1" {
		t.Fatalf("expected existing record, got %+v", tx)
	}
	if gateway.createCallCount() != 0 {
		t.Fatalf("expected no gateway call for a known reference, got %d", gateway.createCallCount())
	}
}

func TestCreate_ReferenceReuseWithDifferentAmountConflicts(t *testing.T) {
	repo := store.NewMemoryRepository()
	if _, err := repo.CreatePending(context.Background(), "TX-1", 5000, "USD"); err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}
	svc := newTestService(t, repo, &stubGateway{}, &recordingNotifier{}, fastSettings())

	_, err := svc.Create(context.Background(), domain.CreateTransactionRequest{Reference: "TX-1", AmountMinorUnits: 9999, Currency: "USD"})
	if domain.ErrorKind(err) != domain.KindReferenceConflict {
		t.Fatalf("expected reference_conflict kind, got %v", err)
	}
}

func TestCreate_GatewayConflictFallsBackToLedger(t *testing.T) {
	repo := store.NewMemoryRepository()
	gateway := &stubGateway{
		createFunc: func(payload gatewayclient.CreateTransactionRequest) (*gatewayclient.TransactionResponse, error) {
			return nil, apiError(409, "duplicate_reference")
		},
	}
	svc := newTestService(t, repo, gateway, &recordingNotifier{}, fastSettings())

	_, err := svc.Create(context.Background(), domain.CreateTransactionRequest{Reference: "TX-1", AmountMinorUnits: 5000, Currency: "USD"})
	if domain.ErrorKind(err) != domain.KindReferenceConflict {
		t.Fatalf("expected reference_conflict kind when the ledger has no record, got %v", err)
	}
	if gateway.createCallCount() != 1 {
		t.Fatalf("expected conflict not to be retried, got %d calls", gateway.createCallCount())
	}
}

func TestCreate_ValidationRejectsBadInput(t *testing.T) {
	svc := newTestService(t, store.NewMemoryRepository(), &stubGateway{}, &recordingNotifier{}, fastSettings())

	cases := []domain.CreateTransactionRequest{
		{Reference: "", AmountMinorUnits: 5000, Currency: "USD"},
		{Reference: "TX-1", AmountMinorUnits: 5000, Currency: ""},
		{Reference: "TX-1", AmountMinorUnits: -1, Currency: "USD"},
	}
	for i, req := range cases {
		if _, err := svc.Create(context.Background(), req); domain.ErrorKind(err) != domain.KindValidationError {
			t.Fatalf("case %d: expected validation_error, got %v", i, err)
		}
	}
}

func TestApplyObservation_ConflictPublishesAnomalyAndKeepsRecord(t *testing.T) {
	repo := store.NewMemoryRepository()
	notifier := &recordingNotifier{}
	svc := newTestService(t, repo, &stubGateway{}, notifier, fastSettings())
	ctx := context.Background()

	if _, err := repo.CreatePending(ctx, "TX-1", 5000, "USD"); err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}
	if _, err := svc.applyObservation(ctx, domain.StatusObservation{Reference: "TX-1", Status: domain.StatusApproved, Source: domain.SourcePolling}); err != nil {
		t.Fatalf("applyObservation returned error: %v", err)
	}
	result, err := svc.applyObservation(ctx, domain.StatusObservation{Reference: "TX-1", Status: domain.StatusDeclined, Source: domain.SourceWebhook})
	if err != nil {
		t.Fatalf("applyObservation returned error: %v", err)
	}
	if !result.Conflict {
		t.Fatalf("expected conflict, got %+v", result)
	}

	conflicts := notifier.anomaliesOfKind(domain.AnomalyStatusConflict)
	if len(conflicts) != 1 {
		t.Fatalf("expected one status_conflict anomaly, got %d", len(conflicts))
	}
	if conflicts[0].RecordedStatus != domain.StatusApproved || conflicts[0].ReportedStatus != domain.StatusDeclined {
		t.Fatalf("anomaly should name both statuses, got %+v", conflicts[0])
	}

	tx, err := repo.GetByReference(ctx, "TX-1")
	if err != nil {
		t.Fatalf("GetByReference returned error: %v", err)
	}
	if tx.Status != domain.StatusApproved {
		t.Fatalf("expected first terminal status to stand, got %q", tx.Status)
	}
}

func TestApplyObservation_WebhookWinsOverridesPolledStatus(t *testing.T) {
	repo := store.NewMemoryRepository()
	notifier := &recordingNotifier{}
	settings := fastSettings()
	settings.WebhookWins = true
	svc := newTestService(t, repo, &stubGateway{}, notifier, settings)
	ctx := context.Background()

	if _, err := repo.CreatePending(ctx, "TX-1", 5000, "USD"); err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}
	if _, err := svc.applyObservation(ctx, domain.StatusObservation{Reference: "TX-1", Status: domain.StatusDeclined, Source: domain.SourcePolling}); err != nil {
		t.Fatalf("applyObservation returned error: %v", err)
	}
	result, err := svc.applyObservation(ctx, domain.StatusObservation{Reference: "TX-1", Status: domain.StatusApproved, Source: domain.SourceWebhook})
	if err != nil {
		t.Fatalf("applyObservation returned error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected webhook override to apply, got %+v", result)
	}

	tx, err := repo.GetByReference(ctx, "TX-1")
	if err != nil {
		t.Fatalf("GetByReference returned error: %v", err)
	}
	if tx.Status != domain.StatusApproved || tx.StatusSource != domain.SourceWebhook {
		t.Fatalf("expected webhook status recorded, got %s/%s", tx.Status, tx.StatusSource)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"APPROVED":   domain.StatusApproved,
		"successful": domain.StatusApproved,
		"completed":  domain.StatusApproved,
		"rejected":   domain.StatusDeclined,
		"cancelled":  domain.StatusVoided,
		"void":       domain.StatusVoided,
		"failed":     domain.StatusError,
		"processing": domain.StatusPending,
		"initiated":  domain.StatusPending,
		"settled":    "",
		"":           "",
	}
	for in, want := range cases {
		if got := normalizeStatus(in); got != want {
			t.Fatalf("normalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCreateBackoffDelay_GrowsAndCaps(t *testing.T) {
	settings := Settings{
		CreateBackoffBase: 100 * time.Millisecond,
		CreateBackoffMax:  time.Second,
	}
	settings.Normalize()
	svc := NewService(store.NewMemoryRepository(), store.NewMemoryRepository(), &stubGateway{}, &recordingNotifier{}, settings)

	if d := svc.createBackoffDelay(0); d != 100*time.Millisecond {
		t.Fatalf("expected base delay on first retry, got %v", d)
	}
	if d := svc.createBackoffDelay(1); d != 200*time.Millisecond {
		t.Fatalf("expected doubled delay, got %v", d)
	}
	if d := svc.createBackoffDelay(10); d != time.Second {
		t.Fatalf("expected delay capped at max, got %v", d)
	}
}
