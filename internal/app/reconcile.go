/**
 * @description
 * This file contains the polling half of the reconciliation scheduler. Every
 * transaction still pending past a grace period gets a dedicated polling task
 * that queries the gateway on an exponential-backoff schedule and feeds the
 * observed status into the same ledger transition path the webhook ingress
 * uses. Whichever producer lands first wins; the loser's matching terminal
 * observation is absorbed as a no-op by the lattice, and a differing one is
 * reported as a conflict. A terminal transition cancels the reference's
 * poller promptly, so no further queries are issued.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/cleargate/reconciliation-service/internal/domain"
)

const pollBackoffBase = 2 * time.Second

// ensurePolling arms a poller for a pending transaction with a known gateway
// id. Terminal or id-less transactions are left alone; an id-less pending
// transaction can only resolve through webhooks.
func (s *Service) ensurePolling(tx *domain.Transaction) {
	if tx == nil || tx.Status != domain.StatusPending || tx.GatewayID == nil {
		return
	}
	s.StartPolling(tx.Reference, *tx.GatewayID)
}

// StartPolling launches the polling task for one reference. Idempotent: a
// second call while a poller is running is a no-op.
func (s *Service) StartPolling(reference, gatewayID string) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if _, running := s.pollers[reference]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.pollers[reference] = cancel
	go s.pollLoop(ctx, reference, gatewayID)
}

// cancelPolling stops the poller for a reference, if any. Called as soon as a
// terminal status is recorded.
func (s *Service) cancelPolling(reference string) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if cancel, ok := s.pollers[reference]; ok {
		cancel()
		delete(s.pollers, reference)
	}
}

// forgetPoller drops the registry entry once a loop exits on its own.
func (s *Service) forgetPoller(reference string) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if cancel, ok := s.pollers[reference]; ok {
		cancel()
		delete(s.pollers, reference)
	}
}

func (s *Service) pollLoop(ctx context.Context, reference, gatewayID string) {
	defer s.forgetPoller(reference)

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.settings.PollGracePeriod):
	}

	delay := pollBackoffBase
	for attempt := 1; attempt <= s.settings.PollMaxAttempts; attempt++ {
		done, err := s.pollOnce(ctx, reference, gatewayID)
		if err != nil {
			// A failed poll attempt is simply retried on the next tick.
			log.Printf("level=warn component=poller msg=\"status query failed\" reference=%s gateway_id=%s attempt=%d err=%v", reference, gatewayID, attempt, err)
		}
		if done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.settings.PollBackoffCap {
			delay = s.settings.PollBackoffCap
		}
	}

	log.Printf("level=warn component=poller msg=\"polling exhausted without terminal status\" reference=%s gateway_id=%s attempts=%d", reference, gatewayID, s.settings.PollMaxAttempts)
	anomaly := domain.AnomalyEvent{
		Kind:       domain.AnomalyPollExhausted,
		Reference:  reference,
		Detail:     "polling schedule exhausted while transaction still pending",
		ObservedAt: time.Now().UTC(),
	}
	notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.notifier.PublishAnomaly(notifyCtx, anomaly); err != nil {
		log.Printf("level=error component=poller msg=\"anomaly notification failed\" reference=%s kind=%s err=%v", reference, anomaly.Kind, err)
	}
}

// pollOnce issues one status query and applies the observation. It reports
// done when the transaction no longer needs polling.
func (s *Service) pollOnce(ctx context.Context, reference, gatewayID string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.settings.PollTimeout)
	defer cancel()

	resp, err := s.gateway.GetTransaction(callCtx, gatewayID)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return false, err
	}

	status := normalizeStatus(resp.Data.Status)
	if status == "" {
		log.Printf("level=warn component=poller msg=\"unknown status reported\" reference=%s gateway_id=%s status=%q", reference, gatewayID, resp.Data.Status)
		return false, nil
	}
	if status == domain.StatusPending {
		return false, nil
	}

	if _, err := s.applyObservation(ctx, domain.StatusObservation{
		Reference: reference,
		Status:    status,
		Source:    domain.SourcePolling,
	}); err != nil {
		return false, err
	}

	// Applied, absorbed repeat, or conflict: in every case a terminal status
	// is now recorded and this poller is finished.
	return true, nil
}

// ResumePendingPollers re-arms polling for transactions that were still
// pending when the process last stopped. Called once at startup.
func (s *Service) ResumePendingPollers(ctx context.Context, limit int) error {
	pending, err := s.ledger.ListPendingOlderThan(ctx, time.Now().UTC(), limit)
	if err != nil {
		return err
	}
	resumed := 0
	for i := range pending {
		tx := pending[i]
		if tx.GatewayID == nil {
			log.Printf("level=warn component=poller msg=\"pending transaction has no gateway id; webhook-only resolution\" reference=%s", tx.Reference)
			continue
		}
		s.StartPolling(tx.Reference, *tx.GatewayID)
		resumed++
	}
	if resumed > 0 {
		log.Printf("level=info component=poller msg=\"resumed pollers for pending transactions\" count=%d", resumed)
	}
	return nil
}

// StopAllPolling cancels every running poller. Called on shutdown.
func (s *Service) StopAllPolling() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	for reference, cancel := range s.pollers {
		cancel()
		delete(s.pollers, reference)
	}
}
