/**
 * @description
 * This file provides an in-memory implementation of the Repository interface.
 * It backs unit tests and is also usable as an ephemeral backend for local
 * development. Per-reference mutexes serialize status transitions exactly the
 * way the durable backends do, so concurrency tests exercise the same
 * semantics production sees.
 */

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cleargate/reconciliation-service/internal/domain"
)

type memoryEventRecord struct {
	status        string
	payloadDigest string
	receivedAt    time.Time
}

// MemoryRepository is a concrete implementation of the Repository interface
// holding all state in process memory.
type MemoryRepository struct {
	mu           sync.Mutex
	refLocks     map[string]*sync.Mutex
	transactions map[string]*domain.Transaction
	events       map[string]memoryEventRecord
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		refLocks:     make(map[string]*sync.Mutex),
		transactions: make(map[string]*domain.Transaction),
		events:       make(map[string]memoryEventRecord),
	}
}

// lockReference returns the mutex serializing all writes for one reference.
func (r *MemoryRepository) lockReference(reference string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.refLocks[reference]
	if !ok {
		lock = &sync.Mutex{}
		r.refLocks[reference] = lock
	}
	return lock
}

func (r *MemoryRepository) CreatePending(ctx context.Context, reference string, amountMinorUnits int64, currency string) (*domain.Transaction, error) {
	lock := r.lockReference(reference)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.transactions[reference]; ok {
		if existing.AmountMinorUnits != amountMinorUnits || existing.Currency != currency {
			return nil, ErrReferenceConflict
		}
		copied := *existing
		return &copied, nil
	}

	now := time.Now().UTC()
	tx := &domain.Transaction{
		ID:               domain.NewTransactionID(),
		Reference:        reference,
		AmountMinorUnits: amountMinorUnits,
		Currency:         currency,
		Status:           domain.StatusPending,
		StatusSource:     domain.SourceCreation,
		CreatedAt:        now,
		LastObservedAt:   now,
	}
	r.transactions[reference] = tx
	copied := *tx
	return &copied, nil
}

func (r *MemoryRepository) Transition(ctx context.Context, reference, newStatus, source string, allowOverride bool) (domain.TransitionResult, error) {
	if !domain.IsKnownStatus(newStatus) {
		return domain.TransitionResult{}, ErrUnknownStatus
	}

	lock := r.lockReference(reference)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[reference]
	if !ok {
		return domain.TransitionResult{}, ErrTransactionNotFound
	}

	result := domain.TransitionResult{
		PreviousStatus: tx.Status,
		PreviousSource: tx.StatusSource,
	}

	applied, conflict := latticeDecision(tx.Status, tx.StatusSource, newStatus, source, allowOverride)
	result.Applied = applied
	result.Conflict = conflict
	if applied {
		tx.Status = newStatus
		tx.StatusSource = source
	}
	if !conflict {
		tx.LastObservedAt = time.Now().UTC()
	}

	return result, nil
}

func (r *MemoryRepository) GetByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.transactions[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	copied := *tx
	return &copied, nil
}

func (r *MemoryRepository) AttachGatewayID(ctx context.Context, reference, gatewayID string) error {
	lock := r.lockReference(reference)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[reference]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.GatewayID != nil {
		if *tx.GatewayID != gatewayID {
			return ErrGatewayIDConflict
		}
		return nil
	}
	tx.GatewayID = &gatewayID
	return nil
}

func (r *MemoryRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []domain.Transaction
	for _, tx := range r.transactions {
		if tx.Status == domain.StatusPending && tx.CreatedAt.Before(cutoff) {
			pending = append(pending, *tx)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *MemoryRepository) RecordEventIfNew(ctx context.Context, event domain.InboundEvent) (EventRecordResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.events[event.EventID]; ok {
		return EventRecordResult{
			DigestMismatch: existing.payloadDigest != event.PayloadDigest,
		}, nil
	}

	r.events[event.EventID] = memoryEventRecord{
		status:        event.ReportedStatus,
		payloadDigest: event.PayloadDigest,
		receivedAt:    event.ReceivedAt,
	}
	return EventRecordResult{WasNew: true}, nil
}

func (r *MemoryRepository) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged int64
	for id, record := range r.events {
		if record.receivedAt.Before(cutoff) {
			delete(r.events, id)
			purged++
		}
	}
	return purged, nil
}
