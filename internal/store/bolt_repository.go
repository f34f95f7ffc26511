/**
 * @description
 * This file provides a BoltDB implementation of the Repository interface for
 * deployments that run without a PostgreSQL instance. BoltDB is an embedded
 * key/value store holding all data in a single file; its Update transactions
 * are serialized, which gives the per-reference exclusivity the ledger
 * requires for free.
 *
 * @dependencies
 * - github.com/boltdb/bolt: The embedded key/value store.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/cleargate/reconciliation-service/internal/domain"
)

var (
	boltTransactionsBucket = []byte("transactions")
	boltEventsBucket       = []byte("processed_events")
)

type boltEventRecord struct {
	ReportedStatus string    `json:"reported_status"`
	PayloadDigest  string    `json:"payload_digest"`
	ReceivedAt     time.Time `json:"received_at"`
}

// BoltRepository is a concrete implementation of the Repository interface
// backed by a single BoltDB file.
type BoltRepository struct {
	db *bolt.DB
}

// NewBoltRepository opens (or creates) the database file at path and ensures
// both buckets exist. Bucket creation is idempotent and safe on every startup.
func NewBoltRepository(path string) (*BoltRepository, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltTransactionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltEventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltRepository{db: db}, nil
}

// Close releases the database file lock.
func (r *BoltRepository) Close() error {
	return r.db.Close()
}

func (r *BoltRepository) CreatePending(ctx context.Context, reference string, amountMinorUnits int64, currency string) (*domain.Transaction, error) {
	var result domain.Transaction
	err := r.db.Update(func(btx *bolt.Tx) error {
		bucket := btx.Bucket(boltTransactionsBucket)
		if raw := bucket.Get([]byte(reference)); raw != nil {
			var existing domain.Transaction
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if existing.AmountMinorUnits != amountMinorUnits || existing.Currency != currency {
				return ErrReferenceConflict
			}
			result = existing
			return nil
		}

		now := time.Now().UTC()
		result = domain.Transaction{
			ID:               domain.NewTransactionID(),
			Reference:        reference,
			AmountMinorUnits: amountMinorUnits,
			Currency:         currency,
			Status:           domain.StatusPending,
			StatusSource:     domain.SourceCreation,
			CreatedAt:        now,
			LastObservedAt:   now,
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(reference), encoded)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *BoltRepository) Transition(ctx context.Context, reference, newStatus, source string, allowOverride bool) (domain.TransitionResult, error) {
	if !domain.IsKnownStatus(newStatus) {
		return domain.TransitionResult{}, ErrUnknownStatus
	}

	var result domain.TransitionResult
	err := r.db.Update(func(btx *bolt.Tx) error {
		bucket := btx.Bucket(boltTransactionsBucket)
		raw := bucket.Get([]byte(reference))
		if raw == nil {
			return ErrTransactionNotFound
		}
		var tx domain.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return err
		}

		result.PreviousStatus = tx.Status
		result.PreviousSource = tx.StatusSource
		applied, conflict := latticeDecision(tx.Status, tx.StatusSource, newStatus, source, allowOverride)
		result.Applied = applied
		result.Conflict = conflict

		if conflict {
			return nil
		}
		if applied {
			tx.Status = newStatus
			tx.StatusSource = source
		}
		tx.LastObservedAt = time.Now().UTC()
		encoded, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(reference), encoded)
	})
	if err != nil {
		return domain.TransitionResult{}, err
	}
	return result, nil
}

func (r *BoltRepository) GetByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := r.db.View(func(btx *bolt.Tx) error {
		raw := btx.Bucket(boltTransactionsBucket).Get([]byte(reference))
		if raw == nil {
			return ErrTransactionNotFound
		}
		return json.Unmarshal(raw, &tx)
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *BoltRepository) AttachGatewayID(ctx context.Context, reference, gatewayID string) error {
	return r.db.Update(func(btx *bolt.Tx) error {
		bucket := btx.Bucket(boltTransactionsBucket)
		raw := bucket.Get([]byte(reference))
		if raw == nil {
			return ErrTransactionNotFound
		}
		var tx domain.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return err
		}
		if tx.GatewayID != nil {
			if *tx.GatewayID != gatewayID {
				return ErrGatewayIDConflict
			}
			return nil
		}
		tx.GatewayID = &gatewayID
		encoded, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(reference), encoded)
	})
}

func (r *BoltRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	var pending []domain.Transaction
	err := r.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(boltTransactionsBucket).ForEach(func(k, v []byte) error {
			var tx domain.Transaction
			if err := json.Unmarshal(v, &tx); err != nil {
				return err
			}
			if tx.Status == domain.StatusPending && tx.CreatedAt.Before(cutoff) {
				pending = append(pending, tx)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *BoltRepository) RecordEventIfNew(ctx context.Context, event domain.InboundEvent) (EventRecordResult, error) {
	var result EventRecordResult
	err := r.db.Update(func(btx *bolt.Tx) error {
		bucket := btx.Bucket(boltEventsBucket)
		if raw := bucket.Get([]byte(event.EventID)); raw != nil {
			var existing boltEventRecord
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			result.DigestMismatch = existing.PayloadDigest != event.PayloadDigest
			return nil
		}

		encoded, err := json.Marshal(boltEventRecord{
			ReportedStatus: event.ReportedStatus,
			PayloadDigest:  event.PayloadDigest,
			ReceivedAt:     event.ReceivedAt.UTC(),
		})
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(event.EventID), encoded); err != nil {
			return err
		}
		result.WasNew = true
		return nil
	})
	if err != nil {
		return EventRecordResult{}, err
	}
	return result, nil
}

func (r *BoltRepository) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := r.db.Update(func(btx *bolt.Tx) error {
		bucket := btx.Bucket(boltEventsBucket)
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var record boltEventRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if record.ReceivedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := bucket.Delete(key); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}
