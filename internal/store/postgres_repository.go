/**
 * @description
 * This file provides the PostgreSQL implementation of the Repository
 * interface. The ledger lives in the `transactions` table and the event
 * deduplication set in the `processed_events` table:
 *
 *   transactions(id uuid primary key, reference text unique not null,
 *                gateway_id text, amount_minor_units bigint not null,
 *                currency text not null, status text not null,
 *                status_source text not null, created_at timestamptz not null,
 *                last_observed_at timestamptz not null)
 *   processed_events(event_id text primary key, reported_status text not null,
 *                    payload_digest text not null, received_at timestamptz not null)
 *
 * Status transitions take a row lock (SELECT ... FOR UPDATE) so two
 * concurrent observations for the same reference never interleave their
 * read-modify-write. Event recording relies on the primary-key constraint
 * with ON CONFLICT DO NOTHING, so exactly one of two racing deliveries
 * observes the insert.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cleargate/reconciliation-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const transactionColumns = `id, reference, gateway_id, amount_minor_units, currency, status, status_source, created_at, last_observed_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.Reference,
		&tx.GatewayID,
		&tx.AmountMinorUnits,
		&tx.Currency,
		&tx.Status,
		&tx.StatusSource,
		&tx.CreatedAt,
		&tx.LastObservedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func (r *PostgresRepository) CreatePending(ctx context.Context, reference string, amountMinorUnits int64, currency string) (*domain.Transaction, error) {
	now := time.Now().UTC()
	insert := `
		INSERT INTO transactions (id, reference, amount_minor_units, currency, status, status_source, created_at, last_observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (reference) DO NOTHING
		RETURNING ` + transactionColumns
	tx, err := scanTransaction(r.db.QueryRow(ctx, insert,
		domain.NewTransactionID(), reference, amountMinorUnits, currency,
		domain.StatusPending, domain.SourceCreation, now,
	))
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, fmt.Errorf("insert pending transaction: %w", err)
	}

	// The reference already exists; idempotent only when the attributes match.
	existing, err := r.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if existing.AmountMinorUnits != amountMinorUnits || existing.Currency != currency {
		return nil, ErrReferenceConflict
	}
	return existing, nil
}

func (r *PostgresRepository) Transition(ctx context.Context, reference, newStatus, source string, allowOverride bool) (domain.TransitionResult, error) {
	if !domain.IsKnownStatus(newStatus) {
		return domain.TransitionResult{}, ErrUnknownStatus
	}

	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.TransitionResult{}, fmt.Errorf("begin transition: %w", err)
	}
	defer dbTx.Rollback(ctx)

	var currentStatus, currentSource string
	err = dbTx.QueryRow(ctx,
		`SELECT status, status_source FROM transactions WHERE reference = $1 FOR UPDATE`,
		reference,
	).Scan(&currentStatus, &currentSource)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransitionResult{}, ErrTransactionNotFound
		}
		return domain.TransitionResult{}, err
	}

	result := domain.TransitionResult{
		PreviousStatus: currentStatus,
		PreviousSource: currentSource,
	}
	applied, conflict := latticeDecision(currentStatus, currentSource, newStatus, source, allowOverride)
	result.Applied = applied
	result.Conflict = conflict

	if applied {
		_, err = dbTx.Exec(ctx,
			`UPDATE transactions SET status = $2, status_source = $3, last_observed_at = $4 WHERE reference = $1`,
			reference, newStatus, source, time.Now().UTC(),
		)
	} else if !conflict {
		_, err = dbTx.Exec(ctx,
			`UPDATE transactions SET last_observed_at = $2 WHERE reference = $1`,
			reference, time.Now().UTC(),
		)
	}
	if err != nil {
		return domain.TransitionResult{}, fmt.Errorf("apply transition: %w", err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return domain.TransitionResult{}, fmt.Errorf("commit transition: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) GetByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, reference))
}

func (r *PostgresRepository) AttachGatewayID(ctx context.Context, reference, gatewayID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions SET gateway_id = $2 WHERE reference = $1 AND gateway_id IS NULL`,
		reference, gatewayID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var existing *string
	err = r.db.QueryRow(ctx, `SELECT gateway_id FROM transactions WHERE reference = $1`, reference).Scan(&existing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTransactionNotFound
		}
		return err
	}
	if existing != nil && *existing != gatewayID {
		return ErrGatewayIDConflict
	}
	return nil
}

func (r *PostgresRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`
	rows, err := r.db.Query(ctx, query, domain.StatusPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(
			&tx.ID, &tx.Reference, &tx.GatewayID, &tx.AmountMinorUnits, &tx.Currency,
			&tx.Status, &tx.StatusSource, &tx.CreatedAt, &tx.LastObservedAt,
		); err != nil {
			return nil, err
		}
		pending = append(pending, tx)
	}
	return pending, rows.Err()
}

func (r *PostgresRepository) RecordEventIfNew(ctx context.Context, event domain.InboundEvent) (EventRecordResult, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO processed_events (event_id, reported_status, payload_digest, received_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.ReportedStatus, event.PayloadDigest, event.ReceivedAt.UTC(),
	)
	if err != nil {
		return EventRecordResult{}, fmt.Errorf("record event: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return EventRecordResult{WasNew: true}, nil
	}

	var storedDigest string
	err = r.db.QueryRow(ctx,
		`SELECT payload_digest FROM processed_events WHERE event_id = $1`,
		event.EventID,
	).Scan(&storedDigest)
	if err != nil {
		return EventRecordResult{}, fmt.Errorf("read duplicate event: %w", err)
	}
	return EventRecordResult{DigestMismatch: storedDigest != event.PayloadDigest}, nil
}

func (r *PostgresRepository) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM processed_events WHERE received_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
