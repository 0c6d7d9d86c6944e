package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Terminal saga steps. A saga in either step owns no locks.
const (
	StepCompleted = "completed"
	StepFailed    = "failed"
)

const sagaColumns = `id, user_id, target_address, amount::text, step, state::text, failure_reason, created_at, updated_at`

// CreateSaga inserts rec and its first step entry. When a saga with the same
// id exists it is returned with created=false.
func (s *Store) CreateSaga(ctx context.Context, rec SagaRecord) (SagaRecord, bool, error) {
	state := rec.State
	if len(state) == 0 {
		state = []byte("{}")
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO withdrawal_sagas (id, user_id, target_address, amount, step, state, failure_reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, '', now(), now())
		`, rec.ID, rec.UserID, rec.TargetAddress, rec.Amount.String(), rec.Step, string(state)); err != nil {
			return err
		}
		return insertStep(ctx, tx, StepEntry{SagaID: rec.ID, Step: rec.Step, Outcome: "created"})
	})
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.GetSaga(ctx, rec.ID)
			if getErr != nil {
				return SagaRecord{}, false, getErr
			}
			return existing, false, nil
		}
		return SagaRecord{}, false, err
	}
	created, err := s.GetSaga(ctx, rec.ID)
	if err != nil {
		return SagaRecord{}, false, err
	}
	return created, true, nil
}

// SaveSaga persists the saga's current state and appends entry to its step
// log in one transaction.
func (s *Store) SaveSaga(ctx context.Context, rec SagaRecord, entry StepEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE withdrawal_sagas
			SET step = $2, state = $3::jsonb, failure_reason = $4, updated_at = now()
			WHERE id = $1
		`, rec.ID, rec.Step, string(rec.State), rec.FailureReason)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrSagaNotFound
		}
		entry.SagaID = rec.ID
		if entry.Step == "" {
			entry.Step = rec.Step
		}
		return insertStep(ctx, tx, entry)
	})
}

func (s *Store) GetSaga(ctx context.Context, id uuid.UUID) (SagaRecord, error) {
	rec, err := scanSaga(s.pool.QueryRow(ctx, `SELECT `+sagaColumns+` FROM withdrawal_sagas WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SagaRecord{}, ErrSagaNotFound
		}
		return SagaRecord{}, err
	}
	return rec, nil
}

// ListActiveSagas returns non-terminal sagas, oldest first.
func (s *Store) ListActiveSagas(ctx context.Context, limit int) ([]SagaRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+sagaColumns+`
		FROM withdrawal_sagas
		WHERE step NOT IN ($1, $2)
		ORDER BY created_at
		LIMIT $3
	`, StepCompleted, StepFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SagaRecord
	for rows.Next() {
		rec, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ListSteps(ctx context.Context, sagaID uuid.UUID) ([]StepEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, saga_id, step, outcome, detail, created_at
		FROM withdrawal_saga_steps
		WHERE saga_id = $1
		ORDER BY id
	`, sagaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepEntry
	for rows.Next() {
		var e StepEntry
		if err := rows.Scan(&e.ID, &e.SagaID, &e.Step, &e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimSaga takes or renews the lease on a saga for owner. It fails to claim
// while another owner's lease is still valid.
func (s *Store) ClaimSaga(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_sagas
		SET lease_owner = $2, lease_expires_at = now() + $3::interval
		WHERE id = $1
		  AND (lease_owner IS NULL OR lease_owner = $2 OR lease_expires_at < now())
	`, id, owner, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ReleaseSaga(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_sagas
		SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2
	`, id, owner)
	return err
}

func insertStep(ctx context.Context, tx pgx.Tx, e StepEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO withdrawal_saga_steps (saga_id, step, outcome, detail, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, e.SagaID, e.Step, e.Outcome, e.Detail)
	return err
}

func scanSaga(row pgx.Row) (SagaRecord, error) {
	var rec SagaRecord
	var amountStr, stateStr string
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.TargetAddress, &amountStr, &rec.Step, &stateStr,
		&rec.FailureReason, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return SagaRecord{}, err
	}
	amount, err := money.Parse(amountStr)
	if err != nil {
		return SagaRecord{}, fmt.Errorf("parse saga amount: %w", err)
	}
	rec.Amount = amount
	rec.State = []byte(stateStr)
	return rec, nil
}
