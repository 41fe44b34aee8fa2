package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// AttemptStore keeps one row per execution attempt, rewritten on every
// transition.
type AttemptStore struct {
	pool *pgxpool.Pool
}

// NewAttemptStore creates an AttemptStore.
func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

const attemptSelectCols = `id, label, opportunity_id, pair_id, idempotency_key, state,
	retry_count, submissions, last_handle, failure_reason, created_at, updated_at`

func scanAttempt(row pgx.Row) (domain.ExecutionAttempt, error) {
	var (
		a     domain.ExecutionAttempt
		key   []byte
		state string
	)
	err := row.Scan(
		&a.ID, &a.Label, &a.OpportunityID, &a.PairID, &key, &state,
		&a.RetryCount, &a.Submissions, &a.LastHandle, &a.FailureReason,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.ExecutionAttempt{}, err
	}
	if len(key) != domain.IdempotencyKeyLen {
		return domain.ExecutionAttempt{}, fmt.Errorf("attempt %s: idempotency key has %d bytes", a.ID, len(key))
	}
	copy(a.IdempotencyKey[:], key)
	a.State = domain.AttemptState(state)
	return a, nil
}

// Upsert inserts the attempt or overwrites its mutable columns.
func (s *AttemptStore) Upsert(ctx context.Context, a domain.ExecutionAttempt) error {
	const query = `
		INSERT INTO execution_attempts (
			id, label, opportunity_id, pair_id, idempotency_key, state,
			retry_count, submissions, last_handle, failure_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			state          = EXCLUDED.state,
			retry_count    = EXCLUDED.retry_count,
			submissions    = EXCLUDED.submissions,
			last_handle    = EXCLUDED.last_handle,
			failure_reason = EXCLUDED.failure_reason,
			updated_at     = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.Label, a.OpportunityID, a.PairID, a.IdempotencyKey[:], string(a.State),
		a.RetryCount, a.Submissions, a.LastHandle, a.FailureReason, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert attempt %s: %w", a.ID, err)
	}
	return nil
}

// ListOpen returns attempts that never reached a terminal state, oldest
// first.
func (s *AttemptStore) ListOpen(ctx context.Context) ([]domain.ExecutionAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptSelectCols+` FROM execution_attempts
		WHERE state NOT IN ($1, $2, $3)
		ORDER BY created_at`,
		string(domain.AttemptConfirmed), string(domain.AttemptFailed), string(domain.AttemptExpired))
	if err != nil {
		return nil, fmt.Errorf("postgres: list open attempts: %w", err)
	}
	return collectAttempts(rows)
}

// ListTerminalBefore returns terminal attempts last updated before the
// cutoff, oldest first.
func (s *AttemptStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.ExecutionAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptSelectCols+` FROM execution_attempts
		WHERE state IN ($1, $2, $3) AND updated_at < $4
		ORDER BY updated_at`,
		string(domain.AttemptConfirmed), string(domain.AttemptFailed), string(domain.AttemptExpired), before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal attempts: %w", err)
	}
	return collectAttempts(rows)
}

func collectAttempts(rows pgx.Rows) ([]domain.ExecutionAttempt, error) {
	defer rows.Close()
	var out []domain.ExecutionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: attempt rows: %w", err)
	}
	return out, nil
}

var _ domain.AttemptStore = (*AttemptStore)(nil)
