package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// PositionStore keeps the latest position per pair. Exposure and margin are
// NUMERIC and cross the driver as text so no precision is lost.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Upsert writes pos over any previous row for the pair.
func (s *PositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	const query = `
		INSERT INTO positions (pair_id, net_exposure, margin_used, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4)
		ON CONFLICT (pair_id) DO UPDATE SET
			net_exposure = EXCLUDED.net_exposure,
			margin_used  = EXCLUDED.margin_used,
			updated_at   = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, query, pos.PairID, pos.NetExposure.String(), pos.MarginUsed.String(), pos.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", pos.PairID, err)
	}
	return nil
}

// List returns every stored position ordered by pair.
func (s *PositionStore) List(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pair_id, net_exposure::text, margin_used::text, updated_at FROM positions ORDER BY pair_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var (
			p           domain.Position
			net, margin string
		)
		if err := rows.Scan(&p.PairID, &net, &margin, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		if p.NetExposure, err = decimal.NewFromString(net); err != nil {
			return nil, fmt.Errorf("postgres: position %s net_exposure: %w", p.PairID, err)
		}
		if p.MarginUsed, err = decimal.NewFromString(margin); err != nil {
			return nil, fmt.Errorf("postgres: position %s margin_used: %w", p.PairID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return out, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
