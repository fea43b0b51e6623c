package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconhq/event-pipeline/internal/domain"
)

// PgStore is the PostgreSQL Store backend, for fleet deployments where the
// pending set should live alongside other operational data instead of a
// local file. The schema is created by the migrations/ directory.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a Store backed by the pending_batches table.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Append(ctx context.Context, b *domain.Batch) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("pg store: marshal batch %s: %w", b.ID, err)
	}

	// Upsert keeps the persisted attempt counter current across retries.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pending_batches (id, payload, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		b.ID, payload,
	)
	if err != nil {
		return fmt.Errorf("pg store: upsert batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *PgStore) LoadAll(ctx context.Context) ([]*domain.Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM pending_batches ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("pg store: load all: %w", err)
	}
	defer rows.Close()

	var batches []*domain.Batch
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("pg store: scan batch: %w", err)
		}
		var b domain.Batch
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, fmt.Errorf("pg store: unmarshal batch: %w", err)
		}
		batches = append(batches, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg store: iterate batches: %w", err)
	}
	return batches, nil
}

func (s *PgStore) Remove(ctx context.Context, batchID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pending_batches WHERE id = $1`, batchID)
	if err != nil {
		return fmt.Errorf("pg store: delete batch %s: %w", batchID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

// compile-time check that PgStore implements Store
var _ Store = (*PgStore)(nil)
