package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadencehq/cadence/internal/shared"
)

// Repository defines persistence operations for tenants.
type Repository interface {
	Find(ctx context.Context, id uuid.UUID) (Tenant, error)
	Create(ctx context.Context, t Tenant) error
	UpdateKeyHash(ctx context.Context, id uuid.UUID, hash string) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Find fetches a tenant by id.
func (r *PGRepository) Find(ctx context.Context, id uuid.UUID) (Tenant, error) {
	var (
		t        Tenant
		disabled pgtype.Timestamptz
	)
	err := r.pool.QueryRow(ctx, `SELECT id, name, api_key_hash, created_at, disabled_at FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.KeyHash, &t.CreatedAt, &disabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, shared.ErrNotFound
		}
		return Tenant{}, err
	}
	if disabled.Valid {
		at := disabled.Time
		t.DisabledAt = &at
	}
	return t, nil
}

// Create inserts a tenant row.
func (r *PGRepository) Create(ctx context.Context, t Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO tenants (id, name, api_key_hash, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.KeyHash, t.CreatedAt)
	return err
}

// UpdateKeyHash replaces the stored API key hash.
func (r *PGRepository) UpdateKeyHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE tenants SET api_key_hash = $2 WHERE id = $1`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
