package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrGrantNotFound is returned when no active grant exists to revoke.
	ErrGrantNotFound = errors.New("access: grant not found")
	// ErrAlreadyGranted signals the account already holds an active grant.
	ErrAlreadyGranted = errors.New("access: already a moderator")
)

const grantColumns = `id, account_id, active, granted_by, granted_at, revoked_by, revoked_at`

// GrantRepository is the PostgreSQL store for moderator grants.
type GrantRepository struct {
	pool *pgxpool.Pool
}

func NewGrantRepository(pool *pgxpool.Pool) *GrantRepository {
	return &GrantRepository{pool: pool}
}

// Insert records a new active grant. A second active grant for the same
// account is rejected.
func (r *GrantRepository) Insert(ctx context.Context, accountID, grantedBy string) (ModeratorGrant, error) {
	active, err := r.IsActive(ctx, accountID)
	if err != nil {
		return ModeratorGrant{}, err
	}
	if active {
		return ModeratorGrant{}, ErrAlreadyGranted
	}

	const insertSQL = `
		INSERT INTO moderator_grants (id, account_id, active, granted_by)
		VALUES ($1, $2, true, $3)
		RETURNING ` + grantColumns

	rec, err := scanGrant(r.pool.QueryRow(ctx, insertSQL, uuid.NewString(), accountID, grantedBy))
	if err != nil {
		return ModeratorGrant{}, fmt.Errorf("access: insert grant: %w", err)
	}
	return rec, nil
}

// Revoke deactivates the account's active grant. The row is kept.
func (r *GrantRepository) Revoke(ctx context.Context, accountID, revokedBy string) error {
	const updateSQL = `
		UPDATE moderator_grants
		SET active = false, revoked_by = $2, revoked_at = now()
		WHERE account_id = $1 AND active
		RETURNING id`

	var id string
	err := r.pool.QueryRow(ctx, updateSQL, accountID, revokedBy).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrGrantNotFound
		}
		return fmt.Errorf("access: revoke grant: %w", err)
	}
	return nil
}

// IsActive reports whether the account holds an active grant.
func (r *GrantRepository) IsActive(ctx context.Context, accountID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM moderator_grants WHERE account_id = $1 AND active)`

	var active bool
	if err := r.pool.QueryRow(ctx, query, accountID).Scan(&active); err != nil {
		return false, fmt.Errorf("access: check grant: %w", err)
	}
	return active, nil
}

// ListActive returns all accounts with an active grant.
func (r *GrantRepository) ListActive(ctx context.Context) ([]ModeratorGrant, error) {
	const query = `SELECT ` + grantColumns + ` FROM moderator_grants WHERE active ORDER BY granted_at`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("access: list grants: %w", err)
	}
	defer rows.Close()

	out := make([]ModeratorGrant, 0, 8)
	for rows.Next() {
		rec, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("access: scan grant: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("access: iterate grants: %w", err)
	}
	return out, nil
}

func scanGrant(row pgx.Row) (ModeratorGrant, error) {
	var g ModeratorGrant
	err := row.Scan(&g.ID, &g.AccountID, &g.Active, &g.GrantedBy, &g.GrantedAt, &g.RevokedBy, &g.RevokedAt)
	if err != nil {
		return ModeratorGrant{}, err
	}
	return g, nil
}
