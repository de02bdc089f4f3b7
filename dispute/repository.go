package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDealNotDisputed signals an evidence insert against a deal that is not
// currently disputed.
var ErrDealNotDisputed = errors.New("dispute: deal is not disputed")

const evidenceColumns = `id, deal_code, submitter_id, role, content, attachment_ref, created_at`

// EvidenceRepository is the PostgreSQL store for evidence. Append and list
// only; the insert itself re-checks the owning deal's status so the
// only-while-disputed invariant holds even against a racing transition.
type EvidenceRepository struct {
	pool *pgxpool.Pool
}

func NewEvidenceRepository(pool *pgxpool.Pool) *EvidenceRepository {
	return &EvidenceRepository{pool: pool}
}

// Append inserts one evidence entry, guarded on the deal being disputed.
func (r *EvidenceRepository) Append(ctx context.Context, e Evidence) (Evidence, error) {
	const insertSQL = `
		INSERT INTO evidence (id, deal_code, submitter_id, role, content, attachment_ref)
		SELECT $1, d.code, $3, $4, $5, $6
		FROM deals d
		WHERE lower(d.code) = lower($2) AND d.status = 'disputed'
		RETURNING ` + evidenceColumns

	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}

	rec, err := scanEvidence(r.pool.QueryRow(ctx, insertSQL,
		id, e.DealCode, e.SubmitterID, string(e.Role), e.Content, e.AttachmentRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Evidence{}, ErrDealNotDisputed
		}
		return Evidence{}, fmt.Errorf("dispute: append evidence: %w", err)
	}
	return rec, nil
}

// ListByDeal returns the deal's evidence, oldest first.
func (r *EvidenceRepository) ListByDeal(ctx context.Context, dealCode string) ([]Evidence, error) {
	const query = `SELECT ` + evidenceColumns + ` FROM evidence
		WHERE lower(deal_code) = lower($1)
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, dealCode)
	if err != nil {
		return nil, fmt.Errorf("dispute: list evidence: %w", err)
	}
	defer rows.Close()

	out := make([]Evidence, 0, 8)
	for rows.Next() {
		rec, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return out, nil
}

func scanEvidence(row pgx.Row) (Evidence, error) {
	var e Evidence
	err := row.Scan(&e.ID, &e.DealCode, &e.SubmitterID, &e.Role, &e.Content, &e.AttachmentRef, &e.CreatedAt)
	if err != nil {
		return Evidence{}, err
	}
	return e, nil
}
