package deal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no deal row exists for the code.
	ErrNotFound = errors.New("deal: not found")
	// ErrDuplicateCode signals a collision on the public deal code.
	ErrDuplicateCode = errors.New("deal: code already exists")
	// ErrStaleStatus signals a conditional update whose expected-status
	// precondition no longer holds. The caller must re-read and decide.
	ErrStaleStatus = errors.New("deal: stale status precondition")
	// ErrInvalidTransition signals a requested edge the status graph does not
	// declare.
	ErrInvalidTransition = errors.New("deal: invalid status transition")
	// ErrBuyerTaken signals the deal already has a registered buyer.
	ErrBuyerTaken = errors.New("deal: buyer already registered")
	// ErrLedgerRefSet signals the ledger correlation id was already anchored.
	ErrLedgerRefSet = errors.New("deal: ledger reference already set")
	// ErrRatingSet signals the write-once rating for that side exists.
	ErrRatingSet = errors.New("deal: rating already submitted")
)

const dealColumns = `code, seller_id, buyer_id, buyer_handle, amount::text, description, status::text,
       ledger_deal_id, ledger_tx_ref, funded_at, reminded_at,
       disputed_by, dispute_reason, disputed_at,
       moderator_id, moderator_assigned_at, moderator_assigned_by,
       resolved_by, resolved_at,
       seller_rating, seller_review, buyer_rating, buyer_review,
       created_at, updated_at`

// Repository is the PostgreSQL store for deals. Every status-changing write
// is conditional on the current persisted status so concurrent attempts
// resolve deterministically.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new deal in pending_deposit.
func (r *Repository) Create(ctx context.Context, d Deal) (Deal, error) {
	const insertSQL = `
		INSERT INTO deals (code, seller_id, buyer_id, buyer_handle, amount, description, status)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, 'pending_deposit')
		RETURNING ` + dealColumns

	rec, err := scanDeal(r.pool.QueryRow(ctx, insertSQL,
		d.Code, d.SellerID, d.BuyerID, d.BuyerHandle, d.Amount.String(), d.Description))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Deal{}, ErrDuplicateCode
		}
		return Deal{}, fmt.Errorf("deal: insert: %w", err)
	}
	return rec, nil
}

// GetByCode looks a deal up by its public code, case-insensitively.
func (r *Repository) GetByCode(ctx context.Context, code string) (Deal, error) {
	const selectSQL = `SELECT ` + dealColumns + ` FROM deals WHERE lower(code) = lower($1)`

	rec, err := scanDeal(r.pool.QueryRow(ctx, selectSQL, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: get by code: %w", err)
	}
	return rec, nil
}

// ListByParticipant returns deals where the account is seller or buyer.
func (r *Repository) ListByParticipant(ctx context.Context, accountID string) ([]Deal, error) {
	const query = `SELECT ` + dealColumns + ` FROM deals
		WHERE seller_id = $1 OR buyer_id = $1
		ORDER BY created_at DESC`

	return r.list(ctx, query, accountID)
}

// ListAnchored returns deals in the given status that carry a ledger
// correlation id, oldest first. Used by the reconciler.
func (r *Repository) ListAnchored(ctx context.Context, status Status) ([]Deal, error) {
	const query = `SELECT ` + dealColumns + ` FROM deals
		WHERE status = $1::deal_status AND ledger_deal_id IS NOT NULL
		ORDER BY created_at`

	return r.list(ctx, query, string(status))
}

// ListReminderDue returns funded deals whose funding predates cutoff and that
// have not been reminded yet.
func (r *Repository) ListReminderDue(ctx context.Context, cutoff time.Time) ([]Deal, error) {
	const query = `SELECT ` + dealColumns + ` FROM deals
		WHERE status = 'funded' AND funded_at <= $1 AND reminded_at IS NULL
		ORDER BY funded_at`

	return r.list(ctx, query, cutoff)
}

// StatusPatch carries the columns written together with a status change.
// Unset fields leave the stored values alone; ClearDispute wipes the dispute
// and moderator columns when a dispute is cancelled.
type StatusPatch struct {
	FundedAt      *time.Time
	DisputedBy    *string
	DisputeReason *string
	DisputedAt    *time.Time
	ClearDispute  bool
	ResolvedBy    *string
	ResolvedAt    *time.Time
	LedgerTxRef   *string
}

// UpdateStatus applies expect -> next atomically: the write lands only if the
// row's current status still equals expect. A losing racer gets
// ErrStaleStatus and must re-read. Undeclared edges are rejected before any
// write.
func (r *Repository) UpdateStatus(ctx context.Context, code string, expect, next Status, patch StatusPatch) error {
	if !CanTransition(expect, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expect, next)
	}

	const updateSQL = `
		UPDATE deals SET
			status = $3::deal_status,
			funded_at = COALESCE($4, funded_at),
			disputed_by = CASE WHEN $5 THEN NULL ELSE COALESCE($6, disputed_by) END,
			dispute_reason = CASE WHEN $5 THEN NULL ELSE COALESCE($7, dispute_reason) END,
			disputed_at = CASE WHEN $5 THEN NULL ELSE COALESCE($8, disputed_at) END,
			moderator_id = CASE WHEN $5 THEN NULL ELSE moderator_id END,
			moderator_assigned_at = CASE WHEN $5 THEN NULL ELSE moderator_assigned_at END,
			moderator_assigned_by = CASE WHEN $5 THEN NULL ELSE moderator_assigned_by END,
			resolved_by = COALESCE($9, resolved_by),
			resolved_at = COALESCE($10, resolved_at),
			ledger_tx_ref = COALESCE($11, ledger_tx_ref),
			updated_at = now()
		WHERE lower(code) = lower($1) AND status = $2::deal_status
		RETURNING code`

	var updated string
	err := r.pool.QueryRow(ctx, updateSQL,
		code, string(expect), string(next),
		patch.FundedAt,
		patch.ClearDispute, patch.DisputedBy, patch.DisputeReason, patch.DisputedAt,
		patch.ResolvedBy, patch.ResolvedAt, patch.LedgerTxRef,
	).Scan(&updated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("deal: update status: %w", err)
	}

	// The conditional write missed: distinguish a missing row from a lost
	// race before reporting.
	if _, err := r.GetByCode(ctx, code); err != nil {
		return err
	}
	return ErrStaleStatus
}

// MarkFunded advances pending_deposit -> funded. Re-observing an already
// funded (or further advanced) deal is a safe no-op for the reconciler, so a
// stale precondition with the target already reached reports success.
func (r *Repository) MarkFunded(ctx context.Context, code string, fundedAt time.Time) error {
	err := r.UpdateStatus(ctx, code, StatusPendingDeposit, StatusFunded, StatusPatch{FundedAt: &fundedAt})
	if err == nil || !errors.Is(err, ErrStaleStatus) {
		return err
	}
	return r.squashIfReached(ctx, code, StatusFunded, err)
}

// MarkCompleted advances funded -> completed on ledger completion.
// Idempotent the same way MarkFunded is.
func (r *Repository) MarkCompleted(ctx context.Context, code string) error {
	err := r.UpdateStatus(ctx, code, StatusFunded, StatusCompleted, StatusPatch{})
	if err == nil || !errors.Is(err, ErrStaleStatus) {
		return err
	}
	return r.squashIfReached(ctx, code, StatusCompleted, err)
}

func (r *Repository) squashIfReached(ctx context.Context, code string, target Status, orig error) error {
	rec, err := r.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if rec.Status == target {
		return nil
	}
	return orig
}

// SetBuyer registers the buyer on an open deal. The buyer slot is set at most
// once and only while the deal still awaits its deposit.
func (r *Repository) SetBuyer(ctx context.Context, code, accountID string) error {
	const updateSQL = `
		UPDATE deals SET buyer_id = $2, updated_at = now()
		WHERE lower(code) = lower($1) AND buyer_id IS NULL AND status = 'pending_deposit'
		RETURNING code`

	var updated string
	err := r.pool.QueryRow(ctx, updateSQL, code, accountID).Scan(&updated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("deal: set buyer: %w", err)
	}

	rec, err := r.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if rec.BuyerID != nil {
		return ErrBuyerTaken
	}
	return ErrStaleStatus
}

// SetLedgerRef anchors the ledger correlation id and creation tx ref,
// set-once.
func (r *Repository) SetLedgerRef(ctx context.Context, code, ledgerID, txRef string) error {
	const updateSQL = `
		UPDATE deals SET ledger_deal_id = $2, ledger_tx_ref = $3, updated_at = now()
		WHERE lower(code) = lower($1) AND ledger_deal_id IS NULL
		RETURNING code`

	var updated string
	err := r.pool.QueryRow(ctx, updateSQL, code, ledgerID, txRef).Scan(&updated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("deal: set ledger ref: %w", err)
	}

	if _, err := r.GetByCode(ctx, code); err != nil {
		return err
	}
	return ErrLedgerRefSet
}

// SetModerator assigns a moderator to a disputed deal. A prior assignment is
// replaced, never appended.
func (r *Repository) SetModerator(ctx context.Context, code, moderatorID, assignedBy string) error {
	const updateSQL = `
		UPDATE deals SET
			moderator_id = $2,
			moderator_assigned_at = now(),
			moderator_assigned_by = $3,
			updated_at = now()
		WHERE lower(code) = lower($1) AND status = 'disputed'
		RETURNING code`

	return r.execDisputedOnly(ctx, updateSQL, code, moderatorID, assignedBy)
}

// ClearModerator removes the current assignment from a disputed deal.
func (r *Repository) ClearModerator(ctx context.Context, code string) error {
	const updateSQL = `
		UPDATE deals SET
			moderator_id = NULL,
			moderator_assigned_at = NULL,
			moderator_assigned_by = NULL,
			updated_at = now()
		WHERE lower(code) = lower($1) AND status = 'disputed'
		RETURNING code`

	return r.execDisputedOnly(ctx, updateSQL, code)
}

func (r *Repository) execDisputedOnly(ctx context.Context, query, code string, args ...any) error {
	var updated string
	err := r.pool.QueryRow(ctx, query, append([]any{code}, args...)...).Scan(&updated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("deal: moderator update: %w", err)
	}

	if _, err := r.GetByCode(ctx, code); err != nil {
		return err
	}
	return ErrStaleStatus
}

// SetRating stores the write-once rating and review for one side of a
// terminal deal.
func (r *Repository) SetRating(ctx context.Context, code string, role ReviewRole, rating int, review string) error {
	var updateSQL string
	switch role {
	case ReviewRoleSeller:
		updateSQL = `
			UPDATE deals SET seller_rating = $2, seller_review = $3, updated_at = now()
			WHERE lower(code) = lower($1) AND seller_rating IS NULL
			  AND status IN ('completed', 'refunded', 'cancelled')
			RETURNING code`
	case ReviewRoleBuyer:
		updateSQL = `
			UPDATE deals SET buyer_rating = $2, buyer_review = $3, updated_at = now()
			WHERE lower(code) = lower($1) AND buyer_rating IS NULL
			  AND status IN ('completed', 'refunded', 'cancelled')
			RETURNING code`
	default:
		return fmt.Errorf("deal: unknown review role %q", role)
	}

	var updated string
	err := r.pool.QueryRow(ctx, updateSQL, code, rating, review).Scan(&updated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("deal: set rating: %w", err)
	}

	rec, err := r.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if (role == ReviewRoleSeller && rec.SellerRating != nil) ||
		(role == ReviewRoleBuyer && rec.BuyerRating != nil) {
		return ErrRatingSet
	}
	return ErrStaleStatus
}

// MarkReminded flags the deal as reminded. Repeated calls are no-ops.
func (r *Repository) MarkReminded(ctx context.Context, code string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE deals SET reminded_at = now(), updated_at = now()
		WHERE lower(code) = lower($1) AND reminded_at IS NULL`, code)
	if err != nil {
		return fmt.Errorf("deal: mark reminded: %w", err)
	}
	return nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Deal, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("deal: list: %w", err)
	}
	defer rows.Close()

	out := make([]Deal, 0, 8)
	for rows.Next() {
		rec, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("deal: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate: %w", err)
	}
	return out, nil
}

func scanDeal(row pgx.Row) (Deal, error) {
	var (
		d      Deal
		amount string
	)
	err := row.Scan(
		&d.Code,
		&d.SellerID,
		&d.BuyerID,
		&d.BuyerHandle,
		&amount,
		&d.Description,
		&d.Status,
		&d.LedgerDealID,
		&d.LedgerTxRef,
		&d.FundedAt,
		&d.RemindedAt,
		&d.DisputedBy,
		&d.DisputeReason,
		&d.DisputedAt,
		&d.ModeratorID,
		&d.ModeratorAssignedAt,
		&d.ModeratorAssignedBy,
		&d.ResolvedBy,
		&d.ResolvedAt,
		&d.SellerRating,
		&d.SellerReview,
		&d.BuyerRating,
		&d.BuyerReview,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return Deal{}, err
	}

	d.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return Deal{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return d, nil
}
