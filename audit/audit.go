// Package audit keeps the append-only record of administrative actions.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Action identifies the kind of administrative act being recorded.
type Action string

const (
	ActionAssignModerator   Action = "assign_moderator"
	ActionUnassignModerator Action = "unassign_moderator"
	ActionResolveRelease    Action = "resolve_release"
	ActionResolveRefund     Action = "resolve_refund"
	ActionCancelDispute     Action = "cancel_dispute"
	ActionGrantModerator    Action = "grant_moderator"
	ActionRevokeModerator   Action = "revoke_moderator"
	ActionMessageParty      Action = "message_party"
	ActionBroadcast         Action = "broadcast"
)

// Entry is one immutable audit record.
type Entry struct {
	ID        string
	Action    Action
	DealCode  *string
	ActorID   string
	TargetID  *string
	Detail    string
	CreatedAt time.Time
}

// Repository is the PostgreSQL store for audit entries. Append and list only.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts one entry.
func (r *Repository) Append(ctx context.Context, e Entry) error {
	if e.Action == "" || e.ActorID == "" {
		return errors.New("audit: action and actor required")
	}
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}

	const insertSQL = `
		INSERT INTO audit_log (id, action, deal_code, actor_id, target_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.pool.Exec(ctx, insertSQL, id, string(e.Action), e.DealCode, e.ActorID, e.TargetID, e.Detail); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// ListByDeal returns the audit trail for one deal, oldest first.
func (r *Repository) ListByDeal(ctx context.Context, dealCode string) ([]Entry, error) {
	const query = `
		SELECT id, action, deal_code, actor_id, target_id, detail, created_at
		FROM audit_log
		WHERE deal_code = $1
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, dealCode)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Action, &e.DealCode, &e.ActorID, &e.TargetID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}

// Appender is the write surface recorders need.
type Appender interface {
	Append(ctx context.Context, e Entry) error
}

// Recorder writes audit entries best-effort: a failed write is logged as an
// operational fault and never blocks or reverses the action it describes.
type Recorder struct {
	store Appender
	log   *slog.Logger
}

func NewRecorder(store Appender, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, log: log}
}

// Record appends the entry, swallowing (but logging) any failure.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.store == nil {
		return
	}
	if err := r.store.Append(ctx, e); err != nil {
		r.log.Error("audit write failed", "action", e.Action, "actor_id", e.ActorID, "error", err)
	}
}
