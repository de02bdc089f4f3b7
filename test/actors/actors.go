// Package actors holds the concurrent workers the stress run unleashes on a
// shared deal. Every actor drives the real repository layer; losing a
// conditional update under contention is expected and swallowed, anything
// else aborts the run.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/access"
	"escrowflow/audit"
	"escrowflow/deal"
	"escrowflow/dispute"
)

// Funder plays the reconciler's deposit sweep: it keeps observing the ledger
// fact "funds arrived" and applying the idempotent funded transition.
func Funder(ctx context.Context, repo *deal.Repository, code string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := repo.MarkFunded(ctx, code, time.Now())
		if err != nil && !errors.Is(err, deal.ErrStaleStatus) {
			return fmt.Errorf("funder: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Releaser is the buyer hammering release. Only a funded deal accepts it;
// everything else is a lost race.
func Releaser(ctx context.Context, repo *deal.Repository, code string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := repo.UpdateStatus(ctx, code, deal.StatusFunded, deal.StatusCompleted, deal.StatusPatch{})
		if err != nil && !errors.Is(err, deal.ErrStaleStatus) {
			return fmt.Errorf("releaser: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer opens disputes against the funded deal and sometimes cancels its
// own dispute again, flapping the deal between funded and disputed.
func Disputer(ctx context.Context, repo *deal.Repository, code, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		by, reason, at := buyerID, "stress: goods not received", time.Now()
		err := repo.UpdateStatus(ctx, code, deal.StatusFunded, deal.StatusDisputed, deal.StatusPatch{
			DisputedBy:    &by,
			DisputeReason: &reason,
			DisputedAt:    &at,
		})
		if err != nil && !errors.Is(err, deal.ErrStaleStatus) {
			return fmt.Errorf("disputer open: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)

		if rand.Intn(3) == 0 {
			err := repo.UpdateStatus(ctx, code, deal.StatusDisputed, deal.StatusFunded, deal.StatusPatch{ClearDispute: true})
			if err != nil && !errors.Is(err, deal.ErrStaleStatus) {
				return fmt.Errorf("disputer cancel: %w", err)
			}
		}
	}
}

// Assigner keeps pinning a moderator onto the dispute while it exists.
func Assigner(ctx context.Context, repo *deal.Repository, code, moderatorID, botmasterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := repo.SetModerator(ctx, code, moderatorID, botmasterID)
		if err != nil && !errors.Is(err, deal.ErrStaleStatus) {
			return fmt.Errorf("assigner: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// EvidenceWriter submits evidence whenever the dispute window is open. The
// insert itself is guarded on the disputed status, so a closing window is a
// clean rejection, not a corruption.
func EvidenceWriter(ctx context.Context, repo *dispute.EvidenceRepository, code, submitterID string, role dispute.EvidenceRole, stop <-chan struct{}) error {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		n++
		_, err := repo.Append(ctx, dispute.Evidence{
			DealCode:    code,
			SubmitterID: submitterID,
			Role:        role,
			Content:     fmt.Sprintf("stress evidence %d", n),
		})
		if err != nil && !errors.Is(err, dispute.ErrDealNotDisputed) {
			return fmt.Errorf("evidence writer: %w", err)
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Resolver occasionally refunds the dispute, ending the run's churn on the
// deal. The resolution receipt columns travel in the same conditional write.
func Resolver(ctx context.Context, repo *deal.Repository, code, moderatorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(20) == 0 {
			by, at, ref := moderatorID, time.Now(), fmt.Sprintf("tx-stress-%d", rand.Int63())
			err := repo.UpdateStatus(ctx, code, deal.StatusDisputed, deal.StatusRefunded, deal.StatusPatch{
				ResolvedBy:  &by,
				ResolvedAt:  &at,
				LedgerTxRef: &ref,
			})
			if err != nil && !errors.Is(err, deal.ErrStaleStatus) {
				return fmt.Errorf("resolver: %w", err)
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// GrantChurner grants and revokes the same moderator concurrently with other
// churners, exercising the single-active-grant constraint. The repository
// pre-checks, so under contention the unique index is the real arbiter.
func GrantChurner(ctx context.Context, grants *access.GrantRepository, moderatorID, botmasterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := grants.Insert(ctx, moderatorID, botmasterID)
		if err != nil && !errors.Is(err, access.ErrAlreadyGranted) && !isUniqueViolation(err) {
			return fmt.Errorf("grant churner insert: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)

		if rand.Intn(4) == 0 {
			err := grants.Revoke(ctx, moderatorID, botmasterID)
			if err != nil && !errors.Is(err, access.ErrGrantNotFound) {
				return fmt.Errorf("grant churner revoke: %w", err)
			}
		}
	}
}

// AuditWriter appends administrative audit entries against the deal.
func AuditWriter(ctx context.Context, repo *audit.Repository, code, actorID string, stop <-chan struct{}) error {
	actions := []audit.Action{audit.ActionMessageParty, audit.ActionAssignModerator, audit.ActionCancelDispute}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		entry := audit.Entry{
			Action:  actions[rand.Intn(len(actions))],
			ActorID: actorID,
			Detail:  "stress run",
		}
		dc := code
		entry.DealCode = &dc
		if err := repo.Append(ctx, entry); err != nil {
			return fmt.Errorf("audit writer: %w", err)
		}
		time.Sleep(time.Duration(60+rand.Intn(80)) * time.Millisecond)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
