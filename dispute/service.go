package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"escrowflow/access"
	"escrowflow/audit"
	"escrowflow/deal"
	"escrowflow/ledger"
	"escrowflow/notify"
)

var (
	// ErrForbidden signals the actor holds no right to the dispute operation.
	ErrForbidden = errors.New("dispute: forbidden")
	// ErrNotAnchored signals a resolution attempt on a deal with no ledger
	// correlation; there is nothing on-chain to release or refund.
	ErrNotAnchored = errors.New("dispute: deal not anchored on ledger")
	// ErrNotModerator signals an assignment target without an active grant.
	ErrNotModerator = errors.New("dispute: target is not an active moderator")
)

// DealStore is the deal repository surface the dispute workflow needs.
type DealStore interface {
	GetByCode(ctx context.Context, code string) (deal.Deal, error)
	UpdateStatus(ctx context.Context, code string, expect, next deal.Status, patch deal.StatusPatch) error
	SetModerator(ctx context.Context, code, moderatorID, assignedBy string) error
	ClearModerator(ctx context.Context, code string) error
}

// EvidenceStore is the evidence surface.
type EvidenceStore interface {
	Append(ctx context.Context, e Evidence) (Evidence, error)
	ListByDeal(ctx context.Context, dealCode string) ([]Evidence, error)
}

// Authorizer resolves roles and deal-scoped authority.
type Authorizer interface {
	RoleFor(ctx context.Context, accountID string) (access.Role, error)
	IsBotmaster(accountID string) bool
	IsActiveModerator(ctx context.Context, accountID string) (bool, error)
	CanResolve(ctx context.Context, d deal.Deal, accountID string) (bool, error)
}

// Service implements the dispute, evidence, and moderation workflow.
type Service struct {
	deals       DealStore
	evidence    EvidenceStore
	authz       Authorizer
	ledger      ledger.Client
	auditor     *audit.Recorder
	notifier    *notify.Dispatcher
	log         *slog.Logger
	now         func() time.Time
	callTimeout time.Duration
}

func NewService(deals DealStore, evidence EvidenceStore, authz Authorizer, lc ledger.Client,
	auditor *audit.Recorder, notifier *notify.Dispatcher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		deals:       deals,
		evidence:    evidence,
		authz:       authz,
		ledger:      lc,
		auditor:     auditor,
		notifier:    notifier,
		log:         log,
		now:         time.Now,
		callTimeout: ledger.DefaultCallTimeout,
	}
}

// Open moves a funded deal into dispute. Parties only. The ledger's dispute
// flag is advisory for this workflow: marking it is attempted first,
// best-effort, and a failed ledger call never blocks the local transition —
// the local record is authoritative for the Disputed state.
func (s *Service) Open(ctx context.Context, code, actorID, reason string) error {
	if reason == "" {
		return fmt.Errorf("dispute: reason required")
	}

	rec, err := s.deals.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if !rec.IsParty(actorID) {
		return ErrForbidden
	}
	if rec.Status != deal.StatusFunded {
		return fmt.Errorf("%w: dispute requires %s, deal is %s",
			deal.ErrInvalidTransition, deal.StatusFunded, rec.Status)
	}

	if rec.Anchored() {
		s.markDisputedOnLedger(ctx, rec)
	}

	now := s.now()
	err = s.deals.UpdateStatus(ctx, code, deal.StatusFunded, deal.StatusDisputed, deal.StatusPatch{
		DisputedBy:    &actorID,
		DisputeReason: &reason,
		DisputedAt:    &now,
	})
	if err != nil {
		return err
	}

	s.notifyCounterpart(ctx, rec, actorID, fmt.Sprintf("Deal %s is now disputed: %s", rec.Code, reason))
	return nil
}

func (s *Service) markDisputedOnLedger(ctx context.Context, rec deal.Deal) {
	tx, err := s.ledger.MarkDisputed(ctx, *rec.LedgerDealID)
	if err != nil {
		s.log.Warn("ledger dispute mark failed", "deal", rec.Code, "error", err)
		return
	}
	if err := tx.AwaitConfirmation(ctx, s.callTimeout); err != nil {
		s.log.Warn("ledger dispute mark unconfirmed", "deal", rec.Code, "tx", tx.Ref(), "error", err)
	}
}

// CancelDispute returns a disputed deal to funded. Allowed for the original
// disputer or any admin. A repeat attempt on a deal that already left
// Disputed is rejected, not silently accepted.
func (s *Service) CancelDispute(ctx context.Context, code, actorID string) error {
	rec, err := s.deals.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if rec.Status != deal.StatusDisputed {
		return fmt.Errorf("%w: deal is %s, not %s",
			deal.ErrInvalidTransition, rec.Status, deal.StatusDisputed)
	}

	isDisputer := rec.DisputedBy != nil && *rec.DisputedBy == actorID
	role, err := s.authz.RoleFor(ctx, actorID)
	if err != nil {
		return err
	}
	if !isDisputer && !role.Admin() {
		return ErrForbidden
	}

	err = s.deals.UpdateStatus(ctx, code, deal.StatusDisputed, deal.StatusFunded, deal.StatusPatch{
		ClearDispute: true,
	})
	if err != nil {
		return err
	}

	if !isDisputer {
		s.auditor.Record(ctx, audit.Entry{
			Action:   audit.ActionCancelDispute,
			DealCode: &rec.Code,
			ActorID:  actorID,
			Detail:   "dispute cancelled by admin",
		})
	}
	s.notifyParties(ctx, rec, fmt.Sprintf("Dispute on deal %s was withdrawn.", rec.Code))
	return nil
}

// SubmitEvidence appends an evidence entry to a disputed deal. Parties are
// tagged with their side; admins with the admin role.
func (s *Service) SubmitEvidence(ctx context.Context, code, actorID, content string, attachmentRef *string) (Evidence, error) {
	if content == "" {
		return Evidence{}, fmt.Errorf("dispute: evidence content required")
	}

	rec, err := s.deals.GetByCode(ctx, code)
	if err != nil {
		return Evidence{}, err
	}

	var evRole EvidenceRole
	if side, ok := rec.Side(actorID); ok {
		evRole = EvidenceRole(side)
	} else {
		role, err := s.authz.RoleFor(ctx, actorID)
		if err != nil {
			return Evidence{}, err
		}
		if !role.Admin() {
			return Evidence{}, ErrForbidden
		}
		evRole = EvidenceRoleAdmin
	}

	if rec.Status != deal.StatusDisputed {
		return Evidence{}, ErrDealNotDisputed
	}

	// The insert re-checks the status; a racing transition loses here.
	return s.evidence.Append(ctx, Evidence{
		DealCode:      rec.Code,
		SubmitterID:   actorID,
		Role:          evRole,
		Content:       content,
		AttachmentRef: attachmentRef,
	})
}

// ListEvidence returns the deal's evidence for a party or admin.
func (s *Service) ListEvidence(ctx context.Context, code, actorID string) ([]Evidence, error) {
	rec, err := s.deals.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !rec.IsParty(actorID) {
		role, err := s.authz.RoleFor(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if !role.Admin() {
			return nil, ErrForbidden
		}
	}
	return s.evidence.ListByDeal(ctx, rec.Code)
}

// Assign sets the deal's moderator. Botmaster only; the target needs an
// active grant; a prior assignment is replaced.
func (s *Service) Assign(ctx context.Context, code, actorID, moderatorID string) error {
	if !s.authz.IsBotmaster(actorID) {
		return ErrForbidden
	}
	active, err := s.authz.IsActiveModerator(ctx, moderatorID)
	if err != nil {
		return err
	}
	if !active {
		return ErrNotModerator
	}

	rec, err := s.deals.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if rec.Status != deal.StatusDisputed {
		return fmt.Errorf("%w: assignment requires %s, deal is %s",
			deal.ErrInvalidTransition, deal.StatusDisputed, rec.Status)
	}

	if err := s.deals.SetModerator(ctx, code, moderatorID, actorID); err != nil {
		return err
	}

	detail := "moderator assigned"
	if rec.ModeratorID != nil {
		detail = fmt.Sprintf("moderator reassigned from %s", *rec.ModeratorID)
	}
	s.auditor.Record(ctx, audit.Entry{
		Action:   audit.ActionAssignModerator,
		DealCode: &rec.Code,
		ActorID:  actorID,
		TargetID: &moderatorID,
		Detail:   detail,
	})
	s.notifier.Send(ctx, moderatorID, fmt.Sprintf("You were assigned to moderate deal %s.", rec.Code))
	return nil
}

// Unassign clears the deal's moderator. Botmaster only.
func (s *Service) Unassign(ctx context.Context, code, actorID string) error {
	if !s.authz.IsBotmaster(actorID) {
		return ErrForbidden
	}

	rec, err := s.deals.GetByCode(ctx, code)
	if err != nil {
		return err
	}

	if err := s.deals.ClearModerator(ctx, code); err != nil {
		return err
	}

	s.auditor.Record(ctx, audit.Entry{
		Action:   audit.ActionUnassignModerator,
		DealCode: &rec.Code,
		ActorID:  actorID,
		TargetID: rec.ModeratorID,
		Detail:   "moderator unassigned",
	})
	if rec.ModeratorID != nil {
		s.notifier.Send(ctx, *rec.ModeratorID, fmt.Sprintf("You were unassigned from deal %s.", rec.Code))
	}
	return nil
}

// Resolve settles a dispute with a release or refund. Botmasters may resolve
// any dispute; a moderator only the deal they are assigned to. The ledger
// call is confirmed before the local terminal transition commits: if the
// ledger side fails or times out, the deal stays Disputed and the error is
// surfaced for retry. Local and ledger state never silently diverge on this
// irreversible action.
func (s *Service) Resolve(ctx context.Context, code, actorID string, decision Decision) error {
	if decision != DecisionRelease && decision != DecisionRefund {
		return fmt.Errorf("dispute: unknown decision %q", decision)
	}

	rec, err := s.deals.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	ok, err := s.authz.CanResolve(ctx, rec, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	if rec.Status != deal.StatusDisputed {
		return fmt.Errorf("%w: resolution requires %s, deal is %s",
			deal.ErrInvalidTransition, deal.StatusDisputed, rec.Status)
	}
	if !rec.Anchored() {
		return ErrNotAnchored
	}

	var (
		tx     ledger.TxHandle
		target deal.Status
		action audit.Action
	)
	switch decision {
	case DecisionRelease:
		tx, err = s.ledger.ResolveRelease(ctx, *rec.LedgerDealID)
		target, action = deal.StatusCompleted, audit.ActionResolveRelease
	case DecisionRefund:
		tx, err = s.ledger.ResolveRefund(ctx, *rec.LedgerDealID)
		target, action = deal.StatusRefunded, audit.ActionResolveRefund
	}
	if err != nil {
		return fmt.Errorf("dispute: ledger %s: %w", decision, err)
	}
	if err := tx.AwaitConfirmation(ctx, s.callTimeout); err != nil {
		return fmt.Errorf("dispute: ledger %s confirmation: %w", decision, err)
	}

	now := s.now()
	txRef := tx.Ref()
	err = s.deals.UpdateStatus(ctx, code, deal.StatusDisputed, target, deal.StatusPatch{
		ResolvedBy:  &actorID,
		ResolvedAt:  &now,
		LedgerTxRef: &txRef,
	})
	if err != nil {
		return err
	}

	s.auditor.Record(ctx, audit.Entry{
		Action:   action,
		DealCode: &rec.Code,
		ActorID:  actorID,
		Detail:   fmt.Sprintf("dispute resolved: %s (tx %s)", decision, txRef),
	})
	s.notifyParties(ctx, rec, fmt.Sprintf("Deal %s was resolved: %s.", rec.Code, decision))
	return nil
}

// MessageParty lets the resolving admin contact a party about the dispute.
// Botmaster, or the currently assigned moderator; the target must be a party
// to the deal. Delivery is best-effort, the attempt is audited.
func (s *Service) MessageParty(ctx context.Context, code, actorID, targetID, text string) error {
	if text == "" {
		return fmt.Errorf("dispute: empty message")
	}

	rec, err := s.deals.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	ok, err := s.authz.CanResolve(ctx, rec, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	if !rec.IsParty(targetID) {
		return fmt.Errorf("dispute: target is not a party to deal %s", rec.Code)
	}

	s.notifier.Send(ctx, targetID, fmt.Sprintf("[deal %s] %s", rec.Code, text))
	s.auditor.Record(ctx, audit.Entry{
		Action:   audit.ActionMessageParty,
		DealCode: &rec.Code,
		ActorID:  actorID,
		TargetID: &targetID,
		Detail:   text,
	})
	return nil
}

func (s *Service) notifyCounterpart(ctx context.Context, rec deal.Deal, actorID, message string) {
	if rec.SellerID != actorID {
		s.notifier.Send(ctx, rec.SellerID, message)
	}
	if rec.BuyerID != nil && *rec.BuyerID != actorID {
		s.notifier.Send(ctx, *rec.BuyerID, message)
	}
}

func (s *Service) notifyParties(ctx context.Context, rec deal.Deal, message string) {
	s.notifier.Send(ctx, rec.SellerID, message)
	if rec.BuyerID != nil {
		s.notifier.Send(ctx, *rec.BuyerID, message)
	}
}
