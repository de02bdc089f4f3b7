package deal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/ledger"
	"escrowflow/notify"
)

var (
	// ErrForbidden signals the acting account holds no right to the
	// operation on this deal.
	ErrForbidden = errors.New("deal: forbidden")
	// ErrNotTerminal signals a review attempt on a deal still in flight.
	ErrNotTerminal = errors.New("deal: not finished")
	// ErrBuyerMissing signals an operation that needs a registered buyer.
	ErrBuyerMissing = errors.New("deal: buyer not registered")
)

// Store is the repository surface the party service needs.
type Store interface {
	Create(ctx context.Context, d Deal) (Deal, error)
	GetByCode(ctx context.Context, code string) (Deal, error)
	ListByParticipant(ctx context.Context, accountID string) ([]Deal, error)
	UpdateStatus(ctx context.Context, code string, expect, next Status, patch StatusPatch) error
	SetBuyer(ctx context.Context, code, accountID string) error
	SetLedgerRef(ctx context.Context, code, ledgerID, txRef string) error
	SetRating(ctx context.Context, code string, role ReviewRole, rating int, review string) error
}

// Service implements the party-facing deal operations: create, buyer
// registration, ledger anchoring, cancel, release, review.
type Service struct {
	store       Store
	ledger      ledger.Client
	notifier    *notify.Dispatcher
	now         func() time.Time
	newCode     func() string
	callTimeout time.Duration
}

func NewService(store Store, lc ledger.Client, notifier *notify.Dispatcher) *Service {
	return &Service{
		store:       store,
		ledger:      lc,
		notifier:    notifier,
		now:         time.Now,
		newCode:     NewCode,
		callTimeout: ledger.DefaultCallTimeout,
	}
}

// CreateParams carries seller input for a new deal.
type CreateParams struct {
	SellerID    string
	BuyerHandle string // normalized handle the seller expects; weak match only
	Amount      decimal.Decimal
	Description string
}

// Create records a new deal in pending_deposit. The amount is fixed here and
// never updated afterwards.
func (s *Service) Create(ctx context.Context, p CreateParams) (Deal, error) {
	if p.SellerID == "" {
		return Deal{}, fmt.Errorf("deal: seller id required")
	}
	if !p.Amount.IsPositive() {
		return Deal{}, fmt.Errorf("deal: amount must be positive")
	}

	d := Deal{
		SellerID:    p.SellerID,
		Amount:      p.Amount,
		Description: p.Description,
	}
	if p.BuyerHandle != "" {
		handle := p.BuyerHandle
		d.BuyerHandle = &handle
	}

	// Code collisions are rare; retry a few times before giving up.
	for attempt := 0; attempt < 3; attempt++ {
		d.Code = s.newCode()
		rec, err := s.store.Create(ctx, d)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrDuplicateCode) {
			return Deal{}, err
		}
	}
	return Deal{}, ErrDuplicateCode
}

// RegisterBuyer claims the open buyer slot for the acting account. When the
// seller pinned a buyer handle at creation, the claim must match it. Handle
// matching is a weaker guarantee than account ids and is accepted only here,
// for the initial claim; all authorization afterwards uses the stable id.
func (s *Service) RegisterBuyer(ctx context.Context, code, accountID, handle string) (Deal, error) {
	if accountID == "" {
		return Deal{}, fmt.Errorf("deal: account id required")
	}

	rec, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return Deal{}, err
	}
	if rec.SellerID == accountID {
		return Deal{}, fmt.Errorf("deal: seller cannot register as buyer")
	}
	if rec.BuyerID != nil {
		return Deal{}, ErrBuyerTaken
	}
	if rec.BuyerHandle != nil && *rec.BuyerHandle != handle {
		return Deal{}, ErrForbidden
	}

	if err := s.store.SetBuyer(ctx, code, accountID); err != nil {
		return Deal{}, err
	}

	s.notifier.Send(ctx, rec.SellerID, fmt.Sprintf("Buyer joined deal %s.", rec.Code))
	return s.store.GetByCode(ctx, code)
}

// Anchor creates the deal on the ledger and stores the correlation id.
// Nothing is persisted locally unless the ledger confirms the creation, so a
// failed or timed-out call leaves the deal unanchored and safely retryable.
func (s *Service) Anchor(ctx context.Context, code, actorID string) (Deal, error) {
	rec, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return Deal{}, err
	}
	if rec.SellerID != actorID {
		return Deal{}, ErrForbidden
	}
	if rec.Status != StatusPendingDeposit {
		return Deal{}, fmt.Errorf("%w: anchor requires %s, deal is %s", ErrInvalidTransition, StatusPendingDeposit, rec.Status)
	}
	if rec.Anchored() {
		return Deal{}, ErrLedgerRefSet
	}
	if rec.BuyerID == nil {
		return Deal{}, ErrBuyerMissing
	}

	tx, err := s.ledger.CreateDeal(ctx, rec.Code, rec.SellerID, *rec.BuyerID, rec.Amount)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: ledger create: %w", err)
	}
	if err := tx.AwaitConfirmation(ctx, s.callTimeout); err != nil {
		return Deal{}, fmt.Errorf("deal: ledger create confirmation: %w", err)
	}

	ledgerID, ok, err := s.ledger.ResolveDealID(ctx, rec.Code)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: resolve ledger id: %w", err)
	}
	if !ok {
		return Deal{}, fmt.Errorf("deal: ledger confirmed create but reports no deal for %s", rec.Code)
	}

	if err := s.store.SetLedgerRef(ctx, code, ledgerID, tx.Ref()); err != nil {
		return Deal{}, err
	}

	s.notifier.Send(ctx, *rec.BuyerID, fmt.Sprintf("Deal %s is on the ledger. Deposit %s to continue.", rec.Code, rec.Amount.String()))
	return s.store.GetByCode(ctx, code)
}

// Cancel aborts an unfunded deal. Seller only.
func (s *Service) Cancel(ctx context.Context, code, actorID string) error {
	rec, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if rec.SellerID != actorID {
		return ErrForbidden
	}

	if err := s.store.UpdateStatus(ctx, code, StatusPendingDeposit, StatusCancelled, StatusPatch{}); err != nil {
		return err
	}

	if rec.BuyerID != nil {
		s.notifier.Send(ctx, *rec.BuyerID, fmt.Sprintf("Deal %s was cancelled by the seller.", rec.Code))
	}
	return nil
}

// Release completes a funded deal on the buyer's instruction. Only the
// registered buyer may release, regardless of status; the status gate is
// checked second so an outsider is always rejected with ErrForbidden. The
// payout is irreversible, so the ledger release must confirm before the local
// record goes terminal; an unconfirmed call leaves the deal funded and the
// reconciler settles the outcome from later observation.
func (s *Service) Release(ctx context.Context, code, actorID string) error {
	rec, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if rec.BuyerID == nil || *rec.BuyerID != actorID {
		return ErrForbidden
	}

	var patch StatusPatch
	if rec.Status == StatusFunded && rec.Anchored() {
		tx, err := s.ledger.ResolveRelease(ctx, *rec.LedgerDealID)
		if err != nil {
			return fmt.Errorf("deal: ledger release: %w", err)
		}
		if err := tx.AwaitConfirmation(ctx, s.callTimeout); err != nil {
			return fmt.Errorf("deal: ledger release confirmation: %w", err)
		}
		ref := tx.Ref()
		patch.LedgerTxRef = &ref
	}

	if err := s.store.UpdateStatus(ctx, code, StatusFunded, StatusCompleted, patch); err != nil {
		return err
	}

	s.notifier.Send(ctx, rec.SellerID, fmt.Sprintf("Deal %s released by the buyer. Funds are yours.", rec.Code))
	return nil
}

// SubmitReview stores the write-once rating and review for the acting party's
// side of a finished deal.
func (s *Service) SubmitReview(ctx context.Context, code, actorID string, rating int, review string) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("deal: rating must be between 1 and 5")
	}

	rec, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	role, ok := rec.Side(actorID)
	if !ok {
		return ErrForbidden
	}
	if !Terminal(rec.Status) {
		return ErrNotTerminal
	}

	return s.store.SetRating(ctx, code, role, rating, review)
}

// Get returns the deal by code.
func (s *Service) Get(ctx context.Context, code string) (Deal, error) {
	return s.store.GetByCode(ctx, code)
}

// ListMine returns the deals the account participates in.
func (s *Service) ListMine(ctx context.Context, accountID string) ([]Deal, error) {
	return s.store.ListByParticipant(ctx, accountID)
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewCode produces a short public deal code like "XK-7Q2M". The alphabet
// skips characters that read ambiguously in chat.
func NewCode() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	out := make([]byte, 0, 7)
	for i, b := range buf {
		if i == 2 {
			out = append(out, '-')
		}
		out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
	}
	return string(out)
}
