package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the deal state as reported by the external ledger. The ledger is
// authoritative for fund custody; local records are a projection of it.
type Status string

const (
	StatusUnknown         Status = "unknown"
	StatusAwaitingDeposit Status = "awaiting_deposit"
	StatusFunded          Status = "funded"
	StatusDisputed        Status = "disputed"
	StatusCompleted       Status = "completed"
	StatusRefunded        Status = "refunded"
)

var (
	// ErrTimeout signals that a ledger call or confirmation wait exceeded its
	// deadline. The submitted transaction may still land; the next
	// reconciliation observation is what settles the outcome.
	ErrTimeout = errors.New("ledger: timed out")
	// ErrDealNotFound is returned when the ledger has no deal for the id.
	ErrDealNotFound = errors.New("ledger: deal not found")
	// ErrTxFailed is returned when a submitted transaction was rejected.
	ErrTxFailed = errors.New("ledger: transaction failed")
)

// DefaultCallTimeout bounds a single blocking ledger interaction.
const DefaultCallTimeout = 30 * time.Second

// TxHandle represents a submitted ledger transaction awaiting confirmation.
type TxHandle interface {
	// Ref returns the transaction reference for audit correlation.
	Ref() string
	// AwaitConfirmation blocks until the transaction confirms, fails, or the
	// timeout elapses. nil means confirmed; ErrTimeout means the outcome is
	// undecided and must be resolved by later observation.
	AwaitConfirmation(ctx context.Context, timeout time.Duration) error
}

// Client is the narrow contract the core needs from the ledger. Wire format
// and contract internals stay behind implementations of this interface.
type Client interface {
	// ResolveDealID maps a deal code to the ledger's deal id. ok is false
	// when the deal has not been anchored yet.
	ResolveDealID(ctx context.Context, dealCode string) (id string, ok bool, err error)
	// ReadStatus returns the ledger's view of the deal.
	ReadStatus(ctx context.Context, ledgerID string) (Status, error)
	// CreateDeal anchors a new deal on the ledger.
	CreateDeal(ctx context.Context, dealCode, seller, buyer string, amount decimal.Decimal) (TxHandle, error)
	// MarkDisputed flags the deal as disputed on the ledger. Advisory: the
	// local record stays authoritative for the dispute workflow.
	MarkDisputed(ctx context.Context, ledgerID string) (TxHandle, error)
	// ResolveRelease pays the escrowed amount out to the seller.
	ResolveRelease(ctx context.Context, ledgerID string) (TxHandle, error)
	// ResolveRefund returns the escrowed amount to the buyer.
	ResolveRefund(ctx context.Context, ledgerID string) (TxHandle, error)
}
