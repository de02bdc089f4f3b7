package deal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the local lifecycle state of a deal. Exactly one applies at any
// time; legal movements are declared in status.go.
type Status string

const (
	StatusPendingDeposit Status = "pending_deposit"
	StatusFunded         Status = "funded"
	StatusDisputed       Status = "disputed"
	StatusCompleted      Status = "completed"
	StatusRefunded       Status = "refunded"
	StatusCancelled      Status = "cancelled"
)

// ReviewRole tags which side of the deal a rating belongs to.
type ReviewRole string

const (
	ReviewRoleSeller ReviewRole = "seller"
	ReviewRoleBuyer  ReviewRole = "buyer"
)

// Deal mirrors the deals table. The code is the public identifier and is
// immutable once assigned; amount is immutable after creation. Terminal deals
// are never deleted.
type Deal struct {
	Code        string
	SellerID    string
	BuyerID     *string
	BuyerHandle *string
	Amount      decimal.Decimal
	Description string
	Status      Status

	LedgerDealID *string
	LedgerTxRef  *string

	FundedAt   *time.Time
	RemindedAt *time.Time

	DisputedBy    *string
	DisputeReason *string
	DisputedAt    *time.Time

	ModeratorID         *string
	ModeratorAssignedAt *time.Time
	ModeratorAssignedBy *string

	ResolvedBy *string
	ResolvedAt *time.Time

	SellerRating *int
	SellerReview *string
	BuyerRating  *int
	BuyerReview  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsParty reports whether accountID is the seller or the registered buyer.
// Matching is by stable account id; handle comparison is never used here.
func (d Deal) IsParty(accountID string) bool {
	if accountID == "" {
		return false
	}
	if d.SellerID == accountID {
		return true
	}
	return d.BuyerID != nil && *d.BuyerID == accountID
}

// Side returns which review role accountID holds on the deal.
func (d Deal) Side(accountID string) (ReviewRole, bool) {
	if d.SellerID == accountID {
		return ReviewRoleSeller, true
	}
	if d.BuyerID != nil && *d.BuyerID == accountID {
		return ReviewRoleBuyer, true
	}
	return "", false
}

// Anchored reports whether the deal has a ledger correlation id.
func (d Deal) Anchored() bool {
	return d.LedgerDealID != nil && *d.LedgerDealID != ""
}
