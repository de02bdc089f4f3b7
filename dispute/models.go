package dispute

import "time"

// EvidenceRole tags who submitted an evidence entry.
type EvidenceRole string

const (
	EvidenceRoleSeller EvidenceRole = "seller"
	EvidenceRoleBuyer  EvidenceRole = "buyer"
	EvidenceRoleAdmin  EvidenceRole = "admin"
)

// Evidence is one append-only submission tied to a disputed deal. Entries are
// never mutated or deleted.
type Evidence struct {
	ID            string
	DealCode      string
	SubmitterID   string
	Role          EvidenceRole
	Content       string
	AttachmentRef *string
	CreatedAt     time.Time
}

// Decision is the binary outcome of an admin resolution.
type Decision string

const (
	DecisionRelease Decision = "release"
	DecisionRefund  Decision = "refund"
)
