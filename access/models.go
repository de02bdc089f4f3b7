package access

import "time"

// Role is an account's administrative tier. Party status is relative to a
// specific deal and is checked through the deal record, not a role.
type Role string

const (
	// RoleBotmaster is the immutable, configured operator identity set.
	RoleBotmaster Role = "botmaster"
	// RoleModerator holds a revocable grant.
	RoleModerator Role = "moderator"
	// RoleUser is everyone else with a verified identity.
	RoleUser Role = "user"
)

// Admin reports whether the role carries administrative authority.
func (r Role) Admin() bool {
	return r == RoleBotmaster || r == RoleModerator
}

// ModeratorGrant mirrors the moderator_grants table. Revocation flips Active;
// rows are never deleted so the grant history stays auditable.
type ModeratorGrant struct {
	ID        string
	AccountID string
	Active    bool
	GrantedBy string
	GrantedAt time.Time
	RevokedBy *string
	RevokedAt *time.Time
}
