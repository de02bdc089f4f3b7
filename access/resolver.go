package access

import (
	"context"
	"errors"
	"fmt"

	"escrowflow/audit"
	"escrowflow/deal"
	"escrowflow/notify"
)

// ErrForbidden signals the acting account lacks the required role.
var ErrForbidden = errors.New("access: forbidden")

// GrantStore is the grant surface the resolver needs.
type GrantStore interface {
	Insert(ctx context.Context, accountID, grantedBy string) (ModeratorGrant, error)
	Revoke(ctx context.Context, accountID, revokedBy string) error
	IsActive(ctx context.Context, accountID string) (bool, error)
	ListActive(ctx context.Context) ([]ModeratorGrant, error)
}

// Resolver maps acting identities to roles and validates deal-scoped
// predicates. Botmasters come from configuration and cannot be changed at
// runtime; moderators hold revocable grants.
type Resolver struct {
	botmasters map[string]struct{}
	grants     GrantStore
}

func NewResolver(botmasterIDs []string, grants GrantStore) *Resolver {
	set := make(map[string]struct{}, len(botmasterIDs))
	for _, id := range botmasterIDs {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return &Resolver{botmasters: set, grants: grants}
}

// RoleFor resolves the account's administrative tier. Botmaster wins over a
// moderator grant.
func (r *Resolver) RoleFor(ctx context.Context, accountID string) (Role, error) {
	if accountID == "" {
		return RoleUser, nil
	}
	if _, ok := r.botmasters[accountID]; ok {
		return RoleBotmaster, nil
	}
	active, err := r.grants.IsActive(ctx, accountID)
	if err != nil {
		return RoleUser, err
	}
	if active {
		return RoleModerator, nil
	}
	return RoleUser, nil
}

// IsBotmaster reports membership in the configured operator set.
func (r *Resolver) IsBotmaster(accountID string) bool {
	_, ok := r.botmasters[accountID]
	return ok
}

// IsAssignedModerator reports whether the account is the moderator currently
// assigned to the deal.
func IsAssignedModerator(d deal.Deal, accountID string) bool {
	return accountID != "" && d.ModeratorID != nil && *d.ModeratorID == accountID
}

// IsActiveModerator reports whether the account holds an active grant.
func (r *Resolver) IsActiveModerator(ctx context.Context, accountID string) (bool, error) {
	return r.grants.IsActive(ctx, accountID)
}

// CanResolve reports whether the account may resolve the deal's dispute:
// botmasters unconditionally, moderators only while assigned to it.
func (r *Resolver) CanResolve(ctx context.Context, d deal.Deal, accountID string) (bool, error) {
	if r.IsBotmaster(accountID) {
		return true, nil
	}
	if !IsAssignedModerator(d, accountID) {
		return false, nil
	}
	// The grant must still be active; a revoked moderator keeps no authority
	// over deals they were assigned to.
	return r.grants.IsActive(ctx, accountID)
}

// Service exposes the botmaster-only moderator administration with audit and
// notification side effects.
type Service struct {
	resolver *Resolver
	grants   GrantStore
	auditor  *audit.Recorder
	notifier *notify.Dispatcher
}

func NewService(resolver *Resolver, grants GrantStore, auditor *audit.Recorder, notifier *notify.Dispatcher) *Service {
	return &Service{resolver: resolver, grants: grants, auditor: auditor, notifier: notifier}
}

// GrantModerator makes the target a moderator. Botmaster only.
func (s *Service) GrantModerator(ctx context.Context, actorID, targetID string) (ModeratorGrant, error) {
	if !s.resolver.IsBotmaster(actorID) {
		return ModeratorGrant{}, ErrForbidden
	}
	if targetID == "" {
		return ModeratorGrant{}, fmt.Errorf("access: target account required")
	}

	grant, err := s.grants.Insert(ctx, targetID, actorID)
	if err != nil {
		return ModeratorGrant{}, err
	}

	s.auditor.Record(ctx, audit.Entry{
		Action:   audit.ActionGrantModerator,
		ActorID:  actorID,
		TargetID: &targetID,
		Detail:   "moderator grant issued",
	})
	s.notifier.Send(ctx, targetID, "You are now a moderator.")
	return grant, nil
}

// RevokeModerator deactivates the target's grant. Botmaster only.
func (s *Service) RevokeModerator(ctx context.Context, actorID, targetID string) error {
	if !s.resolver.IsBotmaster(actorID) {
		return ErrForbidden
	}

	if err := s.grants.Revoke(ctx, targetID, actorID); err != nil {
		return err
	}

	s.auditor.Record(ctx, audit.Entry{
		Action:   audit.ActionRevokeModerator,
		ActorID:  actorID,
		TargetID: &targetID,
		Detail:   "moderator grant revoked",
	})
	s.notifier.Send(ctx, targetID, "Your moderator access was revoked.")
	return nil
}

// Broadcast sends a message to every listed account. Botmaster only; each
// delivery is best-effort and the whole broadcast is audited once.
func (s *Service) Broadcast(ctx context.Context, actorID string, accountIDs []string, message string) error {
	if !s.resolver.IsBotmaster(actorID) {
		return ErrForbidden
	}
	if message == "" {
		return fmt.Errorf("access: empty broadcast message")
	}

	s.notifier.Broadcast(ctx, accountIDs, message)
	s.auditor.Record(ctx, audit.Entry{
		Action:  audit.ActionBroadcast,
		ActorID: actorID,
		Detail:  fmt.Sprintf("broadcast to %d accounts: %s", len(accountIDs), message),
	})
	return nil
}
