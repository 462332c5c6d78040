// Package authz implements the three-check authorization cascade every
// sandbox operation runs through before touching a provider or the
// store, and the 403-vs-404 existence-leak rule around it.
package authz

import (
	"context"

	"github.com/karlorz/cmux-sub003/internal/provider"
)

// Decision is the outcome of an authorization check. NotFoundShape must
// be rendered as a 404, never a 403, so a caller cannot distinguish "you
// don't own this" from "this doesn't exist."
type Decision int

const (
	Allow Decision = iota
	ForbiddenTeam
	NotFoundShape
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case ForbiddenTeam:
		return "forbidden"
	case NotFoundShape:
		return "not-found"
	default:
		return "unknown"
	}
}

// TenantChecker verifies tenant membership; shared with internal/snapshot.
type TenantChecker interface {
	IsMember(ctx context.Context, userID, tenantID string) (bool, error)
}

// Caller identifies the acting principal.
type Caller struct {
	UserID string
	TeamID string
}

// RunOwnership is the subset of a task run needed for the run-scoped
// check in §4.8 step 3.
type RunOwnership struct {
	UserID string
	TeamID string
}

type Authorizer struct {
	tenants TenantChecker
}

func New(tenants TenantChecker) *Authorizer {
	return &Authorizer{tenants: tenants}
}

// CheckInstance runs §4.8 steps 1 and 2 for an instance-scoped operation.
// An instance id with an unrecognized shape, or one that never matched
// provider.Detect, is reported as NotFoundShape rather than
// ForbiddenTeam, per the existence-leak rule.
func (a *Authorizer) CheckInstance(ctx context.Context, caller Caller, instanceID string, instanceTeamID string) (Decision, error) {
	if _, ok := provider.Detect(instanceID); !ok {
		return NotFoundShape, nil
	}
	isMember, err := a.tenants.IsMember(ctx, caller.UserID, caller.TeamID)
	if err != nil {
		return ForbiddenTeam, err
	}
	if !isMember {
		return ForbiddenTeam, nil
	}
	if instanceTeamID != "" && instanceTeamID != caller.TeamID {
		return ForbiddenTeam, nil
	}
	return Allow, nil
}

// IsMember delegates to the configured TenantChecker directly, for
// environment-scoped operations that have no provider instance to run
// CheckInstance's shape check against.
func (a *Authorizer) IsMember(ctx context.Context, userID, tenantID string) (bool, error) {
	return a.tenants.IsMember(ctx, userID, tenantID)
}

// CheckRunScoped runs §4.8 step 3 for run-scoped operations (force-wake,
// refresh-auth, SSH): user-scoped resources require exact user-id match,
// team-scoped resources require team-id match.
func (a *Authorizer) CheckRunScoped(caller Caller, run RunOwnership, userScoped bool) Decision {
	if userScoped {
		if run.UserID != caller.UserID {
			return ForbiddenTeam
		}
		return Allow
	}
	if run.TeamID != caller.TeamID {
		return ForbiddenTeam
	}
	return Allow
}


