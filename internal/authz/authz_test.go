package authz

import (
	"context"
	"testing"
)

type fakeTenants struct {
	members map[string]bool
}

func (f fakeTenants) IsMember(ctx context.Context, userID, tenantID string) (bool, error) {
	return f.members[userID+":"+tenantID], nil
}

func TestCheckInstanceReportsNotFoundForUnrecognizedShape(t *testing.T) {
	a := New(fakeTenants{})
	d, err := a.CheckInstance(context.Background(), Caller{UserID: "u1", TeamID: "t1"}, "not-a-real-instance-id", "t1")
	if err != nil {
		t.Fatalf("CheckInstance: %v", err)
	}
	if d != NotFoundShape {
		t.Fatalf("expected NotFoundShape, got %v", d)
	}
}

func TestCheckInstanceForbidsNonMember(t *testing.T) {
	a := New(fakeTenants{members: map[string]bool{}})
	d, err := a.CheckInstance(context.Background(), Caller{UserID: "u1", TeamID: "t1"}, "morphvm_abc", "t1")
	if err != nil {
		t.Fatalf("CheckInstance: %v", err)
	}
	if d != ForbiddenTeam {
		t.Fatalf("expected ForbiddenTeam, got %v", d)
	}
}

func TestCheckInstanceForbidsTeamMismatch(t *testing.T) {
	a := New(fakeTenants{members: map[string]bool{"u1:t1": true}})
	d, err := a.CheckInstance(context.Background(), Caller{UserID: "u1", TeamID: "t1"}, "morphvm_abc", "t2")
	if err != nil {
		t.Fatalf("CheckInstance: %v", err)
	}
	if d != ForbiddenTeam {
		t.Fatalf("expected ForbiddenTeam on team mismatch, got %v", d)
	}
}

func TestCheckInstanceAllowsMatchingMember(t *testing.T) {
	a := New(fakeTenants{members: map[string]bool{"u1:t1": true}})
	d, err := a.CheckInstance(context.Background(), Caller{UserID: "u1", TeamID: "t1"}, "pvelxc-box1", "t1")
	if err != nil {
		t.Fatalf("CheckInstance: %v", err)
	}
	if d != Allow {
		t.Fatalf("expected Allow, got %v", d)
	}
}

func TestCheckRunScopedUserVsTeam(t *testing.T) {
	a := New(fakeTenants{})
	caller := Caller{UserID: "u1", TeamID: "t1"}

	if d := a.CheckRunScoped(caller, RunOwnership{UserID: "u1", TeamID: "t1"}, true); d != Allow {
		t.Fatalf("expected Allow for matching user-scoped run, got %v", d)
	}
	if d := a.CheckRunScoped(caller, RunOwnership{UserID: "u2", TeamID: "t1"}, true); d != ForbiddenTeam {
		t.Fatalf("expected ForbiddenTeam for mismatched user-scoped run, got %v", d)
	}
	if d := a.CheckRunScoped(caller, RunOwnership{UserID: "u2", TeamID: "t1"}, false); d != Allow {
		t.Fatalf("expected Allow for matching team-scoped run, got %v", d)
	}
	if d := a.CheckRunScoped(caller, RunOwnership{UserID: "u2", TeamID: "t2"}, false); d != ForbiddenTeam {
		t.Fatalf("expected ForbiddenTeam for mismatched team-scoped run, got %v", d)
	}
}
