package membership

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenWithEmptyPathAllowsNothing(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ok, err := c.IsMember(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if ok {
		t.Fatalf("expected no membership without an explicit Add")
	}
}

func TestIsMemberTreatsEmptyTenantAsSingleTenant(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ok, err := c.IsMember(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if !ok {
		t.Fatalf("expected an empty tenantId to always be a member")
	}
}

func TestAddPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.json")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Add("u1", "t1"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("Open (reload): %v", err)
	}
	ok, err := reloaded.IsMember(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if !ok {
		t.Fatalf("expected u1 to be a member of t1 after reload")
	}
	ok, err = reloaded.IsMember(context.Background(), "u2", "t1")
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if ok {
		t.Fatalf("expected u2 to not be a member of t1")
	}
}

func TestOpenMissingFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	if _, err := Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}
}
