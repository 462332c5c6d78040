package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/karlorz/cmux-sub003/internal/config"
	"github.com/karlorz/cmux-sub003/internal/store"
)

type allowAll struct{}

func (allowAll) IsMember(ctx context.Context, userID, tenantID string) (bool, error) { return true, nil }

type denyAll struct{}

func (denyAll) IsMember(ctx context.Context, userID, tenantID string) (bool, error) { return false, nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestResolveForbidsNonMembers(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Config{MorphAPIKey: "key"}
	r := New(st, cfg, denyAll{}, nil)

	_, err := r.Resolve(context.Background(), "u1", "t1", "", "")
	if err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestResolveFailsWhenProviderHasNoCredentials(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Config{} // no morph key, no pve-lxc credentials
	r := New(st, cfg, allowAll{}, nil)

	_, err := r.Resolve(context.Background(), "u1", "t1", "", "")
	if err != ErrProviderUnavailable {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestResolveReturnsProviderDefaultSnapshot(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Config{MorphAPIKey: "key"}
	known := []DefaultSnapshot{{SnapshotID: "snap-base", Provider: config.ProviderMorph}}
	r := New(st, cfg, allowAll{}, known)

	res, err := r.Resolve(context.Background(), "u1", "t1", "", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.SnapshotID != "snap-base" || res.Provider != config.ProviderMorph {
		t.Fatalf("unexpected resolution: %+v", res)
	}
}

func TestResolveFromEnvironmentUsesRecordedSnapshotProvider(t *testing.T) {
	st := newTestStore(t)
	var created store.Environment
	env := store.Environment{
		ID:               "e1",
		TeamID:           "t1",
		SnapshotID:       "snap-custom",
		SnapshotProvider: string(config.ProviderPveLXC),
		TemplateVmid:     201,
	}
	if err := st.Update("environments.create", &created, env); err != nil {
		t.Fatalf("create environment: %v", err)
	}

	cfg := config.Config{MorphAPIKey: "key"} // active provider would be morph
	r := New(st, cfg, allowAll{}, nil)

	res, err := r.Resolve(context.Background(), "u1", "t1", "e1", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Provider != config.ProviderPveLXC {
		t.Fatalf("expected environment's recorded provider to dominate, got %s", res.Provider)
	}
	if res.SnapshotID != "snap-custom" || res.TemplateID != "201" {
		t.Fatalf("unexpected resolution: %+v", res)
	}
}

func TestResolveFromEnvironmentRejectsForeignTenant(t *testing.T) {
	st := newTestStore(t)
	var created store.Environment
	if err := st.Update("environments.create", &created, store.Environment{ID: "e1", TeamID: "t1", SnapshotID: "snap-custom"}); err != nil {
		t.Fatalf("create environment: %v", err)
	}

	cfg := config.Config{MorphAPIKey: "key"}
	r := New(st, cfg, allowAll{}, nil)

	_, err := r.Resolve(context.Background(), "u1", "t2", "e1", "")
	if err != ErrForbidden {
		t.Fatalf("expected ErrForbidden for foreign tenant, got %v", err)
	}
}

func TestResolveFromSnapshotIDSearchesTeamEnvironments(t *testing.T) {
	st := newTestStore(t)
	var created store.Environment
	if err := st.Update("environments.create", &created, store.Environment{ID: "e1", TeamID: "t1", SnapshotID: "snap-team"}); err != nil {
		t.Fatalf("create environment: %v", err)
	}

	cfg := config.Config{MorphAPIKey: "key"}
	r := New(st, cfg, allowAll{}, nil)

	res, err := r.Resolve(context.Background(), "u1", "t1", "", "snap-team")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.SnapshotID != "snap-team" {
		t.Fatalf("unexpected resolution: %+v", res)
	}
}

func TestResolveFromSnapshotIDUnknownFailsForbidden(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Config{MorphAPIKey: "key"}
	r := New(st, cfg, allowAll{}, nil)

	_, err := r.Resolve(context.Background(), "u1", "t1", "", "snap-nonexistent")
	if err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
