package registry

import (
	"context"
	"path/filepath"
	"testing"

	"filippo.io/age"

	"github.com/karlorz/cmux-sub003/internal/config"
	"github.com/karlorz/cmux-sub003/internal/provider"
	"github.com/karlorz/cmux-sub003/internal/secretvault"
	"github.com/karlorz/cmux-sub003/internal/store"
)

type fakeClient struct {
	kind       provider.Kind
	status     provider.Status
	snapshotID string
	templateID string
	execCalls  [][]string
	deleted    []string
}

func (f *fakeClient) Kind() provider.Kind { return f.kind }
func (f *fakeClient) Get(ctx context.Context, id string) (provider.Instance, error) {
	return provider.Instance{ID: id, Status: f.status}, nil
}
func (f *fakeClient) Start(ctx context.Context, opts provider.StartOptions) (provider.Instance, error) {
	return provider.Instance{}, nil
}
func (f *fakeClient) Exec(ctx context.Context, id string, cmd []string, opts provider.ExecOptions) (provider.ExecResult, error) {
	f.execCalls = append(f.execCalls, cmd)
	return provider.ExecResult{ExitCode: 0}, nil
}
func (f *fakeClient) ExposeHTTPService(ctx context.Context, id, name string, port int) error { return nil }
func (f *fakeClient) HideHTTPService(ctx context.Context, id, name string) error              { return nil }
func (f *fakeClient) Pause(ctx context.Context, id string) error                             { return nil }
func (f *fakeClient) Resume(ctx context.Context, id string) error                            { return nil }
func (f *fakeClient) Stop(ctx context.Context, id string) error                              { return nil }
func (f *fakeClient) SetWakeOnConnection(ctx context.Context, id string, enabled bool) error  { return nil }
func (f *fakeClient) Snapshot(ctx context.Context, id string) (string, string, error) {
	return f.snapshotID, f.templateID, nil
}
func (f *fakeClient) DeleteTemplate(ctx context.Context, ref string) error {
	f.deleted = append(f.deleted, ref)
	return nil
}

var _ provider.TemplateDeleter = (*fakeClient)(nil)

func newTestRegistry(t *testing.T, client provider.SandboxInstance, kind provider.Kind) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	vault, err := secretvault.Open(filepath.Join(t.TempDir(), "vault.json"), testIdentity(t))
	if err != nil {
		t.Fatalf("Open vault: %v", err)
	}
	providers := provider.NewRegistry()
	providers.Register(client)
	cfg := config.Config{}
	switch kind {
	case provider.KindMorph:
		cfg.MorphAPIKey = "key"
	case provider.KindPveLXC:
		cfg.PveLXCBaseURL = "http://pve"
		cfg.PveLXCToken = "tok"
	}
	n := 0
	idgen := func() string {
		n++
		return "id" + string(rune('0'+n))
	}
	return New(st, vault, providers, cfg, idgen), st
}

func testIdentity(t *testing.T) string {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id.String()
}

func TestCreateRejectsProviderMismatch(t *testing.T) {
	client := &fakeClient{kind: provider.KindPveLXC}
	r, _ := newTestRegistry(t, client, provider.KindPveLXC)
	// Active provider resolves to pve-lxc, but instance id is morph-shaped.
	_, err := r.Create(context.Background(), CreateRequest{InstanceID: "morphvm_abc", TeamID: "t1"})
	if err != ErrProviderMismatch {
		t.Fatalf("expected ErrProviderMismatch, got %v", err)
	}
}

func TestCreatePersistsEnvironmentAndVaultedVars(t *testing.T) {
	client := &fakeClient{kind: provider.KindPveLXC, status: provider.StatusRunning, snapshotID: "snap-1", templateID: "cmux-template:201"}
	r, st := newTestRegistry(t, client, provider.KindPveLXC)

	env, err := r.Create(context.Background(), CreateRequest{
		InstanceID:     "pvelxc-box1",
		TeamID:         "t1",
		Name:           "widget",
		EnvVarsContent: "FOO=bar",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if env.SnapshotID != "snap-1" || env.TemplateVmid != 201 {
		t.Fatalf("unexpected environment: %+v", env)
	}
	if len(client.execCalls) != len(CleanupCommands()) {
		t.Fatalf("expected cleanup bundle to run in full, got %d calls", len(client.execCalls))
	}

	got, found, err := st.GetEnvironment(env.ID)
	if err != nil || !found {
		t.Fatalf("expected environment to persist, err=%v found=%v", err, found)
	}
	if got.DataVaultKey == "" {
		t.Fatalf("expected a vault key to be recorded")
	}
}

func TestDeleteSkipsProtectedAndLowVmidsButRemovesOthers(t *testing.T) {
	client := &fakeClient{kind: provider.KindPveLXC}
	r, st := newTestRegistry(t, client, provider.KindPveLXC)

	var created store.Environment
	if err := st.Update("environments.create", &created, store.Environment{
		ID: "e1", TeamID: "t1", SnapshotProvider: string(config.ProviderPveLXC), TemplateVmid: 150,
	}); err != nil {
		t.Fatalf("seed environment: %v", err)
	}
	var v1 store.SnapshotVersion
	if err := st.Update("environmentSnapshots.create", &v1, store.SnapshotVersion{
		ID: "sv1", EnvironmentID: "e1", TemplateVmid: 200, SnapshotProvider: string(config.ProviderPveLXC),
	}); err != nil {
		t.Fatalf("seed snapshot version: %v", err)
	}
	var v2 store.SnapshotVersion
	if err := st.Update("environmentSnapshots.create", &v2, store.SnapshotVersion{
		ID: "sv2", EnvironmentID: "e1", TemplateVmid: 305, SnapshotProvider: string(config.ProviderPveLXC),
	}); err != nil {
		t.Fatalf("seed snapshot version: %v", err)
	}

	if err := r.Delete(context.Background(), "e1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(client.deleted) != 1 || client.deleted[0] != templateRef(305) {
		t.Fatalf("expected only vmid 305 to be deleted, got %v", client.deleted)
	}

	_, found, err := st.GetEnvironment("e1")
	if err != nil {
		t.Fatalf("GetEnvironment: %v", err)
	}
	if found {
		t.Fatalf("expected environment record to be removed")
	}
}


