package httpapi

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"

	"github.com/karlorz/cmux-sub003/internal/activity"
	"github.com/karlorz/cmux-sub003/internal/authz"
	"github.com/karlorz/cmux-sub003/internal/config"
	"github.com/karlorz/cmux-sub003/internal/lifecycle"
	"github.com/karlorz/cmux-sub003/internal/membership"
	"github.com/karlorz/cmux-sub003/internal/ports"
	"github.com/karlorz/cmux-sub003/internal/provider"
	"github.com/karlorz/cmux-sub003/internal/registry"
	"github.com/karlorz/cmux-sub003/internal/secretvault"
	"github.com/karlorz/cmux-sub003/internal/snapshot"
	"github.com/karlorz/cmux-sub003/internal/store"
)

// fakeInstance is a minimal provider.SandboxInstance double shared by the
// handler tests in this package. It behaves like a single always-running
// morph instance whose Start call records the metadata it was given, the
// same way the real back-ends' Get reflects what Start recorded.
type fakeInstance struct {
	kind     provider.Kind
	status   provider.Status
	services []provider.HTTPService
	metadata map[string]string
}

func (f *fakeInstance) Kind() provider.Kind { return f.kind }
func (f *fakeInstance) Get(ctx context.Context, id string) (provider.Instance, error) {
	return provider.Instance{ID: id, Status: f.status, Services: f.services, Metadata: f.metadata}, nil
}
func (f *fakeInstance) Start(ctx context.Context, opts provider.StartOptions) (provider.Instance, error) {
	f.status = provider.StatusRunning
	f.metadata = opts.Metadata
	return provider.Instance{ID: "morphvm_test1", Status: provider.StatusRunning, Services: f.services, Metadata: f.metadata}, nil
}
func (f *fakeInstance) Exec(ctx context.Context, id string, cmd []string, opts provider.ExecOptions) (provider.ExecResult, error) {
	joined := strings.Join(cmd, " ")
	if strings.Contains(joined, "rev-parse") {
		return provider.ExecResult{Stdout: strings.Repeat("a", 40)}, nil
	}
	return provider.ExecResult{}, nil
}
func (f *fakeInstance) ExposeHTTPService(ctx context.Context, id, name string, port int) error { return nil }
func (f *fakeInstance) HideHTTPService(ctx context.Context, id, name string) error              { return nil }
func (f *fakeInstance) Pause(ctx context.Context, id string) error                             { return nil }
func (f *fakeInstance) Resume(ctx context.Context, id string) error {
	f.status = provider.StatusRunning
	return nil
}
func (f *fakeInstance) Stop(ctx context.Context, id string) error {
	f.status = provider.StatusPaused
	return nil
}
func (f *fakeInstance) SetWakeOnConnection(ctx context.Context, id string, enabled bool) error {
	return nil
}
func (f *fakeInstance) Snapshot(ctx context.Context, id string) (string, string, error) {
	return "snap-1", "", nil
}

type testStack struct {
	server  *Server
	store   *store.Store
	client  *fakeInstance
	members *membership.Checker
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity: %v", err)
	}
	vault, err := secretvault.Open(filepath.Join(t.TempDir(), "vault.json"), identity.String())
	if err != nil {
		t.Fatalf("secretvault.Open: %v", err)
	}
	members, err := membership.Open("")
	if err != nil {
		t.Fatalf("membership.Open: %v", err)
	}
	if err := members.Add("u1", "t1"); err != nil {
		t.Fatalf("members.Add: %v", err)
	}

	client := &fakeInstance{
		kind:   provider.KindMorph,
		status: provider.StatusRunning,
		services: []provider.HTTPService{
			{Name: "code-editor", Port: provider.PortCodeEditor, URL: "http://sandbox/editor"},
			{Name: "worker", Port: provider.PortWorker, URL: "http://sandbox/worker"},
		},
	}
	providers := provider.NewRegistry()
	providers.Register(client)

	cfg := config.Config{ProviderOverride: "morph", MorphAPIKey: "present"}
	resolver := snapshot.New(st, cfg, members, []snapshot.DefaultSnapshot{
		{SnapshotID: "snap-default", Provider: config.ProviderMorph},
	})
	recorder := activity.New(st)
	publisher := ports.New(providers, st)
	authorizer := authz.New(members)
	reg := registry.New(st, vault, providers, cfg, func() string { return "env_test1" })

	ctrl := lifecycle.New(st, vault, providers, resolver, recorder, publisher, authorizer, nil, nil, cfg)
	server := New(ctrl, reg, st, vault, authorizer, nil)

	return &testStack{server: server, store: st, client: client, members: members}
}

func (ts *testStack) recorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}
