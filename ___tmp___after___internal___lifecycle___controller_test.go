package lifecycle

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/karlorz/cmux-sub003/internal/activity"
	"github.com/karlorz/cmux-sub003/internal/authz"
	"github.com/karlorz/cmux-sub003/internal/config"
	"github.com/karlorz/cmux-sub003/internal/ports"
	"github.com/karlorz/cmux-sub003/internal/provider"
	"github.com/karlorz/cmux-sub003/internal/snapshot"
	"github.com/karlorz/cmux-sub003/internal/store"
)

type allowAll struct{}

func (allowAll) IsMember(ctx context.Context, userID, tenantID string) (bool, error) { return true, nil }

type fakeClient struct {
	kind     provider.Kind
	status   provider.Status
	services []provider.HTTPService
	metadata map[string]string
	stuck    bool // when true, Resume never transitions status to running
}

func (f *fakeClient) Kind() provider.Kind { return f.kind }
func (f *fakeClient) Get(ctx context.Context, id string) (provider.Instance, error) {
	return provider.Instance{ID: id, Status: f.status, Services: append([]provider.HTTPService(nil), f.services...), Metadata: f.metadata}, nil
}
func (f *fakeClient) Start(ctx context.Context, opts provider.StartOptions) (provider.Instance, error) {
	f.status = provider.StatusRunning
	f.metadata = opts.Metadata
	return provider.Instance{ID: "morphvm_test1", Status: provider.StatusRunning, Services: f.services, Metadata: f.metadata}, nil
}
func (f *fakeClient) Exec(ctx context.Context, id string, cmd []string, opts provider.ExecOptions) (provider.ExecResult, error) {
	joined := strings.Join(cmd, " ")
	switch {
	case strings.Contains(joined, "rev-parse"):
		return provider.ExecResult{Stdout: strings.Repeat("a", 40)}, nil
	case strings.Contains(joined, "curl"):
		return provider.ExecResult{Stdout: "200"}, nil
	default:
		return provider.ExecResult{}, nil
	}
}
func (f *fakeClient) ExposeHTTPService(ctx context.Context, id, name string, port int) error { return nil }
func (f *fakeClient) HideHTTPService(ctx context.Context, id, name string) error             { return nil }
func (f *fakeClient) Pause(ctx context.Context, id string) error                            { return nil }
func (f *fakeClient) Resume(ctx context.Context, id string) error {
	if !f.stuck {
		f.status = provider.StatusRunning
	}
	return nil
}
func (f *fakeClient) Stop(ctx context.Context, id string) error { f.status = provider.StatusPaused; return nil }
func (f *fakeClient) SetWakeOnConnection(ctx context.Context, id string, enabled bool) error { return nil }
func (f *fakeClient) Snapshot(ctx context.Context, id string) (string, string, error)        { return "", "", nil }

func newTestController(t *testing.T, client *fakeClient) (*Controller, *store.Store) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	cfg := config.Config{ProviderOverride: "morph", MorphAPIKey: "present"}
	resolver := snapshot.New(st, cfg, allowAll{}, []snapshot.DefaultSnapshot{
		{SnapshotID: "snap-default", Provider: config.ProviderMorph},
	})
	providers := provider.NewRegistry()
	providers.Register(client)
	recorder := activity.New(st)
	publisher := ports.New(providers, st)
	authorizer := authz.New(allowAll{})

	ctrl := New(st, nil, providers, resolver, recorder, publisher, authorizer, nil, nil, cfg)
	return ctrl, st
}

func TestStartRunsFullPipelineWithoutRepo(t *testing.T) {
	client := &fakeClient{
		kind: provider.KindMorph,
		services: []provider.HTTPService{
			{Name: "code-editor", Port: provider.PortCodeEditor, URL: "http://sandbox/editor"},
			{Name: "worker", Port: provider.PortWorker, URL: "http://sandbox/worker"},
		},
	}
	ctrl, st := newTestController(t, client)

	result, err := ctrl.Start(context.Background(), StartRequest{
		TenantID:  "t1",
		UserID:    "u1",
		TaskRunID: "run1",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.InstanceID == "" || result.VSCodeURL == "" || result.WorkerURL == "" {
		t.Fatalf("expected populated result, got %+v", result)
	}
	if !result.VSCodePersisted {
		t.Fatalf("expected vscode status to be persisted")
	}

	run, found, err := st.GetTaskRun("run1")
	if err != nil || !found {
		t.Fatalf("GetTaskRun: err=%v found=%v", err, found)
	}
	if run.VSCode.Status != "running" {
		t.Fatalf("expected running status, got %q", run.VSCode.Status)
	}
	if run.StartingCommitSha != strings.Repeat("a", 40) {
		t.Fatalf("expected starting commit sha recorded, got %q", run.StartingCommitSha)
	}

	var allActivity []store.SandboxActivity
	if err := st.Query("sandboxInstances.getActivity", &allActivity); err != nil {
		t.Fatalf("Query activity: %v", err)
	}
	if len(allActivity) != 1 || allActivity[0].Kind != "create" {
		t.Fatalf("expected one create activity record, got %+v", allActivity)
	}
}

func TestStartFailsWhenRequiredServicesMissing(t *testing.T) {
	client := &fakeClient{kind: provider.KindMorph}
	ctrl, _ := newTestController(t, client)

	_, err := ctrl.Start(context.Background(), StartRequest{TenantID: "t1", UserID: "u1"})
	if err == nil {
		t.Fatalf("expected an error when essential services are missing")
	}
}

func TestResumeIsIdempotentWhenAlreadyRunning(t *testing.T) {
	client := &fakeClient{kind: provider.KindMorph, status: provider.StatusRunning}
	ctrl, st := newTestController(t, client)

	if err := ctrl.Resume(context.Background(), "morphvm_test1", "run1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	run, found, err := st.GetTaskRun("run1")
	if err != nil || !found {
		t.Fatalf("GetTaskRun: err=%v found=%v", err, found)
	}
	if run.VSCode.Status != "running" {
		t.Fatalf("expected running status, got %q", run.VSCode.Status)
	}
}

func TestStatusReportsRunningOnlyWithCodeEditorService(t *testing.T) {
	client := &fakeClient{
		kind:   provider.KindMorph,
		status: provider.StatusRunning,
		services: []provider.HTTPService{
			{Name: "code-editor", Port: provider.PortCodeEditor, URL: "http://sandbox/editor"},
		},
	}
	ctrl, _ := newTestController(t, client)

	got, err := ctrl.Status(context.Background(), "morphvm_test1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !got.Running || got.VSCodeURL == "" {
		t.Fatalf("expected running status with a vscode url, got %+v", got)
	}
}

func TestForceWakeTimesOutWithLastObservedStatus(t *testing.T) {
	client := &fakeClient{kind: provider.KindMorph, status: provider.StatusPaused, stuck: true}
	ctrl, _ := newTestController(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	run := store.TaskRun{ID: "run1", UserID: "u1", TeamID: "t1", VSCode: store.VSCodeInstance{ContainerName: "morphvm_test1"}}
	res, err := ctrl.ForceWake(ctx, authz.Caller{UserID: "u1", TeamID: "t1"}, run, true)
	if !res.TimedOut {
		t.Fatalf("expected a timed-out result, got %+v err=%v", res, err)
	}
}


