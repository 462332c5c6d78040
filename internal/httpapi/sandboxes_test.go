package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
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

// newTestStackWithTaskRun builds the same collaborator wiring as
// newTestStack but pre-seeds the store with a task run, since the
// store's public Update surface has no "create" mutation for one (task
// runs are written by an upstream system, not minted by this control
// plane).
func newTestStackWithTaskRun(t *testing.T, run store.TaskRun) *testStack {
	t.Helper()
	storePath := filepath.Join(t.TempDir(), "store.json")
	seed := map[string]any{"taskRuns": map[string]store.TaskRun{run.ID: run}}
	raw, err := json.Marshal(seed)
	if err != nil {
		t.Fatalf("marshal seed: %v", err)
	}
	if err := os.WriteFile(storePath, raw, 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	st, err := store.NewStore(storePath)
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
	if err := members.Add("u2", "t1"); err != nil {
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

func newRouter(ts *testStack) *http.ServeMux {
	mux := http.NewServeMux()
	ts.server.RegisterRoutes(mux)
	return mux
}

func authedRequest(method, path, userID string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(userHeaderName, userID)
	return req
}

func TestHandleStartRequiresAuthentication(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	req := httptest.NewRequest(http.MethodPost, "/sandboxes/start", bytes.NewBufferString("{}"))
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleStartReturnsServiceURLs(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	req := authedRequest(http.MethodPost, "/sandboxes/start", "u1", map[string]any{
		"tenantId":  "t1",
		"userId":    "u1",
		"taskRunId": "run1",
	})
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp startResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.VSCodeURL == "" || resp.WorkerURL == "" {
		t.Fatalf("expected populated urls, got %+v", resp)
	}
}

func TestHandleSetEnvForbidsTenantMismatch(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	start := authedRequest(http.MethodPost, "/sandboxes/start", "u1", map[string]any{"tenantId": "t1", "userId": "u1"})
	startRec := ts.recorder()
	mux.ServeHTTP(startRec, start)
	var started startResponseBody
	_ = json.NewDecoder(startRec.Body).Decode(&started)

	req := authedRequest(http.MethodPost, "/sandboxes/"+started.InstanceID+"/env", "u1", map[string]any{
		"tenant":         "t2",
		"envVarsContent": "FOO=bar",
	})
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a tenant mismatch, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSetEnvAppliesForMatchingTenant(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	start := authedRequest(http.MethodPost, "/sandboxes/start", "u1", map[string]any{"tenantId": "t1", "userId": "u1"})
	startRec := ts.recorder()
	mux.ServeHTTP(startRec, start)
	var started startResponseBody
	_ = json.NewDecoder(startRec.Body).Decode(&started)

	req := authedRequest(http.MethodPost, "/sandboxes/"+started.InstanceID+"/env", "u1", map[string]any{
		"tenant":         "t1",
		"envVarsContent": "FOO=bar",
	})
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp setEnvResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Applied {
		t.Fatalf("expected applied=true")
	}
}

func TestHandleStatusReportsRunning(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	req := authedRequest(http.MethodGet, "/sandboxes/morphvm_test1/status", "u1", nil)
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp statusResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Running {
		t.Fatalf("expected running=true")
	}
}

func TestHandleSSHReturnsCommand(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	req := authedRequest(http.MethodGet, "/sandboxes/morphvm_test1/ssh", "u1", nil)
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSSHForbidsTenantMismatch(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	start := authedRequest(http.MethodPost, "/sandboxes/start", "u1", map[string]any{"tenantId": "t1", "userId": "u1"})
	startRec := ts.recorder()
	mux.ServeHTTP(startRec, start)
	var started startResponseBody
	_ = json.NewDecoder(startRec.Body).Decode(&started)

	req := authedRequest(http.MethodGet, "/sandboxes/"+started.InstanceID+"/ssh?tenant=t2", "u1", nil)
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a tenant mismatch, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleResumeForbidsTenantMismatch(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	start := authedRequest(http.MethodPost, "/sandboxes/start", "u1", map[string]any{"tenantId": "t1", "userId": "u1"})
	startRec := ts.recorder()
	mux.ServeHTTP(startRec, start)
	var started startResponseBody
	_ = json.NewDecoder(startRec.Body).Decode(&started)

	req := authedRequest(http.MethodPost, "/sandboxes/"+started.InstanceID+"/resume?tenant=t2", "u1", nil)
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a tenant mismatch, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleResumeAppliesForMatchingTenant(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	start := authedRequest(http.MethodPost, "/sandboxes/start", "u1", map[string]any{"tenantId": "t1", "userId": "u1"})
	startRec := ts.recorder()
	mux.ServeHTTP(startRec, start)
	var started startResponseBody
	_ = json.NewDecoder(startRec.Body).Decode(&started)

	req := authedRequest(http.MethodPost, "/sandboxes/"+started.InstanceID+"/resume?tenant=t1", "u1", nil)
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleForceWakeReturnsReadyShape(t *testing.T) {
	ts := newTestStackWithTaskRun(t, store.TaskRun{
		ID:     "run1",
		TeamID: "t1",
		UserID: "u1",
		VSCode: store.VSCodeInstance{ContainerName: "morphvm_test1"},
	})
	mux := newRouter(ts)
	ts.client.status = provider.StatusPaused

	req := authedRequest(http.MethodPost, "/task-runs/run1/force-wake", "u1", map[string]any{"tenant": "t1"})
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp forceWakeResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PreviousStatus != "paused" || resp.CurrentStatus != "running" {
		t.Fatalf("expected paused->running, got %+v", resp)
	}
	if !resp.Resumed || !resp.Ready {
		t.Fatalf("expected resumed=true ready=true, got %+v", resp)
	}
	if resp.Polls < 1 {
		t.Fatalf("expected at least one poll, got %+v", resp)
	}
}

func TestHandleForceWakeForbidsWrongOwner(t *testing.T) {
	ts := newTestStackWithTaskRun(t, store.TaskRun{
		ID:     "run1",
		TeamID: "t1",
		UserID: "u1",
		VSCode: store.VSCodeInstance{ContainerName: "morphvm_test1"},
	})
	mux := newRouter(ts)

	req := authedRequest(http.MethodPost, "/task-runs/run1/force-wake", "u2", map[string]any{"tenant": "t1"})
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a caller that doesn't own the run, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleForceWakeReturns404ForUnknownRun(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	req := authedRequest(http.MethodPost, "/task-runs/missing/force-wake", "u1", map[string]any{"tenant": "t1"})
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRefreshGithubAuthForbidsCrossUserRun(t *testing.T) {
	ts := newTestStackWithTaskRun(t, store.TaskRun{
		ID:     "run1",
		TeamID: "t1",
		UserID: "u1",
	})
	mux := newRouter(ts)

	req := authedRequest(http.MethodPost, "/sandboxes/morphvm_test1/refresh-github-auth", "u2", map[string]any{
		"tenant":    "t1",
		"taskRunId": "run1",
	})
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a caller impersonating another user's run, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRefreshGithubAuthConflictsOnStoppedInstance(t *testing.T) {
	ts := newTestStackWithTaskRun(t, store.TaskRun{
		ID:     "run1",
		TeamID: "t1",
		UserID: "u1",
	})
	mux := newRouter(ts)
	ts.client.status = provider.StatusPaused

	req := authedRequest(http.MethodPost, "/sandboxes/morphvm_test1/refresh-github-auth", "u1", map[string]any{
		"tenant":    "t1",
		"taskRunId": "run1",
	})
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a paused instance, got %d: %s", rec.Code, rec.Body.String())
	}
}
