package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/karlorz/cmux-sub003/internal/store"
)

func createTestEnvironment(t *testing.T, ts *testStack, mux *http.ServeMux) createEnvironmentResponseBody {
	t.Helper()
	req := authedRequest(http.MethodPost, "/environments", "u1", map[string]any{
		"tenant":         "t1",
		"name":           "widget-dev",
		"instanceId":     "morphvm_test1",
		"envVarsContent": "FOO=bar",
		"exposedPorts":   []int{3000},
	})
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("create environment: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createEnvironmentResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestHandleCreateEnvironmentForbidsNonMember(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	req := authedRequest(http.MethodPost, "/environments", "u1", map[string]any{
		"tenant":     "t2",
		"name":       "widget-dev",
		"instanceId": "morphvm_test1",
	})
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a tenant the caller doesn't belong to, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCreateEnvironmentThenGet(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	created := createTestEnvironment(t, ts, mux)
	if created.ID == "" {
		t.Fatalf("expected a populated environment id")
	}

	req := authedRequest(http.MethodGet, "/environments/"+created.ID+"?tenant=t1", "u1", nil)
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var env store.Environment
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Name != "widget-dev" {
		t.Fatalf("expected name widget-dev, got %q", env.Name)
	}
}

func TestHandleGetEnvironmentHidesCrossTenantAs404(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	created := createTestEnvironment(t, ts, mux)

	req := authedRequest(http.MethodGet, "/environments/"+created.ID+"?tenant=t2", "u1", nil)
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a cross-tenant lookup, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleUpdatePortsValidatesRange(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	created := createTestEnvironment(t, ts, mux)

	req := authedRequest(http.MethodPatch, "/environments/"+created.ID+"/ports", "u1", map[string]any{
		"tenant": "t1",
		"ports":  []int{99999},
	})
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an out-of-range port, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleUpdatePortsPersistsValidPorts(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	created := createTestEnvironment(t, ts, mux)

	req := authedRequest(http.MethodPatch, "/environments/"+created.ID+"/ports", "u1", map[string]any{
		"tenant": "t1",
		"ports":  []int{8080, 8081},
	})
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp updatePortsResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.ExposedPorts) != 2 {
		t.Fatalf("expected 2 exposed ports, got %v", resp.ExposedPorts)
	}
}

func TestHandleUpdateEnvironmentVarsRoundTrips(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	created := createTestEnvironment(t, ts, mux)

	req := authedRequest(http.MethodPatch, "/environments/"+created.ID+"/vars", "u1", map[string]any{
		"tenant":         "t1",
		"envVarsContent": "BAZ=qux",
	})
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	getReq := authedRequest(http.MethodGet, "/environments/"+created.ID+"/vars?tenant=t1", "u1", nil)
	getRec := ts.recorder()
	mux.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}
	var vars environmentVarsResponseBody
	if err := json.NewDecoder(getRec.Body).Decode(&vars); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vars.EnvVarsContent != "BAZ=qux" {
		t.Fatalf("expected updated env vars content, got %q", vars.EnvVarsContent)
	}
}

func TestHandleDeleteEnvironmentRemovesRecord(t *testing.T) {
	ts := newTestStack(t)
	mux := newRouter(ts)

	created := createTestEnvironment(t, ts, mux)

	req := authedRequest(http.MethodDelete, "/environments/"+created.ID, "u1", nil)
	rec := ts.recorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	_, found, err := ts.store.GetEnvironment(created.ID)
	if err != nil {
		t.Fatalf("GetEnvironment: %v", err)
	}
	if found {
		t.Fatalf("expected the environment to be gone after delete")
	}
}


