package morph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/karlorz/cmux-sub003/internal/provider"
)

func TestGetReturnsNotFoundOnMissingInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "test-key", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Get(context.Background(), "morphvm_missing")
	if err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestStartSendsAuthorizationHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(instanceEnvelope{ID: "morphvm_abc", Status: "running"})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "secret-token", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	inst, err := c.Start(context.Background(), provider.StartOptions{TemplateID: "base-image"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.ID != "morphvm_abc" {
		t.Fatalf("unexpected instance id %q", inst.ID)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("Authorization header = %q", gotAuth)
	}
}

func TestIsInstanceID(t *testing.T) {
	if !IsInstanceID("morphvm_abc123") {
		t.Fatalf("expected morphvm_ prefix to match")
	}
	if IsInstanceID("pvelxc-abc123") {
		t.Fatalf("expected pvelxc- prefix to not match")
	}
}
