package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestEnvironmentCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	var created Environment
	if err := s.Update("environments.create", &created, Environment{ID: "e1", TeamID: "t1", Name: "widget"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to be set")
	}
	var got getResult[Environment]
	if err := s.Query("environments.get", &got, "e1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Found || got.Value.Name != "widget" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestSnapshotVersionsMonotonicAndSingleActive(t *testing.T) {
	s := newTestStore(t)
	var v1 SnapshotVersion
	if err := s.Update("environmentSnapshots.create", &v1, SnapshotVersion{ID: "sv1", EnvironmentID: "e1", IsActive: true}); err != nil {
		t.Fatalf("create v1: %v", err)
	}
	if v1.Version != 1 {
		t.Fatalf("version=%d, want 1", v1.Version)
	}
	var v2 SnapshotVersion
	if err := s.Update("environmentSnapshots.create", &v2, SnapshotVersion{ID: "sv2", EnvironmentID: "e1", IsActive: true}); err != nil {
		t.Fatalf("create v2: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("version=%d, want 2", v2.Version)
	}
	var list []SnapshotVersion
	if err := s.Query("environmentSnapshots.list", &list, "e1"); err != nil {
		t.Fatalf("list: %v", err)
	}
	activeCount := 0
	for _, v := range list {
		if v.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("active count=%d, want 1", activeCount)
	}

	var activated getResult[SnapshotVersion]
	if err := s.Update("environmentSnapshots.activate", &activated, "e1", "sv1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !activated.Found || !activated.Value.IsActive {
		t.Fatalf("expected sv1 active: %+v", activated)
	}
	if err := s.Query("environmentSnapshots.list", &list, "e1"); err != nil {
		t.Fatalf("list: %v", err)
	}
	activeCount = 0
	for _, v := range list {
		if v.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("active count after activate=%d, want 1", activeCount)
	}
}

func TestTaskRunUpdatesPersist(t *testing.T) {
	s := newTestStore(t)
	if err := s.Update("taskRuns.updateVSCodeStatus", nil, "r1", "starting"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	var got getResult[TaskRun]
	if err := s.Query("taskRuns.get", &got, "r1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Found || got.Value.VSCode.Status != "starting" {
		t.Fatalf("unexpected run: %+v", got)
	}
}


