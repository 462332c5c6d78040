package activity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/karlorz/cmux-sub003/internal/provider"
	"github.com/karlorz/cmux-sub003/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestRecordCreateAndResumeAppendActivity(t *testing.T) {
	st := newTestStore(t)
	r := New(st)

	ev := Event{InstanceID: "pvelxc-box1", Provider: provider.KindPveLXC, SnapshotID: "snap-1", TeamID: "t1"}
	if err := r.RecordCreate(context.Background(), ev); err != nil {
		t.Fatalf("RecordCreate: %v", err)
	}
	if err := r.RecordResume(context.Background(), ev); err != nil {
		t.Fatalf("RecordResume: %v", err)
	}

	var all []store.SandboxActivity
	if err := st.Query("sandboxInstances.getActivity", &all); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}
	if all[0].Kind != "create" || all[1].Kind != "resume" {
		t.Fatalf("unexpected kinds: %+v", all)
	}
}

func TestRecordScriptErrorPersistsOntoTaskRun(t *testing.T) {
	st := newTestStore(t)
	r := New(st)

	if err := r.RecordScriptError(context.Background(), "run-1", "maintenance script failed"); err != nil {
		t.Fatalf("RecordScriptError: %v", err)
	}
	run, found, err := st.GetTaskRun("run-1")
	if err != nil || !found {
		t.Fatalf("GetTaskRun: err=%v found=%v", err, found)
	}
	if run.EnvironmentError != "maintenance script failed" {
		t.Fatalf("unexpected environment error: %q", run.EnvironmentError)
	}
}


