// Package activity records best-effort sandbox create/resume events for
// an external garbage collector to consume, per spec.md §4.9.
package activity

import (
	"context"

	"github.com/karlorz/cmux-sub003/internal/provider"
	"github.com/karlorz/cmux-sub003/internal/store"
)

type Recorder struct {
	store *store.Store
}

func New(st *store.Store) *Recorder {
	return &Recorder{store: st}
}

// Event is what the Lifecycle Controller already has in hand after a
// successful start or resume.
type Event struct {
	InstanceID       string
	Provider         provider.Kind
	TemplateVmid     int
	SnapshotID       string
	SnapshotProvider string
	TeamID           string
}

// RecordCreate writes a best-effort activity record after a successful
// start. Failure is non-fatal: the caller logs and continues.
func (r *Recorder) RecordCreate(ctx context.Context, ev Event) error {
	return r.store.Update("sandboxInstances.recordCreate", nil, toActivity(ev))
}

// RecordResume writes a best-effort activity record after a successful
// resume.
func (r *Recorder) RecordResume(ctx context.Context, ev Event) error {
	return r.store.Update("sandboxInstances.recordResume", nil, toActivity(ev))
}

// RecordScriptError lets the Script Orchestrator's background waiter
// persist a post-response failure onto the owning task run, satisfying
// scripts.ErrorRecorder.
func (r *Recorder) RecordScriptError(ctx context.Context, taskRunID, message string) error {
	return r.store.Update("taskRuns.updateEnvironmentError", nil, taskRunID, message)
}

func toActivity(ev Event) store.SandboxActivity {
	return store.SandboxActivity{
		InstanceID:       ev.InstanceID,
		Provider:         string(ev.Provider),
		TemplateVmid:     ev.TemplateVmid,
		SnapshotID:       ev.SnapshotID,
		SnapshotProvider: ev.SnapshotProvider,
		TeamID:           ev.TeamID,
	}
}


