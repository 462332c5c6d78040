package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/karlorz/cmux-sub003/internal/activity"
	"github.com/karlorz/cmux-sub003/internal/authz"
	"github.com/karlorz/cmux-sub003/internal/ports"
	"github.com/karlorz/cmux-sub003/internal/provider"
	"github.com/karlorz/cmux-sub003/internal/store"
)

func recordedEvent(instanceID string, kind provider.Kind, teamID string) activity.Event {
	return activity.Event{InstanceID: instanceID, Provider: kind, TeamID: teamID}
}

// Pause stops (microVM: RAM-preserving pause; self-hosted LXC: an
// actual stop, since LXC has no hibernate) an instance. Neither back-end
// pre-kills in-container processes here; for microVM that would
// terminate agent sessions meant to survive the pause.
func (c *Controller) Pause(ctx context.Context, instanceID string) error {
	client, _, err := c.providers.ForInstance(instanceID)
	if err != nil {
		return err
	}
	return client.Pause(ctx, instanceID)
}

// Stop tears an instance down without removing its environment record.
func (c *Controller) Stop(ctx context.Context, instanceID string) error {
	client, _, err := c.providers.ForInstance(instanceID)
	if err != nil {
		return err
	}
	return client.Stop(ctx, instanceID)
}

// Resume succeeds idempotently if already running; otherwise resumes
// the instance, promotes the run's vscode status, and records a resume
// event so an external GC's idle timer restarts.
func (c *Controller) Resume(ctx context.Context, instanceID, taskRunID string) error {
	client, kind, err := c.providers.ForInstance(instanceID)
	if err != nil {
		return err
	}
	inst, err := client.Get(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("lifecycle: load instance %s: %w", instanceID, err)
	}
	if inst.Status != provider.StatusRunning {
		if err := client.Resume(ctx, instanceID); err != nil {
			return fmt.Errorf("lifecycle: resume instance %s: %w", instanceID, err)
		}
	}
	if taskRunID != "" {
		_ = c.store.Update("taskRuns.updateVSCodeStatus", nil, taskRunID, "running")
	}
	if c.recorder != nil {
		_ = c.recorder.RecordResume(ctx, recordedEvent(instanceID, kind, inst.Metadata["teamId"]))
	}
	return nil
}

// StatusResult mirrors the `/sandboxes/{id}/status` response shape.
type StatusResult struct {
	Running   bool
	VSCodeURL string
	WorkerURL string
	Provider  provider.Kind
}

// Status reports whether the instance is live and serving a code-editor
// service.
func (c *Controller) Status(ctx context.Context, instanceID string) (StatusResult, error) {
	client, kind, err := c.providers.ForInstance(instanceID)
	if err != nil {
		return StatusResult{}, err
	}
	inst, err := client.Get(ctx, instanceID)
	if err != nil {
		return StatusResult{Provider: kind}, err
	}
	editorSvc, haveEditor := inst.Service("code-editor")
	workerSvc, _ := inst.Service("worker")
	running := inst.Status == provider.StatusRunning && haveEditor && editorSvc.URL != ""
	return StatusResult{
		Running:   running,
		VSCodeURL: editorSvc.URL,
		WorkerURL: workerSvc.URL,
		Provider:  kind,
	}, nil
}

var instanceIDInURL = regexp.MustCompile(`(morphvm_[A-Za-z0-9]+|pvelxc-[A-Za-z0-9]+|cmux-[A-Za-z0-9]+)`)

// ResolveRunInstance locates the instance id a task run's recorded
// VSCode info belongs to: the container name if recorded, else whatever
// instance-id-shaped token appears in the recorded URL.
func ResolveRunInstance(run store.TaskRun) (string, bool) {
	if run.VSCode.ContainerName != "" {
		return run.VSCode.ContainerName, true
	}
	if m := instanceIDInURL.FindString(run.VSCode.URL); m != "" {
		return m, true
	}
	if m := instanceIDInURL.FindString(run.VSCode.WorkerURL); m != "" {
		return m, true
	}
	return "", false
}

// ForceWakeResult is what a successful (or timed-out) force-wake call
// reports back.
type ForceWakeResult struct {
	InstanceID     string
	LastStatus     provider.Status
	TimedOut       bool
}

// ForceWake authorizes the caller against the run, resumes the
// instance backing it, then polls for a live status up to 90s at a 2s
// interval before giving up.
func (c *Controller) ForceWake(ctx context.Context, caller authz.Caller, run store.TaskRun, userScoped bool) (ForceWakeResult, error) {
	if c.authorizer != nil {
		if d := c.authorizer.CheckRunScoped(caller, authz.RunOwnership{UserID: run.UserID, TeamID: run.TeamID}, userScoped); d != authz.Allow {
			return ForceWakeResult{}, fmt.Errorf("lifecycle: force-wake %s", d)
		}
	}
	instanceID, ok := ResolveRunInstance(run)
	if !ok {
		return ForceWakeResult{}, fmt.Errorf("lifecycle: cannot locate instance for run %s", run.ID)
	}
	client, _, err := c.providers.ForInstance(instanceID)
	if err != nil {
		return ForceWakeResult{}, err
	}
	if d, derr := c.checkInstanceTenancy(ctx, caller, instanceID, run.TeamID); derr == nil && d != authz.Allow {
		return ForceWakeResult{}, fmt.Errorf("lifecycle: force-wake %s", d)
	}
	if err := client.Resume(ctx, instanceID); err != nil {
		return ForceWakeResult{}, fmt.Errorf("lifecycle: resume %s: %w", instanceID, err)
	}

	deadline := time.Now().Add(forceWakeBudget)
	var last provider.Status = provider.StatusUnknown
	for time.Now().Before(deadline) {
		inst, err := client.Get(ctx, instanceID)
		if err == nil {
			last = inst.Status
			if inst.Status == provider.StatusRunning {
				_ = c.store.Update("taskRuns.updateVSCodeStatus", nil, run.ID, "running")
				return ForceWakeResult{InstanceID: instanceID, LastStatus: last}, nil
			}
		}
		select {
		case <-ctx.Done():
			return ForceWakeResult{InstanceID: instanceID, LastStatus: last, TimedOut: true}, ctx.Err()
		case <-time.After(forceWakeInterval):
		}
	}
	return ForceWakeResult{InstanceID: instanceID, LastStatus: last, TimedOut: true}, nil
}

func (c *Controller) checkInstanceTenancy(ctx context.Context, caller authz.Caller, instanceID, instanceTeamID string) (authz.Decision, error) {
	if c.authorizer == nil {
		return authz.Allow, nil
	}
	return c.authorizer.CheckInstance(ctx, caller, instanceID, instanceTeamID)
}

// PublishDevcontainer implements the `/sandboxes/{id}/publish-devcontainer`
// operation of §4.7: resolve the environment's desired port set (explicit
// exposedPorts, else the instance's own devcontainer.json), then reconcile
// the instance's published services toward it.
func (c *Controller) PublishDevcontainer(ctx context.Context, instanceID, taskRunID string, env store.Environment) (ports.Reconciliation, error) {
	client, _, err := c.providers.ForInstance(instanceID)
	if err != nil {
		return ports.Reconciliation{}, err
	}
	desired, err := ports.DesiredPorts(ctx, client, instanceID, env.ExposedPorts)
	if err != nil {
		return ports.Reconciliation{}, err
	}
	return c.publisher.Reconcile(ctx, instanceID, taskRunID, desired)
}


