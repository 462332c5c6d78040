package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/karlorz/cmux-sub003/internal/provider"
	"github.com/karlorz/cmux-sub003/internal/scripts"
	"github.com/karlorz/cmux-sub003/internal/snapshot"
)

// ApplyEnv pushes a raw dotenv blob into a running instance via the
// same envctl helper stage 10 of Start uses, for `/sandboxes/{id}/env`
// callers that want to refresh env vars without restarting scripts.
func (c *Controller) ApplyEnv(ctx context.Context, instanceID, envVarsContent string) error {
	client, _, err := c.providers.ForInstance(instanceID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(envVarsContent) == "" {
		return nil
	}
	cmd := []string{"sh", "-c", "envctl load <<'CMUX_ENV_EOF'\n" + ensureTrailingNewline(envVarsContent) + "CMUX_ENV_EOF\n"}
	_, err = client.Exec(ctx, instanceID, cmd, provider.ExecOptions{Timeout: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("lifecycle: apply env: %w", err)
	}
	return nil
}

func ensureTrailingNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// InstanceMetadata returns the provider metadata an instance was
// started with, including the "teamId" and "environmentId" keys stage
// 4 of Start records, for callers that need to resolve an instance back
// to its owning tenant or environment.
func (c *Controller) InstanceMetadata(ctx context.Context, instanceID string) (map[string]string, error) {
	client, _, err := c.providers.ForInstance(instanceID)
	if err != nil {
		return nil, err
	}
	inst, err := client.Get(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load instance %s: %w", instanceID, err)
	}
	return inst.Metadata, nil
}

// RunScripts launches the given maintenance/dev scripts in the
// instance's persistent terminal session, for
// `/sandboxes/{id}/run-scripts` callers that want to (re)run scripts
// outside the start pipeline's own launch.
func (c *Controller) RunScripts(ctx context.Context, instanceID, taskRunID string, req RunScriptsRequest) error {
	client, _, err := c.providers.ForInstance(instanceID)
	if err != nil {
		return err
	}
	if req.MaintenanceScript == "" && req.DevScript == "" {
		return nil
	}
	orchestrator := scripts.New(client)
	go c.launchScripts(orchestrator, instanceID, taskRunID, snapshot.Resolution{
		MaintenanceScript: req.MaintenanceScript,
		DevScript:         req.DevScript,
	})
	return nil
}

// RunScriptsRequest carries the optional script bodies a run-scripts
// call may supply.
type RunScriptsRequest struct {
	MaintenanceScript string
	DevScript         string
}


