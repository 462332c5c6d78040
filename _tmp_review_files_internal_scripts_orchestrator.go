// Package scripts launches the maintenance and dev scripts inside a
// sandbox's persistent multiplexed-terminal session, the same way a
// tmux-driven turn executor launches an interactive program and polls
// for its completion marker rather than attaching to its stdout.
package scripts

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/karlorz/cmux-sub003/internal/provider"
)

const sessionName = "cmux"

// Result is what a single script launch reports back, either through
// its own return value (errors that happen before backgrounding) or
// through the ErrorRecorder (errors discovered by the background
// waiter after the HTTP response has already gone out).
type Result struct {
	Ran      bool
	ExitCode int
	Error    string
}

// ErrorRecorder persists a background script failure onto the owning
// task run; it is satisfied by internal/activity or directly by a
// store-backed implementation.
type ErrorRecorder interface {
	RecordScriptError(ctx context.Context, taskRunID, message string) error
}

// Orchestrator runs maintenance/dev scripts inside one sandbox instance
// via the provider's Exec, using tmux as the persistent session host.
type Orchestrator struct {
	client provider.SandboxInstance
	nowSeq func() string
}

func New(client provider.SandboxInstance) *Orchestrator {
	return &Orchestrator{client: client, nowSeq: defaultSuffix}
}

func defaultSuffix() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}

func (o *Orchestrator) exec(ctx context.Context, instanceID string, cmd []string) (provider.ExecResult, error) {
	return o.client.Exec(ctx, instanceID, cmd, provider.ExecOptions{Timeout: 10 * time.Second})
}

func (o *Orchestrator) tmux(ctx context.Context, instanceID string, args ...string) (provider.ExecResult, error) {
	return o.exec(ctx, instanceID, append([]string{"tmux"}, args...))
}

func writeFileCmd(path, contents string) []string {
	var b strings.Builder
	b.WriteString("cat > ")
	b.WriteString(shellQuote(path))
	b.WriteString(" <<'CMUX_SCRIPT_EOF'\n")
	b.WriteString(contents)
	if !strings.HasSuffix(contents, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("CMUX_SCRIPT_EOF\n")
	return []string{"sh", "-c", b.String()}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (o *Orchestrator) ensureSession(ctx context.Context, instanceID string) error {
	if res, err := o.tmux(ctx, instanceID, "has-session", "-t", sessionName); err != nil || res.ExitCode != 0 {
		if _, err := o.tmux(ctx, instanceID, "new-session", "-d", "-s", sessionName, "zsh"); err != nil {
			return fmt.Errorf("scripts: create session %s: %w", sessionName, err)
		}
	}
	return nil
}

// LaunchMaintenance writes the maintenance script to the sandbox, opens
// a new tmux window for it, and returns a waiter the caller can invoke
// (typically in a goroutine) to block until the script's exit-code
// marker appears. Per spec, a non-zero exit is reported, not treated as
// a pipeline failure.
func (o *Orchestrator) LaunchMaintenance(ctx context.Context, instanceID, script string) (completedPath string, waiter func(context.Context) Result, err error) {
	if err := o.ensureSession(ctx, instanceID); err != nil {
		return "", nil, err
	}
	suffix := o.nowSeq()
	scriptPath := fmt.Sprintf("/tmp/cmux-maintenance-%s.sh", suffix)
	exitCodePath := fmt.Sprintf("/tmp/cmux-maintenance-%s.exit", suffix)
	completedPath = fmt.Sprintf("/tmp/cmux-maintenance-%s.done", suffix)
	window := fmt.Sprintf("maintenance-%s", suffix)

	if _, err := o.exec(ctx, instanceID, writeFileCmd(scriptPath, script)); err != nil {
		return "", nil, fmt.Errorf("scripts: write maintenance script: %w", err)
	}
	if _, err := o.tmux(ctx, instanceID, "new-window", "-t", sessionName, "-n", window); err != nil {
		return "", nil, fmt.Errorf("scripts: open maintenance window: %w", err)
	}
	cmd := fmt.Sprintf("zsh %s; print $? > %s; touch %s; exec zsh", scriptPath, exitCodePath, completedPath)
	if _, err := o.tmux(ctx, instanceID, "send-keys", "-t", sessionName+":"+window, cmd, "Enter"); err != nil {
		return "", nil, fmt.Errorf("scripts: send maintenance command: %w", err)
	}

	waiter = func(waitCtx context.Context) Result {
		return o.waitForMarker(waitCtx, instanceID, completedPath, exitCodePath)
	}
	return completedPath, waiter, nil
}

// waitForMarker polls the in-container filesystem via Exec until the
// completion marker appears, with an hours-scale upper bound befitting
// an unbounded maintenance script.
func (o *Orchestrator) waitForMarker(ctx context.Context, instanceID, completedPath, exitCodePath string) Result {
	deadline := time.Now().Add(6 * time.Hour)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return Result{Ran: true, Error: err.Error()}
		}
		res, err := o.exec(ctx, instanceID, []string{"test", "-f", completedPath})
		if err == nil && res.ExitCode == 0 {
			exitRes, err := o.exec(ctx, instanceID, []string{"cat", exitCodePath})
			if err != nil {
				return Result{Ran: true, Error: err.Error()}
			}
			code, parseErr := strconv.Atoi(strings.TrimSpace(exitRes.Stdout))
			if parseErr != nil {
				return Result{Ran: true, Error: fmt.Sprintf("unreadable exit code: %v", parseErr)}
			}
			return Result{Ran: true, ExitCode: code}
		}
		select {
		case <-ctx.Done():
			return Result{Ran: true, Error: ctx.Err().Error()}
		case <-time.After(2 * time.Second):
		}
	}
	return Result{Ran: true, Error: "timeout waiting for maintenance completion marker"}
}

// LaunchDev waits on the maintenance marker (if one was supplied), then
// opens a long-running tmux window for the dev script and verifies it
// came up.
func (o *Orchestrator) LaunchDev(ctx context.Context, instanceID, script, maintenanceMarker string) Result {
	if maintenanceMarker != "" {
		if err := o.waitForMarkerExists(ctx, instanceID, maintenanceMarker); err != nil {
			return Result{Ran: true, Error: err.Error()}
		}
	}
	if err := o.ensureSession(ctx, instanceID); err != nil {
		return Result{Ran: true, Error: err.Error()}
	}
	suffix := o.nowSeq()
	scriptPath := fmt.Sprintf("/tmp/cmux-dev-%s.sh", suffix)
	window := fmt.Sprintf("dev-%s", suffix)

	if _, err := o.exec(ctx, instanceID, writeFileCmd(scriptPath, script)); err != nil {
		return Result{Ran: true, Error: fmt.Sprintf("write dev script: %v", err)}
	}
	if _, err := o.tmux(ctx, instanceID, "new-window", "-t", sessionName, "-n", window); err != nil {
		return Result{Ran: true, Error: fmt.Sprintf("open dev window: %v", err)}
	}
	if _, err := o.tmux(ctx, instanceID, "send-keys", "-t", sessionName+":"+window, "zsh "+scriptPath, "Enter"); err != nil {
		return Result{Ran: true, Error: fmt.Sprintf("send dev command: %v", err)}
	}

	select {
	case <-ctx.Done():
		return Result{Ran: true, Error: ctx.Err().Error()}
	case <-time.After(2 * time.Second):
	}
	out, err := o.tmux(ctx, instanceID, "list-windows", "-t", sessionName)
	if err != nil || !strings.Contains(out.Stdout, window) {
		return Result{Ran: true, Error: "dev window did not come up"}
	}
	return Result{Ran: true}
}

// waitForMarkerExists is the bounded poll §9's design notes describe as
// "a one-shot channel with a fallback timeout" for the dev launcher.
func (o *Orchestrator) waitForMarkerExists(ctx context.Context, instanceID, path string) error {
	deadline := time.Now().Add(6 * time.Hour)
	for time.Now().Before(deadline) {
		res, err := o.exec(ctx, instanceID, []string{"test", "-f", path})
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("timeout waiting for %s", path)
}


