// Package hydration uploads and runs the in-container bootstrapper that
// clones or refreshes a git workspace at an exact depth/base-branch/
// new-branch configuration, the workspace-inference counterpart of the
// host-to-container bind-mount mapping a bare-metal dev container infers
// at startup.
package hydration

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/karlorz/cmux-sub003/internal/provider"
)

const bootstrapPath = "/tmp/cmux-bootstrap.sh"

// bootstrapScript is the server's own bundled bootstrapper. It is
// intentionally small: its contract (idempotent clone-or-fetch, depth,
// branch handling) is the thing this engine delegates to, not
// re-specified in exhaustive detail here.
const bootstrapScript = `#!/bin/sh
set -eu
workspace="${CMUX_WORKSPACE_PATH:?CMUX_WORKSPACE_PATH required}"
depth="${CMUX_DEPTH:-1}"
mkdir -p "$workspace"
if [ -d "$workspace/.git" ]; then
  origin="$(git -C "$workspace" remote get-url origin 2>/dev/null || true)"
  if [ -n "${CMUX_REPO_FULL:-}" ] && echo "$origin" | grep -q "$CMUX_REPO_FULL"; then
    git -C "$workspace" fetch --depth "$depth" origin "${CMUX_BASE_BRANCH:-main}"
    git -C "$workspace" checkout "${CMUX_BASE_BRANCH:-main}"
  fi
else
  git clone --depth "$depth" --branch "${CMUX_BASE_BRANCH:-main}" "${CMUX_CLONE_URL:?CMUX_CLONE_URL required}" "$workspace"
fi
if [ -n "${CMUX_NEW_BRANCH:-}" ]; then
  git -C "$workspace" checkout -B "$CMUX_NEW_BRANCH" "${CMUX_BASE_BRANCH:-main}"
fi
`

// Request describes one hydration call. Repo is empty when no source
// repo was identified, in which case Run is a no-op per §4.4 step 2.
type Request struct {
	InstanceID    string
	WorkspacePath string // defaults to /root/workspace
	Depth         int    // defaults to 1
	Owner         string
	Repo          string
	CloneURL      string // may carry embedded basic-auth credentials
	BaseBranch    string
	NewBranch     string
}

var maskClonePattern = regexp.MustCompile(`://[^@/]*@`)

// MaskCloneURL replaces embedded basic-auth credentials with "***" so
// logs never carry an installation token or OAuth token.
func MaskCloneURL(raw string) string {
	return maskClonePattern.ReplaceAllString(raw, "://***@")
}

type Engine struct {
	client provider.SandboxInstance
}

func New(client provider.SandboxInstance) *Engine {
	return &Engine{client: client}
}

// Run uploads the bootstrapper, exports the request as environment
// variables, executes it, then removes the temporary script file
// regardless of outcome. A non-zero exit fails the pipeline, per §4.5.
func (e *Engine) Run(ctx context.Context, req Request) error {
	if req.Repo == "" && req.CloneURL == "" {
		return nil
	}
	workspace := req.WorkspacePath
	if workspace == "" {
		workspace = "/root/workspace"
	}
	depth := req.Depth
	if depth <= 0 {
		depth = 1
	}

	writeCmd := []string{"sh", "-c", "cat > " + bootstrapPath + " <<'CMUX_BOOTSTRAP_EOF'\n" + bootstrapScript + "\nCMUX_BOOTSTRAP_EOF\nchmod +x " + bootstrapPath}
	if _, err := e.client.Exec(ctx, req.InstanceID, writeCmd, provider.ExecOptions{Timeout: 10 * time.Second}); err != nil {
		return fmt.Errorf("hydration: write bootstrapper: %w", err)
	}

	env := []string{
		"CMUX_WORKSPACE_PATH=" + workspace,
		fmt.Sprintf("CMUX_DEPTH=%d", depth),
	}
	if req.Repo != "" {
		repoFull := req.Repo
		if req.Owner != "" {
			repoFull = req.Owner + "/" + req.Repo
		}
		env = append(env,
			"CMUX_OWNER="+req.Owner,
			"CMUX_REPO="+req.Repo,
			"CMUX_REPO_FULL="+repoFull,
			"CMUX_CLONE_URL="+req.CloneURL,
			"CMUX_MASKED_CLONE_URL="+MaskCloneURL(req.CloneURL),
			"CMUX_BASE_BRANCH="+req.BaseBranch,
			"CMUX_NEW_BRANCH="+req.NewBranch,
		)
	}

	res, err := e.client.Exec(ctx, req.InstanceID, []string{"sh", bootstrapPath}, provider.ExecOptions{Env: env})
	removeErr := e.removeBootstrapper(ctx, req.InstanceID)
	if err != nil {
		return fmt.Errorf("hydration: run bootstrapper: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("hydration: bootstrapper exited %d: %s", res.ExitCode, sanitize(res.Stderr, req.CloneURL))
	}
	if removeErr != nil {
		return fmt.Errorf("hydration: cleanup bootstrapper: %w", removeErr)
	}
	return nil
}

func (e *Engine) removeBootstrapper(ctx context.Context, instanceID string) error {
	_, err := e.client.Exec(ctx, instanceID, []string{"rm", "-f", bootstrapPath}, provider.ExecOptions{Timeout: 5 * time.Second})
	return err
}

// sanitize removes the un-masked clone URL from anything the bootstrapper
// wrote to stderr before it is attached to an error surfaced upward.
func sanitize(raw, cloneURL string) string {
	if cloneURL == "" {
		return raw
	}
	masked := MaskCloneURL(cloneURL)
	return strings.ReplaceAll(raw, cloneURL, masked)
}


