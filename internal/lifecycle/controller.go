// Package lifecycle composes the provider adapter, credential broker,
// snapshot resolver, hydration engine, script orchestrator, port
// publisher, authorizer and activity recorder into the sandbox start
// pipeline and the pause/resume/stop/status/force-wake operations.
package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/karlorz/cmux-sub003/internal/activity"
	"github.com/karlorz/cmux-sub003/internal/authz"
	"github.com/karlorz/cmux-sub003/internal/config"
	"github.com/karlorz/cmux-sub003/internal/credential"
	"github.com/karlorz/cmux-sub003/internal/githubapp"
	"github.com/karlorz/cmux-sub003/internal/hydration"
	"github.com/karlorz/cmux-sub003/internal/ports"
	"github.com/karlorz/cmux-sub003/internal/provider"
	"github.com/karlorz/cmux-sub003/internal/scripts"
	"github.com/karlorz/cmux-sub003/internal/snapshot"
	"github.com/karlorz/cmux-sub003/internal/store"
)

const (
	workerLongPollPath = "/socket.io/?EIO=4&transport=polling"
	readinessPerProbe  = 3 * time.Second
	readinessBudget    = 15 * time.Second
	readinessInterval  = 500 * time.Millisecond
	forceWakeBudget    = 90 * time.Second
	forceWakeInterval  = 2 * time.Second
	defaultWorkspace   = "/root/workspace"
	defaultCloneDepth  = 1
)

// Controller is the Lifecycle Controller (H). It holds no per-request
// state; every method takes what it needs and leaves the instance,
// store, and vault as the only durable state.
type Controller struct {
	store        *store.Store
	vault        VaultReader
	providers    *provider.Registry
	resolver     *snapshot.Resolver
	recorder     *activity.Recorder
	publisher    *ports.Publisher
	authorizer   *authz.Authorizer
	githubApp    credential.App
	githubResolv *githubapp.Resolver
	cfg          config.Config
}

// VaultReader is the subset of *secretvault.Store the controller reads
// environment variable blobs from.
type VaultReader interface {
	GetValue(storeName, key string) (string, bool, error)
}

func New(
	st *store.Store,
	vault VaultReader,
	providers *provider.Registry,
	resolver *snapshot.Resolver,
	recorder *activity.Recorder,
	publisher *ports.Publisher,
	authorizer *authz.Authorizer,
	githubApp credential.App,
	githubResolv *githubapp.Resolver,
	cfg config.Config,
) *Controller {
	return &Controller{
		store:        st,
		vault:        vault,
		providers:    providers,
		resolver:     resolver,
		recorder:     recorder,
		publisher:    publisher,
		authorizer:   authorizer,
		githubApp:    githubApp,
		githubResolv: githubResolv,
		cfg:          cfg,
	}
}

// StartRequest carries every field a start call may supply, per spec's
// HTTP body shape for `POST /sandboxes/start`.
type StartRequest struct {
	TenantID       string
	UserID         string
	EnvironmentID  string
	SnapshotID     string
	TTL            time.Duration
	Metadata       map[string]string
	TaskRunID      string
	TaskRunJWT     string
	CloudWorkspace bool
	RepoURL        string
	Owner          string
	Repo           string
	BaseBranch     string
	NewBranch      string
	CloneDepth     int
	InstallationID int64
	OAuthToken     string
	GitName        string
	GitEmail       string
}

// StartResult is the tuple returned to the HTTP boundary on success.
type StartResult struct {
	InstanceID      string
	VSCodeURL       string
	WorkerURL       string
	VNCURL          string
	XtermURL        string
	Provider        config.Provider
	VSCodePersisted bool
}

// Start runs the 18-stage pipeline. Fatal stages stop the pipeline and
// trigger best-effort compensation; non-fatal stages discard their
// error and continue. Nothing is logged.
func (c *Controller) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	// Stage 1: resolve.
	resolution, err := c.resolver.Resolve(ctx, req.UserID, req.TenantID, req.EnvironmentID, req.SnapshotID)
	if err != nil {
		return StartResult{}, err
	}

	kind := kindForProvider(resolution.Provider)
	client, err := c.providers.For(kind)
	if err != nil {
		return StartResult{}, fmt.Errorf("lifecycle: provider %s not configured: %w", resolution.Provider, err)
	}

	// Stage 2: determine source repo.
	owner, repo := req.Owner, req.Repo
	if owner == "" && repo == "" && len(resolution.SelectedRepos) > 0 {
		owner, repo = splitOwnerRepo(resolution.SelectedRepos[0])
	}

	// Stage 3: load workspace config (cloud-workspace case only).
	var workspaceCfg store.WorkspaceConfig
	if req.CloudWorkspace && repo != "" {
		if found, ok, err := c.store.GetWorkspaceConfig(repoFull(owner, repo)); err == nil && ok {
			workspaceCfg = found
		}
	}

	// Stage 4: start instance.
	metadata := map[string]string{
		"app":    "cmux",
		"userId": req.UserID,
		"teamId": req.TenantID,
	}
	if req.EnvironmentID != "" {
		metadata["environmentId"] = req.EnvironmentID
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	inst, err := client.Start(ctx, provider.StartOptions{
		SnapshotID: resolution.SnapshotID,
		TemplateID: resolution.TemplateID,
		TTL:        req.TTL,
		Metadata:   metadata,
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("lifecycle: start instance: %w", err)
	}
	instanceID := inst.ID

	// Stage 5: record creation (non-fatal).
	if c.recorder != nil {
		_ = c.recorder.RecordCreate(ctx, activity.Event{
			InstanceID:       instanceID,
			Provider:         kind,
			SnapshotID:       resolution.SnapshotID,
			SnapshotProvider: string(resolution.Provider),
			TeamID:           req.TenantID,
		})
	}

	// Stage 6: re-fetch if httpServices came back empty.
	if len(inst.Services) == 0 {
		if refreshed, err := client.Get(ctx, instanceID); err == nil {
			inst = refreshed
		}
	}

	// Stage 7: assert essentials.
	editorSvc, haveEditor := inst.Service("code-editor")
	workerSvc, haveWorker := inst.Service("worker")
	if !haveEditor || editorSvc.URL == "" || !haveWorker || workerSvc.URL == "" {
		_ = client.Stop(ctx, instanceID)
		return StartResult{}, fmt.Errorf("lifecycle: instance %s missing required services", instanceID)
	}

	// Stage 8: readiness probe, best-effort.
	c.probeReadiness(ctx, client, instanceID, editorSvc.URL, workerSvc.URL)

	// Stage 9: persist pending VSCode info + discovered repos (non-fatal).
	if req.TaskRunID != "" {
		_ = c.store.Update("taskRuns.updateVSCodeInstance", nil, req.TaskRunID, store.VSCodeInstance{
			Provider:     string(kind),
			Status:       "starting",
			URL:          editorSvc.URL,
			WorkspaceURL: editorSvc.URL,
			WorkerURL:    workerSvc.URL,
		})
		if len(resolution.SelectedRepos) > 0 {
			_ = c.store.Update("taskRuns.updateDiscoveredRepos", nil, req.TaskRunID, resolution.SelectedRepos)
		}
	}

	// Stage 10: compose env vars, invoke envctl load (non-fatal).
	c.bootstrapEnv(ctx, client, instanceID, resolution, workspaceCfg, req)

	// Stage 11: configure git identity (best-effort).
	_, _ = client.Exec(ctx, instanceID, []string{"git", "config", "--global", "init.defaultBranch", "main"}, provider.ExecOptions{})
	if req.GitName != "" {
		_, _ = client.Exec(ctx, instanceID, []string{"git", "config", "--global", "user.name", req.GitName}, provider.ExecOptions{})
	}
	if req.GitEmail != "" {
		_, _ = client.Exec(ctx, instanceID, []string{"git", "config", "--global", "user.email", req.GitEmail}, provider.ExecOptions{})
	}

	// Stage 12+13: resolve git auth token and install code-host CLI auth.
	cloneURL := c.installGitAuth(ctx, client, instanceID, owner, repo, req)

	// Stage 14: hydration, fatal on failure.
	workspace := defaultWorkspace
	depth := req.CloneDepth
	if depth <= 0 {
		depth = defaultCloneDepth
	}
	hydrator := hydration.New(client)
	if err := hydrator.Run(ctx, hydration.Request{
		InstanceID:    instanceID,
		WorkspacePath: workspace,
		Depth:         depth,
		Owner:         owner,
		Repo:          repo,
		CloneURL:      cloneURL,
		BaseBranch:    req.BaseBranch,
		NewBranch:     req.NewBranch,
	}); err != nil {
		_ = client.Stop(ctx, instanceID)
		return StartResult{}, fmt.Errorf("lifecycle: hydration: %w", err)
	}

	// Stage 15: capture starting commit.
	if req.TaskRunID != "" {
		if res, err := client.Exec(ctx, instanceID, []string{"git", "-C", workspace, "rev-parse", "HEAD"}, provider.ExecOptions{}); err == nil {
			if sha := strings.TrimSpace(res.Stdout); shaPattern.MatchString(sha) {
				_ = c.store.Update("taskRuns.updateStartingCommitSha", nil, req.TaskRunID, sha)
			}
		}
	}

	// Stage 16: promote VSCode status to running.
	vscodePersisted := false
	if req.TaskRunID != "" {
		if err := c.store.Update("taskRuns.updateVSCodeStatus", nil, req.TaskRunID, "running"); err == nil {
			vscodePersisted = true
		}
	}

	// Stage 17: launch scripts in background.
	if resolution.MaintenanceScript != "" || resolution.DevScript != "" {
		orchestrator := scripts.New(client)
		go c.launchScripts(orchestrator, instanceID, req.TaskRunID, resolution)
	}

	vncSvc, _ := inst.Service("vnc")
	xtermSvc, _ := inst.Service("xterm")

	return StartResult{
		InstanceID:      instanceID,
		VSCodeURL:       editorSvc.URL,
		WorkerURL:       workerSvc.URL,
		VNCURL:          vncSvc.URL,
		XtermURL:        xtermSvc.URL,
		Provider:        resolution.Provider,
		VSCodePersisted: vscodePersisted,
	}, nil
}

var shaPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

func splitOwnerRepo(full string) (string, string) {
	parts := strings.SplitN(full, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", full
}

func repoFull(owner, repo string) string {
	if owner == "" {
		return repo
	}
	return owner + "/" + repo
}

func kindForProvider(p config.Provider) provider.Kind {
	switch p {
	case config.ProviderMorph:
		return provider.KindMorph
	case config.ProviderPveLXC, config.ProviderPveVM:
		return provider.KindPveLXC
	default:
		return ""
	}
}

// probeReadiness implements stage 8: poll the code-editor URL (HEAD,
// accepting 2xx/301/302) and the worker's long-poll path (GET) until
// both answer 2xx, or the overall budget elapses. Best-effort: timing
// out here never fails the pipeline.
func (c *Controller) probeReadiness(ctx context.Context, client provider.SandboxInstance, instanceID, editorURL, workerURL string) {
	deadline := time.Now().Add(readinessBudget)
	editorReady, workerReady := false, false
	for time.Now().Before(deadline) && !(editorReady && workerReady) {
		probeCtx, cancel := context.WithTimeout(ctx, readinessPerProbe)
		if !editorReady {
			if res, err := client.Exec(probeCtx, instanceID, []string{"curl", "-sS", "-o", "/dev/null", "-w", "%{http_code}", "--head", "-L", editorURL}, provider.ExecOptions{Timeout: readinessPerProbe}); err == nil {
				if code := strings.TrimSpace(res.Stdout); isAcceptedEditorCode(code) {
					editorReady = true
				}
			}
		}
		if !workerReady {
			if res, err := client.Exec(probeCtx, instanceID, []string{"curl", "-sS", "-o", "/dev/null", "-w", "%{http_code}", workerURL + workerLongPollPath}, provider.ExecOptions{Timeout: readinessPerProbe}); err == nil {
				if code := strings.TrimSpace(res.Stdout); strings.HasPrefix(code, "2") {
					workerReady = true
				}
			}
		}
		cancel()
		if editorReady && workerReady {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(readinessInterval):
		}
	}
}

func isAcceptedEditorCode(code string) bool {
	return strings.HasPrefix(code, "2") || code == "301" || code == "302"
}

// bootstrapEnv implements stage 10: concatenate environment vars (from
// the vault), workspace vars, the task-run identifiers, and — only if
// configured — the task-run JWT secret, then invoke the in-container
// envctl helper. A failure is discarded, not logged, and never fatal.
func (c *Controller) bootstrapEnv(ctx context.Context, client provider.SandboxInstance, instanceID string, resolution snapshot.Resolution, workspaceCfg store.WorkspaceConfig, req StartRequest) {
	var b strings.Builder
	if resolution.DataVaultKey != "" && c.vault != nil {
		if content, found, err := c.vault.GetValue("envVars", resolution.DataVaultKey); err == nil && found {
			b.WriteString(content)
			if !strings.HasSuffix(content, "\n") {
				b.WriteString("\n")
			}
		}
	}
	if workspaceCfg.EnvVarsContent != "" {
		b.WriteString(workspaceCfg.EnvVarsContent)
		if !strings.HasSuffix(workspaceCfg.EnvVarsContent, "\n") {
			b.WriteString("\n")
		}
	}
	if req.TaskRunID != "" {
		fmt.Fprintf(&b, "CMUX_TASK_RUN_ID=%s\n", req.TaskRunID)
	}
	if req.TaskRunJWT != "" {
		fmt.Fprintf(&b, "CMUX_TASK_RUN_JWT=%s\n", req.TaskRunJWT)
	}
	if c.cfg.TaskRunJWTSecret != "" {
		fmt.Fprintf(&b, "CMUX_TASKRUN_JWT_SECRET=%s\n", c.cfg.TaskRunJWTSecret)
	}
	if b.Len() == 0 {
		return
	}
	cmd := []string{"sh", "-c", "envctl load <<'CMUX_ENV_EOF'\n" + b.String() + "CMUX_ENV_EOF\n"}
	_, _ = client.Exec(ctx, instanceID, cmd, provider.ExecOptions{Timeout: 10 * time.Second})
}

// installGitAuth implements stages 12 and 13: mint/resolve a code-host
// token scoped to the identified repo (or fall back to the caller's
// OAuth token), then install it in-container via the credential broker.
// Returns a clone URL carrying the resolved credential, or the bare
// repo URL if no credential could be resolved.
func (c *Controller) installGitAuth(ctx context.Context, client provider.SandboxInstance, instanceID, owner, repo string, req StartRequest) string {
	if req.RepoURL == "" {
		return ""
	}
	broker := credential.New(c.githubApp, c.githubResolv, client)
	cred, err := broker.Resolve(ctx, req.InstallationID, owner, githubapp.WritableContents(), githubapp.OAuthToken{Value: req.OAuthToken})
	if err != nil || cred.Token == "" {
		return req.RepoURL
	}
	_ = broker.Install(ctx, credential.InstallRequest{
		InstanceID: instanceID,
		Host:       "github.com",
		Token:      cred.Token,
		GitName:    req.GitName,
		GitEmail:   req.GitEmail,
	})
	return embedToken(req.RepoURL, cred.Token)
}

var schemePattern = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*://)(.*)$`)

// embedToken inlines a basic-auth credential into a clone URL, the way
// the hydration bootstrapper's CMUX_CLONE_URL expects to receive it.
func embedToken(rawURL, token string) string {
	m := schemePattern.FindStringSubmatch(rawURL)
	if m == nil {
		return rawURL
	}
	return m[1] + "x-access-token:" + token + "@" + m[2]
}

func (c *Controller) launchScripts(orchestrator *scripts.Orchestrator, instanceID, taskRunID string, resolution snapshot.Resolution) {
	ctx := context.Background()
	var maintenanceMarker string
	if resolution.MaintenanceScript != "" {
		marker, waiter, err := orchestrator.LaunchMaintenance(ctx, instanceID, resolution.MaintenanceScript)
		if err != nil {
			c.reportScriptError(ctx, taskRunID, err.Error())
		} else {
			maintenanceMarker = marker
			go func() {
				res := waiter(ctx)
				if res.Error != "" {
					c.reportScriptError(ctx, taskRunID, res.Error)
				} else if res.ExitCode != 0 {
					c.reportScriptError(ctx, taskRunID, fmt.Sprintf("maintenance script exited %d", res.ExitCode))
				}
			}()
		}
	}
	if resolution.DevScript != "" {
		res := orchestrator.LaunchDev(ctx, instanceID, resolution.DevScript, maintenanceMarker)
		if res.Error != "" {
			c.reportScriptError(ctx, taskRunID, res.Error)
		}
	}
}

func (c *Controller) reportScriptError(ctx context.Context, taskRunID, message string) {
	if taskRunID == "" || c.recorder == nil {
		return
	}
	_ = c.recorder.RecordScriptError(ctx, taskRunID, message)
}
