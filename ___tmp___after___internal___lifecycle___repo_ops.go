package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/karlorz/cmux-sub003/internal/authz"
	"github.com/karlorz/cmux-sub003/internal/credential"
	"github.com/karlorz/cmux-sub003/internal/githubapp"
	"github.com/karlorz/cmux-sub003/internal/provider"
)

// RepoPath is one git checkout discovered under a workspace, per
// `/sandboxes/{id}/discover-repos`.
type RepoPath struct {
	Path string
	Repo string
}

// DiscoverRepos walks the workspace for git checkouts up to a shallow
// depth and reads each one's origin remote, reporting the distinct
// owner/repo slugs found.
func (c *Controller) DiscoverRepos(ctx context.Context, instanceID, workspacePath string) ([]string, []RepoPath, error) {
	client, _, err := c.providers.ForInstance(instanceID)
	if err != nil {
		return nil, nil, err
	}
	if workspacePath == "" {
		workspacePath = defaultWorkspace
	}
	res, err := client.Exec(ctx, instanceID, []string{"find", workspacePath, "-maxdepth", "3", "-name", ".git", "-type", "d"}, provider.ExecOptions{Timeout: 10 * time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("lifecycle: discover repos: %w", err)
	}
	var paths []RepoPath
	seen := map[string]struct{}{}
	var repos []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		gitDir := strings.TrimSpace(line)
		if gitDir == "" {
			continue
		}
		checkout := strings.TrimSuffix(gitDir, "/.git")
		remote, err := client.Exec(ctx, instanceID, []string{"git", "-C", checkout, "remote", "get-url", "origin"}, provider.ExecOptions{Timeout: 5 * time.Second})
		repo := ""
		if err == nil {
			repo = repoSlugFromRemote(strings.TrimSpace(remote.Stdout))
		}
		paths = append(paths, RepoPath{Path: checkout, Repo: repo})
		if repo != "" {
			if _, ok := seen[repo]; !ok {
				seen[repo] = struct{}{}
				repos = append(repos, repo)
			}
		}
	}
	return repos, paths, nil
}

func repoSlugFromRemote(remote string) string {
	remote = strings.TrimSuffix(remote, ".git")
	if i := strings.Index(remote, "@"); i >= 0 && strings.Contains(remote, ":") && !strings.Contains(remote, "://") {
		// scp-like syntax: git@github.com:owner/repo
		parts := strings.SplitN(remote, ":", 2)
		if len(parts) == 2 {
			return strings.Trim(parts[1], "/")
		}
	}
	if u, err := url.Parse(remote); err == nil && u.Host != "" && u.Path != "" {
		return strings.Trim(u.Path, "/")
	}
	return ""
}

// RefreshGitHubAuth re-installs code-host CLI auth into an already
// running container, per §4.2 step 4's preconditions: the container
// must be running, and the caller must be both a team member and the
// run's owner.
func (c *Controller) RefreshGitHubAuth(ctx context.Context, caller authz.Caller, run RunLocator, req RefreshAuthRequest) error {
	if c.authorizer != nil {
		if d := c.authorizer.CheckRunScoped(caller, authz.RunOwnership{UserID: run.UserID, TeamID: run.TeamID}, true); d != authz.Allow {
			return fmt.Errorf("lifecycle: refresh-github-auth %s", d)
		}
	}
	client, _, err := c.providers.ForInstance(run.InstanceID)
	if err != nil {
		return err
	}
	inst, err := client.Get(ctx, run.InstanceID)
	if err != nil {
		return fmt.Errorf("lifecycle: load instance %s: %w", run.InstanceID, err)
	}
	if inst.Status != provider.StatusRunning {
		return fmt.Errorf("lifecycle: refresh-github-auth: instance %s is not running", run.InstanceID)
	}
	broker := credential.New(c.githubApp, c.githubResolv, client)
	cred, err := broker.Resolve(ctx, req.InstallationID, req.Owner, githubapp.WritableContents(), githubapp.OAuthToken{Value: req.OAuthToken})
	if err != nil {
		return fmt.Errorf("lifecycle: resolve github credential: %w", err)
	}
	if cred.Token == "" {
		return fmt.Errorf("lifecycle: no credential available to refresh")
	}
	return broker.Refresh(ctx, credential.InstallRequest{
		InstanceID: run.InstanceID,
		Host:       "github.com",
		Token:      cred.Token,
		GitName:    req.GitName,
		GitEmail:   req.GitEmail,
	})
}

// RunLocator is the subset of a task run a run-scoped operation outside
// the core pause/resume/force-wake family needs.
type RunLocator struct {
	InstanceID string
	UserID     string
	TeamID     string
}

// RefreshAuthRequest carries the optional fields a refresh-github-auth
// call may supply.
type RefreshAuthRequest struct {
	InstallationID int64
	Owner          string
	OAuthToken     string
	GitName        string
	GitEmail       string
}

// SSHResult is the `/sandboxes/{id}/ssh` response shape.
type SSHResult struct {
	InstanceID  string
	SSHCommand  string
	AccessToken string
	User        string
	Status      provider.Status
}

const sshUser = "cmux"

// SSH issues a one-time access token and the command a caller can run
// to reach the instance's terminal over the worker's SSH-over-HTTP
// proxy, per `/sandboxes/{id}/ssh`.
func (c *Controller) SSH(ctx context.Context, instanceID string) (SSHResult, error) {
	client, _, err := c.providers.ForInstance(instanceID)
	if err != nil {
		return SSHResult{}, err
	}
	inst, err := client.Get(ctx, instanceID)
	if err != nil {
		return SSHResult{}, fmt.Errorf("lifecycle: load instance %s: %w", instanceID, err)
	}
	workerSvc, _ := inst.Service("worker")
	host := hostFromURL(workerSvc.URL)
	token := ephemeralToken()
	return SSHResult{
		InstanceID:  instanceID,
		SSHCommand:  fmt.Sprintf("ssh %s@%s", sshUser, host),
		AccessToken: token,
		User:        sshUser,
		Status:      inst.Status,
	}, nil
}

func hostFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func ephemeralToken() string {
	var b [18]byte
	_, _ = rand.Read(b[:])
	return "ssh_" + base64.RawURLEncoding.EncodeToString(b[:])
}


