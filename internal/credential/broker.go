// Package credential mints code-host installation tokens and installs
// them into a running sandbox's git/CLI configuration, the in-container
// counterpart of the out-of-container token minting in internal/githubapp.
package credential

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/karlorz/cmux-sub003/internal/githubapp"
	"github.com/karlorz/cmux-sub003/internal/provider"
)

const (
	cliConfigDir  = "~/.config/gh"
	retryAttempts = 5
	retryBase     = time.Second
	retryCap      = 5 * time.Second
)

// Broker composes the out-of-container token minter with in-container
// installation, per §4.2.
type Broker struct {
	app      App
	resolver *githubapp.Resolver
	client   provider.SandboxInstance
	sleep    func(time.Duration)
}

// App is the subset of *githubapp.App this package depends on.
type App interface {
	Mint(ctx context.Context, req githubapp.MintRequest) (githubapp.InstallationToken, error)
}

func New(app App, resolver *githubapp.Resolver, client provider.SandboxInstance) *Broker {
	return &Broker{app: app, resolver: resolver, client: client, sleep: time.Sleep}
}

// Mint mints a short-lived installation token, step 1 of §4.2.
func (b *Broker) Mint(ctx context.Context, req githubapp.MintRequest) (githubapp.InstallationToken, error) {
	return b.app.Mint(ctx, req)
}

// Resolve picks the best token for a repo, step 3 of §4.2.
func (b *Broker) Resolve(ctx context.Context, installationID int64, owner string, perms githubapp.Permissions, oauth githubapp.OAuthToken) (githubapp.ResolvedCredential, error) {
	return b.resolver.Resolve(ctx, installationID, owner, perms, oauth)
}

// InstallRequest describes what to install into one running sandbox.
type InstallRequest struct {
	InstanceID string
	Host       string // code-host hostname, e.g. "github.com"
	Token      string
	GitName    string
	GitEmail   string
}

// Install implements §4.2 step 2: remove any existing CLI config, create
// a fresh directory, pipe the token through the CLI's login flow, run
// `auth setup-git`, and overwrite the git credential-helper keys used by
// non-interactive git. Retries up to 5 times with exponential backoff
// (base 1s, cap 5s) before failing.
func (b *Broker) Install(ctx context.Context, req InstallRequest) error {
	var lastErr error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			b.sleep(delay)
			delay *= 2
			if delay > retryCap {
				delay = retryCap
			}
		}
		if err := b.installOnce(ctx, req); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("credential: install auth after %d attempts: %w", retryAttempts, lastErr)
}

func (b *Broker) installOnce(ctx context.Context, req InstallRequest) error {
	steps := [][]string{
		{"rm", "-rf", cliConfigDir},
		{"mkdir", "-p", cliConfigDir},
		{"sh", "-c", "echo " + shellQuote(req.Token) + " | gh auth login --hostname " + shellQuote(req.Host) + " --with-token"},
		{"gh", "auth", "setup-git", "--hostname", req.Host},
		{"git", "config", "--global", "credential.helper", ""},
		{"git", "config", "--global", "--add", "credential.helper", "!gh auth git-credential"},
		{"git", "config", "--global", "credential.https://" + req.Host + ".helper", ""},
	}
	for _, cmd := range steps {
		res, err := b.client.Exec(ctx, req.InstanceID, cmd, provider.ExecOptions{Timeout: 15 * time.Second})
		if err != nil {
			return fmt.Errorf("exec %v: %w", cmd[0], err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%v exited %d: %s", cmd[0], res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}
	if req.GitName != "" {
		if _, err := b.client.Exec(ctx, req.InstanceID, []string{"git", "config", "--global", "user.name", req.GitName}, provider.ExecOptions{Timeout: 5 * time.Second}); err != nil {
			return err
		}
	}
	if req.GitEmail != "" {
		if _, err := b.client.Exec(ctx, req.InstanceID, []string{"git", "config", "--global", "user.email", req.GitEmail}, provider.ExecOptions{Timeout: 5 * time.Second}); err != nil {
			return err
		}
	}
	identitySteps := [][]string{
		{"git", "config", "--global", "init.defaultBranch", "main"},
		{"git", "config", "--global", "push.autoSetupRemote", "true"},
	}
	for _, cmd := range identitySteps {
		if _, err := b.client.Exec(ctx, req.InstanceID, cmd, provider.ExecOptions{Timeout: 5 * time.Second}); err != nil {
			return err
		}
	}
	return nil
}

// Refresh re-runs Install against an already-running container. The
// caller is responsible for the precondition check in §4.2 step 4
// (container running, caller is team member and run owner) before
// invoking this.
func (b *Broker) Refresh(ctx context.Context, req InstallRequest) error {
	return b.Install(ctx, req)
}

// DoctorProbe is a read-only, internal-only rate-limit health check; it
// is never reachable over HTTP, only used for operational diagnostics.
type DoctorProbe struct {
	app *githubapp.App
}

func NewDoctorProbe(app *githubapp.App) *DoctorProbe {
	return &DoctorProbe{app: app}
}

// RateLimitOK mints a throwaway read-only token for the installation and
// reports whether the mint itself succeeded, as a coarse health signal.
func (p *DoctorProbe) RateLimitOK(ctx context.Context, installationID int64) (bool, error) {
	if p == nil || p.app == nil {
		return false, fmt.Errorf("credential: doctor probe not configured")
	}
	_, err := p.app.Mint(ctx, githubapp.MintRequest{
		InstallationID: installationID,
		Permissions:    githubapp.Permissions{Metadata: "read"},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
