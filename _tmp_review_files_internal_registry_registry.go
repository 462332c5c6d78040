// Package registry is the typed façade over internal/store's named-query
// dispatch for everything the Lifecycle Controller needs from an
// environment or its snapshot-version history: creation, versioning, and
// deletion, composed with the secret vault and the provider adapter.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/karlorz/cmux-sub003/internal/config"
	"github.com/karlorz/cmux-sub003/internal/provider"
	"github.com/karlorz/cmux-sub003/internal/secretvault"
	"github.com/karlorz/cmux-sub003/internal/store"
)

// ErrProviderMismatch is returned when a caller-provided instance's
// inferred provider does not match the active provider, per §4.6 step 2.
var ErrProviderMismatch = fmt.Errorf("registry: instance provider does not match active provider")

// protectedPresetVmids lists templateVmid values that must never be
// deleted by the teardown path even when numerically >= 200 — the
// operator-provisioned base images every environment is ultimately
// derived from.
var protectedPresetVmids = map[int]struct{}{
	200: {},
	201: {},
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

// CleanupCommands is the snapshot-cleanup command bundle of §4.6, run
// inside an instance before every snapshot. It is append-only and
// ordered: processes before credentials before browser locks.
func CleanupCommands() [][]string {
	return [][]string{
		{"sh", "-c", "cmux-term-ctl list-sessions | xargs -r -n1 cmux-term-ctl kill-session"},
		{"sh", "-c", "pkill -TERM -f 'tmux new-session' || true"},
		{"sh", "-c", "pkill -9 -f 'node|bun|vite|esbuild|next|python3?' || true"},
		{"sh", "-c", devPortKillCommand()},
		{"git", "config", "--global", "--unset-all", "user.name"},
		{"git", "config", "--global", "--unset-all", "user.email"},
		{"git", "config", "--global", "--unset-all", "credential.helper"},
		{"gh", "auth", "logout", "--hostname", "github.com"},
		{"sh", "-c", "rm -f ~/.config/google-chrome*/SingletonLock ~/.config/chromium*/SingletonLock"},
	}
}

func devPortKillCommand() string {
	ports := []int{3000, 3001, 3002, 3003, 4000, 5000, 5173, 5174, 8000, 8080, 8888}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprintf("fuser -k %d/tcp", p)
	}
	return strings.Join(parts, " || true; ") + " || true"
}

// CreateRequest describes a new environment, per §4.6.
type CreateRequest struct {
	TeamID            string
	Name              string
	InstanceID        string
	EnvVarsContent    string
	SelectedRepos     []string
	MaintenanceScript string
	DevScript         string
	ExposedPorts      []int
}

type Registry struct {
	store     *store.Store
	vault     *secretvault.Store
	providers *provider.Registry
	cfg       config.Config
	idgen     func() string
}

func New(st *store.Store, vault *secretvault.Store, providers *provider.Registry, cfg config.Config, idgen func() string) *Registry {
	return &Registry{store: st, vault: vault, providers: providers, cfg: cfg, idgen: idgen}
}

// Create implements §4.6's create-environment sequence.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (store.Environment, error) {
	active, _ := r.cfg.ResolveProvider()
	instanceKind, ok := provider.Detect(req.InstanceID)
	if !ok || instanceKind != kindForProvider(active) {
		return store.Environment{}, ErrProviderMismatch
	}
	client, err := r.providers.For(instanceKind)
	if err != nil {
		return store.Environment{}, err
	}

	if err := r.ensureRunning(ctx, client, req.InstanceID); err != nil {
		return store.Environment{}, err
	}
	if err := runCleanupBundle(ctx, client, req.InstanceID); err != nil {
		return store.Environment{}, fmt.Errorf("registry: snapshot-cleanup bundle: %w", err)
	}
	snapshotID, templateRef, err := client.Snapshot(ctx, req.InstanceID)
	if err != nil {
		return store.Environment{}, fmt.Errorf("registry: snapshot instance: %w", err)
	}

	vaultKey := secretvault.NewKey()
	if err := r.vault.SetValue("envVars", vaultKey, req.EnvVarsContent); err != nil {
		return store.Environment{}, fmt.Errorf("registry: persist env vars: %w", err)
	}

	env := store.Environment{
		ID:                r.idgen(),
		TeamID:            req.TeamID,
		Name:              req.Name,
		SnapshotID:        snapshotID,
		SnapshotProvider:  string(active),
		TemplateVmid:      templateVmidHint(templateRef),
		DataVaultKey:      vaultKey,
		SelectedRepos:     req.SelectedRepos,
		MaintenanceScript: req.MaintenanceScript,
		DevScript:         req.DevScript,
		ExposedPorts:      req.ExposedPorts,
	}
	var created store.Environment
	if err := r.store.Update("environments.create", &created, env); err != nil {
		return store.Environment{}, fmt.Errorf("registry: persist environment: %w", err)
	}
	return created, nil
}

// CreateSnapshotVersion appends a new version using the same
// cleanup-then-snapshot sequence as Create.
func (r *Registry) CreateSnapshotVersion(ctx context.Context, environmentID, instanceID, createdByUserID string, activate bool) (store.SnapshotVersion, error) {
	active, _ := r.cfg.ResolveProvider()
	instanceKind, ok := provider.Detect(instanceID)
	if !ok {
		return store.SnapshotVersion{}, fmt.Errorf("registry: unrecognized instance id %q", instanceID)
	}
	client, err := r.providers.For(instanceKind)
	if err != nil {
		return store.SnapshotVersion{}, err
	}
	if err := runCleanupBundle(ctx, client, instanceID); err != nil {
		return store.SnapshotVersion{}, fmt.Errorf("registry: snapshot-cleanup bundle: %w", err)
	}
	snapshotID, templateRef, err := client.Snapshot(ctx, instanceID)
	if err != nil {
		return store.SnapshotVersion{}, fmt.Errorf("registry: snapshot instance: %w", err)
	}

	version := store.SnapshotVersion{
		ID:               r.idgen(),
		EnvironmentID:    environmentID,
		SnapshotID:       snapshotID,
		SnapshotProvider: string(active),
		TemplateVmid:     templateVmidHint(templateRef),
		CreatedByUserID:  createdByUserID,
		IsActive:         activate,
	}
	var created store.SnapshotVersion
	if err := r.store.Update("environmentSnapshots.create", &created, version); err != nil {
		return store.SnapshotVersion{}, fmt.Errorf("registry: persist snapshot version: %w", err)
	}
	return created, nil
}

// ActivateVersion sets isActive on the target version and clears it on
// siblings, atomically at the store layer.
func (r *Registry) ActivateVersion(environmentID, versionID string) (store.SnapshotVersion, error) {
	version, found, err := r.store.ActivateSnapshotVersion(environmentID, versionID)
	if err != nil {
		return store.SnapshotVersion{}, err
	}
	if !found {
		return store.SnapshotVersion{}, fmt.Errorf("registry: version %q not found under environment %q", versionID, environmentID)
	}
	return version, nil
}

// Delete implements §4.6's delete-environment teardown: for the
// self-hosted provider, gather every templateVmid referenced by the
// environment or any of its snapshot versions, skip protected or
// below-200 ids, and delete each template, tolerating 404s. The
// environment record is removed only after every template deletion
// succeeds (or was skipped).
func (r *Registry) Delete(ctx context.Context, environmentID string) error {
	env, found, err := r.store.GetEnvironment(environmentID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if kindForProvider(config.Provider(env.SnapshotProvider)) == provider.KindPveLXC {
		versions, err := r.store.ListSnapshotVersions(environmentID)
		if err != nil {
			return err
		}
		vmids := map[int]struct{}{}
		if env.TemplateVmid != 0 {
			vmids[env.TemplateVmid] = struct{}{}
		}
		for _, v := range versions {
			if v.TemplateVmid != 0 {
				vmids[v.TemplateVmid] = struct{}{}
			}
		}

		client, err := r.providers.For(provider.KindPveLXC)
		if err == nil {
			deleter, ok := client.(provider.TemplateDeleter)
			if ok {
				for vmid := range vmids {
					if vmid < 200 {
						continue
					}
					if _, protected := protectedPresetVmids[vmid]; protected {
						continue
					}
					if err := deleter.DeleteTemplate(ctx, templateRef(vmid)); err != nil {
						return fmt.Errorf("registry: delete template %d: %w", vmid, err)
					}
				}
			}
		}
	}

	var removed bool
	if err := r.store.Update("environments.remove", &removed, environmentID); err != nil {
		return err
	}
	return nil
}

func (r *Registry) ensureRunning(ctx context.Context, client provider.SandboxInstance, instanceID string) error {
	inst, err := client.Get(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("registry: load instance %s: %w", instanceID, err)
	}
	if inst.Status == provider.StatusRunning {
		return nil
	}
	return client.Resume(ctx, instanceID)
}

func runCleanupBundle(ctx context.Context, client provider.SandboxInstance, instanceID string) error {
	for _, cmd := range CleanupCommands() {
		if _, err := client.Exec(ctx, instanceID, cmd, provider.ExecOptions{Timeout: 10 * time.Second}); err != nil {
			return err
		}
	}
	return nil
}

// templateRef maps a stored numeric vmid onto the self-hosted provider's
// image-tag addressing scheme.
func templateRef(vmid int) string {
	return fmt.Sprintf("cmux-template:%d", vmid)
}

// templateVmidHint best-effort extracts a trailing numeric suffix from a
// provider-returned template reference, so the store's inherited
// Proxmox-shaped `templateVmid int` field still carries something
// meaningful for the self-hosted back-end. A non-numeric or absent
// suffix (always true for the microVM provider, whose template ids are
// opaque strings) leaves the field unset.
func templateVmidHint(ref string) int {
	idx := strings.LastIndexByte(ref, '-')
	if idx < 0 || idx == len(ref)-1 {
		return 0
	}
	suffix := ref[idx+1:]
	n := 0
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}


