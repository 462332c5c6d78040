// Package snapshot implements the Snapshot Resolver: it maps a tenant
// plus optional environment/snapshot identifiers to a concrete
// (provider, snapshotId, templateId?) tuple, enforcing per-tenant
// ownership of custom snapshots along the way.
package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/karlorz/cmux-sub003/internal/config"
	"github.com/karlorz/cmux-sub003/internal/store"
)

// ErrForbidden is returned when the caller is not a tenant member, or
// when a snapshot id resolves to a tenant other than the caller's.
var ErrForbidden = fmt.Errorf("snapshot: forbidden")

// ErrProviderUnavailable is returned when the resolved provider has no
// configured credentials.
var ErrProviderUnavailable = fmt.Errorf("snapshot: provider unavailable")

// Resolution is the tuple the Lifecycle Controller composes against.
type Resolution struct {
	Provider          config.Provider
	SnapshotID        string
	TemplateID        string
	DataVaultKey      string
	MaintenanceScript string
	DevScript         string
	SelectedRepos     []string
}

// DefaultSnapshot describes a provider-default, tenant-independent
// image; the known-defaults table §4.3 refers to.
type DefaultSnapshot struct {
	SnapshotID string
	Provider   config.Provider
}

// TenantChecker verifies tenant membership; the concrete membership
// store lives outside this package's scope per spec.md §1.
type TenantChecker interface {
	IsMember(ctx context.Context, userID, tenantID string) (bool, error)
}

type Resolver struct {
	store       *store.Store
	cfg         config.Config
	tenants     TenantChecker
	knownByID   map[string]DefaultSnapshot // explicit snapshot id -> default entry
	providerDef map[config.Provider]string // provider -> its default snapshot id
}

func New(st *store.Store, cfg config.Config, tenants TenantChecker, known []DefaultSnapshot) *Resolver {
	r := &Resolver{
		store:       st,
		cfg:         cfg,
		tenants:     tenants,
		knownByID:   make(map[string]DefaultSnapshot, len(known)),
		providerDef: make(map[config.Provider]string),
	}
	for _, k := range known {
		r.knownByID[k.SnapshotID] = k
		if _, ok := r.providerDef[k.Provider]; !ok {
			r.providerDef[k.Provider] = k.SnapshotID
		}
	}
	return r
}

// Resolve implements the five-step algorithm of spec.md §4.3.
func (r *Resolver) Resolve(ctx context.Context, userID, tenantID, environmentID, snapshotID string) (Resolution, error) {
	isMember, err := r.tenants.IsMember(ctx, userID, tenantID)
	if err != nil {
		return Resolution{}, fmt.Errorf("snapshot: check membership: %w", err)
	}
	if !isMember {
		return Resolution{}, ErrForbidden
	}

	activeProvider, _ := r.cfg.ResolveProvider()
	if !r.hasCredentials(activeProvider) {
		return Resolution{}, ErrProviderUnavailable
	}

	if environmentID != "" {
		return r.resolveFromEnvironment(tenantID, environmentID, activeProvider)
	}
	if snapshotID != "" {
		return r.resolveFromSnapshotID(tenantID, snapshotID, activeProvider)
	}
	return r.resolveProviderDefault(activeProvider)
}

func (r *Resolver) hasCredentials(p config.Provider) bool {
	switch p {
	case config.ProviderMorph:
		return strings.TrimSpace(r.cfg.MorphAPIKey) != ""
	case config.ProviderPveLXC, config.ProviderPveVM:
		return strings.TrimSpace(r.cfg.PveLXCBaseURL) != "" && strings.TrimSpace(r.cfg.PveLXCToken) != ""
	default:
		return false
	}
}

func (r *Resolver) resolveFromEnvironment(tenantID, environmentID string, active config.Provider) (Resolution, error) {
	got, found, err := r.store.GetEnvironment(environmentID)
	if err != nil {
		return Resolution{}, fmt.Errorf("snapshot: load environment: %w", err)
	}
	if !found {
		return Resolution{}, fmt.Errorf("%w: environment not found", ErrForbidden)
	}
	if got.TeamID != tenantID {
		return Resolution{}, ErrForbidden
	}

	provider := active
	if got.SnapshotProvider != "" {
		provider = config.Provider(got.SnapshotProvider)
	} else if def, ok := r.knownByID[got.SnapshotID]; ok {
		provider = def.Provider
	}

	return Resolution{
		Provider:          provider,
		SnapshotID:        got.SnapshotID,
		TemplateID:        templateIDString(got.TemplateVmid),
		DataVaultKey:      got.DataVaultKey,
		MaintenanceScript: got.MaintenanceScript,
		DevScript:         got.DevScript,
		SelectedRepos:     got.SelectedRepos,
	}, nil
}

func templateIDString(vmid int) string {
	if vmid == 0 {
		return ""
	}
	return strconv.Itoa(vmid)
}

func (r *Resolver) resolveFromSnapshotID(tenantID, snapshotID string, active config.Provider) (Resolution, error) {
	if def, ok := r.knownByID[snapshotID]; ok {
		return Resolution{Provider: def.Provider, SnapshotID: def.SnapshotID}, nil
	}

	envs, err := r.store.ListEnvironments(tenantID)
	if err != nil {
		return Resolution{}, fmt.Errorf("snapshot: list environments: %w", err)
	}
	for _, env := range envs {
		if env.SnapshotID == snapshotID {
			provider := active
			if env.SnapshotProvider != "" {
				provider = config.Provider(env.SnapshotProvider)
			}
			return Resolution{
				Provider:          provider,
				SnapshotID:        env.SnapshotID,
				TemplateID:        templateIDString(env.TemplateVmid),
				DataVaultKey:      env.DataVaultKey,
				MaintenanceScript: env.MaintenanceScript,
				DevScript:         env.DevScript,
				SelectedRepos:     env.SelectedRepos,
			}, nil
		}
		versions, err := r.store.ListSnapshotVersions(env.ID)
		if err != nil {
			continue
		}
		for _, v := range versions {
			if v.SnapshotID != snapshotID {
				continue
			}
			if active != "" && v.SnapshotProvider != "" && config.Provider(v.SnapshotProvider) != active {
				continue
			}
			provider := active
			if v.SnapshotProvider != "" {
				provider = config.Provider(v.SnapshotProvider)
			}
			return Resolution{Provider: provider, SnapshotID: v.SnapshotID, TemplateID: templateIDString(v.TemplateVmid)}, nil
		}
	}
	return Resolution{}, ErrForbidden
}

func (r *Resolver) resolveProviderDefault(active config.Provider) (Resolution, error) {
	snapshotID, ok := r.providerDef[active]
	if !ok {
		return Resolution{}, fmt.Errorf("snapshot: no default snapshot configured for provider %s", active)
	}
	return Resolution{Provider: active, SnapshotID: snapshotID}, nil
}


