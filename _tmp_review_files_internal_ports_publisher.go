// Package ports reconciles an environment's desired set of exposed HTTP
// ports against a running instance's actual published services, the
// same converge-toward-desired-state pattern used to reconcile a dyad's
// declared network.
package ports

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/karlorz/cmux-sub003/internal/provider"
	"github.com/karlorz/cmux-sub003/internal/store"
)

const devcontainerPath = "/root/workspace/.devcontainer/devcontainer.json"

const userServicePrefix = "port-"

// DesiredPorts implements §4.7's desired-set rule: the environment's
// explicit exposedPorts if non-empty, else the devcontainer's
// forwardPorts, with reserved ports filtered and the result canonicalized.
func DesiredPorts(ctx context.Context, client provider.SandboxInstance, instanceID string, exposedPorts []int) ([]int, error) {
	var raw []int
	if len(exposedPorts) > 0 {
		raw = exposedPorts
	} else {
		fromDevcontainer, err := readForwardPorts(ctx, client, instanceID)
		if err != nil {
			return nil, err
		}
		raw = fromDevcontainer
	}
	return canonicalize(raw), nil
}

func canonicalize(ports []int) []int {
	seen := map[int]struct{}{}
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if provider.IsReservedPort(p) {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

type devcontainerConfig struct {
	ForwardPorts []json.RawMessage `json:"forwardPorts"`
}

var portPairPattern = regexp.MustCompile(`^(\d+):(\d+)$`)

func readForwardPorts(ctx context.Context, client provider.SandboxInstance, instanceID string) ([]int, error) {
	res, err := client.Exec(ctx, instanceID, []string{"cat", devcontainerPath}, provider.ExecOptions{})
	if err != nil {
		return nil, fmt.Errorf("ports: read devcontainer config: %w", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) == "" {
		return nil, nil
	}
	var cfg devcontainerConfig
	if err := json.Unmarshal([]byte(res.Stdout), &cfg); err != nil {
		return nil, nil
	}
	out := make([]int, 0, len(cfg.ForwardPorts))
	for _, raw := range cfg.ForwardPorts {
		if n, err := strconv.Atoi(strings.TrimSpace(strings.Trim(string(raw), `"`))); err == nil {
			out = append(out, n)
			continue
		}
		s := strings.Trim(string(raw), `"`)
		if m := portPairPattern.FindStringSubmatch(s); m != nil {
			if n, err := strconv.Atoi(m[2]); err == nil {
				out = append(out, n)
			}
		}
	}
	return out, nil
}

// Reconciliation is what Reconcile changed, for logging/testing.
type Reconciliation struct {
	Hidden  []int
	Exposed []int
	Errors  []error
}

// Publisher reconciles a sandbox's exposed ports toward a desired set.
type Publisher struct {
	providers *provider.Registry
	store     *store.Store
}

func New(providers *provider.Registry, st *store.Store) *Publisher {
	return &Publisher{providers: providers, store: st}
}

// Reconcile implements §4.7: hide services outside the desired set,
// expose the ones missing, refresh the canonical state only for the
// microVM back-end, and persist the resulting service list onto the
// task run.
func (p *Publisher) Reconcile(ctx context.Context, instanceID, taskRunID string, desired []int) (Reconciliation, error) {
	client, kind, err := p.providers.ForInstance(instanceID)
	if err != nil {
		return Reconciliation{}, err
	}
	inst, err := client.Get(ctx, instanceID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("ports: load instance: %w", err)
	}

	desiredSet := map[int]struct{}{}
	for _, p := range desired {
		desiredSet[p] = struct{}{}
	}

	var result Reconciliation
	for _, svc := range inst.Services {
		if !strings.HasPrefix(svc.Name, userServicePrefix) || provider.IsReservedPort(svc.Port) {
			continue
		}
		if _, wanted := desiredSet[svc.Port]; wanted {
			continue
		}
		if err := client.HideHTTPService(ctx, instanceID, svc.Name); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("hide %s: %w", svc.Name, err))
			continue
		}
		result.Hidden = append(result.Hidden, svc.Port)
	}

	existing := map[int]struct{}{}
	for _, svc := range inst.Services {
		existing[svc.Port] = struct{}{}
	}
	for _, port := range desired {
		if _, already := existing[port]; already {
			continue
		}
		name := fmt.Sprintf("%s%d", userServicePrefix, port)
		if err := client.ExposeHTTPService(ctx, instanceID, name, port); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("expose %s: %w", name, err))
			continue
		}
		result.Exposed = append(result.Exposed, port)
	}

	if provider.RefreshesOnMutate(kind) {
		refreshed, err := client.Get(ctx, instanceID)
		if err == nil {
			inst = refreshed
		}
	} else {
		inst, _ = applyLocalDelta(inst, result, userServicePrefix)
	}

	if taskRunID != "" {
		services := make([]store.NetworkService, 0, len(inst.Services))
		for _, svc := range inst.Services {
			services = append(services, store.NetworkService{Status: "running", Port: svc.Port, URL: svc.URL})
		}
		if err := p.store.Update("taskRuns.updateNetworking", nil, taskRunID, services); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("persist networking: %w", err))
		}
	}

	if len(result.Errors) > 0 {
		return result, fmt.Errorf("ports: %d reconciliation error(s)", len(result.Errors))
	}
	return result, nil
}

// applyLocalDelta approximates the post-mutation service list for a
// back-end whose exposeHttpService/hideHttpService update in-memory
// state that a Get() refresh would otherwise discard (§4.7's "skip
// refresh for LXC" rule).
func applyLocalDelta(inst provider.Instance, r Reconciliation, prefix string) (provider.Instance, error) {
	hidden := map[int]struct{}{}
	for _, p := range r.Hidden {
		hidden[p] = struct{}{}
	}
	kept := make([]provider.HTTPService, 0, len(inst.Services))
	for _, svc := range inst.Services {
		if _, wasHidden := hidden[svc.Port]; wasHidden {
			continue
		}
		kept = append(kept, svc)
	}
	for _, port := range r.Exposed {
		kept = append(kept, provider.HTTPService{Name: fmt.Sprintf("%s%d", prefix, port), Port: port})
	}
	inst.Services = kept
	return inst, nil
}


