package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Store struct {
	mu   sync.RWMutex
	st   state
	path string
}

func NewStore(path string) (*Store, error) {
	s := &Store{path: strings.TrimSpace(path), st: newState()}
	if s.path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Query dispatches a named, read-only metadata-store operation. The
// recognized names mirror §6's collaborator contract.
func (s *Store) Query(name string, out any, args ...any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch name {
	case "environments.get":
		id, ok := arg0String(args)
		if !ok {
			return fmt.Errorf("environments.get expects an id argument")
		}
		env, found := s.st.Environments[id]
		return assign(out, getResult[Environment]{Value: env, Found: found})
	case "environments.list":
		teamID, _ := arg0String(args)
		out2 := make([]Environment, 0, len(s.st.Environments))
		for _, env := range s.st.Environments {
			if teamID != "" && env.TeamID != teamID {
				continue
			}
			out2 = append(out2, env)
		}
		return assign(out, out2)
	case "environmentSnapshots.list":
		envID, ok := arg0String(args)
		if !ok {
			return fmt.Errorf("environmentSnapshots.list expects an environmentId argument")
		}
		return assign(out, append([]SnapshotVersion(nil), s.st.SnapshotVersions[envID]...))
	case "environmentSnapshots.findBySnapshotId":
		snapshotID, ok := arg0String(args)
		if !ok {
			return fmt.Errorf("environmentSnapshots.findBySnapshotId expects a snapshotId argument")
		}
		for _, versions := range s.st.SnapshotVersions {
			for _, v := range versions {
				if v.SnapshotID == snapshotID {
					return assign(out, getResult[SnapshotVersion]{Value: v, Found: true})
				}
			}
		}
		return assign(out, getResult[SnapshotVersion]{})
	case "sandboxInstances.getActivity":
		return assign(out, append([]SandboxActivity(nil), s.st.Activity...))
	case "taskRuns.get":
		id, ok := arg0String(args)
		if !ok {
			return fmt.Errorf("taskRuns.get expects an id argument")
		}
		run, found := s.st.TaskRuns[id]
		return assign(out, getResult[TaskRun]{Value: run, Found: found})
	case "workspaceConfigs.get":
		repo, ok := arg0String(args)
		if !ok {
			return fmt.Errorf("workspaceConfigs.get expects a repo argument")
		}
		cfg, found := s.st.WorkspaceConfigs[repo]
		return assign(out, getResult[WorkspaceConfig]{Value: cfg, Found: found})
	case "apiKeys.getAll":
		teamID, _ := arg0String(args)
		out2 := make([]APIKey, 0, len(s.st.APIKeys))
		for _, k := range s.st.APIKeys {
			if teamID != "" && k.TeamID != teamID {
				continue
			}
			out2 = append(out2, k)
		}
		return assign(out, out2)
	case "apiKeys.getAllForAgents":
		return assign(out, append([]APIKey(nil), s.st.APIKeys...))
	case "github.listProviderConnections":
		teamID, _ := arg0String(args)
		out2 := make([]GithubConnection, 0, len(s.st.GithubConnections))
		for _, c := range s.st.GithubConnections {
			if teamID != "" && c.TeamID != teamID {
				continue
			}
			out2 = append(out2, c)
		}
		return assign(out, out2)
	default:
		return fmt.Errorf("unknown query: %s", name)
	}
}

// Update dispatches a named mutation. The recognized names mirror §6's
// collaborator contract.
func (s *Store) Update(name string, out any, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	switch name {
	case "environments.create":
		env, ok := args[0].(Environment)
		if !ok {
			return fmt.Errorf("environments.create expects an Environment")
		}
		env.CreatedAt, env.UpdatedAt = now, now
		s.st.Environments[env.ID] = env
		if err := assign(out, env); err != nil {
			return err
		}
		return s.persistLocked()
	case "environments.update":
		env, ok := args[0].(Environment)
		if !ok {
			return fmt.Errorf("environments.update expects an Environment")
		}
		existing, found := s.st.Environments[env.ID]
		if !found {
			return assign(out, getResult[Environment]{})
		}
		env.CreatedAt = existing.CreatedAt
		env.UpdatedAt = now
		s.st.Environments[env.ID] = env
		if err := assign(out, getResult[Environment]{Value: env, Found: true}); err != nil {
			return err
		}
		return s.persistLocked()
	case "environments.updateExposedPorts":
		id, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("environments.updateExposedPorts expects an id")
		}
		ports, ok := args[1].([]int)
		if !ok {
			return fmt.Errorf("environments.updateExposedPorts expects a []int")
		}
		env, found := s.st.Environments[id]
		if !found {
			return assign(out, getResult[Environment]{})
		}
		env.ExposedPorts = ports
		env.UpdatedAt = now
		s.st.Environments[id] = env
		if err := assign(out, getResult[Environment]{Value: env, Found: true}); err != nil {
			return err
		}
		return s.persistLocked()
	case "environments.remove":
		id, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("environments.remove expects an id")
		}
		_, found := s.st.Environments[id]
		delete(s.st.Environments, id)
		delete(s.st.SnapshotVersions, id)
		if err := assign(out, found); err != nil {
			return err
		}
		return s.persistLocked()
	case "environmentSnapshots.create":
		v, ok := args[0].(SnapshotVersion)
		if !ok {
			return fmt.Errorf("environmentSnapshots.create expects a SnapshotVersion")
		}
		existing := s.st.SnapshotVersions[v.EnvironmentID]
		max := 0
		for _, e := range existing {
			if e.Version > max {
				max = e.Version
			}
		}
		v.Version = max + 1
		v.CreatedAt = now
		if v.IsActive {
			for i := range existing {
				existing[i].IsActive = false
			}
		}
		existing = append(existing, v)
		s.st.SnapshotVersions[v.EnvironmentID] = existing
		if err := assign(out, v); err != nil {
			return err
		}
		return s.persistLocked()
	case "environmentSnapshots.activate":
		envID, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("environmentSnapshots.activate expects an environmentId")
		}
		versionID, ok := args[1].(string)
		if !ok {
			return fmt.Errorf("environmentSnapshots.activate expects a versionId")
		}
		versions := s.st.SnapshotVersions[envID]
		var activated SnapshotVersion
		found := false
		for i := range versions {
			if versions[i].ID == versionID {
				versions[i].IsActive = true
				activated = versions[i]
				found = true
			} else {
				versions[i].IsActive = false
			}
		}
		s.st.SnapshotVersions[envID] = versions
		if err := assign(out, getResult[SnapshotVersion]{Value: activated, Found: found}); err != nil {
			return err
		}
		return s.persistLocked()
	case "sandboxInstances.recordCreate":
		rec, ok := args[0].(SandboxActivity)
		if !ok {
			return fmt.Errorf("sandboxInstances.recordCreate expects a SandboxActivity")
		}
		rec.Kind = "create"
		rec.At = now
		s.st.Activity = append(s.st.Activity, rec)
		return s.persistLocked()
	case "sandboxInstances.recordResume":
		rec, ok := args[0].(SandboxActivity)
		if !ok {
			return fmt.Errorf("sandboxInstances.recordResume expects a SandboxActivity")
		}
		rec.Kind = "resume"
		rec.At = now
		s.st.Activity = append(s.st.Activity, rec)
		return s.persistLocked()
	case "taskRuns.updateVSCodeInstance":
		id, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("taskRuns.updateVSCodeInstance expects an id")
		}
		vscode, ok := args[1].(VSCodeInstance)
		if !ok {
			return fmt.Errorf("taskRuns.updateVSCodeInstance expects a VSCodeInstance")
		}
		run := s.st.TaskRuns[id]
		run.ID = id
		run.VSCode = vscode
		s.st.TaskRuns[id] = run
		return s.persistLocked()
	case "taskRuns.updateVSCodeStatus":
		id, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("taskRuns.updateVSCodeStatus expects an id")
		}
		status, ok := args[1].(string)
		if !ok {
			return fmt.Errorf("taskRuns.updateVSCodeStatus expects a status")
		}
		run := s.st.TaskRuns[id]
		run.ID = id
		run.VSCode.Status = status
		s.st.TaskRuns[id] = run
		return s.persistLocked()
	case "taskRuns.updateDiscoveredRepos":
		id, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("taskRuns.updateDiscoveredRepos expects an id")
		}
		repos, ok := args[1].([]string)
		if !ok {
			return fmt.Errorf("taskRuns.updateDiscoveredRepos expects []string")
		}
		run := s.st.TaskRuns[id]
		run.ID = id
		run.DiscoveredRepos = repos
		s.st.TaskRuns[id] = run
		return s.persistLocked()
	case "taskRuns.updateStartingCommitSha":
		id, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("taskRuns.updateStartingCommitSha expects an id")
		}
		sha, ok := args[1].(string)
		if !ok {
			return fmt.Errorf("taskRuns.updateStartingCommitSha expects a sha")
		}
		run := s.st.TaskRuns[id]
		run.ID = id
		run.StartingCommitSha = sha
		s.st.TaskRuns[id] = run
		return s.persistLocked()
	case "taskRuns.updateNetworking":
		id, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("taskRuns.updateNetworking expects an id")
		}
		services, ok := args[1].([]NetworkService)
		if !ok {
			return fmt.Errorf("taskRuns.updateNetworking expects []NetworkService")
		}
		run := s.st.TaskRuns[id]
		run.ID = id
		run.Networking = services
		s.st.TaskRuns[id] = run
		return s.persistLocked()
	case "taskRuns.updateEnvironmentError":
		id, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("taskRuns.updateEnvironmentError expects an id")
		}
		msg, ok := args[1].(string)
		if !ok {
			return fmt.Errorf("taskRuns.updateEnvironmentError expects a message")
		}
		run := s.st.TaskRuns[id]
		run.ID = id
		run.EnvironmentError = msg
		s.st.TaskRuns[id] = run
		return s.persistLocked()
	default:
		return fmt.Errorf("unknown update: %s", name)
	}
}

type getResult[T any] struct {
	Value T
	Found bool
}

// GetEnvironment is a typed convenience wrapper over the
// "environments.get" query, for callers outside this package that
// cannot name the unexported getResult type.
func (s *Store) GetEnvironment(id string) (Environment, bool, error) {
	var res getResult[Environment]
	if err := s.Query("environments.get", &res, id); err != nil {
		return Environment{}, false, err
	}
	return res.Value, res.Found, nil
}

// ListEnvironments is a typed convenience wrapper over the
// "environments.list" query.
func (s *Store) ListEnvironments(teamID string) ([]Environment, error) {
	var envs []Environment
	if err := s.Query("environments.list", &envs, teamID); err != nil {
		return nil, err
	}
	return envs, nil
}

// ListSnapshotVersions is a typed convenience wrapper over the
// "environmentSnapshots.list" query.
func (s *Store) ListSnapshotVersions(environmentID string) ([]SnapshotVersion, error) {
	var versions []SnapshotVersion
	if err := s.Query("environmentSnapshots.list", &versions, environmentID); err != nil {
		return nil, err
	}
	return versions, nil
}

// ActivateSnapshotVersion is a typed convenience wrapper over the
// "environmentSnapshots.activate" update.
func (s *Store) ActivateSnapshotVersion(environmentID, versionID string) (SnapshotVersion, bool, error) {
	var res getResult[SnapshotVersion]
	if err := s.Update("environmentSnapshots.activate", &res, environmentID, versionID); err != nil {
		return SnapshotVersion{}, false, err
	}
	return res.Value, res.Found, nil
}

// GetWorkspaceConfig is a typed convenience wrapper over the
// "workspaceConfigs.get" query.
func (s *Store) GetWorkspaceConfig(repo string) (WorkspaceConfig, bool, error) {
	var res getResult[WorkspaceConfig]
	if err := s.Query("workspaceConfigs.get", &res, repo); err != nil {
		return WorkspaceConfig{}, false, err
	}
	return res.Value, res.Found, nil
}

// UpdateEnvironment is a typed convenience wrapper over the
// "environments.update" mutation.
func (s *Store) UpdateEnvironment(env Environment) (Environment, bool, error) {
	var res getResult[Environment]
	if err := s.Update("environments.update", &res, env); err != nil {
		return Environment{}, false, err
	}
	return res.Value, res.Found, nil
}

// UpdateExposedPorts is a typed convenience wrapper over the
// "environments.updateExposedPorts" mutation.
func (s *Store) UpdateExposedPorts(id string, ports []int) (Environment, bool, error) {
	var res getResult[Environment]
	if err := s.Update("environments.updateExposedPorts", &res, id, ports); err != nil {
		return Environment{}, false, err
	}
	return res.Value, res.Found, nil
}

// GetTaskRun is a typed convenience wrapper over the "taskRuns.get" query.
func (s *Store) GetTaskRun(id string) (TaskRun, bool, error) {
	var res getResult[TaskRun]
	if err := s.Query("taskRuns.get", &res, id); err != nil {
		return TaskRun{}, false, err
	}
	return res.Value, res.Found, nil
}

func arg0String(args []any) (string, bool) {
	if len(args) == 0 {
		return "", true
	}
	v, ok := args[0].(string)
	return v, ok
}

func assign[T any](out any, value T) error {
	if out == nil {
		return nil
	}
	ptr, ok := out.(*T)
	if !ok {
		return fmt.Errorf("unexpected output type %T", out)
	}
	*ptr = value
	return nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	return json.Unmarshal(data, &s.st)
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(&s.st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}


