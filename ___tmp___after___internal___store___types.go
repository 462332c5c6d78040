// Package store is the durable metadata store collaborator: a
// mutex-guarded, JSON-file-backed table set addressed by named
// queries/mutations, exactly the shape of the named-operation contract
// the rest of the control plane calls against (environments.*,
// environmentSnapshots.*, sandboxInstances.*, taskRuns.*, apiKeys.*,
// github.*).
package store

import "time"

// Environment is the durable record behind §3's Environment entity.
type Environment struct {
	ID                string    `json:"id"`
	TeamID            string    `json:"teamId"`
	Name              string    `json:"name"`
	SnapshotID        string    `json:"snapshotId"`
	SnapshotProvider  string    `json:"snapshotProvider"`
	TemplateVmid      int       `json:"templateVmid,omitempty"`
	DataVaultKey      string    `json:"dataVaultKey,omitempty"`
	SelectedRepos     []string  `json:"selectedRepos,omitempty"`
	MaintenanceScript string    `json:"maintenanceScript,omitempty"`
	DevScript         string    `json:"devScript,omitempty"`
	ExposedPorts      []int     `json:"exposedPorts,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// SnapshotVersion is the append-only history element of an environment's
// snapshot, per §3.
type SnapshotVersion struct {
	ID                string    `json:"id"`
	EnvironmentID     string    `json:"environmentId"`
	Version           int       `json:"version"`
	SnapshotID        string    `json:"snapshotId"`
	SnapshotProvider  string    `json:"snapshotProvider"`
	TemplateVmid      int       `json:"templateVmid,omitempty"`
	CreatedByUserID   string    `json:"createdByUserId"`
	CreatedAt         time.Time `json:"createdAt"`
	Label             string    `json:"label,omitempty"`
	IsActive          bool      `json:"isActive"`
	MaintenanceScript string    `json:"maintenanceScript,omitempty"`
	DevScript         string    `json:"devScript,omitempty"`
}

// SandboxActivity is a best-effort create/resume record consumed by an
// external GC, per §4.9.
type SandboxActivity struct {
	InstanceID       string    `json:"instanceId"`
	Provider         string    `json:"provider"`
	TemplateVmid     int       `json:"templateVmid,omitempty"`
	SnapshotID       string    `json:"snapshotId"`
	SnapshotProvider string    `json:"snapshotProvider"`
	TeamID           string    `json:"teamId"`
	Kind             string    `json:"kind"` // "create" | "resume"
	At               time.Time `json:"at"`
}

// VSCodeInstance mirrors the taskRun.vscode sub-record of §3.
type VSCodeInstance struct {
	Provider      string    `json:"provider"`
	ContainerName string    `json:"containerName"`
	Status        string    `json:"status"` // starting | running
	URL           string    `json:"url"`
	WorkspaceURL  string    `json:"workspaceUrl"`
	WorkerURL     string    `json:"workerUrl,omitempty"`
	VNCURL        string    `json:"vncUrl,omitempty"`
	XtermURL      string    `json:"xtermUrl,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
}

// NetworkService mirrors one exposed user port entry.
type NetworkService struct {
	Status string `json:"status"`
	Port   int    `json:"port"`
	URL    string `json:"url"`
}

// TaskRun is the subset of fields the control plane touches, per §3.
type TaskRun struct {
	ID                string           `json:"id"`
	TeamID            string           `json:"teamId"`
	UserID            string           `json:"userId"`
	VSCode            VSCodeInstance   `json:"vscode"`
	StartingCommitSha string           `json:"startingCommitSha,omitempty"`
	Networking        []NetworkService `json:"networking,omitempty"`
	DiscoveredRepos   []string         `json:"discoveredRepos,omitempty"`
	EnvironmentError  string           `json:"environmentError,omitempty"`
}

// WorkspaceConfig is a cloud-workspace per-repo record (§4.4 step 3).
type WorkspaceConfig struct {
	Repo              string `json:"repo"`
	MaintenanceScript string `json:"maintenanceScript,omitempty"`
	EnvVarsContent    string `json:"envVarsContent,omitempty"`
}

// APIKey is a named credential the broker may fall back to (apiKeys.*).
type APIKey struct {
	ID     string `json:"id"`
	TeamID string `json:"teamId"`
	Name   string `json:"name"`
	Value  string `json:"value"`
}

// GithubConnection records which code-host installation a team has
// connected (github.listProviderConnections).
type GithubConnection struct {
	TeamID         string `json:"teamId"`
	AccountLogin   string `json:"accountLogin"`
	InstallationID int64  `json:"installationId"`
}

type state struct {
	Environments      map[string]Environment            `json:"environments"`
	SnapshotVersions  map[string][]SnapshotVersion       `json:"snapshotVersions"` // keyed by environmentId
	Activity          []SandboxActivity                  `json:"activity"`
	TaskRuns          map[string]TaskRun                 `json:"taskRuns"`
	WorkspaceConfigs  map[string]WorkspaceConfig         `json:"workspaceConfigs"` // keyed by repo
	APIKeys           []APIKey                           `json:"apiKeys"`
	GithubConnections []GithubConnection                 `json:"githubConnections"`
}

func newState() state {
	return state{
		Environments:     make(map[string]Environment),
		SnapshotVersions: make(map[string][]SnapshotVersion),
		TaskRuns:         make(map[string]TaskRun),
		WorkspaceConfigs: make(map[string]WorkspaceConfig),
	}
}

