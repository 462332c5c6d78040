package httpapi

import (
	"net/http"
	"time"

	"github.com/karlorz/cmux-sub003/internal/authz"
	"github.com/karlorz/cmux-sub003/internal/lifecycle"
	"github.com/karlorz/cmux-sub003/internal/store"
)

type startRequestBody struct {
	TenantID       string            `json:"tenantId"`
	UserID         string            `json:"userId"`
	EnvironmentID  string            `json:"environmentId"`
	SnapshotID     string            `json:"snapshotId"`
	TTLSeconds     int64             `json:"ttlSeconds"`
	Metadata       map[string]string `json:"metadata"`
	TaskRunID      string            `json:"taskRunId"`
	TaskRunJWT     string            `json:"taskRunJwt"`
	CloudWorkspace bool              `json:"isCloudWorkspace"`
	RepoURL        string            `json:"repoUrl"`
	Owner          string            `json:"owner"`
	Repo           string            `json:"repo"`
	BaseBranch     string            `json:"branch"`
	NewBranch      string            `json:"newBranch"`
	CloneDepth     int               `json:"depth"`
	InstallationID int64             `json:"installationId"`
	OAuthToken     string            `json:"oauthToken"`
	GitName        string            `json:"gitName"`
	GitEmail       string            `json:"gitEmail"`
}

type startResponseBody struct {
	InstanceID      string `json:"instanceId"`
	VSCodeURL       string `json:"vscodeUrl"`
	WorkerURL       string `json:"workerUrl"`
	VNCURL          string `json:"vncUrl,omitempty"`
	XtermURL        string `json:"xtermUrl,omitempty"`
	Provider        string `json:"provider"`
	VSCodePersisted bool   `json:"vscodePersisted"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	var body startRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorText(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.ctrl.Start(r.Context(), lifecycle.StartRequest{
		TenantID:       body.TenantID,
		UserID:         body.UserID,
		EnvironmentID:  body.EnvironmentID,
		SnapshotID:     body.SnapshotID,
		TTL:            time.Duration(body.TTLSeconds) * time.Second,
		Metadata:       body.Metadata,
		TaskRunID:      body.TaskRunID,
		TaskRunJWT:     body.TaskRunJWT,
		CloudWorkspace: body.CloudWorkspace,
		RepoURL:        body.RepoURL,
		Owner:          body.Owner,
		Repo:           body.Repo,
		BaseBranch:     body.BaseBranch,
		NewBranch:      body.NewBranch,
		CloneDepth:     body.CloneDepth,
		InstallationID: body.InstallationID,
		OAuthToken:     body.OAuthToken,
		GitName:        body.GitName,
		GitEmail:       body.GitEmail,
	})
	if err != nil {
		writeCollaboratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponseBody{
		InstanceID:      result.InstanceID,
		VSCodeURL:       result.VSCodeURL,
		WorkerURL:       result.WorkerURL,
		VNCURL:          result.VNCURL,
		XtermURL:        result.XtermURL,
		Provider:        string(result.Provider),
		VSCodePersisted: result.VSCodePersisted,
	})
}

type setEnvRequestBody struct {
	Tenant         string `json:"tenant"`
	EnvVarsContent string `json:"envVarsContent"`
}

type setEnvResponseBody struct {
	Applied bool `json:"applied"`
}

// handleSetEnv is a thin passthrough to the instance's envctl helper,
// for callers that want to push env vars after start without a full
// publish-devcontainer round trip. It hands the request's
// envVarsContent to Controller.ApplyEnv, which runs the same
// `envctl load` heredoc start's env stage uses; the vault is not read
// here.
func (s *Server) handleSetEnv(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	instanceID := r.PathValue("id")
	var body setEnvRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorText(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.authorizeInstance(w, r, caller, body.Tenant, s.instanceTeamID(r.Context(), instanceID)) {
		return
	}
	if err := s.ctrl.ApplyEnv(r.Context(), instanceID, body.EnvVarsContent); err != nil {
		sanitizedServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setEnvResponseBody{Applied: true})
}

type runScriptsRequestBody struct {
	Tenant            string `json:"tenant"`
	TaskRunID         string `json:"taskRunId"`
	MaintenanceScript string `json:"maintenanceScript"`
	DevScript         string `json:"devScript"`
}

type runScriptsResponseBody struct {
	Started bool `json:"started"`
}

func (s *Server) handleRunScripts(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	instanceID := r.PathValue("id")
	var body runScriptsRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorText(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.authorizeInstance(w, r, caller, body.Tenant, s.instanceTeamID(r.Context(), instanceID)) {
		return
	}
	if err := s.ctrl.RunScripts(r.Context(), instanceID, body.TaskRunID, lifecycle.RunScriptsRequest{
		MaintenanceScript: body.MaintenanceScript,
		DevScript:         body.DevScript,
	}); err != nil {
		sanitizedServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runScriptsResponseBody{Started: true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	instanceID := r.PathValue("id")
	if err := s.ctrl.Stop(r.Context(), instanceID); err != nil {
		sanitizedServerError(w, err)
		return
	}
	writeNoContent(w)
}

type statusResponseBody struct {
	Running   bool   `json:"running"`
	VSCodeURL string `json:"vscodeUrl,omitempty"`
	WorkerURL string `json:"workerUrl,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	instanceID := r.PathValue("id")
	result, err := s.ctrl.Status(r.Context(), instanceID)
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponseBody{
		Running:   result.Running,
		VSCodeURL: result.VSCodeURL,
		WorkerURL: result.WorkerURL,
		Provider:  string(result.Provider),
	})
}

type publishDevcontainerRequestBody struct {
	Tenant    string `json:"tenant"`
	TaskRunID string `json:"taskRunId"`
}

// handlePublishDevcontainer resolves the environment backing the
// instance from its recorded environmentId metadata (set at start
// time), then reconciles and reports the resulting service list. The
// networking list is read back off the task run rather than built from
// the Reconciliation value directly, since Reconcile's own return only
// reports what changed, not the converged state.
func (s *Server) handlePublishDevcontainer(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	instanceID := r.PathValue("id")
	var body publishDevcontainerRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorText(w, http.StatusBadRequest, "invalid request body")
		return
	}
	meta, _ := s.ctrl.InstanceMetadata(r.Context(), instanceID)
	if !s.authorizeInstance(w, r, caller, body.Tenant, meta["teamId"]) {
		return
	}
	var env store.Environment
	if envID := meta["environmentId"]; envID != "" {
		if found, ok, err := s.store.GetEnvironment(envID); err == nil && ok {
			env = found
		}
	}
	recon, err := s.ctrl.PublishDevcontainer(r.Context(), instanceID, body.TaskRunID, env)
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	if len(recon.Errors) > 0 {
		sanitizedServerError(w, recon.Errors[0])
		return
	}
	if body.TaskRunID != "" {
		if run, found, err := s.store.GetTaskRun(body.TaskRunID); err == nil && found {
			writeJSON(w, http.StatusOK, run.Networking)
			return
		}
	}
	writeJSON(w, http.StatusOK, []store.NetworkService{})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	instanceID := r.PathValue("id")
	var body struct {
		TaskRunID string `json:"taskRunId"`
	}
	_ = decodeBody(r, &body)
	if err := s.ctrl.Resume(r.Context(), instanceID, body.TaskRunID); err != nil {
		sanitizedServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": true})
}

type refreshAuthRequestBody struct {
	UserID         string `json:"userId"`
	TeamID         string `json:"teamId"`
	InstallationID int64  `json:"installationId"`
	Owner          string `json:"owner"`
	OAuthToken     string `json:"oauthToken"`
	GitName        string `json:"gitName"`
	GitEmail       string `json:"gitEmail"`
}

func (s *Server) handleRefreshGithubAuth(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	instanceID := r.PathValue("id")
	var body refreshAuthRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorText(w, http.StatusBadRequest, "invalid request body")
		return
	}
	run := lifecycle.RunLocator{InstanceID: instanceID, UserID: body.UserID, TeamID: body.TeamID}
	err := s.ctrl.RefreshGitHubAuth(r.Context(), authz.Caller{UserID: caller.UserID}, run, lifecycle.RefreshAuthRequest{
		InstallationID: body.InstallationID,
		Owner:          body.Owner,
		OAuthToken:     body.OAuthToken,
		GitName:        body.GitName,
		GitEmail:       body.GitEmail,
	})
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"refreshed": true})
}

type discoverReposResponseBody struct {
	Repos []string              `json:"repos"`
	Paths []discoverRepoPathDTO `json:"paths"`
}

type discoverRepoPathDTO struct {
	Path string `json:"path"`
	Repo string `json:"repo,omitempty"`
}

func (s *Server) handleDiscoverRepos(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	instanceID := r.PathValue("id")
	workspacePath := r.URL.Query().Get("workspacePath")
	repos, paths, err := s.ctrl.DiscoverRepos(r.Context(), instanceID, workspacePath)
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	dtoPaths := make([]discoverRepoPathDTO, 0, len(paths))
	for _, p := range paths {
		dtoPaths = append(dtoPaths, discoverRepoPathDTO{Path: p.Path, Repo: p.Repo})
	}
	writeJSON(w, http.StatusOK, discoverReposResponseBody{Repos: repos, Paths: dtoPaths})
}

func (s *Server) handleSSH(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	instanceID := r.PathValue("id")
	result, err := s.ctrl.SSH(r.Context(), instanceID)
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}


