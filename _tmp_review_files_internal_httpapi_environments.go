package httpapi

import (
	"net/http"

	"github.com/karlorz/cmux-sub003/internal/registry"
	"github.com/karlorz/cmux-sub003/internal/secretvault"
	"github.com/karlorz/cmux-sub003/internal/store"
)

type createEnvironmentRequestBody struct {
	Tenant            string   `json:"tenant"`
	Name              string   `json:"name"`
	InstanceID        string   `json:"instanceId"`
	EnvVarsContent    string   `json:"envVarsContent"`
	SelectedRepos     []string `json:"selectedRepos"`
	MaintenanceScript string   `json:"maintenanceScript"`
	DevScript         string   `json:"devScript"`
	ExposedPorts      []int    `json:"exposedPorts"`
}

type createEnvironmentResponseBody struct {
	ID               string `json:"id"`
	SnapshotID       string `json:"snapshotId"`
	SnapshotProvider string `json:"snapshotProvider"`
}

func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var body createEnvironmentRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorText(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.authorizeEnvironment(w, r, caller, body.Tenant, "") {
		return
	}
	env, err := s.registry.Create(r.Context(), registry.CreateRequest{
		TeamID:            body.Tenant,
		Name:              body.Name,
		InstanceID:        body.InstanceID,
		EnvVarsContent:    body.EnvVarsContent,
		SelectedRepos:     body.SelectedRepos,
		MaintenanceScript: body.MaintenanceScript,
		DevScript:         body.DevScript,
		ExposedPorts:      body.ExposedPorts,
	})
	if err != nil {
		if err == registry.ErrProviderMismatch {
			writeErrorText(w, http.StatusForbidden, "instance provider does not match active provider")
			return
		}
		sanitizedServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createEnvironmentResponseBody{
		ID:               env.ID,
		SnapshotID:       env.SnapshotID,
		SnapshotProvider: env.SnapshotProvider,
	})
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	envs, err := s.store.ListEnvironments(r.URL.Query().Get("tenant"))
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	env, found, err := s.store.GetEnvironment(r.PathValue("id"))
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	if !found || !belongsToTenant(env, r) {
		writeErrorText(w, http.StatusNotFound, "environment not found")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

type environmentVarsResponseBody struct {
	EnvVarsContent string `json:"envVarsContent"`
}

func (s *Server) handleGetEnvironmentVars(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	env, found, err := s.store.GetEnvironment(r.PathValue("id"))
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	if !found || !belongsToTenant(env, r) {
		writeErrorText(w, http.StatusNotFound, "environment not found")
		return
	}
	content := ""
	if env.DataVaultKey != "" && s.vault != nil {
		if v, ok, err := s.vault.GetValue("envVars", env.DataVaultKey); err == nil && ok {
			content = v
		}
	}
	writeJSON(w, http.StatusOK, environmentVarsResponseBody{EnvVarsContent: content})
}

type updateEnvironmentVarsRequestBody struct {
	Tenant         string `json:"tenant"`
	EnvVarsContent string `json:"envVarsContent"`
}

func (s *Server) handleUpdateEnvironmentVars(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	env, found, err := s.store.GetEnvironment(r.PathValue("id"))
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	if !found {
		writeErrorText(w, http.StatusNotFound, "environment not found")
		return
	}
	var body updateEnvironmentVarsRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorText(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.authorizeEnvironment(w, r, caller, body.Tenant, env.TeamID) {
		return
	}
	if env.DataVaultKey == "" {
		env.DataVaultKey = s.newVaultKeyForEnvironment()
		if _, _, err := s.store.UpdateEnvironment(env); err != nil {
			sanitizedServerError(w, err)
			return
		}
	}
	if s.vault != nil {
		if err := s.vault.SetValue("envVars", env.DataVaultKey, body.EnvVarsContent); err != nil {
			sanitizedServerError(w, err)
			return
		}
	}
	writeNoContent(w)
}

func (s *Server) newVaultKeyForEnvironment() string {
	return secretvault.NewKey()
}

type updateEnvironmentRequestBody struct {
	Tenant            string   `json:"tenant"`
	Name              *string  `json:"name"`
	SelectedRepos     []string `json:"selectedRepos"`
	MaintenanceScript *string  `json:"maintenanceScript"`
	DevScript         *string  `json:"devScript"`
}

func (s *Server) handleUpdateEnvironment(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	env, found, err := s.store.GetEnvironment(r.PathValue("id"))
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	if !found {
		writeErrorText(w, http.StatusNotFound, "environment not found")
		return
	}
	var body updateEnvironmentRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorText(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.authorizeEnvironment(w, r, caller, body.Tenant, env.TeamID) {
		return
	}
	if body.Name != nil {
		env.Name = *body.Name
	}
	if body.SelectedRepos != nil {
		env.SelectedRepos = body.SelectedRepos
	}
	if body.MaintenanceScript != nil {
		env.MaintenanceScript = *body.MaintenanceScript
	}
	if body.DevScript != nil {
		env.DevScript = *body.DevScript
	}
	updated, found, err := s.store.UpdateEnvironment(env)
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	if !found {
		writeErrorText(w, http.StatusNotFound, "environment not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type updatePortsRequestBody struct {
	Tenant     string `json:"tenant"`
	Ports      []int  `json:"ports"`
	InstanceID string `json:"instanceId"`
}

type updatePortsResponseBody struct {
	ExposedPorts []int                  `json:"exposedPorts"`
	Services     []store.NetworkService `json:"services,omitempty"`
}

func (s *Server) handleUpdatePorts(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	environmentID := r.PathValue("id")
	var body updatePortsRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorText(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if env, found, err := s.store.GetEnvironment(environmentID); err != nil {
		sanitizedServerError(w, err)
		return
	} else if !found {
		writeErrorText(w, http.StatusNotFound, "environment not found")
		return
	} else if !s.authorizeEnvironment(w, r, caller, body.Tenant, env.TeamID) {
		return
	}
	for _, p := range body.Ports {
		if p < 1 || p > 65535 {
			writeErrorText(w, http.StatusBadRequest, "port out of range")
			return
		}
	}
	updated, found, err := s.store.UpdateExposedPorts(environmentID, body.Ports)
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	if !found {
		writeErrorText(w, http.StatusNotFound, "environment not found")
		return
	}
	resp := updatePortsResponseBody{ExposedPorts: updated.ExposedPorts}
	if body.InstanceID != "" {
		if recon, err := s.ctrl.PublishDevcontainer(r.Context(), body.InstanceID, "", updated); err == nil {
			_ = recon
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	environmentID := r.PathValue("id")
	if _, found, err := s.store.GetEnvironment(environmentID); err != nil {
		sanitizedServerError(w, err)
		return
	} else if !found {
		writeErrorText(w, http.StatusNotFound, "environment not found")
		return
	}
	versions, err := s.store.ListSnapshotVersions(environmentID)
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type createSnapshotRequestBody struct {
	Tenant     string `json:"tenant"`
	InstanceID string `json:"instanceId"`
	Label      string `json:"label"`
	Activate   bool   `json:"activate"`
	UserID     string `json:"userId"`
}

type createSnapshotResponseBody struct {
	SnapshotVersionID string `json:"snapshotVersionId"`
	SnapshotID        string `json:"snapshotId"`
	SnapshotProvider  string `json:"snapshotProvider"`
	Version           int    `json:"version"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	environmentID := r.PathValue("id")
	var body createSnapshotRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorText(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if env, found, err := s.store.GetEnvironment(environmentID); err != nil {
		sanitizedServerError(w, err)
		return
	} else if !found {
		writeErrorText(w, http.StatusNotFound, "environment not found")
		return
	} else if !s.authorizeEnvironment(w, r, caller, body.Tenant, env.TeamID) {
		return
	}
	version, err := s.registry.CreateSnapshotVersion(r.Context(), environmentID, body.InstanceID, body.UserID, body.Activate)
	if err != nil {
		sanitizedServerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createSnapshotResponseBody{
		SnapshotVersionID: version.ID,
		SnapshotID:        version.SnapshotID,
		SnapshotProvider:  version.SnapshotProvider,
		Version:           version.Version,
	})
}

type activateSnapshotResponseBody struct {
	SnapshotID       string `json:"snapshotId"`
	SnapshotProvider string `json:"snapshotProvider"`
	TemplateVmid     int    `json:"templateVmid,omitempty"`
	Version          int    `json:"version"`
}

func (s *Server) handleActivateSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	environmentID := r.PathValue("id")
	versionID := r.PathValue("versionId")
	version, err := s.registry.ActivateVersion(environmentID, versionID)
	if err != nil {
		writeErrorText(w, http.StatusNotFound, "snapshot version not found")
		return
	}
	writeJSON(w, http.StatusOK, activateSnapshotResponseBody{
		SnapshotID:       version.SnapshotID,
		SnapshotProvider: version.SnapshotProvider,
		TemplateVmid:     version.TemplateVmid,
		Version:          version.Version,
	})
}

func (s *Server) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	environmentID := r.PathValue("id")
	if _, found, err := s.store.GetEnvironment(environmentID); err != nil {
		sanitizedServerError(w, err)
		return
	} else if !found {
		writeErrorText(w, http.StatusNotFound, "environment not found")
		return
	}
	instanceID := r.URL.Query().Get("instanceId")
	if err := s.ctrl.DeleteEnvironment(r.Context(), environmentID, instanceID, s.registry); err != nil {
		sanitizedServerError(w, err)
		return
	}
	writeNoContent(w)
}

func belongsToTenant(env store.Environment, r *http.Request) bool {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		return true
	}
	return env.TeamID == tenant
}


