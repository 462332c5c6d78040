package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/karlorz/cmux-sub003/internal/authz"
	"github.com/karlorz/cmux-sub003/internal/lifecycle"
	"github.com/karlorz/cmux-sub003/internal/snapshot"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func writeErrorText(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}

func decodeBody(r *http.Request, out any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

// statusForError maps a collaborator error onto the HTTP status codes
// spec.md §6 enumerates per route. Unrecognized errors fall back to 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, snapshot.ErrForbidden), errors.Is(err, lifecycle.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, snapshot.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, lifecycle.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeCollaboratorError maps a collaborator-returned error onto its
// specific status when recognized, otherwise falls back to a sanitized
// 500.
func writeCollaboratorError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		sanitizedServerError(w, err)
		return
	}
	writeErrorText(w, status, lifecycle.SanitizeReason(err))
}

// statusForDecision maps an authz.Decision onto the 403-vs-404
// existence-leak rule.
func statusForDecision(d authz.Decision) int {
	switch d {
	case authz.Allow:
		return http.StatusOK
	case authz.NotFoundShape:
		return http.StatusNotFound
	default:
		return http.StatusForbidden
	}
}

// sanitizedServerError writes a 500 whose body has been scrubbed of
// secrets, paths, and URLs, per §7's start-failure taxonomy.
func sanitizedServerError(w http.ResponseWriter, err error) {
	writeErrorText(w, http.StatusInternalServerError, lifecycle.SanitizeReason(err))
}
