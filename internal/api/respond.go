package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"project-permission-service/internal/authz"
	"project-permission-service/internal/repository"
	"project-permission-service/internal/roles"
)

type errorResponse struct {
	Error     string   `json:"error"`
	Codenames []string `json:"codenames,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// fail maps service errors onto HTTP statuses. Anything unexpected is logged and hidden.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *roles.ValidationError

	switch {
	case errors.Is(err, authz.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "permission denied")
	case roles.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validationErr.Error(), Codenames: validationErr.Codenames})
	case errors.Is(err, repository.ErrAlreadyHasRole):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
