package api

import (
	"context"
	"net/http"
	"project-permission-service/internal/repository/model"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// UserIdHeader carries the id of the acting user, set by the trusted gateway in front of the service.
const UserIdHeader = "X-User-Id"

type contextKey int

const (
	userKey contextKey = iota
	projectKey
	roleKey
)

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)

		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), elapsed.Seconds())
		s.logger.Debugw("handled request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", elapsed,
			"requestId", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userId, err := strconv.ParseInt(r.Header.Get(UserIdHeader), 10, 64)
		if err != nil || userId <= 0 {
			writeError(w, http.StatusUnauthorized, "missing or invalid "+UserIdHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userId)))
	})
}

func (s *Server) loadProject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectId, ok := pathId(w, r, "projectID")
		if !ok {
			return
		}

		project, err := s.store.GetProject(r.Context(), projectId)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), projectKey, project)))
	})
}

func (s *Server) loadRole(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		roleId, ok := pathId(w, r, "roleID")
		if !ok {
			return
		}

		role, err := s.store.GetRole(r.Context(), projectFrom(r).Id, roleId)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey, role)))
	})
}

func userFrom(r *http.Request) int64 {
	return r.Context().Value(userKey).(int64)
}

func projectFrom(r *http.Request) *model.Project {
	return r.Context().Value(projectKey).(*model.Project)
}

func roleFrom(r *http.Request) *model.Role {
	return r.Context().Value(roleKey).(*model.Role)
}

func pathId(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}
