package api

import (
	"context"
	"errors"
	"fmt"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"net/http"
	"project-permission-service/internal/authz"
	"project-permission-service/internal/catalog"
	"project-permission-service/internal/config"
	"project-permission-service/internal/metrics"
	"project-permission-service/internal/roles"
	"sync"
	"time"
)

const (
	requestsPerMinute = 120
	requestTimeout    = 30 * time.Second
)

type Server struct {
	logger   *zap.SugaredLogger
	gate     *authz.Gate
	store    *roles.Store
	catalog  *catalog.Catalog
	metrics  *metrics.Metrics
	validate *validator.Validate
}

func NewServer(logger *zap.SugaredLogger, gate *authz.Gate, store *roles.Store, catalog *catalog.Catalog, m *metrics.Metrics) *Server {
	return &Server{
		logger:   logger,
		gate:     gate,
		store:    store,
		catalog:  catalog,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Run serves the HTTP API until ctx is done.
func Run(ctx context.Context, logger *zap.SugaredLogger, wg *sync.WaitGroup, cfg config.Config, s *Server) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Infow("listening for HTTP requests", "port", cfg.HTTPPort)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("failed to serve http", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("failed to shut down http server", "error", err)
		}
	}()
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
		s.logRequests,
	)

	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(requestsPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Use(s.requireUser)

		r.Get("/permissions", s.listPermissions)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Use(s.loadProject)

			r.Route("/roles", func(r chi.Router) {
				r.Get("/", s.listRoles)
				r.Post("/", s.createRole)
				r.Patch("/batch", s.batchUpdateRoles)

				r.Route("/{roleID}", func(r chi.Router) {
					r.Use(s.loadRole)

					r.Get("/", s.getRole)
					r.Patch("/", s.updateRole)
					r.Delete("/", s.deleteRole)
					r.Get("/permissions", s.getRolePermissions)
					r.Patch("/permissions/batch", s.updateRolePermissions)
				})
			})

			r.Route("/members/{userID}", func(r chi.Router) {
				r.Delete("/", s.removeMember)
				r.Get("/roles", s.listMemberRoles)
				r.Post("/roles", s.assignRole)
				r.Delete("/roles/{roleID}", s.unassignRole)
				r.Get("/permissions", s.memberPermissions)
			})
		})
	})

	return r
}
