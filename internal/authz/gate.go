package authz

import (
	"context"
	"errors"
	"fmt"
	"project-permission-service/internal/cache"
	"project-permission-service/internal/catalog"
	"project-permission-service/internal/metrics"
	"project-permission-service/internal/repository/model"

	"go.uber.org/zap"
)

// Request describes one authorization decision.
type Request struct {
	Project *model.Project
	UserId  int64
	// Permissions are alternatives: holding any of them, or project_manage, is enough.
	Permissions []string
	OnlyOwner   bool
	Checkers    []Checker
}

type Gate struct {
	logger   *zap.SugaredLogger
	resolver *Resolver
	cache    *cache.Cache
	catalog  *catalog.Catalog
	metrics  *metrics.Metrics
}

func NewGate(logger *zap.SugaredLogger, resolver *Resolver, cache *cache.Cache, catalog *catalog.Catalog, m *metrics.Metrics) *Gate {
	return &Gate{
		logger:   logger,
		resolver: resolver,
		cache:    cache,
		catalog:  catalog,
		metrics:  m,
	}
}

// Authorize returns nil when the request is allowed and ErrPermissionDenied when it is not.
// Any other error means the decision could not be made.
func (g *Gate) Authorize(ctx context.Context, req Request) error {
	err := g.authorize(ctx, req)

	switch {
	case err == nil:
		g.metrics.RecordDecision(metrics.OutcomeAllowed)
	case errors.Is(err, ErrPermissionDenied):
		g.metrics.RecordDecision(metrics.OutcomeDenied)
	default:
		g.metrics.RecordDecision(metrics.OutcomeError)
	}

	return err
}

func (g *Gate) authorize(ctx context.Context, req Request) error {
	if req.Project.IsOwner(req.UserId) {
		return nil
	}
	if req.OnlyOwner {
		return ErrPermissionDenied
	}

	// the owner never needs checker input, so loading starts only past the owner bypass
	for _, checker := range req.Checkers {
		if err := checker.Load(ctx); err != nil {
			return err
		}
	}

	roles, err := g.resolver.UserRoles(ctx, req.Project.Id, req.UserId)
	if err != nil {
		return err
	}

	subject := Subject{
		Project:  req.Project,
		UserId:   req.UserId,
		UserRank: HighestRank(roles),
		Ranks:    g.resolver,
	}

	bypass, err := g.runCheckers(ctx, req.Checkers, OrderPre, subject)
	if err != nil || bypass {
		return err
	}

	if len(req.Permissions) > 0 {
		if err := g.checkPermissions(ctx, req, roles); err != nil {
			return err
		}
	}

	_, err = g.runCheckers(ctx, req.Checkers, OrderPost, subject)
	return err
}

// runCheckers reports bypass when a stop-on-success checker passed.
func (g *Gate) runCheckers(ctx context.Context, checkers []Checker, order Order, subject Subject) (bool, error) {
	for _, checker := range checkers {
		if checker.Order() != order {
			continue
		}

		ok, err := checker.Check(ctx, subject)
		if err != nil {
			return false, fmt.Errorf("%s failed: %w", checker.Name(), err)
		}
		if !ok {
			return false, ErrPermissionDenied
		}
		if checker.StopOnSuccess() {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gate) checkPermissions(ctx context.Context, req Request, roles []*model.Role) error {
	allowed, ok, err := g.cache.GetPermissionsCheck(ctx, req.Project.Id, req.UserId, req.Permissions)
	if err != nil {
		g.logger.Warnw("failed to read cached permission check", "projectId", req.Project.Id, "userId", req.UserId, "error", err)
	}

	if !ok {
		permissions, err := g.resolver.resolve(ctx, req.Project, req.UserId, roles)
		if err != nil {
			return err
		}

		allowed = g.hasAny(permissions, req.Permissions)
		if err := g.cache.SetPermissionsCheck(ctx, req.Project.Id, req.UserId, req.Permissions, allowed); err != nil {
			g.logger.Warnw("failed to cache permission check", "projectId", req.Project.Id, "userId", req.UserId, "error", err)
		}
	}

	if !allowed {
		return ErrPermissionDenied
	}
	return nil
}

func (g *Gate) hasAny(permissions map[string]bool, required []string) bool {
	for _, codename := range required {
		if !g.catalog.Contains(codename) {
			g.logger.Warnw("authorization requires an unknown permission", "codename", codename)
			continue
		}
		if permissions[codename] {
			return true
		}
	}
	return permissions[catalog.ProjectManage]
}

// MemberPermissions returns the effective permissions of a user in a project.
func (g *Gate) MemberPermissions(ctx context.Context, project *model.Project, userId int64) (map[string]bool, error) {
	return g.resolver.Resolve(ctx, project, userId)
}

// HighestRank returns the rank the gate would use for the user in rank comparisons.
func (g *Gate) HighestRank(ctx context.Context, project *model.Project, userId int64) (int, error) {
	return g.resolver.HighestRank(ctx, project.Id, userId)
}
