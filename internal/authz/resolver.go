package authz

import (
	"context"
	"fmt"
	"project-permission-service/internal/cache"
	"project-permission-service/internal/catalog"
	"project-permission-service/internal/repository"
	"project-permission-service/internal/repository/model"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Resolver computes the effective permissions of project members.
type Resolver struct {
	logger  *zap.SugaredLogger
	repo    repository.Repository
	cache   *cache.Cache
	catalog *catalog.Catalog

	group singleflight.Group
}

func NewResolver(logger *zap.SugaredLogger, repo repository.Repository, cache *cache.Cache, catalog *catalog.Catalog) *Resolver {
	return &Resolver{
		logger:  logger,
		repo:    repo,
		cache:   cache,
		catalog: catalog,
	}
}

// UserRoles returns the roles of a user in a project plus the everyone role, highest rank first.
func (r *Resolver) UserRoles(ctx context.Context, projectId int64, userId int64) ([]*model.Role, error) {
	roles, ok, err := r.cache.GetUserRoles(ctx, projectId, userId)
	if err != nil {
		r.logger.Warnw("failed to read cached user roles", "projectId", projectId, "userId", userId, "error", err)
	} else if ok {
		return roles, nil
	}

	v, err := r.do(ctx, fmt.Sprintf("roles:%d:%d", projectId, userId), func(ctx context.Context) (any, error) {
		roles, err := r.repo.GetUserRoles(ctx, projectId, userId)
		if err != nil {
			return nil, fmt.Errorf("failed to get user roles: %w", err)
		}

		if err := r.cache.SetUserRoles(ctx, projectId, userId, roles); err != nil {
			r.logger.Warnw("failed to cache user roles", "projectId", projectId, "userId", userId, "error", err)
		}
		return roles, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]*model.Role), nil
}

// HighestRank is the rank of the user's highest role, the everyone rank if they hold none.
func (r *Resolver) HighestRank(ctx context.Context, projectId int64, userId int64) (int, error) {
	roles, err := r.UserRoles(ctx, projectId, userId)
	if err != nil {
		return 0, err
	}
	return HighestRank(roles), nil
}

// Resolve returns codename -> allowed for every catalog permission.
func (r *Resolver) Resolve(ctx context.Context, project *model.Project, userId int64) (map[string]bool, error) {
	return r.resolve(ctx, project, userId, nil)
}

// resolve uses roles when the caller already fetched them.
func (r *Resolver) resolve(ctx context.Context, project *model.Project, userId int64, roles []*model.Role) (map[string]bool, error) {
	if project.IsOwner(userId) {
		return r.allGranted(), nil
	}

	permissions, ok, err := r.cache.GetUserPermissions(ctx, project.Id, userId)
	if err != nil {
		r.logger.Warnw("failed to read cached permissions", "projectId", project.Id, "userId", userId, "error", err)
	} else if ok {
		return permissions, nil
	}

	v, err := r.do(ctx, fmt.Sprintf("perms:%d:%d", project.Id, userId), func(ctx context.Context) (any, error) {
		if roles == nil {
			var err error
			if roles, err = r.UserRoles(ctx, project.Id, userId); err != nil {
				return nil, err
			}
		}

		permissions := Evaluate(roles, r.catalog)
		if err := r.cache.SetUserPermissions(ctx, project.Id, userId, permissions); err != nil {
			r.logger.Warnw("failed to cache permissions", "projectId", project.Id, "userId", userId, "error", err)
		}
		return permissions, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(map[string]bool), nil
}

func (r *Resolver) allGranted() map[string]bool {
	permissions := make(map[string]bool, r.catalog.Len())
	for _, codename := range r.catalog.Codenames() {
		permissions[codename] = true
	}
	return permissions
}

// do shares one in-flight call per key. The call runs detached from ctx so that one caller
// cancelling does not fail the others waiting on it.
func (r *Resolver) do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	shared := context.WithoutCancel(ctx)
	resultChan := r.group.DoChan(key, func() (any, error) {
		return fn(shared)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		return res.Val, res.Err
	}
}

// Evaluate resolves permissions by walking roles from the highest rank down. The first
// explicit Allow or Deny seen for a codename wins. Codenames nobody set take the catalog default.
func Evaluate(roles []*model.Role, c *catalog.Catalog) map[string]bool {
	resolved := make(map[string]model.PermissionValue, c.Len())
	for _, codename := range c.Codenames() {
		resolved[codename] = model.Inherit
	}

	ordered := append([]*model.Role(nil), roles...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].IsEveryone != ordered[j].IsEveryone {
			return ordered[j].IsEveryone
		}
		return ordered[i].Rank > ordered[j].Rank
	})

	for _, role := range ordered {
		for _, p := range role.Permissions {
			current, known := resolved[p.Codename]
			if !known || current != model.Inherit || p.Value == model.Inherit {
				continue
			}
			resolved[p.Codename] = p.Value
		}

		if role.IsEveryone {
			break
		}
	}

	permissions := make(map[string]bool, len(resolved))
	for _, p := range c.All() {
		if allowed, ok := resolved[p.Codename].Bool(); ok {
			permissions[p.Codename] = allowed
		} else {
			permissions[p.Codename] = p.Default
		}
	}
	return permissions
}

func HighestRank(roles []*model.Role) int {
	highest := model.EveryoneRoleRank
	for _, role := range roles {
		if role.Rank > highest {
			highest = role.Rank
		}
	}
	return highest
}
