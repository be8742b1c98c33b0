package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"project-permission-service/internal/config"
	"project-permission-service/internal/metrics"
	"project-permission-service/internal/repository/model"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyspaceRole             = "role"
	keyspaceProjectRoles     = "project_roles"
	keyspaceUserPermissions  = "user_permissions"
	keyspaceUserRoles        = "user_roles"
	keyspacePermissionsCheck = "permissions_check"

	scanCount = 100
)

type TTLConfig struct {
	Role             time.Duration
	ProjectRoles     time.Duration
	UserRoles        time.Duration
	UserPermissions  time.Duration
	PermissionsCheck time.Duration
}

var DefaultTTL = TTLConfig{
	Role:             15 * time.Minute,
	ProjectRoles:     15 * time.Minute,
	UserRoles:        15 * time.Minute,
	UserPermissions:  5 * time.Minute,
	PermissionsCheck: time.Hour,
}

// TTLFromConfig falls back to DefaultTTL for every unset duration.
func TTLFromConfig(cfg config.CacheConfig) TTLConfig {
	pick := func(v, def time.Duration) time.Duration {
		if v <= 0 {
			return def
		}
		return v
	}

	return TTLConfig{
		Role:             pick(cfg.RoleTTL, DefaultTTL.Role),
		ProjectRoles:     pick(cfg.ProjectRolesTTL, DefaultTTL.ProjectRoles),
		UserRoles:        pick(cfg.UserRolesTTL, DefaultTTL.UserRoles),
		UserPermissions:  pick(cfg.UserPermissionsTTL, DefaultTTL.UserPermissions),
		PermissionsCheck: pick(cfg.PermissionCheckTTL, DefaultTTL.PermissionsCheck),
	}
}

// NewClient connects to Redis and closes the client once ctx is done.
func NewClient(ctx context.Context, logger *zap.SugaredLogger, wg *sync.WaitGroup, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := client.Close(); err != nil {
			logger.Errorw("failed to close redis client", "error", err)
		}
	}()

	return client, nil
}

// Cache stores roles, role lists and resolved permissions in Redis.
//
// Lookups report a miss with ok=false. Invalidation errors must be returned to the caller, a
// mutation whose invalidation failed may leave a stale allow behind.
type Cache struct {
	client  redis.UniversalClient
	ttl     TTLConfig
	metrics *metrics.Metrics
}

func New(client redis.UniversalClient, ttl TTLConfig, m *metrics.Metrics) *Cache {
	return &Cache{client: client, ttl: ttl, metrics: m}
}

func (c *Cache) GetRole(ctx context.Context, roleId int64) (*model.Role, bool, error) {
	var role model.Role
	ok, err := c.getJSON(ctx, keyspaceRole, RoleKey(roleId), &role)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &role, true, nil
}

func (c *Cache) SetRole(ctx context.Context, role *model.Role) error {
	return c.setJSON(ctx, RoleKey(role.Id), role, c.ttl.Role)
}

func (c *Cache) GetProjectRoles(ctx context.Context, projectId int64) ([]*model.Role, bool, error) {
	var roles []*model.Role
	ok, err := c.getJSON(ctx, keyspaceProjectRoles, ProjectRolesKey(projectId), &roles)
	return roles, ok, err
}

func (c *Cache) SetProjectRoles(ctx context.Context, projectId int64, roles []*model.Role) error {
	return c.setJSON(ctx, ProjectRolesKey(projectId), roles, c.ttl.ProjectRoles)
}

// InvalidateRole clears the role entry and the role list of its project.
func (c *Cache) InvalidateRole(ctx context.Context, projectId int64, roleId int64) error {
	c.metrics.RecordInvalidation("role")
	if err := c.client.Del(ctx, RoleKey(roleId), ProjectRolesKey(projectId)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate role %d: %w", roleId, err)
	}
	return nil
}

func (c *Cache) GetUserRoles(ctx context.Context, projectId int64, userId int64) ([]*model.Role, bool, error) {
	var roles []*model.Role
	ok, err := c.getJSON(ctx, keyspaceUserRoles, UserRolesKey(projectId, userId), &roles)
	return roles, ok, err
}

func (c *Cache) SetUserRoles(ctx context.Context, projectId int64, userId int64, roles []*model.Role) error {
	return c.setJSON(ctx, UserRolesKey(projectId, userId), roles, c.ttl.UserRoles)
}

func (c *Cache) GetUserPermissions(ctx context.Context, projectId int64, userId int64) (map[string]bool, bool, error) {
	var permissions map[string]bool
	ok, err := c.getJSON(ctx, keyspaceUserPermissions, UserPermissionsKey(projectId, userId), &permissions)
	return permissions, ok, err
}

func (c *Cache) SetUserPermissions(ctx context.Context, projectId int64, userId int64, permissions map[string]bool) error {
	return c.setJSON(ctx, UserPermissionsKey(projectId, userId), permissions, c.ttl.UserPermissions)
}

// GetPermissionsCheck returns a cached result of the permission stage for the given set.
func (c *Cache) GetPermissionsCheck(ctx context.Context, projectId int64, userId int64, permissions []string) (allowed bool, ok bool, err error) {
	raw, err := c.client.Get(ctx, PermissionsCheckKey(projectId, userId, permissions)).Result()
	if errors.Is(err, redis.Nil) {
		c.metrics.RecordCacheLookup(keyspacePermissionsCheck, false)
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}

	c.metrics.RecordCacheLookup(keyspacePermissionsCheck, true)
	return raw == "1", true, nil
}

func (c *Cache) SetPermissionsCheck(ctx context.Context, projectId int64, userId int64, permissions []string, allowed bool) error {
	value := "0"
	if allowed {
		value = "1"
	}
	return c.client.Set(ctx, PermissionsCheckKey(projectId, userId, permissions), value, c.ttl.PermissionsCheck).Err()
}

// InvalidateUserPermissions clears the effective permissions, role list and check results of one user.
func (c *Cache) InvalidateUserPermissions(ctx context.Context, projectId int64, userId int64) error {
	c.metrics.RecordInvalidation("user")
	if err := c.client.Del(ctx, UserPermissionsKey(projectId, userId), UserRolesKey(projectId, userId)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate permissions of user %d: %w", userId, err)
	}
	return c.deletePatterns(ctx, userChecksPattern(projectId, userId))
}

// InvalidateProjectPermissions clears what InvalidateUserPermissions clears, for every user of the project.
func (c *Cache) InvalidateProjectPermissions(ctx context.Context, projectId int64) error {
	c.metrics.RecordInvalidation("project")
	return c.deletePatterns(ctx,
		userPermissionsPattern(projectId),
		userRolesPattern(projectId),
		projectChecksPattern(projectId),
	)
}

// BatchInvalidate clears the caches of many users at once, used when their memberships change together.
func (c *Cache) BatchInvalidate(ctx context.Context, projectId int64, userIds []int64) error {
	if len(userIds) == 0 {
		return nil
	}
	c.metrics.RecordInvalidation("batch")

	keys := make([]string, 0, len(userIds)*2)
	patterns := make([]string, 0, len(userIds))
	for _, userId := range userIds {
		keys = append(keys, UserPermissionsKey(projectId, userId), UserRolesKey(projectId, userId))
		patterns = append(patterns, userChecksPattern(projectId, userId))
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate users of project %d: %w", projectId, err)
	}
	return c.deletePatterns(ctx, patterns...)
}

func (c *Cache) deletePatterns(ctx context.Context, patterns ...string) error {
	for _, pattern := range patterns {
		var keys []string
		iter := c.client.Scan(ctx, 0, pattern, scanCount).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan failed for pattern %s: %w", pattern, err)
		}

		for start := 0; start < len(keys); start += scanCount {
			end := min(start+scanCount, len(keys))
			if err := c.client.Del(ctx, keys[start:end]...).Err(); err != nil {
				return fmt.Errorf("failed to delete keys matching %s: %w", pattern, err)
			}
		}
	}
	return nil
}

func (c *Cache) getJSON(ctx context.Context, keyspace string, key string, dest any) (bool, error) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.RecordCacheLookup(keyspace, false)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}

	c.metrics.RecordCacheLookup(keyspace, true)
	return true, nil
}

func (c *Cache) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
