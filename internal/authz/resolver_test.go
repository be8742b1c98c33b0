package authz

import (
	"context"
	"errors"
	"project-permission-service/internal/cache"
	"project-permission-service/internal/catalog"
	"project-permission-service/internal/metrics"
	"project-permission-service/internal/repository"
	"project-permission-service/internal/repository/model"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testProjectId = int64(1)
	ownerId       = int64(100)
	userId        = int64(200)
	targetId      = int64(300)
)

var testProject = &model.Project{Id: testProjectId, OwnerId: ownerId}

type testEnv struct {
	repo     *repository.MockRepository
	cache    *cache.Cache
	mr       *miniredis.Miniredis
	catalog  *catalog.Catalog
	metrics  *metrics.Metrics
	resolver *Resolver
	gate     *Gate
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ctrl := gomock.NewController(t)
	repo := repository.NewMockRepository(ctrl)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cat, err := catalog.Default()
	require.NoError(t, err)

	m := metrics.NewMetrics(prometheus.NewRegistry())
	c := cache.New(client, cache.DefaultTTL, m)
	logger := zap.NewNop().Sugar()
	resolver := NewResolver(logger, repo, c, cat)

	return &testEnv{
		repo:     repo,
		cache:    c,
		mr:       mr,
		catalog:  cat,
		metrics:  m,
		resolver: resolver,
		gate:     NewGate(logger, resolver, c, cat, m),
	}
}

func everyoneRole(overrides ...model.RolePermission) *model.Role {
	return &model.Role{
		Id: 1, ProjectId: testProjectId, Name: model.EveryoneRoleName,
		Rank: model.EveryoneRoleRank, IsEveryone: true, Permissions: overrides,
	}
}

func customRole(id int64, rank int, overrides map[string]model.PermissionValue) *model.Role {
	role := &model.Role{Id: id, ProjectId: testProjectId, Name: "role", Color: model.DefaultRoleColor, Rank: rank}
	for codename, value := range overrides {
		role.Permissions = append(role.Permissions, model.RolePermission{RoleId: id, Codename: codename, Value: value})
	}
	return role
}

func catalogDefaults(c *catalog.Catalog) map[string]bool {
	defaults := make(map[string]bool)
	for _, p := range c.All() {
		defaults[p.Codename] = p.Default
	}
	return defaults
}

func TestEvaluate_Defaults(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)

	assert.Equal(t, catalogDefaults(cat), Evaluate([]*model.Role{everyoneRole()}, cat))
	// a missing everyone role still yields the defaults
	assert.Equal(t, catalogDefaults(cat), Evaluate(nil, cat))
}

func TestEvaluate_HighestRankWins(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)

	a := customRole(2, 50, map[string]model.PermissionValue{catalog.RoleManage: model.Allow})
	b := customRole(3, 10, map[string]model.PermissionValue{catalog.RoleManage: model.Deny, catalog.TaskManage: model.Allow})

	for _, roles := range [][]*model.Role{{a, b, everyoneRole()}, {everyoneRole(), b, a}} {
		permissions := Evaluate(roles, cat)
		assert.True(t, permissions[catalog.RoleManage])
		// a does not set task_manage so the lower role decides
		assert.True(t, permissions[catalog.TaskManage])
	}

	deny := customRole(4, 80, map[string]model.PermissionValue{catalog.TaskManage: model.Deny})
	assert.False(t, Evaluate([]*model.Role{deny, b, everyoneRole()}, cat)[catalog.TaskManage])
}

func TestEvaluate_InheritFallsThrough(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)

	high := customRole(2, 90, map[string]model.PermissionValue{catalog.VotingVote: model.Inherit})
	low := customRole(3, 5, map[string]model.PermissionValue{catalog.VotingVote: model.Deny})

	assert.False(t, Evaluate([]*model.Role{high, low, everyoneRole()}, cat)[catalog.VotingVote])
	assert.True(t, Evaluate([]*model.Role{high, everyoneRole()}, cat)[catalog.VotingVote])
}

func TestEvaluate_EveryoneOverrides(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)

	everyone := everyoneRole(
		model.RolePermission{RoleId: 1, Codename: catalog.VotingVote, Value: model.Deny},
		model.RolePermission{RoleId: 1, Codename: catalog.TaskViewAll, Value: model.Allow},
		model.RolePermission{RoleId: 1, Codename: "removed_from_catalog", Value: model.Allow},
	)
	permissions := Evaluate([]*model.Role{everyone}, cat)

	assert.False(t, permissions[catalog.VotingVote])
	assert.True(t, permissions[catalog.TaskViewAll])
	assert.NotContains(t, permissions, "removed_from_catalog")
	assert.Len(t, permissions, cat.Len())
}

func TestHighestRank(t *testing.T) {
	assert.Equal(t, 0, HighestRank(nil))
	assert.Equal(t, 0, HighestRank([]*model.Role{everyoneRole()}))
	assert.Equal(t, 40, HighestRank([]*model.Role{customRole(2, 10, nil), customRole(3, 40, nil), everyoneRole()}))
}

func TestResolver_Owner(t *testing.T) {
	env := newTestEnv(t)

	permissions, err := env.resolver.Resolve(context.Background(), testProject, ownerId)
	require.NoError(t, err)

	assert.Len(t, permissions, env.catalog.Len())
	for codename, allowed := range permissions {
		assert.True(t, allowed, codename)
	}
	assert.False(t, env.mr.Exists(cache.UserPermissionsKey(testProjectId, ownerId)))
}

func TestResolver_CachesRolesAndPermissions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	roles := []*model.Role{customRole(2, 10, map[string]model.PermissionValue{catalog.TaskManage: model.Allow}), everyoneRole()}
	env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return(roles, nil).Times(1)

	first, err := env.resolver.Resolve(ctx, testProject, userId)
	require.NoError(t, err)
	assert.True(t, first[catalog.TaskManage])

	assert.Equal(t, cache.DefaultTTL.UserPermissions, env.mr.TTL(cache.UserPermissionsKey(testProjectId, userId)))
	assert.Equal(t, cache.DefaultTTL.UserRoles, env.mr.TTL(cache.UserRolesKey(testProjectId, userId)))

	second, err := env.resolver.Resolve(ctx, testProject, userId)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolver_RecomputesAfterInvalidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	before := []*model.Role{customRole(2, 10, map[string]model.PermissionValue{catalog.TaskManage: model.Allow}), everyoneRole()}
	after := []*model.Role{customRole(2, 10, map[string]model.PermissionValue{catalog.TaskManage: model.Deny}), everyoneRole()}
	gomock.InOrder(
		env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return(before, nil),
		env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return(after, nil),
	)

	permissions, err := env.resolver.Resolve(ctx, testProject, userId)
	require.NoError(t, err)
	assert.True(t, permissions[catalog.TaskManage])

	require.NoError(t, env.cache.InvalidateProjectPermissions(ctx, testProjectId))

	permissions, err = env.resolver.Resolve(ctx, testProject, userId)
	require.NoError(t, err)
	assert.False(t, permissions[catalog.TaskManage])
}

func TestResolver_RepositoryError(t *testing.T) {
	env := newTestEnv(t)
	dbErr := errors.New("connection reset")

	env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return(nil, dbErr)

	_, err := env.resolver.Resolve(context.Background(), testProject, userId)
	assert.ErrorIs(t, err, dbErr)
	assert.False(t, env.mr.Exists(cache.UserPermissionsKey(testProjectId, userId)))
}

func TestResolver_CacheUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()

	roles := []*model.Role{customRole(2, 10, map[string]model.PermissionValue{catalog.TaskManage: model.Allow}), everyoneRole()}
	env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return(roles, nil)

	permissions, err := env.resolver.Resolve(context.Background(), testProject, userId)
	require.NoError(t, err)
	assert.True(t, permissions[catalog.TaskManage])
}

func TestResolver_SharedCallOutlivesCaller(t *testing.T) {
	env := newTestEnv(t)

	started := make(chan struct{})
	release := make(chan struct{})
	callErr := make(chan error, 1)
	fnErr := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, err := env.resolver.do(ctx, "perms:1:200", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			fnErr <- ctx.Err()
			return map[string]bool{}, nil
		})
		callErr <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-callErr, context.Canceled)

	close(release)
	assert.NoError(t, <-fnErr)
}
