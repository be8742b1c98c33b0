package authz

import (
	"context"
	"errors"
	"project-permission-service/internal/cache"
	"project-permission-service/internal/catalog"
	"project-permission-service/internal/metrics"
	"project-permission-service/internal/repository/model"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errExtract = errors.New("no such path")

func failingExtractor(context.Context) (int64, error) {
	return 0, errExtract
}

func TestGate_OwnerAlwaysAllowed(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{name: "no requirements", req: Request{}},
		{name: "only owner", req: Request{OnlyOwner: true}},
		{name: "unknown permission", req: Request{Permissions: []string{"not_a_permission"}}},
		{name: "failing checkers", req: Request{
			Permissions: []string{catalog.RoleManage},
			Checkers: []Checker{
				NewRankChecker(Value(1000)),
				NewNotOwnerTargetChecker(Value(ownerId)),
				NewCreatorBypassChecker(Value(userId)),
			},
		}},
		{name: "unloadable checker", req: Request{
			Permissions: []string{catalog.RoleManage},
			Checkers:    []Checker{NewRankChecker(failingExtractor)},
		}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env := newTestEnv(t)

			req := test.req
			req.Project = testProject
			req.UserId = ownerId

			// the mock fails the test on any repository call
			assert.NoError(t, env.gate.Authorize(context.Background(), req))
		})
	}
}

func TestGate_OnlyOwnerDeniesMembers(t *testing.T) {
	env := newTestEnv(t)

	err := env.gate.Authorize(context.Background(), Request{Project: testProject, UserId: userId, OnlyOwner: true})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	err = env.gate.Authorize(context.Background(), Request{
		Project:   testProject,
		UserId:    userId,
		OnlyOwner: true,
		Checkers:  []Checker{NewRankChecker(failingExtractor)},
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestGate_NonMemberThenGrantedRole(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	granted := customRole(2, 10, map[string]model.PermissionValue{catalog.TaskManage: model.Allow})
	gomock.InOrder(
		env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return([]*model.Role{everyoneRole()}, nil),
		env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return([]*model.Role{granted, everyoneRole()}, nil),
	)

	req := Request{Project: testProject, UserId: userId, Permissions: []string{catalog.TaskManage}}
	assert.ErrorIs(t, env.gate.Authorize(ctx, req), ErrPermissionDenied)

	// a cached deny is served without touching the repository
	assert.ErrorIs(t, env.gate.Authorize(ctx, req), ErrPermissionDenied)
	assert.True(t, env.mr.Exists(cache.PermissionsCheckKey(testProjectId, userId, req.Permissions)))

	// what assigning the role does to the cache
	require.NoError(t, env.cache.InvalidateUserPermissions(ctx, testProjectId, userId))

	assert.NoError(t, env.gate.Authorize(ctx, req))

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.AuthorizationDecisions.WithLabelValues(metrics.OutcomeDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.AuthorizationDecisions.WithLabelValues(metrics.OutcomeAllowed)))
}

func TestGate_AnyOfRequiredPermissions(t *testing.T) {
	tests := []struct {
		name     string
		roles    []*model.Role
		required []string
		allowed  bool
	}{
		{
			name:     "one of two",
			roles:    []*model.Role{customRole(2, 10, map[string]model.PermissionValue{catalog.TaskViewAll: model.Allow}), everyoneRole()},
			required: []string{catalog.TaskManage, catalog.TaskViewAll},
			allowed:  true,
		},
		{
			name:     "project manage grants everything",
			roles:    []*model.Role{customRole(2, 10, map[string]model.PermissionValue{catalog.ProjectManage: model.Allow}), everyoneRole()},
			required: []string{catalog.RoleManage},
			allowed:  true,
		},
		{
			name:     "default allowed permission",
			roles:    []*model.Role{everyoneRole()},
			required: []string{catalog.VotingVote},
			allowed:  true,
		},
		{
			name:     "higher deny beats lower allow",
			roles:    []*model.Role{customRole(2, 60, map[string]model.PermissionValue{catalog.RoleManage: model.Deny}), customRole(3, 20, map[string]model.PermissionValue{catalog.RoleManage: model.Allow}), everyoneRole()},
			required: []string{catalog.RoleManage},
			allowed:  false,
		},
		{
			name:     "unknown permission fails closed",
			roles:    []*model.Role{customRole(2, 10, map[string]model.PermissionValue{catalog.TaskManage: model.Allow}), everyoneRole()},
			required: []string{"not_a_permission"},
			allowed:  false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return(test.roles, nil)

			err := env.gate.Authorize(context.Background(), Request{Project: testProject, UserId: userId, Permissions: test.required})
			if test.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrPermissionDenied)
			}
		})
	}
}

func TestGate_RankChecker(t *testing.T) {
	tests := []struct {
		name       string
		targetRank int64
		allowed    bool
	}{
		{name: "equal rank", targetRank: 30, allowed: false},
		{name: "higher rank", targetRank: 31, allowed: false},
		{name: "lower rank", targetRank: 29, allowed: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env := newTestEnv(t)
			roles := []*model.Role{customRole(2, 30, map[string]model.PermissionValue{catalog.RoleManage: model.Allow}), everyoneRole()}
			env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return(roles, nil)

			err := env.gate.Authorize(context.Background(), Request{
				Project:     testProject,
				UserId:      userId,
				Permissions: []string{catalog.RoleManage},
				Checkers:    []Checker{NewRankChecker(Value(test.targetRank))},
			})
			if test.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrPermissionDenied)
			}
		})
	}
}

func TestGate_PreCheckerDeniesBeforePermissions(t *testing.T) {
	env := newTestEnv(t)
	env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return([]*model.Role{everyoneRole()}, nil)

	err := env.gate.Authorize(context.Background(), Request{
		Project:     testProject,
		UserId:      userId,
		Permissions: []string{catalog.VotingVote},
		Checkers:    []Checker{NewRankChecker(Value(5), WithOrder(OrderPre))},
	})

	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, env.mr.Exists(cache.PermissionsCheckKey(testProjectId, userId, []string{catalog.VotingVote})))
}

func TestGate_CreatorBypass(t *testing.T) {
	env := newTestEnv(t)
	env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return([]*model.Role{everyoneRole()}, nil)

	err := env.gate.Authorize(context.Background(), Request{
		Project:     testProject,
		UserId:      userId,
		Permissions: []string{catalog.VotingManage},
		Checkers: []Checker{
			NewCreatorBypassChecker(Value(userId)),
			NewRankChecker(Value(99)),
		},
	})

	assert.NoError(t, err)
	assert.False(t, env.mr.Exists(cache.PermissionsCheckKey(testProjectId, userId, []string{catalog.VotingManage})))
}

func TestGate_CreatorBypassFailureDenies(t *testing.T) {
	env := newTestEnv(t)
	roles := []*model.Role{customRole(2, 10, map[string]model.PermissionValue{catalog.VotingManage: model.Allow}), everyoneRole()}
	env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return(roles, nil)

	err := env.gate.Authorize(context.Background(), Request{
		Project:     testProject,
		UserId:      userId,
		Permissions: []string{catalog.VotingManage},
		Checkers:    []Checker{NewCreatorBypassChecker(Value(targetId))},
	})

	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestGate_PostCheckersRunAfterPermissions(t *testing.T) {
	env := newTestEnv(t)
	roles := []*model.Role{customRole(2, 50, map[string]model.PermissionValue{catalog.MemberManage: model.Allow}), everyoneRole()}
	env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return(roles, nil)

	err := env.gate.Authorize(context.Background(), Request{
		Project:     testProject,
		UserId:      userId,
		Permissions: []string{catalog.MemberManage},
		Checkers:    []Checker{NewNotOwnerTargetChecker(Value(ownerId))},
	})

	assert.ErrorIs(t, err, ErrPermissionDenied)
	// the permission stage itself passed and was cached as such
	allowed, ok, cacheErr := env.cache.GetPermissionsCheck(context.Background(), testProjectId, userId, []string{catalog.MemberManage})
	require.NoError(t, cacheErr)
	assert.True(t, ok)
	assert.True(t, allowed)
}

func TestGate_CheckerLoadError(t *testing.T) {
	env := newTestEnv(t)

	err := env.gate.Authorize(context.Background(), Request{
		Project:  testProject,
		UserId:   userId,
		Checkers: []Checker{NewRankChecker(failingExtractor)},
	})

	var loadErr *CheckerLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, "RankChecker", loadErr.Checker)
	assert.ErrorIs(t, err, errExtract)
	assert.NotErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.AuthorizationDecisions.WithLabelValues(metrics.OutcomeError)))
}

func TestGate_RepositoryErrorIsNotADenial(t *testing.T) {
	env := newTestEnv(t)
	dbErr := errors.New("server selection timeout")
	env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return(nil, dbErr)

	err := env.gate.Authorize(context.Background(), Request{Project: testProject, UserId: userId, Permissions: []string{catalog.TaskManage}})
	assert.ErrorIs(t, err, dbErr)
	assert.NotErrorIs(t, err, ErrPermissionDenied)
}

func TestGate_CheckCacheIsOrderIndependent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	roles := []*model.Role{customRole(2, 10, map[string]model.PermissionValue{catalog.TaskManage: model.Allow}), everyoneRole()}
	env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return(roles, nil)

	require.NoError(t, env.gate.Authorize(ctx, Request{Project: testProject, UserId: userId, Permissions: []string{catalog.TaskManage, catalog.TaskViewAll}}))

	// force the next decision to come from the check cache alone
	env.mr.Del(cache.UserPermissionsKey(testProjectId, userId))
	require.NoError(t, env.gate.Authorize(ctx, Request{Project: testProject, UserId: userId, Permissions: []string{catalog.TaskViewAll, catalog.TaskManage}}))
	assert.False(t, env.mr.Exists(cache.UserPermissionsKey(testProjectId, userId)))
}

func TestGate_MemberPermissions(t *testing.T) {
	env := newTestEnv(t)
	env.repo.EXPECT().GetUserRoles(gomock.Any(), testProjectId, userId).Return([]*model.Role{everyoneRole()}, nil)

	permissions, err := env.gate.MemberPermissions(context.Background(), testProject, userId)
	require.NoError(t, err)
	assert.Equal(t, catalogDefaults(env.catalog), permissions)
}
