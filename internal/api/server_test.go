package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"project-permission-service/internal/authz"
	"project-permission-service/internal/cache"
	"project-permission-service/internal/catalog"
	"project-permission-service/internal/metrics"
	"project-permission-service/internal/notifier"
	"project-permission-service/internal/repository"
	"project-permission-service/internal/repository/model"
	"project-permission-service/internal/roles"
	"strconv"
	"strings"
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
	projectId = int64(3)
	ownerId   = int64(1)
	managerId = int64(2)
	memberId  = int64(4)
)

var project = &model.Project{Id: projectId, OwnerId: ownerId}

type testEnv struct {
	repo    *repository.MockRepository
	notif   *notifier.MockNotifier
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ctrl := gomock.NewController(t)
	repo := repository.NewMockRepository(ctrl)
	notif := notifier.NewMockNotifier(ctrl)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cat, err := catalog.Default()
	require.NoError(t, err)

	logger := zap.NewNop().Sugar()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	c := cache.New(client, cache.DefaultTTL, m)
	gate := authz.NewGate(logger, authz.NewResolver(logger, repo, c, cat), c, cat, m)
	store := roles.NewStore(logger, repo, c, cat, notif)

	return &testEnv{
		repo:    repo,
		notif:   notif,
		handler: NewServer(logger, gate, store, cat, m).Routes(),
	}
}

func (e *testEnv) do(t *testing.T, method string, path string, userId int64, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userId != 0 {
		req.Header.Set(UserIdHeader, strconv.FormatInt(userId, 10))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) expectProject() {
	e.repo.EXPECT().GetProject(gomock.Any(), projectId).Return(project, nil).AnyTimes()
}

// expectManager gives managerId a rank 30 role granting role_manage, member_manage and member_role_assign.
func (e *testEnv) expectManager() {
	manager := &model.Role{Id: 20, ProjectId: projectId, Name: "manager", Rank: 30, Permissions: []model.RolePermission{
		{RoleId: 20, Codename: catalog.RoleManage, Value: model.Allow},
		{RoleId: 20, Codename: catalog.MemberManage, Value: model.Allow},
		{RoleId: 20, Codename: catalog.MemberRoleAssign, Value: model.Allow},
	}}
	e.repo.EXPECT().GetUserRoles(gomock.Any(), projectId, managerId).Return([]*model.Role{manager, everyoneRole()}, nil).AnyTimes()
}

func everyoneRole() *model.Role {
	return &model.Role{Id: 10, ProjectId: projectId, Name: model.EveryoneRoleName, Color: model.DefaultRoleColor, IsEveryone: true}
}

func TestRequireUser(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/permissions", 0, "").Code)

	req := httptest.NewRequest(http.MethodGet, "/permissions", nil)
	req.Header.Set(UserIdHeader, "abc")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListPermissions(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/permissions", memberId, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var permissions []catalog.Permission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &permissions))
	assert.Len(t, permissions, 16)
}

func TestProjectNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.repo.EXPECT().GetProject(gomock.Any(), projectId).Return(nil, repository.ErrProjectNotFound)

	rec := env.do(t, http.MethodGet, "/projects/3/roles", memberId, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidPathId(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/projects/abc/roles", memberId, "").Code)
}

func TestCreateRole(t *testing.T) {
	tests := []struct {
		name   string
		userId int64
		body   string
		status int
	}{
		{name: "owner", userId: ownerId, body: `{"name":"mod","rank":90}`, status: http.StatusCreated},
		{name: "manager below own rank", userId: managerId, body: `{"name":"mod","color":"#ab12cd","rank":29}`, status: http.StatusCreated},
		{name: "manager at own rank", userId: managerId, body: `{"name":"mod","rank":30}`, status: http.StatusForbidden},
		{name: "member without permission", userId: memberId, body: `{"name":"mod","rank":1}`, status: http.StatusForbidden},
		{name: "invalid rank", userId: ownerId, body: `{"name":"mod","rank":101}`, status: http.StatusBadRequest},
		{name: "reserved name", userId: ownerId, body: `{"name":"@everyone","rank":5}`, status: http.StatusBadRequest},
		{name: "malformed body", userId: ownerId, body: `{"name":`, status: http.StatusBadRequest},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.expectProject()
			env.expectManager()
			env.repo.EXPECT().GetUserRoles(gomock.Any(), projectId, memberId).Return([]*model.Role{everyoneRole()}, nil).AnyTimes()

			if test.status == http.StatusCreated {
				env.repo.EXPECT().CreateRole(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, role *model.Role) error {
					role.Id = 50
					return nil
				})
				env.notif.EXPECT().RoleUpdate(gomock.Any(), gomock.Any(), notifier.ChangeCreated).Return(nil)
			}

			rec := env.do(t, http.MethodPost, "/projects/3/roles", test.userId, test.body)
			assert.Equal(t, test.status, rec.Code)

			if test.status == http.StatusCreated {
				var role model.Role
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &role))
				assert.Equal(t, int64(50), role.Id)
				assert.Equal(t, projectId, role.ProjectId)
			}
		})
	}
}

func TestUpdateRolePermissions_UnknownCodename(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.repo.EXPECT().GetRole(gomock.Any(), int64(20)).Return(&model.Role{Id: 20, ProjectId: projectId, Rank: 10}, nil)

	rec := env.do(t, http.MethodPatch, "/projects/3/roles/20/permissions/batch", ownerId, `{"unknown_codename":true,"task_manage":null}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var res errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, []string{"unknown_codename"}, res.Codenames)
}

func TestUpdateRolePermissions_InvalidValues(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.repo.EXPECT().GetRole(gomock.Any(), int64(20)).Return(&model.Role{Id: 20, ProjectId: projectId, Rank: 10}, nil)

	rec := env.do(t, http.MethodPatch, "/projects/3/roles/20/permissions/batch", ownerId, `{"task_manage":"yes","role_manage":1,"task_view_all":null}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var res errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, []string{catalog.RoleManage, catalog.TaskManage}, res.Codenames)
}

func TestUpdateRolePermissions(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.repo.EXPECT().GetRole(gomock.Any(), int64(20)).Return(&model.Role{Id: 20, ProjectId: projectId, Rank: 10}, nil)

	codenames := []string{catalog.TaskManage, catalog.TaskViewAll}
	written := []model.RolePermission{
		{RoleId: 20, Codename: catalog.TaskManage, Value: model.Allow},
		{RoleId: 20, Codename: catalog.TaskViewAll, Value: model.Deny},
	}
	gomock.InOrder(
		env.repo.EXPECT().GetRolePermissions(gomock.Any(), int64(20), codenames).Return(nil, nil),
		env.repo.EXPECT().UpsertRolePermissions(gomock.Any(), written).Return(nil),
		env.repo.EXPECT().GetRolePermissions(gomock.Any(), int64(20), codenames).Return(written, nil),
	)
	env.notif.EXPECT().RolePermissionsUpdate(gomock.Any(), gomock.Any(), written).Return(nil)

	rec := env.do(t, http.MethodPatch, "/projects/3/roles/20/permissions/batch", ownerId, `{"task_manage":true,"task_view_all":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[
		{"roleId":20,"codename":"task_manage","value":true},
		{"roleId":20,"codename":"task_view_all","value":false}
	]`, rec.Body.String())
}

func TestDeleteRole_RankCheck(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.expectManager()
	env.repo.EXPECT().GetRole(gomock.Any(), int64(21)).Return(&model.Role{Id: 21, ProjectId: projectId, Rank: 30}, nil)

	rec := env.do(t, http.MethodDelete, "/projects/3/roles/21", managerId, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeleteRole_Everyone(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.repo.EXPECT().GetRole(gomock.Any(), int64(10)).Return(everyoneRole(), nil)

	rec := env.do(t, http.MethodDelete, "/projects/3/roles/10", ownerId, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRole_OtherProject(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.repo.EXPECT().GetRole(gomock.Any(), int64(99)).Return(&model.Role{Id: 99, ProjectId: 8, Rank: 5}, nil)

	rec := env.do(t, http.MethodGet, "/projects/3/roles/99", memberId, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchUpdateRoles_SkipsMissing(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.repo.EXPECT().GetRole(gomock.Any(), int64(21)).Return(&model.Role{Id: 21, ProjectId: projectId, Name: "a", Rank: 5}, nil)
	env.repo.EXPECT().GetRole(gomock.Any(), int64(22)).Return(nil, repository.ErrRoleNotFound)
	env.repo.EXPECT().UpdateRoles(gomock.Any(), gomock.Len(1)).Return(nil)
	env.notif.EXPECT().RoleUpdate(gomock.Any(), gomock.Any(), notifier.ChangeModified).Return(nil)

	rec := env.do(t, http.MethodPatch, "/projects/3/roles/batch", ownerId, `[{"id":21,"rank":6},{"id":22,"rank":7}]`)
	require.Equal(t, http.StatusOK, rec.Code)

	var saved []model.Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	require.Len(t, saved, 1)
	assert.Equal(t, 6, saved[0].Rank)
}

func TestBatchUpdateRoles_RaisingAboveOwnRank(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.expectManager()
	env.repo.EXPECT().GetRole(gomock.Any(), int64(21)).Return(&model.Role{Id: 21, ProjectId: projectId, Name: "a", Rank: 5}, nil)

	rec := env.do(t, http.MethodPatch, "/projects/3/roles/batch", managerId, `[{"id":21,"rank":40}]`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAssignRole(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.expectManager()
	env.repo.EXPECT().GetRole(gomock.Any(), int64(21)).Return(&model.Role{Id: 21, ProjectId: projectId, Rank: 5}, nil)
	env.repo.EXPECT().AddRoleToMember(gomock.Any(), gomock.Any()).Return(nil)
	env.notif.EXPECT().MemberRolesUpdate(gomock.Any(), gomock.Any(), notifier.ChangeAdded).Return(nil)

	rec := env.do(t, http.MethodPost, "/projects/3/members/4/roles", managerId, `{"roleId":21}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAssignRole_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.repo.EXPECT().GetRole(gomock.Any(), int64(21)).Return(&model.Role{Id: 21, ProjectId: projectId, Rank: 5}, nil)
	env.repo.EXPECT().AddRoleToMember(gomock.Any(), gomock.Any()).Return(repository.ErrAlreadyHasRole)

	rec := env.do(t, http.MethodPost, "/projects/3/members/4/roles", ownerId, `{"roleId":21}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAssignRole_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()

	rec := env.do(t, http.MethodPost, "/projects/3/members/4/roles", ownerId, `{"roleId":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnassignRole_Missing(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.repo.EXPECT().GetRole(gomock.Any(), int64(21)).Return(&model.Role{Id: 21, ProjectId: projectId, Rank: 5}, nil)
	env.repo.EXPECT().RemoveRoleFromMember(gomock.Any(), int64(21), memberId).Return(repository.ErrDoesNotHaveRole)

	rec := env.do(t, http.MethodDelete, "/projects/3/members/4/roles/21", ownerId, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveMember_OwnerTarget(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.expectManager()

	rec := env.do(t, http.MethodDelete, "/projects/3/members/1", managerId, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRemoveMember_HigherRankedTarget(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.expectManager()
	env.repo.EXPECT().GetUserRoles(gomock.Any(), projectId, memberId).Return([]*model.Role{
		{Id: 30, ProjectId: projectId, Rank: 60},
		everyoneRole(),
	}, nil)

	rec := env.do(t, http.MethodDelete, "/projects/3/members/4", managerId, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMemberPermissions(t *testing.T) {
	env := newTestEnv(t)
	env.expectProject()
	env.expectManager()

	rec := env.do(t, http.MethodGet, "/projects/3/members/2/permissions", memberId, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var permissions map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &permissions))
	assert.True(t, permissions[catalog.RoleManage])
	assert.True(t, permissions[catalog.CommentCreate])
	assert.False(t, permissions[catalog.TaskManage])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/permissions", memberId, "").Code)

	rec := env.do(t, http.MethodGet, "/metrics", 0, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `permission_http_requests_total{method="GET",route="/permissions",status="200"} 1`)
}
