package api

import (
	"net/http"
	"project-permission-service/internal/authz"
	"project-permission-service/internal/catalog"
	"project-permission-service/internal/repository/model"
)

type assignRoleRequest struct {
	RoleId int64 `json:"roleId" validate:"required,gt=0"`
}

func (s *Server) listMemberRoles(w http.ResponseWriter, r *http.Request) {
	userId, ok := pathId(w, r, "userID")
	if !ok {
		return
	}

	memberRoles, err := s.store.MemberRoles(r.Context(), projectFrom(r).Id, userId)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, memberRoles)
}

func (s *Server) memberPermissions(w http.ResponseWriter, r *http.Request) {
	userId, ok := pathId(w, r, "userID")
	if !ok {
		return
	}

	permissions, err := s.gate.MemberPermissions(r.Context(), projectFrom(r), userId)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permissions)
}

func (s *Server) assignRole(w http.ResponseWriter, r *http.Request) {
	userId, ok := pathId(w, r, "userID")
	if !ok {
		return
	}

	var req assignRoleRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "roleId must be a positive integer")
		return
	}

	role, err := s.store.GetRole(r.Context(), projectFrom(r).Id, req.RoleId)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.authorizeRoleAssign(r, role); err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.store.AssignRole(r.Context(), role, userId); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unassignRole(w http.ResponseWriter, r *http.Request) {
	userId, ok := pathId(w, r, "userID")
	if !ok {
		return
	}
	roleId, ok := pathId(w, r, "roleID")
	if !ok {
		return
	}

	role, err := s.store.GetRole(r.Context(), projectFrom(r).Id, roleId)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.authorizeRoleAssign(r, role); err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.store.UnassignRole(r.Context(), role, userId); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	userId, ok := pathId(w, r, "userID")
	if !ok {
		return
	}

	project := projectFrom(r)
	err := s.gate.Authorize(r.Context(), authz.Request{
		Project:     project,
		UserId:      userFrom(r),
		Permissions: []string{catalog.MemberManage},
		Checkers: []authz.Checker{
			authz.NewCompareUsersRankChecker(authz.Value(userId)),
			authz.NewNotOwnerTargetChecker(authz.Value(userId)),
		},
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.store.RemoveMember(r.Context(), project.Id, userId); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) authorizeRoleAssign(r *http.Request, role *model.Role) error {
	return s.gate.Authorize(r.Context(), authz.Request{
		Project:     projectFrom(r),
		UserId:      userFrom(r),
		Permissions: []string{catalog.MemberRoleAssign},
		Checkers:    []authz.Checker{authz.NewRankChecker(authz.Value(int64(role.Rank)))},
	})
}
