package api

import (
	"encoding/json"
	"net/http"
	"project-permission-service/internal/authz"
	"project-permission-service/internal/catalog"
	"project-permission-service/internal/repository"
	"project-permission-service/internal/repository/model"
	"project-permission-service/internal/roles"
	"sort"
)

func (s *Server) listPermissions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.All())
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	withMembers := r.URL.Query().Get("members") == "true"

	list, err := s.store.ListRoles(r.Context(), projectFrom(r).Id, withMembers)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getRole(w http.ResponseWriter, r *http.Request) {
	role := roleFrom(r).Clone()
	role.Permissions = nil
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) createRole(w http.ResponseWriter, r *http.Request) {
	var input roles.RoleInput
	if !s.decode(w, r, &input) {
		return
	}

	project := projectFrom(r)
	err := s.gate.Authorize(r.Context(), authz.Request{
		Project:     project,
		UserId:      userFrom(r),
		Permissions: []string{catalog.RoleManage},
		Checkers:    []authz.Checker{authz.NewRankChecker(authz.Value(int64(input.Rank)))},
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	role, err := s.store.CreateRole(r.Context(), project.Id, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (s *Server) updateRole(w http.ResponseWriter, r *http.Request) {
	var update roles.RoleUpdate
	if !s.decode(w, r, &update) {
		return
	}
	update.Id = roleFrom(r).Id

	saved, err := s.saveRoleUpdates(r, []roles.RoleUpdate{update})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(saved) == 0 {
		s.fail(w, r, repository.ErrRoleNotFound)
		return
	}
	writeJSON(w, http.StatusOK, saved[0])
}

func (s *Server) batchUpdateRoles(w http.ResponseWriter, r *http.Request) {
	var updates []roles.RoleUpdate
	if !s.decode(w, r, &updates) {
		return
	}

	saved, err := s.saveRoleUpdates(r, updates)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// saveRoleUpdates prepares every update and authorizes all of them in one decision before
// anything is written. Updates of roles that do not exist in the project are skipped.
func (s *Server) saveRoleUpdates(r *http.Request, updates []roles.RoleUpdate) ([]*model.Role, error) {
	project := projectFrom(r)

	changes := make([]roles.RoleChange, 0, len(updates))
	var checkers []authz.Checker
	for _, update := range updates {
		change, err := s.store.PrepareUpdate(r.Context(), project.Id, update)
		if err != nil {
			if roles.IsNotFound(err) {
				s.logger.Debugw("skipping update of missing role", "projectId", project.Id, "roleId", update.Id)
				continue
			}
			return nil, err
		}

		changes = append(changes, change)
		checkers = append(checkers, authz.NewRankChecker(authz.Value(int64(change.Before.Rank))))
		if change.After.Rank > change.Before.Rank {
			checkers = append(checkers, authz.NewRankChecker(authz.Value(int64(change.After.Rank))))
		}
	}

	if len(changes) == 0 {
		return []*model.Role{}, nil
	}

	err := s.gate.Authorize(r.Context(), authz.Request{
		Project:     project,
		UserId:      userFrom(r),
		Permissions: []string{catalog.RoleManage},
		Checkers:    checkers,
	})
	if err != nil {
		return nil, err
	}

	return s.store.SaveRoles(r.Context(), project.Id, changes)
}

func (s *Server) deleteRole(w http.ResponseWriter, r *http.Request) {
	role := roleFrom(r)
	if err := s.authorizeRoleManage(r, role); err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.store.DeleteRole(r.Context(), role); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getRolePermissions(w http.ResponseWriter, r *http.Request) {
	permissions, err := s.store.GetRolePermissions(r.Context(), roleFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permissions)
}

// updateRolePermissions takes {codename: true|false|null}; null resets the override to inherit.
func (s *Server) updateRolePermissions(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if !s.decode(w, r, &raw) {
		return
	}
	updates, err := permissionValues(raw)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	role := roleFrom(r)
	if err := s.authorizeRoleManage(r, role); err != nil {
		s.fail(w, r, err)
		return
	}

	permissions, err := s.store.UpdateRolePermissions(r.Context(), role, updates)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permissions)
}

func (s *Server) authorizeRoleManage(r *http.Request, role *model.Role) error {
	return s.gate.Authorize(r.Context(), authz.Request{
		Project:     projectFrom(r),
		UserId:      userFrom(r),
		Permissions: []string{catalog.RoleManage},
		Checkers:    []authz.Checker{authz.NewRankChecker(authz.Value(int64(role.Rank)))},
	})
}

// permissionValues parses every value of a batch permission update, naming all codenames whose
// value is not true, false or null.
func permissionValues(raw map[string]json.RawMessage) (map[string]model.PermissionValue, error) {
	updates := make(map[string]model.PermissionValue, len(raw))
	var invalid []string
	for codename, value := range raw {
		var v model.PermissionValue
		if err := json.Unmarshal(value, &v); err != nil {
			invalid = append(invalid, codename)
			continue
		}
		updates[codename] = v
	}

	if len(invalid) > 0 {
		sort.Strings(invalid)
		return nil, &roles.ValidationError{Message: "permission values must be true, false or null", Codenames: invalid}
	}
	return updates, nil
}
