package roles

import (
	"context"
	"errors"
	"fmt"
	"project-permission-service/internal/cache"
	"project-permission-service/internal/catalog"
	"project-permission-service/internal/notifier"
	"project-permission-service/internal/repository"
	"project-permission-service/internal/repository/model"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

type RoleInput struct {
	Name  string `json:"name" validate:"required,max=100"`
	Color string `json:"color" validate:"omitempty,rgbhex"`
	Rank  int    `json:"rank" validate:"min=1,max=100"`
}

// RoleUpdate changes only the fields that are set.
type RoleUpdate struct {
	Id    int64   `json:"id"`
	Name  *string `json:"name" validate:"omitempty,min=1,max=100"`
	Color *string `json:"color" validate:"omitempty,rgbhex"`
	Rank  *int    `json:"rank" validate:"omitempty,min=1,max=100"`
}

// RoleChange is a validated update waiting to be saved.
type RoleChange struct {
	Before *model.Role
	After  *model.Role
}

func (c RoleChange) RankChanged() bool {
	return c.Before.Rank != c.After.Rank
}

// Store manages roles, their permission overrides and memberships, and keeps the
// permission cache coherent with every change.
type Store struct {
	logger   *zap.SugaredLogger
	repo     repository.Repository
	cache    *cache.Cache
	catalog  *catalog.Catalog
	notif    notifier.Notifier
	validate *validator.Validate
}

func NewStore(logger *zap.SugaredLogger, repo repository.Repository, cache *cache.Cache, catalog *catalog.Catalog, notif notifier.Notifier) *Store {
	return &Store{
		logger:   logger,
		repo:     repo,
		cache:    cache,
		catalog:  catalog,
		notif:    notif,
		validate: newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	if err := v.RegisterValidation("rgbhex", func(fl validator.FieldLevel) bool {
		return colorPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// CreateEveryoneRole builds the everyone role of a project. It is not persisted.
func (s *Store) CreateEveryoneRole(projectId int64) *model.Role {
	return &model.Role{
		ProjectId:  projectId,
		Name:       model.EveryoneRoleName,
		Color:      model.DefaultRoleColor,
		Rank:       model.EveryoneRoleRank,
		IsEveryone: true,
		CreatedAt:  time.Now().UTC(),
	}
}

func (s *Store) GetProject(ctx context.Context, projectId int64) (*model.Project, error) {
	return s.repo.GetProject(ctx, projectId)
}

// InitProject stores the project and its everyone role. Repeated calls do not create a second everyone role.
func (s *Store) InitProject(ctx context.Context, project *model.Project) error {
	if err := s.repo.SaveProject(ctx, project); err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}

	roles, err := s.repo.GetProjectRoles(ctx, project.Id)
	if err != nil {
		return fmt.Errorf("failed to get project roles: %w", err)
	}
	for _, role := range roles {
		if role.IsEveryone {
			return nil
		}
	}

	everyone := s.CreateEveryoneRole(project.Id)
	if err := s.repo.CreateRole(ctx, everyone); err != nil {
		return fmt.Errorf("failed to create everyone role: %w", err)
	}

	return s.cache.InvalidateRole(ctx, project.Id, everyone.Id)
}

func (s *Store) TransferOwnership(ctx context.Context, projectId int64, ownerId int64) error {
	project, err := s.repo.GetProject(ctx, projectId)
	if err != nil {
		return err
	}

	project.OwnerId = ownerId
	if err := s.repo.SaveProject(ctx, project); err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}

	return s.cache.InvalidateProjectPermissions(ctx, projectId)
}

// DeleteProject removes the project with all of its roles, overrides and memberships.
func (s *Store) DeleteProject(ctx context.Context, projectId int64) error {
	roles, err := s.repo.GetProjectRoles(ctx, projectId)
	if err != nil {
		return fmt.Errorf("failed to get project roles: %w", err)
	}

	if err := s.repo.DeleteProject(ctx, projectId); err != nil {
		return err
	}

	for _, role := range roles {
		if err := s.cache.InvalidateRole(ctx, projectId, role.Id); err != nil {
			return err
		}
	}
	return s.cache.InvalidateProjectPermissions(ctx, projectId)
}

// GetRole returns ErrRoleNotFound for roles of other projects, cached or not.
func (s *Store) GetRole(ctx context.Context, projectId int64, roleId int64) (*model.Role, error) {
	role, ok, err := s.cache.GetRole(ctx, roleId)
	if err != nil {
		s.logger.Warnw("failed to read cached role", "roleId", roleId, "error", err)
	}

	if !ok {
		role, err = s.repo.GetRole(ctx, roleId)
		if err != nil {
			return nil, err
		}

		if err := s.cache.SetRole(ctx, role); err != nil {
			s.logger.Warnw("failed to cache role", "roleId", roleId, "error", err)
		}
	}

	if role.ProjectId != projectId {
		return nil, repository.ErrRoleNotFound
	}
	return role, nil
}

// ListRoles returns the project roles ordered by rank descending.
func (s *Store) ListRoles(ctx context.Context, projectId int64, withMembers bool) ([]*model.Role, error) {
	roles, ok, err := s.cache.GetProjectRoles(ctx, projectId)
	if err != nil {
		s.logger.Warnw("failed to read cached project roles", "projectId", projectId, "error", err)
	}

	if !ok {
		roles, err = s.repo.GetProjectRoles(ctx, projectId)
		if err != nil {
			return nil, err
		}

		if err := s.cache.SetProjectRoles(ctx, projectId, roles); err != nil {
			s.logger.Warnw("failed to cache project roles", "projectId", projectId, "error", err)
		}
	}

	if withMembers {
		return roles, nil
	}

	trimmed := make([]*model.Role, len(roles))
	for i, role := range roles {
		trimmed[i] = role.Clone()
		trimmed[i].Members = nil
	}
	return trimmed, nil
}

// GetRolePermissions returns one entry per catalog permission, ordered by codename. Permissions
// the role does not override are Inherit, or the catalog default for the everyone role.
func (s *Store) GetRolePermissions(ctx context.Context, role *model.Role) ([]model.RolePermission, error) {
	stored, err := s.repo.GetRolePermissions(ctx, role.Id)
	if err != nil {
		return nil, err
	}

	overrides := make(map[string]model.PermissionValue, len(stored))
	for _, p := range stored {
		overrides[p.Codename] = p.Value
	}

	all := s.catalog.All()
	permissions := make([]model.RolePermission, len(all))
	for i, p := range all {
		value := overrides[p.Codename]
		if value == model.Inherit && role.IsEveryone {
			value = model.ValueOf(p.Default)
		}
		permissions[i] = model.RolePermission{RoleId: role.Id, Codename: p.Codename, Value: value}
	}
	return permissions, nil
}

// UpdateRolePermissions validates every codename before writing anything. Entries that would not
// change the stored state are skipped. It returns the stored rows of the requested codenames.
func (s *Store) UpdateRolePermissions(ctx context.Context, role *model.Role, updates map[string]model.PermissionValue) ([]model.RolePermission, error) {
	codenames := make([]string, 0, len(updates))
	for codename := range updates {
		codenames = append(codenames, codename)
	}
	sort.Strings(codenames)

	if unknown := s.catalog.Unknown(codenames); len(unknown) > 0 {
		return nil, unknownPermissionsError(unknown)
	}
	if len(codenames) == 0 {
		return []model.RolePermission{}, nil
	}

	stored, err := s.repo.GetRolePermissions(ctx, role.Id, codenames...)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]model.PermissionValue, len(stored))
	for _, p := range stored {
		existing[p.Codename] = p.Value
	}

	var writes []model.RolePermission
	for _, codename := range codenames {
		value := updates[codename]
		current, ok := existing[codename]
		if !ok && value == model.Inherit {
			continue
		}
		if ok && current == value {
			continue
		}
		writes = append(writes, model.RolePermission{RoleId: role.Id, Codename: codename, Value: value})
	}

	if len(writes) > 0 {
		if err := s.repo.UpsertRolePermissions(ctx, writes); err != nil {
			return nil, fmt.Errorf("failed to upsert role permissions: %w", err)
		}
	}

	// A retry after a failed invalidation writes nothing, so this does not depend on writes.
	if err := s.invalidateRoleAndProject(ctx, role); err != nil {
		return nil, err
	}

	if len(writes) > 0 {
		if err := s.notif.RolePermissionsUpdate(ctx, role, writes); err != nil {
			s.logger.Errorw("failed to notify role permissions update", "roleId", role.Id, "error", err)
		}
	}

	return s.repo.GetRolePermissions(ctx, role.Id, codenames...)
}

func (s *Store) CreateRole(ctx context.Context, projectId int64, input RoleInput) (*model.Role, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, fieldErrors(err)
	}
	if input.Name == model.EveryoneRoleName {
		return nil, &ValidationError{Message: fmt.Sprintf("role name %s is reserved", model.EveryoneRoleName)}
	}

	color := input.Color
	if color == "" {
		color = model.DefaultRoleColor
	}

	role := &model.Role{
		ProjectId: projectId,
		Name:      input.Name,
		Color:     strings.ToUpper(color),
		Rank:      input.Rank,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateRole(ctx, role); err != nil {
		return nil, fmt.Errorf("failed to create role: %w", err)
	}

	if err := s.cache.InvalidateRole(ctx, projectId, role.Id); err != nil {
		return nil, err
	}

	if err := s.notif.RoleUpdate(ctx, role, notifier.ChangeCreated); err != nil {
		s.logger.Errorw("failed to notify role creation", "roleId", role.Id, "error", err)
	}

	return role, nil
}

// PrepareUpdate loads the role and applies the update to a copy without saving it. The name and
// rank of the everyone role are never changed.
func (s *Store) PrepareUpdate(ctx context.Context, projectId int64, update RoleUpdate) (RoleChange, error) {
	if err := s.validate.Struct(update); err != nil {
		return RoleChange{}, fieldErrors(err)
	}

	before, err := s.GetRole(ctx, projectId, update.Id)
	if err != nil {
		return RoleChange{}, err
	}

	after := before.Clone()
	after.Members = nil
	if update.Color != nil {
		after.Color = strings.ToUpper(*update.Color)
	}
	if !before.IsEveryone {
		if update.Name != nil {
			if *update.Name == model.EveryoneRoleName {
				return RoleChange{}, &ValidationError{Message: fmt.Sprintf("role name %s is reserved", model.EveryoneRoleName)}
			}
			after.Name = *update.Name
		}
		if update.Rank != nil {
			after.Rank = *update.Rank
		}
	}

	return RoleChange{Before: before, After: after}, nil
}

// SaveRoles writes all changes in one bulk operation and returns the saved roles.
func (s *Store) SaveRoles(ctx context.Context, projectId int64, changes []RoleChange) ([]*model.Role, error) {
	if len(changes) == 0 {
		return []*model.Role{}, nil
	}

	roles := make([]*model.Role, len(changes))
	rankChanged := false
	for i, change := range changes {
		if change.After.ProjectId != projectId {
			return nil, repository.ErrRoleNotFound
		}
		roles[i] = change.After
		rankChanged = rankChanged || change.RankChanged()
	}

	if err := s.repo.UpdateRoles(ctx, roles); err != nil {
		return nil, fmt.Errorf("failed to update roles: %w", err)
	}

	for _, role := range roles {
		if err := s.cache.InvalidateRole(ctx, projectId, role.Id); err != nil {
			return nil, err
		}
	}
	if rankChanged {
		if err := s.cache.InvalidateProjectPermissions(ctx, projectId); err != nil {
			return nil, err
		}
	}

	for _, role := range roles {
		if err := s.notif.RoleUpdate(ctx, role, notifier.ChangeModified); err != nil {
			s.logger.Errorw("failed to notify role update", "roleId", role.Id, "error", err)
		}
	}

	return roles, nil
}

func (s *Store) DeleteRole(ctx context.Context, role *model.Role) error {
	if role.IsEveryone {
		return &ValidationError{Message: "the everyone role cannot be deleted"}
	}

	holders, found, err := s.roleHolders(ctx, role)
	if err != nil {
		return err
	}

	err = s.repo.DeleteRole(ctx, role.Id)
	if err != nil && !errors.Is(err, repository.ErrRoleNotFound) {
		return err
	}

	// A role that is already gone was deleted by a call that may have failed to invalidate,
	// and its holders can no longer be listed, so every user of the project is cleared instead.
	var invErr error
	if found {
		invErr = s.cache.BatchInvalidate(ctx, role.ProjectId, holders)
	} else {
		invErr = s.cache.InvalidateProjectPermissions(ctx, role.ProjectId)
	}
	if invErr != nil {
		return invErr
	}
	// the role key goes last so a retry can still load the role
	if invErr := s.cache.InvalidateRole(ctx, role.ProjectId, role.Id); invErr != nil {
		return invErr
	}
	if err != nil {
		return err
	}

	if err := s.notif.RoleUpdate(ctx, role, notifier.ChangeDeleted); err != nil {
		s.logger.Errorw("failed to notify role deletion", "roleId", role.Id, "error", err)
	}
	return nil
}

// roleHolders lists the users holding role, read from the database rather than the cache.
func (s *Store) roleHolders(ctx context.Context, role *model.Role) ([]int64, bool, error) {
	projectRoles, err := s.repo.GetProjectRoles(ctx, role.ProjectId)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get project roles: %w", err)
	}

	for _, r := range projectRoles {
		if r.Id != role.Id {
			continue
		}
		userIds := make([]int64, 0, len(r.Members))
		for _, m := range r.Members {
			userIds = append(userIds, m.UserId)
		}
		return userIds, true, nil
	}
	return nil, false, nil
}

func (s *Store) AssignRole(ctx context.Context, role *model.Role, userId int64) error {
	if role.IsEveryone {
		return &ValidationError{Message: "the everyone role cannot be assigned"}
	}

	member := model.MemberRole{RoleId: role.Id, UserId: userId, ProjectId: role.ProjectId, DateAdded: time.Now().UTC()}
	if err := s.repo.AddRoleToMember(ctx, member); err != nil {
		if errors.Is(err, repository.ErrAlreadyHasRole) {
			return s.invalidateMemberThen(ctx, member, err)
		}
		return err
	}

	return s.membershipChanged(ctx, member, notifier.ChangeAdded)
}

func (s *Store) UnassignRole(ctx context.Context, role *model.Role, userId int64) error {
	if role.IsEveryone {
		return &ValidationError{Message: "the everyone role cannot be unassigned"}
	}

	member := model.MemberRole{RoleId: role.Id, UserId: userId, ProjectId: role.ProjectId}
	if err := s.repo.RemoveRoleFromMember(ctx, role.Id, userId); err != nil {
		if errors.Is(err, repository.ErrDoesNotHaveRole) {
			return s.invalidateMemberThen(ctx, member, err)
		}
		return err
	}

	return s.membershipChanged(ctx, member, notifier.ChangeRemoved)
}

// MemberRoles returns the custom roles a user holds in a project, highest rank first.
func (s *Store) MemberRoles(ctx context.Context, projectId int64, userId int64) ([]*model.Role, error) {
	roles, ok, err := s.cache.GetUserRoles(ctx, projectId, userId)
	if err != nil {
		s.logger.Warnw("failed to read cached user roles", "projectId", projectId, "userId", userId, "error", err)
	}

	if !ok {
		roles, err = s.repo.GetUserRoles(ctx, projectId, userId)
		if err != nil {
			return nil, err
		}

		if err := s.cache.SetUserRoles(ctx, projectId, userId, roles); err != nil {
			s.logger.Warnw("failed to cache user roles", "projectId", projectId, "userId", userId, "error", err)
		}
	}

	memberRoles := make([]*model.Role, 0, len(roles))
	for _, role := range roles {
		if role.IsEveryone {
			continue
		}
		r := role.Clone()
		r.Permissions = nil
		memberRoles = append(memberRoles, r)
	}
	return memberRoles, nil
}

// RemoveMember drops every role assignment of a user in a project.
func (s *Store) RemoveMember(ctx context.Context, projectId int64, userId int64) error {
	held, err := s.repo.GetUserRoles(ctx, projectId, userId)
	if err != nil {
		return fmt.Errorf("failed to get user roles: %w", err)
	}

	if err := s.repo.RemoveMember(ctx, projectId, userId); err != nil {
		return err
	}

	for _, role := range held {
		if role.IsEveryone {
			continue
		}
		if err := s.cache.InvalidateRole(ctx, projectId, role.Id); err != nil {
			return err
		}
	}
	if err := s.cache.InvalidateUserPermissions(ctx, projectId, userId); err != nil {
		return err
	}

	for _, role := range held {
		if role.IsEveryone {
			continue
		}
		member := model.MemberRole{RoleId: role.Id, UserId: userId, ProjectId: projectId}
		if err := s.notif.MemberRolesUpdate(ctx, member, notifier.ChangeRemoved); err != nil {
			s.logger.Errorw("failed to notify member role removal", "roleId", role.Id, "userId", userId, "error", err)
		}
	}
	return nil
}

func (s *Store) membershipChanged(ctx context.Context, member model.MemberRole, changeType notifier.ChangeType) error {
	if err := s.invalidateMember(ctx, member); err != nil {
		return err
	}

	if err := s.notif.MemberRolesUpdate(ctx, member, changeType); err != nil {
		s.logger.Errorw("failed to notify member roles update", "roleId", member.RoleId, "userId", member.UserId, "error", err)
	}
	return nil
}

func (s *Store) invalidateMember(ctx context.Context, member model.MemberRole) error {
	if err := s.cache.InvalidateRole(ctx, member.ProjectId, member.RoleId); err != nil {
		return err
	}
	return s.cache.InvalidateUserPermissions(ctx, member.ProjectId, member.UserId)
}

// invalidateMemberThen handles a membership write that had already been applied, possibly by an
// earlier call whose invalidation failed. It returns cause once the member's caches are cleared.
func (s *Store) invalidateMemberThen(ctx context.Context, member model.MemberRole, cause error) error {
	if err := s.invalidateMember(ctx, member); err != nil {
		return err
	}
	return cause
}

// invalidateRoleAndProject is used when the effect of a change on members is unknown.
func (s *Store) invalidateRoleAndProject(ctx context.Context, role *model.Role) error {
	if err := s.cache.InvalidateRole(ctx, role.ProjectId, role.Id); err != nil {
		return err
	}
	return s.cache.InvalidateProjectPermissions(ctx, role.ProjectId)
}

// IsNotFound reports whether err means a project, role or membership does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrRoleNotFound) ||
		errors.Is(err, repository.ErrProjectNotFound) ||
		errors.Is(err, repository.ErrDoesNotHaveRole)
}
