package repository

import (
	"context"
	"errors"
	"project-permission-service/internal/repository/model"
)

//go:generate mockgen -source=public.go -destination=mock_repository.go -package=repository

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrRoleNotFound    = errors.New("role not found")
	ErrAlreadyHasRole  = errors.New("member already has role")
	ErrDoesNotHaveRole = errors.New("member does not have role")
)

type Repository interface {
	GetProject(ctx context.Context, projectId int64) (*model.Project, error)
	SaveProject(ctx context.Context, project *model.Project) error
	// DeleteProject removes the project and every role, override and membership belonging to it.
	DeleteProject(ctx context.Context, projectId int64) error

	// CreateRole assigns the role a new id and inserts it.
	CreateRole(ctx context.Context, role *model.Role) error
	GetRole(ctx context.Context, roleId int64) (*model.Role, error)
	// GetProjectRoles returns the project roles ordered by rank descending, with their members.
	GetProjectRoles(ctx context.Context, projectId int64) ([]*model.Role, error)
	// UpdateRoles writes name, color and rank of every given role in one bulk operation.
	UpdateRoles(ctx context.Context, roles []*model.Role) error
	DeleteRole(ctx context.Context, roleId int64) error

	GetRolePermissions(ctx context.Context, roleId int64, codenames ...string) ([]model.RolePermission, error)
	// UpsertRolePermissions inserts or updates overrides keyed by (role, codename).
	UpsertRolePermissions(ctx context.Context, permissions []model.RolePermission) error

	// GetUserRoles returns the roles a user holds in a project plus the everyone role,
	// ordered by rank descending, each with its explicit permission overrides.
	GetUserRoles(ctx context.Context, projectId int64, userId int64) ([]*model.Role, error)
	AddRoleToMember(ctx context.Context, member model.MemberRole) error
	RemoveRoleFromMember(ctx context.Context, roleId int64, userId int64) error
	// RemoveMember removes every role assignment of a user within a project.
	RemoveMember(ctx context.Context, projectId int64, userId int64) error
}
