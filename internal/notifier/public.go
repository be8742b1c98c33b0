package notifier

import (
	"context"
	"project-permission-service/internal/repository/model"
)

//go:generate mockgen -source=public.go -destination=mock_notifier.go -package=notifier

type ChangeType string

const (
	ChangeCreated  ChangeType = "CREATED"
	ChangeModified ChangeType = "MODIFIED"
	ChangeDeleted  ChangeType = "DELETED"

	ChangeAdded   ChangeType = "ADDED"
	ChangeRemoved ChangeType = "REMOVED"
)

type Notifier interface {
	RoleUpdate(ctx context.Context, role *model.Role, changeType ChangeType) error
	// RolePermissionsUpdate carries only the overrides written by the update.
	RolePermissionsUpdate(ctx context.Context, role *model.Role, permissions []model.RolePermission) error
	MemberRolesUpdate(ctx context.Context, member model.MemberRole, changeType ChangeType) error
}
