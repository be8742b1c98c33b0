package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Key formats are shared with every other process reading the same Redis, so they must not change.
const (
	roleKeyFormat            = "role:%d"
	projectRolesKeyFormat    = "prj:%d:roles"
	userPermissionsKeyFormat = "prj:%d:user:%d:perms"
	userRolesKeyFormat       = "prj:%d:user:%d:roles"
	permissionsCheckFormat   = "perm:%d:%d:%s"
)

func RoleKey(roleId int64) string {
	return fmt.Sprintf(roleKeyFormat, roleId)
}

func ProjectRolesKey(projectId int64) string {
	return fmt.Sprintf(projectRolesKeyFormat, projectId)
}

func UserPermissionsKey(projectId int64, userId int64) string {
	return fmt.Sprintf(userPermissionsKeyFormat, projectId, userId)
}

func UserRolesKey(projectId int64, userId int64) string {
	return fmt.Sprintf(userRolesKeyFormat, projectId, userId)
}

// PermissionsCheckKey is independent of the order of permissions.
func PermissionsCheckKey(projectId int64, userId int64, permissions []string) string {
	return fmt.Sprintf(permissionsCheckFormat, projectId, userId, permissionsHash(permissions))
}

// permissionsHash is the first 4 hex chars of the MD5 of the sorted, comma-joined names.
func permissionsHash(permissions []string) string {
	sorted := append([]string(nil), permissions...)
	sort.Strings(sorted)

	sum := md5.Sum([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])[:4]
}

func userPermissionsPattern(projectId int64) string {
	return fmt.Sprintf("prj:%d:user:*:perms", projectId)
}

func userRolesPattern(projectId int64) string {
	return fmt.Sprintf("prj:%d:user:*:roles", projectId)
}

func userChecksPattern(projectId int64, userId int64) string {
	return fmt.Sprintf("perm:%d:%d:*", projectId, userId)
}

func projectChecksPattern(projectId int64) string {
	return fmt.Sprintf("perm:%d:*", projectId)
}
