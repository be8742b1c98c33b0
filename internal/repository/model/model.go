package model

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	EveryoneRoleName = "@everyone"
	EveryoneRoleRank = 0

	MinRoleRank = 1
	MaxRoleRank = 100

	DefaultRoleColor = "#000000"
)

// Project is the projection of an externally owned project that authorization needs.
type Project struct {
	Id      int64 `bson:"_id" json:"id"`
	OwnerId int64 `bson:"ownerId" json:"ownerId"`
}

func (p *Project) IsOwner(userId int64) bool {
	return p != nil && p.OwnerId == userId
}

type Role struct {
	Id         int64     `bson:"_id" json:"id"`
	ProjectId  int64     `bson:"projectId" json:"projectId"`
	Name       string    `bson:"name" json:"name"`
	Color      string    `bson:"color" json:"color"`
	Rank       int       `bson:"rank" json:"rank"`
	IsEveryone bool      `bson:"isEveryone" json:"isEveryone"`
	CreatedAt  time.Time `bson:"createdAt" json:"createdAt"`

	// Permissions holds the explicit overrides when loaded for resolution.
	Permissions []RolePermission `bson:"-" json:"permissions,omitempty"`
	// Members is only populated by project role listings.
	Members []MemberRole `bson:"-" json:"members,omitempty"`
}

// Clone returns a deep copy so cached values can be trimmed without aliasing.
func (r *Role) Clone() *Role {
	c := *r
	if r.Permissions != nil {
		c.Permissions = append([]RolePermission(nil), r.Permissions...)
	}
	if r.Members != nil {
		c.Members = append([]MemberRole(nil), r.Members...)
	}
	return &c
}

func (r *Role) ToProto() *structpb.Struct {
	members := make([]any, 0, len(r.Members))
	for _, m := range r.Members {
		members = append(members, m.UserId)
	}

	s, err := structpb.NewStruct(map[string]any{
		"id":         r.Id,
		"projectId":  r.ProjectId,
		"name":       r.Name,
		"color":      r.Color,
		"rank":       r.Rank,
		"isEveryone": r.IsEveryone,
		"createdAt":  r.CreatedAt.UTC().Format(time.RFC3339),
		"members":    members,
	})
	if err != nil {
		// every value above is a supported scalar
		panic(err)
	}
	return s
}

// RolePermission is one override of a catalog permission on a role.
type RolePermission struct {
	RoleId   int64           `bson:"roleId" json:"roleId"`
	Codename string          `bson:"codename" json:"codename"`
	Value    PermissionValue `bson:"value" json:"value"`
}

func (p *RolePermission) ToProto() *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"roleId":   structpb.NewNumberValue(float64(p.RoleId)),
		"codename": structpb.NewStringValue(p.Codename),
		"value":    permissionValueProto(p.Value),
	}})
}

func permissionValueProto(v PermissionValue) *structpb.Value {
	if b, ok := v.Bool(); ok {
		return structpb.NewBoolValue(b)
	}
	return structpb.NewNullValue()
}

// MemberRole assigns a custom role to a user. ProjectId is denormalized for lookups by member.
type MemberRole struct {
	RoleId    int64     `bson:"roleId" json:"roleId"`
	UserId    int64     `bson:"userId" json:"userId"`
	ProjectId int64     `bson:"projectId" json:"projectId"`
	DateAdded time.Time `bson:"dateAdded" json:"dateAdded"`
}
