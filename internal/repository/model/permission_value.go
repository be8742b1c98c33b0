package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// PermissionValue is the explicit state of a permission override on a role.
// Inherit falls through to lower ranked roles and finally to the catalog default.
type PermissionValue int8

const (
	Inherit PermissionValue = iota
	Allow
	Deny
)

func ValueOf(allowed bool) PermissionValue {
	if allowed {
		return Allow
	}
	return Deny
}

// Bool returns the boolean form of the value. ok is false for Inherit.
func (v PermissionValue) Bool() (value bool, ok bool) {
	switch v {
	case Allow:
		return true, true
	case Deny:
		return false, true
	default:
		return false, false
	}
}

func (v PermissionValue) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Inherit:
		return "inherit"
	default:
		return fmt.Sprintf("PermissionValue(%d)", int8(v))
	}
}

// Interface returns true, false or nil, the representation used by serialized payloads.
func (v PermissionValue) Interface() any {
	if b, ok := v.Bool(); ok {
		return b
	}
	return nil
}

func (v PermissionValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *PermissionValue) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Inherit
		return nil
	}

	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("permission value must be true, false or null: %w", err)
	}
	*v = ValueOf(b)
	return nil
}

// MarshalBSONValue stores Allow/Deny as booleans and Inherit as null.
func (v PermissionValue) MarshalBSONValue() (bsontype.Type, []byte, error) {
	if b, ok := v.Bool(); ok {
		return bsontype.Boolean, bsoncore.AppendBoolean(nil, b), nil
	}
	return bsontype.Null, nil, nil
}

func (v *PermissionValue) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	switch t {
	case bsontype.Null, bsontype.Undefined:
		*v = Inherit
	case bsontype.Boolean:
		b, _, ok := bsoncore.ReadBoolean(data)
		if !ok {
			return fmt.Errorf("invalid boolean permission value")
		}
		*v = ValueOf(b)
	default:
		return fmt.Errorf("cannot decode %s into a permission value", t)
	}
	return nil
}
