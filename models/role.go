package models

import "fmt"

// Role identifies which side of a room a participant occupies.
type Role string

const (
	// RoleSender is the initiator: it owns the file and produces the capability offer.
	RoleSender Role = "sender"
	// RoleReceiver is the responder: it answers the offer and stores the file.
	RoleReceiver Role = "receiver"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleSender || r == RoleReceiver
}

// Opposite returns the counterpart role.
func (r Role) Opposite() Role {
	if r == RoleSender {
		return RoleReceiver
	}
	return RoleSender
}

// ParseRole validates a role string from the wire.
func ParseRole(value string) (Role, error) {
	role := Role(value)
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", value)
	}
	return role, nil
}
