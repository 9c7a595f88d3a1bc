package models

import "time"

// Role identifies which side of the bridge a relay connection belongs to
type Role string

const (
	RoleClient Role = "client"
	RoleStub   Role = "stub"
)

// Connection represents a relay connection recorded in the registry
type Connection struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	RegisteredAt time.Time `json:"registeredAt"`
}
