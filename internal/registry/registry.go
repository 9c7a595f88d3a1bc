// Package registry stores the relay's active connection identifiers.
//
// There is one client slot (the attached developer session, last writer
// wins) and any number of stub entries keyed by connection id. Every
// backend serves keyed reads with strong consistency so that a
// registration is visible to the very next lookup.
package registry

import (
	"context"
	"errors"
	"fmt"

	"lambda-live-bridge/internal/models"
)

// ErrAmbiguousRole is returned by Get for roles that are only addressable by id.
var ErrAmbiguousRole = errors.New("role has no single connection")

// Registry is the connection store used by the relay.
type Registry interface {
	// Put records c. A client connection replaces the current client.
	Put(ctx context.Context, c models.Connection) error
	// Get returns the current connection for role, nil when none is registered.
	Get(ctx context.Context, role models.Role) (*models.Connection, error)
	// Lookup resolves a connection by id, nil when it is not registered.
	Lookup(ctx context.Context, id string) (*models.Connection, error)
	// Remove deletes id. The client slot is only cleared while it still holds id.
	Remove(ctx context.Context, id string) error
}

func validate(c models.Connection) error {
	if c.ID == "" {
		return fmt.Errorf("registry: connection id is required")
	}
	switch c.Role {
	case models.RoleClient, models.RoleStub:
		return nil
	default:
		return fmt.Errorf("registry: unknown role %q", c.Role)
	}
}

func checkGetRole(role models.Role) error {
	switch role {
	case models.RoleClient:
		return nil
	case models.RoleStub:
		return fmt.Errorf("registry: get %s: %w", role, ErrAmbiguousRole)
	default:
		return fmt.Errorf("registry: unknown role %q", role)
	}
}
