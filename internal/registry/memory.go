package registry

import (
	"context"
	"sync"

	"lambda-live-bridge/internal/models"
)

// Memory is an in-process Registry for tests and single-node relays.
type Memory struct {
	mu     sync.RWMutex
	client *models.Connection
	stubs  map[string]models.Connection
}

// NewMemory returns an empty Memory registry.
func NewMemory() *Memory {
	return &Memory{stubs: make(map[string]models.Connection)}
}

func (m *Memory) Put(_ context.Context, c models.Connection) error {
	if err := validate(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Role == models.RoleClient {
		m.client = &c
		return nil
	}
	m.stubs[c.ID] = c
	return nil
}

func (m *Memory) Get(_ context.Context, role models.Role) (*models.Connection, error) {
	if err := checkGetRole(role); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, nil
	}
	c := *m.client
	return &c, nil
}

func (m *Memory) Lookup(_ context.Context, id string) (*models.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client != nil && m.client.ID == id {
		c := *m.client
		return &c, nil
	}
	if c, ok := m.stubs[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.ID == id {
		m.client = nil
	}
	delete(m.stubs, id)
	return nil
}
