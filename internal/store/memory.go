package store

import (
	"context"
	"sync"
)

// Memory is an in-process SessionStateStore.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: map[string][]byte{}}
}

func (m *Memory) Save(_ context.Context, tenantID string, blob []byte) error {
	if !ValidTenantID(tenantID) {
		return ErrInvalidTenant
	}
	cp := append([]byte(nil), blob...)
	m.mu.Lock()
	m.blobs[tenantID] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context, tenantID string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[tenantID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (m *Memory) Delete(_ context.Context, tenantID string) error {
	m.mu.Lock()
	delete(m.blobs, tenantID)
	m.mu.Unlock()
	return nil
}
