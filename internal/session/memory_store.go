package session

import (
	"context"
	"sync"

	"github.com/mernickets/portal/internal/identity"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

// Begin implements Store.
func (m *MemoryStore) Begin(ctx context.Context, key string, principal *identity.Principal, loading bool) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[key]
	st.Generation++
	st.Token = ""
	st.Role = ""
	st.Loading = loading
	st.Identity = nil
	if principal != nil {
		copied := *principal
		st.Identity = &copied
	}
	m.states[key] = st
	return st.Generation, nil
}

// Commit implements Store.
func (m *MemoryStore) Commit(ctx context.Context, key string, gen uint64, token string, role Role) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok || st.Generation != gen {
		return false, nil
	}
	st.Token = token
	st.Role = role
	st.Loading = false
	m.states[key] = st
	return true, nil
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, key string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[key]
	if st.Identity != nil {
		copied := *st.Identity
		st.Identity = &copied
	}
	return st, nil
}
