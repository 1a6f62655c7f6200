// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/Vusisean11/valiant/pkg/errors"
)

// MemoryStore keeps sessions and customer variables in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	customers map[customerKey]map[string]any
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*Session),
		customers: make(map[customerKey]map[string]any),
	}
}

// Load returns a copy of the stored session.
func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "session not found", nil).WithContext("session_id", id)
	}
	return s.Clone(), nil
}

// Create stores a new session.
func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return errors.New(errors.CodeSessionConflict, "session already exists", nil).WithContext("session_id", s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

// Save replaces the stored session if the versions agree.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[s.ID]
	if !ok {
		return errors.New(errors.CodeNotFound, "session not found", nil).WithContext("session_id", s.ID)
	}
	if stored.Version != s.Version {
		return conflict(s.ID, stored.Version, s.Version)
	}
	if len(s.Transcript) < len(stored.Transcript) {
		return errors.New(errors.CodeInvalidInput, "transcript is append-only", nil).
			WithContext("session_id", s.ID)
	}
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	m.sessions[s.ID] = s.Clone()
	return nil
}

// LoadCustomer returns a copy of the customer's variables.
func (m *MemoryStore) LoadCustomer(_ context.Context, agentID, customerID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vars := maps.Clone(m.customers[customerKey{agentID, customerID}])
	if vars == nil {
		vars = map[string]any{}
	}
	return vars, nil
}

// SaveCustomer merges vars into the customer's variables.
func (m *MemoryStore) SaveCustomer(_ context.Context, agentID, customerID string, vars map[string]any) error {
	if customerID == "" {
		return errors.New(errors.CodeInvalidInput, "customer id is required", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := customerKey{agentID, customerID}
	stored, ok := m.customers[key]
	if !ok {
		stored = make(map[string]any, len(vars))
		m.customers[key] = stored
	}
	maps.Copy(stored, vars)
	return nil
}

func conflict(id string, stored, given int64) error {
	return errors.New(errors.CodeSessionConflict, "session was modified concurrently", nil).
		WithContext("session_id", id).
		WithContext("stored_version", stored).
		WithContext("version", given)
}
