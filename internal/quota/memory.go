// Copyright 2026 The VoxQuota Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quota

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the reference Store implementation: a mutex-guarded map with
// the same CAS semantics the PostgreSQL store provides. Used in tests and in
// single-node dev mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*TenantQuota
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*TenantQuota)}
}

// GetOrCreate returns the tenant's record, creating it with the given default
// limits if absent. Creation happens under the write lock, so concurrent
// first access yields exactly one record.
func (s *MemoryStore) GetOrCreate(_ context.Context, tenantID string, defaults Defaults) (*TenantQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[tenantID]; ok {
		return rec.Clone(), nil
	}

	rec := &TenantQuota{
		TenantID:            tenantID,
		MonthlyLimitMinutes: defaults.MonthlyLimitMinutes,
		WeeklyLimitMinutes:  defaults.WeeklyLimitMinutes,
		Version:             1,
	}
	s.records[tenantID] = rec
	return rec.Clone(), nil
}

// Get returns the tenant's record or ErrTenantNotFound.
func (s *MemoryStore) Get(_ context.Context, tenantID string) (*TenantQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return rec.Clone(), nil
}

// CompareAndSwap replaces the stored record iff its version still matches.
func (s *MemoryStore) CompareAndSwap(_ context.Context, expectedVersion int64, rec *TenantQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.TenantID]
	if !ok {
		return ErrTenantNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.records[rec.TenantID] = rec.Clone()
	return nil
}

// List returns all records ordered by tenant id.
func (s *MemoryStore) List(_ context.Context) ([]*TenantQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*TenantQuota, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}
