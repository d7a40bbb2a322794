package group

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 以内存方式保存结算组。
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[string]*Group
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[string]*Group)}
}

// Create 实现 Store。
func (m *MemoryStore) Create(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.ID]; ok {
		return ErrExists
	}
	m.groups[g.ID] = g.Clone()
	return nil
}

// Get 实现 Store。
func (m *MemoryStore) Get(_ context.Context, groupID string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

// Save 实现 Store。
func (m *MemoryStore) Save(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.groups[g.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != g.Version {
		return ErrConflict
	}
	g.Version++
	m.groups[g.ID] = g.Clone()
	return nil
}

// ListUnfinished 实现 Store。
func (m *MemoryStore) ListUnfinished(_ context.Context, before int64, limit int) ([]*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Group
	for _, g := range m.groups {
		if g.UpdatedAt > before {
			continue
		}
		if g.Status == StatusExecuting || (g.Status == StatusRolledBack && !g.Terminal()) {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt < out[j].UpdatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
