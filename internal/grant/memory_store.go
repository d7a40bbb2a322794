package grant

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore 是基于内存的授权存储，主要用于测试与单机演示。
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]*Grant
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]*Grant)}
}

// Create 保存新的授权。
func (s *MemoryStore) Create(_ context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.grants[g.ID]; exists {
		return ErrGrantConflict
	}
	s.grants[g.ID] = g.Clone()
	return nil
}

// Get 查询授权。
func (s *MemoryStore) Get(_ context.Context, id string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, ErrGrantNotFound
	}
	return g.Clone(), nil
}

// ListByOwner 返回所有者最近创建的授权。
func (s *MemoryStore) ListByOwner(_ context.Context, owner string, limit int) ([]*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Grant
	for _, g := range s.grants {
		if SameAddress(g.Owner, owner) {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Expire 将已到期的 active 授权标记为 expired。
func (s *MemoryStore) Expire(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return ErrGrantNotFound
	}
	if g.Status == StatusActive && g.ExpiredAt(now) {
		g.Status = StatusExpired
		g.UpdatedAt = now.Unix()
	}
	return nil
}

// Revoke 将 active 授权标记为 revoked。
func (s *MemoryStore) Revoke(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return ErrGrantNotFound
	}
	if g.Status == StatusActive {
		g.Status = StatusRevoked
		g.UpdatedAt = now.Unix()
	}
	return nil
}

// ApplyDebit 在锁内执行与 SQL 条件更新等价的判断。
func (s *MemoryStore) ApplyDebit(_ context.Context, d Decision, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[d.GrantID]
	if !ok {
		return ErrGrantNotFound
	}
	if g.Status != StatusActive || g.ExpiredAt(now) || g.LastResetDay != d.ObservedResetDay {
		return errDebitRejected
	}
	used := g.UsedToday
	if d.Rollover {
		used = decimal.Zero
	}
	if used.Add(d.Amount).GreaterThan(g.DailyLimit) {
		return errDebitRejected
	}
	g.UsedToday = used.Add(d.Amount)
	g.TotalUsed = g.TotalUsed.Add(d.Amount)
	g.LastResetDay = d.Day
	g.UpdatedAt = now.Unix()
	return nil
}

// ReleaseDebit 回退一次扣款。
func (s *MemoryStore) ReleaseDebit(_ context.Context, d Decision, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[d.GrantID]
	if !ok {
		return ErrGrantNotFound
	}
	if g.LastResetDay == d.Day && g.UsedToday.GreaterThanOrEqual(d.Amount) {
		g.UsedToday = g.UsedToday.Sub(d.Amount)
	}
	if g.TotalUsed.GreaterThanOrEqual(d.Amount) {
		g.TotalUsed = g.TotalUsed.Sub(d.Amount)
	}
	g.UpdatedAt = now.Unix()
	return nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
