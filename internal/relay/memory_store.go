package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "PayRelay/internal/errors"
)

// MemoryStore 以内存方式保存支付记录，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Execution
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Execution)}
}

// Reserve 实现 Store。
func (m *MemoryStore) Reserve(_ context.Context, e *Execution) error {
	if e == nil || e.Key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付主键不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[e.Key]; ok {
		return ErrPaymentExists
	}
	m.payments[e.Key] = e.Clone()
	return nil
}

// Get 实现 Store。
func (m *MemoryStore) Get(_ context.Context, key string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.payments[key]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return e.Clone(), nil
}

// Reclaim 实现 Store。
func (m *MemoryStore) Reclaim(_ context.Context, key, requestHash string, maxAttempts int, now time.Time) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.payments[key]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if e.RequestHash != requestHash || !e.Reclaimable(maxAttempts) {
		return nil, ErrNotReclaimable
	}
	e.Status = StatusPending
	e.Attempts++
	e.ErrorCode = ""
	e.ErrorMessage = ""
	e.Retryable = false
	e.UpdatedAt = now.Unix()
	return e.Clone(), nil
}

// Complete 实现 Store。
func (m *MemoryStore) Complete(_ context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.payments[e.Key]
	if !ok {
		return ErrPaymentNotFound
	}
	if current.Status != StatusPending {
		return xerrors.Newf(xerrors.CodeConflict, "payment %s is already %s", e.PaymentID, current.Status)
	}
	m.payments[e.Key] = e.Clone()
	return nil
}

// ListByGrant 实现 Store，按创建时间倒序返回。
func (m *MemoryStore) ListByGrant(_ context.Context, grantID string, limit int) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, e := range m.payments {
		if e.GrantID == grantID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].PaymentID > out[j].PaymentID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
