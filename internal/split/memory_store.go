package split

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type creditKey struct {
	orderID string
	leg     string
}

// MemoryStore 是基于内存的分账存储。
type MemoryStore struct {
	mu       sync.RWMutex
	configs  map[string]*Config
	credits  map[creditKey]Credit
	order    map[string][]creditKey
	balances map[string]*Balance
	hook     func(Credit) error
}

// MemoryOption 定义可选配置。
type MemoryOption func(*MemoryStore)

// WithCreditHook 在每笔流水入账前调用 hook，返回错误时整个 Update 不生效，测试中用于注入故障。
func WithCreditHook(hook func(Credit) error) MemoryOption {
	return func(s *MemoryStore) {
		s.hook = hook
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		configs:  make(map[string]*Config),
		credits:  make(map[creditKey]Credit),
		order:    make(map[string][]creditKey),
		balances: make(map[string]*Balance),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func payeeKey(payee string) string {
	return strings.ToLower(strings.TrimSpace(payee))
}

// Create 保存新配置。
func (s *MemoryStore) Create(_ context.Context, cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[cfg.OrderID]; ok {
		return ErrExists
	}
	s.configs[cfg.OrderID] = cfg.Clone()
	return nil
}

// Get 查询配置。
func (s *MemoryStore) Get(_ context.Context, orderID string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return cfg.Clone(), nil
}

// Update 在写锁内执行 fn，并原子地应用配置与入账流水。
func (s *MemoryStore) Update(_ context.Context, orderID string, now time.Time, fn Mutation) (*Config, []Credit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.configs[orderID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	next := current.Clone()
	credits, err := fn(next)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[creditKey]struct{}, len(credits))
	for _, c := range credits {
		key := creditKey{orderID: c.OrderID, leg: c.Leg}
		if _, dup := s.credits[key]; dup {
			return nil, nil, errCreditExists
		}
		if _, dup := seen[key]; dup {
			return nil, nil, errCreditExists
		}
		seen[key] = struct{}{}
		if s.hook != nil {
			if err := s.hook(c); err != nil {
				return nil, nil, err
			}
		}
	}

	for _, c := range credits {
		key := creditKey{orderID: c.OrderID, leg: c.Leg}
		s.credits[key] = c
		s.order[c.OrderID] = append(s.order[c.OrderID], key)
		bal := s.balanceLocked(c.Payee)
		bal.Pending = bal.Pending.Add(c.Amount)
	}
	next.UpdatedAt = now.Unix()
	s.configs[orderID] = next
	return next.Clone(), credits, nil
}

func (s *MemoryStore) balanceLocked(payee string) *Balance {
	key := payeeKey(payee)
	bal, ok := s.balances[key]
	if !ok {
		bal = &Balance{Payee: payee, Pending: decimal.Zero, Claimed: decimal.Zero}
		s.balances[key] = bal
	}
	return bal
}

// Credits 返回订单的入账流水。
func (s *MemoryStore) Credits(_ context.Context, orderID string) ([]Credit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.order[orderID]
	out := make([]Credit, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.credits[key])
	}
	return out, nil
}

// Balance 返回收款方余额，未入账过的收款方余额为 0。
func (s *MemoryStore) Balance(_ context.Context, payee string) (*Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bal, ok := s.balances[payeeKey(payee)]; ok {
		clone := *bal
		return &clone, nil
	}
	return &Balance{Payee: payee, Pending: decimal.Zero, Claimed: decimal.Zero}, nil
}

// ReserveClaim 实现 Store。
func (s *MemoryStore) ReserveClaim(_ context.Context, payee string, _ time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[payeeKey(payee)]
	if !ok || !bal.Pending.IsPositive() {
		return decimal.Zero, ErrNothingToClaim
	}
	amount := bal.Pending
	bal.Pending = decimal.Zero
	bal.Claimed = bal.Claimed.Add(amount)
	return amount, nil
}

// RestoreClaim 实现 Store。
func (s *MemoryStore) RestoreClaim(_ context.Context, payee string, amount decimal.Decimal, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balanceLocked(payee)
	bal.Pending = bal.Pending.Add(amount)
	bal.Claimed = bal.Claimed.Sub(amount)
	return nil
}

var _ Store = (*MemoryStore)(nil)
