package custody

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultEscrowAccount 是内存托管默认的中转账户名。
const DefaultEscrowAccount = "escrow"

// MemoryCustodian 在内存中模拟代币余额与授权额度，用于测试与单机演示。
// Pull 需要所有者余额与授权额度同时充足；Transfer 只检查余额。
type MemoryCustodian struct {
	mu         sync.Mutex
	domain     string
	escrow     string
	balances   map[string]decimal.Decimal
	allowances map[string]decimal.Decimal
	fault      error
	calls      int
}

// NewMemoryCustodian 创建内存托管实现。
func NewMemoryCustodian(domain, escrow string) *MemoryCustodian {
	if strings.TrimSpace(escrow) == "" {
		escrow = DefaultEscrowAccount
	}
	return &MemoryCustodian{
		domain:     domain,
		escrow:     escrow,
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[string]decimal.Decimal),
	}
}

func accountKey(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

// Fund 为账户增加余额。
func (m *MemoryCustodian) Fund(account string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accountKey(account)
	m.balances[key] = m.balances[key].Add(amount)
}

// Approve 设置所有者授予托管方的可拉取额度。
func (m *MemoryCustodian) Approve(owner string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[accountKey(owner)] = amount
}

// Balance 返回账户余额。
func (m *MemoryCustodian) Balance(account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[accountKey(account)]
}

// Allowance 返回剩余授权额度。
func (m *MemoryCustodian) Allowance(owner string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[accountKey(owner)]
}

// SetFault 设置后续调用统一返回的错误，传入 nil 恢复正常。
func (m *MemoryCustodian) SetFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = err
}

// Calls 返回成功或失败的调用总数。
func (m *MemoryCustodian) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Pull 实现 Custodian。
func (m *MemoryCustodian) Pull(_ context.Context, req PullRequest) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fault != nil {
		return Receipt{}, Classify(m.fault)
	}
	if !req.Amount.IsPositive() {
		return Receipt{}, Rejected(nil, "amount must be positive")
	}
	from, to := accountKey(req.From), accountKey(req.To)
	if m.allowances[from].LessThan(req.Amount) {
		return Receipt{}, Rejected(fmt.Errorf("allowance %s < %s", m.allowances[from], req.Amount), "insufficient allowance")
	}
	if m.balances[from].LessThan(req.Amount) {
		return Receipt{}, Rejected(fmt.Errorf("balance %s < %s", m.balances[from], req.Amount), "insufficient balance")
	}
	m.allowances[from] = m.allowances[from].Sub(req.Amount)
	m.balances[from] = m.balances[from].Sub(req.Amount)
	m.balances[to] = m.balances[to].Add(req.Amount)
	return Receipt{Domain: m.domain, Reference: "mem-" + uuid.NewString()}, nil
}

// Transfer 实现 Custodian。
func (m *MemoryCustodian) Transfer(_ context.Context, req TransferRequest) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fault != nil {
		return Receipt{}, Classify(m.fault)
	}
	if !req.Amount.IsPositive() {
		return Receipt{}, Rejected(nil, "amount must be positive")
	}
	from, to := accountKey(req.From), accountKey(req.To)
	if m.balances[from].LessThan(req.Amount) {
		return Receipt{}, Rejected(fmt.Errorf("balance %s < %s", m.balances[from], req.Amount), "insufficient balance")
	}
	m.balances[from] = m.balances[from].Sub(req.Amount)
	m.balances[to] = m.balances[to].Add(req.Amount)
	return Receipt{Domain: m.domain, Reference: "mem-" + uuid.NewString()}, nil
}

// EscrowAccount 实现 Custodian。
func (m *MemoryCustodian) EscrowAccount() string { return m.escrow }

// Close 实现 Custodian。
func (m *MemoryCustodian) Close() {}

var _ Custodian = (*MemoryCustodian)(nil)
