package grant

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	xerrors "PayRelay/internal/errors"

	"github.com/shopspring/decimal"
)

// maxCommitRounds 限制条件更新失败后的重新判定次数。
const maxCommitRounds = 3

// Decision 记录一次额度检查的结论，提交时按同一结论原子落库。
type Decision struct {
	GrantID string
	Amount  decimal.Decimal
	// Day 是本次检查所在的自然日。
	Day int64
	// ObservedResetDay 是检查时读到的 lastResetDay，作为条件更新的守卫。
	ObservedResetDay int64
	// Rollover 表示本次检查跨日，有效已用额度视为 0。
	Rollover bool
	// EffectiveUsed 是检查时的有效已用额度。
	EffectiveUsed decimal.Decimal
	CheckedAt     time.Time
}

// Check 判断授权是否允许扣除 amount，不修改任何状态。
// 判定顺序：状态/过期 → 单笔额度 → 跨日重置 → 每日额度。
func Check(g *Grant, amount decimal.Decimal, now time.Time) (Decision, error) {
	if g == nil {
		return Decision{}, ErrGrantNotFound
	}
	switch {
	case g.Status == StatusRevoked:
		return Decision{}, xerrors.Wrap(CodeNotActive, ErrRevoked, "grant is not active", xerrors.WithMetadata("status", string(StatusRevoked)))
	case g.Status == StatusExpired || g.ExpiredAt(now):
		return Decision{}, xerrors.Wrap(CodeNotActive, ErrExpired, "grant is not active", xerrors.WithMetadata("status", string(StatusExpired)))
	case g.Status != StatusActive:
		return Decision{}, xerrors.Newf(CodeNotActive, "grant is not active: status %s", g.Status)
	}

	if !amount.IsPositive() {
		return Decision{}, xerrors.Newf(xerrors.CodeInvalidArgument, "amount must be positive, got %s", amount.String())
	}
	if amount.GreaterThan(g.SingleLimit) {
		return Decision{}, xerrors.Newf(CodeSingleLimitExceeded, "amount exceeds single limit: requested %s, limit %s",
			amount.String(), g.SingleLimit.String())
	}

	day := DayOf(now)
	decision := Decision{
		GrantID:          g.ID,
		Amount:           amount,
		Day:              day,
		ObservedResetDay: g.LastResetDay,
		EffectiveUsed:    g.UsedToday,
		CheckedAt:        now,
	}
	if day != g.LastResetDay {
		decision.Rollover = true
		decision.EffectiveUsed = decimal.Zero
	}

	if decision.EffectiveUsed.Add(amount).GreaterThan(g.DailyLimit) {
		return Decision{}, dailyLimitError(decision.EffectiveUsed, amount, g.DailyLimit)
	}
	return decision, nil
}

func dailyLimitError(used, amount, limit decimal.Decimal) error {
	return xerrors.Newf(CodeDailyLimitExceeded, "amount exceeds daily limit: used %s/%s, requested %s",
		used.String(), limit.String(), amount.String())
}

// Ledger 负责授权额度的原子扣减与补偿。
type Ledger struct {
	store Store
	now   func() time.Time
}

// LedgerOption 定义可选配置。
type LedgerOption func(*Ledger)

// WithLedgerClock 替换时钟，便于测试跨日逻辑。
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger 构造 Ledger。
func NewLedger(store Store, opts ...LedgerOption) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Check 使用 Ledger 的时钟执行额度检查。
func (l *Ledger) Check(g *Grant, amount decimal.Decimal) (Decision, error) {
	return Check(g, amount, l.now())
}

// Commit 以条件更新的方式落库扣款。条件未命中时重新读取授权并判定：
// 判定失败直接返回对应错误，判定通过（例如其他请求已完成跨日重置）则按新结论重试。
func (l *Ledger) Commit(ctx context.Context, d Decision) (Decision, error) {
	if l == nil || l.store == nil {
		return d, xerrors.New(xerrors.CodeInitializationFailure, "额度账本未初始化")
	}
	for round := 0; round < maxCommitRounds; round++ {
		err := l.store.ApplyDebit(ctx, d, l.now())
		if err == nil {
			return d, nil
		}
		if !stdErrors.Is(err, errDebitRejected) {
			return d, err
		}
		fresh, err := l.store.Get(ctx, d.GrantID)
		if err != nil {
			return d, err
		}
		next, err := Check(fresh, d.Amount, l.now())
		if err != nil {
			return d, err
		}
		d = next
	}
	return d, xerrors.Wrap(CodeDailyLimitExceeded, errDebitRejected,
		fmt.Sprintf("amount exceeds daily limit: concurrent debits exhausted %d attempts", maxCommitRounds))
}

// Release 撤销一次已提交的扣款。仅当自然日未变化时回退当日额度，累计额度总是回退。
func (l *Ledger) Release(ctx context.Context, d Decision) error {
	if l == nil || l.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "额度账本未初始化")
	}
	return l.store.ReleaseDebit(ctx, d, l.now())
}
