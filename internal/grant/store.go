package grant

import (
	"context"
	"time"
)

// Store 抽象了授权记录与额度计数器的持久化。
// ApplyDebit 必须是单条条件更新：状态为 active、未过期、lastResetDay 等于判定时观察值，
// 且扣款后不超过每日额度；未命中时返回 errDebitRejected。
type Store interface {
	Create(ctx context.Context, g *Grant) error
	Get(ctx context.Context, id string) (*Grant, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]*Grant, error)
	Expire(ctx context.Context, id string, now time.Time) error
	Revoke(ctx context.Context, id string, now time.Time) error
	ApplyDebit(ctx context.Context, d Decision, now time.Time) error
	ReleaseDebit(ctx context.Context, d Decision, now time.Time) error
	Close() error
}
