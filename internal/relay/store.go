package relay

import (
	"context"
	"time"
)

// Store 抽象支付记录的持久化。记录以 Execution.Key 为主键，唯一性由存储层保证。
type Store interface {
	// Reserve 以 pending 状态插入记录，主键已存在时返回 ErrPaymentExists。
	Reserve(ctx context.Context, e *Execution) error
	Get(ctx context.Context, key string) (*Execution, error)
	// Reclaim 将可重试的失败记录条件地改回 pending 并增加尝试次数，未命中返回 ErrNotReclaimable。
	Reclaim(ctx context.Context, key, requestHash string, maxAttempts int, now time.Time) (*Execution, error)
	// Complete 写入 pending 记录的最终结果。
	Complete(ctx context.Context, e *Execution) error
	ListByGrant(ctx context.Context, grantID string, limit int) ([]*Execution, error)
}
