package split

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Mutation 在存储事务内修改配置并返回需要入账的流水。返回错误时整个事务回滚。
type Mutation func(cfg *Config) ([]Credit, error)

// Store 抽象分账配置、入账流水与收款方余额的持久化。
// Update 必须保证配置变更与全部流水、余额变更同时生效或同时失败。
type Store interface {
	Create(ctx context.Context, cfg *Config) error
	Get(ctx context.Context, orderID string) (*Config, error)
	Update(ctx context.Context, orderID string, now time.Time, fn Mutation) (*Config, []Credit, error)
	Credits(ctx context.Context, orderID string) ([]Credit, error)
	Balance(ctx context.Context, payee string) (*Balance, error)
	// ReserveClaim 将待领取余额全部转为已领取并返回金额，余额为 0 时返回 ErrNothingToClaim。
	ReserveClaim(ctx context.Context, payee string, now time.Time) (decimal.Decimal, error)
	// RestoreClaim 撤销一次 ReserveClaim。
	RestoreClaim(ctx context.Context, payee string, amount decimal.Decimal, now time.Time) error
}
