package group

import "context"

// Store 抽象结算组的持久化。
type Store interface {
	Create(ctx context.Context, g *Group) error
	Get(ctx context.Context, groupID string) (*Group, error)
	// Save 以 g.Version 为条件覆盖结算组与各段状态，成功后 g.Version 加一；版本不符返回 ErrConflict。
	Save(ctx context.Context, g *Group) error
	// ListUnfinished 返回处于 executing 或未补偿完成的 rolled_back 状态、且最近更新时间早于 before 的结算组。
	ListUnfinished(ctx context.Context, before int64, limit int) ([]*Group, error)
}
