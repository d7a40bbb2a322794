package grant

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "PayRelay/internal/errors"
	"PayRelay/internal/money"
	"PayRelay/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateRequest 描述创建授权所需的参数。
type CreateRequest struct {
	Owner          string          `json:"owner"`
	DelegateSigner string          `json:"delegate_signer"`
	SingleLimit    decimal.Decimal `json:"single_limit"`
	DailyLimit     decimal.Decimal `json:"daily_limit"`
	TTL            time.Duration   `json:"ttl"`
}

// Registry 管理授权的创建、撤销与查询。
type Registry struct {
	store  Store
	ledger *Ledger
	now    func() time.Time
	audit  *slog.Logger
}

// RegistryOption 定义可选配置。
type RegistryOption func(*Registry)

// WithClock 替换时钟，账本共用同一时钟。
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRegistryLogger 指定审计日志输出。
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.audit = l
		}
	}
}

// NewRegistry 构造 Registry。
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, now: time.Now, audit: logger.Audit()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.ledger = NewLedger(store, WithLedgerClock(r.now))
	return r
}

// Ledger 返回与注册表共享存储和时钟的额度账本。
func (r *Registry) Ledger() *Ledger {
	return r.ledger
}

// Create 校验参数并创建 active 授权。
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Grant, error) {
	if r == nil || r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "授权注册表未初始化")
	}
	owner, ok := NormalizeAddress(req.Owner)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "owner %q is not a valid address", req.Owner)
	}
	delegate, ok := NormalizeAddress(req.DelegateSigner)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "delegate signer %q is not a valid address", req.DelegateSigner)
	}
	if owner == delegate {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "delegate signer must differ from owner")
	}
	if err := validateLimits(req.SingleLimit, req.DailyLimit); err != nil {
		return nil, err
	}
	if req.TTL <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ttl must be positive")
	}

	now := r.now()
	entropy := uuid.New()
	id := crypto.Keccak256Hash(
		common.HexToAddress(owner).Bytes(),
		common.HexToAddress(delegate).Bytes(),
		entropy[:],
	).Hex()

	g := &Grant{
		ID:             id,
		Owner:          owner,
		DelegateSigner: delegate,
		SingleLimit:    req.SingleLimit,
		DailyLimit:     req.DailyLimit,
		UsedToday:      decimal.Zero,
		TotalUsed:      decimal.Zero,
		LastResetDay:   DayOf(now),
		ExpiresAt:      now.Add(req.TTL).UTC().Truncate(time.Second),
		Status:         StatusActive,
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
	}
	if err := r.store.Create(ctx, g); err != nil {
		return nil, err
	}
	r.audit.Info("授权已创建",
		slog.String("grant_id", g.ID),
		slog.String("owner", g.Owner),
		slog.String("delegate_signer", g.DelegateSigner),
		slog.String("single_limit", g.SingleLimit.String()),
		slog.String("daily_limit", g.DailyLimit.String()),
		slog.Time("expires_at", g.ExpiresAt),
	)
	return g.Clone(), nil
}

func validateLimits(single, daily decimal.Decimal) error {
	switch {
	case !single.IsPositive() || !daily.IsPositive():
		return xerrors.Wrap(CodeInvalidLimits, ErrInvalidLimits, "limits must be positive")
	case single.GreaterThan(daily):
		return xerrors.Wrap(CodeInvalidLimits, ErrInvalidLimits, "single limit must not exceed daily limit",
			xerrors.WithMetadata("single_limit", single.String()),
			xerrors.WithMetadata("daily_limit", daily.String()))
	}
	if err := money.CheckPrecision(single); err != nil {
		return xerrors.Wrap(CodeInvalidLimits, err, "single limit has too many decimal places")
	}
	if err := money.CheckPrecision(daily); err != nil {
		return xerrors.Wrap(CodeInvalidLimits, err, "daily limit has too many decimal places")
	}
	return nil
}

// Revoke 由所有者撤销授权。已撤销或已过期的授权直接返回当前状态。
func (r *Registry) Revoke(ctx context.Context, grantID, requestedBy string) (*Grant, error) {
	g, err := r.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if !SameAddress(g.Owner, requestedBy) {
		return nil, ErrUnauthorized
	}
	if g.Status != StatusActive {
		return g, nil
	}
	now := r.now()
	if err := r.store.Revoke(ctx, g.ID, now); err != nil {
		return nil, err
	}
	fresh, err := r.store.Get(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	r.audit.Info("授权已撤销",
		slog.String("grant_id", fresh.ID),
		slog.String("owner", fresh.Owner),
		slog.String("status", string(fresh.Status)),
	)
	return fresh, nil
}

// Get 返回授权；已到期但仍为 active 的记录会先落库为 expired。
func (r *Registry) Get(ctx context.Context, grantID string) (*Grant, error) {
	if r == nil || r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "授权注册表未初始化")
	}
	grantID = strings.TrimSpace(grantID)
	if grantID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "grant id is required")
	}
	g, err := r.store.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if g.Status != StatusActive || !g.ExpiredAt(now) {
		return g, nil
	}
	if err := r.store.Expire(ctx, g.ID, now); err != nil {
		return nil, err
	}
	return r.store.Get(ctx, g.ID)
}

// ListByOwner 返回所有者的授权列表，过期状态按读取时刻计算。
func (r *Registry) ListByOwner(ctx context.Context, owner string, limit int) ([]*Grant, error) {
	normalized, ok := NormalizeAddress(owner)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "owner %q is not a valid address", owner)
	}
	grants, err := r.store.ListByOwner(ctx, normalized, limit)
	if err != nil {
		return nil, err
	}
	now := r.now()
	for _, g := range grants {
		if g.Status == StatusActive && g.ExpiredAt(now) {
			if err := r.store.Expire(ctx, g.ID, now); err != nil {
				return nil, err
			}
			g.Status = StatusExpired
		}
	}
	return grants, nil
}
