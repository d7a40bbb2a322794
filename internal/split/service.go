package split

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"PayRelay/internal/custody"
	xerrors "PayRelay/internal/errors"
	"PayRelay/internal/money"
	"PayRelay/internal/observability/alerting"
	"PayRelay/internal/observability/metrics"
	"PayRelay/internal/signature"
	"PayRelay/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Claim 描述一次成功的余额领取。
type Claim struct {
	Payee   string          `json:"payee"`
	Amount  decimal.Decimal `json:"amount"`
	Receipt custody.Receipt `json:"receipt"`
}

// Service 提供分账配置、结算、证明、争议与领取能力。
type Service struct {
	store     Store
	custodian custody.Custodian
	alerts    alerting.Dispatcher
	now       func() time.Time
	audit     *slog.Logger
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Service)

// WithCustodian 指定领取时使用的托管实现。
func WithCustodian(c custody.Custodian) Option {
	return func(s *Service) { s.custodian = c }
}

// WithAlerts 指定告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Service) { s.alerts = d }
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定审计日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.audit = l
		}
	}
}

// NewService 构造 Service。
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   time.Now,
		audit: logger.Audit(),
		log:   logger.Named("split"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Configure 校验并保存订单分账配置。
func (s *Service) Configure(ctx context.Context, cfg Config) (*Config, error) {
	normalized, err := validate(cfg)
	if err != nil {
		return nil, err
	}
	now := s.now().Unix()
	normalized.ProofVerified = false
	normalized.IsDisputed = false
	normalized.DisputeReason = ""
	normalized.ReleasedLegs = 0
	normalized.Funded = false
	normalized.Status = StatusConfigured
	normalized.CreatedAt = now
	normalized.UpdatedAt = now
	if err := s.store.Create(ctx, normalized); err != nil {
		return nil, err
	}
	s.audit.Info("分账配置已创建",
		slog.String("order_id", normalized.OrderID),
		slog.String("gross", normalized.Gross.String()),
		slog.Bool("requires_proof", normalized.RequiresProof),
	)
	return normalized.Clone(), nil
}

func validate(cfg Config) (*Config, error) {
	out := cfg
	out.OrderID = signature.CanonicalID(cfg.OrderID)
	if out.OrderID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order id is required")
	}
	if !cfg.Gross.IsPositive() {
		return nil, xerrors.Newf(CodeInvalidShares, "gross must be positive, got %s", cfg.Gross.String())
	}
	if err := money.CheckPrecision(cfg.Gross); err != nil {
		return nil, xerrors.Wrap(CodeInvalidShares, err, "gross has too many decimal places")
	}
	for _, leg := range Legs {
		share := cfg.Shares.Of(leg)
		if share.IsNegative() {
			return nil, xerrors.Newf(CodeInvalidShares, "%s share must not be negative", leg)
		}
		if err := money.CheckPrecision(share); err != nil {
			return nil, xerrors.Wrap(CodeInvalidShares, err, fmt.Sprintf("%s share has too many decimal places", leg))
		}
		payee := strings.TrimSpace(cfg.Payees.Of(leg))
		if share.IsPositive() || leg == LegMerchant {
			if !common.IsHexAddress(payee) {
				return nil, xerrors.Newf(CodeInvalidShares, "%s payee %q is not a valid address", leg, payee)
			}
		}
		if payee != "" && common.IsHexAddress(payee) {
			payee = common.HexToAddress(payee).Hex()
		}
		out.Payees.set(leg, payee)
	}
	if sum := cfg.Shares.Sum(); !sum.Equal(cfg.Gross) {
		return nil, xerrors.Newf(CodeInvalidShares, "shares sum to %s but gross is %s", sum.String(), cfg.Gross.String())
	}
	if refund := strings.TrimSpace(cfg.RefundAccount); refund != "" {
		if !common.IsHexAddress(refund) {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "refund account %q is not a valid address", refund)
		}
		out.RefundAccount = common.HexToAddress(refund).Hex()
	}
	return &out, nil
}

// Get 返回订单分账配置。
func (s *Service) Get(ctx context.Context, orderID string) (*Config, error) {
	return s.store.Get(ctx, signature.CanonicalID(orderID))
}

// Credits 返回订单的入账流水。
func (s *Service) Credits(ctx context.Context, orderID string) ([]Credit, error) {
	return s.store.Credits(ctx, signature.CanonicalID(orderID))
}

// Settle 按配置在单个事务中为未释放的份额入账。
// 商户份额受证明门控时保留，状态为 partially_settled；争议中的订单只记录资金到账并返回 DISPUTED。
func (s *Service) Settle(ctx context.Context, orderID string, gross decimal.Decimal) (*Result, error) {
	orderID = signature.CanonicalID(orderID)
	disputed := false
	cfg, credits, err := s.store.Update(ctx, orderID, s.now(), func(cfg *Config) ([]Credit, error) {
		if cfg.Funded || cfg.Terminal() {
			return nil, ErrAlreadySettled
		}
		if !gross.Equal(cfg.Gross) {
			return nil, xerrors.Newf(CodeGrossMismatch, "settled amount %s does not match configured gross %s",
				gross.String(), cfg.Gross.String())
		}
		cfg.Funded = true
		if cfg.IsDisputed {
			disputed = true
			return nil, nil
		}
		return releaseLegs(cfg), nil
	})
	if err != nil {
		s.observeFailure("settle", orderID, err)
		return nil, err
	}
	if disputed {
		metrics.ObserveSettlement("settle", "disputed")
		s.audit.Warn("订单处于争议中，款项暂存托管账户", slog.String("order_id", orderID))
		return &Result{OrderID: orderID, Status: cfg.Status}, xerrors.Wrap(CodeDisputed, ErrDisputed,
			"order is disputed: funds held in escrow until resolution")
	}
	return s.finish("settle", cfg, credits), nil
}

// releaseLegs 为所有可释放且未释放的份额生成流水并更新状态。
func releaseLegs(cfg *Config) []Credit {
	var credits []Credit
	for _, leg := range Legs {
		amount := cfg.Shares.Of(leg)
		if cfg.Released(leg) || !amount.IsPositive() {
			continue
		}
		if leg == LegMerchant && !cfg.MerchantReleasable() {
			continue
		}
		credits = append(credits, Credit{OrderID: cfg.OrderID, Leg: string(leg), Payee: cfg.Payees.Of(leg), Amount: amount})
		cfg.markReleased(leg)
	}
	cfg.Status = StatusSettled
	if cfg.Shares.Merchant.IsPositive() && !cfg.Released(LegMerchant) {
		cfg.Status = StatusPartiallySettled
	}
	return credits
}

func (s *Service) finish(operation string, cfg *Config, credits []Credit) *Result {
	result := &Result{OrderID: cfg.OrderID, Status: cfg.Status, Credited: credits}
	if cfg.Status == StatusPartiallySettled {
		result.Withheld = []Leg{LegMerchant}
	}
	metrics.ObserveSettlement(operation, string(cfg.Status))
	total := decimal.Zero
	for _, c := range credits {
		total = total.Add(c.Amount)
	}
	s.audit.Info("分账已入账",
		slog.String("operation", operation),
		slog.String("order_id", cfg.OrderID),
		slog.String("status", string(cfg.Status)),
		slog.Int("legs", len(credits)),
		slog.String("amount", total.String()),
	)
	return result
}

func (s *Service) observeFailure(operation, orderID string, err error) {
	metrics.ObserveSettlement(operation, string(xerrors.CodeOf(err)))
	if xerrors.ShouldAlert(err) {
		event := alerting.FromError("split."+operation, err)
		event.Metadata = mergeMeta(event.Metadata, "order_id", orderID)
		alerting.Notify(context.Background(), s.alerts, event)
		s.log.Error("分账操作失败", slog.String("operation", operation), slog.String("order_id", orderID), slog.Any("error", err))
	}
}

func mergeMeta(meta map[string]string, key, value string) map[string]string {
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[key] = value
	return meta
}

// SubmitProof 标记交付证明已验证，并在未争议、资金已到账时释放商户份额。
func (s *Service) SubmitProof(ctx context.Context, orderID string) (*Result, error) {
	orderID = signature.CanonicalID(orderID)
	cfg, credits, err := s.store.Update(ctx, orderID, s.now(), func(cfg *Config) ([]Credit, error) {
		if cfg.Status == StatusRefunded {
			return nil, ErrAlreadySettled
		}
		cfg.ProofVerified = true
		if !cfg.Funded || cfg.IsDisputed || cfg.Status == StatusSettled {
			return nil, nil
		}
		return releaseLegs(cfg), nil
	})
	if err != nil {
		s.observeFailure("proof", orderID, err)
		return nil, err
	}
	return s.finish("proof", cfg, credits), nil
}

// OpenDispute 冻结订单的未释放份额。
func (s *Service) OpenDispute(ctx context.Context, orderID, reason string) (*Config, error) {
	orderID = signature.CanonicalID(orderID)
	cfg, _, err := s.store.Update(ctx, orderID, s.now(), func(cfg *Config) ([]Credit, error) {
		if cfg.Terminal() {
			return nil, ErrAlreadySettled
		}
		cfg.IsDisputed = true
		cfg.DisputeReason = strings.TrimSpace(reason)
		return nil, nil
	})
	if err != nil {
		s.observeFailure("dispute", orderID, err)
		return nil, err
	}
	s.audit.Warn("订单争议已发起", slog.String("order_id", orderID), slog.String("reason", cfg.DisputeReason))
	return cfg, nil
}

// ResolveDispute 处理争议：release 释放全部未释放份额给原收款方；refund 将未释放份额退回 refundAccount。
func (s *Service) ResolveDispute(ctx context.Context, orderID string, resolution Resolution) (*Result, error) {
	orderID = signature.CanonicalID(orderID)
	switch resolution {
	case ResolutionRelease, ResolutionRefund:
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown resolution %q", resolution)
	}
	cfg, credits, err := s.store.Update(ctx, orderID, s.now(), func(cfg *Config) ([]Credit, error) {
		if !cfg.IsDisputed {
			return nil, ErrNotDisputed
		}
		cfg.IsDisputed = false
		if resolution == ResolutionRelease {
			cfg.ProofVerified = true
			if !cfg.Funded {
				return nil, nil
			}
			return releaseLegs(cfg), nil
		}

		if cfg.RefundAccount == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "refund account is not configured")
		}
		var credits []Credit
		if cfg.Funded {
			for _, leg := range Legs {
				amount := cfg.Shares.Of(leg)
				if cfg.Released(leg) || !amount.IsPositive() {
					continue
				}
				credits = append(credits, Credit{OrderID: cfg.OrderID, Leg: refundLeg(leg), Payee: cfg.RefundAccount, Amount: amount})
				cfg.markReleased(leg)
			}
		}
		cfg.Status = StatusRefunded
		return credits, nil
	})
	if err != nil {
		s.observeFailure("resolve", orderID, err)
		return nil, err
	}
	return s.finish("resolve", cfg, credits), nil
}

// Balance 返回收款方余额。
func (s *Service) Balance(ctx context.Context, payee string) (*Balance, error) {
	normalized, err := normalizePayee(payee)
	if err != nil {
		return nil, err
	}
	return s.store.Balance(ctx, normalized)
}

// Claim 将收款方的待领取余额通过托管方转出。托管失败时恢复待领取余额。
func (s *Service) Claim(ctx context.Context, payee string) (*Claim, error) {
	normalized, err := normalizePayee(payee)
	if err != nil {
		return nil, err
	}
	if s.custodian == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "托管实现未配置")
	}
	amount, err := s.store.ReserveClaim(ctx, normalized, s.now())
	if err != nil {
		return nil, err
	}

	detached := context.WithoutCancel(ctx)
	receipt, err := s.custodian.Transfer(detached, custody.TransferRequest{
		From:      s.custodian.EscrowAccount(),
		To:        normalized,
		Amount:    amount,
		Reference: "claim:" + normalized,
	})
	if err != nil {
		err = custody.Classify(err)
		metrics.ObserveCustody("transfer", string(xerrors.CodeOf(err)))
		metrics.ObserveClaim("failed")
		if custody.IsUnconfirmed(err) {
			// 结果未知时不恢复余额，避免重复转出，交由人工对账。
			s.log.Error("领取结果未知，余额保持已领取", slog.String("payee", normalized), slog.Any("error", err))
			event := alerting.FromError("split.claim", err)
			event.Metadata = mergeMeta(event.Metadata, "payee", normalized)
			alerting.Notify(detached, s.alerts, event)
			return nil, err
		}
		if restoreErr := s.store.RestoreClaim(detached, normalized, amount, s.now()); restoreErr != nil {
			s.log.Error("恢复待领取余额失败", slog.String("payee", normalized), slog.Any("error", restoreErr))
			event := alerting.FromError("split.claim.restore", restoreErr)
			event.Metadata = mergeMeta(event.Metadata, "payee", normalized)
			alerting.Notify(detached, s.alerts, event)
			return nil, stdErrors.Join(err, restoreErr)
		}
		return nil, err
	}
	metrics.ObserveCustody("transfer", "ok")
	metrics.ObserveClaim("ok")
	s.audit.Info("收款方已领取",
		slog.String("payee", normalized),
		slog.String("amount", amount.String()),
		slog.String("reference", receipt.Reference),
	)
	return &Claim{Payee: normalized, Amount: amount, Receipt: receipt}, nil
}

func normalizePayee(payee string) (string, error) {
	payee = strings.TrimSpace(payee)
	if !common.IsHexAddress(payee) {
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "payee %q is not a valid address", payee)
	}
	return common.HexToAddress(payee).Hex(), nil
}
