package relay

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"PayRelay/internal/custody"
	xerrors "PayRelay/internal/errors"
	"PayRelay/internal/events"
	"PayRelay/internal/grant"
	"PayRelay/internal/money"
	"PayRelay/internal/observability/alerting"
	"PayRelay/internal/observability/metrics"
	"PayRelay/internal/signature"
	"PayRelay/internal/split"
	"PayRelay/pkg/logger"
)

// EventPublisher 发布执行结果事件。
type EventPublisher interface {
	Publish(ctx context.Context, eventType, subject string, data any) error
}

// Config 描述执行器的固定参数。
type Config struct {
	// Relayer 是唯一允许提交执行请求的调用方身份。
	Relayer string
	// DomainTag 是本部署的签名域标识，签名必须覆盖该值。
	DomainTag string
	// MaxAttempts 限制同一 paymentId 在可重试失败后的总执行次数。
	MaxAttempts int
}

// Executor 串联额度账本、签名校验、托管与分账，完成一次受托支付。
type Executor struct {
	cfg       Config
	registry  *grant.Registry
	ledger    *grant.Ledger
	verifier  *signature.Verifier
	custodian custody.Custodian
	store     Store
	splits    *split.Service
	events    EventPublisher
	alerts    alerting.Dispatcher
	now       func() time.Time
	paused    atomic.Bool
	audit     *slog.Logger
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Executor)

// WithSplits 启用订单支付的分账结算。
func WithSplits(s *split.Service) Option {
	return func(e *Executor) { e.splits = s }
}

// WithEvents 指定结果事件发布器。
func WithEvents(p EventPublisher) Option {
	return func(e *Executor) { e.events = p }
}

// WithAlerts 指定告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Executor) { e.alerts = d }
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger 指定审计日志。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.audit = l
		}
	}
}

// NewExecutor 构造 Executor。
func NewExecutor(cfg Config, registry *grant.Registry, verifier *signature.Verifier, custodian custody.Custodian, store Store, opts ...Option) (*Executor, error) {
	cfg.Relayer = strings.TrimSpace(cfg.Relayer)
	if cfg.Relayer == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "中继方身份不能为空")
	}
	if registry == nil || verifier == nil || custodian == nil || store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行器依赖未初始化")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	e := &Executor{
		cfg:       cfg,
		registry:  registry,
		ledger:    registry.Ledger(),
		verifier:  verifier,
		custodian: custodian,
		store:     store,
		now:       time.Now,
		audit:     logger.Audit(),
		log:       logger.Named("relay"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Pause 暂停执行新的请求，已在处理中的请求不受影响。
func (e *Executor) Pause() {
	if e.paused.CompareAndSwap(false, true) {
		e.audit.Warn("受托执行已暂停")
	}
}

// Resume 恢复执行。
func (e *Executor) Resume() {
	if e.paused.CompareAndSwap(true, false) {
		e.audit.Info("受托执行已恢复")
	}
}

// Paused 返回是否处于暂停状态。
func (e *Executor) Paused() bool {
	return e.paused.Load()
}

// Get 返回支付记录。
func (e *Executor) Get(ctx context.Context, paymentID string) (*Execution, error) {
	return e.store.Get(ctx, PaymentKey(paymentID))
}

// ListByGrant 返回授权下最近的支付记录。
func (e *Executor) ListByGrant(ctx context.Context, grantID string, limit int) ([]*Execution, error) {
	return e.store.ListByGrant(ctx, strings.TrimSpace(grantID), limit)
}

// Execute 执行一次受托支付。
// 失败时返回已持久化的支付记录与错误；paymentId 重复时返回原始记录与 DUPLICATE_PAYMENT。
func (e *Executor) Execute(ctx context.Context, caller string, req Request) (*Execution, error) {
	start := e.now()
	if e.Paused() {
		metrics.ObserveExecution("rejected", string(CodePaused), 0)
		return nil, ErrPaused
	}
	if !strings.EqualFold(strings.TrimSpace(caller), e.cfg.Relayer) {
		metrics.ObserveExecution("rejected", string(CodeUnauthorizedRelayer), 0)
		e.log.Warn("非中继方提交执行请求", slog.String("caller", caller))
		return nil, ErrUnauthorizedRelayer
	}

	req = trimRequest(req)
	msg, sig, err := e.prepare(req)
	if err != nil {
		metrics.ObserveExecution("rejected", string(xerrors.CodeOf(err)), 0)
		return nil, err
	}
	hash, err := signature.StructHash(msg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid execution request")
	}

	exec, err := e.reserve(ctx, req, msg, hash.Hex(), start)
	if err != nil {
		metrics.ObserveExecution("duplicate", string(xerrors.CodeOf(err)), 0)
		return exec, err
	}
	return e.run(ctx, exec, req, msg, sig, start)
}

// prepare 做结构校验并构造签名消息，失败不会占用 paymentId。
func (e *Executor) prepare(req Request) (signature.Message, []byte, error) {
	switch {
	case req.PaymentID == "":
		return signature.Message{}, nil, xerrors.New(xerrors.CodeInvalidArgument, "payment id is required")
	case req.GrantID == "":
		return signature.Message{}, nil, xerrors.New(xerrors.CodeInvalidArgument, "grant id is required")
	case (req.Recipient == "") == (req.OrderID == ""):
		return signature.Message{}, nil, xerrors.New(xerrors.CodeInvalidArgument, "exactly one of recipient or order id is required")
	}
	if req.Recipient != "" {
		normalized, ok := grant.NormalizeAddress(req.Recipient)
		if !ok {
			return signature.Message{}, nil, xerrors.Newf(xerrors.CodeInvalidArgument, "recipient %q is not a valid address", req.Recipient)
		}
		req.Recipient = normalized
	}
	if err := money.Positive(req.Amount); err != nil {
		return signature.Message{}, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid amount")
	}
	if req.Expiry < 0 {
		return signature.Message{}, nil, xerrors.New(xerrors.CodeInvalidArgument, "expiry must not be negative")
	}
	sig, err := signature.DecodeHex(req.Signature)
	if err != nil {
		return signature.Message{}, nil, xerrors.Wrap(signature.CodeInvalidFormat, err, "signature is not valid hex")
	}
	msg := signature.Message{
		DomainTag: e.cfg.DomainTag,
		GrantID:   req.GrantID,
		Recipient: req.Recipient,
		OrderID:   req.OrderID,
		Amount:    req.Amount,
		PaymentID: req.PaymentID,
		Expiry:    req.Expiry,
	}
	return msg, sig, nil
}

// reserve 占用 paymentId；已存在时判断能否重领。
func (e *Executor) reserve(ctx context.Context, req Request, msg signature.Message, hash string, now time.Time) (*Execution, error) {
	exec := &Execution{
		PaymentID:   req.PaymentID,
		Key:         PaymentKey(req.PaymentID),
		GrantID:     req.GrantID,
		Recipient:   msg.Recipient,
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		DomainTag:   e.cfg.DomainTag,
		RequestHash: hash,
		Status:      StatusPending,
		Attempts:    1,
		CreatedAt:   now.Unix(),
		UpdatedAt:   now.Unix(),
	}
	err := e.store.Reserve(ctx, exec)
	if err == nil {
		return exec, nil
	}
	if !stdErrors.Is(err, ErrPaymentExists) {
		return nil, err
	}

	existing, err := e.store.Get(ctx, exec.Key)
	if err != nil {
		return nil, err
	}
	if existing.RequestHash != hash {
		return nil, xerrors.New(CodeDuplicatePayment, "payment id already used for a different request")
	}
	if existing.Reclaimable(e.cfg.MaxAttempts) {
		reclaimed, err := e.store.Reclaim(ctx, exec.Key, hash, e.cfg.MaxAttempts, now)
		if err == nil {
			e.log.Info("重新执行可重试的失败支付",
				slog.String("payment_id", req.PaymentID),
				slog.Int("attempts", reclaimed.Attempts),
			)
			return reclaimed, nil
		}
		if !stdErrors.Is(err, ErrNotReclaimable) {
			return nil, err
		}
		if existing, err = e.store.Get(ctx, exec.Key); err != nil {
			return nil, err
		}
	}
	return existing, xerrors.Wrap(CodeDuplicatePayment, ErrDuplicatePayment, "payment id already consumed",
		xerrors.WithMetadata("status", string(existing.Status)))
}

// run 执行已占用 paymentId 的请求并持久化结果。
func (e *Executor) run(ctx context.Context, exec *Execution, req Request, msg signature.Message, sig []byte, start time.Time) (*Execution, error) {
	g, err := e.registry.Get(ctx, req.GrantID)
	if err != nil {
		return e.fail(ctx, exec, "grant", err, start)
	}
	decision, err := e.ledger.Check(g, req.Amount)
	if err != nil {
		metrics.ObserveLedgerRejection(string(xerrors.CodeOf(err)))
		return e.fail(ctx, exec, "ledger.check", err, start)
	}

	if req.DomainTag != "" && req.DomainTag != e.cfg.DomainTag {
		return e.fail(ctx, exec, "signature", xerrors.Wrap(signature.CodeMismatch, signature.ErrMismatch,
			fmt.Sprintf("signature domain %q does not match this relay", req.DomainTag)), start)
	}
	if err := e.verifier.Verify(msg, sig, g.DelegateSigner); err != nil {
		return e.fail(ctx, exec, "signature", err, start)
	}
	if exec.IsOrder() {
		if err := e.checkSplit(ctx, exec); err != nil {
			return e.fail(ctx, exec, "split.check", err, start)
		}
	}
	if err := ctx.Err(); err != nil {
		return e.fail(ctx, exec, "canceled", xerrors.Wrap(xerrors.CodeCanceled, err, "execution canceled before debit"), start)
	}

	// 从这里开始不再响应调用方取消，保证扣额、拉取与补偿成对完成。
	detached := context.WithoutCancel(ctx)
	decision, err = e.ledger.Commit(detached, decision)
	if err != nil {
		metrics.ObserveLedgerRejection(string(xerrors.CodeOf(err)))
		return e.fail(detached, exec, "ledger.commit", err, start)
	}

	target := exec.Recipient
	if exec.IsOrder() {
		target = e.custodian.EscrowAccount()
	}
	receipt, err := e.custodian.Pull(detached, custody.PullRequest{
		From:      g.Owner,
		To:        target,
		Amount:    exec.Amount,
		Reference: exec.PaymentID,
	})
	if err != nil {
		err = custody.Classify(err)
		metrics.ObserveCustody("pull", string(xerrors.CodeOf(err)))
		if custody.IsUnconfirmed(err) {
			return e.unknown(detached, exec, err, start)
		}
		e.releaseDebit(detached, exec, decision)
		return e.fail(detached, exec, "custody.pull", err, start)
	}
	metrics.ObserveCustody("pull", "ok")
	exec.TxRef = receipt.Reference

	if exec.IsOrder() {
		exec.Settlement = e.settle(detached, exec)
	}
	return e.succeed(detached, exec, start)
}

// checkSplit 确认订单的分账配置存在、尚未结算且毛额与支付金额一致。
func (e *Executor) checkSplit(ctx context.Context, exec *Execution) error {
	if e.splits == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "分账服务未配置")
	}
	cfg, err := e.splits.Get(ctx, exec.OrderID)
	if err != nil {
		return err
	}
	if cfg.Funded || cfg.Terminal() {
		return split.ErrAlreadySettled
	}
	if !cfg.Gross.Equal(exec.Amount) {
		return xerrors.Newf(split.CodeGrossMismatch, "amount %s does not match order gross %s",
			exec.Amount.String(), cfg.Gross.String())
	}
	return nil
}

// settle 对订单支付执行分账，失败只影响分账状态，款项留在托管账户。
func (e *Executor) settle(ctx context.Context, exec *Execution) string {
	res, err := e.splits.Settle(ctx, exec.OrderID, exec.Amount)
	if err == nil {
		return string(res.Status)
	}
	code := xerrors.CodeOf(err)
	e.audit.Warn("订单款项已入托管，分账暂缓",
		slog.String("payment_id", exec.PaymentID),
		slog.String("order_id", exec.OrderID),
		slog.String("code", string(code)),
	)
	if xerrors.ShouldAlert(err) {
		event := alerting.FromError("split.settle", err)
		event.PaymentID = exec.PaymentID
		alerting.Notify(ctx, e.alerts, event)
	}
	e.publish(ctx, events.TypeSettlementHeld, exec.PaymentID, map[string]string{
		"order_id": exec.OrderID,
		"code":     string(code),
		"message":  xerrors.MessageOf(err),
	})
	return SettlementHeld
}

// releaseDebit 在托管失败后回退额度，回退失败只能告警人工处理。
func (e *Executor) releaseDebit(ctx context.Context, exec *Execution, d grant.Decision) {
	if err := e.ledger.Release(ctx, d); err != nil {
		e.log.Error("回退授权额度失败",
			slog.String("payment_id", exec.PaymentID),
			slog.String("grant_id", exec.GrantID),
			slog.Any("error", err),
		)
		event := alerting.FromError("ledger.release", err)
		event.PaymentID = exec.PaymentID
		alerting.Notify(ctx, e.alerts, event)
	}
}

func (e *Executor) succeed(ctx context.Context, exec *Execution, start time.Time) (*Execution, error) {
	exec.Status = StatusExecuted
	exec.ErrorCode = ""
	exec.ErrorMessage = ""
	exec.Retryable = false
	exec.UpdatedAt = e.now().Unix()
	e.persist(ctx, exec)

	metrics.ObserveExecution("executed", "", e.now().Sub(start))
	e.audit.Info("受托支付已执行",
		slog.String("payment_id", exec.PaymentID),
		slog.String("grant_id", exec.GrantID),
		slog.String("amount", exec.Amount.String()),
		slog.String("tx_ref", exec.TxRef),
		slog.String("settlement", exec.Settlement),
		slog.Int("attempts", exec.Attempts),
	)
	e.publish(ctx, events.TypePaymentExecuted, exec.PaymentID, exec)
	return exec.Clone(), nil
}

func (e *Executor) fail(ctx context.Context, exec *Execution, stage string, cause error, start time.Time) (*Execution, error) {
	detached := context.WithoutCancel(ctx)
	code := xerrors.CodeOf(cause)
	exec.Status = StatusFailed
	exec.ErrorCode = string(code)
	exec.ErrorMessage = xerrors.MessageOf(cause)
	exec.Retryable = xerrors.RetryableError(cause)
	exec.UpdatedAt = e.now().Unix()
	e.persist(detached, exec)

	metrics.ObserveExecution("failed", string(code), e.now().Sub(start))
	e.audit.Warn("受托支付失败",
		slog.String("payment_id", exec.PaymentID),
		slog.String("grant_id", exec.GrantID),
		slog.String("stage", stage),
		slog.String("code", string(code)),
		slog.Bool("retryable", exec.Retryable),
	)
	if xerrors.ShouldAlert(cause) {
		event := alerting.FromError(stage, cause)
		event.PaymentID = exec.PaymentID
		event.Attempts = exec.Attempts
		event.MaxRetries = e.cfg.MaxAttempts
		alerting.Notify(detached, e.alerts, event)
	}
	e.publish(detached, events.TypePaymentFailed, exec.PaymentID, exec)
	return exec.Clone(), cause
}

// unknown 处理拉取结果未确认的情况：资金可能已经转移，额度保持已扣减，
// 记录停留在 unknown 状态，重复提交只会得到 DUPLICATE_PAYMENT。
func (e *Executor) unknown(ctx context.Context, exec *Execution, cause error, start time.Time) (*Execution, error) {
	exec.Status = StatusUnknown
	exec.ErrorCode = string(xerrors.CodeOf(cause))
	exec.ErrorMessage = xerrors.MessageOf(cause)
	exec.Retryable = false
	exec.TxRef = custody.UnconfirmedReference(cause)
	exec.UpdatedAt = e.now().Unix()
	e.persist(ctx, exec)

	metrics.ObserveExecution("unknown", exec.ErrorCode, e.now().Sub(start))
	e.audit.Error("受托支付结果未知，额度保持扣减，等待对账",
		slog.String("payment_id", exec.PaymentID),
		slog.String("grant_id", exec.GrantID),
		slog.String("amount", exec.Amount.String()),
		slog.String("tx_ref", exec.TxRef),
	)
	event := alerting.FromError("custody.pull", cause)
	event.PaymentID = exec.PaymentID
	event.Attempts = exec.Attempts
	alerting.Notify(ctx, e.alerts, event)
	return exec.Clone(), cause
}

// persist 写入最终结果。写入失败时记录保持 pending，重复提交会得到 DUPLICATE_PAYMENT，需人工核对。
func (e *Executor) persist(ctx context.Context, exec *Execution) {
	if err := e.store.Complete(ctx, exec); err != nil {
		e.log.Error("写入支付结果失败",
			slog.String("payment_id", exec.PaymentID),
			slog.String("status", string(exec.Status)),
			slog.Any("error", err),
		)
		event := alerting.FromError("relay.persist", err)
		event.PaymentID = exec.PaymentID
		alerting.Notify(ctx, e.alerts, event)
	}
}

func (e *Executor) publish(ctx context.Context, eventType, subject string, data any) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, eventType, subject, data); err != nil {
		e.log.Error("发布事件失败",
			slog.String("type", eventType),
			slog.String("subject", subject),
			slog.Any("error", err),
		)
	}
}
