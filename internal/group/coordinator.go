package group

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"PayRelay/internal/custody"
	xerrors "PayRelay/internal/errors"
	"PayRelay/internal/events"
	"PayRelay/internal/money"
	"PayRelay/internal/observability/alerting"
	"PayRelay/internal/observability/metrics"
	"PayRelay/internal/queue"
	"PayRelay/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LegExecutor 执行或补偿单段结算，返回托管回执编号。
type LegExecutor interface {
	Execute(ctx context.Context, groupID string, leg Leg) (string, error)
	Compensate(ctx context.Context, groupID string, leg Leg) (string, error)
}

// EventPublisher 发布结算组结果事件。
type EventPublisher interface {
	Publish(ctx context.Context, eventType, subject string, data any) error
}

// LegSpec 描述创建结算组时的一段转账。
type LegSpec struct {
	DomainTag   string          `json:"domain_tag"`
	Amount      decimal.Decimal `json:"amount"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
}

// CreateRequest 描述创建结算组的参数。GroupID 为空时自动生成。
type CreateRequest struct {
	GroupID   string    `json:"group_id,omitempty"`
	PaymentID string    `json:"payment_id,omitempty"`
	Legs      []LegSpec `json:"legs"`
}

// LegReport 是外部执行方上报的段结果。
type LegReport struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Coordinator 负责结算组的执行、结果上报与补偿。
type Coordinator struct {
	store    Store
	legs     LegExecutor
	recovery queue.Producer
	events   EventPublisher
	alerts   alerting.Dispatcher
	now      func() time.Time
	// claimTimeout 之后仍未落定的认领被视为执行者已退出。
	claimTimeout time.Duration
	audit        *slog.Logger
	log          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Coordinator)

// WithRecoveryQueue 指定补偿失败后投递结算组 ID 的恢复队列。
func WithRecoveryQueue(p queue.Producer) Option {
	return func(c *Coordinator) { c.recovery = p }
}

// WithEvents 指定结果事件发布器。
func WithEvents(p EventPublisher) Option {
	return func(c *Coordinator) { c.events = p }
}

// WithAlerts 指定告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(c *Coordinator) { c.alerts = d }
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithClaimTimeout 设置段认领的过期时间。过期的认领不会重放托管调用，而是转为待对账。
func WithClaimTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.claimTimeout = d
		}
	}
}

// WithLogger 指定审计日志。
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.audit = l
		}
	}
}

// NewCoordinator 构造 Coordinator。
func NewCoordinator(store Store, legs LegExecutor, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		legs:         legs,
		now:          time.Now,
		claimTimeout: 5 * time.Minute,
		audit:        logger.Audit(),
		log:          logger.Named("group"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Create 校验并保存一个 pending 结算组。
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*Group, error) {
	if len(req.Legs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "settlement group needs at least one leg")
	}
	now := c.now().Unix()
	g := &Group{
		ID:        strings.TrimSpace(req.GroupID),
		PaymentID: strings.TrimSpace(req.PaymentID),
		Status:    StatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	for i, spec := range req.Legs {
		if err := money.Positive(spec.Amount); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("leg %d has an invalid amount", i))
		}
		source, destination := strings.TrimSpace(spec.Source), strings.TrimSpace(spec.Destination)
		if source == "" || destination == "" {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "leg %d needs a source and a destination", i)
		}
		if strings.EqualFold(source, destination) {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "leg %d source and destination must differ", i)
		}
		g.Legs = append(g.Legs, Leg{
			Index:       i,
			DomainTag:   strings.TrimSpace(spec.DomainTag),
			Amount:      spec.Amount,
			Source:      source,
			Destination: destination,
			Status:      LegPending,
			UpdatedAt:   now,
		})
	}
	if err := c.store.Create(ctx, g); err != nil {
		return nil, err
	}
	metrics.ObserveGroupTransition(string(StatusPending))
	c.audit.Info("结算组已创建",
		slog.String("group_id", g.ID),
		slog.String("payment_id", g.PaymentID),
		slog.Int("legs", len(g.Legs)),
	)
	return g.Clone(), nil
}

// Get 返回结算组。
func (c *Coordinator) Get(ctx context.Context, groupID string) (*Group, error) {
	return c.store.Get(ctx, strings.TrimSpace(groupID))
}

// Run 按顺序执行所有 pending 段。全部成功为 completed；任一段失败时逆序补偿已执行的段。
func (c *Coordinator) Run(ctx context.Context, groupID string) (*Group, error) {
	g, err := c.store.Get(ctx, strings.TrimSpace(groupID))
	if err != nil {
		return nil, err
	}
	switch g.Status {
	case StatusPending:
		if g.reported() > 0 {
			return g, xerrors.Wrap(CodeConflict, ErrConflict, "settlement group is being reported externally")
		}
	case StatusExecuting:
	default:
		if !g.Terminal() {
			return c.compensate(ctx, g, nil)
		}
		return g, ErrFinished
	}
	return c.execute(ctx, g)
}

func (c *Coordinator) execute(ctx context.Context, g *Group) (*Group, error) {
	detached := context.WithoutCancel(ctx)
	if g.Status != StatusExecuting {
		g.Status = StatusExecuting
		if err := c.save(ctx, g); err != nil {
			return nil, err
		}
	}

	for i := range g.Legs {
		leg := &g.Legs[i]
		switch leg.Status {
		case LegPending:
		case LegInFlight:
			return c.staleClaim(detached, g, leg)
		case LegUnknown:
			return g.Clone(), ErrLegInDoubt
		default:
			continue
		}
		// 认领写入成功后才调用托管，版本冲突说明另一个执行者已经接手。
		if err := c.claim(detached, g, leg, LegInFlight); err != nil {
			return nil, err
		}
		ref, err := c.legs.Execute(detached, g.ID, *leg)
		leg.UpdatedAt = c.now().Unix()
		if err != nil {
			if custody.IsUnconfirmed(err) {
				leg.Status = LegUnknown
				leg.Reference = custody.UnconfirmedReference(err)
				leg.Error = xerrors.MessageOf(err)
				return c.inDoubt(detached, g, leg, err)
			}
			leg.Status = LegFailed
			leg.Error = xerrors.MessageOf(err)
			g.FailedCount++
			c.log.Warn("结算段执行失败",
				slog.String("group_id", g.ID),
				slog.Int("leg", leg.Index),
				slog.Any("error", err),
			)
			return c.resolveFailure(detached, g, err)
		}
		leg.Status = LegExecuted
		leg.Reference = ref
		leg.Error = ""
		g.SuccessCount++
		if err := c.save(detached, g); err != nil {
			return nil, err
		}
	}
	return c.finish(detached, g, StatusCompleted, nil)
}

// resolveFailure 根据已执行的段决定进入 failed 或 rolled_back。
func (c *Coordinator) resolveFailure(ctx context.Context, g *Group, cause error) (*Group, error) {
	legErr := xerrors.Wrap(CodeLegFailure, cause, "settlement leg failed")
	if g.SuccessCount == 0 {
		return c.finish(ctx, g, StatusFailed, legErr)
	}
	g.Status = StatusRolledBack
	return c.compensate(ctx, g, legErr)
}

// compensate 逆序补偿所有 executed 段，未完成时投递恢复队列。
func (c *Coordinator) compensate(ctx context.Context, g *Group, cause error) (*Group, error) {
	detached := context.WithoutCancel(ctx)
	var failures []error
	// doubtful 表示存在待对账的段，surfaced 表示本轮新产生了待对账的段。
	doubtful, surfaced := false, false
	for i := len(g.Legs) - 1; i >= 0; i-- {
		leg := &g.Legs[i]
		switch leg.Status {
		case LegExecuted:
		case LegCompensating:
			if !c.claimExpired(leg) {
				return g.Clone(), ErrLegInFlight
			}
			c.markUnknown(leg, LegCompensationUnknown)
			if err := c.save(detached, g); err != nil {
				return nil, err
			}
			doubtful, surfaced = true, true
			continue
		case LegUnknown, LegCompensationUnknown:
			doubtful = true
			continue
		default:
			continue
		}
		if err := c.claim(detached, g, leg, LegCompensating); err != nil {
			return nil, err
		}
		ref, err := c.legs.Compensate(detached, g.ID, *leg)
		leg.UpdatedAt = c.now().Unix()
		switch {
		case err == nil:
			leg.Status = LegCompensated
			leg.CompensationRef = ref
			leg.Error = ""
		case custody.IsUnconfirmed(err):
			leg.Status = LegCompensationUnknown
			leg.CompensationRef = custody.UnconfirmedReference(err)
			leg.Error = "compensation: " + xerrors.MessageOf(err)
			doubtful, surfaced = true, true
		default:
			// 补偿明确失败，释放认领等待重试。
			leg.Status = LegExecuted
			leg.Error = "compensation: " + xerrors.MessageOf(err)
			failures = append(failures, fmt.Errorf("leg %d: %w", leg.Index, err))
		}
		if err := c.save(detached, g); err != nil {
			return nil, err
		}
	}

	if len(failures) == 0 && !doubtful {
		return c.finish(detached, g, StatusRolledBack, cause)
	}
	if len(failures) == 0 {
		if surfaced {
			c.notifyInDoubt(detached, g, ErrLegInDoubt)
		}
		return g.Clone(), joinCause(cause, ErrLegInDoubt)
	}

	metrics.ObserveGroupTransition("compensation_pending")
	compErr := xerrors.Wrap(CodeCompensationFailed, stdErrors.Join(failures...),
		fmt.Sprintf("settlement compensation incomplete: %d legs pending", g.PendingCompensation()))
	c.log.Error("结算组补偿未完成", slog.String("group_id", g.ID), slog.Any("error", compErr))
	event := alerting.FromError("group.compensate", compErr)
	event.GroupID = g.ID
	event.PaymentID = g.PaymentID
	alerting.Notify(detached, c.alerts, event)
	c.enqueueRecovery(detached, g.ID)
	return g.Clone(), joinCause(cause, compErr)
}

// claim 把段标记为认领状态并保存，保存失败时调用方不得触达托管。
func (c *Coordinator) claim(ctx context.Context, g *Group, leg *Leg, status LegStatus) error {
	leg.Status = status
	leg.UpdatedAt = c.now().Unix()
	return c.save(ctx, g)
}

func (c *Coordinator) claimExpired(leg *Leg) bool {
	return c.now().Sub(time.Unix(leg.UpdatedAt, 0)) >= c.claimTimeout
}

func (c *Coordinator) markUnknown(leg *Leg, status LegStatus) {
	leg.Status = status
	leg.UpdatedAt = c.now().Unix()
	leg.Error = "claim expired before the outcome was recorded"
}

// staleClaim 处理执行阶段遇到的已有认领：未过期时让出，过期时转为待对账。
func (c *Coordinator) staleClaim(ctx context.Context, g *Group, leg *Leg) (*Group, error) {
	if !c.claimExpired(leg) {
		return g.Clone(), ErrLegInFlight
	}
	c.markUnknown(leg, LegUnknown)
	return c.inDoubt(ctx, g, leg, ErrLegInDoubt)
}

// inDoubt 保存待对账的段并告警。结算组保持非终态，恢复任务在对账前不会再触达托管。
func (c *Coordinator) inDoubt(ctx context.Context, g *Group, leg *Leg, cause error) (*Group, error) {
	if err := c.save(ctx, g); err != nil {
		return nil, err
	}
	err := xerrors.Wrap(CodeLegInDoubt, cause, fmt.Sprintf("settlement leg %d outcome unknown", leg.Index),
		xerrors.WithMetadata("reference", leg.Reference))
	c.notifyInDoubt(ctx, g, err)
	return g.Clone(), err
}

func (c *Coordinator) notifyInDoubt(ctx context.Context, g *Group, err error) {
	metrics.ObserveGroupTransition("in_doubt")
	c.log.Error("结算段结果未确认，等待对账", slog.String("group_id", g.ID), slog.Any("error", err))
	event := alerting.FromError("group.reconcile", err)
	event.GroupID = g.ID
	event.PaymentID = g.PaymentID
	alerting.Notify(ctx, c.alerts, event)
	c.enqueueRecovery(ctx, g.ID)
}

func joinCause(cause, err error) error {
	if cause != nil {
		return stdErrors.Join(cause, err)
	}
	return err
}

func (c *Coordinator) finish(ctx context.Context, g *Group, status Status, cause error) (*Group, error) {
	g.Status = status
	if err := c.save(ctx, g); err != nil {
		return nil, err
	}
	eventType := events.TypeGroupCompleted
	switch status {
	case StatusFailed:
		eventType = events.TypeGroupFailed
	case StatusRolledBack:
		eventType = events.TypeGroupRolledBack
	}
	c.audit.Info("结算组已结束",
		slog.String("group_id", g.ID),
		slog.String("status", string(status)),
		slog.Int("success", g.SuccessCount),
		slog.Int("failed", g.FailedCount),
	)
	c.publish(ctx, eventType, g)
	return g.Clone(), cause
}

// ReportLeg 记录外部执行的段结果。全部段上报前结算组保持 pending。
// 对结果未确认的段，上报即对账：结算组随后继续执行或补偿。
func (c *Coordinator) ReportLeg(ctx context.Context, groupID string, index int, report LegReport) (*Group, error) {
	g, err := c.store.Get(ctx, strings.TrimSpace(groupID))
	if err != nil {
		return nil, err
	}
	if index >= 0 && index < len(g.Legs) {
		switch g.Legs[index].Status {
		case LegUnknown, LegCompensationUnknown:
			return c.reconcile(ctx, g, &g.Legs[index], report)
		}
	}
	if g.Status != StatusPending {
		if g.Terminal() {
			return g, ErrFinished
		}
		return g, xerrors.Wrap(CodeConflict, ErrConflict, fmt.Sprintf("settlement group is %s", g.Status))
	}
	if index < 0 || index >= len(g.Legs) {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "leg index %d out of range", index)
	}
	leg := &g.Legs[index]
	if leg.Status != LegPending {
		return g, ErrLegReported
	}
	leg.UpdatedAt = c.now().Unix()
	if report.Success {
		leg.Status = LegExecuted
		leg.Reference = strings.TrimSpace(report.Reference)
		g.SuccessCount++
	} else {
		leg.Status = LegFailed
		leg.Error = strings.TrimSpace(report.Error)
		g.FailedCount++
	}

	if g.reported() < len(g.Legs) {
		if err := c.save(ctx, g); err != nil {
			return nil, err
		}
		return g.Clone(), nil
	}
	detached := context.WithoutCancel(ctx)
	if g.FailedCount == 0 {
		return c.finish(detached, g, StatusCompleted, nil)
	}
	cause := xerrors.Newf(CodeLegFailure, "%d of %d settlement legs failed", g.FailedCount, len(g.Legs))
	if g.SuccessCount == 0 {
		return c.finish(detached, g, StatusFailed, cause)
	}
	g.Status = StatusRolledBack
	return c.compensate(detached, g, cause)
}

// reconcile 用人工核实的结果落定待对账的段。
func (c *Coordinator) reconcile(ctx context.Context, g *Group, leg *Leg, report LegReport) (*Group, error) {
	detached := context.WithoutCancel(ctx)
	prev := leg.Status
	leg.UpdatedAt = c.now().Unix()
	if ref := strings.TrimSpace(report.Reference); ref != "" {
		if prev == LegUnknown {
			leg.Reference = ref
		} else {
			leg.CompensationRef = ref
		}
	}
	switch {
	case prev == LegUnknown && report.Success:
		leg.Status = LegExecuted
		leg.Error = ""
		g.SuccessCount++
	case prev == LegUnknown:
		leg.Status = LegFailed
		leg.Error = strings.TrimSpace(report.Error)
		g.FailedCount++
	case report.Success:
		leg.Status = LegCompensated
		leg.Error = ""
	default:
		// 补偿未发生，段回到 executed 等待再次补偿。
		leg.Status = LegExecuted
		leg.Error = strings.TrimSpace(report.Error)
	}
	if err := c.save(ctx, g); err != nil {
		return nil, err
	}
	c.audit.Info("结算段已对账",
		slog.String("group_id", g.ID),
		slog.Int("leg", leg.Index),
		slog.String("from", string(prev)),
		slog.String("to", string(leg.Status)),
	)

	switch {
	case g.Status == StatusExecuting && leg.Status == LegFailed:
		return c.resolveFailure(detached, g, xerrors.New(CodeLegFailure, "settlement leg failed after reconciliation"))
	case g.Status == StatusExecuting:
		return c.execute(detached, g)
	case g.Status == StatusRolledBack:
		return c.compensate(detached, g, nil)
	}
	return g.Clone(), nil
}

// Resume 继续被中断的执行或重试未完成的补偿；已结束的结算组原样返回。
// 过期的认领转为待对账，不会重放托管调用。
func (c *Coordinator) Resume(ctx context.Context, groupID string) (*Group, error) {
	g, err := c.store.Get(ctx, strings.TrimSpace(groupID))
	if err != nil {
		return nil, err
	}
	switch {
	case g.Status == StatusExecuting:
		c.log.Info("继续被中断的结算组", slog.String("group_id", g.ID))
		return c.execute(ctx, g)
	case g.Status == StatusRolledBack && !g.Terminal():
		return c.compensate(ctx, g, nil)
	}
	return g, nil
}

func (c *Coordinator) save(ctx context.Context, g *Group) error {
	g.UpdatedAt = c.now().Unix()
	if err := c.store.Save(ctx, g); err != nil {
		if stdErrors.Is(err, ErrConflict) {
			c.log.Warn("结算组版本冲突", slog.String("group_id", g.ID), slog.Int64("version", g.Version))
		}
		return err
	}
	metrics.ObserveGroupTransition(string(g.Status))
	return nil
}

func (c *Coordinator) enqueueRecovery(ctx context.Context, groupID string) {
	if c.recovery == nil {
		return
	}
	if err := c.recovery.Publish(ctx, []byte(groupID)); err != nil {
		c.log.Error("投递结算组恢复任务失败", slog.String("group_id", groupID), slog.Any("error", err))
	}
}

func (c *Coordinator) publish(ctx context.Context, eventType string, g *Group) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, eventType, g.ID, g); err != nil {
		c.log.Error("发布结算组事件失败",
			slog.String("group_id", g.ID),
			slog.String("type", eventType),
			slog.Any("error", err),
		)
	}
}
