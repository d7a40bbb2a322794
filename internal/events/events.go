// Package events 将支付与结算组的结果以 JSON 事件的形式发布到队列，下游订阅方自行分发。
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	xerrors "PayRelay/internal/errors"
	"PayRelay/internal/queue"
	"PayRelay/pkg/logger"

	"github.com/google/uuid"
)

// 事件类型
const (
	TypePaymentExecuted = "payment.executed"
	TypePaymentFailed   = "payment.failed"
	TypeGroupCompleted  = "group.completed"
	TypeGroupFailed     = "group.failed"
	TypeGroupRolledBack = "group.rolled_back"

	// TypeSettlementHeld 表示款项已入托管但分账未能执行，例如订单处于争议中。
	TypeSettlementHeld = "settlement.held"
)

// Event 是发布到队列的消息体。
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Subject    string          `json:"subject"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Publisher 把事件编码后投递到 queue.Producer。
type Publisher struct {
	producer queue.Producer
	now      func() time.Time
	log      *slog.Logger
}

// NewPublisher 创建事件发布器。producer 为空时事件只写日志。
func NewPublisher(producer queue.Producer) *Publisher {
	return &Publisher{producer: producer, now: time.Now, log: logger.Named("events")}
}

// Publish 发布一条事件，subject 通常是 paymentId 或 groupId。
func (p *Publisher) Publish(ctx context.Context, eventType, subject string, data any) error {
	if p == nil {
		return nil
	}
	event := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Subject:    subject,
		OccurredAt: p.now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "事件序列化失败")
		}
		event.Data = raw
	}
	if p.producer == nil {
		p.log.Debug("事件未配置队列，仅记录日志", slog.String("type", eventType), slog.String("subject", subject))
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "事件序列化失败")
	}
	if err := p.producer.Publish(ctx, payload); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布事件失败",
			xerrors.WithMetadata("event_type", eventType),
			xerrors.WithMetadata("subject", subject))
	}
	return nil
}

// Decode 解析队列中的事件消息。
func Decode(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "事件格式错误")
	}
	return event, nil
}

// Subscribe 消费队列中的事件并交给 fn 处理，格式错误的消息直接丢弃。
func Subscribe(ctx context.Context, consumer queue.Consumer, workers int, fn func(context.Context, Event) error) error {
	log := logger.Named("events")
	return consumer.Consume(ctx, workers, func(ctx context.Context, payload []byte) error {
		event, err := Decode(payload)
		if err != nil {
			log.Warn("丢弃无法解析的事件", slog.Any("error", err))
			return nil
		}
		return fn(ctx, event)
	})
}

// LogHandler 返回把事件写入日志的处理函数，用于未接入下游订阅方的部署。
func LogHandler(l *slog.Logger) func(context.Context, Event) error {
	if l == nil {
		l = logger.Named("events")
	}
	return func(_ context.Context, event Event) error {
		l.Info("事件",
			slog.String("id", event.ID),
			slog.String("type", event.Type),
			slog.String("subject", event.Subject),
			slog.Time("occurred_at", event.OccurredAt))
		return nil
	}
}
