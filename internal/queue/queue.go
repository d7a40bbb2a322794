// Package queue 提供事件与恢复任务使用的消息队列抽象，支持内存、Redis 与 RabbitMQ 三种实现。
package queue

import (
	"context"

	xerrors "PayRelay/internal/errors"
)

// Handler 处理一条队列消息。返回可重试错误时消息会被重新投递。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递消息。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// ErrClosed 表示队列已经关闭。
var ErrClosed = xerrors.New(xerrors.CodeQueueFailure, "queue closed", xerrors.WithRetryable(false))

// shouldRequeue 判断处理失败的消息是否需要重新投递。
func shouldRequeue(err error) bool {
	return err != nil && xerrors.RetryableError(err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case shouldRequeue(err):
		return "requeued"
	default:
		return "dropped"
	}
}
