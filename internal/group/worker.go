package group

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	xerrors "PayRelay/internal/errors"
	"PayRelay/internal/queue"
	"PayRelay/pkg/logger"
)

// Worker 消费恢复队列中的结算组 ID，并定期扫描长时间未结束的结算组。
type Worker struct {
	coordinator *Coordinator
	store       Store
	consumer    queue.Consumer
	workerCount int
	staleAfter  time.Duration
	interval    time.Duration
	retryDelay  time.Duration
	batch       int
	now         func() time.Time
	log         *slog.Logger
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.workerCount = n
		}
	}
}

// WithSweep 设置扫描间隔与判定为滞留的时长，interval 为 0 时关闭扫描。
func WithSweep(interval, staleAfter time.Duration) WorkerOption {
	return func(w *Worker) {
		w.interval = interval
		if staleAfter > 0 {
			w.staleAfter = staleAfter
		}
	}
}

// WithRetryDelay 设置补偿再次失败后处理下一条消息前的等待时间。
func WithRetryDelay(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d >= 0 {
			w.retryDelay = d
		}
	}
}

// WithWorkerClock 替换时钟。
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker 构造 Worker。
func NewWorker(coordinator *Coordinator, store Store, consumer queue.Consumer, opts ...WorkerOption) *Worker {
	w := &Worker{
		coordinator: coordinator,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		staleAfter:  5 * time.Minute,
		retryDelay:  time.Second,
		batch:       100,
		now:         time.Now,
		log:         logger.Named("group_worker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start 启动扫描循环并阻塞消费恢复队列，直到 ctx 取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置恢复队列消费者")
	}
	if w.interval > 0 {
		go w.sweepLoop(ctx)
	}
	return w.consumer.Consume(ctx, w.workerCount, w.Handle)
}

// Handle 处理一条恢复消息，消息体为结算组 ID。
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	groupID := strings.TrimSpace(string(payload))
	if groupID == "" {
		return nil
	}
	g, err := w.coordinator.Resume(ctx, groupID)
	switch {
	case err == nil:
		w.log.Debug("结算组恢复完成", slog.String("group_id", groupID), slog.String("status", string(g.Status)))
		return nil
	case stdErrors.Is(err, ErrNotFound):
		w.log.Warn("跳过不存在的结算组", slog.String("group_id", groupID))
		return nil
	case stdErrors.Is(err, ErrCompensationFailed):
		// 协调器已重新投递恢复消息。
		w.wait(ctx)
		return nil
	case stdErrors.Is(err, ErrLegInFlight):
		// 认领方负责落定结果，过期的认领由扫描处理。
		return nil
	case stdErrors.Is(err, ErrLegInDoubt):
		w.log.Warn("结算组等待对账", slog.String("group_id", groupID), slog.Any("error", err))
		return nil
	}
	w.log.Error("结算组恢复失败", slog.String("group_id", groupID), slog.Any("error", err))
	return err
}

// Sweep 恢复最近更新早于 staleAfter 的未结束结算组，返回处理的数量。
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	before := w.now().Add(-w.staleAfter).Unix()
	groups, err := w.store.ListUnfinished(ctx, before, w.batch)
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		_, err := w.coordinator.Resume(ctx, g.ID)
		switch {
		case err == nil, stdErrors.Is(err, ErrCompensationFailed), stdErrors.Is(err, ErrLegInFlight):
		case stdErrors.Is(err, ErrLegInDoubt):
			w.log.Warn("结算组等待对账", slog.String("group_id", g.ID))
		default:
			w.log.Warn("扫描恢复结算组失败", slog.String("group_id", g.ID), slog.Any("error", err))
		}
	}
	return len(groups), nil
}

func (w *Worker) wait(ctx context.Context) {
	if w.retryDelay <= 0 {
		return
	}
	timer := time.NewTimer(w.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.Sweep(ctx); err != nil {
				w.log.Error("扫描结算组失败", slog.Any("error", err))
			} else if n > 0 {
				w.log.Info("扫描恢复结算组", slog.Int("count", n))
			}
		}
	}
}
