package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	xerrors "PayRelay/internal/errors"
)

func TestMemoryQueueDeliversMessages(t *testing.T) {
	q := NewMemoryQueue("test", 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		got  []string
		done = make(chan struct{})
	)
	go func() {
		_ = q.Consume(ctx, 2, func(_ context.Context, payload []byte) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(payload))
			if len(got) == 3 {
				close(done)
			}
			return nil
		})
	}()

	for _, msg := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, []byte(msg)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for messages")
	}
}

func TestMemoryQueueRequeuesRetryableFailures(t *testing.T) {
	q := NewMemoryQueue("test", 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		attempts int
		done     = make(chan struct{})
	)
	go func() {
		_ = q.Consume(ctx, 1, func(context.Context, []byte) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return xerrors.New(xerrors.CodeStorageFailure, "transient")
			}
			close(done)
			return nil
		})
	}()
	if err := q.Publish(ctx, []byte("group-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected retryable failure to be redelivered")
	}
}

func TestMemoryQueueDropsTerminalFailures(t *testing.T) {
	q := NewMemoryQueue("test", 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan struct{}, 4)
	go func() {
		_ = q.Consume(ctx, 1, func(context.Context, []byte) error {
			handled <- struct{}{}
			return errors.New("bad payload")
		})
	}()
	if err := q.Publish(ctx, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	<-handled
	select {
	case <-handled:
		t.Fatalf("terminal failure must not be redelivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue("test", 1)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Publish(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if err := q.Consume(context.Background(), 1, func(context.Context, []byte) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected consume to stop on close, got %v", err)
	}
}

// 需要本地 Redis，设置 PAYRELAY_TEST_REDIS_ADDR 后运行。
func TestRedisQueueRoundTrip(t *testing.T) {
	addr := os.Getenv("PAYRELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PAYRELAY_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q, err := NewRedisQueue(ctx, RedisConfig{Address: addr, Queue: "payrelay:test:" + t.Name(), BlockWait: time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer q.Close()

	if err := q.Publish(ctx, []byte(`{"type":"payment.executed"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	received := make(chan string, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = q.Consume(consumeCtx, 1, func(_ context.Context, payload []byte) error {
			received <- string(payload)
			return nil
		})
	}()
	select {
	case got := <-received:
		if got != `{"type":"payment.executed"}` {
			t.Fatalf("unexpected payload %s", got)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for redis message")
	}
}
