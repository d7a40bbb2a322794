package group

import (
	"context"
	"errors"
	"testing"
	"time"

	"PayRelay/internal/custody"
	"PayRelay/internal/queue"
)

func TestSweepResumesStaleGroups(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
			store := factory(t)
			legs := newScriptedLegs()
			c := NewCoordinator(store, legs, WithClock(func() time.Time { return start }))

			g, err := c.Create(context.Background(), threeLegs())
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			// 模拟进程在执行第一段后退出。
			interrupted, _ := store.Get(context.Background(), g.ID)
			interrupted.Status = StatusExecuting
			interrupted.Legs[0].Status = LegExecuted
			interrupted.Legs[0].Reference = "r0"
			interrupted.SuccessCount = 1
			if err := store.Save(context.Background(), interrupted); err != nil {
				t.Fatalf("save: %v", err)
			}

			fresh := NewWorker(c, store, nil, WithSweep(0, 10*time.Minute),
				WithWorkerClock(func() time.Time { return start.Add(time.Minute) }))
			if n, err := fresh.Sweep(context.Background()); err != nil || n != 0 {
				t.Fatalf("recent group should not be swept: %d %v", n, err)
			}

			w := NewWorker(c, store, nil, WithSweep(0, 5*time.Minute),
				WithWorkerClock(func() time.Time { return start.Add(10 * time.Minute) }))
			n, err := w.Sweep(context.Background())
			if err != nil || n != 1 {
				t.Fatalf("expected one swept group, got %d %v", n, err)
			}
			done, _ := store.Get(context.Background(), g.ID)
			if done.Status != StatusCompleted || done.SuccessCount != 3 {
				t.Fatalf("expected completed group, got %+v", done)
			}
			if len(legs.executed) != 2 || legs.executed[0] != 1 {
				t.Fatalf("only pending legs run on resume, got %v", legs.executed)
			}
		})
	}
}

func TestWorkerConsumesRecoveryQueue(t *testing.T) {
	store := NewMemoryStore()
	legs := newScriptedLegs()
	legs.failExecute[1] = custody.Rejected(nil, "reverted")
	legs.failCompensate[0] = custody.Failure(errors.New("rpc timeout"), "transfer failed")
	recovery := queue.NewMemoryQueue("recovery", 8)
	c := NewCoordinator(store, legs, WithRecoveryQueue(recovery))

	g, _ := c.Create(context.Background(), threeLegs())
	if _, err := c.Run(context.Background(), g.ID); !errors.Is(err, ErrCompensationFailed) {
		t.Fatalf("expected compensation failure, got %v", err)
	}
	legs.clearFaults()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(c, store, recovery, WithRetryDelay(0))
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		current, err := store.Get(context.Background(), g.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if current.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("group not recovered: %+v", current)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestHandleSkipsUnknownGroups(t *testing.T) {
	c := NewCoordinator(NewMemoryStore(), newScriptedLegs())
	w := NewWorker(c, NewMemoryStore(), nil)
	if err := w.Handle(context.Background(), []byte("missing")); err != nil {
		t.Fatalf("expected unknown group to be skipped, got %v", err)
	}
	if err := w.Handle(context.Background(), []byte("  ")); err != nil {
		t.Fatalf("expected empty payload to be skipped, got %v", err)
	}
	if err := NewWorker(c, NewMemoryStore(), nil).Start(context.Background()); err == nil {
		t.Fatalf("expected error without consumer")
	}
}
