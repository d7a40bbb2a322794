package grant

import (
	"context"
	"sync"
	"testing"
	"time"

	"PayRelay/internal/storage/sqldb"

	"github.com/shopspring/decimal"
)

const (
	ownerAddr    = "0x1111111111111111111111111111111111111111"
	delegateAddr = "0x2222222222222222222222222222222222222222"
	strangerAddr = "0x3333333333333333333333333333333333333333"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// storeFactories 让同一组用例同时覆盖内存实现与 SQLite 实现。
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			t.Helper()
			db, err := sqldb.Open(context.Background(), sqldb.Config{Driver: "sqlite", DSN: ":memory:"})
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = db.Close() })
			return NewSQLStore(db)
		},
	}
}

func newTestRegistry(t *testing.T, store Store, clock *testClock) *Registry {
	t.Helper()
	return NewRegistry(store, WithClock(clock.Now))
}

func createGrant(t *testing.T, reg *Registry, single, daily string, ttl time.Duration) *Grant {
	t.Helper()
	g, err := reg.Create(context.Background(), CreateRequest{
		Owner:          ownerAddr,
		DelegateSigner: delegateAddr,
		SingleLimit:    dec(single),
		DailyLimit:     dec(daily),
		TTL:            ttl,
	})
	if err != nil {
		t.Fatalf("create grant: %v", err)
	}
	return g
}
