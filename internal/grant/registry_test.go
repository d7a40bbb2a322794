package grant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "PayRelay/internal/errors"
)

func TestRegistryCreateValidatesLimits(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := newTestRegistry(t, NewMemoryStore(), clock)
	ctx := context.Background()

	cases := []struct {
		name   string
		single string
		daily  string
	}{
		{"single above daily", "600", "500"},
		{"zero single", "0", "500"},
		{"negative daily", "10", "-1"},
		{"excess precision", "1.0000001", "500"},
	}
	for _, tc := range cases {
		_, err := reg.Create(ctx, CreateRequest{
			Owner:          ownerAddr,
			DelegateSigner: delegateAddr,
			SingleLimit:    dec(tc.single),
			DailyLimit:     dec(tc.daily),
			TTL:            time.Hour,
		})
		if xerrors.CodeOf(err) != CodeInvalidLimits {
			t.Fatalf("%s: expected INVALID_LIMITS, got %v", tc.name, err)
		}
	}
}

func TestRegistryCreateRejectsBadIdentities(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := newTestRegistry(t, NewMemoryStore(), clock)
	ctx := context.Background()

	requests := []CreateRequest{
		{Owner: "not-an-address", DelegateSigner: delegateAddr, SingleLimit: dec("1"), DailyLimit: dec("1"), TTL: time.Hour},
		{Owner: ownerAddr, DelegateSigner: strings.ToUpper(ownerAddr[2:]), SingleLimit: dec("1"), DailyLimit: dec("1"), TTL: time.Hour},
		{Owner: ownerAddr, DelegateSigner: delegateAddr, SingleLimit: dec("1"), DailyLimit: dec("1"), TTL: 0},
	}
	for i, req := range requests {
		if _, err := reg.Create(ctx, req); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("request %d: expected INVALID_ARGUMENT, got %v", i, err)
		}
	}
}

func TestRegistryCreateAndGet(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
			reg := newTestRegistry(t, factory(t), clock)

			created := createGrant(t, reg, "100", "500", 24*time.Hour)
			if !strings.HasPrefix(created.ID, "0x") || len(created.ID) != 66 {
				t.Fatalf("unexpected grant id %q", created.ID)
			}
			if created.Status != StatusActive || !created.UsedToday.IsZero() {
				t.Fatalf("unexpected initial state: %+v", created)
			}

			loaded, err := reg.Get(context.Background(), created.ID)
			if err != nil {
				t.Fatalf("get grant: %v", err)
			}
			if !loaded.SingleLimit.Equal(dec("100")) || !loaded.DailyLimit.Equal(dec("500")) {
				t.Fatalf("limits not persisted: %+v", loaded)
			}
			if !loaded.ExpiresAt.Equal(created.ExpiresAt) {
				t.Fatalf("expiry mismatch: %v vs %v", loaded.ExpiresAt, created.ExpiresAt)
			}
			if loaded.LastResetDay != DayOf(clock.Now()) {
				t.Fatalf("unexpected reset day %d", loaded.LastResetDay)
			}

			if _, err := reg.Get(context.Background(), "0xmissing"); !errors.Is(err, ErrGrantNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestRegistryGetPersistsExpiry(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
			store := factory(t)
			reg := newTestRegistry(t, store, clock)
			g := createGrant(t, reg, "10", "10", time.Hour)

			clock.Advance(time.Hour)
			got, err := reg.Get(context.Background(), g.ID)
			if err != nil {
				t.Fatalf("get grant: %v", err)
			}
			if got.Status != StatusExpired {
				t.Fatalf("expected expired at the boundary, got %s", got.Status)
			}
			raw, err := store.Get(context.Background(), g.ID)
			if err != nil {
				t.Fatalf("raw get: %v", err)
			}
			if raw.Status != StatusExpired {
				t.Fatalf("expected expiry to be persisted, got %s", raw.Status)
			}
		})
	}
}

func TestRegistryRevoke(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
			reg := newTestRegistry(t, factory(t), clock)
			ctx := context.Background()
			g := createGrant(t, reg, "10", "100", time.Hour)

			if _, err := reg.Revoke(ctx, g.ID, strangerAddr); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected unauthorized, got %v", err)
			}
			if _, err := reg.Revoke(ctx, g.ID, delegateAddr); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("delegate must not revoke, got %v", err)
			}

			revoked, err := reg.Revoke(ctx, g.ID, strings.ToLower(ownerAddr))
			if err != nil {
				t.Fatalf("revoke: %v", err)
			}
			if revoked.Status != StatusRevoked {
				t.Fatalf("expected revoked, got %s", revoked.Status)
			}
			again, err := reg.Revoke(ctx, g.ID, ownerAddr)
			if err != nil || again.Status != StatusRevoked {
				t.Fatalf("second revoke should be a no-op, got %v %v", again, err)
			}

			_, err = reg.Ledger().Check(revoked, dec("1"))
			if !errors.Is(err, ErrNotActive) || !errors.Is(err, ErrRevoked) {
				t.Fatalf("expected not active caused by revoked, got %v", err)
			}
		})
	}
}

func TestRegistryRevokeExpiredIsNoop(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := newTestRegistry(t, NewMemoryStore(), clock)
	g := createGrant(t, reg, "10", "100", time.Minute)

	clock.Advance(2 * time.Minute)
	got, err := reg.Revoke(context.Background(), g.ID, ownerAddr)
	if err != nil {
		t.Fatalf("revoke expired: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected status to stay expired, got %s", got.Status)
	}
}

func TestRegistryListByOwner(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
			reg := newTestRegistry(t, factory(t), clock)
			first := createGrant(t, reg, "10", "100", time.Minute)
			clock.Advance(time.Second)
			second := createGrant(t, reg, "10", "100", time.Hour)
			clock.Advance(time.Minute)

			list, err := reg.ListByOwner(context.Background(), strings.ToLower(ownerAddr), 10)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
				t.Fatalf("unexpected order: %+v", list)
			}
			if list[1].Status != StatusExpired || list[0].Status != StatusActive {
				t.Fatalf("unexpected statuses: %s %s", list[0].Status, list[1].Status)
			}
		})
	}
}
