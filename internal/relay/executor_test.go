package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"PayRelay/internal/custody"
	xerrors "PayRelay/internal/errors"
	"PayRelay/internal/grant"
	"PayRelay/internal/signature"
	"PayRelay/internal/split"
	"PayRelay/internal/storage/sqldb"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const (
	relayerID     = "relayer-1"
	testDomainTag = "payrelay-test"
	ownerAddr     = "0x1111111111111111111111111111111111111111"
	recipientAddr = "0x2222222222222222222222222222222222222222"
	merchantAddr  = "0x4444444444444444444444444444444444444444"
	platformAddr  = "0x5555555555555555555555555555555555555555"
	executorAddr  = "0x6666666666666666666666666666666666666666"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordedEvent struct {
	eventType string
	subject   string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, eventType, subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{eventType: eventType, subject: subject})
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.eventType)
	}
	return out
}

type harness struct {
	t         *testing.T
	now       time.Time
	key       *ecdsa.PrivateKey
	registry  *grant.Registry
	custodian *custody.MemoryCustodian
	splits    *split.Service
	store     Store
	events    *recordingPublisher
	exec      *Executor
	grant     *grant.Grant
}

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

func newHarness(t *testing.T, store Store, custodian custody.Custodian) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		now:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		store:  store,
		events: &recordingPublisher{},
	}
	clock := func() time.Time { return h.now }
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	h.key = key
	h.registry = grant.NewRegistry(grant.NewMemoryStore(), grant.WithClock(clock))

	mem := custody.NewMemoryCustodian("local", "")
	mem.Fund(ownerAddr, dec("10000"))
	mem.Approve(ownerAddr, dec("10000"))
	h.custodian = mem
	if custodian == nil {
		custodian = mem
	}
	h.splits = split.NewService(split.NewMemoryStore(), split.WithClock(clock), split.WithCustodian(custodian))

	h.exec, err = NewExecutor(
		Config{Relayer: relayerID, DomainTag: testDomainTag, MaxAttempts: 3},
		h.registry,
		signature.NewVerifier(signature.WithClock(clock)),
		custodian,
		store,
		WithSplits(h.splits),
		WithEvents(h.events),
		WithClock(clock),
	)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	h.grant, err = h.registry.Create(context.Background(), grant.CreateRequest{
		Owner:          ownerAddr,
		DelegateSigner: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		SingleLimit:    dec("100"),
		DailyLimit:     dec("500"),
		TTL:            24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("create grant: %v", err)
	}
	return h
}

func (h *harness) request(paymentID, amount string) Request {
	return h.sign(Request{
		PaymentID: paymentID,
		GrantID:   h.grant.ID,
		Recipient: recipientAddr,
		Amount:    dec(amount),
		DomainTag: testDomainTag,
	}, h.key, testDomainTag)
}

func (h *harness) sign(req Request, key *ecdsa.PrivateKey, domainTag string) Request {
	h.t.Helper()
	sig, err := signature.Sign(signature.Message{
		DomainTag: domainTag,
		GrantID:   req.GrantID,
		Recipient: req.Recipient,
		OrderID:   req.OrderID,
		Amount:    req.Amount,
		PaymentID: req.PaymentID,
		Expiry:    req.Expiry,
	}, key)
	if err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	req.Signature = hexutil.Encode(sig)
	return req
}

func (h *harness) usedToday() decimal.Decimal {
	h.t.Helper()
	g, err := h.registry.Get(context.Background(), h.grant.ID)
	if err != nil {
		h.t.Fatalf("get grant: %v", err)
	}
	return g.UsedToday
}

func TestExecuteRecipientPayment(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, factory(t), nil)
			exec, err := h.exec.Execute(context.Background(), relayerID, h.request("pay-1", "90"))
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if exec.Status != StatusExecuted || exec.TxRef == "" || exec.Attempts != 1 {
				t.Fatalf("unexpected execution %+v", exec)
			}
			if !h.custodian.Balance(recipientAddr).Equal(dec("90")) {
				t.Fatalf("recipient balance = %s", h.custodian.Balance(recipientAddr))
			}
			if !h.usedToday().Equal(dec("90")) {
				t.Fatalf("used today = %s", h.usedToday())
			}
			stored, err := h.exec.Get(context.Background(), "pay-1")
			if err != nil || stored.Status != StatusExecuted || stored.RequestHash != exec.RequestHash {
				t.Fatalf("unexpected stored execution %+v %v", stored, err)
			}
			if types := h.events.types(); len(types) != 1 || types[0] != "payment.executed" {
				t.Fatalf("unexpected events %v", types)
			}
		})
	}
}

func TestExecuteIsIdempotent(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, factory(t), nil)
			req := h.request("pay-1", "90")
			first, err := h.exec.Execute(context.Background(), relayerID, req)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}

			again, err := h.exec.Execute(context.Background(), relayerID, req)
			if !errors.Is(err, ErrDuplicatePayment) {
				t.Fatalf("expected duplicate, got %v", err)
			}
			if again == nil || again.Status != StatusExecuted || again.TxRef != first.TxRef {
				t.Fatalf("expected original outcome, got %+v", again)
			}
			if h.custodian.Calls() != 1 || !h.usedToday().Equal(dec("90")) {
				t.Fatalf("duplicate must not move funds or limits")
			}

			other := h.request("pay-1", "50")
			got, err := h.exec.Execute(context.Background(), relayerID, other)
			if !errors.Is(err, ErrDuplicatePayment) || got != nil {
				t.Fatalf("expected duplicate without outcome for a different body, got %+v %v", got, err)
			}
		})
	}
}

func TestDailyLimitScenario(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), nil)
	for i, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		if _, err := h.exec.Execute(context.Background(), relayerID, h.request(id, "90")); err != nil {
			t.Fatalf("payment %d: %v", i, err)
		}
	}
	if !h.usedToday().Equal(dec("450")) {
		t.Fatalf("used today = %s", h.usedToday())
	}

	exec, err := h.exec.Execute(context.Background(), relayerID, h.request("p6", "90"))
	if !errors.Is(err, grant.ErrDailyLimitExceeded) {
		t.Fatalf("expected daily limit exceeded, got %v", err)
	}
	if got := xerrors.MessageOf(err); got != "amount exceeds daily limit: used 450/500, requested 90" {
		t.Fatalf("unexpected message %q", got)
	}
	if exec.Status != StatusFailed || exec.Retryable {
		t.Fatalf("expected terminal failure, got %+v", exec)
	}
	if !h.usedToday().Equal(dec("450")) {
		t.Fatalf("rejected payment must not change usage")
	}

	h.now = h.now.Add(24 * time.Hour)
	if _, err := h.exec.Execute(context.Background(), relayerID, h.request("p7", "40")); err == nil {
		t.Fatalf("grant must be expired after its ttl")
	} else if !errors.Is(err, grant.ErrNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
}

func TestConcurrentExecutionsRespectDailyLimit(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), nil)
	requests := make([]Request, 20)
	for i := range requests {
		requests[i] = h.request("concurrent-"+string(rune('a'+i)), "90")
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, req := range requests {
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			if _, err := h.exec.Execute(context.Background(), relayerID, req); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(req)
	}
	wg.Wait()

	if succeeded != 5 {
		t.Fatalf("expected floor(500/90)=5 successes, got %d", succeeded)
	}
	if !h.usedToday().Equal(dec("450")) || !h.custodian.Balance(recipientAddr).Equal(dec("450")) {
		t.Fatalf("used %s, moved %s", h.usedToday(), h.custodian.Balance(recipientAddr))
	}
}

func TestCustodyFailureReleasesLimitAndIsReclaimable(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, factory(t), nil)
			h.custodian.SetFault(errors.New("rpc unavailable"))
			req := h.request("pay-r", "60")

			exec, err := h.exec.Execute(context.Background(), relayerID, req)
			if !errors.Is(err, custody.ErrFailure) {
				t.Fatalf("expected custody failure, got %v", err)
			}
			if exec.Status != StatusFailed || !exec.Retryable || exec.ErrorCode != string(custody.CodeFailure) {
				t.Fatalf("unexpected failed execution %+v", exec)
			}
			if !h.usedToday().IsZero() {
				t.Fatalf("custody failure must release the debit, used %s", h.usedToday())
			}

			h.custodian.SetFault(nil)
			exec, err = h.exec.Execute(context.Background(), relayerID, req)
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if exec.Status != StatusExecuted || exec.Attempts != 2 {
				t.Fatalf("expected reclaimed execution, got %+v", exec)
			}
			if !h.usedToday().Equal(dec("60")) {
				t.Fatalf("used today = %s", h.usedToday())
			}
		})
	}
}

func TestCustodyRetriesAreBounded(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), nil)
	h.custodian.SetFault(errors.New("rpc unavailable"))
	req := h.request("pay-b", "10")
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := h.exec.Execute(context.Background(), relayerID, req); !errors.Is(err, custody.ErrFailure) {
			t.Fatalf("attempt %d: expected custody failure, got %v", attempt, err)
		}
	}
	exec, err := h.exec.Execute(context.Background(), relayerID, req)
	if !errors.Is(err, ErrDuplicatePayment) || exec.Attempts != 3 {
		t.Fatalf("expected exhausted payment to be a duplicate, got %+v %v", exec, err)
	}
}

func TestCustodyRejectionIsTerminal(t *testing.T) {
	rejecting := custody.FuncCustodian{
		Escrow: custody.DefaultEscrowAccount,
		PullFunc: func(context.Context, custody.PullRequest) (custody.Receipt, error) {
			return custody.Receipt{}, custody.Rejected(nil, "insufficient allowance")
		},
	}
	h := newHarness(t, NewMemoryStore(), rejecting)
	req := h.request("pay-x", "10")
	exec, err := h.exec.Execute(context.Background(), relayerID, req)
	if !errors.Is(err, custody.ErrRejected) || exec.Retryable {
		t.Fatalf("expected terminal rejection, got %+v %v", exec, err)
	}
	if !h.usedToday().IsZero() {
		t.Fatalf("rejection must release the debit")
	}
	if _, err := h.exec.Execute(context.Background(), relayerID, req); !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("expected duplicate after terminal failure, got %v", err)
	}
}

func TestRejectionsBeforeReservation(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), nil)
	ctx := context.Background()

	if _, err := h.exec.Execute(ctx, "someone-else", h.request("pay-u", "10")); !errors.Is(err, ErrUnauthorizedRelayer) {
		t.Fatalf("expected unauthorized relayer, got %v", err)
	}
	h.exec.Pause()
	if _, err := h.exec.Execute(ctx, relayerID, h.request("pay-u", "10")); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	h.exec.Resume()

	both := h.request("pay-u", "10")
	both.OrderID = "order-1"
	if _, err := h.exec.Execute(ctx, relayerID, both); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := h.exec.Get(ctx, "pay-u"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("rejected requests must not consume the payment id, got %v", err)
	}
	if _, err := h.exec.Execute(ctx, relayerID, h.request("pay-u", "10")); err != nil {
		t.Fatalf("execute after resume: %v", err)
	}
}

func TestSignatureFailuresConsumePaymentID(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), nil)
	ctx := context.Background()

	stranger, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged := h.sign(Request{PaymentID: "pay-f", GrantID: h.grant.ID, Recipient: recipientAddr, Amount: dec("10")}, stranger, testDomainTag)
	exec, err := h.exec.Execute(ctx, relayerID, forged)
	if !errors.Is(err, signature.ErrMismatch) || exec.Status != StatusFailed {
		t.Fatalf("expected mismatch, got %+v %v", exec, err)
	}

	otherDomain := h.sign(Request{PaymentID: "pay-d", GrantID: h.grant.ID, Recipient: recipientAddr, Amount: dec("10"), DomainTag: "other"}, h.key, "other")
	if _, err := h.exec.Execute(ctx, relayerID, otherDomain); !errors.Is(err, signature.ErrMismatch) {
		t.Fatalf("expected mismatch for a foreign domain, got %v", err)
	}

	expired := h.sign(Request{PaymentID: "pay-e", GrantID: h.grant.ID, Recipient: recipientAddr, Amount: dec("10"), Expiry: h.now.Unix() - 1}, h.key, testDomainTag)
	if _, err := h.exec.Execute(ctx, relayerID, expired); !errors.Is(err, signature.ErrExpired) {
		t.Fatalf("expected expired signature, got %v", err)
	}

	if h.custodian.Calls() != 0 || !h.usedToday().IsZero() {
		t.Fatalf("signature failures must not debit or move funds")
	}
	if _, err := h.exec.Execute(ctx, relayerID, forged); !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("expected consumed payment id, got %v", err)
	}
}

func TestRevokedGrantIsRejected(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), nil)
	if _, err := h.registry.Revoke(context.Background(), h.grant.ID, ownerAddr); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, err := h.exec.Execute(context.Background(), relayerID, h.request("pay-v", "10"))
	if !errors.Is(err, grant.ErrNotActive) || !errors.Is(err, grant.ErrRevoked) {
		t.Fatalf("expected not active (revoked), got %v", err)
	}
}

func TestCanceledContextFailsBeforeDebit(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec, err := h.exec.Execute(ctx, relayerID, h.request("pay-c", "10"))
	if xerrors.CodeOf(err) != xerrors.CodeCanceled || !exec.Retryable {
		t.Fatalf("expected retryable cancellation, got %+v %v", exec, err)
	}
	if h.custodian.Calls() != 0 || !h.usedToday().IsZero() {
		t.Fatalf("canceled execution must not debit or move funds")
	}
	if exec, err = h.exec.Execute(context.Background(), relayerID, h.request("pay-c", "10")); err != nil || exec.Attempts != 2 {
		t.Fatalf("expected canceled payment to be reclaimable, got %+v %v", exec, err)
	}
}

func (h *harness) configureOrder(orderID string) {
	h.t.Helper()
	_, err := h.splits.Configure(context.Background(), split.Config{
		OrderID:       orderID,
		Gross:         dec("100"),
		Shares:        split.Shares{Merchant: dec("97.5"), Platform: dec("2"), Executor: dec("0.5")},
		Payees:        split.Payees{Merchant: merchantAddr, Platform: platformAddr, Executor: executorAddr},
		RequiresProof: true,
	})
	if err != nil {
		h.t.Fatalf("configure split: %v", err)
	}
}

func (h *harness) orderRequest(paymentID, orderID, amount string) Request {
	return h.sign(Request{
		PaymentID: paymentID,
		GrantID:   h.grant.ID,
		OrderID:   orderID,
		Amount:    dec(amount),
	}, h.key, testDomainTag)
}

func TestOrderPaymentSettlesThroughEscrow(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), nil)
	h.configureOrder("order-1")

	exec, err := h.exec.Execute(context.Background(), relayerID, h.orderRequest("pay-o", "order-1", "100"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Settlement != string(split.StatusPartiallySettled) {
		t.Fatalf("unexpected settlement %q", exec.Settlement)
	}
	if !h.custodian.Balance(custody.DefaultEscrowAccount).Equal(dec("100")) {
		t.Fatalf("order funds must land in escrow")
	}
	bal, err := h.splits.Balance(context.Background(), platformAddr)
	if err != nil || !bal.Pending.Equal(dec("2")) {
		t.Fatalf("unexpected platform balance %+v %v", bal, err)
	}

	if _, err := h.exec.Execute(context.Background(), relayerID, h.orderRequest("pay-o2", "order-1", "100")); !errors.Is(err, split.ErrAlreadySettled) {
		t.Fatalf("expected already settled for a second payment, got %v", err)
	}
}

func TestDisputedOrderHoldsFunds(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), nil)
	h.configureOrder("order-2")
	if _, err := h.splits.OpenDispute(context.Background(), "order-2", "not delivered"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	exec, err := h.exec.Execute(context.Background(), relayerID, h.orderRequest("pay-h", "order-2", "100"))
	if err != nil {
		t.Fatalf("disputed settlement must not fail the payment: %v", err)
	}
	if exec.Status != StatusExecuted || exec.Settlement != SettlementHeld {
		t.Fatalf("unexpected execution %+v", exec)
	}
	if !h.custodian.Balance(custody.DefaultEscrowAccount).Equal(dec("100")) {
		t.Fatalf("funds must stay in escrow while disputed")
	}
	types := h.events.types()
	if len(types) != 2 || types[0] != "settlement.held" || types[1] != "payment.executed" {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestOrderGrossMismatch(t *testing.T) {
	h := newHarness(t, NewMemoryStore(), nil)
	h.configureOrder("order-3")
	_, err := h.exec.Execute(context.Background(), relayerID, h.orderRequest("pay-m", "order-3", "99"))
	if !errors.Is(err, split.ErrGrossMismatch) {
		t.Fatalf("expected gross mismatch, got %v", err)
	}
	if _, err := h.exec.Execute(context.Background(), relayerID, h.orderRequest("pay-n", "missing", "10")); !errors.Is(err, split.ErrNotFound) {
		t.Fatalf("expected split not found, got %v", err)
	}
	if h.custodian.Calls() != 0 {
		t.Fatalf("split checks must run before custody")
	}
}

func TestUnconfirmedPullKeepsDebit(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			var pulls int
			unconfirmed := custody.FuncCustodian{
				Escrow: custody.DefaultEscrowAccount,
				PullFunc: func(context.Context, custody.PullRequest) (custody.Receipt, error) {
					pulls++
					return custody.Receipt{}, custody.Unconfirmed(context.DeadlineExceeded, "0xfeed")
				},
			}
			h := newHarness(t, factory(t), unconfirmed)

			for i := 0; i < 8; i++ {
				id := "pay-u" + strconv.Itoa(i)
				exec, err := h.exec.Execute(context.Background(), relayerID, h.request(id, "100"))
				if i < 5 {
					if !custody.IsUnconfirmed(err) {
						t.Fatalf("payment %d: expected unconfirmed outcome, got %v", i, err)
					}
					if exec.Status != StatusUnknown || exec.Retryable || exec.TxRef != "0xfeed" {
						t.Fatalf("payment %d: unexpected execution %+v", i, exec)
					}
					continue
				}
				if !errors.Is(err, grant.ErrDailyLimitExceeded) {
					t.Fatalf("payment %d: expected daily limit rejection, got %v", i, err)
				}
			}
			if pulls != 5 {
				t.Fatalf("expected 5 pulls, got %d", pulls)
			}
			if !h.usedToday().Equal(dec("500")) {
				t.Fatalf("unconfirmed pulls must keep the debit, used %s", h.usedToday())
			}

			again, err := h.exec.Execute(context.Background(), relayerID, h.request("pay-u0", "100"))
			if !errors.Is(err, ErrDuplicatePayment) || again.Status != StatusUnknown {
				t.Fatalf("expected unknown record to block resubmission, got %+v %v", again, err)
			}
			if pulls != 5 {
				t.Fatalf("resubmission pulled again")
			}
		})
	}
}

func TestPaymentIDVariantsShareOneKey(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, factory(t), nil)
			lower := "0x" + strings.Repeat("ab", 32)
			req := h.request(lower, "100")
			if _, err := h.exec.Execute(context.Background(), relayerID, req); err != nil {
				t.Fatalf("execute: %v", err)
			}

			upper := req
			upper.PaymentID = "0x" + strings.Repeat("AB", 32)
			if _, err := h.exec.Execute(context.Background(), relayerID, upper); !errors.Is(err, ErrDuplicatePayment) {
				t.Fatalf("expected case variant to be a duplicate, got %v", err)
			}

			text := h.request("pay-text", "50")
			if _, err := h.exec.Execute(context.Background(), relayerID, text); err != nil {
				t.Fatalf("execute text id: %v", err)
			}
			hashed := text
			hashed.PaymentID = signature.IDBytes32("pay-text").Hex()
			if _, err := h.exec.Execute(context.Background(), relayerID, hashed); !errors.Is(err, ErrDuplicatePayment) {
				t.Fatalf("expected hashed form to be a duplicate, got %v", err)
			}

			if h.custodian.Calls() != 2 || !h.usedToday().Equal(dec("150")) {
				t.Fatalf("variants must not move funds again: calls=%d used=%s", h.custodian.Calls(), h.usedToday())
			}
			stored, err := h.exec.Get(context.Background(), "0x"+strings.Repeat("Ab", 32))
			if err != nil || stored.PaymentID != lower {
				t.Fatalf("expected lookup by any variant, got %+v %v", stored, err)
			}
		})
	}
}
