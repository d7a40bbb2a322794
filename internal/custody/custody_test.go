package custody

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "PayRelay/internal/errors"

	"github.com/shopspring/decimal"
)

func TestMemoryCustodianPull(t *testing.T) {
	m := NewMemoryCustodian("local", "")
	m.Fund("owner", decimal.NewFromInt(100))
	m.Approve("owner", decimal.NewFromInt(60))
	ctx := context.Background()

	if _, err := m.Pull(ctx, PullRequest{From: "OWNER", To: "merchant", Amount: decimal.NewFromInt(50)}); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if !m.Balance("merchant").Equal(decimal.NewFromInt(50)) || !m.Allowance("owner").Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected state: merchant=%s allowance=%s", m.Balance("merchant"), m.Allowance("owner"))
	}

	_, err := m.Pull(ctx, PullRequest{From: "owner", To: "merchant", Amount: decimal.NewFromInt(20)})
	if !errors.Is(err, ErrRejected) || xerrors.RetryableError(err) {
		t.Fatalf("expected terminal rejection, got %v", err)
	}
	if m.EscrowAccount() != DefaultEscrowAccount {
		t.Fatalf("unexpected escrow %s", m.EscrowAccount())
	}
}

func TestMemoryCustodianFault(t *testing.T) {
	m := NewMemoryCustodian("local", "vault")
	m.Fund("vault", decimal.NewFromInt(10))
	m.SetFault(errors.New("rpc unavailable"))

	_, err := m.Transfer(context.Background(), TransferRequest{From: "vault", To: "payee", Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, ErrFailure) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable failure, got %v", err)
	}
	if !m.Balance("vault").Equal(decimal.NewFromInt(10)) {
		t.Fatalf("faulted transfer must not move funds")
	}

	m.SetFault(Rejected(nil, "frozen"))
	if _, err := m.Transfer(context.Background(), TransferRequest{From: "vault", To: "payee", Amount: decimal.NewFromInt(1)}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected injected rejection to pass through, got %v", err)
	}
	if m.Calls() != 2 {
		t.Fatalf("expected 2 calls, got %d", m.Calls())
	}
}

func TestUnconfirmedIsNotRetryable(t *testing.T) {
	err := Unconfirmed(context.DeadlineExceeded, "0xabc")
	if !errors.Is(err, ErrFailure) || xerrors.RetryableError(err) {
		t.Fatalf("unconfirmed transfers must not be retried: %v", err)
	}
}

func TestParseDomainDefinitions(t *testing.T) {
	t.Setenv("TEST_RELAY_KEY", "0xdeadbeef")
	defs, err := ParseDomainDefinitions([]byte(`
default_domain: base
domains:
  base:
    type: evm
    rpc_url: https://rpc.example
    chain_id: 8453
    token: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
    private_key: ${TEST_RELAY_KEY}
    receipt_timeout: 90s
  local:
    type: memory
    escrow: vault
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	base := defs.Domains["base"]
	if defs.DefaultDomain != "base" || base.ChainID != 8453 || base.PrivateKey != "0xdeadbeef" {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
	if base.ReceiptTimeout != 90*time.Second {
		t.Fatalf("unexpected receipt timeout %s", base.ReceiptTimeout)
	}
	if defs.Domains["local"].Escrow != "vault" {
		t.Fatalf("unexpected local domain %+v", defs.Domains["local"])
	}

	empty, err := LoadDomainDefinitions("")
	if err != nil || len(empty.Domains) != 0 {
		t.Fatalf("expected empty definitions, got %+v %v", empty, err)
	}
}

func TestLoadShippedDomains(t *testing.T) {
	defs, err := LoadDomainDefinitions("../../configs/domains.yaml")
	if err != nil {
		t.Fatalf("load domains: %v", err)
	}
	local, ok := defs.Domains[defs.DefaultDomain]
	if defs.DefaultDomain != "local" || !ok || local.Type != "memory" {
		t.Fatalf("unexpected shipped domains %+v", defs)
	}
}
