package provider

import (
	"context"
	"errors"
	"testing"

	"PayRelay/internal/custody"
)

func TestLoadMemoryDomains(t *testing.T) {
	reg, err := Load(context.Background(), custody.DomainDefinitions{
		DefaultDomain: "local",
		Domains: map[string]custody.DomainDefinition{
			"local":  {Type: "memory", Escrow: "vault"},
			"backup": {Type: "memory"},
		},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(reg.Close)

	def, err := reg.Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if def.EscrowAccount() != "vault" {
		t.Fatalf("unexpected default escrow %s", def.EscrowAccount())
	}
	if got := reg.Domains(); len(got) != 2 || got[0] != "backup" || got[1] != "local" {
		t.Fatalf("unexpected domains %v", got)
	}
	if _, err := reg.Resolve("missing"); !errors.Is(err, custody.ErrDomainNotFound) {
		t.Fatalf("expected domain not found, got %v", err)
	}
}

func TestLoadRejectsUnknownType(t *testing.T) {
	_, err := Load(context.Background(), custody.DomainDefinitions{
		Domains: map[string]custody.DomainDefinition{"x": {Type: "solana"}},
	})
	if err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func TestNewPicksFirstDomainAsDefault(t *testing.T) {
	reg, err := New("", map[string]custody.Custodian{
		"b": custody.NewMemoryCustodian("b", ""),
		"a": custody.NewMemoryCustodian("a", ""),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if reg.DefaultDomain() != "a" {
		t.Fatalf("expected sorted first domain, got %s", reg.DefaultDomain())
	}
	reg.Register("c", custody.NewMemoryCustodian("c", ""))
	if _, err := reg.Resolve("c"); err != nil {
		t.Fatalf("resolve registered: %v", err)
	}
	if _, err := New("", nil); err == nil {
		t.Fatalf("expected error for empty registry")
	}
}
