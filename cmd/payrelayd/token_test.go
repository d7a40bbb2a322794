package main

import (
	"testing"
	"time"

	"PayRelay/internal/auth"
)

func TestIssueTokenRoundTrip(t *testing.T) {
	cfg := auth.Config{Mode: auth.ModeJWT, JWT: auth.JWTOptions{Secret: "cli-secret"}}
	token, err := issueToken(cfg, "relayer-1", "relayer, Operator,", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	svc, err := auth.NewService(cfg)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	subject, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject.ID != "relayer-1" || !subject.HasRole(auth.RoleRelayer) || !subject.HasRole(auth.RoleOperator) {
		t.Fatalf("unexpected subject %+v", subject)
	}
}

func TestIssueTokenRequiresJWTMode(t *testing.T) {
	if _, err := issueToken(auth.Config{Mode: auth.ModeDisabled}, "relayer-1", "relayer", 0); err == nil {
		t.Fatal("expected error when jwt mode is disabled")
	}
}
