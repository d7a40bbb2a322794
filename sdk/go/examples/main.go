package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"PayRelay/internal/api"
	"PayRelay/internal/auth"
	"PayRelay/internal/custody"
	"PayRelay/internal/grant"
	"PayRelay/internal/relay"
	"PayRelay/internal/signature"
	"PayRelay/sdk/go/payrelay"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const (
	domainTag = "payrelay-demo"
	owner     = "0x1111111111111111111111111111111111111111"
	recipient = "0x2222222222222222222222222222222222222222"
)

func main() {
	authSvc, err := auth.NewService(auth.Config{Mode: auth.ModeJWT, JWT: auth.JWTOptions{Secret: "demo-secret"}})
	if err != nil {
		panic(err)
	}
	custodian := custody.NewMemoryCustodian("local", "")
	custodian.Fund(owner, decimal.NewFromInt(1000))
	custodian.Approve(owner, decimal.NewFromInt(1000))

	registry := grant.NewRegistry(grant.NewMemoryStore())
	executor, err := relay.NewExecutor(
		relay.Config{Relayer: "relayer-demo", DomainTag: domainTag},
		registry,
		signature.NewVerifier(),
		custodian,
		relay.NewMemoryStore(),
	)
	if err != nil {
		panic(err)
	}

	srv := httptest.NewServer(api.NewServer(":0", api.Dependencies{
		Executor: executor,
		Grants:   registry,
		Auth:     authSvc,
	}).Handler())
	defer srv.Close()

	ownerToken, err := authSvc.IssueToken(&auth.Subject{ID: owner, Roles: []string{auth.RoleOwner}}, time.Hour)
	if err != nil {
		panic(err)
	}
	relayerToken, err := authSvc.IssueToken(&auth.Subject{ID: "relayer-demo", Roles: []string{auth.RoleRelayer}}, time.Hour)
	if err != nil {
		panic(err)
	}

	delegate, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ownerClient := payrelay.NewClient(srv.URL, srv.Client())
	ownerClient.SetAccessToken(ownerToken)
	g, err := ownerClient.CreateGrant(ctx, payrelay.CreateGrantRequest{
		DelegateSigner: crypto.PubkeyToAddress(delegate.PublicKey).Hex(),
		SingleLimit:    decimal.NewFromInt(50),
		DailyLimit:     decimal.NewFromInt(200),
		TTLSeconds:     3600,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created grant %s for %s\n", g.ID, g.Owner)

	req := payrelay.ExecuteRequest{
		PaymentID: "demo-payment-1",
		GrantID:   g.ID,
		Recipient: recipient,
		Amount:    decimal.RequireFromString("12.50"),
	}
	if err := payrelay.SignRequest(&req, domainTag, delegate); err != nil {
		panic(err)
	}

	relayerClient := payrelay.NewClient(srv.URL, srv.Client())
	relayerClient.SetAccessToken(relayerToken)
	exec, err := relayerClient.Execute(ctx, req)
	if err != nil {
		panic(err)
	}
	fmt.Printf("executed %s status=%s tx=%s\n", exec.PaymentID, exec.Status, exec.TxRef)

	if _, err := relayerClient.Execute(ctx, req); err != nil {
		fmt.Printf("replay rejected: %s\n", payrelay.ErrorCode(err))
	}

	fmt.Printf("recipient balance %s\n", custodian.Balance(recipient))
}
