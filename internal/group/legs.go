package group

import (
	"context"
	"fmt"

	"PayRelay/internal/custody"
	"PayRelay/internal/observability/metrics"
)

// Resolver 按部署域返回托管实现，provider.Registry 满足该接口。
type Resolver interface {
	Resolve(domain string) (custody.Custodian, error)
}

// CustodyLegExecutor 通过各部署域的托管方执行结算段。
type CustodyLegExecutor struct {
	resolver Resolver
}

// NewCustodyLegExecutor 构造 CustodyLegExecutor。
func NewCustodyLegExecutor(resolver Resolver) *CustodyLegExecutor {
	return &CustodyLegExecutor{resolver: resolver}
}

// Execute 从 Source 向 Destination 转账。
func (e *CustodyLegExecutor) Execute(ctx context.Context, groupID string, leg Leg) (string, error) {
	return e.transfer(ctx, "group_leg", leg.DomainTag, custody.TransferRequest{
		From:      leg.Source,
		To:        leg.Destination,
		Amount:    leg.Amount,
		Reference: fmt.Sprintf("%s:%d", groupID, leg.Index),
	})
}

// Compensate 将已执行段的资金从 Destination 退回 Source。
func (e *CustodyLegExecutor) Compensate(ctx context.Context, groupID string, leg Leg) (string, error) {
	return e.transfer(ctx, "group_compensate", leg.DomainTag, custody.TransferRequest{
		From:      leg.Destination,
		To:        leg.Source,
		Amount:    leg.Amount,
		Reference: fmt.Sprintf("%s:%d:compensate", groupID, leg.Index),
	})
}

func (e *CustodyLegExecutor) transfer(ctx context.Context, op, domain string, req custody.TransferRequest) (string, error) {
	c, err := e.resolver.Resolve(domain)
	if err != nil {
		return "", err
	}
	receipt, err := c.Transfer(ctx, req)
	if err != nil {
		metrics.ObserveCustody(op, "error")
		return "", custody.Classify(err)
	}
	metrics.ObserveCustody(op, "ok")
	return receipt.Reference, nil
}
