// Package custody 定义资金托管协作方接口：从所有者授权额度中拉取资金，以及从托管账户转出资金。
// 具体实现按部署域（domain）注册，链上实现位于 custody/ethereum。
package custody

import (
	"context"
	"net/http"

	xerrors "PayRelay/internal/errors"

	"github.com/shopspring/decimal"
)

// PullRequest 描述一次从所有者预授权额度中拉取资金的请求。
type PullRequest struct {
	From   string
	To     string
	Amount decimal.Decimal
	// Reference 为业务侧关联 ID（paymentId、groupId:leg 等），用于追踪。
	Reference string
}

// TransferRequest 描述一次从托管方控制的账户转出资金的请求。
type TransferRequest struct {
	From      string
	To        string
	Amount    decimal.Decimal
	Reference string
}

// Receipt 是托管方返回的执行凭证。
type Receipt struct {
	Domain string `json:"domain"`
	// Reference 为链上交易哈希或托管方流水号。
	Reference string `json:"reference"`
}

// Custodian 是资金托管协作方。调用方需保证不会在调用中途取消。
type Custodian interface {
	Pull(ctx context.Context, req PullRequest) (Receipt, error)
	Transfer(ctx context.Context, req TransferRequest) (Receipt, error)
	// EscrowAccount 返回托管方控制的中转账户，订单支付先进入该账户再分账。
	EscrowAccount() string
	Close()
}

const (
	CodeFailure        xerrors.Code = "CUSTODY_FAILURE"
	CodeRejected       xerrors.Code = "CUSTODY_REJECTED"
	CodeDomainNotFound xerrors.Code = "CUSTODY_DOMAIN_NOT_FOUND"
)

var (
	// ErrFailure 表示托管调用出现可重试的基础设施错误。
	ErrFailure = xerrors.New(CodeFailure, "custody call failed")
	// ErrRejected 表示托管方明确拒绝（余额或授权不足、交易回滚）。
	ErrRejected = xerrors.New(CodeRejected, "custody rejected the transfer")
	// ErrDomainNotFound 表示部署域未配置托管实现。
	ErrDomainNotFound = xerrors.New(CodeDomainNotFound, "custody domain not configured")
)

func init() {
	xerrors.Register(CodeFailure, xerrors.Attributes{
		Message:    "custody call failed",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeRejected, xerrors.Attributes{
		Message:    "custody rejected the transfer",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeDomainNotFound, xerrors.Attributes{
		Message:    "custody domain not configured",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	})
}

// Failure 将底层错误包装为可重试的托管失败。
func Failure(err error, message string) error {
	return xerrors.Wrap(CodeFailure, err, message)
}

// Rejected 将底层错误包装为不可重试的托管拒绝。
func Rejected(err error, message string) error {
	return xerrors.Wrap(CodeRejected, err, message)
}

// Unconfirmed 表示交易已广播但结果未知，不可自动重试，以免重复拉取资金。
func Unconfirmed(err error, reference string) error {
	return xerrors.Wrap(CodeFailure, err, "custody transfer outcome unknown",
		xerrors.WithRetryable(false),
		xerrors.WithMetadata("reference", reference))
}

// IsUnconfirmed 判断错误是否表示资金可能已经转移但结果未确认。
func IsUnconfirmed(err error) bool {
	return xerrors.CodeOf(err) == CodeFailure && !xerrors.RetryableError(err)
}

// UnconfirmedReference 返回结果未知的交易引用，用于人工对账。
func UnconfirmedReference(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Metadata()["reference"]
	}
	return ""
}

// Classify 将任意错误归类为托管错误码，未分类的错误视为可重试失败。
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch xerrors.CodeOf(err) {
	case CodeFailure, CodeRejected:
		return err
	}
	return Failure(err, "custody call failed")
}

// FuncCustodian 使用函数实现 Custodian，便于测试注入。
type FuncCustodian struct {
	PullFunc     func(ctx context.Context, req PullRequest) (Receipt, error)
	TransferFunc func(ctx context.Context, req TransferRequest) (Receipt, error)
	Escrow       string
}

// Pull 实现 Custodian。
func (f FuncCustodian) Pull(ctx context.Context, req PullRequest) (Receipt, error) {
	if f.PullFunc == nil {
		return Receipt{}, Rejected(nil, "pull not supported")
	}
	return f.PullFunc(ctx, req)
}

// Transfer 实现 Custodian。
func (f FuncCustodian) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if f.TransferFunc == nil {
		return Receipt{}, Rejected(nil, "transfer not supported")
	}
	return f.TransferFunc(ctx, req)
}

// EscrowAccount 实现 Custodian。
func (f FuncCustodian) EscrowAccount() string { return f.Escrow }

// Close 实现 Custodian。
func (f FuncCustodian) Close() {}
