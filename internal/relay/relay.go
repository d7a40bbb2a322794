// Package relay 实现受托执行流水线：校验中继方身份、占用 paymentId、检查额度、验证代理签名，
// 随后扣减额度并通过托管方从所有者账户拉取资金，订单支付再交由分账模块结算。
package relay

import (
	"net/http"
	"strings"

	xerrors "PayRelay/internal/errors"
	"PayRelay/internal/signature"

	"github.com/shopspring/decimal"
)

// Status 表示支付记录的状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
	// StatusUnknown 表示拉取交易已广播但结果未确认，额度保持已扣减，等待对账。
	StatusUnknown Status = "unknown"
)

// SettlementHeld 表示款项已进入托管账户但分账未执行。
const SettlementHeld = "held"

// Request 是中继方提交的执行请求。Recipient 与 OrderID 必须二选一。
type Request struct {
	PaymentID string          `json:"payment_id"`
	GrantID   string          `json:"grant_id"`
	Recipient string          `json:"recipient,omitempty"`
	OrderID   string          `json:"order_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Signature string          `json:"signature"`
	DomainTag string          `json:"domain_tag,omitempty"`
	// Expiry 为签名过期时间（Unix 秒），0 表示不过期。
	Expiry int64 `json:"expiry,omitempty"`
}

// Execution 是一次执行请求的持久化结果。
type Execution struct {
	PaymentID string `json:"payment_id"`
	// Key 是 paymentId 参与签名的 32 字节形式，也是去重主键。
	Key         string          `json:"payment_key"`
	GrantID     string          `json:"grant_id"`
	Recipient   string          `json:"recipient,omitempty"`
	OrderID     string          `json:"order_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	DomainTag   string          `json:"domain_tag"`
	RequestHash string          `json:"request_hash"`
	Status      Status          `json:"status"`
	// Settlement 记录订单支付的分账状态，非订单支付为空。
	Settlement   string `json:"settlement,omitempty"`
	TxRef        string `json:"tx_ref,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Retryable    bool   `json:"retryable"`
	Attempts     int    `json:"attempts"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Clone 返回支付记录的副本。
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// IsOrder 判断是否为订单支付。
func (e *Execution) IsOrder() bool {
	return e.OrderID != ""
}

// Reclaimable 判断失败的支付能否在 maxAttempts 内重新执行。
func (e *Execution) Reclaimable(maxAttempts int) bool {
	return e.Status == StatusFailed && e.Retryable && e.Attempts < maxAttempts
}

const (
	CodePaused              xerrors.Code = "RELAY_PAUSED"
	CodeUnauthorizedRelayer xerrors.Code = "UNAUTHORIZED_RELAYER"
	CodeDuplicatePayment    xerrors.Code = "DUPLICATE_PAYMENT"
	CodePaymentNotFound     xerrors.Code = "PAYMENT_NOT_FOUND"
	codePaymentExists       xerrors.Code = "PAYMENT_EXISTS"
	codeNotReclaimable      xerrors.Code = "PAYMENT_NOT_RECLAIMABLE"
)

var (
	ErrPaused              = xerrors.New(CodePaused, "relay execution is paused")
	ErrUnauthorizedRelayer = xerrors.New(CodeUnauthorizedRelayer, "caller is not the configured relayer")
	ErrDuplicatePayment    = xerrors.New(CodeDuplicatePayment, "payment id already consumed")
	ErrPaymentNotFound     = xerrors.New(CodePaymentNotFound, "payment not found")
	// ErrPaymentExists 由存储层在 paymentId 已被占用时返回。
	ErrPaymentExists = xerrors.New(codePaymentExists, "payment id already reserved")
	// ErrNotReclaimable 由存储层在条件重领未命中时返回。
	ErrNotReclaimable = xerrors.New(codeNotReclaimable, "payment cannot be reclaimed")
)

func init() {
	xerrors.Register(CodePaused, xerrors.Attributes{
		Message:    "relay execution is paused",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeUnauthorizedRelayer, xerrors.Attributes{
		Message:    "caller is not the configured relayer",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	})
	xerrors.Register(CodeDuplicatePayment, xerrors.Attributes{
		Message:    "payment id already consumed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodePaymentNotFound, xerrors.Attributes{
		Message:    "payment not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(codePaymentExists, xerrors.Attributes{
		Message:    "payment id already reserved",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(codeNotReclaimable, xerrors.Attributes{
		Message:    "payment cannot be reclaimed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
}

// PaymentKey 返回 paymentId 的去重主键。签名摘要相同的 paymentId 得到相同的主键。
func PaymentKey(paymentID string) string {
	return signature.IDBytes32(paymentID).Hex()
}

func trimRequest(req Request) Request {
	req.PaymentID = signature.CanonicalID(req.PaymentID)
	req.GrantID = strings.TrimSpace(req.GrantID)
	req.Recipient = strings.TrimSpace(req.Recipient)
	req.OrderID = signature.CanonicalID(req.OrderID)
	req.Signature = strings.TrimSpace(req.Signature)
	req.DomainTag = strings.TrimSpace(req.DomainTag)
	return req
}
