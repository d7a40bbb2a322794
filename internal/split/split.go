// Package split 负责订单款项的分账：按配置将毛额拆分给商户、推荐人、执行者、平台与出金通道，
// 支持交付证明门控、争议冻结以及收款方主动领取（先记入待领取余额，再由托管方转出）。
package split

import (
	"net/http"

	xerrors "PayRelay/internal/errors"

	"github.com/shopspring/decimal"
)

// Leg 表示分账中的一个份额。
type Leg string

const (
	LegMerchant Leg = "merchant"
	LegReferrer Leg = "referrer"
	LegExecutor Leg = "executor"
	LegPlatform Leg = "platform"
	LegOffRamp  Leg = "offramp"
)

// Legs 按固定顺序列出全部份额，下标即 released 位图中的位置。
var Legs = []Leg{LegMerchant, LegReferrer, LegExecutor, LegPlatform, LegOffRamp}

func (l Leg) bit() uint8 {
	for i, leg := range Legs {
		if leg == l {
			return 1 << uint(i)
		}
	}
	return 0
}

// refundLeg 是退款记账使用的份额名，保证与原份额的流水主键不冲突。
func refundLeg(l Leg) string {
	return "refund:" + string(l)
}

// Status 表示分账状态。
type Status string

const (
	StatusConfigured       Status = "configured"
	StatusPartiallySettled Status = "partially_settled"
	StatusSettled          Status = "settled"
	StatusRefunded         Status = "refunded"
)

// Shares 描述各份额金额。
type Shares struct {
	Merchant decimal.Decimal `json:"merchant"`
	Referrer decimal.Decimal `json:"referrer"`
	Executor decimal.Decimal `json:"executor"`
	Platform decimal.Decimal `json:"platform"`
	OffRamp  decimal.Decimal `json:"offramp"`
}

// Of 返回指定份额的金额。
func (s Shares) Of(l Leg) decimal.Decimal {
	switch l {
	case LegMerchant:
		return s.Merchant
	case LegReferrer:
		return s.Referrer
	case LegExecutor:
		return s.Executor
	case LegPlatform:
		return s.Platform
	case LegOffRamp:
		return s.OffRamp
	}
	return decimal.Zero
}

// Sum 返回全部份额之和。
func (s Shares) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, l := range Legs {
		total = total.Add(s.Of(l))
	}
	return total
}

// Payees 描述各份额的收款地址。
type Payees struct {
	Merchant string `json:"merchant"`
	Referrer string `json:"referrer,omitempty"`
	Executor string `json:"executor,omitempty"`
	Platform string `json:"platform,omitempty"`
	OffRamp  string `json:"offramp,omitempty"`
}

// Of 返回指定份额的收款地址。
func (p Payees) Of(l Leg) string {
	switch l {
	case LegMerchant:
		return p.Merchant
	case LegReferrer:
		return p.Referrer
	case LegExecutor:
		return p.Executor
	case LegPlatform:
		return p.Platform
	case LegOffRamp:
		return p.OffRamp
	}
	return ""
}

func (p *Payees) set(l Leg, v string) {
	switch l {
	case LegMerchant:
		p.Merchant = v
	case LegReferrer:
		p.Referrer = v
	case LegExecutor:
		p.Executor = v
	case LegPlatform:
		p.Platform = v
	case LegOffRamp:
		p.OffRamp = v
	}
}

// Config 是订单的分账配置及其结算进度。
type Config struct {
	OrderID       string          `json:"order_id"`
	Gross         decimal.Decimal `json:"gross"`
	Shares        Shares          `json:"shares"`
	Payees        Payees          `json:"payees"`
	RefundAccount string          `json:"refund_account,omitempty"`
	RequiresProof bool            `json:"requires_proof"`
	ProofVerified bool            `json:"proof_verified"`
	IsDisputed    bool            `json:"is_disputed"`
	DisputeReason string          `json:"dispute_reason,omitempty"`
	// ReleasedLegs 是已入账份额的位图，顺序见 Legs。
	ReleasedLegs uint8 `json:"released_legs"`
	// Funded 表示订单款项已进入托管账户。
	Funded    bool   `json:"funded"`
	Status    Status `json:"status"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Clone 返回配置副本。
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Released 判断份额是否已入账。
func (c *Config) Released(l Leg) bool {
	return c.ReleasedLegs&l.bit() != 0
}

func (c *Config) markReleased(l Leg) {
	c.ReleasedLegs |= l.bit()
}

// MerchantReleasable 判断商户份额能否释放。
func (c *Config) MerchantReleasable() bool {
	return !c.RequiresProof || (c.ProofVerified && !c.IsDisputed)
}

// Terminal 判断分账是否已经结束。
func (c *Config) Terminal() bool {
	return c.Status == StatusSettled || c.Status == StatusRefunded
}

// Credit 是一笔记入收款方待领取余额的流水。
type Credit struct {
	OrderID string          `json:"order_id"`
	Leg     string          `json:"leg"`
	Payee   string          `json:"payee"`
	Amount  decimal.Decimal `json:"amount"`
}

// Result 描述一次分账操作的结果。
type Result struct {
	OrderID  string   `json:"order_id"`
	Status   Status   `json:"status"`
	Credited []Credit `json:"credited"`
	// Withheld 列出因证明门控暂未释放的份额。
	Withheld []Leg `json:"withheld,omitempty"`
}

// Balance 是收款方的待领取与已领取金额。
type Balance struct {
	Payee   string          `json:"payee"`
	Pending decimal.Decimal `json:"pending"`
	Claimed decimal.Decimal `json:"claimed"`
}

// Resolution 表示争议的处理结果。
type Resolution string

const (
	// ResolutionRelease 裁定释放给商户。
	ResolutionRelease Resolution = "release"
	// ResolutionRefund 裁定将未释放的份额退回付款方。
	ResolutionRefund Resolution = "refund"
)

const (
	CodeNotFound       xerrors.Code = "SPLIT_NOT_FOUND"
	CodeExists         xerrors.Code = "SPLIT_EXISTS"
	CodeInvalidShares  xerrors.Code = "SPLIT_INVALID_SHARES"
	CodeGrossMismatch  xerrors.Code = "SPLIT_GROSS_MISMATCH"
	CodeAlreadySettled xerrors.Code = "SPLIT_ALREADY_SETTLED"
	CodeDisputed       xerrors.Code = "DISPUTED"
	CodeNotDisputed    xerrors.Code = "SPLIT_NOT_DISPUTED"
	CodeNothingToClaim xerrors.Code = "SPLIT_NOTHING_TO_CLAIM"
	codeCreditExists   xerrors.Code = "SPLIT_CREDIT_EXISTS"
)

var (
	ErrNotFound       = xerrors.New(CodeNotFound, "split config not found")
	ErrExists         = xerrors.New(CodeExists, "split config already exists")
	ErrInvalidShares  = xerrors.New(CodeInvalidShares, "invalid split shares")
	ErrGrossMismatch  = xerrors.New(CodeGrossMismatch, "settled amount does not match configured gross")
	ErrAlreadySettled = xerrors.New(CodeAlreadySettled, "order already settled")
	ErrDisputed       = xerrors.New(CodeDisputed, "order is disputed")
	ErrNotDisputed    = xerrors.New(CodeNotDisputed, "order is not disputed")
	ErrNothingToClaim = xerrors.New(CodeNothingToClaim, "nothing to claim")
	// errCreditExists 表示同一订单份额已入账，整笔事务需要回滚。
	errCreditExists = xerrors.New(codeCreditExists, "split leg already credited")
)

func init() {
	register := func(code xerrors.Code, message string, status int) {
		xerrors.Register(code, xerrors.Attributes{
			Message:    message,
			Severity:   xerrors.SeverityInfo,
			HTTPStatus: status,
		})
	}
	register(CodeNotFound, "split config not found", http.StatusNotFound)
	register(CodeExists, "split config already exists", http.StatusConflict)
	register(CodeInvalidShares, "invalid split shares", http.StatusUnprocessableEntity)
	register(CodeGrossMismatch, "settled amount does not match configured gross", http.StatusUnprocessableEntity)
	register(CodeAlreadySettled, "order already settled", http.StatusConflict)
	register(CodeDisputed, "order is disputed", http.StatusConflict)
	register(CodeNotDisputed, "order is not disputed", http.StatusConflict)
	register(CodeNothingToClaim, "nothing to claim", http.StatusUnprocessableEntity)
	xerrors.Register(codeCreditExists, xerrors.Attributes{
		Message:    "split leg already credited",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
}
