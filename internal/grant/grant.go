package grant

import (
	"net/http"
	"strings"
	"time"

	xerrors "PayRelay/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Status 表示授权在生命周期中的状态。
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Grant 描述所有者授予代理签名密钥的一段受限支付权限。
// Owner 持有资金，DelegateSigner 只能在限额内批准单笔支付，两者必须是不同的身份。
type Grant struct {
	ID             string          `json:"id"`
	Owner          string          `json:"owner"`
	DelegateSigner string          `json:"delegate_signer"`
	SingleLimit    decimal.Decimal `json:"single_limit"`
	DailyLimit     decimal.Decimal `json:"daily_limit"`
	UsedToday      decimal.Decimal `json:"used_today"`
	TotalUsed      decimal.Decimal `json:"total_used"`
	LastResetDay   int64           `json:"last_reset_day"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Status         Status          `json:"status"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
}

// Clone 返回授权的副本。
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	clone := *g
	return &clone
}

// ExpiredAt 判断授权在给定时刻是否已经过期。
func (g *Grant) ExpiredAt(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// DayOf 返回 UTC 自然日序号（自 Unix 纪元起的天数），用于每日额度重置。
func DayOf(t time.Time) int64 {
	secs := t.UTC().Unix()
	day := secs / 86400
	if secs < 0 && secs%86400 != 0 {
		day--
	}
	return day
}

// NormalizeAddress 校验并返回 EIP-55 格式的地址。
func NormalizeAddress(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return "", false
	}
	return common.HexToAddress(raw).Hex(), true
}

// SameAddress 忽略大小写比较两个地址。
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

const (
	CodeGrantNotFound       xerrors.Code = "GRANT_NOT_FOUND"
	CodeGrantConflict       xerrors.Code = "GRANT_CONFLICT"
	CodeInvalidLimits       xerrors.Code = "INVALID_LIMITS"
	CodeNotActive           xerrors.Code = "GRANT_NOT_ACTIVE"
	CodeExpired             xerrors.Code = "GRANT_EXPIRED"
	CodeRevoked             xerrors.Code = "GRANT_REVOKED"
	CodeSingleLimitExceeded xerrors.Code = "SINGLE_LIMIT_EXCEEDED"
	CodeDailyLimitExceeded  xerrors.Code = "DAILY_LIMIT_EXCEEDED"
	codeDebitRejected       xerrors.Code = "GRANT_DEBIT_REJECTED"
)

var (
	// ErrGrantNotFound 表示授权不存在。
	ErrGrantNotFound = xerrors.New(CodeGrantNotFound, "grant not found")
	// ErrGrantConflict 表示授权 ID 已存在。
	ErrGrantConflict = xerrors.New(CodeGrantConflict, "grant already exists")
	// ErrInvalidLimits 表示限额不满足 0 < single <= daily。
	ErrInvalidLimits = xerrors.New(CodeInvalidLimits, "invalid limits")
	// ErrUnauthorized 表示请求方不是授权所有者。
	ErrUnauthorized = xerrors.New(xerrors.CodeUnauthorized, "only the grant owner may revoke it")
	// ErrNotActive 表示授权不可用于扣款。
	ErrNotActive = xerrors.New(CodeNotActive, "grant is not active")
	// ErrExpired 表示授权已过期。
	ErrExpired = xerrors.New(CodeExpired, "grant expired")
	// ErrRevoked 表示授权已被撤销。
	ErrRevoked = xerrors.New(CodeRevoked, "grant revoked")
	// ErrSingleLimitExceeded 表示单笔金额超过限额。
	ErrSingleLimitExceeded = xerrors.New(CodeSingleLimitExceeded, "amount exceeds single limit")
	// ErrDailyLimitExceeded 表示当日累计金额超过限额。
	ErrDailyLimitExceeded = xerrors.New(CodeDailyLimitExceeded, "amount exceeds daily limit")

	// errDebitRejected 表示条件更新未命中任何行，调用方需要重新读取后判定。
	errDebitRejected = xerrors.New(codeDebitRejected, "conditional debit affected no rows")
)

func init() {
	validation := func(message string) xerrors.Attributes {
		return xerrors.Attributes{
			Message:    message,
			Severity:   xerrors.SeverityInfo,
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	}
	xerrors.Register(CodeGrantNotFound, xerrors.Attributes{
		Message:    "grant not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeGrantConflict, xerrors.Attributes{
		Message:    "grant already exists",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInvalidLimits, validation("invalid limits"))
	xerrors.Register(CodeNotActive, validation("grant is not active"))
	xerrors.Register(CodeExpired, validation("grant expired"))
	xerrors.Register(CodeRevoked, validation("grant revoked"))
	xerrors.Register(CodeSingleLimitExceeded, validation("amount exceeds single limit"))
	xerrors.Register(CodeDailyLimitExceeded, validation("amount exceeds daily limit"))
	xerrors.Register(codeDebitRejected, xerrors.Attributes{
		Message:    "conditional debit affected no rows",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
}
