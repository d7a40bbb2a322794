// Package group 协调跨托管域的多段结算：按顺序执行各段转账，任一段失败时逆序补偿已执行的段。
package group

import (
	"net/http"

	xerrors "PayRelay/internal/errors"

	"github.com/shopspring/decimal"
)

// Status 表示结算组状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// LegStatus 表示单段结算的状态。
type LegStatus string

const (
	LegPending     LegStatus = "pending"
	LegExecuted    LegStatus = "executed"
	LegFailed      LegStatus = "failed"
	LegCompensated LegStatus = "compensated"
	// LegInFlight 与 LegCompensating 是调用托管前持久化的认领标记，同一时刻只有一个执行者。
	LegInFlight     LegStatus = "in_flight"
	LegCompensating LegStatus = "compensating"
	// LegUnknown 表示转账结果未确认，LegCompensationUnknown 表示补偿结果未确认，均需人工对账。
	LegUnknown             LegStatus = "unknown"
	LegCompensationUnknown LegStatus = "compensation_unknown"
)

// Leg 是结算组中的一段转账。
type Leg struct {
	Index       int             `json:"index"`
	DomainTag   string          `json:"domain_tag"`
	Amount      decimal.Decimal `json:"amount"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Status      LegStatus       `json:"status"`
	Reference   string          `json:"reference,omitempty"`
	// CompensationRef 是补偿转账的托管回执。
	CompensationRef string `json:"compensation_ref,omitempty"`
	Error           string `json:"error,omitempty"`
	UpdatedAt       int64  `json:"updated_at"`
}

// Group 是一组需要整体成功或整体回滚的结算。
type Group struct {
	ID           string `json:"group_id"`
	PaymentID    string `json:"payment_id,omitempty"`
	Legs         []Leg  `json:"legs"`
	Status       Status `json:"status"`
	SuccessCount int    `json:"success_count"`
	FailedCount  int    `json:"failed_count"`
	// Version 用于乐观锁，每次保存递增。
	Version   int64 `json:"version"`
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Clone 返回结算组的深拷贝。
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	clone := *g
	clone.Legs = append([]Leg(nil), g.Legs...)
	return &clone
}

// PendingCompensation 返回仍需补偿的段数。
func (g *Group) PendingCompensation() int {
	if g.Status != StatusRolledBack {
		return 0
	}
	n := 0
	for _, leg := range g.Legs {
		switch leg.Status {
		case LegExecuted, LegCompensating, LegCompensationUnknown:
			n++
		}
	}
	return n
}

// InDoubt 判断是否存在结果未确认的段。
func (g *Group) InDoubt() bool {
	for _, leg := range g.Legs {
		if leg.Status == LegUnknown || leg.Status == LegCompensationUnknown {
			return true
		}
	}
	return false
}

// Terminal 判断结算组是否已经结束。rolled_back 只有在全部补偿完成且没有待对账的段后才算结束。
func (g *Group) Terminal() bool {
	switch g.Status {
	case StatusCompleted, StatusFailed:
		return true
	case StatusRolledBack:
		return g.PendingCompensation() == 0 && !g.InDoubt()
	}
	return false
}

func (g *Group) reported() int {
	return g.SuccessCount + g.FailedCount
}

const (
	CodeNotFound           xerrors.Code = "GROUP_NOT_FOUND"
	CodeExists             xerrors.Code = "GROUP_EXISTS"
	CodeConflict           xerrors.Code = "GROUP_CONFLICT"
	CodeFinished           xerrors.Code = "GROUP_FINISHED"
	CodeLegReported        xerrors.Code = "LEG_ALREADY_REPORTED"
	CodeLegFailure         xerrors.Code = "LEG_FAILURE"
	CodeCompensationFailed xerrors.Code = "COMPENSATION_FAILED"
	CodeLegInFlight        xerrors.Code = "LEG_IN_FLIGHT"
	CodeLegInDoubt         xerrors.Code = "LEG_IN_DOUBT"
)

var (
	ErrNotFound    = xerrors.New(CodeNotFound, "settlement group not found")
	ErrExists      = xerrors.New(CodeExists, "settlement group already exists")
	ErrConflict    = xerrors.New(CodeConflict, "settlement group was modified concurrently")
	ErrFinished    = xerrors.New(CodeFinished, "settlement group already finished")
	ErrLegReported = xerrors.New(CodeLegReported, "settlement leg already reported")
	ErrLegFailure  = xerrors.New(CodeLegFailure, "settlement leg failed")
	// ErrCompensationFailed 表示至少一段补偿未完成，结算组等待恢复任务重试。
	ErrCompensationFailed = xerrors.New(CodeCompensationFailed, "settlement compensation incomplete")
	// ErrLegInFlight 表示另一个执行者持有段的认领，本次调用没有触达托管。
	ErrLegInFlight = xerrors.New(CodeLegInFlight, "settlement leg is being processed by another runner")
	// ErrLegInDoubt 表示段结果未确认，结算组停在原状态直到通过上报接口对账。
	ErrLegInDoubt = xerrors.New(CodeLegInDoubt, "settlement leg outcome unknown, reconciliation required")
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:    "settlement group not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeExists, xerrors.Attributes{
		Message:    "settlement group already exists",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeConflict, xerrors.Attributes{
		Message:    "settlement group was modified concurrently",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeFinished, xerrors.Attributes{
		Message:    "settlement group already finished",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeLegReported, xerrors.Attributes{
		Message:    "settlement leg already reported",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeLegFailure, xerrors.Attributes{
		Message:    "settlement leg failed",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeCompensationFailed, xerrors.Attributes{
		Message:    "settlement compensation incomplete",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeLegInFlight, xerrors.Attributes{
		Message:    "settlement leg is being processed by another runner",
		Severity:   xerrors.SeverityInfo,
		Retryable:  true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeLegInDoubt, xerrors.Attributes{
		Message:    "settlement leg outcome unknown, reconciliation required",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
}
