// Package money 定义金额的精度约定以及十进制金额与整数最小单位之间的转换。
package money

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals 是系统内部金额的小数位数，与结算代币（USDC/USDT）保持一致。
const Decimals int32 = 6

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// Parse 解析十进制金额字符串。
func Parse(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q is not a decimal number", raw)
	}
	return d, nil
}

// CheckPrecision 校验金额不超过系统精度。
func CheckPrecision(amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(Decimals)) {
		return fmt.Errorf("amount %s has more than %d decimal places", amount.String(), Decimals)
	}
	return nil
}

// ToMinor 将金额转换为最小单位整数，用于持久化与条件更新。
func ToMinor(amount decimal.Decimal) (int64, error) {
	if err := CheckPrecision(amount); err != nil {
		return 0, err
	}
	shifted := amount.Shift(Decimals)
	if shifted.Abs().GreaterThan(maxMinor) {
		return 0, fmt.Errorf("amount %s is out of range", amount.String())
	}
	return shifted.IntPart(), nil
}

// MustMinor 与 ToMinor 相同，但在金额已校验的场景下使用。
func MustMinor(amount decimal.Decimal) int64 {
	v, err := ToMinor(amount)
	if err != nil {
		panic(err)
	}
	return v
}

// FromMinor 将最小单位整数还原为十进制金额。
func FromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -Decimals)
}

// ToBaseUnits 按代币精度转换为链上整数金额。
func ToBaseUnits(amount decimal.Decimal, tokenDecimals int32) (*big.Int, error) {
	shifted := amount.Shift(tokenDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s is not representable with %d decimals", amount.String(), tokenDecimals)
	}
	if shifted.IsNegative() {
		return nil, fmt.Errorf("amount %s is negative", amount.String())
	}
	return shifted.BigInt(), nil
}

// Positive 校验金额为正数且精度合法。
func Positive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", amount.String())
	}
	return CheckPrecision(amount)
}
