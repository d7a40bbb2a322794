// Package signature 实现执行请求的签名摘要、签名校验与地址恢复。
//
// 摘要构造：
//
//	domainSeparator = keccak256("payrelay:execution:v1" ‖ domainTag)
//	inner  = keccak256(domainSeparator ‖ bytes32(grantId) ‖ address(recipient) ‖ bytes32(orderId)
//	                   ‖ uint256(amount) ‖ bytes32(paymentId) ‖ uint256(expiry))
//	digest = keccak256("\x19Ethereum Signed Message:\n32" ‖ inner)
//
// amount 以 6 位小数的最小单位编码。
package signature

import (
	"fmt"
	"math/big"
	"strings"

	"PayRelay/internal/money"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// DomainPrefix 是域分隔符的固定前缀。
const DomainPrefix = "payrelay:execution:v1"

// Message 是被签名的执行请求内容。
type Message struct {
	DomainTag string
	GrantID   string
	Recipient string
	OrderID   string
	Amount    decimal.Decimal
	PaymentID string
	// Expiry 为签名过期时间（Unix 秒），0 表示不过期。
	Expiry int64
}

// DomainSeparator 返回指定部署域的分隔哈希。
func DomainSeparator(domainTag string) common.Hash {
	return crypto.Keccak256Hash([]byte(DomainPrefix), []byte(domainTag))
}

// IDBytes32 将标识符编码为 32 字节：0x 开头的 64 位十六进制按原值解码，其余取 UTF-8 的 keccak256，空串为零值。
func IDBytes32(id string) common.Hash {
	id = strings.TrimSpace(id)
	if id == "" {
		return common.Hash{}
	}
	if len(id) == 66 && strings.HasPrefix(id, "0x") {
		if raw, err := hexutil.Decode(id); err == nil {
			return common.BytesToHash(raw)
		}
	}
	return crypto.Keccak256Hash([]byte(id))
}

// CanonicalID 去掉首尾空白，并将 0x 开头的 64 位十六进制标识统一为小写，
// 与 IDBytes32 的解码结果一一对应。
func CanonicalID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) == 66 && strings.HasPrefix(id, "0x") {
		if _, err := hexutil.Decode(id); err == nil {
			return strings.ToLower(id)
		}
	}
	return id
}

// StructHash 返回未加前缀的内部摘要。
func StructHash(msg Message) (common.Hash, error) {
	var recipient common.Address
	if r := strings.TrimSpace(msg.Recipient); r != "" {
		if !common.IsHexAddress(r) {
			return common.Hash{}, fmt.Errorf("recipient %q is not a valid address", msg.Recipient)
		}
		recipient = common.HexToAddress(r)
	}
	amount, err := money.ToBaseUnits(msg.Amount, money.Decimals)
	if err != nil {
		return common.Hash{}, err
	}
	if msg.Expiry < 0 {
		return common.Hash{}, fmt.Errorf("expiry must not be negative")
	}

	domain := DomainSeparator(msg.DomainTag)
	grantID := IDBytes32(msg.GrantID)
	orderID := IDBytes32(msg.OrderID)
	paymentID := IDBytes32(msg.PaymentID)
	return crypto.Keccak256Hash(
		domain.Bytes(),
		grantID.Bytes(),
		recipient.Bytes(),
		orderID.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		paymentID.Bytes(),
		common.LeftPadBytes(new(big.Int).SetInt64(msg.Expiry).Bytes(), 32),
	), nil
}

// Digest 返回最终参与签名的 EIP-191 摘要。
func Digest(msg Message) (common.Hash, error) {
	inner, err := StructHash(msg)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(accounts.TextHash(inner.Bytes())), nil
}

// DecodeHex 解析 0x 前缀的十六进制签名。
func DecodeHex(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	return hexutil.Decode(raw)
}
