package signature

import (
	"crypto/ecdsa"
	"math/big"
	"net/http"
	"time"

	xerrors "PayRelay/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	CodeInvalidFormat xerrors.Code = "INVALID_SIGNATURE_FORMAT"
	CodeMismatch      xerrors.Code = "SIGNATURE_MISMATCH"
	CodeExpired       xerrors.Code = "SIGNATURE_EXPIRED"
)

var (
	// ErrInvalidFormat 表示签名长度、v 值或 r/s 取值非法。
	ErrInvalidFormat = xerrors.New(CodeInvalidFormat, "invalid signature format")
	// ErrMismatch 表示恢复出的地址不是期望的签名者。
	ErrMismatch = xerrors.New(CodeMismatch, "signature does not match delegate signer")
	// ErrExpired 表示签名已超过有效期。
	ErrExpired = xerrors.New(CodeExpired, "signature expired")
)

func init() {
	xerrors.Register(CodeInvalidFormat, xerrors.Attributes{
		Message:    "invalid signature format",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeMismatch, xerrors.Attributes{
		Message:    "signature does not match delegate signer",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnauthorized,
	})
	xerrors.Register(CodeExpired, xerrors.Attributes{
		Message:    "signature expired",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
}

// Verifier 校验执行请求签名。
type Verifier struct {
	now func() time.Time
}

// Option 定义可选配置。
type Option func(*Verifier)

// WithClock 替换过期判断使用的时钟。
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier 构造 Verifier。
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify 校验签名格式、有效期，并确认签名者为 expected。
func (v *Verifier) Verify(msg Message, sig []byte, expected string) error {
	normalized, err := normalize(sig)
	if err != nil {
		return err
	}
	if msg.Expiry != 0 && v.now().Unix() > msg.Expiry {
		return xerrors.Newf(CodeExpired, "signature expired at %d", msg.Expiry)
	}
	signer, err := recoverNormalized(msg, normalized)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(expected) || signer != common.HexToAddress(expected) {
		return ErrMismatch
	}
	return nil
}

// Recover 返回签名对应的地址。
func Recover(msg Message, sig []byte) (common.Address, error) {
	normalized, err := normalize(sig)
	if err != nil {
		return common.Address{}, err
	}
	return recoverNormalized(msg, normalized)
}

// Sign 使用私钥对消息签名，返回 v 为 27/28 的 65 字节签名。
func Sign(msg Message, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := Digest(msg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "sign message")
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "签名失败")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// normalize 校验签名结构并返回 v 为 0/1 的副本。
func normalize(sig []byte) ([]byte, error) {
	if len(sig) != crypto.SignatureLength {
		return nil, xerrors.Newf(CodeInvalidFormat, "invalid signature format: expected %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	out := make([]byte, crypto.SignatureLength)
	copy(out, sig)
	v := out[crypto.RecoveryIDOffset]
	if v == 27 || v == 28 {
		v -= 27
	}
	if v > 1 {
		return nil, xerrors.New(CodeInvalidFormat, "invalid signature format: recovery id out of range")
	}
	out[crypto.RecoveryIDOffset] = v

	r := new(big.Int).SetBytes(out[:32])
	s := new(big.Int).SetBytes(out[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return nil, xerrors.New(CodeInvalidFormat, "invalid signature format: r or s out of range")
	}
	return out, nil
}

func recoverNormalized(msg Message, sig []byte) (common.Address, error) {
	digest, err := Digest(msg)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid signed message")
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, xerrors.New(CodeMismatch, "signature does not match delegate signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
