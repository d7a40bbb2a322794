package signature

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

func testMessage() Message {
	return Message{
		DomainTag: "base-mainnet:relay",
		GrantID:   "0x" + strings.Repeat("ab", 32),
		Recipient: "0x4444444444444444444444444444444444444444",
		Amount:    decimal.RequireFromString("12.5"),
		PaymentID: "pay-001",
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	msg := testMessage()

	sig, err := Sign(msg, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 || (sig[64] != 27 && sig[64] != 28) {
		t.Fatalf("unexpected signature layout: %x", sig)
	}

	verifier := NewVerifier()
	if err := verifier.Verify(msg, sig, strings.ToLower(signer.Hex())); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// 0/1 形式的 v 同样被接受。
	lowV := append([]byte(nil), sig...)
	lowV[64] -= 27
	if err := verifier.Verify(msg, lowV, signer.Hex()); err != nil {
		t.Fatalf("verify with v in {0,1}: %v", err)
	}

	got, err := Recover(msg, sig)
	if err != nil || got != signer {
		t.Fatalf("recover mismatch: %s %v", got.Hex(), err)
	}
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := crypto.PubkeyToAddress(key.PublicKey).Hex()
	msg := testMessage()
	sig, err := Sign(msg, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	verifier := NewVerifier()

	mutations := map[string]func(m *Message){
		"amount":    func(m *Message) { m.Amount = decimal.RequireFromString("12.500001") },
		"recipient": func(m *Message) { m.Recipient = "0x5555555555555555555555555555555555555555" },
		"grant":     func(m *Message) { m.GrantID = "0x" + strings.Repeat("cd", 32) },
		"payment":   func(m *Message) { m.PaymentID = "pay-002" },
		"domain":    func(m *Message) { m.DomainTag = "base-sepolia:relay" },
		"order":     func(m *Message) { m.OrderID = "order-1" },
	}
	for name, mutate := range mutations {
		tampered := msg
		mutate(&tampered)
		if err := verifier.Verify(tampered, sig, signer); !errors.Is(err, ErrMismatch) {
			t.Fatalf("%s: expected mismatch, got %v", name, err)
		}
	}

	other, _ := crypto.GenerateKey()
	if err := verifier.Verify(msg, sig, crypto.PubkeyToAddress(other.PublicKey).Hex()); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch for other signer, got %v", err)
	}
}

func TestVerifyRejectsMalformedSignatures(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := crypto.PubkeyToAddress(key.PublicKey).Hex()
	msg := testMessage()
	sig, _ := Sign(msg, key)
	verifier := NewVerifier()

	badV := append([]byte(nil), sig...)
	badV[64] = 29
	zeroR := append([]byte(nil), sig...)
	for i := 0; i < 32; i++ {
		zeroR[i] = 0
	}
	highS := append([]byte(nil), sig...)
	for i := 32; i < 64; i++ {
		highS[i] = 0xff
	}

	cases := map[string][]byte{
		"short":  sig[:64],
		"long":   append(append([]byte(nil), sig...), 0x01),
		"bad v":  badV,
		"zero r": zeroR,
		"high s": highS,
	}
	for name, candidate := range cases {
		if err := verifier.Verify(msg, candidate, signer); !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("%s: expected invalid format, got %v", name, err)
		}
	}
}

func TestVerifyExpiry(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := crypto.PubkeyToAddress(key.PublicKey).Hex()
	msg := testMessage()
	msg.Expiry = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix()
	sig, _ := Sign(msg, key)

	atExpiry := NewVerifier(WithClock(func() time.Time { return time.Unix(msg.Expiry, 0) }))
	if err := atExpiry.Verify(msg, sig, signer); err != nil {
		t.Fatalf("signature should be valid at its expiry second: %v", err)
	}
	late := NewVerifier(WithClock(func() time.Time { return time.Unix(msg.Expiry+1, 0) }))
	if err := late.Verify(msg, sig, signer); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestIDBytes32(t *testing.T) {
	raw := "0x" + strings.Repeat("0f", 32)
	if got := IDBytes32(raw); hexutil.Encode(got.Bytes()) != raw {
		t.Fatalf("hex id should be used verbatim, got %s", got.Hex())
	}
	if got := IDBytes32("pay-001"); got != crypto.Keccak256Hash([]byte("pay-001")) {
		t.Fatalf("text id should be hashed")
	}
	if got := IDBytes32(""); got != (IDBytes32("  ")) || got.Big().Sign() != 0 {
		t.Fatalf("empty id should be zero")
	}
}

func TestDigestRejectsExcessPrecision(t *testing.T) {
	msg := testMessage()
	msg.Amount = decimal.RequireFromString("0.0000001")
	if _, err := Digest(msg); err == nil {
		t.Fatalf("expected error for sub-unit amount")
	}
}

func TestDecodeHex(t *testing.T) {
	b, err := DecodeHex("0a0b")
	if err != nil || len(b) != 2 {
		t.Fatalf("decode without prefix: %x %v", b, err)
	}
	if _, err := DecodeHex("0xzz"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestCanonicalIDMatchesDigestForm(t *testing.T) {
	lower := "0x" + strings.Repeat("ab", 32)
	mixed := "  0x" + strings.Repeat("aB", 32) + " "
	if got := CanonicalID(mixed); got != lower {
		t.Fatalf("CanonicalID(%q) = %q, want %q", mixed, got, lower)
	}
	if IDBytes32(mixed) != IDBytes32(lower) {
		t.Fatalf("case variants must share a digest")
	}
	if got := CanonicalID(" order-7 "); got != "order-7" {
		t.Fatalf("plain ids keep their case, got %q", got)
	}
	short := "0xABCD"
	if got := CanonicalID(short); got != short {
		t.Fatalf("short hex ids are hashed as text and keep their case, got %q", got)
	}
}
