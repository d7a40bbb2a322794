package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"PayRelay/internal/custody"
	xerrors "PayRelay/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const tokenAddr = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

type fakeBackend struct {
	mu          sync.Mutex
	nonce       uint64
	sent        []*coretypes.Transaction
	pendingPoll int
	status      uint64
	estimateErr error
	receiptErr  error
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce + uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 60_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.pendingPoll > 0 {
		f.pendingPoll--
		return nil, gethcore.NotFound
	}
	return &coretypes.Receipt{Status: f.status}, nil
}

func newTestCustodian(t *testing.T, backend *fakeBackend) (*Custodian, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	c, err := NewWithBackend(Config{
		Name:           "base",
		ChainID:        8453,
		Token:          tokenAddr,
		PrivateKey:     hexutil.Encode(crypto.FromECDSA(key)),
		ReceiptTimeout: time.Second,
		PollInterval:   time.Millisecond,
	}, backend)
	if err != nil {
		t.Fatalf("new custodian: %v", err)
	}
	return c, crypto.PubkeyToAddress(key.PublicKey)
}

func TestPullSendsTransferFrom(t *testing.T) {
	backend := &fakeBackend{pendingPoll: 2, status: coretypes.ReceiptStatusSuccessful}
	c, hot := newTestCustodian(t, backend)
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	merchant := common.HexToAddress("0x4444444444444444444444444444444444444444")

	receipt, err := c.Pull(context.Background(), custody.PullRequest{
		From:   owner.Hex(),
		To:     merchant.Hex(),
		Amount: decimal.RequireFromString("12.5"),
	})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if receipt.Reference != tx.Hash().Hex() || receipt.Domain != "base" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if tx.To() == nil || *tx.To() != common.HexToAddress(tokenAddr) {
		t.Fatalf("transaction must target the token contract")
	}
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(8453)), tx)
	if err != nil || sender != hot {
		t.Fatalf("unexpected sender %s %v", sender.Hex(), err)
	}

	method, err := parsedERC20.MethodById(tx.Data()[:4])
	if err != nil || method.Name != "transferFrom" {
		t.Fatalf("unexpected method: %v %v", method, err)
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[0].(common.Address) != owner || args[1].(common.Address) != merchant {
		t.Fatalf("unexpected addresses %v", args)
	}
	if args[2].(*big.Int).Cmp(big.NewInt(12_500_000)) != 0 {
		t.Fatalf("unexpected amount %v", args[2])
	}
}

func TestTransferOnlyFromHotWallet(t *testing.T) {
	backend := &fakeBackend{status: coretypes.ReceiptStatusSuccessful}
	c, hot := newTestCustodian(t, backend)
	payee := "0x4444444444444444444444444444444444444444"

	if c.EscrowAccount() != hot.Hex() {
		t.Fatalf("escrow should be the hot wallet")
	}
	_, err := c.Transfer(context.Background(), custody.TransferRequest{
		From:   "0x1111111111111111111111111111111111111111",
		To:     payee,
		Amount: decimal.NewFromInt(1),
	})
	if !errors.Is(err, custody.ErrRejected) {
		t.Fatalf("expected rejection for foreign source, got %v", err)
	}
	if _, err := c.Transfer(context.Background(), custody.TransferRequest{From: hot.Hex(), To: payee, Amount: decimal.NewFromInt(1)}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	method, _ := parsedERC20.MethodById(backend.sent[0].Data()[:4])
	if method.Name != "transfer" {
		t.Fatalf("unexpected method %s", method.Name)
	}
}

func TestRevertedAndFailedCalls(t *testing.T) {
	reverted := &fakeBackend{status: coretypes.ReceiptStatusFailed}
	c, _ := newTestCustodian(t, reverted)
	req := custody.PullRequest{
		From:   "0x1111111111111111111111111111111111111111",
		To:     "0x4444444444444444444444444444444444444444",
		Amount: decimal.NewFromInt(1),
	}
	if _, err := c.Pull(context.Background(), req); !errors.Is(err, custody.ErrRejected) {
		t.Fatalf("expected revert to be rejected, got %v", err)
	}

	estimate := &fakeBackend{estimateErr: errors.New("execution reverted: insufficient allowance")}
	c, _ = newTestCustodian(t, estimate)
	if _, err := c.Pull(context.Background(), req); !errors.Is(err, custody.ErrRejected) {
		t.Fatalf("expected estimate failure to be rejected, got %v", err)
	}
	if len(estimate.sent) != 0 {
		t.Fatalf("nothing should be broadcast when estimation fails")
	}

	lost := &fakeBackend{receiptErr: errors.New("connection reset")}
	c, _ = newTestCustodian(t, lost)
	_, err := c.Pull(context.Background(), req)
	if !errors.Is(err, custody.ErrFailure) || xerrors.RetryableError(err) {
		t.Fatalf("expected non-retryable unknown outcome, got %v", err)
	}
}

func TestNewWithBackendValidatesConfig(t *testing.T) {
	if _, err := NewWithBackend(Config{ChainID: 1, Token: "bad", PrivateKey: "00"}, &fakeBackend{}); err == nil {
		t.Fatalf("expected invalid token error")
	}
	if _, err := NewWithBackend(Config{ChainID: 1, Token: tokenAddr, PrivateKey: "zz"}, &fakeBackend{}); err == nil {
		t.Fatalf("expected invalid key error")
	}
	if _, err := NewWithBackend(Config{Token: tokenAddr}, &fakeBackend{}); err == nil {
		t.Fatalf("expected missing chain id error")
	}
}
