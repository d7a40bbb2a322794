// Package ethereum 基于 ERC-20 合约实现链上托管：Pull 调用 transferFrom 拉取所有者预授权额度，
// Transfer 由托管热钱包调用 transfer 转出资金。
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"PayRelay/internal/custody"
	"PayRelay/internal/money"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

const erc20ABI = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var parsedERC20 = mustParseABI(erc20ABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Backend 是托管实现依赖的最小链访问接口，*ethclient.Client 满足该接口。
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config 描述链上托管实现的参数。
type Config struct {
	Name           string
	RPCURL         string
	ChainID        int64
	Token          string
	TokenDecimals  int32
	PrivateKey     string
	GasLimit       uint64
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Custodian 实现 custody.Custodian。
type Custodian struct {
	name           string
	backend        Backend
	closer         func()
	key            *ecdsa.PrivateKey
	from           common.Address
	token          common.Address
	tokenDecimals  int32
	chainID        *big.Int
	gasLimit       uint64
	receiptTimeout time.Duration
	pollInterval   time.Duration

	// mu 串行化 nonce 获取与交易广播，避免同一热钱包产生重复 nonce。
	mu sync.Mutex
}

// NewCustodian 连接 RPC 端点并返回链上托管实现。
func NewCustodian(ctx context.Context, cfg Config) (*Custodian, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	c, err := NewWithBackend(cfg, eth)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.closer = eth.Close
	return c, nil
}

// NewWithBackend 使用已有后端构造托管实现，测试中传入伪造后端。
func NewWithBackend(cfg Config, backend Backend) (*Custodian, error) {
	if backend == nil {
		return nil, errors.New("链访问后端不能为空")
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("托管域 %s 未配置 chain_id", cfg.Name)
	}
	if !common.IsHexAddress(cfg.Token) {
		return nil, fmt.Errorf("托管域 %s 的代币地址无效: %q", cfg.Name, cfg.Token)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("托管域 %s 的私钥无效", cfg.Name)
	}
	decimals := cfg.TokenDecimals
	if decimals == 0 {
		decimals = money.Decimals
	}
	gasLimit := cfg.GasLimit
	receiptTimeout := cfg.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = 2 * time.Minute
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Custodian{
		name:           cfg.Name,
		backend:        backend,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		token:          common.HexToAddress(cfg.Token),
		tokenDecimals:  decimals,
		chainID:        big.NewInt(cfg.ChainID),
		gasLimit:       gasLimit,
		receiptTimeout: receiptTimeout,
		pollInterval:   pollInterval,
	}, nil
}

// EscrowAccount 返回托管热钱包地址，transferFrom 的 spender 与订单资金的中转账户均为该地址。
func (c *Custodian) EscrowAccount() string {
	return c.from.Hex()
}

// Pull 调用 transferFrom(from, to, amount)。
func (c *Custodian) Pull(ctx context.Context, req custody.PullRequest) (custody.Receipt, error) {
	from, to, amount, err := c.parse(req.From, req.To, req.Amount)
	if err != nil {
		return custody.Receipt{}, err
	}
	data, err := parsedERC20.Pack("transferFrom", from, to, amount)
	if err != nil {
		return custody.Receipt{}, custody.Rejected(err, "编码 transferFrom 调用失败")
	}
	return c.submit(ctx, data)
}

// Transfer 调用 transfer(to, amount)，只允许从托管热钱包转出。
func (c *Custodian) Transfer(ctx context.Context, req custody.TransferRequest) (custody.Receipt, error) {
	from, to, amount, err := c.parse(req.From, req.To, req.Amount)
	if err != nil {
		return custody.Receipt{}, err
	}
	if from != c.from {
		return custody.Receipt{}, custody.Rejected(nil, fmt.Sprintf("transfer source %s is not controlled by custody", from.Hex()))
	}
	data, err := parsedERC20.Pack("transfer", to, amount)
	if err != nil {
		return custody.Receipt{}, custody.Rejected(err, "编码 transfer 调用失败")
	}
	return c.submit(ctx, data)
}

func (c *Custodian) parse(fromRaw, toRaw string, amount decimal.Decimal) (common.Address, common.Address, *big.Int, error) {
	if !common.IsHexAddress(fromRaw) || !common.IsHexAddress(toRaw) {
		return common.Address{}, common.Address{}, nil, custody.Rejected(nil, "custody accounts must be EVM addresses")
	}
	if !amount.IsPositive() {
		return common.Address{}, common.Address{}, nil, custody.Rejected(nil, "amount must be positive")
	}
	units, err := money.ToBaseUnits(amount, c.tokenDecimals)
	if err != nil {
		return common.Address{}, common.Address{}, nil, custody.Rejected(err, "amount not representable in token units")
	}
	return common.HexToAddress(fromRaw), common.HexToAddress(toRaw), units, nil
}

// submit 签名并广播调用代币合约的交易，然后等待回执。
func (c *Custodian) submit(ctx context.Context, data []byte) (custody.Receipt, error) {
	tx, err := c.signAndSend(ctx, data)
	if err != nil {
		return custody.Receipt{}, err
	}
	receipt, err := c.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return custody.Receipt{Domain: c.name, Reference: tx.Hash().Hex()}, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return custody.Receipt{Domain: c.name, Reference: tx.Hash().Hex()},
			custody.Rejected(nil, fmt.Sprintf("transaction %s reverted", tx.Hash().Hex()))
	}
	return custody.Receipt{Domain: c.name, Reference: tx.Hash().Hex()}, nil
}

func (c *Custodian) signAndSend(ctx context.Context, data []byte) (*coretypes.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, custody.Failure(err, "获取 nonce 失败")
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, custody.Failure(err, "获取 gas 价格失败")
	}
	gasLimit := c.gasLimit
	if gasLimit == 0 {
		token := c.token
		estimated, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: c.from, To: &token, Data: data})
		if err != nil {
			// 预估失败通常意味着调用会回滚（授权或余额不足）。
			return nil, custody.Rejected(err, "交易预执行失败")
		}
		gasLimit = estimated
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &c.token,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, custody.Failure(err, "交易签名失败")
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, custody.Failure(err, "发送交易失败")
	}
	return signed, nil
}

func (c *Custodian) waitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, custody.Unconfirmed(err, hash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, custody.Unconfirmed(ctx.Err(), hash.Hex())
		case <-ticker.C:
		}
	}
}

// Close 释放网络连接。
func (c *Custodian) Close() {
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

var _ custody.Custodian = (*Custodian)(nil)
