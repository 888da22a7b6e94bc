package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/escrowd/internal/usdc"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
)

// ERC20 Transfer(address,address,uint256) event topic.
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// DefaultGasLimit for ERC20 transfers when estimation fails.
const DefaultGasLimit = uint64(100000)

// EthClient is the subset of ethclient.Client used here.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// EVMConfig configures an ERC-20 backed settlement client.
type EVMConfig struct {
	RPCURL        string
	PrivateKey    string // hex, with or without 0x
	ChainID       int64
	TokenContract string
	Asset         string // symbol, default USDC
	Confirmations uint64 // blocks required before a receipt counts, default 1
}

// EVMOption configures the client.
type EVMOption func(*EVMClient)

// WithEthClient injects an Ethereum client (tests).
func WithEthClient(c EthClient) EVMOption {
	return func(e *EVMClient) { e.client = c }
}

// EVMClient moves an ERC-20 token out of a single custody key and reads
// confirmed Transfer events from the token contract.
type EVMClient struct {
	client        EthClient
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	chainID       *big.Int
	token         common.Address
	tokenABI      abi.ABI
	asset         string
	confirmations uint64

	sendMu sync.Mutex // serializes nonce allocation
}

var _ Client = (*EVMClient)(nil)

// NewEVMClient creates a client for the configured token and custody key.
func NewEVMClient(cfg EVMConfig, opts ...EVMOption) (*EVMClient, error) {
	if err := validateEVMConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	e := &EVMClient{
		privateKey:    privateKey,
		address:       crypto.PubkeyToAddress(*pub),
		chainID:       big.NewInt(cfg.ChainID),
		token:         common.HexToAddress(cfg.TokenContract),
		tokenABI:      parsed,
		asset:         cfg.Asset,
		confirmations: cfg.Confirmations,
	}
	if e.asset == "" {
		e.asset = "USDC"
	}
	if e.confirmations == 0 {
		e.confirmations = 1
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		e.client = client
	}
	return e, nil
}

func validateEVMConfig(cfg EVMConfig) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("chain ID required")
	}
	if cfg.TokenContract == "" {
		return errors.New("token contract address required")
	}
	return nil
}

func (e *EVMClient) CustodyAddress() string { return strings.ToLower(e.address.Hex()) }

func (e *EVMClient) Asset() string { return e.asset }

// SubmitTransfer signs and broadcasts an ERC-20 transfer from the custody key.
func (e *EVMClient) SubmitTransfer(ctx context.Context, req TransferRequest) (string, error) {
	if req.Asset != "" && req.Asset != e.asset {
		return "", ErrUnsupportedAsset
	}
	if !SameAddress(req.From, e.address.Hex()) {
		return "", ErrUnknownSender
	}
	if req.Amount <= 0 || !common.IsHexAddress(req.To) {
		return "", ErrInvalidTransfer
	}

	data, err := e.tokenABI.Pack("transfer", common.HexToAddress(req.To), usdc.ToBig(req.Amount))
	if err != nil {
		return "", &TransferError{Op: "pack", Err: err}
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.address)
	if err != nil {
		return "", &TransferError{Op: "nonce", Err: err}
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransferError{Op: "gas_price", Err: err}
	}
	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.address,
		To:    &e.token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, e.token, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.privateKey)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}
	hash := signed.Hash().Hex()
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return "", &TransferError{Op: "send", Hash: hash, Err: err}
	}
	return hash, nil
}

// TransferStatus maps a receipt to a status. A missing receipt, or one
// with fewer than the configured confirmations, is pending.
func (e *EVMClient) TransferStatus(ctx context.Context, hash string) (Status, error) {
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return StatusPending, nil
	}
	if err != nil {
		return "", &TransferError{Op: "receipt", Hash: hash, Err: err}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return StatusFailed, nil
	}
	if e.confirmations > 1 && receipt.BlockNumber != nil {
		head, err := e.client.BlockNumber(ctx)
		if err != nil {
			return "", &TransferError{Op: "head", Hash: hash, Err: err}
		}
		if head+1 < receipt.BlockNumber.Uint64()+e.confirmations {
			return StatusPending, nil
		}
	}
	return StatusConfirmed, nil
}

// TransferLog returns confirmed token transfers matching f.
func (e *EVMClient) TransferLog(ctx context.Context, f LogFilter) ([]ObservedTransfer, error) {
	if f.Hash != "" {
		return e.transfersInReceipt(ctx, f)
	}

	topics := [][]common.Hash{{transferEventSig}, nil, nil}
	if f.From != "" {
		topics[1] = []common.Hash{common.BytesToHash(common.HexToAddress(f.From).Bytes())}
	}
	if f.To != "" {
		topics[2] = []common.Hash{common.BytesToHash(common.HexToAddress(f.To).Bytes())}
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(f.FromBlock),
		Addresses: []common.Address{e.token},
		Topics:    topics,
	}
	if f.ToBlock > 0 {
		q.ToBlock = new(big.Int).SetUint64(f.ToBlock)
	}

	logs, err := e.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}
	times := make(blockTimes)
	out := make([]ObservedTransfer, 0, len(logs))
	for _, l := range logs {
		t, ok := e.decodeTransfer(l)
		if !ok {
			continue
		}
		if t.ObservedAt, err = e.blockTime(ctx, l.BlockNumber, times); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (e *EVMClient) transfersInReceipt(ctx context.Context, f LogFilter) ([]ObservedTransfer, error) {
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(f.Hash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &TransferError{Op: "receipt", Hash: f.Hash, Err: err}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, nil
	}
	times := make(blockTimes)
	var out []ObservedTransfer
	for _, l := range receipt.Logs {
		t, ok := e.decodeTransfer(*l)
		if !ok {
			continue
		}
		if f.From != "" && !SameAddress(f.From, t.From) {
			continue
		}
		if f.To != "" && !SameAddress(f.To, t.To) {
			continue
		}
		if t.ObservedAt, err = e.blockTime(ctx, l.BlockNumber, times); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// blockTimes caches header timestamps for the duration of one query.
type blockTimes map[uint64]time.Time

// blockTime returns the timestamp of the block that included a log.
func (e *EVMClient) blockTime(ctx context.Context, block uint64, cache blockTimes) (time.Time, error) {
	if at, ok := cache[block]; ok {
		return at, nil
	}
	header, err := e.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read header of block %d: %w", block, err)
	}
	at := time.Unix(int64(header.Time), 0).UTC()
	cache[block] = at
	return at, nil
}

// decodeTransfer parses a Transfer event emitted by the token contract.
// Topics[1] = from, Topics[2] = to, Data = amount. ObservedAt is left for
// the caller to fill from the block header.
func (e *EVMClient) decodeTransfer(l types.Log) (ObservedTransfer, bool) {
	if l.Removed || l.Address != e.token || len(l.Topics) < 3 || l.Topics[0] != transferEventSig {
		return ObservedTransfer{}, false
	}
	amount, err := usdc.FromBig(new(big.Int).SetBytes(l.Data))
	if err != nil {
		return ObservedTransfer{}, false
	}
	return ObservedTransfer{
		Hash:   l.TxHash.Hex(),
		Asset:  e.asset,
		From:   strings.ToLower(common.HexToAddress(l.Topics[1].Hex()).Hex()),
		To:     strings.ToLower(common.HexToAddress(l.Topics[2].Hex()).Hex()),
		Amount: amount,
		Block:  l.BlockNumber,
	}, true
}

// BalanceOf returns the token balance of addr in minor units.
func (e *EVMClient) BalanceOf(ctx context.Context, addr string) (int64, error) {
	data, err := e.tokenABI.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return 0, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	result, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return usdc.FromBig(new(big.Int).SetBytes(result))
}

func (e *EVMClient) Head(ctx context.Context) (uint64, error) {
	return e.client.BlockNumber(ctx)
}

// PendingOutbound is the gap between the custody key's pending and mined
// nonces.
func (e *EVMClient) PendingOutbound(ctx context.Context) (uint64, error) {
	pending, err := e.client.PendingNonceAt(ctx, e.address)
	if err != nil {
		return 0, fmt.Errorf("failed to read pending nonce: %w", err)
	}
	mined, err := e.client.NonceAt(ctx, e.address, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to read nonce: %w", err)
	}
	if pending < mined {
		return 0, nil
	}
	return pending - mined, nil
}

// Close closes the RPC connection.
func (e *EVMClient) Close() error {
	if e.client != nil {
		e.client.Close()
	}
	return nil
}
