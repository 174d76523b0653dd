// Package evm is the go-ethereum backed ledger client. It targets a registry
// contract exposing issue, retire, anchor and balanceOf.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger"
)

// RegistryABI is the subset of the registry contract the adapter calls.
const RegistryABI = `[
 {"type":"function","name":"issue","stateMutability":"nonpayable","inputs":[
  {"name":"classId","type":"bytes16"},{"name":"to","type":"address"},
  {"name":"amount","type":"uint256"},{"name":"ref","type":"string"}],"outputs":[]},
 {"type":"function","name":"retire","stateMutability":"nonpayable","inputs":[
  {"name":"classId","type":"bytes16"},{"name":"from","type":"address"},
  {"name":"amount","type":"uint256"},{"name":"note","type":"string"}],"outputs":[]},
 {"type":"function","name":"anchor","stateMutability":"nonpayable","inputs":[
  {"name":"topic","type":"string"},{"name":"root","type":"bytes32"},
  {"name":"count","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
  {"name":"holder","type":"address"},{"name":"classId","type":"bytes16"}],
  "outputs":[{"name":"","type":"uint256"}]}
]`

// Config addresses the chain and contract.
type Config struct {
	RPCURL          string `yaml:"rpc_url"`
	ContractAddress string `yaml:"contract_address"`
	// PrivateKey is the signer key, hex with or without 0x.
	PrivateKey string `yaml:"private_key"`
	// GasMultiplierPct pads estimates; 0 means 120.
	GasMultiplierPct uint64 `yaml:"gas_multiplier_pct"`
}

// backend is the slice of ethclient.Client the adapter uses.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Client implements ledger.Client over JSON-RPC.
type Client struct {
	backend  backend
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasPct   uint64
	logger   *slog.Logger

	nonceMu     sync.Mutex
	nonce       uint64
	nonceLoaded bool
}

// Dial connects to cfg.RPCURL and resolves the chain id.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	c, err := newClient(ctx, ec, cfg)
	if err != nil {
		ec.Close()
		return nil, err
	}
	return c, nil
}

func newClient(ctx context.Context, b backend, cfg Config) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	chainID, err := b.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	gasPct := cfg.GasMultiplierPct
	if gasPct == 0 {
		gasPct = 120
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	return &Client{
		backend:  b,
		abi:      parsed,
		contract: common.HexToAddress(cfg.ContractAddress),
		key:      key,
		from:     from,
		chainID:  chainID,
		gasPct:   gasPct,
		logger:   slog.Default().With("component", "ledger.evm", "signer", from.Hex()),
	}, nil
}

func (c *Client) Signer() string { return strings.ToLower(c.from.Hex()) }

// Pack encodes call as contract input.
func (c *Client) Pack(call ledger.Call) ([]byte, error) {
	switch call.Method {
	case ledger.MethodIssue, ledger.MethodRetire:
		classID, err := classIDBytes(call.ClassID)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(call.Account) {
			return nil, fmt.Errorf("invalid account %q", call.Account)
		}
		if call.Amount == nil || call.Amount.Sign() <= 0 {
			return nil, errors.New("amount must be positive")
		}
		return c.abi.Pack(string(call.Method), classID, common.HexToAddress(call.Account), call.Amount, call.Memo)
	case ledger.MethodAnchor:
		return c.abi.Pack("anchor", call.Topic, [32]byte(call.EvidenceRoot), big.NewInt(int64(call.EvidenceCount)))
	default:
		return nil, fmt.Errorf("unknown method %q", call.Method)
	}
}

func classIDBytes(classID string) ([16]byte, error) {
	var out [16]byte
	raw, err := hex.DecodeString(classID)
	if err != nil || len(raw) != len(out) {
		return out, fmt.Errorf("invalid class id %q", classID)
	}
	copy(out[:], raw)
	return out, nil
}

// Prepare estimates, assigns the next local nonce and signs. Simulation
// failures reported as execution reverted map to ledger.ErrReverted; a call
// that cannot be ABI-encoded is an internal error.
func (c *Client) Prepare(ctx context.Context, call ledger.Call) (*ledger.PreparedTx, error) {
	data, err := c.Pack(call)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "ledger call could not be encoded")
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &c.contract, Data: data})
	if err != nil {
		return nil, classify(err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(err)
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if !c.nonceLoaded {
		n, err := c.backend.PendingNonceAt(ctx, c.from)
		if err != nil {
			return nil, classify(err)
		}
		c.nonce, c.nonceLoaded = n, true
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    c.nonce,
		GasPrice: gasPrice,
		Gas:      gas * c.gasPct / 100,
		To:       &c.contract,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode tx: %w", err)
	}
	c.nonce++
	return &ledger.PreparedTx{Hash: signed.Hash(), Nonce: signed.Nonce(), Raw: raw}, nil
}

func (c *Client) Broadcast(ctx context.Context, ptx *ledger.PreparedTx) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(ptx.Raw); err != nil {
		return fmt.Errorf("decode prepared tx: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return classify(err)
	}
	c.logger.DebugContext(ctx, "broadcast", "tx_hash", ptx.Hash.Hex(), "nonce", ptx.Nonce)
	return nil
}

func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*ledger.TxReceipt, error) {
	r, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ledger.ErrTxNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &ledger.TxReceipt{
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber.Uint64(),
		GasUsed:     r.GasUsed,
		Reverted:    r.Status == types.ReceiptStatusFailed,
	}, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// BalanceOf calls the contract's balanceOf view at the latest block.
func (c *Client) BalanceOf(ctx context.Context, classID, account string) (*big.Int, error) {
	id, err := classIDBytes(classID)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(account) {
		return nil, fmt.Errorf("invalid account %q", account)
	}
	data, err := c.abi.Pack("balanceOf", common.HexToAddress(account), id)
	if err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, classify(err)
	}
	vals, err := c.abi.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("decode balanceOf: %w", err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balanceOf: unexpected %T", vals[0])
	}
	return bal, nil
}

// ResetNonce forces the next Prepare to re-read the pending nonce.
func (c *Client) ResetNonce() {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	c.nonceLoaded = false
}

func (c *Client) Close() error {
	c.backend.Close()
	return nil
}

// classify maps node error strings onto the ledger sentinels. JSON-RPC
// errors arrive as plain messages.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return fmt.Errorf("%w: %v", ledger.ErrAlreadyKnown, err)
	case strings.Contains(msg, "nonce too low"):
		return fmt.Errorf("%w: %v", ledger.ErrNonceConsumed, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %v", ledger.ErrReverted, err)
	}
	return err
}

var (
	_ ledger.Client        = (*Client)(nil)
	_ ledger.BalanceReader = (*Client)(nil)
	_ ledger.NonceResetter = (*Client)(nil)
)
