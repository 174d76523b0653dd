package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger"
)

type fakeBackend struct {
	pendingNonce uint64
	nonceReads   int
	sent         []*types.Transaction
	sendErr      error
	estimateErr  error
	receipts     map[common.Hash]*types.Receipt
	callOut      []byte
	closed       bool
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }
func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.nonceReads++
	return f.pendingNonce, nil
}
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }
func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, f.estimateErr
}
func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}
func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 12, nil }
func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.callOut, nil
}
func (f *fakeBackend) Close() { f.closed = true }

func newTestClient(t *testing.T, b *fakeBackend) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c, err := newClient(context.Background(), b, Config{
		ContractAddress: "0x00000000000000000000000000000000000000c0",
		PrivateKey:      "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
	})
	require.NoError(t, err)
	return c
}

var issue = ledger.Call{
	Method:  ledger.MethodIssue,
	ClassID: "0123456789abcdef0123456789abcdef",
	Account: "0x00000000000000000000000000000000000000b0",
	Amount:  big.NewInt(10),
	Memo:    "ISS-1",
}

func TestPrepareSignsWithSequentialNonces(t *testing.T) {
	b := &fakeBackend{pendingNonce: 4}
	c := newTestClient(t, b)
	ctx := context.Background()

	first, err := c.Prepare(ctx, issue)
	require.NoError(t, err)
	second, err := c.Prepare(ctx, issue)
	require.NoError(t, err)

	assert.Equal(t, uint64(4), first.Nonce)
	assert.Equal(t, uint64(5), second.Nonce)
	assert.Equal(t, 1, b.nonceReads)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(first.Raw))
	assert.Equal(t, first.Hash, tx.Hash())
	assert.Equal(t, uint64(60_000), tx.Gas())
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, c.Signer(), strings.ToLower(sender.Hex()))
}

func TestResetNonceRereadsPending(t *testing.T) {
	b := &fakeBackend{pendingNonce: 2}
	c := newTestClient(t, b)
	ctx := context.Background()

	_, err := c.Prepare(ctx, issue)
	require.NoError(t, err)
	c.ResetNonce()
	again, err := c.Prepare(ctx, issue)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), again.Nonce)
	assert.Equal(t, 2, b.nonceReads)
}

func TestPrepareRevertedEstimate(t *testing.T) {
	b := &fakeBackend{estimateErr: errors.New("execution reverted: insufficient balance")}
	c := newTestClient(t, b)

	_, err := c.Prepare(context.Background(), issue)
	assert.ErrorIs(t, err, ledger.ErrReverted)
}

func TestPackRejectsBadClassID(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	bad := issue
	bad.ClassID = "xyz"
	_, err := c.Prepare(context.Background(), bad)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrReverted)
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))
}

func TestPackAnchor(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	data, err := c.Pack(ledger.Call{Method: ledger.MethodAnchor, Topic: "t", EvidenceRoot: common.HexToHash("0xff"), EvidenceCount: 3})
	require.NoError(t, err)
	assert.Equal(t, c.abi.Methods["anchor"].ID, data[:4])
}

func TestBroadcastClassifiesAlreadyKnown(t *testing.T) {
	b := &fakeBackend{}
	c := newTestClient(t, b)
	ctx := context.Background()

	tx, err := c.Prepare(ctx, issue)
	require.NoError(t, err)
	require.NoError(t, c.Broadcast(ctx, tx))
	require.Len(t, b.sent, 1)
	assert.Equal(t, tx.Hash, b.sent[0].Hash())

	b.sendErr = errors.New("already known")
	assert.ErrorIs(t, c.Broadcast(ctx, tx), ledger.ErrAlreadyKnown)

	b.sendErr = errors.New("nonce too low: next nonce 5, tx nonce 4")
	assert.ErrorIs(t, c.Broadcast(ctx, tx), ledger.ErrNonceConsumed)
}

func TestReceipt(t *testing.T) {
	h := common.HexToHash("0xaa")
	b := &fakeBackend{receipts: map[common.Hash]*types.Receipt{
		h: {TxHash: h, BlockNumber: big.NewInt(9), GasUsed: 42, Status: types.ReceiptStatusFailed},
	}}
	c := newTestClient(t, b)
	ctx := context.Background()

	r, err := c.Receipt(ctx, h)
	require.NoError(t, err)
	assert.True(t, r.Reverted)
	assert.Equal(t, uint64(9), r.BlockNumber)

	_, err = c.Receipt(ctx, common.HexToHash("0xbb"))
	assert.ErrorIs(t, err, ledger.ErrTxNotFound)
}

func TestBalanceOf(t *testing.T) {
	b := &fakeBackend{}
	c := newTestClient(t, b)
	out, err := c.abi.Methods["balanceOf"].Outputs.Pack(big.NewInt(77))
	require.NoError(t, err)
	b.callOut = out

	bal, err := c.BalanceOf(context.Background(), issue.ClassID, issue.Account)
	require.NoError(t, err)
	assert.Equal(t, int64(77), bal.Int64())
}

func TestClose(t *testing.T) {
	b := &fakeBackend{}
	c := newTestClient(t, b)
	require.NoError(t, c.Close())
	assert.True(t, b.closed)
}
