// Package simledger is an in-process ledger with per-signer sequence numbers,
// blocks, class balances and revert semantics. It backs lite mode and the
// integration tests.
package simledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger"
)

// Gas charged per method. Values only need to be stable.
var gasByMethod = map[ledger.Method]uint64{
	ledger.MethodIssue:  68_412,
	ledger.MethodRetire: 41_907,
	ledger.MethodAnchor: 52_330,
}

type simTx struct {
	Signer        string   `json:"signer"`
	Nonce         uint64   `json:"nonce"`
	Method        string   `json:"method"`
	ClassID       string   `json:"class_id,omitempty"`
	Account       string   `json:"account,omitempty"`
	Amount        *big.Int `json:"amount,omitempty"`
	Memo          string   `json:"memo,omitempty"`
	Topic         string   `json:"topic,omitempty"`
	EvidenceRoot  string   `json:"evidence_root,omitempty"`
	EvidenceCount int      `json:"evidence_count,omitempty"`
}

// Anchor is a recorded evidence commitment.
type Anchor struct {
	Topic       string
	Root        common.Hash
	Count       int
	BlockNumber uint64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSigner sets the signing account.
func WithSigner(addr common.Address) Option {
	return func(l *Ledger) { l.signer = addr }
}

// WithManualMining disables mining on every accepted broadcast; call Mine.
func WithManualMining() Option {
	return func(l *Ledger) { l.autoMine = false }
}

// Ledger implements ledger.Client, ledger.BalanceReader and
// ledger.NonceResetter. Safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	signer   common.Address
	autoMine bool

	nextNonce     uint64 // next nonce handed out by Prepare
	acceptedNonce uint64 // next nonce the pool will accept

	head     uint64
	prepared map[common.Hash]*simTx
	pool     map[common.Hash]*simTx
	receipts map[common.Hash]*ledger.TxReceipt
	balances map[string]map[string]*big.Int
	anchors  map[common.Hash]Anchor

	faults []error
	closed bool
}

// New creates an empty ledger at block 0.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		signer:   common.HexToAddress("0x5ee0000000000000000000000000000000000001"),
		autoMine: true,
		prepared: make(map[common.Hash]*simTx),
		pool:     make(map[common.Hash]*simTx),
		receipts: make(map[common.Hash]*ledger.TxReceipt),
		balances: make(map[string]map[string]*big.Int),
		anchors:  make(map[common.Hash]Anchor),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// InjectFaults makes the next len(errs) RPC calls fail with errs in order.
func (l *Ledger) InjectFaults(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, errs...)
}

func (l *Ledger) fault() error {
	if l.closed {
		return errors.New("simledger: client closed")
	}
	if len(l.faults) == 0 {
		return nil
	}
	err := l.faults[0]
	l.faults = l.faults[1:]
	return err
}

func (l *Ledger) Signer() string { return strings.ToLower(l.signer.Hex()) }

func (l *Ledger) Prepare(_ context.Context, call ledger.Call) (*ledger.PreparedTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fault(); err != nil {
		return nil, err
	}

	tx := &simTx{Signer: l.Signer(), Nonce: l.nextNonce, Method: string(call.Method)}
	switch call.Method {
	case ledger.MethodIssue, ledger.MethodRetire:
		if call.Amount == nil || call.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: amount must be positive", ledger.ErrReverted)
		}
		if !common.IsHexAddress(call.Account) {
			return nil, fmt.Errorf("%w: bad account %q", ledger.ErrReverted, call.Account)
		}
		tx.ClassID = call.ClassID
		tx.Account = strings.ToLower(call.Account)
		tx.Amount = new(big.Int).Set(call.Amount)
		tx.Memo = call.Memo
		if call.Method == ledger.MethodRetire && l.balanceLocked(tx.ClassID, tx.Account).Cmp(tx.Amount) < 0 {
			return nil, fmt.Errorf("%w: insufficient balance", ledger.ErrReverted)
		}
	case ledger.MethodAnchor:
		tx.Topic = call.Topic
		tx.EvidenceRoot = call.EvidenceRoot.Hex()
		tx.EvidenceCount = call.EvidenceCount
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ledger.ErrReverted, call.Method)
	}

	raw, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode tx: %w", err)
	}
	hash := crypto.Keccak256Hash(raw)
	l.prepared[hash] = tx
	l.nextNonce++
	return &ledger.PreparedTx{Hash: hash, Nonce: tx.Nonce, Raw: raw}, nil
}

func (l *Ledger) Broadcast(_ context.Context, ptx *ledger.PreparedTx) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fault(); err != nil {
		return err
	}
	if _, ok := l.receipts[ptx.Hash]; ok {
		return ledger.ErrAlreadyKnown
	}
	if _, ok := l.pool[ptx.Hash]; ok {
		return ledger.ErrAlreadyKnown
	}
	tx, ok := l.prepared[ptx.Hash]
	if !ok {
		return fmt.Errorf("simledger: unknown transaction %s", ptx.Hash.Hex())
	}
	if tx.Nonce < l.acceptedNonce {
		return fmt.Errorf("%w: have %d, next %d", ledger.ErrNonceConsumed, tx.Nonce, l.acceptedNonce)
	}
	l.pool[ptx.Hash] = tx
	l.promoteLocked()
	if l.autoMine {
		l.mineLocked()
	}
	return nil
}

// promoteLocked advances acceptedNonce over contiguous pooled transactions.
func (l *Ledger) promoteLocked() {
	for {
		found := false
		for _, tx := range l.pool {
			if tx.Nonce == l.acceptedNonce {
				l.acceptedNonce++
				found = true
			}
		}
		if !found {
			return
		}
	}
}

// Mine seals one block holding every executable pooled transaction and
// returns its number.
func (l *Ledger) Mine() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mineLocked()
}

func (l *Ledger) mineLocked() uint64 {
	l.head++
	type entry struct {
		hash common.Hash
		tx   *simTx
	}
	var ready []entry
	for h, tx := range l.pool {
		if tx.Nonce < l.acceptedNonce {
			ready = append(ready, entry{h, tx})
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].tx.Nonce < ready[j].tx.Nonce })
	for _, e := range ready {
		delete(l.pool, e.hash)
		l.receipts[e.hash] = &ledger.TxReceipt{
			TxHash:      e.hash,
			BlockNumber: l.head,
			GasUsed:     gasByMethod[ledger.Method(e.tx.Method)],
			Reverted:    !l.executeLocked(e.tx),
		}
	}
	return l.head
}

// executeLocked applies tx to state. It reports false on revert.
func (l *Ledger) executeLocked(tx *simTx) bool {
	switch ledger.Method(tx.Method) {
	case ledger.MethodIssue:
		bal := l.balanceLocked(tx.ClassID, tx.Account)
		l.setBalanceLocked(tx.ClassID, tx.Account, new(big.Int).Add(bal, tx.Amount))
	case ledger.MethodRetire:
		bal := l.balanceLocked(tx.ClassID, tx.Account)
		if bal.Cmp(tx.Amount) < 0 {
			return false
		}
		l.setBalanceLocked(tx.ClassID, tx.Account, new(big.Int).Sub(bal, tx.Amount))
	case ledger.MethodAnchor:
		root := common.HexToHash(tx.EvidenceRoot)
		if _, dup := l.anchors[root]; dup {
			return false
		}
		l.anchors[root] = Anchor{Topic: tx.Topic, Root: root, Count: tx.EvidenceCount, BlockNumber: l.head}
	}
	return true
}

func (l *Ledger) balanceLocked(classID, account string) *big.Int {
	if b, ok := l.balances[classID][strings.ToLower(account)]; ok {
		return b
	}
	return new(big.Int)
}

func (l *Ledger) setBalanceLocked(classID, account string, v *big.Int) {
	byAccount, ok := l.balances[classID]
	if !ok {
		byAccount = make(map[string]*big.Int)
		l.balances[classID] = byAccount
	}
	byAccount[strings.ToLower(account)] = v
}

func (l *Ledger) Receipt(_ context.Context, hash common.Hash) (*ledger.TxReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fault(); err != nil {
		return nil, err
	}
	r, ok := l.receipts[hash]
	if !ok {
		return nil, ledger.ErrTxNotFound
	}
	cp := *r
	return &cp, nil
}

func (l *Ledger) BlockNumber(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fault(); err != nil {
		return 0, err
	}
	return l.head, nil
}

func (l *Ledger) BalanceOf(_ context.Context, classID, account string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(classID, account)), nil
}

// Credit sets up a holding directly, outside any transaction.
func (l *Ledger) Credit(classID, account string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setBalanceLocked(classID, account, new(big.Int).Add(l.balanceLocked(classID, account), amount))
}

// AnchorOf returns the anchor committed for root.
func (l *Ledger) AnchorOf(root common.Hash) (Anchor, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.anchors[root]
	return a, ok
}

// TxCount returns the number of mined transactions.
func (l *Ledger) TxCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.receipts)
}

// ResetNonce rewinds the local counter to the next nonce the pool accepts.
func (l *Ledger) ResetNonce() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextNonce = l.acceptedNonce
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

var (
	_ ledger.Client        = (*Ledger)(nil)
	_ ledger.BalanceReader = (*Ledger)(nil)
	_ ledger.NonceResetter = (*Ledger)(nil)
)
