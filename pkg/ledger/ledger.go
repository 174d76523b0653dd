// Package ledger submits calls to the append-only ledger and waits for their
// confirmation.
//
// A Client speaks to one ledger with one signer. The Executor drives a Client
// through prepare, broadcast and confirmation, retrying transient failures
// with bounded backoff and classifying every outcome into a closed set of
// failure kinds.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
)

var (
	// ErrReverted marks a deterministic rejection of the call's logic. It is
	// never retried.
	ErrReverted = errors.New("ledger: execution reverted")
	// ErrTxNotFound means the ledger has no receipt for the hash yet.
	ErrTxNotFound = errors.New("ledger: transaction not found")
	// ErrAlreadyKnown is returned by Broadcast when the identical transaction
	// is already in the ledger's pool or chain.
	ErrAlreadyKnown = errors.New("ledger: transaction already known")
	// ErrNonceConsumed is returned by Broadcast when the transaction's
	// sequence number is already used on the ledger, possibly by the
	// transaction itself.
	ErrNonceConsumed = errors.New("ledger: nonce already used")
)

// Method names the contract entry point a Call targets.
type Method string

const (
	MethodIssue  Method = "issue"
	MethodRetire Method = "retire"
	MethodAnchor Method = "anchor"
)

// Call describes one ledger effect built from validated domain parameters.
type Call struct {
	Method Method
	// EffectID identifies the logical effect (the receipt id). It seeds the
	// backoff jitter and appears in logs.
	EffectID string

	ClassID string   // issue, retire
	Account string   // recipient (issue) or holder (retire), 0x address
	Amount  *big.Int // issue, retire
	Memo    string   // issuance reference or retirement note

	Topic         string      // anchor
	EvidenceRoot  common.Hash // anchor
	EvidenceCount int         // anchor
}

// PreparedTx is a signed transaction ready to broadcast. Its hash is fixed,
// so re-broadcasting it can never produce a second ledger effect.
type PreparedTx struct {
	Hash  common.Hash
	Nonce uint64
	Raw   []byte
}

// TxReceipt is the ledger's record of a mined transaction.
type TxReceipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Reverted    bool
}

// Client is a connection to one ledger under one signer. Implementations
// must be safe for concurrent use; Close releases the connection.
type Client interface {
	// Prepare builds and signs the transaction for call, assigning the
	// signer's next sequence number. Returns ErrReverted if the ledger
	// rejects the call during simulation.
	Prepare(ctx context.Context, call Call) (*PreparedTx, error)
	// Broadcast submits a prepared transaction. Returns ErrAlreadyKnown when
	// the ledger already holds it and ErrNonceConsumed when its sequence
	// number is taken.
	Broadcast(ctx context.Context, tx *PreparedTx) error
	// Receipt returns the receipt for hash, or ErrTxNotFound.
	Receipt(ctx context.Context, hash common.Hash) (*TxReceipt, error)
	// BlockNumber returns the current head.
	BlockNumber(ctx context.Context) (uint64, error)
	// Signer returns the signing account.
	Signer() string
	Close() error
}

// BalanceReader is implemented by clients that can report holdings.
type BalanceReader interface {
	BalanceOf(ctx context.Context, classID, account string) (*big.Int, error)
}

// NonceResetter is implemented by clients that track sequence numbers
// locally. ResetNonce drops the cached value after a prepared transaction was
// abandoned without ever being accepted.
type NonceResetter interface {
	ResetNonce()
}

// Result is a confirmed ledger effect.
type Result struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	ContentHash string
	Attempts    int
}

// FailureKind is the closed set of executor failure variants.
type FailureKind string

const (
	KindUnavailable FailureKind = "LEDGER_UNAVAILABLE"
	KindReverted    FailureKind = "TX_REVERTED"
	KindTimeout     FailureKind = "TX_TIMEOUT"
)

// Code maps a failure kind onto the error taxonomy.
func (k FailureKind) Code() apperr.Code {
	switch k {
	case KindReverted:
		return apperr.CodeTxReverted
	case KindTimeout:
		return apperr.CodeTxTimeout
	default:
		return apperr.CodeLedgerUnavailable
	}
}

// Failure is returned by Executor.Submit for every unsuccessful outcome.
type Failure struct {
	Kind     FailureKind
	Attempts int
	// TxHash is set when a transaction was prepared. A timeout with a TxHash
	// means the outcome on the ledger is unknown.
	TxHash string
	Err    error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s after %d attempt(s)", f.Kind, f.Attempts)
	if f.TxHash != "" {
		msg += " (tx " + f.TxHash + ")"
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
