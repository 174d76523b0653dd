// Package receipts owns the receipt state machine. A receipt is written
// PENDING before any ledger call and moves exactly once to MINED or FAILED.
package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
)

var (
	ErrNotFound = errors.New("receipt not found")
	// ErrDuplicateKey is returned by Insert when another receipt already
	// holds the idempotency key.
	ErrDuplicateKey = errors.New("receipt idempotency key already used")
)

type Kind string

const (
	KindIssue  Kind = "ISSUE"
	KindRetire Kind = "RETIRE"
	KindAnchor Kind = "ANCHOR"
)

func (k Kind) Valid() bool {
	switch k {
	case KindIssue, KindRetire, KindAnchor:
		return true
	}
	return false
}

type Status string

const (
	StatusPending Status = "PENDING"
	StatusMined   Status = "MINED"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusMined || s == StatusFailed }

// Receipt is the durable record of one mutating operation. Optional columns
// use the zero value for absent.
type Receipt struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	ClassID        string          `json:"class_id,omitempty"`
	Org            string          `json:"org"`
	Quantity       string          `json:"quantity,omitempty"`
	Params         json.RawMessage `json:"params"`
	TxHash         string          `json:"tx_hash,omitempty"`
	BlockNumber    uint64          `json:"block_number,omitempty"`
	ContentHash    string          `json:"content_hash,omitempty"`
	Status         Status          `json:"status"`
	FailureCode    apperr.Code     `json:"failure_code,omitempty"`
	FailureMessage string          `json:"failure_message,omitempty"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Draft is the immutable part of a receipt supplied at creation.
type Draft struct {
	Kind           Kind
	ClassID        string
	Org            string
	Quantity       string
	Params         json.RawMessage
	IdempotencyKey string
}

// Outcome is the terminal transition applied by Finalize.
type Outcome struct {
	Status         Status
	TxHash         string
	BlockNumber    uint64
	ContentHash    string
	FailureCode    apperr.Code
	FailureMessage string
}

// Mined is the outcome of a confirmed ledger effect.
func Mined(txHash string, blockNumber uint64, contentHash string) Outcome {
	return Outcome{Status: StatusMined, TxHash: txHash, BlockNumber: blockNumber, ContentHash: contentHash}
}

// Failed is the outcome of a failed pipeline. txHash may be empty.
func Failed(code apperr.Code, message, txHash string) Outcome {
	return Outcome{Status: StatusFailed, FailureCode: code, FailureMessage: message, TxHash: txHash}
}

// Validate rejects outcomes that would leave a receipt inconsistent.
func (o Outcome) Validate() error {
	switch o.Status {
	case StatusMined:
		if o.TxHash == "" || o.ContentHash == "" {
			return errors.New("mined outcome requires tx hash and content hash")
		}
		if o.FailureCode != "" {
			return errors.New("mined outcome cannot carry a failure code")
		}
	case StatusFailed:
		if o.FailureCode == "" {
			return errors.New("failed outcome requires a failure code")
		}
		if o.ContentHash != "" {
			return errors.New("failed outcome cannot carry a content hash")
		}
	default:
		return errors.New("outcome status must be MINED or FAILED")
	}
	return nil
}

// Store persists receipts.
type Store interface {
	// InsertReceipt stores a new PENDING receipt; ErrDuplicateKey when its
	// idempotency key is taken.
	InsertReceipt(ctx context.Context, r *Receipt) error
	GetReceipt(ctx context.Context, id string) (*Receipt, error)
	GetReceiptByIdempotencyKey(ctx context.Context, key string) (*Receipt, error)
	// FinalizeReceipt applies o only if the receipt is still PENDING and
	// reports whether it did.
	FinalizeReceipt(ctx context.Context, id string, o Outcome, at time.Time) (bool, error)
	// ListPendingReceipts returns PENDING receipts created before cutoff,
	// oldest first.
	ListPendingReceipts(ctx context.Context, cutoff time.Time, limit int) ([]*Receipt, error)
}
