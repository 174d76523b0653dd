package operations

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
)

const (
	maxRefLength    = 256
	maxReasonLength = 1024
	maxTopicLength  = 128
)

// IssueRequest finalizes an issuance: credits of the project window's class
// minted to Recipient.
type IssueRequest struct {
	ProjectID   string    `json:"project_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Quantity    string    `json:"quantity"`
	Recipient   string    `json:"recipient"`
	IssuanceRef string    `json:"issuance_ref"`
}

// RetireRequest permanently retires Quantity credits held by Holder.
type RetireRequest struct {
	ClassID     string `json:"class_id"`
	Quantity    string `json:"quantity"`
	Holder      string `json:"holder"`
	Beneficiary string `json:"beneficiary"`
	Reason      string `json:"reason"`
}

// AnchorRequest commits the aggregate of EvidenceHashes under Topic.
type AnchorRequest struct {
	Topic          string   `json:"topic"`
	EvidenceHashes []string `json:"evidence_hashes"`
}

// parseQuantity accepts a positive base-10 integer without sign or spaces.
func parseQuantity(s string) (*big.Int, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "quantity must be a positive integer")
	}
	q, ok := new(big.Int).SetString(s, 10)
	if !ok || q.Sign() <= 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "quantity must be a positive integer")
	}
	// 2^256-1 is the ledger's ceiling.
	if q.BitLen() > 256 {
		return nil, apperr.New(apperr.CodeInvalidInput, "quantity exceeds the ledger maximum")
	}
	return q, nil
}

func parseAccount(field, s string) (string, error) {
	if !common.IsHexAddress(s) || !strings.HasPrefix(s, "0x") {
		return "", apperr.New(apperr.CodeInvalidInput, "%s must be a 0x-prefixed 20-byte address", field)
	}
	return strings.ToLower(s), nil
}

func requireText(field, s string, max int) error {
	if strings.TrimSpace(s) == "" {
		return apperr.New(apperr.CodeInvalidInput, "%s is required", field)
	}
	return limitText(field, s, max)
}

func limitText(field, s string, max int) error {
	if len(s) > max {
		return apperr.New(apperr.CodeInvalidInput, "%s exceeds %d bytes", field, max)
	}
	return nil
}
