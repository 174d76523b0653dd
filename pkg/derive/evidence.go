package derive

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
	"github.com/ShantanuVr/registry-adapter-api/pkg/merkle"
)

// AggregateEvidence folds an ordered list of evidence hashes into one root.
// The result is order-sensitive. See merkle.Build for the tie-break rule.
func AggregateEvidence(hashes []common.Hash) common.Hash {
	return merkle.Root(hashes)
}

// ParseEvidenceHash accepts a 32-byte hash as 64 hex characters, with or
// without a 0x prefix.
func ParseEvidenceHash(s string) (common.Hash, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != 64 {
		return common.Hash{}, apperr.New(apperr.CodeInvalidInput, "evidence hash %q must be 32 bytes of hex", s)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return common.Hash{}, apperr.New(apperr.CodeInvalidInput, "evidence hash %q is not hex", s)
	}
	return common.BytesToHash(b), nil
}

// ParseEvidenceHashes parses every element, preserving order.
func ParseEvidenceHashes(in []string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(in))
	for _, s := range in {
		h, err := ParseEvidenceHash(s)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// EvidenceProof returns the inclusion proof of hashes[index] under the
// aggregate, so one piece of evidence can be shown to be part of an anchor.
func EvidenceProof(hashes []common.Hash, index int) (merkle.InclusionProof, error) {
	return merkle.Build(hashes).Proof(index)
}
