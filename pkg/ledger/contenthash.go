package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ContentHash fingerprints a confirmed transaction from its immutable fields:
// sha256("txHash|blockNumber|gasUsed"), 0x-prefixed. The tx hash is taken in
// its lowercase 0x form.
func ContentHash(txHash string, blockNumber, gasUsed uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", txHash, blockNumber, gasUsed)))
	return "0x" + hex.EncodeToString(sum[:])
}
