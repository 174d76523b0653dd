// Package merkle builds the binary evidence tree whose root is anchored on
// the ledger. Node hashes are keccak256(left || right) so the ledger's own
// verifier can recompute them.
package merkle

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Tree holds every level of a built tree, leaves first.
type Tree struct {
	Levels [][]common.Hash
	Root   common.Hash
}

// Build constructs the tree bottom-up. Adjacent nodes are paired left to
// right; a level with an odd count pairs its last node with itself.
//
// An empty input yields the zero root and a single-leaf input yields the leaf
// itself as root.
func Build(leaves []common.Hash) *Tree {
	if len(leaves) == 0 {
		return &Tree{}
	}

	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	tree := &Tree{}

	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = buildNextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree
}

// Root is a convenience for Build(leaves).Root.
func Root(leaves []common.Hash) common.Hash {
	return Build(leaves).Root
}

func buildNextLevel(hashes []common.Hash) []common.Hash {
	count := len(hashes)
	next := make([]common.Hash, (count+1)/2)
	for i := 0; i < count; i += 2 {
		left := hashes[i]
		right := left // duplicate last
		if i+1 < count {
			right = hashes[i+1]
		}
		next[i/2] = NodeHash(left, right)
	}
	return next
}

// NodeHash hashes the concatenation of two child hashes.
func NodeHash(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash(left.Bytes(), right.Bytes())
}
