package merkle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type InclusionProof struct {
	Index     int         `json:"index"`
	Leaf      common.Hash `json:"leaf"`
	Root      common.Hash `json:"root"`
	ProofPath []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side    string      `json:"side"` // "L" or "R"
	Sibling common.Hash `json:"sibling"`
}

// Proof returns the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (InclusionProof, error) {
	if len(t.Levels) == 0 || index < 0 || index >= len(t.Levels[0]) {
		return InclusionProof{}, fmt.Errorf("merkle: leaf index %d out of range", index)
	}

	proof := InclusionProof{Index: index, Leaf: t.Levels[0][index], Root: t.Root}
	pos := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		if pos%2 == 0 {
			sibling := level[pos]
			if pos+1 < len(level) {
				sibling = level[pos+1]
			}
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "R", Sibling: sibling})
		} else {
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "L", Sibling: level[pos-1]})
		}
		pos /= 2
	}
	return proof, nil
}

// VerifyInclusionProof recomputes the root from the leaf and the proof path.
func VerifyInclusionProof(proof InclusionProof, expectedRoot common.Hash) bool {
	if proof.Root != expectedRoot {
		return false
	}
	current := proof.Leaf
	for _, step := range proof.ProofPath {
		if step.Side == "L" {
			current = NodeHash(step.Sibling, current)
		} else {
			current = NodeHash(current, step.Sibling)
		}
	}
	return current == expectedRoot
}
