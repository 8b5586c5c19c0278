// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package merkle

import "github.com/luxfi/geth/common"

// Proof is the sibling path of one leaf, bound to the checkpoint it was
// generated against.
type Proof struct {
	Leaf       common.Hash
	Index      uint32
	Path       [TreeDepth]common.Hash
	Checkpoint Checkpoint
}

// Root recomputes the root implied by the proof.
func (p Proof) Root() common.Hash {
	return BranchRoot(p.Leaf, p.Path, p.Index)
}

// Verify checks the proof against the root of its own checkpoint.
func (p Proof) Verify() bool {
	return p.Checkpoint.Covers(p.Index) && p.Root() == p.Checkpoint.Root
}

// VerifyAgainst checks the proof against an arbitrary checkpoint.
func (p Proof) VerifyAgainst(c Checkpoint) bool {
	return c.Covers(p.Index) && p.Root() == c.Root
}

// BranchRoot folds leaf up through branch, taking the left or right position
// at each height from the bits of index.
func BranchRoot(leaf common.Hash, branch [TreeDepth]common.Hash, index uint32) common.Hash {
	current := leaf
	for h := 0; h < TreeDepth; h++ {
		if (index>>h)&1 == 1 {
			current = hashPair(branch[h], current)
		} else {
			current = hashPair(current, branch[h])
		}
	}
	return current
}
