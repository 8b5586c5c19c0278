// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package merkle implements the append-only accumulator that message ids are
// committed to. The tree has a fixed depth of 32, an all-zero empty leaf and
// keccak256(left || right) interior nodes, so its roots and proofs can be
// checked by an EVM verifier.
package merkle

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
)

const (
	TreeDepth = 32
	MaxLeaves = math.MaxUint32
)

var (
	ErrDuplicateLeaf = errors.New("duplicate leaf")
	ErrLeafNotFound  = errors.New("leaf not found")
	ErrTreeFull      = errors.New("merkle tree full")
	ErrInvalidCount  = errors.New("invalid leaf count")
)

// zeroHashes[h] is the root of an empty subtree of height h.
var zeroHashes = func() [TreeDepth + 1]common.Hash {
	var z [TreeDepth + 1]common.Hash
	for h := 1; h <= TreeDepth; h++ {
		z[h] = hashPair(z[h-1], z[h-1])
	}
	return z
}()

// ZeroHash returns the root of an empty subtree of the given height.
func ZeroHash(height int) common.Hash {
	return zeroHashes[height]
}

func hashPair(left, right common.Hash) common.Hash {
	return common.Hash(crypto.Keccak256Hash(left[:], right[:]))
}

// Checkpoint is the state of a tree after LeafCount inserts. It covers the
// leaf indices [0, LeafCount).
type Checkpoint struct {
	Domain    uint64
	Root      common.Hash
	LeafCount uint32
}

// Covers reports whether leaf index is committed to by the checkpoint.
func (c Checkpoint) Covers(index uint32) bool {
	return index < c.LeafCount
}

// Tree is an incremental Merkle tree over message ids. Inserts update one node
// per level; nothing is rebuilt. Tree is safe for one writer and any number of
// concurrent readers.
type Tree struct {
	lock   sync.RWMutex
	domain uint64
	// nodes[h][j] is the node of height h covering leaves [j<<h, (j+1)<<h),
	// with leaves not yet inserted taken as zero. nodes[0] are the leaves.
	nodes [TreeDepth][]common.Hash
	root  common.Hash
	index map[common.Hash]uint32
}

// NewTree returns an empty tree for the given source domain.
func NewTree(domain uint64) *Tree {
	return &Tree{
		domain: domain,
		root:   zeroHashes[TreeDepth],
		index:  make(map[common.Hash]uint32),
	}
}

// NewTreeFromLeaves rebuilds a tree by replaying a recorded leaf sequence.
func NewTreeFromLeaves(domain uint64, leaves []common.Hash) (*Tree, error) {
	t := NewTree(domain)
	if _, err := t.InsertBatch(leaves); err != nil {
		return nil, err
	}
	return t, nil
}

// Insert appends id and returns its leaf index. Inserting an id that is
// already present fails with ErrDuplicateLeaf and leaves the tree unchanged.
func (t *Tree) Insert(id common.Hash) (uint32, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.checkAppend([]common.Hash{id}); err != nil {
		return 0, err
	}
	return t.append(id), nil
}

// InsertBatch appends ids in order and returns the index of the first one.
// The batch is validated up front, so either every id is inserted or none is.
func (t *Tree) InsertBatch(ids []common.Hash) (uint32, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	first := t.count()
	if err := t.checkAppend(ids); err != nil {
		return 0, err
	}
	for _, id := range ids {
		t.append(id)
	}
	return first, nil
}

// CheckBatch reports the error InsertBatch would return for ids, without
// modifying the tree.
func (t *Tree) CheckBatch(ids []common.Hash) error {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.checkAppend(ids)
}

func (t *Tree) checkAppend(ids []common.Hash) error {
	if uint64(t.count())+uint64(len(ids)) > MaxLeaves {
		return fmt.Errorf("%w: %d leaves, appending %d", ErrTreeFull, t.count(), len(ids))
	}
	seen := make(map[common.Hash]struct{}, len(ids))
	for _, id := range ids {
		if i, ok := t.index[id]; ok {
			return fmt.Errorf("%w: %s at index %d", ErrDuplicateLeaf, id, i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s repeated in batch", ErrDuplicateLeaf, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// append must be called with the write lock held.
func (t *Tree) append(id common.Hash) uint32 {
	i := t.count()
	t.nodes[0] = append(t.nodes[0], id)
	t.index[id] = i

	pos := uint64(i)
	node := id
	for h := 1; h < TreeDepth; h++ {
		var left, right common.Hash
		if pos&1 == 1 {
			left, right = t.nodes[h-1][pos-1], node
		} else {
			left, right = node, zeroHashes[h-1]
		}
		node = hashPair(left, right)
		pos >>= 1
		if pos == uint64(len(t.nodes[h])) {
			t.nodes[h] = append(t.nodes[h], node)
		} else {
			t.nodes[h][pos] = node
		}
	}
	if pos&1 == 1 {
		t.root = hashPair(t.nodes[TreeDepth-1][0], node)
	} else {
		t.root = hashPair(node, zeroHashes[TreeDepth-1])
	}
	return i
}

func (t *Tree) count() uint32 {
	return uint32(len(t.nodes[0]))
}

// Count returns the number of leaves.
func (t *Tree) Count() uint32 {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.count()
}

// Domain returns the source domain the tree belongs to.
func (t *Tree) Domain() uint64 {
	return t.domain
}

// Root returns the current root.
func (t *Tree) Root() common.Hash {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.root
}

// Checkpoint snapshots the current root and leaf count.
func (t *Tree) Checkpoint() Checkpoint {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return Checkpoint{
		Domain:    t.domain,
		Root:      t.root,
		LeafCount: t.count(),
	}
}

// CheckpointAt returns the checkpoint the tree had after count inserts.
func (t *Tree) CheckpointAt(count uint32) (Checkpoint, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if count > t.count() {
		return Checkpoint{}, fmt.Errorf("%w: %d exceeds %d leaves", ErrInvalidCount, count, t.count())
	}
	return Checkpoint{
		Domain:    t.domain,
		Root:      t.rootAt(uint64(count)),
		LeafCount: count,
	}, nil
}

// Index returns the leaf index of id.
func (t *Tree) Index(id common.Hash) (uint32, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	i, ok := t.index[id]
	return i, ok
}

// Leaf returns the leaf at index.
func (t *Tree) Leaf(index uint32) (common.Hash, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if index >= t.count() {
		return common.Hash{}, fmt.Errorf("%w: index %d, %d leaves", ErrLeafNotFound, index, t.count())
	}
	return t.nodes[0][index], nil
}

// Leaves returns a copy of the ordered leaf sequence.
func (t *Tree) Leaves() []common.Hash {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return append([]common.Hash(nil), t.nodes[0]...)
}

// Prove returns the inclusion proof of leaf index against the current root.
func (t *Tree) Prove(index uint32) (Proof, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.proveAt(index, t.count())
}

// ProveAt returns the inclusion proof of leaf index against the root the tree
// had after count inserts. Such proofs never change as leaves are appended.
func (t *Tree) ProveAt(index uint32, count uint32) (Proof, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if count > t.count() {
		return Proof{}, fmt.Errorf("%w: %d exceeds %d leaves", ErrInvalidCount, count, t.count())
	}
	return t.proveAt(index, count)
}

func (t *Tree) proveAt(index uint32, count uint32) (Proof, error) {
	if index >= count {
		return Proof{}, fmt.Errorf("%w: index %d, %d leaves", ErrLeafNotFound, index, count)
	}
	proof := Proof{
		Leaf:  t.nodes[0][index],
		Index: index,
		Checkpoint: Checkpoint{
			Domain:    t.domain,
			Root:      t.rootAt(uint64(count)),
			LeafCount: count,
		},
	}
	pos := uint64(index)
	for h := 0; h < TreeDepth; h++ {
		proof.Path[h] = t.nodeAt(h, pos^1, uint64(count))
		pos >>= 1
	}
	return proof, nil
}

// nodeAt returns node (h, j) as it was when the tree held count leaves.
// Complete subtrees are final once written, so only the single partial node
// on each level is recomputed.
func (t *Tree) nodeAt(h int, j uint64, count uint64) common.Hash {
	first := j << h
	if first >= count {
		return zeroHashes[h]
	}
	if (j+1)<<h <= count {
		return t.nodes[h][j]
	}
	return hashPair(t.nodeAt(h-1, 2*j, count), t.nodeAt(h-1, 2*j+1, count))
}

func (t *Tree) rootAt(count uint64) common.Hash {
	if count == uint64(t.count()) {
		return t.root
	}
	return hashPair(t.nodeAt(TreeDepth-1, 0, count), t.nodeAt(TreeDepth-1, 1, count))
}
