// Package merkle maintains an append-only Merkle tree over ledger entry hashes.
//
// A Frontier keeps one digest per level and supports O(log N) append and root
// computation. Every node completed by an append is reported back to the
// caller so that a backend can keep the per-level history needed for genuine
// inclusion proofs (see BuildProof).
//
// Odd levels are padded with Empty as the right sibling, so the root of N
// leaves equals ComputeRoot over the same leaves.
package merkle

import (
	"crypto/sha256"
	"math/bits"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
)

// Empty is the root of a tree with no leaves and the padding sibling of a
// lone node at an odd-width level. It is SHA-256 of the empty string.
var Empty = canonical.Sum(nil)

// HashChildren returns SHA-256(left ∥ right).
func HashChildren(left, right canonical.Digest) canonical.Digest {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var d canonical.Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Node is a completed node of the tree. Index counts from the left within
// its level; level 0 holds the leaves.
type Node struct {
	Level int              `json:"level"`
	Index uint64           `json:"index"`
	Hash  canonical.Digest `json:"hash"`
}

// Frontier is the compact incremental state of the tree. Nodes[k] is the most
// recently completed node at level k; it is pending (awaiting a right
// sibling) exactly when bit k of LeafCount is set.
type Frontier struct {
	Nodes     []canonical.Digest `json:"frontier"`
	LeafCount uint64             `json:"leaf_count"`
}

// Clone returns a deep copy of f.
func (f *Frontier) Clone() *Frontier {
	c := &Frontier{LeafCount: f.LeafCount}
	c.Nodes = append([]canonical.Digest(nil), f.Nodes...)
	return c
}

// Append adds a leaf and returns the new root together with every node the
// append completed, leaf included.
func (f *Frontier) Append(leaf canonical.Digest) (canonical.Digest, []Node) {
	count := f.LeafCount
	current := leaf
	completed := make([]Node, 0, bits.Len64(count)+1)

	for level := 0; ; level++ {
		completed = append(completed, Node{Level: level, Index: count >> level, Hash: current})
		if level == len(f.Nodes) {
			f.Nodes = append(f.Nodes, current)
			break
		}
		if count>>level&1 == 0 {
			f.Nodes[level] = current
			break
		}
		current = HashChildren(f.Nodes[level], current)
	}

	f.LeafCount++
	return f.Root(), completed
}

// Root returns the current root in O(log N).
func (f *Frontier) Root() canonical.Digest {
	n := f.LeafCount
	if n == 0 {
		return Empty
	}
	height := bits.Len64(n - 1)

	var carry canonical.Digest
	var hasCarry bool
	for k := 0; k < height; k++ {
		set := n>>k&1 == 1
		switch {
		case set && hasCarry:
			carry = HashChildren(f.Nodes[k], carry)
		case set:
			carry = HashChildren(f.Nodes[k], Empty)
			hasCarry = true
		case hasCarry:
			carry = HashChildren(carry, Empty)
		}
	}
	if hasCarry {
		return carry
	}
	return f.Nodes[height]
}

// ComputeRoot rebuilds the root from scratch over all leaves, padding every
// odd-width level with Empty. It is O(N) and serves as the reference for Root.
func ComputeRoot(leaves []canonical.Digest) canonical.Digest {
	if len(leaves) == 0 {
		return Empty
	}
	level := append([]canonical.Digest(nil), leaves...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, Empty)
		}
		next := make([]canonical.Digest, len(level)/2)
		for i := range next {
			next[i] = HashChildren(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}
