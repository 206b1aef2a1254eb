package merkle

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
)

var (
	// ErrNodeNotFound is returned by a NodeSource that has no node at the
	// requested position.
	ErrNodeNotFound = errors.New("merkle node not found")

	// ErrLeafOutOfRange is returned when a proof is requested for a leaf
	// index at or beyond the tree size.
	ErrLeafOutOfRange = errors.New("leaf index out of range")
)

// NodeSource looks up completed nodes by position.
type NodeSource interface {
	Node(level int, index uint64) (canonical.Digest, error)
}

// Side records on which side of the running hash a proof sibling sits.
type Side string

const (
	Left  Side = "L"
	Right Side = "R"
)

// Step is one sibling on the path from a leaf to the root.
type Step struct {
	Side Side             `json:"side"`
	Hash canonical.Digest `json:"hash"`
}

// Proof is an inclusion proof for one leaf in a tree of TreeSize leaves.
type Proof struct {
	LeafIndex uint64           `json:"leaf_index"`
	TreeSize  uint64           `json:"tree_size"`
	LeafHash  canonical.Digest `json:"leaf_hash"`
	Root      canonical.Digest `json:"root"`
	Path      []Step           `json:"path"`
}

// Verify reports whether p proves LeafHash under Root.
func (p *Proof) Verify() bool {
	if p == nil || p.LeafIndex >= p.TreeSize {
		return false
	}
	if len(p.Path) != bits.Len64(p.TreeSize-1) {
		return false
	}
	return p.Recompute() == p.Root
}

// Recompute folds the path over LeafHash and returns the resulting root.
func (p *Proof) Recompute() canonical.Digest {
	current := p.LeafHash
	for _, step := range p.Path {
		if step.Side == Left {
			current = HashChildren(step.Hash, current)
		} else {
			current = HashChildren(current, step.Hash)
		}
	}
	return current
}

// partials returns, for each level k, the value of the rightmost node at k
// when that node covers fewer than 2^k leaves of a size-n tree. ok[k] is
// false where no such partial node exists.
func partials(src NodeSource, n uint64) ([]canonical.Digest, []bool, error) {
	height := bits.Len64(n - 1)
	vals := make([]canonical.Digest, height+1)
	ok := make([]bool, height+1)

	var carry canonical.Digest
	var hasCarry bool
	for k := 0; k < height; k++ {
		vals[k], ok[k] = carry, hasCarry
		set := n>>k&1 == 1
		var left canonical.Digest
		if set {
			var err error
			if left, err = src.Node(k, (n>>k)-1); err != nil {
				return nil, nil, fmt.Errorf("level %d: %w", k, err)
			}
		}
		switch {
		case set && hasCarry:
			carry = HashChildren(left, carry)
		case set:
			carry = HashChildren(left, Empty)
			hasCarry = true
		case hasCarry:
			carry = HashChildren(carry, Empty)
		}
	}
	vals[height], ok[height] = carry, hasCarry
	return vals, ok, nil
}

// RootAt computes the root of the first n leaves from stored nodes.
func RootAt(src NodeSource, n uint64) (canonical.Digest, error) {
	if n == 0 {
		return Empty, nil
	}
	height := bits.Len64(n - 1)
	vals, ok, err := partials(src, n)
	if err != nil {
		return canonical.Digest{}, err
	}
	if ok[height] {
		return vals[height], nil
	}
	return src.Node(height, 0)
}

// BuildProof assembles the inclusion proof of leafIndex in a tree of size n.
func BuildProof(src NodeSource, leafIndex, n uint64) (*Proof, error) {
	if leafIndex >= n {
		return nil, fmt.Errorf("%w: %d >= %d", ErrLeafOutOfRange, leafIndex, n)
	}
	leaf, err := src.Node(0, leafIndex)
	if err != nil {
		return nil, fmt.Errorf("leaf %d: %w", leafIndex, err)
	}
	vals, ok, err := partials(src, n)
	if err != nil {
		return nil, err
	}

	height := bits.Len64(n - 1)
	path := make([]Step, 0, height)
	for k := 0; k < height; k++ {
		pos := leafIndex >> k
		sib := pos ^ 1
		complete := n >> k

		var hash canonical.Digest
		switch {
		case sib < complete:
			if hash, err = src.Node(k, sib); err != nil {
				return nil, fmt.Errorf("sibling at level %d: %w", k, err)
			}
		case sib == complete && ok[k]:
			hash = vals[k]
		default:
			hash = Empty
		}

		side := Right
		if pos&1 == 1 {
			side = Left
		}
		path = append(path, Step{Side: side, Hash: hash})
	}

	root, err := RootAt(src, n)
	if err != nil {
		return nil, err
	}
	return &Proof{LeafIndex: leafIndex, TreeSize: n, LeafHash: leaf, Root: root, Path: path}, nil
}
