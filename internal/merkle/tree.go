package merkle

import (
	"fmt"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
)

// Tree is an in-memory Merkle tree that keeps every completed node.
//
// Append returns a new version and leaves the receiver untouched, so older
// versions stay valid for concurrent readers. Versions share node storage:
// history must stay linear, with Append called on the newest version only.
type Tree struct {
	frontier *Frontier
	levels   [][]canonical.Digest
}

// NewTree returns an empty tree.
func NewTree() *Tree { return &Tree{frontier: &Frontier{}} }

// Append adds a leaf and returns the next version of the tree and its root.
func (t *Tree) Append(leaf canonical.Digest) (*Tree, canonical.Digest) {
	next := &Tree{frontier: t.frontier.Clone()}
	root, completed := next.frontier.Append(leaf)

	next.levels = make([][]canonical.Digest, len(t.levels), len(t.levels)+1)
	copy(next.levels, t.levels)
	for _, n := range completed {
		if n.Level == len(next.levels) {
			next.levels = append(next.levels, nil)
		}
		next.levels[n.Level] = append(next.levels[n.Level], n.Hash)
	}
	return next, root
}

// Node implements NodeSource.
func (t *Tree) Node(level int, index uint64) (canonical.Digest, error) {
	if level < 0 || level >= len(t.levels) || index >= uint64(len(t.levels[level])) {
		return canonical.Digest{}, fmt.Errorf("%w: level %d index %d", ErrNodeNotFound, level, index)
	}
	return t.levels[level][index], nil
}

// Len returns the number of leaves.
func (t *Tree) Len() uint64 { return t.frontier.LeafCount }

// Root returns the current root.
func (t *Tree) Root() canonical.Digest { return t.frontier.Root() }

// Frontier returns a copy of the compact state.
func (t *Tree) Frontier() *Frontier { return t.frontier.Clone() }

// Proof returns the inclusion proof of leafIndex against the current root.
func (t *Tree) Proof(leafIndex uint64) (*Proof, error) {
	return BuildProof(t, leafIndex, t.frontier.LeafCount)
}
