package attest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrLeafNotFound is returned when a proof is requested for a leaf that is
// not in the tree.
var ErrLeafNotFound = errors.New("merkle: leaf not found")

// Proof is the sibling path from a leaf to the root, leaf level first.
type Proof struct {
	BatchID   string   `json:"batch_id,omitempty"`
	LeafHash  string   `json:"leaf_hash"`
	LeafIndex int      `json:"leaf_index"`
	TreeSize  int      `json:"tree_size"`
	Siblings  []string `json:"siblings"`
	Root      string   `json:"merkle_root"`
}

// Tree is a binary Merkle tree over hex SHA-256 leaf hashes. Internal nodes
// use a sorted-pair hash, and an odd layer pairs its last node with itself.
type Tree struct {
	layers [][][]byte // layers[0] are the leaves, the last layer is the root
	index  map[string]int
}

// NewTree builds a tree. Leaves must be hex-encoded digests. Zero leaves is
// a programming error and panics.
func NewTree(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		panic("merkle: tree with zero leaves")
	}
	level := make([][]byte, len(leaves))
	index := make(map[string]int, len(leaves))
	for i, l := range leaves {
		b, err := hex.DecodeString(l)
		if err != nil {
			return nil, fmt.Errorf("merkle: leaf %d: %w", i, err)
		}
		level[i] = b
		if _, seen := index[l]; !seen {
			index[l] = i
		}
	}
	t := &Tree{layers: [][][]byte{level}, index: index}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(level[i], right))
		}
		t.layers = append(t.layers, next)
		level = next
	}
	return t, nil
}

// Root returns the hex root hash.
func (t *Tree) Root() string {
	return hex.EncodeToString(t.layers[len(t.layers)-1][0])
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	return len(t.layers[0])
}

// Proof returns the inclusion proof for leafHash.
func (t *Tree) Proof(leafHash string) (*Proof, error) {
	idx, ok := t.index[leafHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, leafHash)
	}
	p := &Proof{
		LeafHash:  leafHash,
		LeafIndex: idx,
		TreeSize:  t.Size(),
		Root:      t.Root(),
	}
	for _, level := range t.layers[:len(t.layers)-1] {
		sib := idx ^ 1
		if sib >= len(level) {
			sib = idx // duplicated last node
		}
		p.Siblings = append(p.Siblings, hex.EncodeToString(level[sib]))
		idx /= 2
	}
	return p, nil
}

// VerifyProof recomputes the root from p and reports whether it equals root.
// The index bits choose the pairing order at each level.
func VerifyProof(p Proof, root string) bool {
	if p.TreeSize < 1 || p.LeafIndex < 0 || p.LeafIndex >= p.TreeSize || len(p.Siblings) != depth(p.TreeSize) {
		return false
	}
	cur, err := hex.DecodeString(p.LeafHash)
	if err != nil {
		return false
	}
	idx := p.LeafIndex
	for _, s := range p.Siblings {
		sib, err := hex.DecodeString(s)
		if err != nil {
			return false
		}
		if idx%2 == 0 {
			cur = hashPair(cur, sib)
		} else {
			cur = hashPair(sib, cur)
		}
		idx /= 2
	}
	return hex.EncodeToString(cur) == root
}

// hashPair is sha256(min(a,b) || max(a,b)).
func hashPair(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	h := sha256.New()
	h.Write(a)
	h.Write(b)
	return h.Sum(nil)
}

func depth(size int) int {
	d := 0
	for size > 1 {
		size = (size + 1) / 2
		d++
	}
	return d
}
