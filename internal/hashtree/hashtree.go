// Package hashtree builds and incrementally verifies Merkle trees over leaf hashes.
//
// Trees are complete binary trees stored root-first in a flat slice:
//
//	               0
//	          /        \
//	       1               2
//	    /    \          /    \
//	  3       4       5       6
//	 / \     / \     / \     / \
//	7   8   9   10  11  12  13  14
//
// Leaf lists whose length is not a power of two are padded with a per-index
// "empty leaf" hash.
package hashtree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
)

// Hash tree errors.
var (
	ErrBadHash         = errors.New("bad hash")
	ErrNotEnoughHashes = errors.New("not enough hashes")
	ErrIndexOutOfRange = errors.New("index out of range")
)

// RoundUpPow2 rounds x up to the nearest power of two (minimum 1).
func RoundUpPow2(x int) int {
	ans := 1
	for ans < x {
		ans *= 2
	}
	return ans
}

// EmptyLeafHash is the padding value for leaf position i.
func EmptyLeafHash(i int) []byte {
	h := hashutil.TaggedHash(hashutil.TagEmptyLeaf, []byte(fmt.Sprintf("%d", i)))
	return h[:]
}

// PairHash computes an internal node from its left and right children.
func PairHash(left, right []byte) []byte {
	h := hashutil.TaggedPairHash(hashutil.TagInternalNode, left, right)
	return h[:]
}

// tree holds the index arithmetic shared by both tree flavours.
type tree struct {
	nodes [][]byte
}

func (t *tree) size() int { return len(t.nodes) }

func (t *tree) parent(i int) (int, error) {
	if i < 1 || i >= t.size() {
		return 0, fmt.Errorf("%w: parent of %d", ErrIndexOutOfRange, i)
	}
	return (i - 1) / 2, nil
}

func (t *tree) lchild(i int) (int, error) {
	ans := 2*i + 1
	if i < 0 || ans >= t.size() {
		return 0, fmt.Errorf("%w: left child of %d", ErrIndexOutOfRange, i)
	}
	return ans, nil
}

func (t *tree) rchild(i int) (int, error) {
	ans := 2*i + 2
	if i < 0 || ans >= t.size() {
		return 0, fmt.Errorf("%w: right child of %d", ErrIndexOutOfRange, i)
	}
	return ans, nil
}

func (t *tree) sibling(i int) (int, error) {
	p, err := t.parent(i)
	if err != nil {
		return 0, err
	}
	if l, _ := t.lchild(p); l == i {
		return t.rchild(p)
	}
	return t.lchild(p)
}

// neededFor lists the sibling chain from node i up to (not including) the root.
func (t *tree) neededFor(i int) ([]int, error) {
	if i < 0 || i >= t.size() {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	var needed []int
	for here := i; here != 0; {
		s, err := t.sibling(here)
		if err != nil {
			return nil, err
		}
		needed = append(needed, s)
		here, _ = t.parent(here)
	}
	return needed, nil
}

type depthEntry struct {
	index, depth int
}

func (t *tree) depthFirst(i, depth int, out []depthEntry) []depthEntry {
	out = append(out, depthEntry{i, depth})
	if l, err := t.lchild(i); err == nil {
		out = t.depthFirst(l, depth+1, out)
	}
	if r, err := t.rchild(i); err == nil {
		out = t.depthFirst(r, depth+1, out)
	}
	return out
}

// Dump renders the tree one node per line, indented by depth.
func (t *tree) dump() string {
	var b strings.Builder
	for _, e := range t.depthFirst(0, 0, nil) {
		fmt.Fprintf(&b, "%s%3d: %s\n", strings.Repeat("  ", e.depth), e.index, hashutil.B2AOrNone(t.nodes[e.index]))
	}
	return b.String()
}

// HashTree is a fully computed Merkle tree.
type HashTree struct {
	tree
	firstLeafNum int
}

// New builds the tree over leaves. leaves must be non-empty.
func New(leaves [][]byte) *HashTree {
	end := RoundUpPow2(len(leaves))
	row := make([][]byte, end)
	copy(row, leaves)
	for i := len(leaves); i < end; i++ {
		row[i] = EmptyLeafHash(i)
	}

	rows := [][][]byte{row}
	for len(rows[len(rows)-1]) != 1 {
		last := rows[len(rows)-1]
		next := make([][]byte, len(last)/2)
		for i := range next {
			next[i] = PairHash(last[2*i], last[2*i+1])
		}
		rows = append(rows, next)
	}

	nodes := make([][]byte, 0, 2*end-1)
	for i := len(rows) - 1; i >= 0; i-- {
		nodes = append(nodes, rows[i]...)
	}
	return &HashTree{tree: tree{nodes: nodes}, firstLeafNum: end - 1}
}

// Root returns the root hash.
func (t *HashTree) Root() []byte { return t.nodes[0] }

// Len returns the number of nodes in the tree.
func (t *HashTree) Len() int { return t.size() }

// Get returns the hash at node index i.
func (t *HashTree) Get(i int) []byte { return t.nodes[i] }

// Nodes returns a copy of the flat root-first node list.
func (t *HashTree) Nodes() [][]byte {
	out := make([][]byte, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// NeededHashes returns the node indices needed to validate leaf leafnum against
// the root. The root itself is never included; the leaf is included on request.
func (t *HashTree) NeededHashes(leafnum int, includeLeaf bool) ([]int, error) {
	hashnum := t.firstLeafNum + leafnum
	needed, err := t.neededFor(hashnum)
	if err != nil {
		return nil, err
	}
	if includeLeaf {
		needed = append(needed, hashnum)
	}
	sort.Ints(needed)
	return needed, nil
}

// Dump renders the tree for debugging.
func (t *HashTree) Dump() string { return t.dump() }

// IncompleteHashTree is a tree of hashes that is filled in piecemeal from an
// untrusted source. Every value it retains is consistent with every other.
//
// The root normally comes first, from a trusted channel. Hash chains and leaves
// for individual blocks are then added with SetHashes, which either accepts all of
// the supplied hashes or none of them.
type IncompleteHashTree struct {
	tree
	firstLeafNum int
}

// NewIncomplete creates an empty tree with room for numLeaves leaves.
func NewIncomplete(numLeaves int) *IncompleteHashTree {
	end := RoundUpPow2(numLeaves)
	return &IncompleteHashTree{
		tree:         tree{nodes: make([][]byte, 2*end-1)},
		firstLeafNum: end - 1,
	}
}

// Len returns the number of nodes in the tree.
func (t *IncompleteHashTree) Len() int { return t.size() }

// Get returns the hash at node index i, or nil if it is not yet known.
func (t *IncompleteHashTree) Get(i int) []byte { return t.nodes[i] }

// FirstLeafNum is the node index of leaf 0.
func (t *IncompleteHashTree) FirstLeafNum() int { return t.firstLeafNum }

// NeededHashes returns the unknown node indices required to authenticate the
// given nodes and leaves up to the root. The root is always considered.
func (t *IncompleteHashTree) NeededHashes(hashes []int, leaves []int) ([]int, error) {
	hashnums := make(map[int]struct{}, len(hashes)+len(leaves))
	for _, h := range hashes {
		hashnums[h] = struct{}{}
	}
	for _, l := range leaves {
		hashnums[t.firstLeafNum+l] = struct{}{}
	}

	maybe := map[int]struct{}{0: {}}
	for h := range hashnums {
		chain, err := t.neededFor(h)
		if err != nil {
			return nil, err
		}
		for _, i := range chain {
			maybe[i] = struct{}{}
		}
	}

	var needed []int
	for i := range maybe {
		if t.nodes[i] == nil {
			needed = append(needed, i)
		}
	}
	sort.Ints(needed)
	return needed, nil
}

// SetHashes adds hashes (keyed by node index) and leaves (keyed by leaf index).
//
// A supplied hash that disagrees with a value already held, or that produces a
// parent disagreeing with one already held, yields ErrBadHash. Any error leaves
// the tree exactly as it was before the call.
//
// The boolean result reports whether every supplied hash could be chained to the
// root. With mustValidate set, an unchained hash is an ErrNotEnoughHashes error
// instead.
func (t *IncompleteHashTree) SetHashes(hashes map[int][]byte, leaves map[int][]byte, mustValidate bool) (bool, error) {
	newHashes := make(map[int][]byte, len(hashes)+len(leaves))
	for i, h := range hashes {
		if i < 0 || i >= t.size() {
			return false, fmt.Errorf("%w: hash %d", ErrIndexOutOfRange, i)
		}
		newHashes[i] = h
	}
	for leafnum, h := range leaves {
		hashnum := t.firstLeafNum + leafnum
		if leafnum < 0 || hashnum >= t.size() {
			return false, fmt.Errorf("%w: leaf %d", ErrIndexOutOfRange, leafnum)
		}
		if prev, ok := newHashes[hashnum]; ok && !bytes.Equal(prev, h) {
			return false, fmt.Errorf("%w: leaf %d conflicts with supplied hash [%d]", ErrBadHash, leafnum, hashnum)
		}
		newHashes[hashnum] = h
	}

	added := make(map[int]struct{})
	validated, err := t.setHashes(newHashes, added, mustValidate)
	if err != nil {
		for i := range added {
			t.nodes[i] = nil
		}
		return false, err
	}
	return validated, nil
}

func (t *IncompleteHashTree) setHashes(newHashes map[int][]byte, added map[int]struct{}, mustValidate bool) (bool, error) {
	// provisionally add everything, comparing duplicates
	for i, h := range newHashes {
		if t.nodes[i] != nil {
			if !bytes.Equal(t.nodes[i], h) {
				return false, fmt.Errorf("%w: new hash does not match existing hash at [%d]", ErrBadHash, i)
			}
			continue
		}
		t.nodes[i] = h
		added[i] = struct{}{}
	}

	// bottom-up: every node with a known sibling gets a known, checked parent
	toCheck := make([]int, 0, len(newHashes))
	for i := range newHashes {
		toCheck = append(toCheck, i)
	}
	for len(toCheck) > 0 {
		sort.Ints(toCheck)
		i := toCheck[len(toCheck)-1]
		toCheck = toCheck[:len(toCheck)-1]
		if i == 0 {
			// a freshly supplied root must agree with children already held
			if t.size() > 1 && t.nodes[1] != nil && t.nodes[2] != nil {
				if !bytes.Equal(t.nodes[0], PairHash(t.nodes[1], t.nodes[2])) {
					return false, fmt.Errorf("%w: h([1]+[2]) != h[0]", ErrBadHash)
				}
			}
			continue
		}
		sib, _ := t.sibling(i)
		if t.nodes[sib] == nil {
			continue
		}
		parent, _ := t.parent(i)
		left, right := i, sib
		if sib < i {
			left, right = sib, i
		}
		if parent == 0 && t.nodes[0] == nil {
			// the root is only ever supplied, never derived from untrusted children
			continue
		}
		computed := PairHash(t.nodes[left], t.nodes[right])
		if t.nodes[parent] != nil {
			if !bytes.Equal(t.nodes[parent], computed) {
				return false, fmt.Errorf("%w: h([%d]+[%d]) != h[%d]", ErrBadHash, left, right, parent)
			}
			continue
		}
		t.nodes[parent] = computed
		added[parent] = struct{}{}
		toCheck = append(toCheck, parent)
	}

	// top-down: a node is validated when its parent is validated and its
	// sibling is known, so the parent was computed from it
	reachable := make([]bool, t.size())
	reachable[0] = t.nodes[0] != nil
	for i := 1; i < t.size(); i++ {
		if t.nodes[i] == nil {
			continue
		}
		parent, _ := t.parent(i)
		sib, _ := t.sibling(i)
		if reachable[parent] && t.nodes[sib] != nil {
			reachable[i] = true
		}
	}

	var unvalidated []int
	for i := range newHashes {
		if !reachable[i] {
			unvalidated = append(unvalidated, i)
		}
	}
	if len(unvalidated) == 0 {
		return true, nil
	}
	if mustValidate {
		sort.Ints(unvalidated)
		those := make([]string, len(unvalidated))
		for j, i := range unvalidated {
			those[j] = fmt.Sprintf("%d", i)
		}
		return false, fmt.Errorf("%w: unable to validate hashes %s", ErrNotEnoughHashes, strings.Join(those, ","))
	}
	return false, nil
}

// Dump renders the tree for debugging; unknown nodes print as "None".
func (t *IncompleteHashTree) Dump() string { return t.dump() }
