package kvserver

import "bytes"

// ZNode is one member of a sorted set: an immutable name with a mutable
// score, linked into both the order-statistic tree and the name index.
type ZNode struct {
	name  []byte
	score float64

	// tree links
	left   *ZNode
	right  *ZNode
	parent *ZNode
	height uint32
	count  uint32
}

func newZNode(name []byte, score float64) *ZNode {
	n := &ZNode{
		name:  make([]byte, len(name)),
		score: score,
	}
	copy(n.name, name)
	n.resetTreeLinks()
	return n
}

func (n *ZNode) resetTreeLinks() {
	n.left, n.right, n.parent = nil, nil, nil
	n.height = 1
	n.count = 1
}

// Name returns the member name bytes.
func (n *ZNode) Name() []byte { return n.name }

// Score returns the member score.
func (n *ZNode) Score() float64 { return n.score }

// ZSet keeps one membership set under two indexes: the tree ordered by
// (score, len, name) for range queries, and a hash map keyed by name for
// O(1) member access. Every member is in both or in neither.
type ZSet struct {
	tree *ZNode
	hmap hmap[*ZNode]
}

// NewZSet ...
func NewZSet() *ZSet {
	return &ZSet{}
}

// Len returns the number of members.
func (z *ZSet) Len() int {
	return z.hmap.size()
}

// Add inserts a (name, score) member, or updates the score of an existing
// member. Returns true when the member is newly added. A score update
// removes the node from the tree and reinserts it under its new key; the
// node itself is reused, so the name index stays valid.
func (z *ZSet) Add(name []byte, score float64) bool {
	node := z.Lookup(name)
	if node != nil {
		z.tree = avlDelete(z.tree, node)
		node.resetTreeLinks()
		node.score = score
		z.tree = avlInsert(z.tree, node)
		z.tree.parent = nil
		return false
	}

	node = newZNode(name, score)
	z.hmap.insert(strHash(name), node)
	z.tree = avlInsert(z.tree, node)
	z.tree.parent = nil
	return true
}

// Lookup finds a member by name, or nil.
func (z *ZSet) Lookup(name []byte) *ZNode {
	if z.tree == nil {
		return nil
	}
	node, ok := z.hmap.lookup(strHash(name), func(n *ZNode) bool {
		return bytes.Equal(n.name, name)
	})
	if !ok {
		return nil
	}
	return node
}

// Pop removes a member by name and returns the detached node, so callers
// can still read its score after removal.
func (z *ZSet) Pop(name []byte) *ZNode {
	if z.tree == nil {
		return nil
	}
	node, ok := z.hmap.pop(strHash(name), func(n *ZNode) bool {
		return bytes.Equal(n.name, name)
	})
	if !ok {
		return nil
	}
	z.tree = avlDelete(z.tree, node)
	if z.tree != nil {
		z.tree.parent = nil
	}
	return node
}

// Query returns the smallest member with key >= (score, name), or nil.
func (z *ZSet) Query(score float64, name []byte) *ZNode {
	var found *ZNode
	target := &ZNode{name: name, score: score}

	for node := z.tree; node != nil; {
		if zless(node, target) {
			node = node.right
		} else {
			// candidate, a smaller one may still exist on the left
			found = node
			node = node.left
		}
	}
	return found
}

// Offset navigates from a member to the one at a signed in-order rank
// distance, or nil when the rank is out of range.
func (z *ZSet) Offset(node *ZNode, offset int64) *ZNode {
	if node == nil {
		return nil
	}
	return avlOffset(node, offset)
}
