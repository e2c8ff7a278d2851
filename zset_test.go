package kvserver

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkTree recursively verifies the AVL invariants: strict (score, len,
// name) ordering, stored height and count, balance, and parent links.
// Returns the subtree size.
func checkTree(t *testing.T, node, parent *ZNode) uint32 {
	t.Helper()
	if node == nil {
		return 0
	}

	require.Same(t, parent, node.parent, "broken parent link at %q", node.name)

	if node.left != nil {
		require.True(t, zless(node.left, node), "order violation at %q", node.name)
	}
	if node.right != nil {
		require.True(t, zless(node, node.right), "order violation at %q", node.name)
	}

	lc := checkTree(t, node.left, node)
	rc := checkTree(t, node.right, node)
	require.Equal(t, 1+lc+rc, node.count, "stale count at %q", node.name)

	lh, rh := getHeight(node.left), getHeight(node.right)
	require.Equal(t, 1+maxU32(lh, rh), node.height, "stale height at %q", node.name)

	balance := int(lh) - int(rh)
	require.True(t, balance >= -1 && balance <= 1, "unbalanced at %q: %d", node.name, balance)

	return 1 + lc + rc
}

func checkZSet(t *testing.T, z *ZSet) {
	t.Helper()
	n := checkTree(t, z.tree, nil)
	require.Equal(t, int(n), z.hmap.size(), "tree and hash index diverged")

	// every tree member must resolve through the name index to itself
	var walk func(node *ZNode)
	walk = func(node *ZNode) {
		if node == nil {
			return
		}
		require.Same(t, node, z.Lookup(node.name))
		walk(node.left)
		walk(node.right)
	}
	walk(z.tree)
}

func TestZSetAddLookup(t *testing.T) {
	z := NewZSet()

	require.True(t, z.Add([]byte("a"), 1.0))
	require.True(t, z.Add([]byte("b"), 2.0))
	require.False(t, z.Add([]byte("a"), 1.0), "re-adding must report update")

	node := z.Lookup([]byte("a"))
	require.NotNil(t, node)
	assert.Equal(t, 1.0, node.Score())

	assert.Nil(t, z.Lookup([]byte("c")))
	assert.Equal(t, 2, z.Len())
	checkZSet(t, z)
}

func TestZSetScoreUpdate(t *testing.T) {
	z := NewZSet()
	z.Add([]byte("m"), 1.0)
	old := z.Lookup([]byte("m"))

	require.False(t, z.Add([]byte("m"), 9.5))
	node := z.Lookup([]byte("m"))
	require.Same(t, old, node, "score update must reuse the node")
	assert.Equal(t, 9.5, node.Score())
	assert.Equal(t, 1, z.Len())
	checkZSet(t, z)
}

func TestZSetPop(t *testing.T) {
	z := NewZSet()
	z.Add([]byte("a"), 1.0)
	z.Add([]byte("b"), 2.0)

	node := z.Pop([]byte("a"))
	require.NotNil(t, node)
	assert.Equal(t, 1.0, node.Score(), "popped node keeps its score")
	assert.Nil(t, z.Lookup([]byte("a")))
	assert.Equal(t, 1, z.Len())

	assert.Nil(t, z.Pop([]byte("a")))
	checkZSet(t, z)
}

func TestZSetRandomOps(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	z := NewZSet()
	ref := make(map[string]float64)

	for i := 0; i < 5000; i++ {
		name := fmt.Sprintf("m-%d", rnd.Intn(800))
		switch rnd.Intn(3) {
		case 0, 1:
			score := float64(rnd.Intn(100))
			added := z.Add([]byte(name), score)
			_, existed := ref[name]
			require.Equal(t, !existed, added)
			ref[name] = score
		case 2:
			node := z.Pop([]byte(name))
			_, existed := ref[name]
			require.Equal(t, existed, node != nil)
			delete(ref, name)
		}
	}

	checkZSet(t, z)
	require.Equal(t, len(ref), z.Len())
	for name, score := range ref {
		node := z.Lookup([]byte(name))
		require.NotNil(t, node)
		require.Equal(t, score, node.Score())
	}
}

func TestZSetQueryLowerBound(t *testing.T) {
	z := NewZSet()
	z.Add([]byte("a"), 1.0)
	z.Add([]byte("b"), 2.0)
	z.Add([]byte("c"), 2.0)
	z.Add([]byte("d"), 3.0)

	// smallest member >= (score, name) under (score, len, name) order
	node := z.Query(2.0, []byte(""))
	require.NotNil(t, node)
	assert.Equal(t, []byte("b"), node.Name())

	node = z.Query(2.0, []byte("b"))
	require.NotNil(t, node)
	assert.Equal(t, []byte("b"), node.Name())

	node = z.Query(2.0, []byte("bb"))
	require.NotNil(t, node)
	assert.Equal(t, []byte("d"), node.Name(), "longer name sorts after shorter on equal score")

	node = z.Query(4.0, []byte(""))
	assert.Nil(t, node)

	node = z.Query(0.0, []byte(""))
	require.NotNil(t, node)
	assert.Equal(t, []byte("a"), node.Name())
}

func TestZSetOffset(t *testing.T) {
	z := NewZSet()
	names := []string{"a", "b", "c", "d", "e", "f", "g"}
	for i, name := range names {
		z.Add([]byte(name), float64(i))
	}

	first := z.Query(0, []byte(""))
	require.NotNil(t, first)

	// walking by rank matches the sorted order
	for i := range names {
		node := z.Offset(first, int64(i))
		require.NotNil(t, node, "offset %d", i)
		assert.Equal(t, []byte(names[i]), node.Name())
	}

	assert.Nil(t, z.Offset(first, int64(len(names))))
	assert.Nil(t, z.Offset(first, -1))

	// offset(m, k) then offset(result, -k) returns m; offset(m, 0) == m
	mid := z.Offset(first, 3)
	require.NotNil(t, mid)
	require.Same(t, mid, z.Offset(mid, 0))
	for k := int64(-3); k <= 3; k++ {
		there := z.Offset(mid, k)
		require.NotNil(t, there, "offset %d", k)
		require.Same(t, mid, z.Offset(there, -k))
	}
}

func TestZSetOffsetRandom(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	z := NewZSet()

	n := 300
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("m-%03d", i)
		z.Add([]byte(name), float64(rnd.Intn(20)))
		names = append(names, name)
	}

	// sort by (score, len, name) to mirror the tree order
	sort.Slice(names, func(i, j int) bool {
		a, b := z.Lookup([]byte(names[i])), z.Lookup([]byte(names[j]))
		return zless(a, b)
	})

	for trial := 0; trial < 200; trial++ {
		i := rnd.Intn(n)
		k := rnd.Intn(n) - i
		node := z.Offset(z.Lookup([]byte(names[i])), int64(k))
		require.NotNil(t, node)
		require.Equal(t, []byte(names[i+k]), node.Name())
	}
}
