package kvserver

// strHash is the FNV-style string hash used for every key and member name.
// The 32-bit arithmetic is intentional, widened only on return.
func strHash(data []byte) uint64 {
	h := uint32(0x811C9DC5)
	for _, b := range data {
		h = (h + uint32(b)) * 0x01000193
	}
	return uint64(h)
}

// hnode is a single collision-chain link. Nodes are owned by the table and
// carry the payload plus its cached hash, so chain walks compare hashes
// before invoking the equality predicate.
type hnode[T any] struct {
	val   T
	hcode uint64
	next  *hnode[T]
}

// htab is one fixed-capacity table. The capacity is always a power of two,
// so mask == capacity-1 selects a slot from a hash.
type htab[T any] struct {
	tab  []*hnode[T]
	mask uint64
	size int
}

func (t *htab[T]) init(n int) {
	if n <= 0 || n&(n-1) != 0 {
		panic("htab capacity must be a positive power of two")
	}
	t.tab = make([]*hnode[T], n)
	t.mask = uint64(n - 1)
	t.size = 0
}

func (t *htab[T]) insert(node *hnode[T]) {
	pos := node.hcode & t.mask
	node.next = t.tab[pos]
	t.tab[pos] = node
	t.size++
}

// lookup returns the address of the pointer holding the matching node, so a
// found node can be detached without re-walking the chain.
func (t *htab[T]) lookup(hcode uint64, eq func(T) bool) **hnode[T] {
	if t.tab == nil {
		return nil
	}
	pos := hcode & t.mask
	from := &t.tab[pos]
	for *from != nil {
		if (*from).hcode == hcode && eq((*from).val) {
			return from
		}
		from = &(*from).next
	}
	return nil
}

func (t *htab[T]) detach(from **hnode[T]) *hnode[T] {
	node := *from
	*from = node.next
	t.size--
	return node
}

const (
	// a chain walk is a sequential scan with cached hash comparison, so the
	// table tolerates a deep load factor before growing
	maxLoadFactor = 8

	// bounded number of nodes migrated per operation during a rehash
	resizingWork = 128
)

// hmap is the progressive-resizing hash map. During a rehash the previous
// table lives in ht2 and is drained into ht1 a bounded number of nodes at a
// time, so no single operation pays for the whole migration.
type hmap[T any] struct {
	ht1         htab[T]
	ht2         htab[T]
	resizingPos uint64
}

func (m *hmap[T]) insert(hcode uint64, val T) {
	if m.ht1.tab == nil {
		m.ht1.init(4)
	}
	m.helpResizing()
	m.ht1.insert(&hnode[T]{val: val, hcode: hcode})

	if m.ht2.tab == nil {
		loadFactor := m.ht1.size / int(m.ht1.mask+1)
		if loadFactor >= maxLoadFactor {
			m.startResizing()
		}
	}
}

func (m *hmap[T]) startResizing() {
	m.ht2 = m.ht1
	m.ht1 = htab[T]{}
	m.ht1.init(int(m.ht2.mask+1) * 2)
	m.resizingPos = 0
}

// helpResizing migrates up to resizingWork nodes from ht2 into ht1. Called
// at the start of every map operation.
func (m *hmap[T]) helpResizing() {
	nwork := 0
	for nwork < resizingWork && m.ht2.size > 0 {
		from := &m.ht2.tab[m.resizingPos]
		if *from == nil {
			m.resizingPos++
			continue
		}
		m.ht1.insert(m.ht2.detach(from))
		nwork++
	}
	if m.ht2.size == 0 && m.ht2.tab != nil {
		m.ht2 = htab[T]{}
	}
}

func (m *hmap[T]) lookup(hcode uint64, eq func(T) bool) (T, bool) {
	m.helpResizing()
	from := m.ht1.lookup(hcode, eq)
	if from == nil {
		from = m.ht2.lookup(hcode, eq)
	}
	if from == nil {
		var zero T
		return zero, false
	}
	return (*from).val, true
}

func (m *hmap[T]) pop(hcode uint64, eq func(T) bool) (T, bool) {
	m.helpResizing()
	if from := m.ht1.lookup(hcode, eq); from != nil {
		return m.ht1.detach(from).val, true
	}
	if from := m.ht2.lookup(hcode, eq); from != nil {
		return m.ht2.detach(from).val, true
	}
	var zero T
	return zero, false
}

func (m *hmap[T]) size() int {
	return m.ht1.size + m.ht2.size
}

// scan visits every node in both tables, in no particular order.
func (m *hmap[T]) scan(f func(T)) {
	for _, t := range []*htab[T]{&m.ht1, &m.ht2} {
		if t.size == 0 {
			continue
		}
		for i := uint64(0); i <= t.mask; i++ {
			for node := t.tab[i]; node != nil; node = node.next {
				f(node.val)
			}
		}
	}
}
