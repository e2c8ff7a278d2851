package kvserver

// heapItem is one TTL deadline. ref points back at the owning entry, and
// every move of the item rewrites the entry's heapIdx, so an arbitrary
// entry can find and restate its deadline in O(lg n).
type heapItem struct {
	val uint64 // deadline, monotonic microseconds
	ref *Entry
}

func heapParent(i int) int { return (i+1)/2 - 1 }
func heapLeft(i int) int   { return i*2 + 1 }
func heapRight(i int) int  { return i*2 + 2 }

func heapUp(a []heapItem, pos int) {
	t := a[pos]
	for pos > 0 && a[heapParent(pos)].val > t.val {
		// swap with the parent
		a[pos] = a[heapParent(pos)]
		a[pos].ref.heapIdx = pos
		pos = heapParent(pos)
	}
	a[pos] = t
	a[pos].ref.heapIdx = pos
}

func heapDown(a []heapItem, pos int) {
	t := a[pos]
	for {
		// find the smallest one among the parent and their kids
		l, r := heapLeft(pos), heapRight(pos)
		minPos := pos
		minVal := t.val
		if l < len(a) && a[l].val < minVal {
			minPos = l
			minVal = a[l].val
		}
		if r < len(a) && a[r].val < minVal {
			minPos = r
		}
		if minPos == pos {
			break
		}
		a[pos] = a[minPos]
		a[pos].ref.heapIdx = pos
		pos = minPos
	}
	a[pos] = t
	a[pos].ref.heapIdx = pos
}

// heapUpdate restores the heap at pos after its deadline changed or after
// another item was swapped into it. One direction always suffices.
func heapUpdate(a []heapItem, pos int) {
	if pos > 0 && a[heapParent(pos)].val > a[pos].val {
		heapUp(a, pos)
	} else {
		heapDown(a, pos)
	}
}
