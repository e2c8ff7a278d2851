package kvserver

import (
	"bytes"
	"time"

	"github.com/tilinna/clock"
)

const (
	typeStr  = uint32(0)
	typeZSet = uint32(1)
)

// Entry is one top-level record: a key bound to either a byte string or a
// sorted set, with an optional slot in the TTL heap.
type Entry struct {
	key   []byte
	hcode uint64
	kind  uint32
	value []byte
	zset  *ZSet

	// index into the DB's TTL heap, -1 when the entry has no deadline
	heapIdx int
}

func newEntry(key []byte, kind uint32) *Entry {
	ent := &Entry{
		key:     make([]byte, len(key)),
		hcode:   strHash(key),
		kind:    kind,
		heapIdx: -1,
	}
	copy(ent.key, key)
	return ent
}

// DB is the process-wide database: the global key index plus the TTL
// deadline heap. All mutations happen on the event-loop thread, so no
// locking is involved.
type DB struct {
	entries hmap[*Entry]
	heap    []heapItem

	clk   clock.Clock
	epoch time.Time
}

// NewDB ...
func NewDB(clk clock.Clock) *DB {
	if clk == nil {
		clk = clock.Realtime()
	}
	return &DB{clk: clk, epoch: clk.Now()}
}

// monoUsec returns the monotonic clock reading in microseconds. Durations
// since the DB's epoch are monotonic even when the wall clock steps.
func (db *DB) monoUsec() uint64 {
	return uint64(db.clk.Now().Sub(db.epoch).Microseconds())
}

// Len returns the number of live entries.
func (db *DB) Len() int {
	return db.entries.size()
}

func (db *DB) lookup(key []byte) *Entry {
	ent, ok := db.entries.lookup(strHash(key), func(e *Entry) bool {
		return bytes.Equal(e.key, key)
	})
	if !ok {
		return nil
	}
	return ent
}

func (db *DB) insert(ent *Entry) {
	db.entries.insert(ent.hcode, ent)
}

func (db *DB) pop(key []byte) *Entry {
	ent, ok := db.entries.pop(strHash(key), func(e *Entry) bool {
		return bytes.Equal(e.key, key)
	})
	if !ok {
		return nil
	}
	return ent
}

// scan visits every live entry.
func (db *DB) scan(f func(*Entry)) {
	db.entries.scan(f)
}

// setTTL installs, updates, or removes (ttlMS < 0) an entry's expiration
// deadline, keeping the heap ordered and the entry's back-reference
// current.
func (db *DB) setTTL(ent *Entry, ttlMS int64) {
	if ttlMS < 0 && ent.heapIdx != -1 {
		// erase the item from the heap
		pos := ent.heapIdx
		last := len(db.heap) - 1
		db.heap[pos] = db.heap[last]
		db.heap = db.heap[:last]
		if pos < len(db.heap) {
			db.heap[pos].ref.heapIdx = pos
			heapUpdate(db.heap, pos)
		}
		ent.heapIdx = -1
	} else if ttlMS >= 0 {
		pos := ent.heapIdx
		if pos == -1 {
			db.heap = append(db.heap, heapItem{ref: ent})
			pos = len(db.heap) - 1
			ent.heapIdx = pos
		}
		db.heap[pos].val = db.monoUsec() + uint64(ttlMS)*1000
		heapUpdate(db.heap, pos)
	}
}

// ttl reports the remaining lifetime in milliseconds: -1 when the entry
// carries no deadline, 0 when the deadline has passed but the sweep has
// not collected it yet.
func (db *DB) ttl(ent *Entry) int64 {
	if ent.heapIdx == -1 {
		return -1
	}
	expireAt := db.heap[ent.heapIdx].val
	now := db.monoUsec()
	if expireAt <= now {
		return 0
	}
	return int64(expireAt-now) / 1000
}

// entryDel finalizes a detached entry: its heap item is removed and, for a
// sorted set, the member indexes are dropped with it.
func (db *DB) entryDel(ent *Entry) {
	db.setTTL(ent, -1)
	ent.zset = nil
	ent.value = nil
}

// nextExpiryUsec returns the earliest TTL deadline, if any.
func (db *DB) nextExpiryUsec() (uint64, bool) {
	if len(db.heap) == 0 {
		return 0, false
	}
	return db.heap[0].val, true
}

// expireEntries removes entries whose deadline has passed, at most limit
// per call so an expiration storm cannot starve I/O. Returns the number
// of removed entries.
func (db *DB) expireEntries(limit int) int {
	now := db.monoUsec()
	nworks := 0
	for len(db.heap) > 0 && db.heap[0].val < now {
		ent := db.heap[0].ref
		popped := db.pop(ent.key)
		if popped != ent {
			panic("ttl heap references an entry missing from the database")
		}
		db.entryDel(ent)
		keysExpiredCounter.Inc(1)
		nworks++
		if nworks >= limit {
			// don't stall the server if too many keys are expiring at once
			break
		}
	}
	return nworks
}
