package kvserver

import (
	"math"
	"strconv"
	"strings"
)

func cmdIs(word []byte, cmd string) bool {
	return strings.EqualFold(string(word), cmd)
}

func str2dbl(s []byte) (float64, bool) {
	out, err := strconv.ParseFloat(string(s), 64)
	if err != nil || math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, false
	}
	return out, true
}

func str2int(s []byte) (int64, bool) {
	out, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return out, true
}

// dispatch maps one parsed command to an engine operation and serializes
// its reply. Unknown names or wrong arity produce ERR UNKNOWN.
func dispatch(db *DB, cmd [][]byte, out *response) {
	switch {
	case len(cmd) == 1 && cmdIs(cmd[0], "keys"):
		doKeys(db, out)
	case len(cmd) == 2 && cmdIs(cmd[0], "get"):
		doGet(db, cmd, out)
	case len(cmd) == 3 && cmdIs(cmd[0], "set"):
		doSet(db, cmd, out)
	case len(cmd) == 2 && cmdIs(cmd[0], "del"):
		doDel(db, cmd, out)
	case len(cmd) == 3 && cmdIs(cmd[0], "pexpire"):
		doExpire(db, cmd, out)
	case len(cmd) == 2 && cmdIs(cmd[0], "pttl"):
		doTTL(db, cmd, out)
	case len(cmd) == 4 && cmdIs(cmd[0], "zadd"):
		doZAdd(db, cmd, out)
	case len(cmd) == 3 && cmdIs(cmd[0], "zrem"):
		doZRem(db, cmd, out)
	case len(cmd) == 3 && cmdIs(cmd[0], "zscore"):
		doZScore(db, cmd, out)
	case len(cmd) == 6 && cmdIs(cmd[0], "zquery"):
		doZQuery(db, cmd, out)
	default:
		out.writeErr(errUnknown, "Unknown cmd")
	}
	commandsCounter.Inc(1)
}

func doKeys(db *DB, out *response) {
	out.writeArr(uint32(db.Len()))
	db.scan(func(ent *Entry) {
		// ZSET entries contribute empty value bytes
		out.writeKV(ent.key, ent.value)
	})
}

func doGet(db *DB, cmd [][]byte, out *response) {
	ent := db.lookup(cmd[1])
	if ent == nil {
		out.writeNil()
		return
	}
	if ent.kind != typeStr {
		out.writeErr(errType, "expect string type")
		return
	}
	out.writeKV(ent.key, ent.value)
}

func doSet(db *DB, cmd [][]byte, out *response) {
	ent := db.lookup(cmd[1])
	if ent != nil {
		if ent.kind != typeStr {
			out.writeErr(errType, "expect string type")
			return
		}
		ent.value = append(ent.value[:0], cmd[2]...)
	} else {
		ent = newEntry(cmd[1], typeStr)
		ent.value = append([]byte(nil), cmd[2]...)
		db.insert(ent)
	}
	out.writeNil()
}

func doDel(db *DB, cmd [][]byte, out *response) {
	ent := db.pop(cmd[1])
	if ent != nil {
		db.entryDel(ent)
		out.writeInt(1)
		return
	}
	out.writeInt(0)
}

func doExpire(db *DB, cmd [][]byte, out *response) {
	ttlMS, ok := str2int(cmd[2])
	if !ok {
		out.writeErr(errArg, "expect int64")
		return
	}

	ent := db.lookup(cmd[1])
	if ent != nil {
		db.setTTL(ent, ttlMS)
		out.writeInt(1)
		return
	}
	out.writeInt(0)
}

func doTTL(db *DB, cmd [][]byte, out *response) {
	ent := db.lookup(cmd[1])
	if ent == nil {
		// no such key
		out.writeInt(-2)
		return
	}
	out.writeInt(db.ttl(ent))
}

func doZAdd(db *DB, cmd [][]byte, out *response) {
	score, ok := str2dbl(cmd[2])
	if !ok {
		out.writeErr(errArg, "expect fp number")
		return
	}

	// look up or create the zset
	ent := db.lookup(cmd[1])
	if ent == nil {
		ent = newEntry(cmd[1], typeZSet)
		ent.zset = NewZSet()
		db.insert(ent)
	} else if ent.kind != typeZSet {
		out.writeErr(errType, "expect zset")
		return
	}

	added := ent.zset.Add(cmd[3], score)
	if added {
		out.writeInt(1)
	} else {
		out.writeInt(0)
	}
}

// expectZSet resolves a key to its sorted set, writing NIL for a missing
// key and ERR TYPE for a wrong-kind entry.
func expectZSet(db *DB, key []byte, out *response) (*Entry, bool) {
	ent := db.lookup(key)
	if ent == nil {
		out.writeNil()
		return nil, false
	}
	if ent.kind != typeZSet {
		out.writeErr(errType, "expect zset")
		return nil, false
	}
	return ent, true
}

func doZRem(db *DB, cmd [][]byte, out *response) {
	ent, ok := expectZSet(db, cmd[1], out)
	if !ok {
		return
	}

	node := ent.zset.Pop(cmd[2])
	if node != nil {
		out.writeInt(1)
		return
	}
	out.writeInt(0)
}

func doZScore(db *DB, cmd [][]byte, out *response) {
	ent, ok := expectZSet(db, cmd[1], out)
	if !ok {
		return
	}

	node := ent.zset.Lookup(cmd[2])
	if node == nil {
		out.writeNil()
		return
	}
	out.writeDbl(node.score)
}

func doZQuery(db *DB, cmd [][]byte, out *response) {
	score, ok := str2dbl(cmd[2])
	if !ok {
		out.writeErr(errArg, "expect fp number")
		return
	}
	name := cmd[3]
	offset, ok := str2int(cmd[4])
	if !ok {
		out.writeErr(errArg, "expect int")
		return
	}
	limit, ok := str2int(cmd[5])
	if !ok {
		out.writeErr(errArg, "expect int")
		return
	}

	ent, ok := expectZSet(db, cmd[1], out)
	if !ok {
		// a missing key reads as an empty range, not NIL
		if out.size() > 0 && out.buf[0] == serNil {
			out.reset()
			out.writeArr(0)
		}
		return
	}

	if limit <= 0 {
		out.writeArr(0)
		return
	}

	node := ent.zset.Query(score, name)
	node = ent.zset.Offset(node, offset)

	// the limit counts serialized values, a member contributes two
	arr := out.beginArr()
	n := uint32(0)
	for node != nil && int64(n) < limit {
		out.writeStr(node.name)
		out.writeDbl(node.score)
		node = ent.zset.Offset(node, +1)
		n += 2
	}
	out.endArr(arr, n)
}
