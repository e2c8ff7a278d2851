package kvserver

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	// maxMsg bounds both request bodies and serialized responses
	maxMsg  = 4096
	maxArgs = 1024
)

// response value tags, one byte each
const (
	serNil = byte(0)
	serErr = byte(1)
	serStr = byte(2)
	serInt = byte(3)
	serDbl = byte(4)
	serArr = byte(5)
	serKV  = byte(6)
)

// error codes carried in ERR values
const (
	errUnknown = int32(1)
	errTooBig  = int32(2)
	errType    = int32(3)
	errArg     = int32(4)
)

var (
	errBadRequest    = errors.New("malformed request body")
	errTooManyArgs   = errors.New("too many arguments")
	errTrailingBytes = errors.New("trailing bytes after last argument")
)

// parseRequest decodes one request body: u32 argument count followed by
// (u32 length + bytes) per argument, little-endian throughout. The body
// must be consumed exactly.
func parseRequest(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, errBadRequest
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	if n > maxArgs {
		return nil, errTooManyArgs
	}

	out := make([][]byte, 0, n)
	pos := uint32(4)
	for ; n > 0; n-- {
		if int(pos)+4 > len(data) {
			return nil, errBadRequest
		}
		sz := binary.LittleEndian.Uint32(data[pos : pos+4])
		pos += 4
		if uint64(pos)+uint64(sz) > uint64(len(data)) {
			return nil, errBadRequest
		}
		out = append(out, data[pos:pos+sz])
		pos += sz
	}

	if int(pos) != len(data) {
		return nil, errTrailingBytes
	}
	return out, nil
}

// response accumulates one serialized reply body. Values are appended as
// single-byte tags followed by little-endian payloads; arrays of unknown
// length reserve their count and patch it on close.
type response struct {
	buf []byte
}

func (r *response) reset() {
	r.buf = r.buf[:0]
}

func (r *response) size() int {
	return len(r.buf)
}

func (r *response) writeNil() {
	r.buf = append(r.buf, serNil)
}

func (r *response) writeErr(code int32, msg string) {
	r.buf = append(r.buf, serErr)
	r.buf = binary.LittleEndian.AppendUint32(r.buf, uint32(code))
	r.buf = binary.LittleEndian.AppendUint32(r.buf, uint32(len(msg)))
	r.buf = append(r.buf, msg...)
}

func (r *response) writeStr(val []byte) {
	r.buf = append(r.buf, serStr)
	r.buf = binary.LittleEndian.AppendUint32(r.buf, uint32(len(val)))
	r.buf = append(r.buf, val...)
}

func (r *response) writeInt(val int64) {
	r.buf = append(r.buf, serInt)
	r.buf = binary.LittleEndian.AppendUint64(r.buf, uint64(val))
}

func (r *response) writeDbl(val float64) {
	r.buf = append(r.buf, serDbl)
	r.buf = binary.LittleEndian.AppendUint64(r.buf, math.Float64bits(val))
}

func (r *response) writeKV(key, val []byte) {
	r.buf = append(r.buf, serKV)
	total := uint32(len(key) + len(val) + 8)
	r.buf = binary.LittleEndian.AppendUint32(r.buf, total)
	r.buf = binary.LittleEndian.AppendUint32(r.buf, uint32(len(key)))
	r.buf = append(r.buf, key...)
	r.buf = binary.LittleEndian.AppendUint32(r.buf, uint32(len(val)))
	r.buf = append(r.buf, val...)
}

func (r *response) writeArr(n uint32) {
	r.buf = append(r.buf, serArr)
	r.buf = binary.LittleEndian.AppendUint32(r.buf, n)
}

// beginArr opens a streamed array and returns the position of its count,
// to be patched by endArr once the number of values is known.
func (r *response) beginArr() int {
	r.buf = append(r.buf, serArr)
	r.buf = append(r.buf, 0, 0, 0, 0)
	return len(r.buf) - 4
}

func (r *response) endArr(pos int, n uint32) {
	if r.buf[pos-1] != serArr {
		panic("array patch position does not follow an ARR tag")
	}
	binary.LittleEndian.PutUint32(r.buf[pos:pos+4], n)
}
