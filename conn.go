package kvserver

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

const (
	stateReq = uint32(0) // reading requests
	stateRes = uint32(1) // flushing a response
	stateEnd = uint32(2) // marked for teardown
)

// conn is one client connection. Buffers are fixed-capacity: a request or
// response never exceeds the 4-byte frame header plus maxMsg body.
type conn struct {
	fd    int
	state uint32

	rbuf     [4 + maxMsg]byte
	rbufSize int

	wbuf     [4 + maxMsg]byte
	wbufSize int
	wbufSent int

	idleStart uint64
	idlePrev  *conn
	idleNext  *conn
}

// tryOneRequest slices one complete request out of the read buffer, runs
// it, and queues the response. Returns true when the connection is ready
// for the next buffered request.
func (s *Server) tryOneRequest(c *conn) bool {
	if c.rbufSize < 4 {
		// not enough data in the buffer
		return false
	}
	msgLen := binary.LittleEndian.Uint32(c.rbuf[0:4])
	if msgLen > maxMsg {
		log.Warn().Int("fd", c.fd).Uint32("len", msgLen).Msg("request too long")
		c.state = stateEnd
		return false
	}
	if 4+int(msgLen) > c.rbufSize {
		// not enough data in the buffer, retry on the next read
		return false
	}

	cmd, err := parseRequest(c.rbuf[4 : 4+msgLen])
	if err != nil {
		log.Warn().Int("fd", c.fd).Err(err).Msg("bad request")
		c.state = stateEnd
		return false
	}

	s.out.reset()
	dispatch(s.db, cmd, &s.out)

	if 4+s.out.size() > maxMsg {
		s.out.reset()
		s.out.writeErr(errTooBig, "response is too big")
	}

	wlen := uint32(s.out.size())
	binary.LittleEndian.PutUint32(c.wbuf[0:4], wlen)
	copy(c.wbuf[4:], s.out.buf)
	c.wbufSize = 4 + int(wlen)

	// compact the remainder down so parsing can resume at offset zero
	remain := c.rbufSize - 4 - int(msgLen)
	if remain > 0 {
		copy(c.rbuf[:], c.rbuf[4+msgLen:c.rbufSize])
	}
	c.rbufSize = remain

	c.state = stateRes
	s.connWrite(c)
	return c.state == stateReq
}

// tryFillBuffer performs one socket read and drains every complete request
// it produced. Returns true while the socket may still have data.
func (s *Server) tryFillBuffer(c *conn) bool {
	if c.rbufSize == len(c.rbuf) {
		// a parked full-size request must drain before reading more
		for s.tryOneRequest(c) {
		}
		if c.rbufSize == len(c.rbuf) {
			return false
		}
		return c.state == stateReq
	}

	var n int
	var err error
	for {
		n, err = unix.Read(c.fd, c.rbuf[c.rbufSize:])
		if err != unix.EINTR {
			break
		}
	}
	if err == unix.EAGAIN {
		return false
	}
	if err != nil {
		log.Warn().Int("fd", c.fd).Err(err).Msg("read error")
		c.state = stateEnd
		return false
	}
	if n == 0 {
		if c.rbufSize > 0 {
			log.Warn().Int("fd", c.fd).Msg("unexpected EOF")
		} else {
			log.Debug().Int("fd", c.fd).Msg("EOF")
		}
		c.state = stateEnd
		return false
	}

	c.rbufSize += n
	bytesReadMeter.Mark(int64(n))

	for s.tryOneRequest(c) {
	}
	return c.state == stateReq
}

// tryFlushBuffer performs socket writes until the response is fully sent
// or the kernel pushes back. A would-block leaves the connection in the
// flushing state to retry on the next readiness event.
func (s *Server) tryFlushBuffer(c *conn) bool {
	for c.wbufSent < c.wbufSize {
		n, err := unix.Write(c.fd, c.wbuf[c.wbufSent:c.wbufSize])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return false
		}
		if err != nil {
			log.Warn().Int("fd", c.fd).Err(err).Msg("write error")
			c.state = stateEnd
			return false
		}
		c.wbufSent += n
		bytesWrittenMeter.Mark(int64(n))
	}

	// response fully sent, back to reading
	c.state = stateReq
	c.wbufSent = 0
	c.wbufSize = 0
	return false
}

func (s *Server) connRead(c *conn) {
	for s.tryFillBuffer(c) {
	}
}

func (s *Server) connWrite(c *conn) {
	for s.tryFlushBuffer(c) {
	}
}

// connectionIO services one readiness event: refresh the idle bookkeeping,
// then continue the connection's state machine.
func (s *Server) connectionIO(c *conn) {
	c.idleStart = s.db.monoUsec()
	s.idle.moveToBack(c)

	switch c.state {
	case stateReq:
		s.connRead(c)
	case stateRes:
		s.connWrite(c)
	default:
		panic("connection event in terminal state")
	}
}
