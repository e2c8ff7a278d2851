package kvserver

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

var log = zlog.Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: time.Stamp,
})

// SetLogger replaces the package logger, used by the command-line front
// end to apply its verbosity settings.
func SetLogger(l zerolog.Logger) {
	log = l
}

const maxEvents = 20

// Server drives every connection from a single event-loop goroutine: all
// engine mutations happen there, between two readiness waits, so the data
// structures need no locking.
type Server struct {
	cfg *Config
	db  *DB

	listenFd int
	epfd     int
	wakeR    int
	wakeW    int

	conns map[int]*conn
	idle  idleList
	out   response // scratch response body, reused across requests

	stop     atomic.Bool
	stopOnce sync.Once
	port     atomic.Int32
	done     chan struct{}
}

// NewServer ...
func NewServer(cfg *Config, db *DB) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if db == nil {
		db = NewDB(nil)
	}

	// self-pipe so Stop can interrupt a blocked readiness wait
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe2: %w", err)
	}
	return &Server{
		cfg:   cfg,
		db:    db,
		wakeR: p[0],
		wakeW: p[1],
		conns: make(map[int]*conn),
		done:  make(chan struct{}),
	}, nil
}

// DB exposes the engine, mainly so tests can seed and inspect state.
func (s *Server) DB() *DB {
	return s.db
}

// Port reports the bound listen port, which differs from the configured
// one only when the config asked for a kernel-assigned port.
func (s *Server) Port() int {
	if p := s.port.Load(); p != 0 {
		return int(p)
	}
	return s.cfg.Port
}

// Stop requests a loop shutdown from any goroutine. The loop wakes via
// the wakeup pipe and tears everything down before ListenAndServe returns.
func (s *Server) Stop() {
	s.stop.Store(true)
	s.stopOnce.Do(func() {
		_, _ = unix.Write(s.wakeW, []byte{0})
	})
}

// ListenAndServe binds the listening socket and runs the event loop until
// Stop is called or SIGINT arrives. It owns the calling goroutine.
func (s *Server) ListenAndServe() error {
	if err := s.setupSockets(); err != nil {
		return err
	}
	defer s.teardown()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	defer signal.Stop(sigc)
	go func() {
		select {
		case <-sigc:
			log.Info().Msg("interrupt, shutting down")
			s.Stop()
		case <-s.done:
		}
	}()
	defer close(s.done)

	if s.cfg.Metrics {
		go logMetrics(log, 10*time.Second, s.done)
	}

	log.Info().Str("addr", s.cfg.Addr).Int("port", s.cfg.Port).Msg("the server is listening")

	events := make([]unix.EpollEvent, maxEvents)
	for !s.stop.Load() {
		timeout := s.nextTimerMS()

		n, err := unix.EpollWait(s.epfd, events, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("epoll wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case s.listenFd:
				s.acceptAll()
			case s.wakeR:
				s.drainWake()
			default:
				c := s.conns[fd]
				if c == nil {
					continue
				}
				s.connectionIO(c)
				if c.state == stateEnd {
					// client closed the connection or an error occurred
					s.connDone(c)
				}
			}
		}

		s.processTimers()
	}
	return nil
}

func (s *Server) setupSockets() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	s.listenFd = fd

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		s.teardown()
		return fmt.Errorf("setsockopt: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: s.cfg.Port}
	copy(sa.Addr[:], net.ParseIP(s.cfg.Addr).To4())
	if err := unix.Bind(fd, sa); err != nil {
		s.teardown()
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		s.teardown()
		return fmt.Errorf("listen: %w", err)
	}
	if bound, err := unix.Getsockname(fd); err == nil {
		if sa4, ok := bound.(*unix.SockaddrInet4); ok {
			s.port.Store(int32(sa4.Port))
		}
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		s.teardown()
		return fmt.Errorf("epoll_create1: %w", err)
	}
	s.epfd = epfd

	if err := s.epollAdd(fd, unix.EPOLLIN); err != nil {
		s.teardown()
		return err
	}

	if err := s.epollAdd(s.wakeR, unix.EPOLLIN); err != nil {
		s.teardown()
		return err
	}
	return nil
}

func (s *Server) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (s *Server) teardown() {
	for _, c := range s.conns {
		unix.Close(c.fd)
	}
	s.conns = make(map[int]*conn)
	s.idle = idleList{}
	if s.wakeR != 0 {
		unix.Close(s.wakeR)
		unix.Close(s.wakeW)
		s.wakeR, s.wakeW = 0, 0
	}
	if s.epfd != 0 {
		unix.Close(s.epfd)
		s.epfd = 0
	}
	if s.listenFd != 0 {
		unix.Close(s.listenFd)
		s.listenFd = 0
	}
}

// acceptAll drains the listening socket: with edge-triggered readiness a
// single event may announce any number of pending connections.
func (s *Server) acceptAll() {
	for {
		nfd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			log.Error().Err(err).Msg("accept error")
			break
		}

		c := &conn{
			fd:        nfd,
			state:     stateReq,
			idleStart: s.db.monoUsec(),
		}
		s.idle.pushBack(c)
		s.conns[nfd] = c

		if err := s.epollAdd(nfd, unix.EPOLLIN|unix.EPOLLET); err != nil {
			log.Error().Err(err).Msg("registering connection")
			s.connDone(c)
			continue
		}
		connsAcceptedCounter.Inc(1)
		log.Debug().Int("fd", nfd).Msg("accepted connection")
	}
}

func (s *Server) drainWake() {
	var buf [16]byte
	for {
		if _, err := unix.Read(s.wakeR, buf[:]); err != nil {
			break
		}
	}
}

func (s *Server) connDone(c *conn) {
	delete(s.conns, c.fd)
	s.idle.detach(c)
	unix.Close(c.fd)
	connsClosedCounter.Inc(1)
}

// nextTimerMS computes how long the readiness wait may block: until the
// oldest connection would idle out or the nearest TTL deadline fires,
// whichever comes first.
func (s *Server) nextTimerMS() int {
	now := s.db.monoUsec()
	idleTimeoutUS := uint64(s.cfg.IdleTimeoutMS) * 1000

	next := now + idleTimeoutUS
	if !s.idle.empty() {
		if t := s.idle.first.idleStart + idleTimeoutUS; t < next {
			next = t
		}
	}
	if at, ok := s.db.nextExpiryUsec(); ok && at < next {
		next = at
	}

	if next <= now {
		return 0
	}
	return int((next - now + 999) / 1000)
}

// processTimers runs after each readiness pass: idle connections are
// closed from the head of the idle list, then due TTL entries are
// evicted, bounded per pass.
func (s *Server) processTimers() {
	now := s.db.monoUsec()
	idleTimeoutUS := uint64(s.cfg.IdleTimeoutMS) * 1000

	for !s.idle.empty() {
		next := s.idle.first
		// the extra 1000us covers the ms resolution of the wait
		if next.idleStart+idleTimeoutUS >= now+1000 {
			break
		}
		log.Info().Int("fd", next.fd).Msg("closing idle connection")
		s.connDone(next)
	}

	if n := s.db.expireEntries(s.cfg.MaxExpireWorks); n > 0 {
		log.Debug().Int("expired", n).Msg("ttl sweep")
	}
}
