// Package netsrv implements Server/Service: a listener that configures
// its socket, maintains at most one outstanding accept, and hands
// accepted sockets to a pooled ConnectionManager (spec §4.8). Grounded
// in the teacher's node.go lifecycle (context/cancel, structured
// logging) generalized from a libp2p host to a raw listener, since
// spec §4.8's socket-option list (SO_LINGER, TCP_DEFER_ACCEPT,
// TCP_LINGER2, SO_RCVBUF/SNDBUF) has no libp2p equivalent.
package netsrv

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/credacash/ccnode/internal/netconn"
	"github.com/credacash/ccnode/pkg/logging"
)

// SocketOptions mirrors the listener tuning knobs spec §4.8 names.
type SocketOptions struct {
	Linger          bool
	LingerSeconds   int
	DeferAccept     bool
	Linger2Seconds  int
	NoDelay         bool
	RecvBufferBytes int
	SendBufferBytes int
}

// DefaultSocketOptions matches the spec's stated defaults: SO_LINGER
// on at 15s, DEFER_ACCEPT enabled.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{Linger: true, LingerSeconds: 15, DeferAccept: true}
}

// ConnectionManager tracks the free/in-use Connection pool a Server
// draws from, mirroring spec §4.8's (all, free, maxincoming,
// incoming_count) tuple.
type ConnectionManager struct {
	mu             sync.Mutex
	all            []*netconn.Connection
	free           []*netconn.Connection
	maxIncoming    int
	incomingCount  int
	freeSignal     chan struct{}
	onConnFreed    func(*netconn.Connection)
}

// NewConnectionManager constructs a pool seeded with capacity free
// connections and an incoming-connection cap.
func NewConnectionManager(capacity, maxIncoming int, opts netconn.Options, log *logging.Logger) *ConnectionManager {
	m := &ConnectionManager{maxIncoming: maxIncoming, freeSignal: make(chan struct{}, capacity)}
	for i := 0; i < capacity; i++ {
		c := netconn.New(log, opts)
		c.AutoFree(m.release)
		m.all = append(m.all, c)
		m.free = append(m.free, c)
	}
	return m
}

// Take removes a connection from the free list; it blocks until one is
// available or ctx is done.
func (m *ConnectionManager) Take(ctx context.Context) (*netconn.Connection, error) {
	for {
		m.mu.Lock()
		if len(m.free) > 0 {
			c := m.free[len(m.free)-1]
			m.free = m.free[:len(m.free)-1]
			m.mu.Unlock()
			return c, nil
		}
		m.mu.Unlock()

		select {
		case <-m.freeSignal:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *ConnectionManager) release(c *netconn.Connection) {
	c.Reset()
	m.mu.Lock()
	m.free = append(m.free, c)
	m.mu.Unlock()

	select {
	case m.freeSignal <- struct{}{}:
	default:
	}
	if m.onConnFreed != nil {
		m.onConnFreed(c)
	}
}

// OnConnectionFreed registers the Server's accept-resume callback,
// invoked whenever a connection returns to the free list.
func (m *ConnectionManager) OnConnectionFreed(f func(*netconn.Connection)) { m.onConnFreed = f }

// Counts returns (allCount, freeCount, incomingCount).
func (m *ConnectionManager) Counts() (all, free, incoming int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.all), len(m.free), m.incomingCount
}

// NewHandler builds the per-connection message Handler for a freshly
// accepted socket, identified by its remote address; it is called
// once per accept so the returned closure (and any registration of
// conn into a peer table) can capture that connection's identity,
// which a single shared Handler has no way to recover.
type NewHandler func(peerID string, conn *netconn.Connection) netconn.Handler

// Server binds a listener and maintains at most one outstanding accept
// at a time, pausing when the ConnectionManager has no free slot.
type Server struct {
	log        *logging.Logger
	opts       SocketOptions
	mgr        *ConnectionManager
	newHandler NewHandler

	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// New constructs a Server bound to addr, drawing incoming connections
// from mgr and building each one's Handler via newHandler.
func New(log *logging.Logger, opts SocketOptions, mgr *ConnectionManager, newHandler NewHandler) *Server {
	return &Server{log: log, opts: opts, mgr: mgr, newHandler: newHandler}
}

// Listen binds addr and configures the listening socket per opts.
func (s *Server) Listen(addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("netsrv: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Serve runs the single-outstanding-accept loop until ctx is canceled.
// Service's thread-pool equivalent is the goroutine this call spawns
// per accepted connection; Go's scheduler plays the role of the
// teacher's threads_per_server+20 worker pool, so no fixed-size pool is
// maintained explicitly here.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.cancel = cancel
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		cancel()
		return fmt.Errorf("netsrv: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := s.mgr.Take(ctx)
		if err != nil {
			return nil // context canceled: shutdown
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if s.log != nil {
				s.log.Debugf("netsrv: accept error: %v", err)
			}
			s.mgr.release(c)
			continue
		}

		applySocketOptions(conn, s.opts)
		c.StartIncoming(conn, s.newHandler(conn.RemoteAddr().String(), c))
	}
}

// Stop tears down the listener and stops accepting.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func applySocketOptions(conn net.Conn, opts SocketOptions) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if opts.Linger {
		tc.SetLinger(opts.LingerSeconds)
	}
	if opts.NoDelay {
		tc.SetNoDelay(true)
	}
	if opts.RecvBufferBytes > 0 {
		tc.SetReadBuffer(opts.RecvBufferBytes)
	}
	if opts.SendBufferBytes > 0 {
		tc.SetWriteBuffer(opts.SendBufferBytes)
	}
	// TCP_DEFER_ACCEPT and TCP_LINGER2 are Linux-specific sockopts with
	// no portable net.TCPConn accessor; they're skipped here rather
	// than reached via syscall.RawConn for a cross-platform build.
}
