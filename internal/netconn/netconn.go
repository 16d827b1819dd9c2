// Package netconn implements Connection: a stateful wrapper over an
// async TCP socket with a reference-counted operation lifetime, framed
// reads, single-writer serialization, and SOCKS4a dialing for onion
// peers (spec §4.7). Grounded in the teacher's stream_handler.go
// read-loop/logging conventions; libp2p's stream transport has no
// SOCKS4a dialer, so this package talks to net.Conn directly, per
// DESIGN.md.
package netconn

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/credacash/ccnode/pkg/logging"
)

// State is one of the Connection lifecycle states.
type State int32

const (
	Stopped State = iota
	Connecting
	Connected
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Stopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// FrameMode selects how Connection delimits incoming messages.
type FrameMode int

const (
	// HeaderPrefixed reads a fixed-size header whose first big-endian
	// u32 word is the total message size, then reads the remainder.
	HeaderPrefixed FrameMode = iota
	// Terminated reads one byte at a time until a terminator byte.
	Terminated
)

const (
	directDialTimeout = 20 * time.Second
	onionDialTimeout  = 120 * time.Second
	socks4aUserIDLen  = 20
	maxReadBufferSize = 256 * 1024 * 1024
)

var (
	// ErrStopThreshold is returned to Stop()'s caller context when
	// validate_done_callback reports a result that tears the
	// connection down.
	ErrStopThreshold = errors.New("netconn: validation result below stop threshold")
	errSocksRejected = errors.New("netconn: SOCKS4a proxy rejected connect request")
	errBufferOverflow = errors.New("netconn: terminator not found before buffer limit")
)

// Handler processes a complete inbound message.
type Handler func(msg []byte) error

// Options configures a Connection's framing and limits.
type Options struct {
	Mode         FrameMode
	HeaderSize   int  // bytes in the size-prefix header (HeaderPrefixed only)
	Terminator   byte // delimiter byte (Terminated only)
	MaxReadBytes int
}

// Connection is a stateful async-style wrapper over a net.Conn. All
// blocking I/O happens on a dedicated read goroutine; writes are
// serialized through writeMu so at most one write is ever in flight.
type Connection struct {
	log  *logging.Logger
	opts Options

	mu        sync.Mutex
	state     State
	conn      net.Conn
	stopCount int32 // first Stop() call wins; re-entrant calls are no-ops

	writeMu sync.Mutex

	pendingOps sync.WaitGroup // AutoCount equivalent: blocks close until handlers return

	useCount  int64 // incremented on every Stop(); gates stale validate_done_callback ids
	onStop    func()
	autoFree  func(*Connection)
}

// New constructs a Connection with the given framing options.
func New(log *logging.Logger, opts Options) *Connection {
	if opts.MaxReadBytes == 0 {
		opts.MaxReadBytes = maxReadBufferSize
	}
	return &Connection{log: log, opts: opts, state: Stopped}
}

// OnStop registers a callback invoked once Stop() has fully completed
// (socket closed, pending ops drained).
func (c *Connection) OnStop(f func()) { c.onStop = f }

// AutoFree registers the connection-manager free-list callback invoked
// after Stop() completes, mirroring the original's "auto-free" flag.
func (c *Connection) AutoFree(f func(*Connection)) { c.autoFree = f }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartIncoming moves an accepted socket to CONNECTED and begins the
// read loop, dispatching complete messages to handle.
func (c *Connection) StartIncoming(conn net.Conn, handle Handler) {
	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.mu.Unlock()

	c.pendingOps.Add(1)
	go c.readLoop(handle)
}

// ConnectOutgoing dials host:port directly and, on success, begins the
// read loop. The dial is bounded by a 20s deadline timer.
func (c *Connection) ConnectOutgoing(host string, port int, handle Handler) error {
	c.mu.Lock()
	c.state = Connecting
	c.mu.Unlock()

	d := net.Dialer{Timeout: directDialTimeout}
	conn, err := d.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		c.Stop()
		return fmt.Errorf("netconn: dial %s:%d: %w", host, port, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.mu.Unlock()

	c.pendingOps.Add(1)
	go c.readLoop(handle)
	return nil
}

// ConnectOutgoingOnion dials a local SOCKS4a proxy and asks it to
// connect onion.onion:port on our behalf, per spec §6's SOCKS4a setup:
// an 8-byte header, a NUL-terminated user id (random if userID is
// empty), the ASCII host with ".onion" appended, and a trailing NUL.
// The 8-byte reply's byte[1] must be 0x5A (90); anything else stops
// the connection. Bounded by a 120s deadline.
func (c *Connection) ConnectOutgoingOnion(proxyHost string, proxyPort int, onion string, userID string, targetPort int, handle Handler) error {
	c.mu.Lock()
	c.state = Connecting
	c.mu.Unlock()

	d := net.Dialer{Timeout: onionDialTimeout}
	conn, err := d.Dial("tcp", fmt.Sprintf("%s:%d", proxyHost, proxyPort))
	if err != nil {
		c.Stop()
		return fmt.Errorf("netconn: dial proxy %s:%d: %w", proxyHost, proxyPort, err)
	}
	conn.SetDeadline(time.Now().Add(onionDialTimeout))

	if userID == "" {
		userID, err = randomLetters(socks4aUserIDLen)
		if err != nil {
			conn.Close()
			c.Stop()
			return fmt.Errorf("netconn: generate socks4a user id: %w", err)
		}
	}

	req := make([]byte, 0, 8+len(userID)+1+len(onion)+7+1)
	req = append(req, 0x04, 0x01)
	req = append(req, byte(targetPort>>8), byte(targetPort))
	req = append(req, 0x00, 0x00, 0x00, 0x01)
	req = append(req, []byte(userID)...)
	req = append(req, 0x00)
	req = append(req, []byte(onion+".onion")...)
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		c.Stop()
		return fmt.Errorf("netconn: write socks4a request: %w", err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		conn.Close()
		c.Stop()
		return fmt.Errorf("netconn: read socks4a reply: %w", err)
	}
	if reply[1] != 0x5A {
		conn.Close()
		c.Stop()
		return fmt.Errorf("%w: status 0x%02x", errSocksRejected, reply[1])
	}

	conn.SetDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.mu.Unlock()

	c.pendingOps.Add(1)
	go c.readLoop(handle)
	return nil
}

func randomLetters(n int) (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

func (c *Connection) readLoop(handle Handler) {
	defer c.pendingOps.Done()

	r := bufio.NewReader(c.conn)
	for {
		if c.State() != Connected {
			return
		}
		var msg []byte
		var err error
		switch c.opts.Mode {
		case HeaderPrefixed:
			msg, err = c.readHeaderPrefixed(r)
		default:
			msg, err = c.readTerminated(r)
		}
		if err != nil {
			if c.log != nil {
				c.log.Debugf("netconn: read error, stopping: %v", err)
			}
			c.Stop()
			return
		}
		if err := handle(msg); err != nil {
			if c.log != nil {
				c.log.Debugf("netconn: handler error, stopping: %v", err)
			}
			c.Stop()
			return
		}
	}
}

func (c *Connection) readHeaderPrefixed(r *bufio.Reader) ([]byte, error) {
	header := make([]byte, c.opts.HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:4])
	if int(size) > c.opts.MaxReadBytes {
		return nil, fmt.Errorf("netconn: declared size %d exceeds max %d", size, c.opts.MaxReadBytes)
	}
	remainder := make([]byte, int(size))
	if _, err := io.ReadFull(r, remainder); err != nil {
		return nil, err
	}
	msg := make([]byte, 0, len(header)+len(remainder))
	msg = append(msg, header...)
	msg = append(msg, remainder...)
	return msg, nil
}

func (c *Connection) readTerminated(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == c.opts.Terminator {
			return buf, nil
		}
		buf = append(buf, b)
		if len(buf) > c.opts.MaxReadBytes {
			return nil, errBufferOverflow
		}
	}
}

// WriteAsync serializes buf onto the socket; only one write is ever in
// flight per connection.
func (c *Connection) WriteAsync(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != Connected || conn == nil {
		return errors.New("netconn: write on non-connected connection")
	}
	if _, err := conn.Write(buf); err != nil {
		c.Stop()
		return fmt.Errorf("netconn: write: %w", err)
	}
	return nil
}

// ValidateDoneCallback reports a validation result for the object this
// connection submitted, identified by callbackID. A callbackID that no
// longer matches the current use_count (bumped on every Stop) is a
// stale callback and is discarded. A result below the stop threshold
// tears the connection down.
func (c *Connection) ValidateDoneCallback(callbackID int64, belowStopThreshold bool) {
	if callbackID != atomic.LoadInt64(&c.useCount) {
		return // stale: connection has since been stopped and possibly reused
	}
	if belowStopThreshold {
		c.Stop()
	}
}

// Stop is idempotent: only the first call takes effect. It marks the
// connection STOPPING, closes the socket once all pending ops have
// drained, then transitions to STOPPED and invokes the registered
// stop/free callbacks.
func (c *Connection) Stop() {
	if atomic.AddInt32(&c.stopCount, 1) != 1 {
		return
	}
	atomic.AddInt64(&c.useCount, 1)

	c.mu.Lock()
	c.state = Stopping
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	go func() {
		c.pendingOps.Wait()
		c.mu.Lock()
		c.state = Stopped
		c.mu.Unlock()
		if c.onStop != nil {
			c.onStop()
		}
		if c.autoFree != nil {
			c.autoFree(c)
		}
	}()
}

// Reset clears stop bookkeeping so the Connection can be reused from a
// manager's free list.
func (c *Connection) Reset() {
	atomic.StoreInt32(&c.stopCount, 0)
	c.mu.Lock()
	c.state = Stopped
	c.conn = nil
	c.mu.Unlock()
}
