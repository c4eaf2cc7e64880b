package transport

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// State is the connection state bitmask.
type State uint8

const (
	StateOK    State = 0
	StateAgain State = 1 << 0
	StateErr   State = 1 << 1
	StateEOF   State = 1 << 2
)

func (s State) String() string {
	if s == StateOK {
		return "OK"
	}
	var parts []string
	if s&StateAgain != 0 {
		parts = append(parts, "AGAIN")
	}
	if s&StateErr != 0 {
		parts = append(parts, "ERR")
	}
	if s&StateEOF != 0 {
		parts = append(parts, "EOF")
	}
	return strings.Join(parts, "|")
}

// WriteResult reports what happened to buffered output after a write.
type WriteResult int

const (
	// WriteSent means every buffered byte has been handed to the socket.
	WriteSent WriteResult = iota
	// WritePartial means the socket accepted fewer bytes than handed over.
	WritePartial
	// WriteBlocked means a previous flush is still in flight; bytes stay buffered.
	WriteBlocked
	// WriteError means the connection is in the ERR state.
	WriteError
)

// EventKind identifies a readiness event posted to the reactor.
type EventKind int

const (
	EventReadable EventKind = iota
	EventWritten
	EventHandshake
)

// Event is posted by a connection's poller goroutines onto the reactor's
// channel. Only the reactor consumes events and applies them with Deliver.
type Event struct {
	Conn *Connection
	Kind EventKind
	N    int
	Err  error
}

var (
	// ErrWouldBlock is returned by Read when no bytes are available yet.
	ErrWouldBlock = errors.New("transport: would block")
	// ErrClosed is returned once the connection has been torn down.
	ErrClosed = errors.New("transport: connection closed")
)

const chunkSize = 16 * 1024

var nextID uint64

// Connection owns one accepted socket. All methods except the unexported
// poller loops must be called from the reactor goroutine.
//
// Go exposes no readiness notification for net.Conn, so each connection runs
// two poller goroutines: the reader blocks in Read only after the reactor
// arms it, and the flusher writes only the segment the reactor hands it.
// Both report back through the reactor's event channel. Neither touches the
// buffers below.
type Connection struct {
	ID uint64

	// Owner is an opaque back reference set by the reactor.
	Owner any

	raw  net.Conn
	conn net.Conn

	state State
	err   error

	rbuf []byte
	roff int
	wbuf []byte
	woff int

	BytesIn  uint64
	BytesOut uint64

	corked    bool
	armed     bool
	inflight  int
	tls       bool
	upgrade   *tls.Config
	closeWait bool

	handshake bool // owned by the reader goroutine once started

	chunk      []byte
	pendingN   int
	pendingErr error
	hasPending bool

	arm    chan struct{}
	writes chan []byte
	events chan<- Event
	done   chan struct{}

	started   atomic.Bool
	closeOnce sync.Once
}

// NewConnection wraps raw. When tlsConfig is non-nil the TLS handshake is
// performed lazily before the first read.
func NewConnection(raw net.Conn, events chan<- Event, tlsConfig *tls.Config) *Connection {
	c := &Connection{
		ID:     atomic.AddUint64(&nextID, 1),
		raw:    raw,
		conn:   raw,
		chunk:  make([]byte, chunkSize),
		arm:    make(chan struct{}, 1),
		writes: make(chan []byte, 1),
		events: events,
		done:   make(chan struct{}),
	}
	if tlsConfig != nil {
		c.conn = tls.Server(raw, tlsConfig)
		c.handshake = true
	}
	return c
}

// Start launches the poller goroutines. It does not arm the reader.
func (c *Connection) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.readLoop()
	go c.flushLoop()
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// State returns the current state bitmask.
func (c *Connection) State() State {
	return c.state
}

// Err returns the error that moved the connection to ERR, if any.
func (c *Connection) Err() error {
	return c.err
}

// IsTLS reports whether a TLS session has been established.
func (c *Connection) IsTLS() bool {
	return c.tls
}

// Alive reports whether the connection can still carry traffic.
func (c *Connection) Alive() bool {
	return c.state&(StateErr|StateEOF) == 0
}

// Cork removes the connection from the readiness set.
func (c *Connection) Cork() {
	c.corked = true
}

// Uncork re-adds the connection to the readiness set. It reports whether
// input is already buffered, in which case the caller must process it
// without waiting for another event.
func (c *Connection) Uncork() bool {
	c.corked = false
	c.Poll()
	return c.Buffered() > 0 || c.hasPending
}

// Corked reports whether the connection is out of the readiness set.
func (c *Connection) Corked() bool {
	return c.corked
}

// Poll arms the reader for one more delivery if nothing prevents it.
func (c *Connection) Poll() {
	if c.corked || c.armed || c.hasPending || c.upgrade != nil || c.closeWait || !c.Alive() {
		return
	}
	c.armed = true
	c.arm <- struct{}{}
}

// Deliver applies a poller event. It returns false for events that arrive
// after the connection was closed.
func (c *Connection) Deliver(ev Event) bool {
	if c.isClosed() {
		return false
	}
	switch ev.Kind {
	case EventHandshake:
		if ev.Err != nil {
			c.fail(errors.Wrap(ev.Err, "tls handshake"))
			return true
		}
		c.tls = true
	case EventReadable:
		c.armed = false
		c.hasPending = true
		c.pendingN = ev.N
		c.pendingErr = ev.Err
	case EventWritten:
		c.written(ev.N, ev.Err)
	}
	return true
}

// Read appends bytes delivered by the poller to the read buffer. It never
// blocks: with nothing delivered it returns ErrWouldBlock.
func (c *Connection) Read() (int, error) {
	if c.state&StateErr != 0 {
		return 0, c.err
	}
	if !c.hasPending {
		if c.state&StateEOF != 0 {
			return 0, io.EOF
		}
		c.state |= StateAgain
		return 0, ErrWouldBlock
	}
	c.hasPending = false
	n, err := c.pendingN, c.pendingErr
	c.pendingN, c.pendingErr = 0, nil
	if n > 0 {
		c.rbuf = append(c.rbuf, c.chunk[:n]...)
		c.BytesIn += uint64(n)
	}
	c.state &^= StateAgain
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.state |= StateEOF
		} else {
			c.fail(err)
			return n, c.err
		}
	}
	if n == 0 && c.state&StateEOF != 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Buffered returns the number of unread bytes in the read buffer.
func (c *Connection) Buffered() int {
	return len(c.rbuf) - c.roff
}

// ReadLine returns the next line without its terminator. The returned slice
// is a copy. ok is false when no complete line is buffered.
func (c *Connection) ReadLine() (line []byte, ok bool) {
	i := bytes.IndexByte(c.rbuf[c.roff:], '\n')
	if i < 0 {
		return nil, false
	}
	raw := c.rbuf[c.roff : c.roff+i]
	c.roff += i + 1
	raw = bytes.TrimSuffix(raw, []byte("\r"))
	line = append([]byte(nil), raw...)
	c.compact()
	return line, true
}

// ReadN consumes up to n buffered bytes regardless of line structure.
func (c *Connection) ReadN(n int) []byte {
	avail := c.Buffered()
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return nil
	}
	out := append([]byte(nil), c.rbuf[c.roff:c.roff+n]...)
	c.roff += n
	c.compact()
	return out
}

// Discard drops everything in the read buffer.
func (c *Connection) Discard() {
	c.rbuf = c.rbuf[:0]
	c.roff = 0
}

func (c *Connection) compact() {
	if c.roff == len(c.rbuf) {
		c.rbuf = c.rbuf[:0]
		c.roff = 0
	}
}

// Write appends p to the write buffer and attempts a flush.
func (c *Connection) Write(p []byte) WriteResult {
	if c.state&StateErr != 0 || c.isClosed() {
		return WriteError
	}
	c.wbuf = append(c.wbuf, p...)
	return c.Flush()
}

// WriteString is Write for strings.
func (c *Connection) WriteString(s string) WriteResult {
	return c.Write([]byte(s))
}

// Flush hands any unsent bytes to the flusher when it is idle.
func (c *Connection) Flush() WriteResult {
	if c.state&StateErr != 0 || c.isClosed() {
		return WriteError
	}
	if c.inflight > 0 {
		if len(c.wbuf)-c.woff > c.inflight {
			c.state |= StateAgain
		}
		return WriteBlocked
	}
	if c.woff == len(c.wbuf) {
		return WriteSent
	}
	seg := c.wbuf[c.woff:]
	c.inflight = len(seg)
	c.writes <- seg
	return WriteSent
}

// Pending returns the number of buffered output bytes not yet confirmed.
func (c *Connection) Pending() int {
	return len(c.wbuf) - c.woff
}

// Drained reports whether all output has been written to the socket.
func (c *Connection) Drained() bool {
	return c.inflight == 0 && c.woff == len(c.wbuf)
}

func (c *Connection) written(n int, err error) WriteResult {
	want := c.inflight
	c.inflight = 0
	c.woff += n
	c.BytesOut += uint64(n)
	if err != nil {
		c.fail(errors.Wrap(err, "write"))
		return WriteError
	}
	if c.woff == len(c.wbuf) {
		c.wbuf = c.wbuf[:0]
		c.woff = 0
		c.state &^= StateAgain
		if c.upgrade != nil {
			c.startTLS()
		}
		if c.closeWait {
			c.Close()
		}
		return WriteSent
	}
	res := c.Flush()
	if n < want {
		return WritePartial
	}
	return res
}

// StartTLS upgrades the connection once buffered output has drained. Any
// plaintext input already buffered is discarded.
func (c *Connection) StartTLS(cfg *tls.Config) {
	c.Discard()
	c.upgrade = cfg
	if c.Drained() {
		c.startTLS()
	}
}

func (c *Connection) startTLS() {
	cfg := c.upgrade
	c.upgrade = nil
	c.conn = tls.Server(c.raw, cfg)
	c.handshake = true
	c.Poll()
}

// CloseAfterFlush closes the connection once buffered output is written.
func (c *Connection) CloseAfterFlush() {
	if c.Drained() {
		c.Close()
		return
	}
	c.closeWait = true
	c.Flush()
}

// Close tears the connection down. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.raw.Close()
		if c.state&StateErr == 0 {
			c.state |= StateEOF
		}
		c.err = ErrClosed
		c.rbuf, c.wbuf = nil, nil
		c.roff, c.woff = 0, 0
	})
	return err
}

// Closed reports whether Close has run.
func (c *Connection) Closed() bool {
	return c.isClosed()
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) fail(err error) {
	c.state |= StateErr
	c.err = err
	c.rbuf, c.wbuf = c.rbuf[:0], c.wbuf[:0]
	c.roff, c.woff = 0, 0
}

func (c *Connection) post(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Connection) readLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.arm:
		}
		if c.handshake {
			c.handshake = false
			err := c.conn.(*tls.Conn).Handshake()
			if !c.post(Event{Conn: c, Kind: EventHandshake, Err: err}) || err != nil {
				return
			}
		}
		n, err := c.conn.Read(c.chunk)
		if !c.post(Event{Conn: c, Kind: EventReadable, N: n, Err: err}) || err != nil {
			return
		}
	}
}

func (c *Connection) flushLoop() {
	for {
		select {
		case <-c.done:
			return
		case seg := <-c.writes:
			n, err := c.conn.Write(seg)
			if !c.post(Event{Conn: c, Kind: EventWritten, N: n, Err: err}) {
				return
			}
		}
	}
}
