package tlsio

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
)

// ErrEngineClosed reports a call on an engine after Close.
var ErrEngineClosed = errors.New("tls engine closed")

// Status tells the stage what the engine expects next.
type Status uint8

const (
	// StatusOK means the engine is idle; wrap or unwrap at will.
	StatusOK Status = iota
	// StatusWantRead means the handshake cannot progress without more
	// peer bytes.
	StatusWantRead
	// StatusClosed means the peer ended the session cleanly.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWantRead:
		return "want read"
	case StatusClosed:
		return "closed"
	default:
		return "status(?)"
	}
}

// Result carries everything one engine call produced. Plaintext and
// Outbound are views into engine-owned buffers, valid only until the next
// call on the same engine.
type Result struct {
	Plaintext []byte
	Outbound  []byte
	Status    Status
}

// Engine is an in-memory TLS endpoint: ciphertext in, plaintext out, and
// the other way around, with the handshake handled internally. All methods
// must be called from a single goroutine.
type Engine interface {
	// Start launches the handshake. A client engine returns its first
	// flight in Outbound; a server engine returns nothing and waits.
	Start() (Result, error)

	// Unwrap feeds ciphertext received from the peer and returns the
	// plaintext it decrypted plus any ciphertext the engine produced in
	// response. Partial records are held until completed by later calls.
	Unwrap(data []byte) (Result, error)

	// Wrap encrypts plaintext. Only valid once the handshake is done.
	Wrap(plaintext []byte) ([]byte, error)

	// HandshakeDone reports whether application data may flow.
	HandshakeDone() bool

	// CloseOutbound produces the close_notify flight. Only valid once
	// the handshake is done.
	CloseOutbound() ([]byte, error)

	// Close stops the engine and releases its buffers. Idempotent.
	Close()
}

// NewClientEngine returns an engine running the client role of config.
func NewClientEngine(config *tls.Config) Engine {
	return newEngine(func(conn net.Conn) *tls.Conn { return tls.Client(conn, config) })
}

// NewServerEngine returns an engine running the server role of config.
func NewServerEngine(config *tls.Config) Engine {
	return newEngine(func(conn net.Conn) *tls.Conn { return tls.Server(conn, config) })
}

// tlsEngine adapts crypto/tls to buffer-in/buffer-out calls. The tls.Conn
// sits on a wireConn whose reads block on bytes fed by Unwrap and whose
// writes pile up for the caller to flush. A pump goroutine owns the read
// side of the tls.Conn; engine calls wait until the pump is parked on an
// empty inbound buffer before collecting, so one call sees everything its
// input caused.
type tlsEngine struct {
	tconn *tls.Conn

	mu   sync.Mutex
	cond *sync.Cond

	inbound  []byte
	outbound *bytebufferpool.ByteBuffer
	plain    *bytebufferpool.ByteBuffer

	reading     bool // pump parked on an empty inbound
	handshakeOK bool
	peerEOF     bool // pump saw a clean close_notify
	closed      bool
	pumpDone    bool
	pumpErr     error
}

func newEngine(wrap func(net.Conn) *tls.Conn) *tlsEngine {
	e := &tlsEngine{
		outbound: bytebufferpool.Get(),
		plain:    bytebufferpool.Get(),
	}
	e.cond = sync.NewCond(&e.mu)
	e.tconn = wrap(&wireConn{e: e})

	go e.pump()
	return e
}

// pump owns tls.Conn.Read for the engine's lifetime. Handshake completion
// is recorded here rather than asked of the tls.Conn: its state accessors
// share a lock the handshake holds while parked waiting for peer bytes.
func (e *tlsEngine) pump() {
	err := e.tconn.Handshake()
	if err == nil {
		e.mu.Lock()
		e.handshakeOK = true
		e.mu.Unlock()

		var buf [4096]byte
		for {
			var n int
			n, err = e.tconn.Read(buf[:])
			if n > 0 {
				e.mu.Lock()
				e.plain.Write(buf[:n])
				e.mu.Unlock()
			}
			if err != nil {
				break
			}
		}
	}

	e.mu.Lock()
	e.pumpDone = true
	e.pumpErr = err
	if errors.Is(err, io.EOF) {
		e.peerEOF = true
	}
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *tlsEngine) Start() (Result, error) {
	return e.collect()
}

func (e *tlsEngine) Unwrap(data []byte) (Result, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{Status: StatusClosed}, ErrEngineClosed
	}
	e.inbound = append(e.inbound, data...)
	e.cond.Broadcast()
	e.mu.Unlock()

	return e.collect()
}

func (e *tlsEngine) Wrap(plaintext []byte) ([]byte, error) {
	_, err := e.tconn.Write(plaintext)
	return e.takeOutbound(), err
}

func (e *tlsEngine) HandshakeDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handshakeOK
}

func (e *tlsEngine) CloseOutbound() ([]byte, error) {
	err := e.tconn.CloseWrite()
	return e.takeOutbound(), err
}

func (e *tlsEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.cond.Broadcast()
	for !e.pumpDone {
		e.cond.Wait()
	}
	bytebufferpool.Put(e.outbound)
	bytebufferpool.Put(e.plain)
	e.outbound, e.plain = nil, nil
	e.inbound = nil
}

// collect blocks until the pump can make no further progress on its own,
// then drains whatever it produced. The pump cannot touch the buffers
// between engine calls, so handing out views is safe.
func (e *tlsEngine) collect() (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for !e.pumpDone && !(e.reading && len(e.inbound) == 0) {
		e.cond.Wait()
	}

	if e.plain == nil {
		return Result{Status: StatusClosed}, ErrEngineClosed
	}

	res := Result{
		Plaintext: e.plain.B,
		Outbound:  e.outbound.B,
		Status:    StatusOK,
	}
	e.plain.Reset()
	e.outbound.Reset()

	switch {
	case e.peerEOF:
		res.Status = StatusClosed
	case e.pumpDone:
		return res, e.pumpErr
	case !e.handshakeOK:
		res.Status = StatusWantRead
	}
	return res, nil
}

func (e *tlsEngine) takeOutbound() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outbound == nil {
		return nil
	}
	out := e.outbound.B
	e.outbound.Reset()
	return out
}

// wireConn is the in-memory net.Conn under the tls.Conn.
type wireConn struct{ e *tlsEngine }

func (w *wireConn) Read(p []byte) (int, error) {
	e := w.e
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.inbound) == 0 && !e.closed {
		e.reading = true
		e.cond.Broadcast()
		e.cond.Wait()
	}
	e.reading = false

	if len(e.inbound) == 0 {
		return 0, io.EOF
	}
	n := copy(p, e.inbound)
	e.inbound = e.inbound[n:]
	return n, nil
}

func (w *wireConn) Write(p []byte) (int, error) {
	e := w.e
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, net.ErrClosed
	}
	e.outbound.Write(p)
	return len(p), nil
}

func (w *wireConn) Close() error { return nil }

func (w *wireConn) LocalAddr() net.Addr { return wireAddr{} }

func (w *wireConn) RemoteAddr() net.Addr { return wireAddr{} }

func (w *wireConn) SetDeadline(time.Time) error { return nil }

func (w *wireConn) SetReadDeadline(time.Time) error { return nil }

func (w *wireConn) SetWriteDeadline(time.Time) error { return nil }

type wireAddr struct{}

func (wireAddr) Network() string { return "mem" }

func (wireAddr) String() string { return "mem" }
