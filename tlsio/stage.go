package tlsio

import (
	"crypto/tls"
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/upeter/spray/pipeline"
)

// SessionState is the lifecycle of one TLS session.
type SessionState uint8

const (
	SessionNotStarted SessionState = iota
	SessionHandshaking
	SessionEstablished
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionNotStarted:
		return "not started"
	case SessionHandshaking:
		return "handshaking"
	case SessionEstablished:
		return "established"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("session(%d)", uint8(s))
	}
}

// DefaultMaxPendingBytes bounds plaintext buffered while the handshake is
// still in flight. A peer that stalls the handshake while the application
// keeps writing must not grow memory without bound.
const DefaultMaxPendingBytes = 256 << 10

// Config parameterizes one side of the TLS stage.
type Config struct {
	// TLS is the crypto/tls configuration of this side. Required.
	TLS *tls.Config

	// MaxPendingBytes caps plaintext buffered during the handshake;
	// exceeding it fails the session. Defaults to DefaultMaxPendingBytes.
	MaxPendingBytes int
}

func (c Config) maxPending() int {
	if c.MaxPendingBytes <= 0 {
		return DefaultMaxPendingBytes
	}
	return c.MaxPendingBytes
}

// Client returns a stage running the TLS client role on every connection
// it is built into. The handshake opens as soon as the connection exists;
// sends issued before it completes are buffered and flushed in order.
func Client(cfg Config) pipeline.Stage {
	return pipeline.StageFunc(func(ctx *pipeline.Context, down pipeline.CommandFunc, up pipeline.EventFunc) (pipeline.CommandFunc, pipeline.EventFunc) {
		s := &session{ctx: ctx, down: down, up: up, cfg: cfg}
		return s.command, s.event
	})
}

// Server is the listening-side counterpart of Client: the handshake waits
// for the peer's first bytes.
func Server(cfg Config) pipeline.Stage {
	return pipeline.StageFunc(func(ctx *pipeline.Context, down pipeline.CommandFunc, up pipeline.EventFunc) (pipeline.CommandFunc, pipeline.EventFunc) {
		s := &session{ctx: ctx, down: down, up: up, cfg: cfg, server: true}
		return s.command, s.event
	})
}

// pendingSend is one application Send held back during the handshake. The
// bytes are copied in, so the issuer's slice is consumed on dispatch as
// the command contract promises.
type pendingSend struct {
	buf   *bytebufferpool.ByteBuffer
	token uint32
}

// session is the per-connection state of the TLS stage. Stage handlers of
// one connection never run concurrently, so no lock is needed.
type session struct {
	ctx  *pipeline.Context
	down pipeline.CommandFunc
	up   pipeline.EventFunc

	cfg    Config
	server bool

	state      SessionState
	engine     Engine
	pending    []pendingSend
	pendingLen int
	checked    bool // first inbound bytes sanity-checked
}

func (s *session) command(cmd pipeline.Command) {
	switch cmd := cmd.(type) {
	case pipeline.Send:
		s.send(cmd)
	case pipeline.Close:
		s.close(cmd)
	default:
		s.down(cmd)
	}
}

func (s *session) event(ev pipeline.Event) {
	switch ev := ev.(type) {
	case pipeline.Connected:
		if s.state == SessionNotStarted {
			s.start()
		}
		s.up(ev)
	case pipeline.Received:
		s.receive(ev)
	case pipeline.Closed:
		s.transportClosed(ev)
	default:
		s.up(ev)
	}
}

// start brings the engine up. The client speaks first; the server engine
// produces nothing until the peer's bytes arrive.
func (s *session) start() {
	if s.server {
		s.engine = NewServerEngine(s.cfg.TLS)
	} else {
		s.engine = NewClientEngine(s.cfg.TLS)
	}
	s.state = SessionHandshaking

	res, err := s.engine.Start()
	if err != nil {
		s.fault(pipeline.ProtocolError(err.Error()))
		return
	}
	s.ctx.Log().Debug().Bool("server", s.server).Msg("tls handshake begun")
	if len(res.Outbound) > 0 {
		s.down(pipeline.Send{Data: res.Outbound})
	}
}

func (s *session) send(cmd pipeline.Send) {
	switch s.state {
	case SessionClosed:
		s.ctx.Log().Debug().Int("len", len(cmd.Data)).Msg("tls send after close dropped")
	case SessionNotStarted:
		s.start()
		if s.state == SessionHandshaking {
			s.buffer(cmd)
		}
	case SessionHandshaking:
		s.buffer(cmd)
	case SessionEstablished:
		wrapped, err := s.engine.Wrap(cmd.Data)
		if err != nil {
			s.fault(pipeline.ProtocolError(err.Error()))
			return
		}
		s.down(pipeline.Send{Data: wrapped, Token: cmd.Token})
	}
}

func (s *session) buffer(cmd pipeline.Send) {
	if s.pendingLen+len(cmd.Data) > s.cfg.maxPending() {
		s.fault(pipeline.ProtocolError(fmt.Sprintf("handshake send buffer exceeded %d bytes", s.cfg.maxPending())))
		return
	}
	buf := bytebufferpool.Get()
	buf.Set(cmd.Data)
	s.pending = append(s.pending, pendingSend{buf: buf, token: cmd.Token})
	s.pendingLen += len(cmd.Data)
}

func (s *session) receive(ev pipeline.Received) {
	if s.state == SessionClosed {
		s.ctx.Log().Debug().Int("len", len(ev.Data)).Msg("tls receive after close dropped")
		return
	}
	if s.state == SessionNotStarted {
		s.start()
		if s.state != SessionHandshaking {
			return
		}
	}

	// The first bytes of the exchange must open a plausible record. A
	// first fragment shorter than a header is left to the engine.
	if !s.checked {
		s.checked = true
		if header, err := UnmarshalRecordHeader(ev.Data); err == nil {
			if err := header.Validate(); err != nil {
				s.fault(pipeline.ProtocolError(err.Error()))
				return
			}
		}
	}

	res, err := s.engine.Unwrap(ev.Data)
	if len(res.Outbound) > 0 {
		s.down(pipeline.Send{Data: res.Outbound})
	}
	if err != nil {
		s.fault(pipeline.ProtocolError(err.Error()))
		return
	}

	if s.state == SessionHandshaking && s.engine.HandshakeDone() {
		s.established()
		if s.state != SessionEstablished {
			return
		}
	}

	if len(res.Plaintext) > 0 {
		s.up(pipeline.Received{Key: ev.Key, Data: res.Plaintext})
	}

	if res.Status == StatusClosed {
		s.peerClosed()
	}
}

// established flushes the sends the handshake held back, oldest first.
func (s *session) established() {
	s.state = SessionEstablished
	s.ctx.Log().Debug().Int("pending", len(s.pending)).Msg("tls established")

	pending := s.pending
	s.pending = nil
	s.pendingLen = 0

	for i, p := range pending {
		wrapped, err := s.engine.Wrap(p.buf.B)
		if err != nil {
			releasePending(pending[i:])
			s.fault(pipeline.ProtocolError(err.Error()))
			return
		}
		s.down(pipeline.Send{Data: wrapped, Token: p.token})
		bytebufferpool.Put(p.buf)
	}
}

// peerClosed answers the peer's close_notify and takes the session down.
// The peer initiated it, so that is the reason the connection ends with.
func (s *session) peerClosed() {
	s.ctx.Log().Debug().Msg("tls peer closed")
	if out, err := s.engine.CloseOutbound(); err == nil && len(out) > 0 {
		s.down(pipeline.Send{Data: out})
	}
	s.teardown()
	s.down(pipeline.Close{Reason: pipeline.PeerClosed})
}

func (s *session) close(cmd pipeline.Close) {
	if s.state == SessionEstablished {
		if out, err := s.engine.CloseOutbound(); err == nil && len(out) > 0 {
			s.down(pipeline.Send{Data: out})
		}
	}
	s.teardown()
	s.down(cmd)
}

// transportClosed forwards the terminal event unchanged; the session dies
// with the transport and the engine is never called again.
func (s *session) transportClosed(ev pipeline.Closed) {
	if s.state != SessionClosed {
		s.ctx.Log().Debug().Stringer("reason", ev.Reason).Stringer("state", s.state).Msg("tls transport closed")
		s.teardown()
	}
	s.up(ev)
}

// fault ends the session on an engine or protocol failure: the transport
// is told to close with the reason, and the terminal Closed event carries
// it upward once the link dies.
func (s *session) fault(reason pipeline.Reason) {
	s.ctx.Log().Warn().Stringer("reason", reason).Msg("tls session fault")
	s.teardown()
	s.down(pipeline.Close{Reason: reason})
}

func (s *session) teardown() {
	if s.state == SessionClosed {
		return
	}
	s.state = SessionClosed
	releasePending(s.pending)
	s.pending = nil
	s.pendingLen = 0
	if s.engine != nil {
		s.engine.Close()
	}
}

func releasePending(pending []pendingSend) {
	for _, p := range pending {
		bytebufferpool.Put(p.buf)
	}
}
