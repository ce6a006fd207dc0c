// Package endpoint drives connection lifecycles over a socket multiplexer:
// a server state machine gating bind and unbind, a dialer for the client
// side, per-connection mailbox runners, and a deadline watchdog. All
// collaborator traffic is fire-and-forget messages; outcomes come back as
// replies or rejections, never as blocking calls.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/upeter/spray/pipeline"
	"github.com/upeter/spray/selector"
)

// DefaultReplyTimeout bounds the blocking helpers when ReplyTimeout is left
// zero.
const DefaultReplyTimeout = 5 * time.Second

// ErrReplyTimeout reports a blocking helper that got no reply in time.
var ErrReplyTimeout = errors.New("timed out awaiting reply")

// Phase is the server lifecycle state. Transitions are strictly linear:
// Unbound, Binding, Bound, Unbinding, back to Unbound.
type Phase uint8

const (
	Unbound Phase = iota
	Binding
	Bound
	Unbinding
)

func (p Phase) String() string {
	switch p {
	case Unbound:
		return "unbound"
	case Binding:
		return "binding"
	case Bound:
		return "bound"
	case Unbinding:
		return "unbinding"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// CommandRejected reports a command the server refused in its current
// phase. It is delivered to the issuer as a message and doubles as an error
// for the blocking helpers.
type CommandRejected struct {
	Cmd    pipeline.Command
	Phase  Phase
	Reason string
	Cause  error
}

func (r CommandRejected) Error() string {
	if r.Cause != nil {
		return fmt.Sprintf("%T rejected while %s: %s: %v", r.Cmd, r.Phase, r.Reason, r.Cause)
	}
	return fmt.Sprintf("%T rejected while %s: %s", r.Cmd, r.Phase, r.Reason)
}

func (r CommandRejected) Unwrap() error { return r.Cause }

// Server owns one listener lifecycle and the connections accepted through
// it. Configure the exported fields before first use; a single goroutine
// dispatches every command and collaborator reply in arrival order.
type Server struct {
	// Mux is the socket multiplexer the server drives. Required.
	Mux selector.Multiplexer

	// Stage builds the protocol stack of each accepted connection.
	// Defaults to pipeline.Identity.
	Stage pipeline.Stage

	// Handler receives connection bytes; ConnState its lifecycle edges.
	Handler   Handler
	ConnState ConnStateHandler

	// AckSends makes every Conn.Send carry a token answered by AckSend.
	AckSends bool

	// Watchdog, when set and started, arms deadlines for accepted
	// connections.
	Watchdog *Watchdog

	// ReplyTimeout bounds BindWait and UnbindWait.
	ReplyTimeout time.Duration

	// Log receives server diagnostics. The zero value is silent.
	Log zerolog.Logger

	once sync.Once
	stop sync.Once
	wg   sync.WaitGroup
	mbox *mailbox

	// Everything below belongs to the dispatch goroutine.
	phase       Phase
	binding     selector.Binding
	addr        net.Addr
	pendingBind pipeline.Bind
	conns       map[pipeline.ConnKey]*Conn
	draining    bool
	drained     chan struct{}
}

type issueReq struct {
	requester pipeline.Recipient
	cmd       pipeline.Command
}

type connDone struct{ key pipeline.ConnKey }

type shutdownReq struct{ done chan struct{} }

// ensure lazily starts the dispatch goroutine. It reports false when the
// server was shut down before ever starting.
func (s *Server) ensure() bool {
	s.once.Do(func() {
		if s.Handler == nil {
			s.Handler = DefaultHandler
		}
		if s.ConnState == nil {
			s.ConnState = DefaultConnStateHandler
		}
		s.mbox = newMailbox()
		s.conns = make(map[pipeline.ConnKey]*Conn)
		s.wg.Add(1)
		go s.loop()
	})
	return s.mbox != nil
}

// Issue hands cmd to the server with requester as the reply target. The
// reply is a pipeline.Bound, pipeline.Unbound, or CommandRejected message.
func (s *Server) Issue(requester pipeline.Recipient, cmd pipeline.Command) {
	if requester == nil {
		requester = pipeline.Discard
	}
	if !s.ensure() || !s.mbox.offer(issueReq{requester: requester, cmd: cmd}) {
		requester.Deliver(CommandRejected{Cmd: cmd, Phase: Unbound, Reason: "shutting down"})
	}
}

// Bind asks for a listener on addr. Legal only while Unbound.
func (s *Server) Bind(requester pipeline.Recipient, addr string, backlog int) {
	s.Issue(requester, pipeline.Bind{Addr: addr, Backlog: backlog})
}

// Unbind releases the listener. Legal only while Bound.
func (s *Server) Unbind(requester pipeline.Recipient) {
	s.Issue(requester, pipeline.Unbind{})
}

// BindWait is the blocking form of Bind, returning the resolved listen
// address.
func (s *Server) BindWait(addr string, backlog int) (net.Addr, error) {
	o := newOneshot()
	s.Bind(o, addr, backlog)

	t := timerPool.acquire(s.replyTimeout())
	defer timerPool.release(t)

	select {
	case msg := <-o.ch:
		switch m := msg.(type) {
		case pipeline.Bound:
			return m.Addr, nil
		case CommandRejected:
			return nil, m
		default:
			return nil, fmt.Errorf("unexpected bind reply %T", msg)
		}
	case <-t.C:
		return nil, ErrReplyTimeout
	}
}

// UnbindWait is the blocking form of Unbind.
func (s *Server) UnbindWait() (net.Addr, error) {
	o := newOneshot()
	s.Unbind(o)

	t := timerPool.acquire(s.replyTimeout())
	defer timerPool.release(t)

	select {
	case msg := <-o.ch:
		switch m := msg.(type) {
		case pipeline.Unbound:
			return m.Addr, nil
		case CommandRejected:
			return nil, m
		default:
			return nil, fmt.Errorf("unexpected unbind reply %T", msg)
		}
	case <-t.C:
		return nil, ErrReplyTimeout
	}
}

func (s *Server) loop() {
	defer s.wg.Done()

	var batch []any
	for {
		var ok bool
		batch, ok = s.mbox.takeAll(batch)
		if !ok {
			return
		}
		for _, msg := range batch {
			s.dispatch(msg)
		}
	}
}

func (s *Server) dispatch(msg any) {
	switch m := msg.(type) {
	case issueReq:
		s.onCommand(m.requester, m.cmd)
	case pipeline.Envelope:
		s.onReply(m.Requester, m.Msg)
	case connDone:
		delete(s.conns, m.key)
		s.maybeFinish()
	case shutdownReq:
		s.beginShutdown(m.done)
	default:
		s.Log.Error().Type("msg", msg).Msg("unroutable server message")
	}
}

func (s *Server) onCommand(requester pipeline.Recipient, cmd pipeline.Command) {
	if s.draining {
		s.reject(requester, cmd, "shutting down")
		return
	}
	switch cmd := cmd.(type) {
	case pipeline.Bind:
		s.onBind(requester, cmd)
	case pipeline.Unbind:
		s.onUnbind(requester, cmd)
	default:
		s.reject(requester, cmd, s.phaseReason())
	}
}

// phaseReason is the canonical rejection text for the current phase.
func (s *Server) phaseReason() string {
	switch s.phase {
	case Binding:
		return "still binding"
	case Bound:
		return "already bound"
	case Unbinding:
		return "still unbinding"
	default:
		return "not yet bound"
	}
}

func (s *Server) reject(requester pipeline.Recipient, cmd pipeline.Command, reason string) {
	s.Log.Debug().Type("cmd", cmd).Stringer("phase", s.phase).Str("reason", reason).Msg("command rejected")
	requester.Deliver(CommandRejected{Cmd: cmd, Phase: s.phase, Reason: reason})
}

func (s *Server) onBind(requester pipeline.Recipient, cmd pipeline.Bind) {
	if s.phase != Unbound {
		s.reject(requester, cmd, s.phaseReason())
		return
	}
	s.phase = Binding
	s.pendingBind = cmd
	s.Log.Debug().Str("addr", cmd.Addr).Int("backlog", cmd.Backlog).Msg("binding")
	s.Mux.Bind(pipeline.Wrap(s.mbox, requester), cmd.Addr, cmd.Backlog)
}

func (s *Server) onUnbind(requester pipeline.Recipient, cmd pipeline.Unbind) {
	if s.phase != Bound {
		s.reject(requester, cmd, s.phaseReason())
		return
	}
	s.phase = Unbinding
	s.Log.Debug().Stringer("addr", s.addr).Msg("unbinding")
	s.Mux.Unbind(pipeline.Wrap(s.mbox, requester), s.binding)
}

func (s *Server) onReply(requester pipeline.Recipient, msg any) {
	switch m := msg.(type) {
	case selector.Bound:
		s.onBound(requester, m)
	case selector.BindFailed:
		s.onBindFailed(requester, m)
	case selector.Unbound:
		s.onUnbound(requester, m)
	case selector.Connected:
		s.onConnected(requester, m)
	default:
		s.Log.Error().Type("reply", msg).Msg("unroutable selector reply")
	}
}

func (s *Server) onBound(requester pipeline.Recipient, m selector.Bound) {
	if s.phase != Binding {
		// Nobody tracks this listener; hand it straight back.
		s.Log.Warn().Stringer("addr", m.Addr).Stringer("phase", s.phase).Msg("stray bound reply")
		s.Mux.Unbind(pipeline.Discard, m.Binding)
		return
	}
	s.phase = Bound
	s.binding = m.Binding
	s.addr = m.Addr
	s.pendingBind = pipeline.Bind{}
	s.Log.Info().Stringer("addr", m.Addr).Msg("bound")
	requester.Deliver(pipeline.Bound{Addr: m.Addr})

	if s.draining {
		s.phase = Unbinding
		s.Mux.Unbind(pipeline.Wrap(s.mbox, pipeline.Discard), s.binding)
	}
}

func (s *Server) onBindFailed(requester pipeline.Recipient, m selector.BindFailed) {
	if s.phase != Binding {
		s.Log.Warn().Err(m.Err).Str("addr", m.Addr).Msg("stray bind failure")
		return
	}
	cmd := s.pendingBind
	s.phase = Unbound
	s.pendingBind = pipeline.Bind{}
	s.Log.Warn().Err(m.Err).Str("addr", m.Addr).Msg("bind failed")
	requester.Deliver(CommandRejected{Cmd: cmd, Phase: Unbound, Reason: "bind failed", Cause: m.Err})
	s.maybeFinish()
}

func (s *Server) onUnbound(requester pipeline.Recipient, m selector.Unbound) {
	if s.phase != Unbinding {
		s.Log.Warn().Stringer("addr", m.Addr).Stringer("phase", s.phase).Msg("stray unbound reply")
		return
	}
	s.phase = Unbound
	s.binding = nil
	s.addr = nil
	s.Log.Info().Stringer("addr", m.Addr).Msg("unbound")
	requester.Deliver(pipeline.Unbound{Addr: m.Addr})
	s.maybeFinish()
}

// onConnected runs for every accepted link. Acceptance is independent of
// bind or unbind phase; only a draining server turns links away.
func (s *Server) onConnected(requester pipeline.Recipient, m selector.Connected) {
	if s.draining {
		m.Link.Close(pipeline.IoError(net.ErrClosed))
		return
	}

	conn := newConn(connConfig{
		link:      m.Link,
		mux:       s.Mux,
		stage:     s.Stage,
		handler:   s.Handler,
		state:     s.ConnState,
		requester: requester,
		watchdog:  s.Watchdog,
		ackSends:  s.AckSends,
		log:       s.Log,
		finished:  s.connFinished,
	})
	s.conns[conn.Key()] = conn
	s.Log.Debug().Stringer("conn", conn.Key()).Stringer("peer", conn.RemoteAddr()).Msg("connection up")

	s.wg.Add(1)
	conn.start(&s.wg)
}

// connFinished runs on the connection goroutine; the map update happens on
// the dispatch goroutine.
func (s *Server) connFinished(c *Conn) {
	_ = s.mbox.offer(connDone{key: c.Key()})
}

func (s *Server) beginShutdown(done chan struct{}) {
	if s.draining {
		close(done)
		return
	}
	s.draining = true
	s.drained = done

	if s.phase == Bound {
		s.phase = Unbinding
		s.Mux.Unbind(pipeline.Wrap(s.mbox, pipeline.Discard), s.binding)
	}
	for _, c := range s.conns {
		c.Close(pipeline.CleanClose)
	}
	s.maybeFinish()
}

// maybeFinish completes the shutdown once the listener is gone and the last
// connection has drained.
func (s *Server) maybeFinish() {
	if !s.draining || s.drained == nil || s.phase != Unbound || len(s.conns) != 0 {
		return
	}
	s.mbox.close()
	close(s.drained)
	s.drained = nil
}

// Shutdown unbinds, closes every connection cleanly, and waits for all
// server goroutines to stop. Safe to call more than once.
func (s *Server) Shutdown() {
	virgin := false
	s.once.Do(func() { virgin = true })
	if virgin {
		return
	}

	stopped := false
	s.stop.Do(func() { stopped = true })
	if !stopped {
		s.wg.Wait()
		return
	}

	done := make(chan struct{})
	if s.mbox.offer(shutdownReq{done: done}) {
		<-done
	}
	s.wg.Wait()
}

func (s *Server) replyTimeout() time.Duration {
	if s.ReplyTimeout <= 0 {
		return DefaultReplyTimeout
	}
	return s.ReplyTimeout
}
