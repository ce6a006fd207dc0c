package endpoint

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/upeter/spray/pipeline"
	"github.com/upeter/spray/selector"
)

type connConfig struct {
	link      selector.Link
	mux       selector.Multiplexer
	stage     pipeline.Stage
	handler   Handler
	state     ConnStateHandler
	requester pipeline.Recipient
	watchdog  *Watchdog
	ackSends  bool
	log       zerolog.Logger
	finished  func(*Conn)
}

// Conn is one live connection. A dedicated goroutine drains its mailbox and
// drives the pipeline, so stage and handler code for the connection never
// runs concurrently.
type Conn struct {
	ctx      *pipeline.Context
	link     selector.Link
	mux      selector.Multiplexer
	handler  Handler
	state    ConnStateHandler
	watchdog *Watchdog
	ackSends bool
	finished func(*Conn)

	mbox *mailbox
	cmd  pipeline.CommandFunc
	evt  pipeline.EventFunc

	seq      uint32
	sawClose bool
	reason   pipeline.Reason
	closed   atomic.Bool
	doneCh   chan struct{}
}

func newConn(cfg connConfig) *Conn {
	c := &Conn{
		link:     cfg.link,
		mux:      cfg.mux,
		handler:  cfg.handler,
		state:    cfg.state,
		watchdog: cfg.watchdog,
		ackSends: cfg.ackSends,
		finished: cfg.finished,
		mbox:     newMailbox(),
		doneCh:   make(chan struct{}),
	}
	if c.handler == nil {
		c.handler = DefaultHandler
	}
	if c.state == nil {
		c.state = DefaultConnStateHandler
	}
	stage := cfg.stage
	if stage == nil {
		stage = pipeline.Identity
	}

	c.ctx = pipeline.NewContext(cfg.link.Key(), cfg.link.RemoteAddr(), cfg.requester, cfg.log)
	c.cmd, c.evt = stage.Build(c.ctx, c.transport, c.surface)

	return c
}

// start enqueues the Connected event ahead of registration so it precedes
// every Received, then spins up the mailbox goroutine.
func (c *Conn) start(wg *sync.WaitGroup) {
	c.mbox.Deliver(pipeline.Connected{Key: c.ctx.Key(), Peer: c.ctx.Peer()})
	c.mux.Register(c.link, c.mbox)

	go func() {
		defer wg.Done()
		c.run()
	}()
}

// run drains the mailbox until the terminal Closed dispatches; anything
// still queued behind it is dropped, never handed to the pipeline.
func (c *Conn) run() {
	defer close(c.doneCh)

	var batch []any
	for !c.sawClose {
		var ok bool
		batch, ok = c.mbox.takeAll(batch)
		if !ok {
			break
		}
		for _, msg := range batch {
			c.dispatch(msg)
			if c.sawClose {
				break
			}
		}
	}

	c.mbox.close()
	if c.finished != nil {
		c.finished(c)
	}
}

func (c *Conn) dispatch(msg any) {
	switch m := msg.(type) {
	case pipeline.Command:
		c.cmd(m)
	case pipeline.Event:
		c.evt(m)
	default:
		c.ctx.Log().Error().Type("msg", msg).Msg("unroutable connection message")
	}
}

// transport is the bottom of the pipeline: commands that survive the stage
// stack land on the link here.
func (c *Conn) transport(cmd pipeline.Command) {
	switch cmd := cmd.(type) {
	case pipeline.Send:
		c.link.Send(cmd.Data, cmd.Token)
	case pipeline.Close:
		c.link.Close(cmd.Reason)
	case pipeline.StopReading:
		c.link.StopReading()
	case pipeline.ResumeReading:
		c.link.ResumeReading()
	case pipeline.Tell:
		if cmd.To != nil {
			cmd.To.Deliver(cmd.Msg)
		}
	default:
		c.ctx.Log().Error().Type("cmd", cmd).Msg("command cannot reach a link")
	}
}

// surface is the top of the pipeline: events that survive the stage stack
// reach the application here. At most one Closed gets through.
func (c *Conn) surface(ev pipeline.Event) {
	switch ev := ev.(type) {
	case pipeline.Connected:
		if c.watchdog != nil {
			c.watchdog.Touch(c)
		}
		c.guard("state", func() error {
			c.state.HandleConnState(c, StateNew)
			return nil
		})
	case pipeline.Received:
		if c.watchdog != nil {
			c.watchdog.Touch(c)
		}
		c.guard("receive", func() error {
			return c.handler.HandleReceive(c, ev.Data)
		})
	case pipeline.AckSend:
		if ah, ok := c.handler.(AckHandler); ok {
			token := ev.Token
			c.guard("ack", func() error {
				ah.HandleAck(c, token)
				return nil
			})
		}
	case pipeline.Closed:
		if c.sawClose {
			return
		}
		c.sawClose = true
		c.reason = ev.Reason
		if c.watchdog != nil {
			c.watchdog.Forget(c)
		}
		c.closed.Store(true)
		c.ctx.Log().Debug().Stringer("reason", ev.Reason).Msg("connection down")
		c.guard("state", func() error {
			c.state.HandleConnState(c, StateClosed)
			return nil
		})
	default:
		c.ctx.Log().Debug().Type("event", ev).Msg("event absorbed at surface")
	}
}

// guard keeps handler failures connection-local: errors are logged and the
// triggering message dropped, panics are recovered.
func (c *Conn) guard(op string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.ctx.Log().Error().Str("op", op).Interface("panic", r).Msg("handler panicked")
		}
	}()
	if err := fn(); err != nil {
		c.ctx.Log().Error().Str("op", op).Err(err).Msg("handler failed")
	}
}

func (c *Conn) nextToken() uint32 {
	for {
		if token := atomic.AddUint32(&c.seq, 1); token != 0 {
			return token
		}
	}
}

func (c *Conn) Key() pipeline.ConnKey { return c.ctx.Key() }

func (c *Conn) LocalAddr() net.Addr { return c.link.LocalAddr() }

func (c *Conn) RemoteAddr() net.Addr { return c.ctx.Peer() }

func (c *Conn) Log() *zerolog.Logger { return c.ctx.Log() }

// Issue dispatches cmd on the connection goroutine in FIFO order. A Send
// issued directly must own its Data slice until dispatched.
func (c *Conn) Issue(cmd pipeline.Command) { c.mbox.Deliver(cmd) }

// Send copies data and queues it for the peer. The returned token is
// non-zero when send acknowledgements are on; the matching AckSend arrives
// once the bytes reach the socket.
func (c *Conn) Send(data []byte) uint32 {
	buf := make([]byte, len(data))
	copy(buf, data)

	var token uint32
	if c.ackSends {
		token = c.nextToken()
	}
	c.Issue(pipeline.Send{Data: buf, Token: token})
	return token
}

// Close requests teardown with reason. Safe to call on an already-closed
// connection; at most one Closed reaches the application either way.
func (c *Conn) Close(reason pipeline.Reason) { c.Issue(pipeline.Close{Reason: reason}) }

func (c *Conn) StopReading() { c.Issue(pipeline.StopReading{}) }

func (c *Conn) ResumeReading() { c.Issue(pipeline.ResumeReading{}) }

// Closed reports whether the terminal Closed event has been observed.
func (c *Conn) Closed() bool { return c.closed.Load() }

// CloseReason is valid once Closed reports true.
func (c *Conn) CloseReason() pipeline.Reason { return c.reason }

// Done closes once the connection goroutine has fully stopped.
func (c *Conn) Done() <-chan struct{} { return c.doneCh }
