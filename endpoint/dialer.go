package endpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/upeter/spray/pipeline"
	"github.com/upeter/spray/selector"
)

// Dialer opens outbound connections through the multiplexer and wires them
// with the same runner the server uses for accepted ones.
type Dialer struct {
	// Mux is the socket multiplexer dials go through. Required.
	Mux selector.Multiplexer

	// Stage builds the protocol stack of each dialed connection. Defaults
	// to pipeline.Identity.
	Stage pipeline.Stage

	// Handler receives connection bytes; ConnState its lifecycle edges.
	Handler   Handler
	ConnState ConnStateHandler

	// AckSends makes every Conn.Send carry a token answered by AckSend.
	AckSends bool

	// Watchdog, when set and started, arms deadlines for dialed
	// connections.
	Watchdog *Watchdog

	// MaxAttempts bounds Connect retries; zero means a single attempt.
	MaxAttempts int

	// ReplyTimeout bounds each dial attempt.
	ReplyTimeout time.Duration

	// Log receives dialer diagnostics. The zero value is silent.
	Log zerolog.Logger

	once  sync.Once
	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

func (d *Dialer) init() {
	d.once.Do(func() {
		d.conns = make(map[*Conn]struct{})
		if d.Handler == nil {
			d.Handler = DefaultHandler
		}
		if d.ConnState == nil {
			d.ConnState = DefaultConnStateHandler
		}
	})
}

// Connect dials addr, retrying with backoff up to MaxAttempts. It blocks
// until a connection is live or the last attempt failed.
func (d *Dialer) Connect(addr string) (*Conn, error) {
	d.init()

	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	b := &backoff.Backoff{
		Factor: 1.25,
		Jitter: true,
		Min:    500 * time.Millisecond,
		Max:    1 * time.Second,
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			duration := b.Duration()
			d.Log.Debug().Str("addr", addr).Dur("sleep", duration).Msg("retrying connect")
			time.Sleep(duration)
		}

		conn, err := d.dial(addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		d.Log.Warn().Err(err).Str("addr", addr).Msg("connect failed")
	}

	return nil, fmt.Errorf("failed to connect to '%s' after %d attempt(s): %w", addr, attempts, lastErr)
}

func (d *Dialer) dial(addr string) (*Conn, error) {
	reply := newConnectReply()
	d.Mux.Connect(reply, addr)

	t := timerPool.acquire(d.replyTimeout())
	defer timerPool.release(t)

	select {
	case msg := <-reply.ch:
		switch m := msg.(type) {
		case selector.Connected:
			return d.wire(m.Link), nil
		case selector.ConnectFailed:
			return nil, m.Err
		default:
			return nil, fmt.Errorf("unexpected connect reply %T", msg)
		}
	case <-t.C:
		reply.abandon()
		return nil, ErrReplyTimeout
	}
}

func (d *Dialer) wire(link selector.Link) *Conn {
	conn := newConn(connConfig{
		link:      link,
		mux:       d.Mux,
		stage:     d.Stage,
		handler:   d.Handler,
		state:     d.ConnState,
		requester: pipeline.Discard,
		watchdog:  d.Watchdog,
		ackSends:  d.AckSends,
		log:       d.Log,
		finished:  d.connFinished,
	})

	d.mu.Lock()
	d.conns[conn] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	d.Log.Debug().Stringer("conn", conn.Key()).Stringer("peer", conn.RemoteAddr()).Msg("connection up")
	conn.start(&d.wg)
	return conn
}

func (d *Dialer) connFinished(c *Conn) {
	d.mu.Lock()
	delete(d.conns, c)
	d.mu.Unlock()
}

// Shutdown closes every live dialed connection and waits for their
// goroutines to stop. Safe to call more than once.
func (d *Dialer) Shutdown() {
	d.init()

	d.mu.Lock()
	conns := make([]*Conn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.Close(pipeline.CleanClose)
	}
	d.wg.Wait()
}

func (d *Dialer) replyTimeout() time.Duration {
	if d.ReplyTimeout <= 0 {
		return DefaultReplyTimeout
	}
	return d.ReplyTimeout
}

// connectReply keeps the first dial reply; a link arriving after the caller
// gave up is closed instead of leaked. The abandoned flag and the channel
// move together under mu, so a reply can never park behind an abandon.
type connectReply struct {
	mu        sync.Mutex
	abandoned bool
	ch        chan any
}

func newConnectReply() *connectReply {
	return &connectReply{ch: make(chan any, 1)}
}

func (r *connectReply) Deliver(msg any) {
	r.mu.Lock()
	if !r.abandoned {
		select {
		case r.ch <- msg:
			r.mu.Unlock()
			return
		default:
		}
	}
	r.mu.Unlock()

	discardConnectReply(msg)
}

func (r *connectReply) abandon() {
	r.mu.Lock()
	r.abandoned = true
	var stale any
	select {
	case stale = <-r.ch:
	default:
	}
	r.mu.Unlock()

	if stale != nil {
		discardConnectReply(stale)
	}
}

func discardConnectReply(msg any) {
	if m, ok := msg.(selector.Connected); ok {
		m.Link.Close(pipeline.IoError(ErrReplyTimeout))
	}
}
