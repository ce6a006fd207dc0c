package selector

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"github.com/upeter/spray/pipeline"
)

const (
	// DefaultReadBufferSize is the per-link read buffer size when
	// ReadBufferSize is left zero.
	DefaultReadBufferSize = 4096

	// DefaultDialTimeout bounds Connect when DialTimeout is left zero.
	DefaultDialTimeout = 3 * time.Second
)

var _ Multiplexer = (*TCPSelector)(nil)

// TCPSelector multiplexes TCP listeners and links. The zero value is ready
// to use; configure the exported fields before the first call.
type TCPSelector struct {
	// ReadBufferSize is the size of each link's read buffer.
	ReadBufferSize int

	// DialTimeout bounds Connect attempts.
	DialTimeout time.Duration

	// Log receives selector diagnostics. The zero value is silent.
	Log zerolog.Logger

	once sync.Once

	mu       sync.Mutex
	stopped  bool
	bindings map[*tcpBinding]struct{}
	links    map[*tcpLink]struct{}

	wg sync.WaitGroup
}

func (s *TCPSelector) init() {
	s.once.Do(func() {
		s.bindings = make(map[*tcpBinding]struct{})
		s.links = make(map[*tcpLink]struct{})
	})
}

func (s *TCPSelector) Bind(owner pipeline.Recipient, addr string, backlog int) {
	if backlog < 0 {
		owner.Deliver(BindFailed{Addr: addr, Err: fmt.Errorf("negative backlog %d", backlog)})
		return
	}
	if !s.track() {
		owner.Deliver(BindFailed{Addr: addr, Err: net.ErrClosed})
		return
	}
	go func() {
		defer s.wg.Done()

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			owner.Deliver(BindFailed{Addr: addr, Err: err})
			return
		}
		if backlog > 0 {
			ln = netutil.LimitListener(ln, backlog)
		}

		tb := &tcpBinding{sel: s, ln: ln, owner: owner, done: make(chan struct{})}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			ln.Close()
			close(tb.done)
			owner.Deliver(BindFailed{Addr: addr, Err: net.ErrClosed})
			return
		}
		s.bindings[tb] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		s.Log.Debug().Stringer("addr", ln.Addr()).Int("backlog", backlog).Msg("listener up")

		// The owner sees Bound before the first Connected.
		owner.Deliver(Bound{Binding: tb, Addr: ln.Addr()})

		go tb.acceptLoop()
	}()
}

func (s *TCPSelector) Unbind(replyTo pipeline.Recipient, b Binding) {
	tb := b.(*tcpBinding)
	if !s.track() {
		tb.close()
		replyTo.Deliver(Unbound{Addr: tb.Addr()})
		return
	}
	go func() {
		defer s.wg.Done()

		tb.close()
		<-tb.done // no Connected may trail the Unbound
		s.dropBinding(tb)

		s.Log.Debug().Stringer("addr", tb.Addr()).Msg("listener down")

		replyTo.Deliver(Unbound{Addr: tb.Addr()})
	}()
}

func (s *TCPSelector) Connect(replyTo pipeline.Recipient, addr string) {
	if !s.track() {
		replyTo.Deliver(ConnectFailed{Addr: addr, Err: net.ErrClosed})
		return
	}
	go func() {
		defer s.wg.Done()

		conn, err := net.DialTimeout("tcp", addr, s.dialTimeout())
		if err != nil {
			replyTo.Deliver(ConnectFailed{Addr: addr, Err: err})
			return
		}

		l := s.newLink(conn)
		if l == nil {
			conn.Close()
			replyTo.Deliver(ConnectFailed{Addr: addr, Err: net.ErrClosed})
			return
		}

		replyTo.Deliver(Connected{Link: l})
	}()
}

func (s *TCPSelector) Register(l Link, sink pipeline.Recipient) {
	l.(*tcpLink).register(sink)
}

// Shutdown closes every binding and link and waits for all selector
// goroutines to stop. Safe to call more than once.
func (s *TCPSelector) Shutdown() {
	s.init()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	bindings := make([]*tcpBinding, 0, len(s.bindings))
	for tb := range s.bindings {
		bindings = append(bindings, tb)
	}
	links := make([]*tcpLink, 0, len(s.links))
	for tl := range s.links {
		links = append(links, tl)
	}
	s.mu.Unlock()

	for _, tb := range bindings {
		tb.close()
	}
	for _, tl := range links {
		tl.Close(pipeline.IoError(net.ErrClosed))
	}

	s.wg.Wait()
}

func (s *TCPSelector) track() bool {
	s.init()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *TCPSelector) newLink(conn net.Conn) *tcpLink {
	l := &tcpLink{
		sel:      s,
		conn:     conn,
		key:      pipeline.NewConnKey(),
		readDone: make(chan struct{}),
	}
	l.writerCond.L = &l.mu
	l.readCond.L = &l.mu

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.links[l] = struct{}{}
	s.mu.Unlock()

	return l
}

func (s *TCPSelector) dropBinding(tb *tcpBinding) {
	s.mu.Lock()
	delete(s.bindings, tb)
	s.mu.Unlock()
}

func (s *TCPSelector) dropLink(l *tcpLink) {
	s.mu.Lock()
	delete(s.links, l)
	s.mu.Unlock()
}

func (s *TCPSelector) readBufferSize() int {
	if s.ReadBufferSize <= 0 {
		return DefaultReadBufferSize
	}
	return s.ReadBufferSize
}

func (s *TCPSelector) dialTimeout() time.Duration {
	if s.DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return s.DialTimeout
}

type tcpBinding struct {
	sel   *TCPSelector
	ln    net.Listener
	owner pipeline.Recipient

	once sync.Once
	done chan struct{}
}

func (b *tcpBinding) Addr() net.Addr { return b.ln.Addr() }

func (b *tcpBinding) close() {
	b.once.Do(func() { b.ln.Close() })
}

func (b *tcpBinding) acceptLoop() {
	defer b.sel.wg.Done()
	defer close(b.done)

	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.sel.Log.Warn().Err(err).Stringer("addr", b.ln.Addr()).Msg("accept failed")
			}
			return
		}

		l := b.sel.newLink(conn)
		if l == nil {
			conn.Close()
			return
		}

		b.owner.Deliver(Connected{Link: l})
	}
}
