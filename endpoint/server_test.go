package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/upeter/spray/pipeline"
	"github.com/upeter/spray/selector"
)

type chanRecipient chan any

func (c chanRecipient) Deliver(msg any) { c <- msg }

func await[T any](tb testing.TB, ch <-chan T) T {
	tb.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		tb.Fatalf("timed out awaiting %T", *new(T))
		panic("unreachable")
	}
}

// muxCall records one invocation on the fake multiplexer.
type muxCall struct {
	op      string
	replyTo pipeline.Recipient
	addr    string
	backlog int
	binding selector.Binding
	link    selector.Link
	sink    pipeline.Recipient
}

// fakeMux hands every call to the test, which plays the selector by
// delivering replies itself.
type fakeMux struct {
	calls chan muxCall
}

func newFakeMux() *fakeMux {
	return &fakeMux{calls: make(chan muxCall, 16)}
}

func (f *fakeMux) Bind(owner pipeline.Recipient, addr string, backlog int) {
	f.calls <- muxCall{op: "bind", replyTo: owner, addr: addr, backlog: backlog}
}

func (f *fakeMux) Unbind(replyTo pipeline.Recipient, b selector.Binding) {
	f.calls <- muxCall{op: "unbind", replyTo: replyTo, binding: b}
}

func (f *fakeMux) Connect(replyTo pipeline.Recipient, addr string) {
	f.calls <- muxCall{op: "connect", replyTo: replyTo, addr: addr}
}

func (f *fakeMux) Register(l selector.Link, sink pipeline.Recipient) {
	f.calls <- muxCall{op: "register", link: l, sink: sink}
}

func awaitCall(tb testing.TB, m *fakeMux, op string) muxCall {
	tb.Helper()
	c := await(tb, m.calls)
	require.Equal(tb, op, c.op)
	return c
}

type fakeBinding struct{ addr net.Addr }

func (b fakeBinding) Addr() net.Addr { return b.addr }

// recordingHandler funnels everything a connection reports into channels.
type recordingHandler struct {
	received chan []byte
	states   chan ConnState
	acks     chan uint32
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		received: make(chan []byte, 64),
		states:   make(chan ConnState, 16),
		acks:     make(chan uint32, 64),
	}
}

func (h *recordingHandler) HandleReceive(conn *Conn, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	h.received <- buf
	return nil
}

func (h *recordingHandler) HandleConnState(conn *Conn, state ConnState) { h.states <- state }

func (h *recordingHandler) HandleAck(conn *Conn, token uint32) { h.acks <- token }

// awaitPayload accumulates Received fragments until n bytes arrived.
func awaitPayload(tb testing.TB, h *recordingHandler, n int) []byte {
	tb.Helper()
	var got []byte
	for len(got) < n {
		got = append(got, await(tb, h.received)...)
	}
	require.Len(tb, got, n)
	return got
}

// calcHandler answers "a+b" with the sum and "EXIT" with "OK" followed by a
// clean close.
type calcHandler struct{}

func (calcHandler) HandleReceive(conn *Conn, data []byte) error {
	line := strings.TrimSpace(string(data))
	if line == "EXIT" {
		conn.Send([]byte("OK"))
		conn.Close(pipeline.CleanClose)
		return nil
	}
	left, right, ok := strings.Cut(line, "+")
	if !ok {
		return fmt.Errorf("malformed expression %q", line)
	}
	a, err := strconv.Atoi(strings.TrimSpace(left))
	if err != nil {
		return err
	}
	b, err := strconv.Atoi(strings.TrimSpace(right))
	if err != nil {
		return err
	}
	conn.Send([]byte(strconv.Itoa(a + b)))
	return nil
}

// reasonRecorder captures the close reason kind of every connection that
// reaches StateClosed.
type reasonRecorder struct{ kinds chan pipeline.ReasonKind }

func (r reasonRecorder) HandleConnState(conn *Conn, state ConnState) {
	if state == StateClosed {
		r.kinds <- conn.CloseReason().Kind
	}
}

func TestServerPhaseGating(t *testing.T) {
	defer goleak.VerifyNone(t)

	mux := newFakeMux()
	srv := &Server{Mux: mux}
	defer srv.Shutdown()

	listen := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}

	// Unbound: Unbind has nothing to release.
	rec := make(chanRecipient, 1)
	srv.Unbind(rec)
	rej := await(t, rec).(CommandRejected)
	require.Equal(t, Unbound, rej.Phase)
	require.Equal(t, "not yet bound", rej.Reason)
	require.EqualError(t, rej, "pipeline.Unbind rejected while unbound: not yet bound")

	// Bind moves to Binding; both commands bounce until the reply lands.
	binder := make(chanRecipient, 1)
	srv.Bind(binder, "127.0.0.1:4000", 128)
	bindCall := awaitCall(t, mux, "bind")
	require.Equal(t, "127.0.0.1:4000", bindCall.addr)
	require.Equal(t, 128, bindCall.backlog)

	rec = make(chanRecipient, 1)
	srv.Bind(rec, "127.0.0.1:4001", 128)
	rej = await(t, rec).(CommandRejected)
	require.Equal(t, Binding, rej.Phase)
	require.Equal(t, "still binding", rej.Reason)

	rec = make(chanRecipient, 1)
	srv.Unbind(rec)
	rej = await(t, rec).(CommandRejected)
	require.Equal(t, "still binding", rej.Reason)

	// Bound reply completes the bind toward the original requester.
	bindCall.replyTo.Deliver(selector.Bound{Binding: fakeBinding{addr: listen}, Addr: listen})
	bound := await(t, binder).(pipeline.Bound)
	require.Equal(t, listen, bound.Addr)

	rec = make(chanRecipient, 1)
	srv.Bind(rec, "127.0.0.1:4001", 128)
	rej = await(t, rec).(CommandRejected)
	require.Equal(t, Bound, rej.Phase)
	require.Equal(t, "already bound", rej.Reason)

	// Unbind moves to Unbinding; both commands bounce again.
	unbinder := make(chanRecipient, 1)
	srv.Unbind(unbinder)
	unbindCall := awaitCall(t, mux, "unbind")
	require.Equal(t, listen, unbindCall.binding.Addr())

	rec = make(chanRecipient, 1)
	srv.Bind(rec, "127.0.0.1:4001", 128)
	rej = await(t, rec).(CommandRejected)
	require.Equal(t, Unbinding, rej.Phase)
	require.Equal(t, "still unbinding", rej.Reason)

	rec = make(chanRecipient, 1)
	srv.Unbind(rec)
	rej = await(t, rec).(CommandRejected)
	require.Equal(t, "still unbinding", rej.Reason)

	// Unbound reply closes the cycle; a second bind starts over.
	unbindCall.replyTo.Deliver(selector.Unbound{Addr: listen})
	unbound := await(t, unbinder).(pipeline.Unbound)
	require.Equal(t, listen, unbound.Addr)

	binder = make(chanRecipient, 1)
	srv.Bind(binder, "127.0.0.1:4000", 128)
	awaitCall(t, mux, "bind").replyTo.Deliver(selector.BindFailed{Addr: "127.0.0.1:4000", Err: errors.New("boom")})
	require.IsType(t, CommandRejected{}, await(t, binder))

	t.Logf("Timer Pool => new:%d,reuse:%d,putback:%d.",
		timerPool.fresh.Load(), timerPool.reused.Load(), timerPool.put.Load())
}

func TestServerBindFailureRollsBack(t *testing.T) {
	defer goleak.VerifyNone(t)

	mux := newFakeMux()
	srv := &Server{Mux: mux}
	defer srv.Shutdown()

	cause := errors.New("address already in use")

	binder := make(chanRecipient, 1)
	srv.Bind(binder, "127.0.0.1:4000", 128)
	awaitCall(t, mux, "bind").replyTo.Deliver(selector.BindFailed{Addr: "127.0.0.1:4000", Err: cause})

	rej := await(t, binder).(CommandRejected)
	require.Equal(t, Unbound, rej.Phase)
	require.Equal(t, "bind failed", rej.Reason)
	require.ErrorIs(t, rej, cause)
	require.Equal(t, pipeline.Bind{Addr: "127.0.0.1:4000", Backlog: 128}, rej.Cmd)

	// The failure rolled the phase back, so a retry is accepted.
	listen := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	binder = make(chanRecipient, 1)
	srv.Bind(binder, "127.0.0.1:4000", 128)
	awaitCall(t, mux, "bind").replyTo.Deliver(selector.Bound{Binding: fakeBinding{addr: listen}, Addr: listen})
	require.IsType(t, pipeline.Bound{}, await(t, binder))

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Shutdown()
	}()
	awaitCall(t, mux, "unbind").replyTo.Deliver(selector.Unbound{Addr: listen})
	await(t, done)
}

func TestServerStrayBoundReplyIsReleased(t *testing.T) {
	defer goleak.VerifyNone(t)

	mux := newFakeMux()
	srv := &Server{Mux: mux}
	defer srv.Shutdown()

	// Force the loop up, then inject a reply no request is waiting for.
	rec := make(chanRecipient, 1)
	srv.Unbind(rec)
	await(t, rec)

	stray := fakeBinding{addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4002}}
	srv.mbox.Deliver(pipeline.Envelope{Requester: pipeline.Discard, Msg: selector.Bound{Binding: stray, Addr: stray.addr}})

	// The server cannot use the listener, so it hands it straight back.
	unbindCall := awaitCall(t, mux, "unbind")
	require.Equal(t, stray.addr, unbindCall.binding.Addr())
	unbindCall.replyTo.Deliver(selector.Unbound{Addr: stray.addr})

	// Still Unbound and still serviceable.
	rec = make(chanRecipient, 1)
	srv.Unbind(rec)
	require.Equal(t, "not yet bound", await(t, rec).(CommandRejected).Reason)
}

func TestServerShutdownBeforeFirstUse(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := &Server{Mux: newFakeMux()}
	srv.Shutdown()

	_, err := srv.BindWait("127.0.0.1:4000", 128)
	var rej CommandRejected
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "shutting down", rej.Reason)
}

func TestServerShutdownUnbindsAndRejects(t *testing.T) {
	defer goleak.VerifyNone(t)

	mux := newFakeMux()
	srv := &Server{Mux: mux}

	listen := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	binder := make(chanRecipient, 1)
	srv.Bind(binder, "127.0.0.1:4000", 128)
	awaitCall(t, mux, "bind").replyTo.Deliver(selector.Bound{Binding: fakeBinding{addr: listen}, Addr: listen})
	await(t, binder)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Shutdown()
	}()

	// Draining starts with releasing the listener.
	unbindCall := awaitCall(t, mux, "unbind")
	unbindCall.replyTo.Deliver(selector.Unbound{Addr: listen})
	await(t, done)

	_, err := srv.BindWait("127.0.0.1:4000", 128)
	var rej CommandRejected
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "shutting down", rej.Reason)

	// Safe to call again.
	srv.Shutdown()
}

func TestServeEchoRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	sel := &selector.TCPSelector{}
	defer sel.Shutdown()

	srv := &Server{Mux: sel, Handler: calcHandler{}}
	defer srv.Shutdown()

	addr, err := srv.BindWait("127.0.0.1:0", 128)
	require.NoError(t, err)

	h := newRecordingHandler()
	d := &Dialer{Mux: sel, Handler: h, ConnState: h}
	defer d.Shutdown()

	conn, err := d.Connect(addr.String())
	require.NoError(t, err)
	require.Equal(t, StateNew, await(t, h.states))

	conn.Send([]byte("1+2"))
	require.Equal(t, "3", string(awaitPayload(t, h, 1)))

	conn.Send([]byte("10+15"))
	require.Equal(t, "25", string(awaitPayload(t, h, 2)))

	conn.Close(pipeline.CleanClose)
	require.Equal(t, StateClosed, await(t, h.states))
	require.True(t, conn.Closed())
	require.Equal(t, pipeline.KCleanClose, conn.CloseReason().Kind)
	await(t, conn.Done())
}

func TestServeExitCloseHandshake(t *testing.T) {
	defer goleak.VerifyNone(t)

	sel := &selector.TCPSelector{}
	defer sel.Shutdown()

	serverKinds := make(chan pipeline.ReasonKind, 4)
	srv := &Server{Mux: sel, Handler: calcHandler{}, ConnState: reasonRecorder{kinds: serverKinds}}
	defer srv.Shutdown()

	addr, err := srv.BindWait("127.0.0.1:0", 128)
	require.NoError(t, err)

	h := newRecordingHandler()
	d := &Dialer{Mux: sel, Handler: h, ConnState: h}
	defer d.Shutdown()

	conn, err := d.Connect(addr.String())
	require.NoError(t, err)
	require.Equal(t, StateNew, await(t, h.states))

	conn.Send([]byte("EXIT"))
	require.Equal(t, "OK", string(awaitPayload(t, h, 2)))

	// The side that said OK closed cleanly; this side saw the peer go.
	require.Equal(t, StateClosed, await(t, h.states))
	require.Equal(t, pipeline.KPeerClosed, conn.CloseReason().Kind)
	require.Equal(t, pipeline.KCleanClose, await(t, serverKinds))
	await(t, conn.Done())
}

func TestSendAcknowledgements(t *testing.T) {
	defer goleak.VerifyNone(t)

	sel := &selector.TCPSelector{}
	defer sel.Shutdown()

	srv := &Server{Mux: sel, Handler: calcHandler{}}
	defer srv.Shutdown()

	addr, err := srv.BindWait("127.0.0.1:0", 128)
	require.NoError(t, err)

	h := newRecordingHandler()
	d := &Dialer{Mux: sel, Handler: h, ConnState: h, AckSends: true}
	defer d.Shutdown()

	conn, err := d.Connect(addr.String())
	require.NoError(t, err)

	first := conn.Send([]byte("1+2"))
	require.NotZero(t, first)
	require.Equal(t, first, await(t, h.acks))

	second := conn.Send([]byte("2+3"))
	require.NotZero(t, second)
	require.NotEqual(t, first, second)
	require.Equal(t, second, await(t, h.acks))
}

func TestCloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	sel := &selector.TCPSelector{}
	defer sel.Shutdown()

	srv := &Server{Mux: sel, Handler: calcHandler{}}
	defer srv.Shutdown()

	addr, err := srv.BindWait("127.0.0.1:0", 128)
	require.NoError(t, err)

	h := newRecordingHandler()
	d := &Dialer{Mux: sel, Handler: h, ConnState: h}
	defer d.Shutdown()

	conn, err := d.Connect(addr.String())
	require.NoError(t, err)
	require.Equal(t, StateNew, await(t, h.states))

	conn.Close(pipeline.CleanClose)
	conn.Close(pipeline.IoError(errors.New("too late")))

	require.Equal(t, StateClosed, await(t, h.states))
	require.Equal(t, pipeline.KCleanClose, conn.CloseReason().Kind)
	await(t, conn.Done())

	// The second close must not surface a second edge.
	select {
	case s := <-h.states:
		t.Fatalf("unexpected extra state %v", s)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerShutdownClosesConnections(t *testing.T) {
	defer goleak.VerifyNone(t)

	sel := &selector.TCPSelector{}
	defer sel.Shutdown()

	serverKinds := make(chan pipeline.ReasonKind, 4)
	srv := &Server{Mux: sel, Handler: calcHandler{}, ConnState: reasonRecorder{kinds: serverKinds}}

	addr, err := srv.BindWait("127.0.0.1:0", 128)
	require.NoError(t, err)

	h := newRecordingHandler()
	d := &Dialer{Mux: sel, Handler: h, ConnState: h}
	defer d.Shutdown()

	conn, err := d.Connect(addr.String())
	require.NoError(t, err)
	require.Equal(t, StateNew, await(t, h.states))

	srv.Shutdown()

	require.Equal(t, pipeline.KCleanClose, await(t, serverKinds))
	require.Equal(t, StateClosed, await(t, h.states))
	require.Equal(t, pipeline.KPeerClosed, conn.CloseReason().Kind)

	// A fresh bind is refused once draining finished.
	_, err = srv.BindWait("127.0.0.1:0", 128)
	var rej CommandRejected
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "shutting down", rej.Reason)
}
