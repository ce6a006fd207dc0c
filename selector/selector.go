// Package selector owns the sockets. It exposes the multiplexer contract
// the endpoint layer drives and a TCP implementation of it; outcomes of
// every operation travel back to the caller as messages, never as return
// values, so callers stay free of socket I/O.
package selector

import (
	"net"

	"github.com/upeter/spray/pipeline"
)

// Multiplexer is the socket collaborator behind the endpoint layer. All
// calls are fire-and-forget.
type Multiplexer interface {
	// Bind opens a listener on addr. backlog caps concurrently open
	// accepted connections; zero lifts the cap. owner receives one Bound
	// or BindFailed, then one Connected per accepted connection.
	Bind(owner pipeline.Recipient, addr string, backlog int)
	// Unbind closes the listener behind b. replyTo receives one Unbound
	// after the accept loop has fully stopped, so no Connected can trail
	// the reply.
	Unbind(replyTo pipeline.Recipient, b Binding)
	// Connect dials addr. replyTo receives one Connected or ConnectFailed.
	Connect(replyTo pipeline.Recipient, addr string)
	// Register makes a link live. From then on sink receives the link's
	// Received, AckSend and Closed events in transport order.
	Register(l Link, sink pipeline.Recipient)
}

// Binding identifies one live listener inside the multiplexer.
type Binding interface {
	Addr() net.Addr
}

// Link is one established socket owned by the multiplexer. Methods never
// block on socket I/O.
type Link interface {
	Key() pipeline.ConnKey
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Send queues data for the writer. A non-zero token yields an AckSend
	// event once the bytes reach the socket.
	Send(data []byte, token uint32)
	// StopReading pauses delivery of Received events; ResumeReading lifts
	// the pause. Backpressure falls to the operating system meanwhile.
	StopReading()
	ResumeReading()
	// Close flushes queued writes, closes the socket, and emits a final
	// Closed event carrying reason. It is idempotent; the first reason
	// wins.
	Close(reason pipeline.Reason)
}

// Bound reports a listener up and accepting.
type Bound struct {
	Binding Binding
	Addr    net.Addr
}

// BindFailed reports that a listener could not be opened.
type BindFailed struct {
	Addr string
	Err  error
}

// Unbound reports a listener fully stopped.
type Unbound struct {
	Addr net.Addr
}

// Connected reports a new link, accepted by a binding or dialed by Connect.
// The link is inert until registered.
type Connected struct {
	Link Link
}

// ConnectFailed reports a failed dial.
type ConnectFailed struct {
	Addr string
	Err  error
}
