package pipeline

import "net"

// Command is an outbound intent travelling from the application toward the
// transport. The set is closed; stages may forward, transform, absorb, or
// synthesize any variant.
type Command interface{ isCommand() }

// Event is an inbound occurrence travelling from the transport toward the
// application. The set is closed, like Command's.
type Event interface{ isEvent() }

// Bind asks for a listening socket on Addr. Backlog caps concurrently open
// accepted connections; zero lifts the cap.
type Bind struct {
	Addr    string
	Backlog int
}

// Unbind releases the listening socket of a bound endpoint.
type Unbind struct{}

// Send carries application bytes toward the peer. Data is consumed before
// the command dispatch returns; the issuer may reuse the slice afterwards.
// A non-zero Token requests an AckSend event after the bytes reach the
// socket.
type Send struct {
	Data  []byte
	Token uint32
}

// Close tears the connection down, flushing queued writes first.
type Close struct {
	Reason Reason
}

// StopReading pauses delivery of Received events for the connection.
type StopReading struct{}

// ResumeReading resumes delivery after a StopReading.
type ResumeReading struct{}

// Tell routes an arbitrary message to a recipient once it reaches the
// bottom of the pipeline, bypassing the event flow.
type Tell struct {
	To  Recipient
	Msg any
}

func (Bind) isCommand()          {}
func (Unbind) isCommand()        {}
func (Send) isCommand()          {}
func (Close) isCommand()         {}
func (StopReading) isCommand()   {}
func (ResumeReading) isCommand() {}
func (Tell) isCommand()          {}

// Bound reports a successful Bind with the resolved listen address.
type Bound struct {
	Addr net.Addr
}

// Unbound reports a completed Unbind.
type Unbound struct {
	Addr net.Addr
}

// Connected reports a new connection, accepted or dialed. It is the first
// event of every connection pipeline.
type Connected struct {
	Key  ConnKey
	Peer net.Addr
}

// Received carries bytes read from the peer, in transport order. Data is
// valid only for the duration of the dispatch; retain a copy, not the slice.
type Received struct {
	Key  ConnKey
	Data []byte
}

// Closed is the terminal event of a connection. At most one reaches the
// application per connection.
type Closed struct {
	Key    ConnKey
	Reason Reason
}

// AckSend confirms that the Send carrying Token was flushed to the socket.
type AckSend struct {
	Key   ConnKey
	Token uint32
}

func (Bound) isEvent()     {}
func (Unbound) isEvent()   {}
func (Connected) isEvent() {}
func (Received) isEvent()  {}
func (Closed) isEvent()    {}
func (AckSend) isEvent()   {}
