package endpoint

// ConnState marks the lifecycle edges reported to a ConnStateHandler.
type ConnState int

const (
	StateNew ConnState = iota
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Handler consumes bytes received on a connection. Calls for the same
// connection are never concurrent; data is only valid for the duration of
// the call.
type Handler interface {
	HandleReceive(conn *Conn, data []byte) error
}

type HandlerFunc func(conn *Conn, data []byte) error

func (fn HandlerFunc) HandleReceive(conn *Conn, data []byte) error { return fn(conn, data) }

var DefaultHandler HandlerFunc = func(conn *Conn, data []byte) error { return nil }

// ConnStateHandler observes connection lifecycle edges. On StateClosed the
// connection's CloseReason is set.
type ConnStateHandler interface {
	HandleConnState(conn *Conn, state ConnState)
}

type ConnStateHandlerFunc func(conn *Conn, state ConnState)

func (fn ConnStateHandlerFunc) HandleConnState(conn *Conn, state ConnState) { fn(conn, state) }

var DefaultConnStateHandler ConnStateHandlerFunc = func(conn *Conn, state ConnState) {}

// AckHandler is implemented by Handlers that want send acknowledgements.
type AckHandler interface {
	HandleAck(conn *Conn, token uint32)
}
