package pipeline

import "fmt"

// ReasonKind tags the variants of Reason.
type ReasonKind uint8

const (
	KCleanClose ReasonKind = iota
	KPeerClosed
	KIdleTimeout
	KRequestTimeout
	KProtocolError
	KIoError
)

func (k ReasonKind) String() string {
	switch k {
	case KCleanClose:
		return "clean close"
	case KPeerClosed:
		return "peer closed"
	case KIdleTimeout:
		return "idle timeout"
	case KRequestTimeout:
		return "request timeout"
	case KProtocolError:
		return "protocol error"
	case KIoError:
		return "i/o error"
	default:
		return fmt.Sprintf("reason(%d)", uint8(k))
	}
}

// Reason records why a connection ended. It is built once at termination
// time and carried by the terminal Closed event. Msg is set for protocol
// errors, Err for transport errors; neither is mutated afterwards.
type Reason struct {
	Kind ReasonKind
	Msg  string
	Err  error
}

var (
	// CleanClose is a locally initiated close with all pending writes
	// flushed first.
	CleanClose = Reason{Kind: KCleanClose}
	// PeerClosed means the remote end closed the connection.
	PeerClosed = Reason{Kind: KPeerClosed}
	// IdleTimeout means no qualifying traffic arrived in time.
	IdleTimeout = Reason{Kind: KIdleTimeout}
	// RequestTimeout means an expected response did not arrive in time.
	RequestTimeout = Reason{Kind: KRequestTimeout}
)

// ProtocolError reports that the peer violated the protocol in the way msg
// describes.
func ProtocolError(msg string) Reason { return Reason{Kind: KProtocolError, Msg: msg} }

// IoError reports a failure of the underlying transport.
func IoError(err error) Reason { return Reason{Kind: KIoError, Err: err} }

// Clean reports whether the connection ended without a fault on either side.
func (r Reason) Clean() bool { return r.Kind == KCleanClose || r.Kind == KPeerClosed }

func (r Reason) String() string {
	switch r.Kind {
	case KProtocolError:
		return fmt.Sprintf("protocol error: %s", r.Msg)
	case KIoError:
		return fmt.Sprintf("i/o error: %v", r.Err)
	default:
		return r.Kind.String()
	}
}
