package pipeline

import (
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConnKey identifies one connection for its whole lifetime.
type ConnKey uuid.UUID

// NewConnKey returns a fresh key for an accepted or dialed connection.
func NewConnKey() ConnKey { return ConnKey(uuid.New()) }

func (k ConnKey) String() string { return uuid.UUID(k).String() }

// Recipient receives asynchronously delivered messages. Deliver must not
// block; implementations queue or drop.
type Recipient interface {
	Deliver(msg any)
}

// RecipientFunc adapts a function to the Recipient interface.
type RecipientFunc func(msg any)

func (fn RecipientFunc) Deliver(msg any) { fn(msg) }

// Discard drops every message delivered to it.
var Discard Recipient = RecipientFunc(func(any) {})

// Envelope pairs a collaborator reply with the requester it belongs to, so
// the reply can be routed back without a correlation table.
type Envelope struct {
	Requester Recipient
	Msg       any
}

// Wrap returns a recipient that forwards every message to dst enclosed in
// an Envelope carrying requester.
func Wrap(dst, requester Recipient) Recipient {
	return RecipientFunc(func(msg any) {
		dst.Deliver(Envelope{Requester: requester, Msg: msg})
	})
}

// Context is the immutable per-connection handle shared by all stages of
// one connection's pipeline.
type Context struct {
	key       ConnKey
	peer      net.Addr
	requester Recipient
	log       zerolog.Logger
}

// NewContext builds the handle for one connection. requester is whoever
// caused the connection to exist; log gains a conn field.
func NewContext(key ConnKey, peer net.Addr, requester Recipient, log zerolog.Logger) *Context {
	if requester == nil {
		requester = Discard
	}
	return &Context{
		key:       key,
		peer:      peer,
		requester: requester,
		log:       log.With().Stringer("conn", key).Logger(),
	}
}

func (c *Context) Key() ConnKey         { return c.key }
func (c *Context) Peer() net.Addr       { return c.peer }
func (c *Context) Requester() Recipient { return c.requester }
func (c *Context) Log() *zerolog.Logger { return &c.log }
