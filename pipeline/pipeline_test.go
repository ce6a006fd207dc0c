package pipeline

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testContext() *Context {
	return NewContext(NewConnKey(), nil, Discard, zerolog.Nop())
}

// tap records the traversal order of commands and events through one layer.
func tap(name string, trail *[]string) Stage {
	return StageFunc(func(_ *Context, down CommandFunc, up EventFunc) (CommandFunc, EventFunc) {
		cmd := func(c Command) {
			*trail = append(*trail, name+":cmd")
			down(c)
		}
		evt := func(e Event) {
			*trail = append(*trail, name+":evt")
			up(e)
		}
		return cmd, evt
	})
}

func TestComposeOrdersCommandsDownEventsUp(t *testing.T) {
	defer goleak.VerifyNone(t)

	var trail []string
	var gotCmd Command
	var gotEvt Event

	stack := Compose(tap("a", &trail), Compose(tap("b", &trail), tap("c", &trail)))
	cmd, evt := stack.Build(testContext(),
		func(c Command) { gotCmd = c },
		func(e Event) { gotEvt = e },
	)

	cmd(Send{Data: []byte("x")})
	evt(Received{Data: []byte("y")})

	require.Equal(t, []string{"a:cmd", "b:cmd", "c:cmd", "c:evt", "b:evt", "a:evt"}, trail)
	require.Equal(t, Send{Data: []byte("x")}, gotCmd)
	require.Equal(t, Received{Data: []byte("y")}, gotEvt)
}

func TestComposeIsAssociative(t *testing.T) {
	defer goleak.VerifyNone(t)

	build := func(group func(a, b, c Stage) Stage) []string {
		var trail []string
		stack := group(tap("a", &trail), tap("b", &trail), tap("c", &trail))
		cmd, evt := stack.Build(testContext(), func(Command) {}, func(Event) {})
		cmd(Send{Data: []byte("x")})
		evt(Received{Data: []byte("y")})
		cmd(Close{Reason: CleanClose})
		return trail
	}

	left := build(func(a, b, c Stage) Stage { return Compose(Compose(a, b), c) })
	right := build(func(a, b, c Stage) Stage { return Compose(a, Compose(b, c)) })
	chained := build(func(a, b, c Stage) Stage { return Chain(a, b, c) })

	require.Equal(t, left, right)
	require.Equal(t, left, chained)
}

func TestIdentityForwardsMarkersUnchanged(t *testing.T) {
	defer goleak.VerifyNone(t)

	var delivered []any
	sink := RecipientFunc(func(m any) { delivered = append(delivered, m) })

	var gotCmds []Command
	stack := Chain(Identity, Identity)
	cmd, evt := stack.Build(testContext(),
		func(c Command) {
			gotCmds = append(gotCmds, c)
			if tell, ok := c.(Tell); ok {
				tell.To.Deliver(tell.Msg)
			}
		},
		func(Event) {},
	)

	cmd(Tell{To: sink, Msg: "marker"})
	cmd(StopReading{})
	cmd(ResumeReading{})
	evt(AckSend{Token: 7})

	require.Equal(t, []any{"marker"}, delivered)
	require.Len(t, gotCmds, 3)
	require.IsType(t, Tell{}, gotCmds[0])
	require.IsType(t, StopReading{}, gotCmds[1])
	require.IsType(t, ResumeReading{}, gotCmds[2])
}

func TestStageMayAbsorbAndSynthesize(t *testing.T) {
	defer goleak.VerifyNone(t)

	// swallows Sends and answers each with an AckSend of its own making
	acker := StageFunc(func(ctx *Context, down CommandFunc, up EventFunc) (CommandFunc, EventFunc) {
		cmd := func(c Command) {
			if s, ok := c.(Send); ok {
				up(AckSend{Key: ctx.Key(), Token: s.Token})
				return
			}
			down(c)
		}
		return cmd, up
	})

	var below []Command
	var above []Event
	cmd, _ := acker.Build(testContext(),
		func(c Command) { below = append(below, c) },
		func(e Event) { above = append(above, e) },
	)

	cmd(Send{Data: []byte("gone"), Token: 3})
	cmd(Close{Reason: CleanClose})

	require.Len(t, below, 1)
	require.IsType(t, Close{}, below[0])
	require.Len(t, above, 1)
	require.Equal(t, uint32(3), above[0].(AckSend).Token)
}

func TestWrapEnvelopesReplies(t *testing.T) {
	defer goleak.VerifyNone(t)

	var got []any
	mbox := RecipientFunc(func(m any) { got = append(got, m) })
	requester := RecipientFunc(func(any) {})

	Wrap(mbox, requester).Deliver("reply")

	require.Len(t, got, 1)
	env, ok := got[0].(Envelope)
	require.True(t, ok)
	require.Equal(t, "reply", env.Msg)
	require.NotNil(t, env.Requester)
}

func TestTraceForwardsUnchanged(t *testing.T) {
	defer goleak.VerifyNone(t)

	var gotCmd Command
	var gotEvt Event
	cmd, evt := Trace.Build(testContext(),
		func(c Command) { gotCmd = c },
		func(e Event) { gotEvt = e },
	)

	cmd(Send{Data: []byte("abc"), Token: 1})
	evt(Closed{Reason: PeerClosed})

	require.Equal(t, Send{Data: []byte("abc"), Token: 1}, gotCmd)
	require.Equal(t, Closed{Reason: PeerClosed}, gotEvt)
}

func TestReasons(t *testing.T) {
	defer goleak.VerifyNone(t)

	require.True(t, CleanClose.Clean())
	require.True(t, PeerClosed.Clean())
	require.False(t, IdleTimeout.Clean())
	require.False(t, ProtocolError("x").Clean())

	require.Equal(t, "protocol error: bad frame", ProtocolError("bad frame").String())
	require.Equal(t, "i/o error: pipe broke", IoError(fmt.Errorf("pipe broke")).String())
	require.Equal(t, "idle timeout", IdleTimeout.String())
	require.Equal(t, KRequestTimeout, RequestTimeout.Kind)
}
