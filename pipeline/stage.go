// Package pipeline models a connection as a stack of composable stages:
// commands flow down toward the transport, events flow up toward the
// application, and every stage may forward, transform, absorb, or synthesize
// messages in either direction.
package pipeline

// CommandFunc processes one command on its way toward the transport.
type CommandFunc func(Command)

// EventFunc processes one event on its way toward the application.
type EventFunc func(Event)

// Stage builds the command/event handler pair of one pipeline layer for one
// connection. down is the neighbour on the transport side, up the neighbour
// on the application side; the returned pair closes over whatever private
// state the layer keeps for that connection. Handlers of a single
// connection are never invoked concurrently.
type Stage interface {
	Build(ctx *Context, down CommandFunc, up EventFunc) (CommandFunc, EventFunc)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(ctx *Context, down CommandFunc, up EventFunc) (CommandFunc, EventFunc)

func (fn StageFunc) Build(ctx *Context, down CommandFunc, up EventFunc) (CommandFunc, EventFunc) {
	return fn(ctx, down, up)
}

// Identity forwards everything unchanged in both directions.
var Identity Stage = StageFunc(func(_ *Context, down CommandFunc, up EventFunc) (CommandFunc, EventFunc) {
	return down, up
})

// Compose layers outer above inner: commands run through outer first,
// events through inner first. Composition is associative.
func Compose(outer, inner Stage) Stage {
	return StageFunc(func(ctx *Context, down CommandFunc, up EventFunc) (CommandFunc, EventFunc) {
		// Each side needs the other's handler, so both are reached through
		// indirections assigned after building.
		var innerCmd CommandFunc
		var outerEvt EventFunc
		oc, oe := outer.Build(ctx, func(cmd Command) { innerCmd(cmd) }, up)
		ic, ie := inner.Build(ctx, down, func(ev Event) { outerEvt(ev) })
		innerCmd, outerEvt = ic, oe
		return oc, ie
	})
}

// Chain composes stages top to bottom, so Chain(a, b, c) behaves like
// Compose(a, Compose(b, c)).
func Chain(stages ...Stage) Stage {
	switch len(stages) {
	case 0:
		return Identity
	case 1:
		return stages[0]
	}
	s := stages[len(stages)-1]
	for i := len(stages) - 2; i >= 0; i-- {
		s = Compose(stages[i], s)
	}
	return s
}

// Trace logs every command and event at trace level and forwards it
// unchanged.
var Trace Stage = StageFunc(func(ctx *Context, down CommandFunc, up EventFunc) (CommandFunc, EventFunc) {
	cmd := func(c Command) {
		ctx.Log().Trace().Type("cmd", c).Msg("command")
		down(c)
	}
	evt := func(e Event) {
		ctx.Log().Trace().Type("event", e).Msg("event")
		up(e)
	}
	return cmd, evt
})
