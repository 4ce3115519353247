package tracing

import (
	"fmt"
	"reflect"
	"time"

	"github.com/sarchlab/activemsg/hooking"
	"github.com/sarchlab/activemsg/rmi"
)

// CollectTrace lets the tracer collect the events of a server.
func CollectTrace(server *rmi.Server, tracer Tracer) {
	for _, hook := range server.Hooks() {
		hook, ok := hook.(*traceHook)
		if ok && hook.t == tracer {
			panic(fmt.Sprintf(
				"rank %d already has tracer %s",
				server.Rank(), reflect.TypeOf(tracer)))
		}
	}

	h := traceHook{t: tracer, now: time.Now}
	server.AcceptHook(&h)
}

// A traceHook is a hook that forwards server events to a tracer.
type traceHook struct {
	t   Tracer
	now func() time.Time
}

// Func converts the hook context into an event.
func (h *traceHook) Func(ctx hooking.HookCtx) {
	server, ok := ctx.Domain.(*rmi.Server)
	if !ok {
		return
	}

	event := Event{
		Time: h.now(),
		Rank: server.Rank(),
		What: ctx.Pos.Name,
	}

	switch item := ctx.Item.(type) {
	case rmi.MsgInfo:
		event.Msg = item
	case int:
		event.Batch = item
	default:
		return
	}

	h.t.Trace(event)
}
