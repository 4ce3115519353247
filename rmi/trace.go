package rmi

import (
	"github.com/sarchlab/activemsg/fabric"
	"github.com/sarchlab/activemsg/hooking"
)

// Positions at which a Server invokes its hooks.
var (
	// HookPosSend marks a message handed to the transport.
	HookPosSend = &hooking.HookPos{Name: "Send"}

	// HookPosArrive marks a batch of completed receives. The item is the
	// batch size.
	HookPosArrive = &hooking.HookPos{Name: "Arrive"}

	// HookPosInvoke marks a message invoked straight from its slot.
	HookPosInvoke = &hooking.HookPos{Name: "Invoke"}

	// HookPosEnqueue marks an ordered message parked in the out-of-order
	// queue.
	HookPosEnqueue = &hooking.HookPos{Name: "Enqueue"}

	// HookPosQueueInvoke marks a queued message that became in-sequence.
	HookPosQueueInvoke = &hooking.HookPos{Name: "QueueInvoke"}

	// HookPosQueuePending marks a queued message left for a later drain.
	HookPosQueuePending = &hooking.HookPos{Name: "QueuePending"}

	// HookPosHugeAnnounce marks the announcement of a huge message.
	HookPosHugeAnnounce = &hooking.HookPos{Name: "HugeAnnounce"}

	// HookPosHugeBacklog marks an announcement waiting for the staging slot.
	HookPosHugeBacklog = &hooking.HookPos{Name: "HugeBacklog"}

	// HookPosHugeStage marks a huge message given the staging slot.
	HookPosHugeStage = &hooking.HookPos{Name: "HugeStage"}

	// HookPosHugeAck marks the sender receiving the go-ahead for a huge
	// message.
	HookPosHugeAck = &hooking.HookPos{Name: "HugeAck"}
)

// MsgInfo describes the message an event is about. Fields that do not apply
// to an event are left zero.
type MsgInfo struct {
	ReqID     string
	Src       fabric.Rank
	Dst       fabric.Rank
	Len       int
	Handler   HandlerID
	Ordered   bool
	Count     uint16
	HereCount uint16
	Slot      int
}

func (s *Server) tracing() bool {
	return s.debugging.Load() || s.NumHooks() > 0
}

func (s *Server) trace(pos *hooking.HookPos, item interface{}) {
	ctx := hooking.HookCtx{
		Domain: s,
		Pos:    pos,
		Item:   item,
	}

	if s.debugging.Load() {
		s.msgLogger.Func(ctx)
	}

	s.InvokeHook(ctx)
}

func (s *Server) traceMsg(pos *hooking.HookPos, msg queuedMsg) {
	if !s.tracing() {
		return
	}

	s.trace(pos, MsgInfo{
		Src:       msg.src,
		Dst:       s.rank,
		Len:       msg.len,
		Handler:   msg.handler,
		Ordered:   msg.attr.IsOrdered(),
		Count:     msg.count,
		HereCount: s.recvCounter(msg.src),
		Slot:      msg.slot,
	})
}
