package rmi

import (
	"log"

	"github.com/sarchlab/activemsg/hooking"
)

// MsgLogger is a hook that writes one line per transport event.
type MsgLogger struct {
	hooking.LogHookBase
}

// NewMsgLogger returns a new MsgLogger which will write into the logger.
func NewMsgLogger(logger *log.Logger) *MsgLogger {
	h := new(MsgLogger)
	h.Logger = logger

	return h
}

// Func writes the event into the logger.
func (h *MsgLogger) Func(ctx hooking.HookCtx) {
	s, ok := ctx.Domain.(*Server)
	if !ok {
		return
	}

	if n, ok := ctx.Item.(int); ok {
		h.Printf("%d:RMI: %d messages just arrived", s.Rank(), n)
		return
	}

	m, ok := ctx.Item.(MsgInfo)
	if !ok {
		return
	}

	switch ctx.Pos {
	case HookPosSend:
		h.Printf("%d:RMI: sending buf nbyte=%d dest=%d func=%s ordered=%t count=%d",
			s.Rank(), m.Len, m.Dst, m.Handler, m.Ordered, m.Count)
	case HookPosInvoke:
		h.Printf("%d:RMI: invoking from=%d nbyte=%d func=%s ordered=%t count=%d",
			s.Rank(), m.Src, m.Len, m.Handler, m.Ordered, m.Count)
	case HookPosEnqueue:
		h.Printf("%d:RMI: enqueuing from=%d nbyte=%d func=%s ordered=%t fromcount=%d herecount=%d",
			s.Rank(), m.Src, m.Len, m.Handler, m.Ordered, m.Count, m.HereCount)
	case HookPosQueueInvoke:
		h.Printf("%d:RMI: queue invoking from=%d nbyte=%d func=%s ordered=%t count=%d",
			s.Rank(), m.Src, m.Len, m.Handler, m.Ordered, m.Count)
	case HookPosQueuePending:
		h.Printf("%d:RMI: queue pending out of order from=%d nbyte=%d func=%s ordered=%t count=%d herecount=%d",
			s.Rank(), m.Src, m.Len, m.Handler, m.Ordered, m.Count, m.HereCount)
	case HookPosHugeAnnounce:
		h.Printf("%d:RMI: requesting huge send to=%d nbyte=%d",
			s.Rank(), m.Dst, m.Len)
	case HookPosHugeBacklog:
		h.Printf("%d:RMI: queueing huge message from=%d nbyte=%d",
			s.Rank(), m.Src, m.Len)
	case HookPosHugeStage:
		h.Printf("%d:RMI: posted huge message buffer from=%d nbyte=%d",
			s.Rank(), m.Src, m.Len)
	case HookPosHugeAck:
		h.Printf("%d:RMI: huge send to=%d nbyte=%d acknowledged",
			s.Rank(), m.Dst, m.Len)
	default:
		h.Printf("%d:RMI: %s from=%d to=%d nbyte=%d",
			s.Rank(), ctx.Pos.Name, m.Src, m.Dst, m.Len)
	}
}
