package rmi

import (
	"sort"

	"github.com/sarchlab/activemsg/fabric"
)

func (s *Server) run() {
	defer s.wg.Done()

	b := fabric.NewBackoff(
		s.cfg.IdleSpins, s.cfg.MinIdleSleep, s.cfg.MaxIdleSleep)

	for !s.finished.Load() {
		if s.progress() > 0 {
			b.Reset()
			continue
		}

		b.Wait()
	}
}

// progress tests every posted receive once and dispatches what completed. It
// returns the number of completed receives.
func (s *Server) progress() int {
	n, err := fabric.Testsome(s.pool.reqs, s.indices, s.statuses)
	if err != nil {
		s.fatalf("rmi: receive failed: %w", err)
		return 0
	}

	if n == 0 {
		return 0
	}

	if s.tracing() {
		s.trace(HookPosArrive, n)
	}

	for i := 0; i < n; i++ {
		slot := s.indices[i]
		s.pool.reqs[slot] = nil
		s.receive(slot, s.statuses[i])
	}

	s.drainQueue()
	s.postPendingHuge()

	return n
}

func (s *Server) receive(slot int, st fabric.Status) {
	s.lock.Lock()
	s.stats.NumMsgRecv++
	s.stats.NumBytesRecv += uint64(st.Count)
	s.lock.Unlock()

	if st.Count < HeaderLen {
		s.fatalf("rmi: %d-byte message from %d is shorter than the header",
			st.Count, st.Source)
		s.repost(slot)

		return
	}

	if !s.validRank(st.Source) {
		s.fatalf("rmi: message from invalid rank %d", st.Source)
		s.repost(slot)

		return
	}

	h, attr := ReadHeader(s.pool.bufs[slot][:st.Count])
	msg := queuedMsg{
		len:     st.Count,
		handler: h,
		slot:    slot,
		src:     st.Source,
		attr:    attr,
		count:   attr.Count(),
	}

	if !attr.IsOrdered() || s.inSequence(msg) {
		s.traceMsg(HookPosInvoke, msg)
		s.invoke(msg)

		return
	}

	s.traceMsg(HookPosEnqueue, msg)

	if len(s.queue) >= s.maxq {
		s.fatalf("rmi: out-of-order queue overflow with %d messages",
			len(s.queue))
		return
	}

	s.queue = append(s.queue, msg)
	s.queueLen.Store(int64(len(s.queue)))
}

func (s *Server) inSequence(msg queuedMsg) bool {
	return msg.count == s.recvCounter(msg.src)
}

// invoke runs the handler of msg and puts its slot back to work. The receive
// counter of an ordered message advances before the handler runs.
func (s *Server) invoke(msg queuedMsg) {
	fn := s.handlers.Lookup(msg.handler)
	if fn == nil {
		s.fatalf("rmi: no handler %s for message from %d",
			msg.handler, msg.src)
		s.repost(msg.slot)

		return
	}

	if msg.attr.IsOrdered() {
		s.lock.Lock()
		s.recvCounters[msg.src]++
		s.lock.Unlock()
	}

	s.invokeSrc = msg.src
	fn(s.pool.bufs[msg.slot][:msg.len])
	s.repost(msg.slot)
}

func (s *Server) repost(slot int) {
	switch {
	case slot < s.pool.nrecv:
		s.pool.repost(slot)
	case slot == s.pool.hugeSlot():
		s.pool.releaseStaging()
		s.postPendingHuge()
	default:
		s.fatalf("rmi: repost of unknown slot %d", slot)
	}
}

// drainQueue invokes every queued message that has become in-sequence. The
// queue is sorted by distance from the next expected count of each sender,
// which stays correct across counter wraparound, so one pass suffices.
func (s *Server) drainQueue() {
	if len(s.queue) == 0 {
		return
	}

	s.lock.Lock()
	counters := append([]uint16(nil), s.recvCounters...)
	s.lock.Unlock()

	sort.SliceStable(s.queue, func(i, j int) bool {
		a, b := s.queue[i], s.queue[j]
		da := a.count - counters[a.src]
		db := b.count - counters[b.src]

		if da != db {
			return da < db
		}

		return a.src < b.src
	})

	pending := s.queue[:0]
	for _, msg := range s.queue {
		if s.inSequence(msg) {
			s.traceMsg(HookPosQueueInvoke, msg)
			s.invoke(msg)

			continue
		}

		s.traceMsg(HookPosQueuePending, msg)
		pending = append(pending, msg)
	}

	for i := len(pending); i < len(s.queue); i++ {
		s.queue[i] = queuedMsg{}
	}

	s.queue = pending
	s.queueLen.Store(int64(len(s.queue)))
}
