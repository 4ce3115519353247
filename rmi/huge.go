package rmi

import (
	"fmt"
	"time"

	"github.com/sarchlab/activemsg/fabric"
)

// rendezvous announces a huge message to dst and blocks until dst has posted
// a receive large enough for it. Callers hold the huge send lock of dst, so
// acknowledgments from dst pair up with announcements in order.
func (s *Server) rendezvous(dst fabric.Rank, nbyte int) error {
	ack := make([]byte, ackLen)
	ackReq := s.ep.Irecv(ack, dst, fabric.TagHugeAck)

	announce := make([]byte, announceLen)
	encodeAnnounce(announce, s.rank, nbyte)

	info := MsgInfo{Src: s.rank, Dst: dst, Len: nbyte, Slot: -1}
	if s.tracing() {
		s.trace(HookPosHugeAnnounce, info)
	}

	sent := s.Isend(announce, dst, s.hugeID, AttrUnordered)

	if err := s.waitHuge(sent.req, dst, nbyte, "announcement"); err != nil {
		return err
	}

	if err := s.waitHuge(ackReq, dst, nbyte, "acknowledgment"); err != nil {
		return err
	}

	if s.tracing() {
		s.trace(HookPosHugeAck, info)
	}

	return nil
}

// waitHuge polls req until it completes. There is no deadline; a warning is
// logged every HugeWaitWarn so a stuck rendezvous shows up in the log.
func (s *Server) waitHuge(
	req fabric.Request,
	dst fabric.Rank,
	nbyte int,
	what string,
) error {
	b := fabric.NewBackoff(
		s.cfg.IdleSpins, s.cfg.MinIdleSleep, s.cfg.MaxIdleSleep)
	start := time.Now()
	nextWarn := start.Add(s.cfg.HugeWaitWarn)

	for {
		done, _, err := req.Test()
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", what, err)
		}

		if done {
			return nil
		}

		if now := time.Now(); now.After(nextWarn) {
			s.logger.Printf(
				"%d:RMI: !!! WARNING: huge send to=%d nbyte=%d still waiting for %s after %s",
				s.rank, dst, nbyte, what, now.Sub(start).Round(time.Second))
			nextWarn = now.Add(s.cfg.HugeWaitWarn)
		}

		b.Wait()
	}
}

// hugeMsgHandler runs on the receiver when a huge message is announced.
func (s *Server) hugeMsgHandler(msg []byte) {
	src, nbyte, ok := decodeAnnounce(msg)
	if !ok || !s.validRank(src) {
		s.fatalf("rmi: malformed huge message announcement of %d bytes",
			len(msg))
		return
	}

	if src != s.invokeSrc {
		s.fatalf("rmi: huge message announcement from %d claims sender %d",
			s.invokeSrc, src)
		return
	}

	s.hugeq = append(s.hugeq, hugeReq{src: src, nbyte: nbyte})
	s.backlogLen.Store(int64(len(s.hugeq)))

	if s.pool.stagingBusy() && s.tracing() {
		s.trace(HookPosHugeBacklog, MsgInfo{
			Src:  src,
			Dst:  s.rank,
			Len:  nbyte,
			Slot: s.pool.hugeSlot(),
		})
	}

	s.postPendingHuge()
}

// postPendingHuge stages the oldest waiting huge message if the staging slot
// is free and tells its sender to go ahead.
func (s *Server) postPendingHuge() {
	if s.pool.stagingBusy() || len(s.hugeq) == 0 {
		return
	}

	next := s.hugeq[0]
	s.hugeq[0] = hugeReq{}
	s.hugeq = s.hugeq[1:]
	s.backlogLen.Store(int64(len(s.hugeq)))

	if err := s.pool.stage(next.src, next.nbyte); err != nil {
		s.fatalf("rmi: staging huge message from %d: %w", next.src, err)
		return
	}

	if s.tracing() {
		s.trace(HookPosHugeStage, MsgInfo{
			Src:  next.src,
			Dst:  s.rank,
			Len:  next.nbyte,
			Slot: s.pool.hugeSlot(),
		})
	}

	ack := make([]byte, ackLen)
	if err := s.ep.Send(ack, next.src, fabric.TagHugeAck); err != nil {
		s.fatalf("rmi: acknowledging huge message from %d: %w", next.src, err)
	}
}
