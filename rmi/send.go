package rmi

import (
	"context"
	"fmt"

	"github.com/sarchlab/activemsg/fabric"
)

// A Request tracks a message handed to the transport. The buffer passed to
// Isend must not be modified until the request completes.
type Request struct {
	id  string
	req fabric.Request
	s   *Server
}

// ID returns the unique ID of the request.
func (r *Request) ID() string {
	return r.id
}

// Test reports whether the send has completed.
func (r *Request) Test() (bool, error) {
	done, _, err := r.req.Test()
	if err != nil {
		r.s.fatalf("rmi: send %s failed: %w", r.id, err)
	}

	return done, err
}

// Wait blocks until the send completes or ctx is done.
func (r *Request) Wait(ctx context.Context) error {
	_, err := fabric.Wait(ctx, r.req)
	if err != nil && ctx.Err() == nil {
		r.s.fatalf("rmi: send %s failed: %w", r.id, err)
	}

	return err
}

// Isend sends buf to dst, where handler h will be called with it. The first
// HeaderLen bytes of buf are overwritten with the header. Messages longer
// than the configured maximum go through the huge message rendezvous, and
// Isend blocks until the receiver is ready for them.
func (s *Server) Isend(
	buf []byte,
	dst fabric.Rank,
	h HandlerID,
	attr Attr,
) *Request {
	nbyte := len(buf)
	tag := fabric.TagRMI

	if !s.validRank(dst) {
		return s.failSend("rmi: isend: invalid destination %d", dst)
	}

	if nbyte < HeaderLen {
		return s.failSend(
			"rmi: isend: %d-byte buffer cannot hold the %d-byte header",
			nbyte, HeaderLen)
	}

	if nbyte > s.maxLen {
		return s.failSend(
			"rmi: isend: %d-byte message to %d exceeds the %d-byte limit",
			nbyte, dst, s.maxLen)
	}

	attr = attr.flags()

	if nbyte > s.cfg.MaxMsgLen {
		lock := &s.hugeSendLocks[dst]
		lock.Lock()
		defer lock.Unlock()

		if err := s.rendezvous(dst, nbyte); err != nil {
			return s.failSend("rmi: isend: huge message to %d: %v", dst, err)
		}

		tag = fabric.TagHugeData
	}

	s.lock.Lock()

	if attr.IsOrdered() {
		attr = attr.withCount(s.sendCounters[dst])
		s.sendCounters[dst]++
	}

	PutHeader(buf, h, attr)
	s.stats.NumMsgSent++
	s.stats.NumBytesSent += uint64(nbyte)
	req := s.ep.Isend(buf, dst, tag)

	s.lock.Unlock()

	r := &Request{id: s.ids.Generate(), req: req, s: s}

	if s.tracing() {
		s.trace(HookPosSend, MsgInfo{
			ReqID:   r.id,
			Src:     s.rank,
			Dst:     dst,
			Len:     nbyte,
			Handler: h,
			Ordered: attr.IsOrdered(),
			Count:   attr.Count(),
			Slot:    -1,
		})
	}

	return r
}

func (s *Server) failSend(format string, args ...interface{}) *Request {
	err := fmt.Errorf(format, args...)
	s.onFatal(err)

	return &Request{
		id:  s.ids.Generate(),
		req: fabric.NewCompleted(fabric.Status{}, err),
		s:   s,
	}
}
