package rmi

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/sarchlab/activemsg/config"
	"github.com/sarchlab/activemsg/fabric"
)

// bufferPool owns the receive slots. Slots 0 to nrecv-1 are ordinary and
// always posted unless their message is waiting in the out-of-order queue.
// Slot nrecv stages one huge message at a time and is nil when idle.
type bufferPool struct {
	ep     fabric.Endpoint
	bufLen int
	nrecv  int

	bufs    [][]byte
	reqs    []fabric.Request
	reposts []atomic.Uint64
	staging atomic.Bool
}

func newBufferPool(
	ep fabric.Endpoint,
	nrecv, bufLen int,
) (*bufferPool, error) {
	p := &bufferPool{
		ep:      ep,
		bufLen:  bufLen,
		nrecv:   nrecv,
		bufs:    make([][]byte, nrecv+1),
		reqs:    make([]fabric.Request, nrecv+1),
		reposts: make([]atomic.Uint64, nrecv+1),
	}

	for i := 0; i < nrecv; i++ {
		buf, err := alignedBuffer(bufLen)
		if err != nil {
			return nil, fmt.Errorf("rmi: allocating receive buffer %d: %w", i, err)
		}

		p.bufs[i] = buf
		p.post(i)
	}

	return p, nil
}

func (p *bufferPool) hugeSlot() int {
	return p.nrecv
}

func (p *bufferPool) post(i int) {
	p.reqs[i] = p.ep.Irecv(p.bufs[i], fabric.AnySource, fabric.TagRMI)
}

// repost puts an ordinary slot back to work after its message was consumed.
func (p *bufferPool) repost(i int) {
	p.reposts[i].Add(1)
	p.post(i)
}

func (p *bufferPool) stagingBusy() bool {
	return p.staging.Load()
}

// stage allocates the staging buffer for a huge message from src and posts
// the matching receive.
func (p *bufferPool) stage(src fabric.Rank, nbyte int) error {
	buf, err := alignedBuffer(nbyte)
	if err != nil {
		return fmt.Errorf("rmi: allocating huge message of %d bytes: %w",
			nbyte, err)
	}

	i := p.hugeSlot()
	p.bufs[i] = buf
	p.reqs[i] = p.ep.Irecv(buf, src, fabric.TagHugeData)
	p.staging.Store(true)

	return nil
}

func (p *bufferPool) releaseStaging() {
	i := p.hugeSlot()
	p.bufs[i] = nil
	p.reqs[i] = nil
	p.reposts[i].Add(1)
	p.staging.Store(false)
}

func (p *bufferPool) repostCounts() []uint64 {
	counts := make([]uint64, len(p.reposts))
	for i := range p.reposts {
		counts[i] = p.reposts[i].Load()
	}

	return counts
}

// alignedBuffer returns n bytes whose first byte is aligned to
// config.Alignment. The Go heap does not move objects, so the alignment
// holds for the life of the slice.
func alignedBuffer(n int) (buf []byte, err error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid buffer length %d", n)
	}

	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = fmt.Errorf("%v", r)
		}
	}()

	raw := make([]byte, n+config.Alignment)

	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % config.Alignment); rem != 0 {
		off = config.Alignment - rem
	}

	return raw[off : off+n : off+n], nil
}
