// Package tcp implements a fabric endpoint over TCP so that ranks can live in
// separate processes or on separate hosts.
//
// Every rank listens on one address. A rank dials a peer lazily on the first
// send and uses that connection for sending only; inbound connections are
// only read. Each outbound connection has one writer goroutine, so frames of
// one pair never interleave and never overtake each other.
//
// Handshake (dialer to listener): [4-byte big-endian rank].
//
// Frame: [8-byte payload length][4-byte source rank][4-byte tag][payload],
// all big-endian. Payloads are limited to fabric.MaxMessageLen.
//
// A connection that ends between frames is a peer leaving. One that fails in
// any other way fails every pending and future receive of the endpoint,
// since messages of that peer may have been lost.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/sarchlab/activemsg/fabric"
)

// dialTimeout bounds connecting to a peer.
const dialTimeout = 5 * time.Second

// writeTimeout bounds writing one frame. Frames can carry huge payloads, so
// it is generous.
const writeTimeout = 60 * time.Second

// frameHeaderLen is the size of the frame header.
const frameHeaderLen = 16

// peerSendBuffer is the capacity of each peer's outbound frame channel.
const peerSendBuffer = 1024

// readBufferSize is the size of the buffered reader on inbound connections.
const readBufferSize = 64 * 1024

type outFrame struct {
	data []byte
	st   fabric.Status
	done *fabric.Completion
}

type peer struct {
	rank   fabric.Rank
	conn   net.Conn
	sendCh chan outFrame
}

// Endpoint is a fabric.Endpoint backed by TCP connections.
type Endpoint struct {
	rank     fabric.Rank
	size     int
	listener net.Listener
	matcher  *fabric.Matcher

	lock    sync.Mutex
	addrs   []string
	peers   map[fabric.Rank]*peer
	inbound map[net.Conn]struct{}
	closed  bool

	// dialCtx is canceled on Close so that dials in progress end.
	dialCtx    context.Context
	cancelDial context.CancelFunc

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ fabric.Endpoint = (*Endpoint)(nil)

// Listen creates the endpoint of rank in a run of size ranks and starts
// accepting connections on addr. Connect must be called before sending.
func Listen(rank fabric.Rank, size int, addr string) (*Endpoint, error) {
	if rank < 0 || int(rank) >= size {
		return nil, fmt.Errorf("tcp: rank %d out of range for size %d",
			rank, size)
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen on %s: %w", addr, err)
	}

	dialCtx, cancelDial := context.WithCancel(context.Background())

	e := &Endpoint{
		rank:     rank,
		size:     size,
		listener: l,
		matcher:  fabric.NewMatcher(),
		peers:    make(map[fabric.Rank]*peer),
		inbound:  make(map[net.Conn]struct{}),
		done:     make(chan struct{}),

		dialCtx:    dialCtx,
		cancelDial: cancelDial,
	}

	e.wg.Add(1)
	go e.acceptLoop()

	return e, nil
}

// Addr returns the address the endpoint listens on.
func (e *Endpoint) Addr() string {
	return e.listener.Addr().String()
}

// Connect records the listen address of every rank, indexed by rank.
func (e *Endpoint) Connect(addrs []string) error {
	if len(addrs) != e.size {
		return fmt.Errorf("tcp: got %d peer addresses for %d ranks",
			len(addrs), e.size)
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	e.addrs = append([]string(nil), addrs...)

	return nil
}

// Rank returns the rank of this endpoint.
func (e *Endpoint) Rank() fabric.Rank {
	return e.rank
}

// Size returns the number of ranks.
func (e *Endpoint) Size() int {
	return e.size
}

// Irecv posts a receive.
func (e *Endpoint) Irecv(buf []byte, src fabric.Rank, tag fabric.Tag) fabric.Request {
	return e.matcher.Post(buf, src, tag)
}

// Isend queues buf for the peer's writer. The payload is copied into the
// frame, but the request completes only once the frame is written.
func (e *Endpoint) Isend(buf []byte, dst fabric.Rank, tag fabric.Tag) fabric.Request {
	st := fabric.Status{Source: e.rank, Tag: tag, Count: len(buf)}

	if dst < 0 || int(dst) >= e.size {
		return fabric.NewCompleted(st,
			fmt.Errorf("tcp: invalid destination %d", dst))
	}

	if len(buf) > fabric.MaxMessageLen {
		return fabric.NewCompleted(st,
			fmt.Errorf("tcp: %d-byte message exceeds the %d-byte limit",
				len(buf), fabric.MaxMessageLen))
	}

	if dst == e.rank {
		data := make([]byte, len(buf))
		copy(data, buf)
		e.matcher.Deliver(fabric.Envelope{Src: e.rank, Tag: tag, Data: data})

		return fabric.NewCompleted(st, nil)
	}

	p, err := e.peer(dst)
	if err != nil {
		return fabric.NewCompleted(st, err)
	}

	frame := encodeFrame(e.rank, tag, buf)
	done := fabric.NewCompletion()

	select {
	case p.sendCh <- outFrame{data: frame, st: st, done: done}:
	case <-e.done:
		done.Complete(st, fabric.ErrClosed)
	}

	return done
}

// Send sends buf and waits until it is written.
func (e *Endpoint) Send(buf []byte, dst fabric.Rank, tag fabric.Tag) error {
	req := e.Isend(buf, dst, tag)

	b := fabric.NewBackoff(fabric.DefaultSpins,
		fabric.DefaultMinSleep, fabric.DefaultMaxSleep)
	for {
		done, _, err := req.Test()
		if done {
			return err
		}

		b.Wait()
	}
}

// Close stops accepting, closes every connection and fails pending requests.
func (e *Endpoint) Close() error {
	var err error

	e.closeOnce.Do(func() {
		e.lock.Lock()
		e.closed = true
		for _, p := range e.peers {
			p.conn.Close()
		}
		for c := range e.inbound {
			c.Close()
		}
		e.lock.Unlock()

		e.cancelDial()
		close(e.done)
		err = e.listener.Close()
		e.matcher.Close(fabric.ErrClosed)
		e.wg.Wait()
	})

	return err
}

// DialAll connects to every other rank, retrying until each peer accepts or
// ctx is done.
func (e *Endpoint) DialAll(ctx context.Context) error {
	e.lock.Lock()
	connected := e.addrs != nil
	e.lock.Unlock()

	if !connected {
		return errors.New("tcp: peers not connected")
	}

	b := fabric.NewBackoff(0, 10*time.Millisecond, time.Second)

	for dst := 0; dst < e.size; dst++ {
		if fabric.Rank(dst) == e.rank {
			continue
		}

		for {
			_, err := e.peer(fabric.Rank(dst))
			if err == nil {
				break
			}

			if errors.Is(err, fabric.ErrClosed) {
				return err
			}

			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ctx.Err(), err)
			}

			b.Wait()
		}

		b.Reset()
	}

	return nil
}

// peer returns the connection to dst, dialing it if there is none. The dial
// runs without the endpoint lock held, so sends to other peers and receives
// do not wait for it.
func (e *Endpoint) peer(dst fabric.Rank) (*peer, error) {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return nil, fabric.ErrClosed
	}

	if p, ok := e.peers[dst]; ok {
		e.lock.Unlock()
		return p, nil
	}

	if e.addrs == nil {
		e.lock.Unlock()
		return nil, errors.New("tcp: peers not connected")
	}

	addr := e.addrs[dst]
	e.lock.Unlock()

	conn, err := e.dial(dst, addr)
	if err != nil {
		return nil, err
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		conn.Close()
		return nil, fabric.ErrClosed
	}

	// Another sender won the race; the spare connection ends cleanly
	// after its handshake.
	if p, ok := e.peers[dst]; ok {
		conn.Close()
		return p, nil
	}

	p := &peer{
		rank:   dst,
		conn:   conn,
		sendCh: make(chan outFrame, peerSendBuffer),
	}
	e.peers[dst] = p

	e.wg.Add(1)
	go e.writeLoop(p)

	return p, nil
}

func (e *Endpoint) dial(dst fabric.Rank, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}

	conn, err := d.DialContext(e.dialCtx, "tcp", addr)
	if err != nil {
		if e.dialCtx.Err() != nil {
			return nil, fabric.ErrClosed
		}

		return nil, fmt.Errorf("tcp: dial rank %d at %s: %w", dst, addr, err)
	}

	var hs [4]byte
	binary.BigEndian.PutUint32(hs[:], uint32(e.rank))
	if err := writeFull(conn, hs[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tcp: handshake with rank %d: %w", dst, err)
	}

	return conn, nil
}

func (e *Endpoint) dropPeer(p *peer) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.peers[p.rank] == p {
		delete(e.peers, p.rank)
	}

	p.conn.Close()
}

func (e *Endpoint) writeLoop(p *peer) {
	defer e.wg.Done()

	for {
		select {
		case f := <-p.sendCh:
			err := writeFull(p.conn, f.data)
			f.done.Complete(f.st, err)

			if err != nil {
				if !e.isClosed() {
					log.Printf("tcp: rank %d: write to rank %d failed: %v",
						e.rank, p.rank, err)
				}
				e.dropPeer(p)
				e.failQueued(p, err)

				return
			}
		case <-e.done:
			e.failQueued(p, fabric.ErrClosed)
			return
		}
	}
}

func (e *Endpoint) isClosed() bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.closed
}

func (e *Endpoint) failQueued(p *peer, err error) {
	for {
		select {
		case f := <-p.sendCh:
			f.done.Complete(f.st, err)
		default:
			return
		}
	}
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}

			log.Printf("tcp: rank %d: accept failed: %v", e.rank, err)

			return
		}

		e.lock.Lock()
		if e.closed {
			e.lock.Unlock()
			conn.Close()

			return
		}
		e.inbound[conn] = struct{}{}
		e.lock.Unlock()

		e.wg.Add(1)
		go e.readLoop(conn)
	}
}

func (e *Endpoint) readLoop(conn net.Conn) {
	defer e.wg.Done()
	defer func() {
		e.lock.Lock()
		delete(e.inbound, conn)
		e.lock.Unlock()
		conn.Close()
	}()

	r := bufio.NewReaderSize(conn, readBufferSize)

	var hs [4]byte
	if _, err := io.ReadFull(r, hs[:]); err != nil {
		if !errors.Is(err, io.EOF) && !e.isClosed() {
			log.Printf("tcp: rank %d: handshake from %s failed: %v",
				e.rank, conn.RemoteAddr(), err)
		}

		return
	}

	from := fabric.Rank(binary.BigEndian.Uint32(hs[:]))
	if from < 0 || int(from) >= e.size {
		log.Printf("tcp: rank %d: rejecting connection from rank %d",
			e.rank, from)
		return
	}

	var header [frameHeaderLen]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				e.fail(from, err)
			}

			return
		}

		n := binary.BigEndian.Uint64(header[0:8])
		src := fabric.Rank(binary.BigEndian.Uint32(header[8:12]))
		tag := fabric.Tag(binary.BigEndian.Uint32(header[12:16]))

		if src != from {
			e.fail(from, fmt.Errorf("frame claims rank %d", src))
			return
		}

		if n > fabric.MaxMessageLen {
			e.fail(from, fmt.Errorf("frame of %d bytes exceeds the limit", n))
			return
		}

		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			e.fail(from, err)

			return
		}

		e.matcher.Deliver(fabric.Envelope{Src: src, Tag: tag, Data: data})
	}
}

// fail reports a broken inbound connection from rank from. Receives can no
// longer be trusted to complete, so all of them fail.
func (e *Endpoint) fail(from fabric.Rank, err error) {
	if e.isClosed() {
		return
	}

	err = fmt.Errorf("tcp: rank %d: connection from rank %d failed: %w",
		e.rank, from, err)
	log.Print(err)
	e.matcher.Close(err)
}

func encodeFrame(src fabric.Rank, tag fabric.Tag, payload []byte) []byte {
	frame := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint64(frame[0:8], uint64(len(payload)))
	binary.BigEndian.PutUint32(frame[8:12], uint32(src))
	binary.BigEndian.PutUint32(frame[12:16], uint32(tag))
	copy(frame[frameHeaderLen:], payload)

	return frame
}

func writeFull(conn net.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}

	_, err := conn.Write(data)

	return err
}
