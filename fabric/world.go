package fabric

import (
	"context"
	"fmt"
	"sync"
)

// HoldFunc decides whether a message from src to dst with tag is captured
// by a World instead of being delivered.
type HoldFunc func(src, dst Rank, tag Tag) bool

type heldMsg struct {
	dst Rank
	env Envelope
}

// World connects a fixed number of in-memory endpoints. Sends are eager:
// the payload is copied and the send request completes immediately.
//
// A World can capture messages and release them later in any order, which
// lets tests reproduce network completion orders that a real substrate only
// produces occasionally.
type World struct {
	lock      sync.Mutex
	endpoints []*worldEndpoint
	hold      HoldFunc
	held      []heldMsg
}

// NewWorld creates a World of size endpoints, ranked 0 to size-1.
func NewWorld(size int) *World {
	if size < 1 {
		panic(fmt.Sprintf("world size must be positive, got %d", size))
	}

	w := &World{}
	for r := 0; r < size; r++ {
		w.endpoints = append(w.endpoints, &worldEndpoint{
			world:   w,
			rank:    Rank(r),
			matcher: NewMatcher(),
		})
	}

	return w
}

// Size returns the number of endpoints.
func (w *World) Size() int {
	return len(w.endpoints)
}

// Endpoint returns the endpoint of rank r.
func (w *World) Endpoint(r Rank) Endpoint {
	return w.endpoints[r]
}

// HoldIf starts capturing the messages for which pred returns true. A nil
// pred stops capturing; messages already held stay held.
func (w *World) HoldIf(pred HoldFunc) {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.hold = pred
}

// Held returns the number of captured messages.
func (w *World) Held() int {
	w.lock.Lock()
	defer w.lock.Unlock()

	return len(w.held)
}

// Release delivers all captured messages in the order they were sent.
func (w *World) Release() {
	w.lock.Lock()
	defer w.lock.Unlock()

	held := w.held
	w.held = nil

	for _, m := range held {
		w.endpoints[m.dst].matcher.Deliver(m.env)
	}
}

// ReleaseOrder delivers the captured messages in the given order. order must
// be a permutation of the indices of the captured messages, in send order.
func (w *World) ReleaseOrder(order []int) {
	w.lock.Lock()
	defer w.lock.Unlock()

	mustBePermutation(order, len(w.held))

	held := w.held
	w.held = nil

	for _, i := range order {
		m := held[i]
		w.endpoints[m.dst].matcher.Deliver(m.env)
	}
}

func mustBePermutation(order []int, n int) {
	if len(order) != n {
		panic(fmt.Sprintf("release order has %d entries, %d held",
			len(order), n))
	}

	seen := make([]bool, n)
	for _, i := range order {
		if i < 0 || i >= n || seen[i] {
			panic(fmt.Sprintf("release order %v is not a permutation", order))
		}

		seen[i] = true
	}
}

func (w *World) route(src, dst Rank, tag Tag, data []byte) {
	env := Envelope{Src: src, Tag: tag, Data: data}

	w.lock.Lock()
	defer w.lock.Unlock()

	if w.hold != nil && w.hold(src, dst, tag) {
		w.held = append(w.held, heldMsg{dst: dst, env: env})
		return
	}

	w.endpoints[dst].matcher.Deliver(env)
}

type worldEndpoint struct {
	world   *World
	rank    Rank
	matcher *Matcher

	closeOnce sync.Once
	closed    bool
	lock      sync.Mutex
}

func (e *worldEndpoint) Rank() Rank {
	return e.rank
}

func (e *worldEndpoint) Size() int {
	return e.world.Size()
}

func (e *worldEndpoint) Irecv(buf []byte, src Rank, tag Tag) Request {
	return e.matcher.Post(buf, src, tag)
}

func (e *worldEndpoint) Isend(buf []byte, dst Rank, tag Tag) Request {
	st := Status{Source: e.rank, Tag: tag, Count: len(buf)}

	if dst < 0 || int(dst) >= e.world.Size() {
		return NewCompleted(st, fmt.Errorf("fabric: invalid destination %d", dst))
	}

	if e.isClosed() {
		return NewCompleted(st, ErrClosed)
	}

	data := make([]byte, len(buf))
	copy(data, buf)
	e.world.route(e.rank, dst, tag, data)

	return NewCompleted(st, nil)
}

func (e *worldEndpoint) Send(buf []byte, dst Rank, tag Tag) error {
	_, err := Wait(context.Background(), e.Isend(buf, dst, tag))
	return err
}

func (e *worldEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.lock.Lock()
		e.closed = true
		e.lock.Unlock()

		e.matcher.Close(ErrClosed)
	})

	return nil
}

func (e *worldEndpoint) isClosed() bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.closed
}
