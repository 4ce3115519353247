package fabric

import (
	"context"
	"sync/atomic"
)

// Completion is a Request that is finished by the transport, possibly from
// another goroutine.
type Completion struct {
	taken  atomic.Bool
	done   atomic.Bool
	status Status
	err    error
}

// NewCompletion returns an unfinished request.
func NewCompletion() *Completion {
	return &Completion{}
}

// NewCompleted returns a request that has already finished.
func NewCompleted(status Status, err error) *Completion {
	c := &Completion{}
	c.Complete(status, err)

	return c
}

// Test reports whether the request has finished.
func (c *Completion) Test() (bool, Status, error) {
	if !c.done.Load() {
		return false, Status{}, nil
	}

	return true, c.status, c.err
}

// Complete finishes the request. A request can only be completed once.
func (c *Completion) Complete(status Status, err error) {
	if !c.taken.CompareAndSwap(false, true) {
		panic("request completed twice")
	}

	c.status = status
	c.err = err
	c.done.Store(true)
}

// Testsome tests every non-nil request in reqs. The indices of the finished
// requests are written to indices, in ascending order, and their statuses to
// statuses at the same positions. Both output slices must be at least as long
// as reqs. The first transport error found is returned together with the
// number of finished requests.
func Testsome(
	reqs []Request,
	indices []int,
	statuses []Status,
) (int, error) {
	n := 0

	var firstErr error

	for i, req := range reqs {
		if req == nil {
			continue
		}

		done, st, err := req.Test()
		if !done {
			continue
		}

		if err != nil && firstErr == nil {
			firstErr = err
		}

		indices[n] = i
		statuses[n] = st
		n++
	}

	return n, firstErr
}

// Wait blocks until req finishes or ctx is done.
func Wait(ctx context.Context, req Request) (Status, error) {
	b := NewBackoff(DefaultSpins, DefaultMinSleep, DefaultMaxSleep)

	for {
		done, st, err := req.Test()
		if done {
			return st, err
		}

		if ctx.Err() != nil {
			return Status{}, ctx.Err()
		}

		b.Wait()
	}
}
