// Package fabric is the transport adapter underneath the active message
// layer. It exposes non-blocking, tag-matched, point-to-point primitives in
// the style of two-sided message passing: post a receive, post a send, and
// test the resulting requests for completion.
//
// A receive matches the oldest unexpected message with the same tag whose
// source matches the receive (AnySource matches every source). An arriving
// message matches the oldest posted receive that accepts it. Messages sent
// from one endpoint to another with the same tag never overtake each other.
package fabric

import "errors"

// Rank identifies one participant of a run.
type Rank int

// AnySource lets a receive match a message from every rank.
const AnySource Rank = -1

// Tag separates independent message streams between the same pair of ranks.
type Tag int

// Tags used by the active message layer.
const (
	TagRMI Tag = iota + 1
	TagHugeAck
	TagHugeData
)

// MaxMessageLen bounds the length of a single message on every transport.
const MaxMessageLen = 1 << 40

// ErrTruncate is reported by a receive whose buffer is shorter than the
// message it matched.
var ErrTruncate = errors.New("fabric: message truncated")

// ErrClosed is reported by requests issued on, or pending at, a closed
// endpoint.
var ErrClosed = errors.New("fabric: endpoint closed")

// Status describes a completed request.
type Status struct {
	Source Rank
	Tag    Tag
	Count  int
}

// A Request is an in-flight non-blocking operation.
type Request interface {
	// Test reports whether the operation has finished. The status and
	// error are only meaningful once done is true.
	Test() (done bool, status Status, err error)
}

// An Endpoint is one rank's attachment to the network.
type Endpoint interface {
	// Rank returns the rank of this endpoint.
	Rank() Rank

	// Size returns the number of ranks in the run.
	Size() int

	// Irecv posts a receive into buf for a message from src with tag.
	Irecv(buf []byte, src Rank, tag Tag) Request

	// Isend starts sending buf to dst with tag. The caller must not modify
	// buf before the request completes.
	Isend(buf []byte, dst Rank, tag Tag) Request

	// Send sends buf to dst with tag and returns once buf may be reused.
	Send(buf []byte, dst Rank, tag Tag) error

	// Close detaches the endpoint. Pending receives complete with
	// ErrClosed.
	Close() error
}
