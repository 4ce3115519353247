// Package tracing turns the message events of an rmi server into records.
package tracing

import (
	"time"

	"github.com/sarchlab/activemsg/fabric"
	"github.com/sarchlab/activemsg/rmi"
)

// An Event is one observation made at a hook position of a server.
type Event struct {
	Time  time.Time
	Rank  fabric.Rank
	What  string
	Batch int
	Msg   rmi.MsgInfo
}

// A Tracer can collect events.
type Tracer interface {
	Trace(event Event)
}

// EventFilter decides whether a tracer keeps an event.
type EventFilter func(event Event) bool

// KeepAll is an EventFilter that keeps every event.
func KeepAll(Event) bool {
	return true
}

// OnlyWhat returns a filter that keeps the events with the given names.
func OnlyWhat(whats ...string) EventFilter {
	set := make(map[string]bool, len(whats))
	for _, w := range whats {
		set[w] = true
	}

	return func(e Event) bool {
		return set[e.What]
	}
}
