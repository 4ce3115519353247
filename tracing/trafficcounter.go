package tracing

import (
	"sort"
	"sync"

	"github.com/sarchlab/activemsg/fabric"
	"github.com/sarchlab/activemsg/rmi"
)

// TrafficCounter counts events by name and the bytes exchanged with each
// peer.
type TrafficCounter struct {
	filter EventFilter

	lock      sync.Mutex
	whats     []string
	counts    map[string]uint64
	bytesTo   map[fabric.Rank]uint64
	bytesFrom map[fabric.Rank]uint64
}

// NewTrafficCounter creates a new TrafficCounter.
func NewTrafficCounter(filter EventFilter) *TrafficCounter {
	if filter == nil {
		filter = KeepAll
	}

	return &TrafficCounter{
		filter:    filter,
		counts:    make(map[string]uint64),
		bytesTo:   make(map[fabric.Rank]uint64),
		bytesFrom: make(map[fabric.Rank]uint64),
	}
}

// Trace counts an event. Sends count toward the destination; invocations
// count toward the source.
func (c *TrafficCounter) Trace(event Event) {
	if !c.filter(event) {
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.counts[event.What]; !ok {
		c.whats = append(c.whats, event.What)
	}
	c.counts[event.What]++

	switch event.What {
	case rmi.HookPosSend.Name:
		c.bytesTo[event.Msg.Dst] += uint64(event.Msg.Len)
	case rmi.HookPosInvoke.Name, rmi.HookPosQueueInvoke.Name:
		c.bytesFrom[event.Msg.Src] += uint64(event.Msg.Len)
	}
}

// Whats returns the event names seen, in the order first seen.
func (c *TrafficCounter) Whats() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]string(nil), c.whats...)
}

// Count returns how many events with the name were seen.
func (c *TrafficCounter) Count(what string) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.counts[what]
}

// BytesTo returns the number of bytes sent to dst.
func (c *TrafficCounter) BytesTo(dst fabric.Rank) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.bytesTo[dst]
}

// BytesFrom returns the number of bytes invoked from src.
func (c *TrafficCounter) BytesFrom(src fabric.Rank) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.bytesFrom[src]
}

// Peers returns the ranks that traffic was counted for, in ascending order.
func (c *TrafficCounter) Peers() []fabric.Rank {
	c.lock.Lock()
	defer c.lock.Unlock()

	seen := make(map[fabric.Rank]bool)
	for r := range c.bytesTo {
		seen[r] = true
	}

	for r := range c.bytesFrom {
		seen[r] = true
	}

	peers := make([]fabric.Rank, 0, len(seen))
	for r := range seen {
		peers = append(peers, r)
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	return peers
}
