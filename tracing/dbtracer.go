package tracing

import (
	"sync"
	"time"

	"github.com/sarchlab/activemsg/datarecording"
	"github.com/tebeka/atexit"
)

// EventTableName is the table that DBTracer writes into.
const EventTableName = "rmi_events"

// EventEntry is a row of the event table.
type EventEntry struct {
	Time      float64
	Rank      int
	What      string
	Batch     int
	ReqID     string
	Src       int
	Dst       int
	Len       int
	Handler   string
	Ordered   bool
	Count     int
	HereCount int
	Slot      int
}

// DBTracer is a tracer that stores events into a database through a
// DataRecorder.
type DBTracer struct {
	mu      sync.Mutex
	backend datarecording.DataRecorder
	filter  EventFilter
	start   time.Time
	count   int
	stopped bool
}

// NewDBTracer creates a new DBTracer. Event times are recorded in seconds
// since its creation.
func NewDBTracer(
	dataRecorder datarecording.DataRecorder,
	filter EventFilter,
) *DBTracer {
	if filter == nil {
		filter = KeepAll
	}

	dataRecorder.CreateTable(EventTableName, EventEntry{})

	t := &DBTracer{
		backend: dataRecorder,
		filter:  filter,
		start:   time.Now(),
	}

	atexit.Register(func() {
		t.Terminate()
	})

	return t
}

// Trace records an event.
func (t *DBTracer) Trace(event Event) {
	if !t.filter(event) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	t.backend.InsertData(EventTableName, EventEntry{
		Time:      event.Time.Sub(t.start).Seconds(),
		Rank:      int(event.Rank),
		What:      event.What,
		Batch:     event.Batch,
		ReqID:     event.Msg.ReqID,
		Src:       int(event.Msg.Src),
		Dst:       int(event.Msg.Dst),
		Len:       event.Msg.Len,
		Handler:   event.Msg.Handler.String(),
		Ordered:   event.Msg.Ordered,
		Count:     int(event.Msg.Count),
		HereCount: int(event.Msg.HereCount),
		Slot:      event.Msg.Slot,
	})
	t.count++
}

// Count returns the number of events recorded.
func (t *DBTracer) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.count
}

// Terminate stops recording and flushes what was recorded.
func (t *DBTracer) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	t.stopped = true
	t.backend.Flush()
}
