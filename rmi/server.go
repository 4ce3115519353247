// Package rmi implements the active-message transport: every message names a
// handler that runs on the receiving process, and ordered messages from one
// sender run in the order they were sent.
package rmi

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/activemsg/config"
	"github.com/sarchlab/activemsg/fabric"
	"github.com/sarchlab/activemsg/hooking"
	"github.com/sarchlab/activemsg/idgen"
	"github.com/tebeka/atexit"
)

// hugeHandlerName is the reserved handler that receives huge message
// announcements.
const hugeHandlerName = "rmi.huge"

// ErrEndpointClaimed is returned by New when another Server already drives
// the endpoint.
var ErrEndpointClaimed = errors.New("rmi: endpoint already has a server")

var claimedEndpoints sync.Map

// Stats counts the traffic of a Server.
type Stats struct {
	NumMsgSent   uint64
	NumBytesSent uint64
	NumMsgRecv   uint64
	NumBytesRecv uint64
}

// queuedMsg is a received message waiting in its slot to be invoked.
type queuedMsg struct {
	len     int
	handler HandlerID
	slot    int
	src     fabric.Rank
	attr    Attr
	count   uint16
}

type hugeReq struct {
	src   fabric.Rank
	nbyte int
}

// A Server moves active messages over one endpoint.
type Server struct {
	hooking.HookableBase

	ep    fabric.Endpoint
	cfg   config.Config
	rank  fabric.Rank
	nproc int
	maxq  int

	// maxLen bounds the length of any message passed to Isend.
	maxLen int

	handlers  *HandlerTable
	hugeID    HandlerID
	pool      *bufferPool
	ids       idgen.Generator
	logger    *log.Logger
	msgLogger *MsgLogger
	onFatal   func(error)
	debugging atomic.Bool

	lock         sync.Mutex
	stats        Stats
	sendCounters []uint16
	recvCounters []uint16

	hugeSendLocks []sync.Mutex

	// invokeSrc is the source of the message whose handler is running.
	// Only the dispatch goroutine touches it.
	invokeSrc fabric.Rank

	queue      []queuedMsg
	hugeq      []hugeReq
	indices    []int
	statuses   []fabric.Status
	queueLen   atomic.Int64
	backlogLen atomic.Int64

	startOnce sync.Once
	endOnce   sync.Once
	finished  atomic.Bool
	wg        sync.WaitGroup
}

// An Option customizes a Server at creation.
type Option func(s *Server)

// WithFatalHandler replaces the function called on unrecoverable errors. The
// default logs the error, runs the atexit handlers and exits the process.
func WithFatalHandler(f func(err error)) Option {
	return func(s *Server) {
		s.onFatal = f
	}
}

// WithLogger sets the logger used for warnings and debug lines.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithIDGenerator sets the generator of request IDs.
func WithIDGenerator(g idgen.Generator) Option {
	return func(s *Server) {
		s.ids = g
	}
}

// New creates a Server on ep and posts its receive buffers. The dispatch loop
// does not run until Start is called.
func New(
	ep fabric.Endpoint,
	cfg config.Config,
	opts ...Option,
) (*Server, error) {
	if ep == nil {
		return nil, errors.New("rmi: nil endpoint")
	}

	cfg = cfg.Validate()

	if _, loaded := claimedEndpoints.LoadOrStore(ep, struct{}{}); loaded {
		return nil, ErrEndpointClaimed
	}

	nproc := ep.Size()
	nrecv := cfg.NumRecvBuffers

	s := &Server{
		ep:            ep,
		cfg:           cfg,
		rank:          ep.Rank(),
		nproc:         nproc,
		maxq:          nrecv + 1,
		maxLen:        maxHugeLen,
		handlers:      NewHandlerTable(),
		ids:           idgen.Get(),
		logger:        log.New(os.Stderr, "", log.LstdFlags),
		onFatal:       defaultFatal,
		sendCounters:  make([]uint16, nproc),
		recvCounters:  make([]uint16, nproc),
		hugeSendLocks: make([]sync.Mutex, nproc),
		queue:         make([]queuedMsg, 0, nrecv+1),
		indices:       make([]int, nrecv+1),
		statuses:      make([]fabric.Status, nrecv+1),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.msgLogger = NewMsgLogger(s.logger)
	s.debugging.Store(cfg.Debug)
	s.hugeID = s.handlers.Register(hugeHandlerName, s.hugeMsgHandler)

	pool, err := newBufferPool(ep, nrecv, cfg.MaxMsgLen)
	if err != nil {
		claimedEndpoints.Delete(ep)
		return nil, err
	}

	s.pool = pool

	return s, nil
}

func defaultFatal(err error) {
	atexit.Fatal(err)
}

func (s *Server) fatalf(format string, args ...interface{}) {
	s.onFatal(fmt.Errorf(format, args...))
}

// Register makes h callable by remote processes under name.
func (s *Server) Register(name string, h Handler) HandlerID {
	return s.handlers.Register(name, h)
}

// Handlers returns the handler table of the server.
func (s *Server) Handlers() *HandlerTable {
	return s.handlers
}

// Start launches the dispatch loop. Calling it again has no effect.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)

		go s.run()
	})
}

// End stops the dispatch loop and waits for it to exit. Sends already issued
// are not cancelled. Calling it again has no effect.
func (s *Server) End() {
	s.endOnce.Do(func() {
		s.finished.Store(true)
		s.wg.Wait()
	})
}

// Rank returns the rank of this process.
func (s *Server) Rank() fabric.Rank {
	return s.rank
}

// Size returns the number of processes.
func (s *Server) Size() int {
	return s.nproc
}

// Config returns the validated configuration the server runs with.
func (s *Server) Config() config.Config {
	return s.cfg
}

// Endpoint returns the endpoint the server drives.
func (s *Server) Endpoint() fabric.Endpoint {
	return s.ep
}

// Stats returns a snapshot of the traffic counters.
func (s *Server) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.stats
}

// SetDebug turns the debug trace on or off.
func (s *Server) SetDebug(debug bool) {
	s.debugging.Store(debug)
}

// Debug reports whether the debug trace is on.
func (s *Server) Debug() bool {
	return s.debugging.Load()
}

// QueueLen returns the number of messages waiting for their predecessors.
func (s *Server) QueueLen() int {
	return int(s.queueLen.Load())
}

// HugeBacklogLen returns the number of huge messages waiting for the staging
// slot.
func (s *Server) HugeBacklogLen() int {
	return int(s.backlogLen.Load())
}

// StagingBusy reports whether a huge message holds the staging slot.
func (s *Server) StagingBusy() bool {
	return s.pool.stagingBusy()
}

// NumRecvBuffers returns the number of ordinary receive slots.
func (s *Server) NumRecvBuffers() int {
	return s.pool.nrecv
}

// SlotReposts returns, per slot, how many times the slot was put back to work
// after its message was consumed. The last entry is the staging slot.
func (s *Server) SlotReposts() []uint64 {
	return s.pool.repostCounts()
}

func (s *Server) recvCounter(src fabric.Rank) uint16 {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.recvCounters[src]
}

func (s *Server) validRank(r fabric.Rank) bool {
	return r >= 0 && int(r) < s.nproc
}
