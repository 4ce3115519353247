// Package idgen generates the identifiers attached to send handles.
package idgen

import (
	"log"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

var (
	generatorMutex        sync.Mutex
	generatorInstantiated atomic.Bool
	generator             Generator
)

// Generator can generate IDs
type Generator interface {
	// Generate an ID
	Generate() string
}

// UseSequential configures the process-wide generator to produce
// sequential decimal IDs. IDs are deterministic within one process.
func UseSequential() {
	use(NewSequential())
}

// UseParallel configures the process-wide generator to produce xid IDs,
// which are unique across processes and hosts.
func UseParallel() {
	use(NewParallel())
}

func use(g Generator) {
	generatorMutex.Lock()
	defer generatorMutex.Unlock()

	if generatorInstantiated.Load() {
		log.Panic("cannot change id generator type after using it")
	}

	generator = g
	generatorInstantiated.Store(true)
}

// Get returns the process-wide generator. Without an explicit choice, the
// parallel generator is used.
func Get() Generator {
	if generatorInstantiated.Load() {
		return generator
	}

	generatorMutex.Lock()
	defer generatorMutex.Unlock()

	if !generatorInstantiated.Load() {
		generator = NewParallel()
		generatorInstantiated.Store(true)
	}

	return generator
}

// NewSequential returns a generator whose first ID is "1".
func NewSequential() Generator {
	return &sequentialGenerator{}
}

// NewParallel returns a generator backed by xid.
func NewParallel() Generator {
	return parallelGenerator{}
}

type sequentialGenerator struct {
	nextID atomic.Uint64
}

func (g *sequentialGenerator) Generate() string {
	return strconv.FormatUint(g.nextID.Add(1), 10)
}

type parallelGenerator struct{}

func (parallelGenerator) Generate() string {
	return xid.New().String()
}
