package rmi

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// A Handler consumes a message on the dispatch goroutine. msg includes the
// header and is only valid during the call.
type Handler func(msg []byte)

// HandlerID identifies a handler inside message headers. It is derived from
// the name the handler is registered under, so every process that registers
// the same name agrees on the ID.
type HandlerID uint64

// HandlerIDOf returns the ID of the handler registered under name.
func HandlerIDOf(name string) HandlerID {
	return HandlerID(xxhash.Sum64String(name))
}

// String formats the ID as hexadecimal.
func (h HandlerID) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

type handlerEntry struct {
	name string
	fn   Handler
}

// HandlerTable maps handler IDs to local functions.
type HandlerTable struct {
	lock    sync.RWMutex
	entries map[HandlerID]handlerEntry
}

// NewHandlerTable creates an empty table.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{
		entries: make(map[HandlerID]handlerEntry),
	}
}

// Register adds fn under name and returns its ID. Registering a name twice,
// or two names whose IDs collide, panics.
func (t *HandlerTable) Register(name string, fn Handler) HandlerID {
	if fn == nil {
		panic("registering nil handler " + name)
	}

	id := HandlerIDOf(name)

	t.lock.Lock()
	defer t.lock.Unlock()

	if existing, ok := t.entries[id]; ok {
		panic(fmt.Sprintf("handler %q collides with registered handler %q",
			name, existing.name))
	}

	t.entries[id] = handlerEntry{name: name, fn: fn}

	return id
}

// Lookup returns the handler with the given ID, or nil.
func (t *HandlerTable) Lookup(id HandlerID) Handler {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.entries[id].fn
}

// Name returns the name registered for id, or "" if there is none.
func (t *HandlerTable) Name(id HandlerID) string {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.entries[id].name
}

// Len returns the number of registered handlers.
func (t *HandlerTable) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return len(t.entries)
}
