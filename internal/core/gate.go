package core

import "sync"

// Gate implements the Stability Gate (spec.md §4.4): a per-record FIFO
// barrier that holds permission-evaluator reads and other record-stability
// sensitive callbacks behind any write transition currently being applied,
// so they always observe a version that cannot change out from under them
// while they run.
//
// Writes bracket their storage mutation with BeginWrite/EndWrite; anything
// that must see a stable record calls RunWhenStable, which either runs
// immediately (no write in flight) or is queued and run, in arrival order,
// by the next EndWrite.
type Gate struct {
	mu    sync.Mutex
	names map[string]*gateEntry
}

type gateEntry struct {
	busy    bool
	nextID  int64
	pending []queuedCall
}

type queuedCall struct {
	id int64
	fn func()
}

// NewGate creates an empty Gate.
func NewGate() *Gate {
	return &Gate{names: make(map[string]*gateEntry)}
}

// BeginWrite marks name as having a write transition in flight. Must be
// paired with a later EndWrite for the same name.
func (g *Gate) BeginWrite(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.names[name]
	if !ok {
		e = &gateEntry{}
		g.names[name] = e
	}
	e.busy = true
}

// EndWrite clears the in-flight marker for name and runs every call queued
// while it was set, in the order they were registered.
func (g *Gate) EndWrite(name string) {
	g.mu.Lock()
	e, ok := g.names[name]
	if !ok {
		g.mu.Unlock()
		return
	}
	e.busy = false
	pending := e.pending
	e.pending = nil
	if len(pending) == 0 {
		delete(g.names, name)
	}
	g.mu.Unlock()

	for _, c := range pending {
		c.fn()
	}
}

// RunWhenStable runs fn now if name has no write in flight, or queues it to
// run at the next EndWrite(name) otherwise. It returns a request id that can
// be passed to RemoveRecordRequest to cancel a still-queued fn (used when
// the caller's connection closes before its turn arrives).
func (g *Gate) RunWhenStable(name string, fn func()) int64 {
	g.mu.Lock()
	e, ok := g.names[name]
	if !ok {
		e = &gateEntry{}
		g.names[name] = e
	}
	if !e.busy {
		if len(e.pending) == 0 {
			delete(g.names, name)
		}
		g.mu.Unlock()
		fn()
		return 0
	}

	e.nextID++
	id := e.nextID
	e.pending = append(e.pending, queuedCall{id: id, fn: fn})
	g.mu.Unlock()
	return id
}

// RemoveRecordRequest cancels a queued call registered by RunWhenStable,
// identified by the id it returned. A zero id (already run synchronously) is
// a no-op. Safe to call after the call has already fired.
func (g *Gate) RemoveRecordRequest(name string, id int64) {
	if id == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.names[name]
	if !ok {
		return
	}
	kept := e.pending[:0]
	for _, c := range e.pending {
		if c.id == id {
			continue
		}
		kept = append(kept, c)
	}
	e.pending = kept
}
