// Package statectl tracks the array's recovery situation.
//
// Components invoke contexts (an owner plus the situation it asks for); the
// current situation is the highest one among invoked contexts. Every change
// of the current situation is dispatched synchronously to subscribers under
// the dispatch lock, so observers must not call back into the coordinator.
package statectl

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mit-pdos/go-arrayjournal/util"
)

type Situation int

const (
	NoRequest Situation = iota
	RecoveryRequested
	RecoveryInProgress
	RecoveryDone

	numSituations
)

func (s Situation) String() string {
	switch s {
	case NoRequest:
		return "no_request"
	case RecoveryRequested:
		return "recovery_requested"
	case RecoveryInProgress:
		return "recovery_in_progress"
	case RecoveryDone:
		return "recovery_done"
	}
	return "unknown"
}

type Context struct {
	Owner     string
	Situation Situation
}

type Observer interface {
	StateChanged(prev Situation, next Situation)
}

type subscriber struct {
	id  uuid.UUID
	seq uint64
	o   Observer
}

type Coordinator struct {
	mu        sync.Mutex
	contexts  map[Context]uint64
	current   Situation
	observers map[uuid.UUID]subscriber
	nsub      uint64
}

func New() *Coordinator {
	return &Coordinator{
		contexts:  make(map[Context]uint64),
		observers: make(map[uuid.UUID]subscriber),
	}
}

// Subscribe registers o and immediately reports the current situation to
// it as a change from itself.
func (c *Coordinator) Subscribe(o Observer) uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.New()
	c.observers[id] = subscriber{id: id, seq: c.nsub, o: o}
	c.nsub++
	o.StateChanged(c.current, c.current)
	return id
}

func (c *Coordinator) Unsubscribe(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.observers[id]
	delete(c.observers, id)
	return ok
}

func (c *Coordinator) Invoke(ctx Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts[ctx]++
	c.updateLocked()
}

// Remove drops one invocation of ctx and reports whether there was one.
func (c *Coordinator) Remove(ctx Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.contexts[ctx]
	if !ok {
		return false
	}
	if n == 1 {
		delete(c.contexts, ctx)
	} else {
		c.contexts[ctx] = n - 1
	}
	c.updateLocked()
	return true
}

// RemoveAll drops one invocation of each of ctxs and publishes at most one
// transition. It returns how many were invoked.
func (c *Coordinator) RemoveAll(ctxs ...Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, ctx := range ctxs {
		cnt, ok := c.contexts[ctx]
		if !ok {
			continue
		}
		n++
		if cnt == 1 {
			delete(c.contexts, ctx)
		} else {
			c.contexts[ctx] = cnt - 1
		}
	}
	c.updateLocked()
	return n
}

// Exists reports whether some invoked context asks for s.
func (c *Coordinator) Exists(s Situation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ctx := range c.contexts {
		if ctx.Situation == s {
			return true
		}
	}
	return false
}

func (c *Coordinator) Current() Situation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Assumes caller holds mu
func (c *Coordinator) updateLocked() {
	next := NoRequest
	for ctx := range c.contexts {
		if ctx.Situation > next {
			next = ctx.Situation
		}
	}
	if next == c.current {
		return
	}
	prev := c.current
	c.current = next
	util.DPrintf(1, "statectl: %v -> %v", prev, next)

	subs := make([]subscriber, 0, len(c.observers))
	for _, s := range c.observers {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	for _, s := range subs {
		s.o.StateChanged(prev, next)
	}
}

// Waiter is an observer that lets goroutines block until a situation has
// been observed.
type Waiter struct {
	mu   *sync.Mutex
	cond *sync.Cond
	cur  Situation
	seen [numSituations]bool
}

func NewWaiter() *Waiter {
	mu := new(sync.Mutex)
	return &Waiter{mu: mu, cond: sync.NewCond(mu)}
}

func (w *Waiter) StateChanged(prev Situation, next Situation) {
	w.mu.Lock()
	w.cur = next
	if next >= 0 && next < numSituations {
		w.seen[next] = true
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

// WaitFor blocks until s has been observed at least once.
func (w *Waiter) WaitFor(s Situation) {
	w.mu.Lock()
	for !w.seen[s] {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

// Current is the last observed situation.
func (w *Waiter) Current() Situation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}
