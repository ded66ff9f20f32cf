// lockmap is a sharded lock map.
//
// The API is as if LockMap held a lock for every possible map id;
// LockMap.Acquire(id) acquires the lock of id and LockMap.Release(id)
// releases it. Only locks that are held or waited for take up memory.
package lockmap

import (
	"sync"
)

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[uint64]*lockState
}

func (s *lockShard) acquire(id uint64) {
	s.mu.Lock()
	st, ok := s.state[id]
	if !ok {
		st = &lockState{cond: sync.NewCond(s.mu)}
		s.state[id] = st
	}
	for st.held {
		st.waiters += 1
		st.cond.Wait()
		st.waiters -= 1
	}
	st.held = true
	s.mu.Unlock()
}

func (s *lockShard) release(id uint64) {
	s.mu.Lock()
	st, ok := s.state[id]
	if !ok || !st.held {
		s.mu.Unlock()
		panic("lockmap: release of unheld lock")
	}
	st.held = false
	if st.waiters > 0 {
		st.cond.Signal()
	} else {
		delete(s.state, id)
	}
	s.mu.Unlock()
}

func (s *lockShard) isHeld(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[id]
	return ok && st.held
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	shards := make([]*lockShard, NSHARD)
	for i := range shards {
		mu := new(sync.Mutex)
		shards[i] = &lockShard{mu: mu, state: make(map[uint64]*lockState)}
	}
	return &LockMap{shards: shards}
}

func (l *LockMap) Acquire(id uint64) {
	l.shards[id%NSHARD].acquire(id)
}

func (l *LockMap) Release(id uint64) {
	l.shards[id%NSHARD].release(id)
}

func (l *LockMap) IsHeld(id uint64) bool {
	return l.shards[id%NSHARD].isHeld(id)
}
