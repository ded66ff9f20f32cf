package lockmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireRelease(t *testing.T) {
	l := MkLockMap()
	l.Acquire(3)
	assert.True(t, l.IsHeld(3))
	assert.False(t, l.IsHeld(3+NSHARD))
	l.Acquire(3 + NSHARD)
	l.Release(3)
	assert.False(t, l.IsHeld(3))
	l.Release(3 + NSHARD)
	assert.Panics(t, func() { l.Release(3) })
}

func TestMutualExclusion(t *testing.T) {
	l := MkLockMap()
	var wg sync.WaitGroup
	counters := make([]int, 4)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := uint64(j % len(counters))
				l.Acquire(id)
				counters[id]++
				l.Release(id)
			}
		}()
	}
	wg.Wait()
	for _, c := range counters {
		assert.Equal(t, 16*200/len(counters), c)
	}
}
