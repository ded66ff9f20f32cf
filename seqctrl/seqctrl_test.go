package seqctrl

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCallbacksNest(t *testing.T) {
	assert := assert.New(t)
	c := New()
	c.GetCallbackExecutionApproval()
	c.GetCallbackExecutionApproval()
	assert.Equal(uint64(2), c.NumPendingCallbacks())
	assert.False(c.IsCheckpointInProgress())
	c.NotifyCallbackCompleted()
	c.NotifyCallbackCompleted()
	assert.Equal(uint64(0), c.NumPendingCallbacks())

	c.GetCheckpointExecutionApproval()
	assert.True(c.IsCheckpointInProgress())
	c.AllowCallbackExecution()
	assert.False(c.IsCheckpointInProgress())
}

func TestCheckpointWaitsForCallbacks(t *testing.T) {
	c := New()
	c.GetCallbackExecutionApproval()

	approved := make(chan struct{})
	go func() {
		c.GetCheckpointExecutionApproval()
		close(approved)
	}()

	select {
	case <-approved:
		t.Fatal("checkpoint approved while a callback is pending")
	case <-time.After(20 * time.Millisecond):
	}
	c.NotifyCallbackCompleted()
	<-approved
	assert.True(t, c.IsCheckpointInProgress())
	c.AllowCallbackExecution()
}

func TestCallbackWaitsForCheckpoint(t *testing.T) {
	c := New()
	c.GetCheckpointExecutionApproval()

	approved := make(chan struct{})
	go func() {
		c.GetCallbackExecutionApproval()
		close(approved)
	}()

	select {
	case <-approved:
		t.Fatal("callback approved during checkpoint")
	case <-time.After(20 * time.Millisecond):
	}
	c.AllowCallbackExecution()
	<-approved
	assert.Equal(t, uint64(1), c.NumPendingCallbacks())
	c.NotifyCallbackCompleted()
}

func TestMisuseAsserts(t *testing.T) {
	c := New()
	assert.Panics(t, func() { c.NotifyCallbackCompleted() })
	assert.Panics(t, func() { c.AllowCallbackExecution() })
}

// stress: callbacks and checkpoints never overlap.
func TestExclusionStress(t *testing.T) {
	c := New()
	var inCallback int64
	var inCheckpoint int64
	var violations int64
	var checkpoints int64

	const nWriters = 16
	const nIter = 500

	var wg sync.WaitGroup
	for w := 0; w < nWriters; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < nIter; i++ {
				c.GetCallbackExecutionApproval()
				atomic.AddInt64(&inCallback, 1)
				if atomic.LoadInt64(&inCheckpoint) != 0 || c.IsCheckpointInProgress() {
					atomic.AddInt64(&violations, 1)
				}
				atomic.AddInt64(&inCallback, -1)
				c.NotifyCallbackCompleted()
			}
		}()
	}

	done := make(chan struct{})
	var cwg sync.WaitGroup
	cwg.Add(1)
	go func() {
		defer cwg.Done()
		for {
			c.GetCheckpointExecutionApproval()
			atomic.AddInt64(&inCheckpoint, 1)
			if atomic.LoadInt64(&inCallback) != 0 || c.NumPendingCallbacks() != 0 {
				atomic.AddInt64(&violations, 1)
			}
			atomic.AddInt64(&checkpoints, 1)
			atomic.AddInt64(&inCheckpoint, -1)
			c.AllowCallbackExecution()
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	wg.Wait()
	close(done)
	cwg.Wait()

	assert.Equal(t, int64(0), atomic.LoadInt64(&violations))
	assert.Greater(t, atomic.LoadInt64(&checkpoints), int64(0))
	assert.Equal(t, uint64(0), c.NumPendingCallbacks())
	assert.False(t, c.IsCheckpointInProgress())
}
