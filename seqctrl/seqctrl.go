// Package seqctrl serializes checkpoint triggering against log-write
// completion callbacks.
//
// Any number of callbacks may run at once, but never while a checkpoint
// holds approval, and a checkpoint is approved only once no callback is
// running. It is a readers/writer exclusion with the checkpoint as the
// single writer. A checkpoint that is waiting for approval holds off new
// callbacks so that a steady stream of completions cannot starve it.
package seqctrl

import (
	"sync"

	"github.com/cockroachdb/errors"
)

type Controller struct {
	mu   *sync.Mutex
	cond *sync.Cond

	pending      uint64 // callbacks executing
	inProgress   bool   // checkpoint holds approval
	checkpointWq uint64 // checkpoints waiting for approval
}

func New() *Controller {
	mu := new(sync.Mutex)
	return &Controller{
		mu:   mu,
		cond: sync.NewCond(mu),
	}
}

// GetCallbackExecutionApproval waits until no checkpoint is in progress (or
// waiting to start) and registers one executing callback.
func (c *Controller) GetCallbackExecutionApproval() {
	c.mu.Lock()
	for c.inProgress || c.checkpointWq > 0 {
		c.cond.Wait()
	}
	c.pending += 1
	c.mu.Unlock()
}

// NotifyCallbackCompleted unregisters a callback admitted by
// GetCallbackExecutionApproval.
func (c *Controller) NotifyCallbackCompleted() {
	c.mu.Lock()
	if c.pending == 0 {
		c.mu.Unlock()
		panic(errors.AssertionFailedf("callback completed without approval"))
	}
	if c.inProgress {
		c.mu.Unlock()
		panic(errors.AssertionFailedf("callback ran during checkpoint"))
	}
	c.pending -= 1
	if c.pending == 0 {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// GetCheckpointExecutionApproval waits until no callback is executing and no
// other checkpoint holds approval, then marks a checkpoint in progress.
func (c *Controller) GetCheckpointExecutionApproval() {
	c.mu.Lock()
	c.checkpointWq += 1
	for c.pending > 0 || c.inProgress {
		c.cond.Wait()
	}
	c.checkpointWq -= 1
	c.inProgress = true
	c.mu.Unlock()
}

// AllowCallbackExecution ends the checkpoint's exclusive phase.
func (c *Controller) AllowCallbackExecution() {
	c.mu.Lock()
	if !c.inProgress {
		c.mu.Unlock()
		panic(errors.AssertionFailedf("no checkpoint in progress"))
	}
	if c.pending != 0 {
		c.mu.Unlock()
		panic(errors.AssertionFailedf("%d callbacks ran during checkpoint", c.pending))
	}
	c.inProgress = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Controller) NumPendingCallbacks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *Controller) IsCheckpointInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}
