// Package checkpoint makes the metadata behind full log groups durable and
// then reclaims the groups.
//
// A cycle runs with the callback sequence controller's checkpoint approval
// only while it takes the ready groups and their dirty pages. It then issues
// one asynchronous flush per dirty map plus one allocator context flush,
// waits for all of them, and reclaims the groups. A failed cycle leaves the
// groups full; the next trigger retries them.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-arrayjournal/common"
	"github.com/mit-pdos/go-arrayjournal/dirty"
	"github.com/mit-pdos/go-arrayjournal/meta"
	"github.com/mit-pdos/go-arrayjournal/metrics"
	"github.com/mit-pdos/go-arrayjournal/seqctrl"
	"github.com/mit-pdos/go-arrayjournal/util"
	"github.com/mit-pdos/go-arrayjournal/wal"
)

type State int

const (
	Idle State = iota
	Triggered
	Flushing
	WaitingCompletion
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Triggered:
		return "triggered"
	case Flushing:
		return "flushing"
	case WaitingCompletion:
		return "waiting_completion"
	}
	return "unknown"
}

type Options struct {
	// Disabled keeps the background loop from running cycles; RunOnce
	// still works.
	Disabled bool
	// FlushTimeout bounds the wait for flush completions; zero waits
	// forever.
	FlushTimeout time.Duration
}

type Coordinator struct {
	ring    *wal.Ring
	seq     *seqctrl.Controller
	tracker *dirty.Tracker
	mapper  meta.Mapper
	alloc   meta.Allocator
	opts    Options

	cycleMu *sync.Mutex // one cycle at a time

	mu        *sync.Mutex
	cond      *sync.Cond
	state     State
	requested bool
	disabled  bool
	stopped   bool
	nthread   uint64
	ncycles   uint64
	lastErr   error
}

func New(ring *wal.Ring, seq *seqctrl.Controller, tracker *dirty.Tracker,
	mapper meta.Mapper, alloc meta.Allocator, opts Options) *Coordinator {
	mu := new(sync.Mutex)
	return &Coordinator{
		ring:     ring,
		seq:      seq,
		tracker:  tracker,
		mapper:   mapper,
		alloc:    alloc,
		opts:     opts,
		cycleMu:  new(sync.Mutex),
		mu:       mu,
		cond:     sync.NewCond(mu),
		disabled: opts.Disabled,
	}
}

// Start launches the background loop, which runs a cycle per trigger.
func (c *Coordinator) Start() {
	c.mu.Lock()
	c.nthread += 1
	c.mu.Unlock()
	go func() { c.run() }()
}

func (c *Coordinator) run() {
	c.mu.Lock()
	for !c.stopped {
		if !c.requested || c.disabled {
			c.cond.Wait()
			continue
		}
		c.requested = false
		c.mu.Unlock()

		span, ctx := trace.StartSpanFromContext(context.Background(), "checkpoint")
		if err := c.RunOnce(ctx); err != nil {
			span.Warnf("checkpoint cycle failed: %v", err)
		}

		c.mu.Lock()
	}
	util.DPrintf(1, "checkpoint: shutdown")
	c.nthread -= 1
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Request triggers a cycle. It does not block, so the ring may call it
// when a group becomes ready.
func (c *Coordinator) Request() {
	c.mu.Lock()
	c.requested = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Coordinator) Disable() {
	c.mu.Lock()
	c.disabled = true
	c.mu.Unlock()
}

func (c *Coordinator) Enable() {
	c.mu.Lock()
	c.disabled = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Stop waits for the background loop to exit. A running cycle completes
// first.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.cond.Broadcast()
	for c.nthread > 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cycles counts cycles that reclaimed at least one group.
func (c *Coordinator) Cycles() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ncycles
}

func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) finish(reclaimed bool, err error) {
	c.mu.Lock()
	c.state = Idle
	c.lastErr = err
	if reclaimed {
		c.ncycles++
	}
	c.mu.Unlock()
}

// RunOnce runs one cycle over the groups that are ready now.
func (c *Coordinator) RunOnce(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	span := trace.SpanFromContextSafe(ctx)

	c.setState(Triggered)
	start := time.Now()
	c.seq.GetCheckpointExecutionApproval()
	slots := c.ring.TakeReady()
	pages := c.tracker.Collect(slots)
	c.seq.AllowCallbackExecution()
	if len(slots) == 0 {
		c.finish(false, nil)
		return nil
	}
	span.Infof("checkpoint groups %v: %d maps, %d pages", slots, len(pages), pages.NumPages())

	c.setState(Flushing)
	if err := c.flush(ctx, pages); err != nil {
		c.ring.Release(slots)
		metrics.CheckpointCycles.WithLabelValues("failed").Inc()
		err = errors.Wrapf(err, "checkpoint: flush for groups %v", slots)
		span.Errorf("%v", err)
		c.finish(false, err)
		return err
	}

	// nobody adds to these slots until they are reclaimed
	c.tracker.Reset(slots)
	if err := c.ring.Reclaim(slots); err != nil {
		c.ring.Release(slots)
		metrics.CheckpointCycles.WithLabelValues("failed").Inc()
		err = errors.Wrapf(err, "checkpoint: reclaim groups %v", slots)
		span.Errorf("%v", err)
		c.finish(false, err)
		return err
	}
	metrics.CheckpointCycles.WithLabelValues("ok").Inc()
	metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
	util.DPrintf(2, "checkpoint: reclaimed groups %v in %v", slots, time.Since(start))
	c.finish(true, nil)
	return nil
}

func (c *Coordinator) flush(ctx context.Context, pages dirty.Pages) error {
	return flushPages(ctx, c.mapper, c.alloc, pages, c.opts.FlushTimeout, func() {
		c.setState(WaitingCompletion)
	})
}

// FlushAll makes pages and the allocator context durable, as one cycle
// does. Recovery uses it to persist replayed state.
func FlushAll(ctx context.Context, mapper meta.Mapper, alloc meta.Allocator,
	pages dirty.Pages, timeout time.Duration) error {
	return flushPages(ctx, mapper, alloc, pages, timeout, func() {})
}

// flushPages issues every flush, calls issued, and waits for all
// completions.
func flushPages(ctx context.Context, mapper meta.Mapper, alloc meta.Allocator,
	pages dirty.Pages, timeout time.Duration, issued func()) error {
	var dones []chan error
	issue := func(start func(done meta.FlushDone) error) error {
		ch := make(chan error, 1)
		if err := start(func(err error) { ch <- err }); err != nil {
			return err
		}
		dones = append(dones, ch)
		return nil
	}

	var issueErr error
	for _, id := range pages.Maps() {
		if id == common.AllocatorMapID {
			// covered by the context flush
			continue
		}
		id, ids := id, pages[id]
		issueErr = issue(func(done meta.FlushDone) error {
			return mapper.StartDirtyPageFlush(id, ids, done)
		})
		if issueErr != nil {
			issueErr = errors.Wrapf(issueErr, "start flush of map %d", id)
			break
		}
		metrics.FlushedPages.Add(float64(len(ids)))
	}
	if issueErr == nil {
		issueErr = issue(alloc.StartContextFlush)
		if issueErr != nil {
			issueErr = errors.Wrap(issueErr, "start allocator context flush")
		}
	}
	issued()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range dones {
		ch := ch
		g.Go(func() error {
			select {
			case err := <-ch:
				return err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()
	if issueErr != nil {
		return issueErr
	}
	return err
}

// Drain seals the active group and checkpoints until no full group is left.
// Writers and the background loop must have stopped.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.ring.SealActive()
	for {
		if err := c.RunOnce(ctx); err != nil {
			return err
		}
		n := c.ring.NumFullLogGroups()
		if n == 0 {
			return nil
		}
		if !c.ring.HasReady() {
			return errors.AssertionFailedf("checkpoint: %d full groups with callbacks outstanding", n)
		}
	}
}
