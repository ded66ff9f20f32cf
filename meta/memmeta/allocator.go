package memmeta

import (
	"sync"

	"github.com/mit-pdos/go-arrayjournal/common"
	"github.com/mit-pdos/go-arrayjournal/meta"
	"github.com/mit-pdos/go-arrayjournal/util"
)

// Tail is a volume's active stripe: the next offset to write and the
// write-buffer stripe backing it.
type Tail struct {
	Vsa    common.VirtualBlkAddr
	WbLsid common.StripeID
}

// StripeFlush is a stripe handed to FlushStripe.
type StripeFlush struct {
	Vol    common.VolID
	WbLsid common.StripeID
	Tail   common.VirtualBlkAddr
}

// AllocState is the allocator context.
type AllocState struct {
	Segments     map[uint64]uint64                   // segment → stripes counted valid
	WbStripes    map[common.StripeID]common.StripeID // wbLsid → vsid, not yet flushed
	Invalid      map[common.StripeID]uint64          // vsid → invalidated blocks
	Tails        map[common.VolID]Tail
	Flushes      []StripeFlush
	SsdLsidReady bool
}

func newAllocState() AllocState {
	return AllocState{
		Segments:  make(map[uint64]uint64),
		WbStripes: make(map[common.StripeID]common.StripeID),
		Invalid:   make(map[common.StripeID]uint64),
		Tails:     make(map[common.VolID]Tail),
	}
}

func (s AllocState) clone() AllocState {
	c := newAllocState()
	for k, v := range s.Segments {
		c.Segments[k] = v
	}
	for k, v := range s.WbStripes {
		c.WbStripes[k] = v
	}
	for k, v := range s.Invalid {
		c.Invalid[k] = v
	}
	for k, v := range s.Tails {
		c.Tails[k] = v
	}
	c.Flushes = append([]StripeFlush(nil), s.Flushes...)
	c.SsdLsidReady = s.SsdLsidReady
	return c
}

type Allocator struct {
	stripesPerSegment uint64

	mu       sync.Mutex
	st       AllocState
	durable  AllocState
	version  uint64
	flushErr error
}

var _ meta.Allocator = (*Allocator)(nil)

func NewAllocator(stripesPerSegment uint64) *Allocator {
	return &Allocator{
		stripesPerSegment: stripesPerSegment,
		st:                newAllocState(),
		durable:           newAllocState(),
	}
}

func (a *Allocator) segment(vsid common.StripeID) uint64 {
	return vsid / a.stripesPerSegment
}

func (a *Allocator) ReplaySegmentAllocation(vsid common.StripeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seg := a.segment(vsid)
	if _, ok := a.st.Segments[seg]; !ok {
		a.st.Segments[seg] = 0
	}
}

func (a *Allocator) ReplayStripeAllocation(vsid common.StripeID, wbLsid common.StripeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.st.WbStripes[wbLsid] = vsid
}

func (a *Allocator) ReplayStripeFlushed(wbLsid common.StripeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.st.WbStripes, wbLsid)
}

func (a *Allocator) TryToUpdateSegmentValidBlks(vsid common.StripeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.st.Segments[a.segment(vsid)]++
}

func (a *Allocator) InvalidateBlks(blks common.VirtualBlks) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.st.Invalid[blks.StartVsa.StripeID] += blks.NumBlks
}

func (a *Allocator) RestoreActiveStripeTail(vol common.VolID, tail common.VirtualBlkAddr, wbLsid common.StripeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.st.Tails[vol] = Tail{Vsa: tail, WbLsid: wbLsid}
}

func (a *Allocator) ResetActiveStripeTail(vol common.VolID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.st.Tails, vol)
}

func (a *Allocator) ReplaySsdLsid() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.st.SsdLsidReady = true
}

func (a *Allocator) FlushStripe(vol common.VolID, wbLsid common.StripeID, tail common.VirtualBlkAddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.st.Flushes = append(a.st.Flushes, StripeFlush{Vol: vol, WbLsid: wbLsid, Tail: tail})
	return nil
}

// FailFlushes makes later context flushes complete with err.
func (a *Allocator) FailFlushes(err error) {
	a.mu.Lock()
	a.flushErr = err
	a.mu.Unlock()
}

func (a *Allocator) StartContextFlush(done meta.FlushDone) error {
	a.mu.Lock()
	ferr := a.flushErr
	var snap AllocState
	if ferr == nil {
		snap = a.st.clone()
	}
	a.mu.Unlock()
	go func() {
		if ferr == nil {
			a.mu.Lock()
			a.durable = snap
			a.version++
			util.DPrintf(4, "memmeta: allocator context version %d", a.version)
			a.mu.Unlock()
		}
		done(ferr)
	}()
	return nil
}

func (a *Allocator) ContextVersion() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// State returns a copy of the live allocator context.
func (a *Allocator) State() AllocState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.st.clone()
}

// Durable returns an allocator holding the last flushed context, as after
// a crash.
func (a *Allocator) Durable() *Allocator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Allocator{
		stripesPerSegment: a.stripesPerSegment,
		st:                a.durable.clone(),
		durable:           a.durable.clone(),
		version:           a.version,
	}
}
