package wal

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/mit-pdos/go-arrayjournal/disk"
	"github.com/mit-pdos/go-arrayjournal/logrecord"
	"github.com/mit-pdos/go-arrayjournal/metrics"
	"github.com/mit-pdos/go-arrayjournal/util"
)

// New creates a ring over d with every group free. Sequence numbers and
// generations continue at nextSeq and nextGen.
func New(d disk.Disk, layout Layout, nextSeq uint64, nextGen uint64) *Ring {
	ml := new(sync.Mutex)
	r := &Ring{
		memLock:     ml,
		d:           d,
		layout:      layout,
		groups:      make([]*group, layout.NumGroups),
		nextSeq:     nextSeq,
		nextGen:     nextGen,
		condLogger:  sync.NewCond(ml),
		condReclaim: sync.NewCond(ml),
		condShut:    sync.NewCond(ml),
	}
	for i := range r.groups {
		r.groups[i] = &group{
			slot: uint64(i),
			buf:  make([]byte, layout.Capacity()),
		}
	}
	util.DPrintf(1, "wal: %d groups of %d bytes, next seq %d gen %d",
		layout.NumGroups, layout.Capacity(), nextSeq, nextGen)
	return r
}

// SetReadyHook installs fn to be called, with memLock held, when a full
// group has had all of its records completed. fn must not block.
func (r *Ring) SetReadyHook(fn func(slot uint64)) {
	r.memLock.Lock()
	r.onReady = fn
	r.memLock.Unlock()
}

// Start launches the logger.
func (r *Ring) Start() {
	go func() { r.logger() }()
}

func (r *Ring) Layout() Layout {
	return r.layout
}

func (r *Ring) numFullLocked() uint64 {
	var n uint64
	for _, g := range r.groups {
		if g.status == groupFull || g.status == groupCheckpointing {
			n++
		}
	}
	return n
}

func (r *Ring) notifyReady(g *group) {
	if !g.ready() || g.notified {
		return
	}
	g.notified = true
	util.DPrintf(3, "wal: group %d gen %d ready for checkpoint", g.slot, g.gen)
	if r.onReady != nil {
		r.onReady(g.slot)
	}
}

func (r *Ring) activate(g *group) {
	g.status = groupActive
	g.gen = r.nextGen
	r.nextGen++
	g.seqStart = r.nextSeq
	g.hdrDirty = true
	util.DPrintf(3, "wal: activate group %d gen %d seq %d", g.slot, g.gen, g.seqStart)
}

// rotate latches the active group full and moves to the next slot.
func (r *Ring) rotate() {
	g := r.groups[r.cur]
	g.status = groupFull
	util.DPrintf(3, "wal: group %d gen %d full, %d records", g.slot, g.gen, g.nrec)
	r.notifyReady(g)
	r.cur = (r.cur + 1) % r.layout.NumGroups
	metrics.FullLogGroups.Set(float64(r.numFullLocked()))
	r.condLogger.Broadcast()
}

func (r *Ring) reserve(g *group, rec logrecord.Record) Position {
	seq := r.nextSeq
	r.nextSeq++
	rec.SetSeqNum(seq)
	data := rec.Data()
	copy(g.buf[g.off:], data)
	g.off += uint64(len(data))
	g.nrec++
	g.seqEnd = seq
	metrics.AppendedRecords.WithLabelValues(rec.Type().String()).Inc()
	return Position{Slot: g.slot, Gen: g.gen, Seq: seq, End: g.off}
}

// Assumes caller holds memLock
func (r *Ring) tryAppendLocked(rec logrecord.Record) (Position, error) {
	if r.shutdown {
		return Position{}, ErrClosed
	}
	if r.err != nil {
		return Position{}, r.err
	}
	g := r.groups[r.cur]
	if g.status == groupActive {
		if g.fits(rec.Size()) {
			return r.reserve(g, rec), nil
		}
		r.rotate()
		g = r.groups[r.cur]
	}
	if g.status != groupFree {
		return Position{}, ErrRingFull
	}
	r.activate(g)
	return r.reserve(g, rec), nil
}

// TryAppend reserves space for rec in the active group and assigns its
// sequence number. It returns ErrRingFull instead of waiting for a reclaim.
func (r *Ring) TryAppend(rec logrecord.Record) (Position, error) {
	if rec.Size() > r.layout.Capacity() {
		return Position{}, ErrRecordTooLarge
	}
	r.memLock.Lock()
	defer r.memLock.Unlock()
	return r.tryAppendLocked(rec)
}

// Append is TryAppend, but waits for a checkpoint to reclaim a group when
// every group is full.
func (r *Ring) Append(rec logrecord.Record) (Position, error) {
	if rec.Size() > r.layout.Capacity() {
		return Position{}, errors.Wrapf(ErrRecordTooLarge, "%v of %d bytes", rec.Type(), rec.Size())
	}
	r.memLock.Lock()
	defer r.memLock.Unlock()
	var waited bool
	for {
		pos, err := r.tryAppendLocked(rec)
		if !errors.Is(err, ErrRingFull) {
			return pos, err
		}
		if !waited {
			util.DPrintf(2, "wal: ring full; waiting for reclaim")
			metrics.AppendWaits.Inc()
			waited = true
		}
		r.condLogger.Broadcast()
		r.condReclaim.Wait()
	}
}

// Flush waits until the record at pos, and everything before it in its
// group, is durable.
func (r *Ring) Flush(pos Position) error {
	r.memLock.Lock()
	defer r.memLock.Unlock()
	r.condLogger.Broadcast()
	for {
		g := r.groups[pos.Slot]
		if g.gen != pos.Gen || g.diskOff >= pos.End {
			// a reclaimed group was durable before it was checkpointed
			return nil
		}
		if r.err != nil {
			return r.err
		}
		if r.shutdown && r.nthread == 0 {
			return ErrClosed
		}
		r.condLogger.Wait()
	}
}

// Complete records that the callback of the record at pos has finished.
func (r *Ring) Complete(pos Position) {
	r.memLock.Lock()
	defer r.memLock.Unlock()
	g := r.groups[pos.Slot]
	if g.gen != pos.Gen || g.status == groupFree || g.ncompleted >= g.nrec {
		panic(errors.AssertionFailedf("wal: complete seq %d in group %d gen %d (group gen %d, %s, %d/%d completed)",
			pos.Seq, pos.Slot, pos.Gen, g.gen, errors.Safe(g.status.String()), g.ncompleted, g.nrec))
	}
	g.ncompleted++
	r.notifyReady(g)
}

// SealActive latches the active group full if it holds any records.
func (r *Ring) SealActive() bool {
	r.memLock.Lock()
	defer r.memLock.Unlock()
	g := r.groups[r.cur]
	if g.status != groupActive || g.nrec == 0 {
		return false
	}
	r.rotate()
	return true
}

// TakeReady hands every ready group to the caller for checkpointing, in
// generation order.
func (r *Ring) TakeReady() []uint64 {
	r.memLock.Lock()
	defer r.memLock.Unlock()
	var ready []*group
	for _, g := range r.groups {
		if g.ready() {
			ready = append(ready, g)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].gen < ready[j].gen })
	slots := make([]uint64, len(ready))
	for i, g := range ready {
		g.status = groupCheckpointing
		slots[i] = g.slot
	}
	return slots
}

// Release returns groups whose checkpoint failed. They stay full until the
// next checkpoint takes them again.
func (r *Ring) Release(slots []uint64) {
	r.memLock.Lock()
	defer r.memLock.Unlock()
	for _, slot := range slots {
		g := r.groups[slot]
		if g.status == groupCheckpointing {
			g.status = groupFull
		}
	}
}

// NumFullLogGroups counts groups that are full and not yet reclaimed.
func (r *Ring) NumFullLogGroups() uint64 {
	r.memLock.Lock()
	defer r.memLock.Unlock()
	return r.numFullLocked()
}

// HasReady reports whether some full group is ready for checkpoint.
func (r *Ring) HasReady() bool {
	r.memLock.Lock()
	defer r.memLock.Unlock()
	for _, g := range r.groups {
		if g.ready() {
			return true
		}
	}
	return false
}

func (r *Ring) NextSeq() uint64 {
	r.memLock.Lock()
	defer r.memLock.Unlock()
	return r.nextSeq
}

func (r *Ring) NextGen() uint64 {
	r.memLock.Lock()
	defer r.memLock.Unlock()
	return r.nextGen
}

func (r *Ring) Status() Status {
	r.memLock.Lock()
	defer r.memLock.Unlock()
	st := Status{
		NextSeq:       r.nextSeq,
		NextGen:       r.nextGen,
		Active:        r.cur,
		FullLogGroups: r.numFullLocked(),
		Groups:        make([]GroupStatus, 0, len(r.groups)),
	}
	for _, g := range r.groups {
		st.Groups = append(st.Groups, GroupStatus{
			Slot:       g.slot,
			Generation: g.gen,
			Status:     g.status.String(),
			SeqStart:   g.seqStart,
			SeqEnd:     g.seqEnd,
			Records:    g.nrec,
			Completed:  g.ncompleted,
			Bytes:      g.off,
			Durable:    g.diskOff,
		})
	}
	return st
}

// Shutdown stops the logger after it has persisted every reserved record.
// Appends waiting for space fail with ErrClosed.
func (r *Ring) Shutdown() {
	util.DPrintf(1, "wal: shutdown")
	r.memLock.Lock()
	r.shutdown = true
	r.condLogger.Broadcast()
	r.condReclaim.Broadcast()
	for r.nthread > 0 {
		util.DPrintf(2, "wal: wait for logger")
		r.condShut.Wait()
	}
	r.memLock.Unlock()
	util.DPrintf(1, "wal: done")
}
