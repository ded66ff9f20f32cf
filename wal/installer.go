package wal

import (
	"github.com/cockroachdb/errors"

	"github.com/mit-pdos/go-arrayjournal/metrics"
	"github.com/mit-pdos/go-arrayjournal/util"
)

// Reclaim frees groups whose contents a checkpoint has made durable in the
// metadata. It erases their header and footer, records where sequence
// numbers and generations continue in the superblock, and wakes appends
// waiting for space.
func (r *Ring) Reclaim(slots []uint64) error {
	if len(slots) == 0 {
		return nil
	}
	r.memLock.Lock()
	for _, slot := range slots {
		g := r.groups[slot]
		if g.status != groupCheckpointing {
			r.memLock.Unlock()
			return errors.AssertionFailedf("wal: reclaim group %d in state %s",
				slot, errors.Safe(g.status.String()))
		}
	}
	sb := Superblock{Layout: r.layout, NextSeq: r.nextSeq, NextGen: r.nextGen}
	r.memLock.Unlock()

	if err := eraseGroups(r.d, r.layout, slots); err != nil {
		return err
	}
	if err := WriteSuperblock(r.d, sb); err != nil {
		return err
	}

	r.memLock.Lock()
	for _, slot := range slots {
		g := r.groups[slot]
		util.DPrintf(2, "wal: reclaim group %d gen %d seq %d..%d", slot, g.gen, g.seqStart, g.seqEnd)
		g.reset()
	}
	metrics.FullLogGroups.Set(float64(r.numFullLocked()))
	r.condReclaim.Broadcast()
	r.memLock.Unlock()
	return nil
}
