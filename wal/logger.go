package wal

import (
	"hash/crc32"

	"github.com/cockroachdb/errors"

	"github.com/mit-pdos/go-arrayjournal/disk"
	"github.com/mit-pdos/go-arrayjournal/util"
)

// pendingGroup returns the oldest group with reserved bytes (or a header)
// not yet on disk.
//
// Assumes caller holds memLock
func (r *Ring) pendingGroup() *group {
	var oldest *group
	for _, g := range r.groups {
		if g.status == groupFree {
			continue
		}
		if !g.hdrDirty && g.diskOff == g.off {
			continue
		}
		if oldest == nil || g.gen < oldest.gen {
			oldest = g
		}
	}
	return oldest
}

func (r *Ring) writeGroup(slot uint64, hdr disk.Block, firstBlk uint64,
	blks []disk.Block, ftr disk.Block) error {
	if hdr != nil {
		if err := r.d.Write(r.layout.headerAddr(slot), hdr); err != nil {
			return err
		}
	}
	if err := disk.WriteBatch(r.d, r.layout.dataAddr(slot)+firstBlk, blks); err != nil {
		return err
	}
	if err := r.d.Barrier(); err != nil {
		return err
	}
	if err := r.d.Write(r.layout.footerAddr(slot), ftr); err != nil {
		return err
	}
	return r.d.Barrier()
}

// logAppend persists the pending part of one group: header and data
// blocks, barrier, footer, barrier. Returns false if there was nothing to
// do.
//
// Assumes caller holds memLock
func (r *Ring) logAppend() bool {
	if r.err != nil {
		return false
	}
	g := r.pendingGroup()
	if g == nil {
		return false
	}
	slot, gen := g.slot, g.gen

	var hdr disk.Block
	if g.hdrDirty {
		hdr = encodeHeader(groupHeader{slot: slot, gen: gen, seqStart: g.seqStart})
	}
	end := g.off
	firstBlk := g.diskOff / disk.BlockSize
	var blks []disk.Block
	for b := firstBlk; b < util.RoundUp(end, disk.BlockSize); b++ {
		blk := make(disk.Block, disk.BlockSize)
		copy(blk, g.buf[b*disk.BlockSize:util.Min((b+1)*disk.BlockSize, end)])
		blks = append(blks, blk)
	}
	crc := crc32.Update(g.diskCrc, crcTable, g.buf[g.diskOff:end])
	nrec := g.nrec
	ftr := encodeFooter(groupFooter{
		gen:      gen,
		nrec:     nrec,
		byteLen:  end,
		checksum: crc,
		seqEnd:   g.seqEnd,
	})

	r.memLock.Unlock()

	util.DPrintf(5, "logAppend: group %d gen %d blocks %d..%d (%d bytes)",
		slot, gen, firstBlk, firstBlk+uint64(len(blks)), end)
	err := r.writeGroup(slot, hdr, firstBlk, blks, ftr)

	r.memLock.Lock()
	if err != nil {
		r.err = errors.Wrapf(err, "wal: persist group %d gen %d", slot, gen)
		util.DPrintf(0, "%v", r.err)
		r.condLogger.Broadcast()
		r.condReclaim.Broadcast()
		return false
	}
	if g.gen == gen {
		if hdr != nil {
			g.hdrDirty = false
		}
		g.diskOff = end
		g.diskRec = nrec
		g.diskCrc = crc
	}
	r.condLogger.Broadcast()
	return true
}

// logger writes reserved records to their groups on disk
//
// Operates by continuously polling for pending groups, driven by condLogger
// for scheduling. At shutdown it drains what is left.
func (r *Ring) logger() {
	r.memLock.Lock()
	r.nthread += 1
	for !r.shutdown {
		progress := r.logAppend()
		if !progress {
			r.condLogger.Wait()
		}
	}
	for r.logAppend() {
	}
	util.DPrintf(1, "logger: shutdown")
	r.nthread -= 1
	r.condShut.Signal()
	r.condLogger.Broadcast()
	r.memLock.Unlock()
}
