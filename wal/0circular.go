package wal

import (
	"hash/crc32"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-arrayjournal/disk"
	"github.com/mit-pdos/go-arrayjournal/logrecord"
	"github.com/mit-pdos/go-arrayjournal/util"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Superblock records the log geometry, whether the journal was shut down
// cleanly, and where sequence numbers and generations continue.
type Superblock struct {
	Layout  Layout
	Clean   bool
	NextSeq uint64
	NextGen uint64
}

func encodeSuperblock(sb Superblock) disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(sbMark)
	enc.PutInt(layoutVers)
	enc.PutInt(sb.Layout.NumGroups)
	enc.PutInt(sb.Layout.GroupBlocks)
	var clean uint64
	if sb.Clean {
		clean = 1
	}
	enc.PutInt(clean)
	enc.PutInt(sb.NextSeq)
	enc.PutInt(sb.NextGen)
	return enc.Finish()
}

// ReadSuperblock returns the superblock and whether the device holds one.
func ReadSuperblock(d disk.Disk) (Superblock, bool, error) {
	blk, err := d.Read(SBBLOCK)
	if err != nil {
		return Superblock{}, false, errors.Wrap(err, "read superblock")
	}
	dec := marshal.NewDec(blk)
	if dec.GetInt() != sbMark {
		return Superblock{}, false, nil
	}
	if v := dec.GetInt(); v != layoutVers {
		return Superblock{}, false, errors.Wrapf(ErrCorrupt, "superblock version %d", v)
	}
	var sb Superblock
	sb.Layout.NumGroups = dec.GetInt()
	sb.Layout.GroupBlocks = dec.GetInt()
	sb.Clean = dec.GetInt() == 1
	sb.NextSeq = dec.GetInt()
	sb.NextGen = dec.GetInt()
	return sb, true, nil
}

func WriteSuperblock(d disk.Disk, sb Superblock) error {
	if err := d.Write(SBBLOCK, encodeSuperblock(sb)); err != nil {
		return errors.Wrap(err, "write superblock")
	}
	return d.Barrier()
}

type groupHeader struct {
	slot     uint64
	gen      uint64
	seqStart uint64
}

func encodeHeader(h groupHeader) disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(hdrMark)
	enc.PutInt(h.slot)
	enc.PutInt(h.gen)
	enc.PutInt(h.seqStart)
	return enc.Finish()
}

func decodeHeader(blk disk.Block) (groupHeader, bool) {
	dec := marshal.NewDec(blk)
	if dec.GetInt() != hdrMark {
		return groupHeader{}, false
	}
	var h groupHeader
	h.slot = dec.GetInt()
	h.gen = dec.GetInt()
	h.seqStart = dec.GetInt()
	return h, true
}

type groupFooter struct {
	gen      uint64
	nrec     uint64
	byteLen  uint64
	checksum uint32
	seqEnd   uint64
}

func encodeFooter(f groupFooter) disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(ftrMark)
	enc.PutInt(f.gen)
	enc.PutInt(f.nrec)
	enc.PutInt(f.byteLen)
	enc.PutInt(uint64(f.checksum))
	enc.PutInt(f.seqEnd)
	return enc.Finish()
}

func decodeFooter(blk disk.Block) (groupFooter, bool) {
	dec := marshal.NewDec(blk)
	if dec.GetInt() != ftrMark {
		return groupFooter{}, false
	}
	var f groupFooter
	f.gen = dec.GetInt()
	f.nrec = dec.GetInt()
	f.byteLen = dec.GetInt()
	f.checksum = uint32(dec.GetInt())
	f.seqEnd = dec.GetInt()
	return f, true
}

// eraseGroups zeroes the header and footer of each slot, so that replay
// treats the slots as empty.
func eraseGroups(d disk.Disk, layout Layout, slots []uint64) error {
	b0 := make(disk.Block, disk.BlockSize)
	for _, slot := range slots {
		if err := d.Write(layout.headerAddr(slot), b0); err != nil {
			return errors.Wrapf(err, "erase header of group %d", slot)
		}
		if err := d.Write(layout.footerAddr(slot), b0); err != nil {
			return errors.Wrapf(err, "erase footer of group %d", slot)
		}
	}
	return d.Barrier()
}

func allSlots(layout Layout) []uint64 {
	slots := make([]uint64, layout.NumGroups)
	for i := range slots {
		slots[i] = uint64(i)
	}
	return slots
}

// Format initializes an empty log on d.
func Format(d disk.Disk, layout Layout) error {
	if err := layout.Validate(); err != nil {
		return err
	}
	sz, err := d.Size()
	if err != nil {
		return err
	}
	if sz < layout.DiskBlocks() {
		return errors.Newf("wal: device has %d blocks, layout needs %d", sz, layout.DiskBlocks())
	}
	if err := eraseGroups(d, layout, allSlots(layout)); err != nil {
		return err
	}
	util.DPrintf(1, "wal: formatted %d groups of %d blocks", layout.NumGroups, layout.GroupBlocks)
	return WriteSuperblock(d, Superblock{Layout: layout, Clean: true, NextSeq: 1, NextGen: 1})
}

// ResetGroups erases every group after recovery has consolidated them.
func ResetGroups(d disk.Disk, layout Layout) error {
	return eraseGroups(d, layout, allSlots(layout))
}

// Group is the persisted contents of one log group.
type Group struct {
	Slot       uint64
	Generation uint64
	SeqStart   uint64
	Records    []logrecord.Record
}

func readGroup(d disk.Disk, layout Layout, slot uint64) (*Group, error) {
	hblk, err := d.Read(layout.headerAddr(slot))
	if err != nil {
		return nil, err
	}
	h, ok := decodeHeader(hblk)
	if !ok {
		return nil, nil
	}
	if h.slot != slot {
		return nil, errors.Wrapf(ErrCorrupt, "group %d header names slot %d", slot, h.slot)
	}
	g := &Group{Slot: slot, Generation: h.gen, SeqStart: h.seqStart}

	fblk, err := d.Read(layout.footerAddr(slot))
	if err != nil {
		return nil, err
	}
	f, ok := decodeFooter(fblk)
	if !ok || f.gen != h.gen {
		// activated, but nothing durable in this generation
		return g, nil
	}
	if f.byteLen > layout.Capacity() {
		return nil, errors.Wrapf(ErrCorrupt, "group %d footer length %d", slot, f.byteLen)
	}

	nblk := util.RoundUp(f.byteLen, disk.BlockSize)
	blks, err := disk.ReadBatch(d, layout.dataAddr(slot), nblk)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, nblk*disk.BlockSize)
	for _, b := range blks {
		data = append(data, b...)
	}
	data = data[:f.byteLen]
	if sum := crc32.Checksum(data, crcTable); sum != f.checksum {
		return nil, errors.Wrapf(ErrCorrupt, "group %d gen %d checksum %08x, footer says %08x",
			slot, h.gen, sum, f.checksum)
	}
	recs, err := logrecord.DecodeAll(data)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "group %d", slot), ErrCorrupt)
	}
	if uint64(len(recs)) != f.nrec {
		return nil, errors.Wrapf(ErrCorrupt, "group %d has %d records, footer says %d",
			slot, len(recs), f.nrec)
	}
	var last uint64
	for i, r := range recs {
		if (i == 0 && r.SeqNum() != h.seqStart) || (i > 0 && r.SeqNum() <= last) {
			return nil, errors.Wrapf(ErrCorrupt, "group %d record %d out of sequence (%d after %d)",
				slot, i, r.SeqNum(), last)
		}
		last = r.SeqNum()
	}
	if f.nrec > 0 && last != f.seqEnd {
		return nil, errors.Wrapf(ErrCorrupt, "group %d ends at seq %d, footer says %d",
			slot, last, f.seqEnd)
	}
	g.Records = recs
	return g, nil
}

// ReadGroups reads every persisted group, ordered by generation. Within a
// group records are in append order, so the result is in sequence order.
func ReadGroups(d disk.Disk, layout Layout) ([]*Group, error) {
	var groups []*Group
	for slot := uint64(0); slot < layout.NumGroups; slot++ {
		g, err := readGroup(d, layout, slot)
		if err != nil {
			return nil, err
		}
		if g != nil {
			util.DPrintf(3, "wal: read group %d gen %d, %d records", slot, g.Generation, len(g.Records))
			groups = append(groups, g)
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Generation < groups[j].Generation
	})
	var lastSeq uint64
	for i, g := range groups {
		if i > 0 && g.Generation == groups[i-1].Generation {
			return nil, errors.Wrapf(ErrCorrupt, "groups %d and %d share generation %d",
				groups[i-1].Slot, g.Slot, g.Generation)
		}
		for _, r := range g.Records {
			if r.SeqNum() <= lastSeq {
				return nil, errors.Wrapf(ErrCorrupt, "group %d gen %d seq %d not after %d",
					g.Slot, g.Generation, r.SeqNum(), lastSeq)
			}
			lastSeq = r.SeqNum()
		}
	}
	return groups, nil
}

// NextNumbers returns the sequence number and generation that continue
// after groups and sb.
func NextNumbers(sb Superblock, groups []*Group) (nextSeq uint64, nextGen uint64) {
	nextSeq, nextGen = sb.NextSeq, sb.NextGen
	for _, g := range groups {
		nextGen = util.Max(nextGen, g.Generation+1)
		nextSeq = util.Max(nextSeq, g.SeqStart)
		if n := len(g.Records); n > 0 {
			nextSeq = util.Max(nextSeq, g.Records[n-1].SeqNum()+1)
		}
	}
	if nextSeq == 0 {
		nextSeq = 1
	}
	if nextGen == 0 {
		nextGen = 1
	}
	return nextSeq, nextGen
}
