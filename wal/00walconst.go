//  wal implements the journal's log group ring.
//
//  The layout of the log device:
//  [ superblock | group 0 | group 1 | ... | group N-1 ]
//
//  and of every group:
//  [ header | data blocks ...          | footer ]
//    ^        ^                           ^
//    groupId, records appended in         recordCount, byteLen,
//    generation, sequence order           checksum, generation
//    seqStart
//
//  Writers append records into the active group under memLock; a logger
//  goroutine persists reserved bytes (data blocks, barrier, footer,
//  barrier). When a record does not fit, the group is latched full and the
//  ring moves to the next slot. A full group stays untouched until the
//  checkpoint reclaims it, which erases its header and footer; if the next
//  slot is not free, appends wait for a reclaim.
//
//  Every activation stamps the group with a ring-wide generation, so replay
//  orders groups by generation and a slot's old contents are never mistaken
//  for its new ones.
package wal

import (
	"github.com/mit-pdos/go-arrayjournal/disk"
)

const (
	SBBLOCK    = uint64(0) // superblock
	GROUPSTART = uint64(1)

	sbMark     uint64 = 0x4A524E4C53555052
	hdrMark    uint64 = 0x4A524E4C47484452
	ftrMark    uint64 = 0x4A524E4C47465452
	layoutVers uint64 = 1
)

// Layout is the geometry of the log device.
type Layout struct {
	NumGroups   uint64
	GroupBlocks uint64 // header and footer included
}

// Capacity is the number of record bytes one group holds.
func (l Layout) Capacity() uint64 {
	return (l.GroupBlocks - 2) * disk.BlockSize
}

// DiskBlocks is the number of blocks the log occupies.
func (l Layout) DiskBlocks() uint64 {
	return GROUPSTART + l.NumGroups*l.GroupBlocks
}

func (l Layout) groupStart(slot uint64) uint64 {
	return GROUPSTART + slot*l.GroupBlocks
}

func (l Layout) headerAddr(slot uint64) uint64 {
	return l.groupStart(slot)
}

func (l Layout) dataAddr(slot uint64) uint64 {
	return l.groupStart(slot) + 1
}

func (l Layout) footerAddr(slot uint64) uint64 {
	return l.groupStart(slot) + l.GroupBlocks - 1
}

func (l Layout) Validate() error {
	if l.NumGroups < 2 {
		return errInvalidLayout("need at least two log groups")
	}
	if l.GroupBlocks < 3 {
		return errInvalidLayout("a group needs header, footer and a data block")
	}
	return nil
}
