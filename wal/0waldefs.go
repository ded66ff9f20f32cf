package wal

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/mit-pdos/go-arrayjournal/disk"
)

var (
	ErrRingFull       = errors.New("wal: every log group is full")
	ErrRecordTooLarge = errors.New("wal: record larger than a log group")
	ErrClosed         = errors.New("wal: ring is shut down")
	ErrCorrupt        = errors.New("wal: corrupt log group")
	ErrLayoutMismatch = errors.New("wal: layout differs from superblock")
)

func errInvalidLayout(msg string) error {
	return errors.Newf("wal: invalid layout: %s", errors.Safe(msg))
}

type groupStatus int

const (
	groupFree groupStatus = iota
	groupActive
	groupFull
	groupCheckpointing
)

func (s groupStatus) String() string {
	switch s {
	case groupFree:
		return "free"
	case groupActive:
		return "active"
	case groupFull:
		return "full"
	case groupCheckpointing:
		return "checkpointing"
	}
	return "unknown"
}

// Position identifies an appended record.
type Position struct {
	Slot uint64
	Gen  uint64
	Seq  uint64
	End  uint64 // byte offset in the group just past the record
}

type group struct {
	slot     uint64
	gen      uint64
	seqStart uint64
	seqEnd   uint64
	status   groupStatus

	buf  []byte
	off  uint64 // reserved bytes
	nrec uint64

	ncompleted uint64 // records whose callbacks finished
	notified   bool   // reported ready for checkpoint

	diskOff  uint64 // durable bytes
	diskRec  uint64
	diskCrc  uint32 // checksum of buf[:diskOff]
	hdrDirty bool
}

func (g *group) fits(sz uint64) bool {
	return g.off+sz <= uint64(len(g.buf))
}

func (g *group) ready() bool {
	return g.status == groupFull && g.ncompleted == g.nrec
}

func (g *group) reset() {
	g.status = groupFree
	g.gen = 0
	g.seqStart = 0
	g.seqEnd = 0
	g.off = 0
	g.nrec = 0
	g.ncompleted = 0
	g.notified = false
	g.diskOff = 0
	g.diskRec = 0
	g.diskCrc = 0
	g.hdrDirty = false
}

// Ring is the in-memory state of the log group ring. memLock protects all
// group state; disk I/O happens without it.
type Ring struct {
	memLock *sync.Mutex
	d       disk.Disk
	layout  Layout
	groups  []*group
	cur     uint64 // active (or next to activate) slot
	nextSeq uint64
	nextGen uint64
	err     error // sticky logger I/O error

	onReady func(slot uint64)

	condLogger  *sync.Cond
	condReclaim *sync.Cond

	// For shutdown:
	shutdown bool
	nthread  uint64
	condShut *sync.Cond
}

// GroupStatus is a snapshot of one group for status dumps.
type GroupStatus struct {
	Slot       uint64 `json:"slot"`
	Generation uint64 `json:"generation"`
	Status     string `json:"status"`
	SeqStart   uint64 `json:"seq_start"`
	SeqEnd     uint64 `json:"seq_end"`
	Records    uint64 `json:"records"`
	Completed  uint64 `json:"completed"`
	Bytes      uint64 `json:"bytes"`
	Durable    uint64 `json:"durable_bytes"`
}

// Status is a snapshot of the ring for status dumps.
type Status struct {
	NextSeq       uint64        `json:"next_seq"`
	NextGen       uint64        `json:"next_generation"`
	Active        uint64        `json:"active_slot"`
	FullLogGroups uint64        `json:"full_log_groups"`
	Groups        []GroupStatus `json:"groups"`
}
