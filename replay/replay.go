// Package replay rebuilds mapper and allocator state from the log after an
// unclean shutdown.
//
// Replay is all or nothing: any integrity violation aborts it and the
// journal refuses to mount. Records are replayed in sequence order, so for
// a block written more than once the last write wins.
package replay

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/mit-pdos/go-arrayjournal/common"
	"github.com/mit-pdos/go-arrayjournal/logrecord"
	"github.com/mit-pdos/go-arrayjournal/meta"
	"github.com/mit-pdos/go-arrayjournal/metrics"
	"github.com/mit-pdos/go-arrayjournal/statectl"
	"github.com/mit-pdos/go-arrayjournal/util"
	"github.com/mit-pdos/go-arrayjournal/wal"
)

var ErrIntegrity = errors.New("replay: log integrity violation")

func integrityf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrIntegrity)
}

// Log is a persisted record and the group it was read from.
type Log struct {
	Record     logrecord.Record
	Slot       uint64
	Generation uint64
}

// LogsFromGroups flattens groups, which must be ordered by generation.
func LogsFromGroups(groups []*wal.Group) []Log {
	var logs []Log
	for _, g := range groups {
		for _, r := range g.Records {
			logs = append(logs, Log{Record: r, Slot: g.Slot, Generation: g.Generation})
		}
	}
	return logs
}

// StripeWriteInfo is what replay learned about one stripe lifetime.
type StripeWriteInfo struct {
	Vsid       common.StripeID
	WbLsid     common.StripeID
	UserLsid   common.StripeID
	Vol        common.VolID
	Blocks     map[uint64]common.BlkAddr // stripe offset → rba
	NextOffset uint64                    // first offset past every written block
	LastSeq    uint64
	Flushed    bool
}

type Options struct {
	BlksPerStripe     uint64
	StripesPerSegment uint64
}

type Result struct {
	Records        uint64 `json:"records"`
	Replayed       uint64 `json:"replayed"`
	Skipped        uint64 `json:"skipped"`
	RestoredTails  uint64 `json:"restored_tails"`
	FlushedStripes uint64 `json:"flushed_stripes"`
	LastSeq        uint64 `json:"last_seq"`
}

type Replayer struct {
	mapper meta.Mapper
	alloc  meta.Allocator
	state  *statectl.Coordinator
	opts   Options

	request *statectl.Context
	checker *DeleteChecker
	stripes map[common.StripeID]*StripeWriteInfo
	res     Result
}

// New creates a replayer. state may be nil.
func New(mapper meta.Mapper, alloc meta.Allocator, state *statectl.Coordinator, opts Options) *Replayer {
	return &Replayer{
		mapper:  mapper,
		alloc:   alloc,
		state:   state,
		opts:    opts,
		checker: NewDeleteChecker(),
		stripes: make(map[common.StripeID]*StripeWriteInfo),
	}
}

func (r *Replayer) Checker() *DeleteChecker {
	return r.checker
}

// SetRequest names the context that asked for this recovery. A successful
// Run removes it along with its own contexts, so the situation goes from
// done straight back to no request.
func (r *Replayer) SetRequest(req statectl.Context) {
	r.request = &req
}

// Stripes returns the stripe lifetimes replay tracked, by vsid.
func (r *Replayer) Stripes() map[common.StripeID]*StripeWriteInfo {
	return r.stripes
}

const stateOwner = "replay"

// Run replays logs, which must be in sequence order, then restores the
// stripes that were still open and signals that recovery is done.
func (r *Replayer) Run(ctx context.Context, logs []Log) (Result, error) {
	span := trace.SpanFromContextSafe(ctx)
	inProgress := statectl.Context{Owner: stateOwner, Situation: statectl.RecoveryInProgress}
	var finished bool
	if r.state != nil {
		r.state.Invoke(inProgress)
		defer func() {
			if !finished {
				r.state.Remove(inProgress)
			}
		}()
	}

	r.checker.Update(logs)
	span.Infof("replay %d logs, %d tombstones", len(logs), len(r.checker.Tombstones()))

	var lastSeq uint64
	for i, l := range logs {
		seq := l.Record.SeqNum()
		if i > 0 && seq <= lastSeq {
			return r.res, integrityf("log %d: seq %d after %d", i, seq, lastSeq)
		}
		lastSeq = seq
		if err := r.replayLog(l); err != nil {
			span.Errorf("replay seq %d (%v) failed: %v", seq, l.Record.Type(), err)
			return r.res, err
		}
	}
	r.res.Records = uint64(len(logs))
	r.res.LastSeq = lastSeq

	if err := r.finishPendingStripes(); err != nil {
		return r.res, err
	}
	r.alloc.ReplaySsdLsid()

	if r.state != nil {
		w := statectl.NewWaiter()
		id := r.state.Subscribe(w)
		done := statectl.Context{Owner: stateOwner, Situation: statectl.RecoveryDone}
		r.state.Invoke(done)
		w.WaitFor(statectl.RecoveryDone)
		r.state.Unsubscribe(id)
		retire := []statectl.Context{inProgress, done}
		if r.request != nil {
			retire = append(retire, *r.request)
		}
		r.state.RemoveAll(retire...)
		finished = true
	}
	span.Infof("replay done: %d replayed, %d skipped, %d tails restored, %d stripes flushed",
		r.res.Replayed, r.res.Skipped, r.res.RestoredTails, r.res.FlushedStripes)
	return r.res, nil
}

func (r *Replayer) replayLog(l Log) error {
	rec := l.Record
	if vr, ok := rec.(logrecord.VolumeRecord); ok {
		vol := vr.Volume()
		if rec.Type() == logrecord.TypeVolumeDeleted {
			r.checker.ReplayedUntil(rec.SeqNum(), vol)
			r.replayed()
			return nil
		}
		if r.checker.ShouldSkip(vol, rec.SeqNum()) {
			util.DPrintf(5, "replay: skip seq %d of deleted volume %d", rec.SeqNum(), vol)
			r.res.Skipped++
			metrics.ReplayedRecords.WithLabelValues("skipped").Inc()
			return nil
		}
	}

	var err error
	switch rec := rec.(type) {
	case *logrecord.BlockWriteDone:
		err = r.blockWriteDone(rec)
	case *logrecord.StripeMapUpdated:
		err = r.stripeMapUpdated(rec)
	case *logrecord.GcStripeFlushed:
		err = r.gcStripeFlushed(rec)
	default:
		err = integrityf("unexpected %v record", rec.Type())
	}
	if err != nil {
		return errors.Wrapf(err, "seq %d", rec.SeqNum())
	}
	r.replayed()
	return nil
}

func (r *Replayer) replayed() {
	r.res.Replayed++
	metrics.ReplayedRecords.WithLabelValues("replayed").Inc()
}

// allocate returns the open stripe lifetime of vsid, replaying its
// allocation on first reference.
func (r *Replayer) allocate(vol common.VolID, vsid common.StripeID, addr common.StripeAddr,
	seq uint64) (*StripeWriteInfo, error) {
	if !addr.IsInWriteBuffer() {
		return nil, integrityf("stripe %d written at %v without a write buffer allocation", vsid, addr)
	}
	if info, ok := r.stripes[vsid]; ok && !info.Flushed {
		if info.WbLsid != addr.ID {
			return nil, integrityf("stripe %d allocated at wb %d and wb %d", vsid, info.WbLsid, addr.ID)
		}
		if info.Vol != vol {
			return nil, integrityf("stripe %d written by volumes %d and %d", vsid, info.Vol, vol)
		}
		info.LastSeq = seq
		return info, nil
	}
	if r.opts.StripesPerSegment > 0 && vsid%r.opts.StripesPerSegment == 0 {
		r.alloc.ReplaySegmentAllocation(vsid)
	}
	r.alloc.ReplayStripeAllocation(vsid, addr.ID)
	info := &StripeWriteInfo{
		Vsid:     vsid,
		WbLsid:   addr.ID,
		UserLsid: common.UnmapStripe,
		Vol:      vol,
		Blocks:   make(map[uint64]common.BlkAddr),
		LastSeq:  seq,
	}
	r.stripes[vsid] = info
	return info, nil
}

// remap points (vol, rba) at vsa and invalidates the block it replaces.
func (r *Replayer) remap(vol common.VolID, rba common.BlkAddr, vsa common.VirtualBlkAddr) error {
	old, err := r.mapper.GetVsaInternal(vol, rba)
	if err != nil {
		return errors.Wrapf(err, "read vsa of volume %d rba %d", vol, rba)
	}
	if !old.IsUnmapped() && old != vsa {
		r.alloc.InvalidateBlks(common.VirtualBlks{StartVsa: old, NumBlks: 1})
	}
	if err := r.mapper.SetVsaMapInternal(vol, rba, vsa); err != nil {
		return errors.Wrapf(err, "map volume %d rba %d to %v", vol, rba, vsa)
	}
	return nil
}

func (r *Replayer) blockWriteDone(rec *logrecord.BlockWriteDone) error {
	vsid := rec.StartVsa.StripeID
	if util.SumOverflows(rec.StartVsa.Offset, rec.NumBlks) || util.SumOverflows(rec.StartRba, rec.NumBlks) {
		return integrityf("%d blocks at rba %d vsa %v wrap around", rec.NumBlks, rec.StartRba, rec.StartVsa)
	}
	if r.opts.BlksPerStripe > 0 && rec.StartVsa.Offset+rec.NumBlks > r.opts.BlksPerStripe {
		return integrityf("%d blocks at %v overrun the stripe", rec.NumBlks, rec.StartVsa)
	}
	info, err := r.allocate(rec.VolID, vsid, rec.StripeAddr, rec.SeqNum())
	if err != nil {
		return err
	}
	for i := uint64(0); i < rec.NumBlks; i++ {
		vsa := rec.StartVsa.Add(i)
		if err := r.remap(rec.VolID, rec.StartRba+i, vsa); err != nil {
			return err
		}
		info.Blocks[vsa.Offset] = rec.StartRba + i
	}
	info.NextOffset = util.Max(info.NextOffset, rec.StartVsa.Offset+rec.NumBlks)
	return nil
}

func (r *Replayer) flushStripe(vsid common.StripeID, oldAddr, newAddr common.StripeAddr) error {
	if err := r.mapper.UpdateStripeMap(vsid, newAddr.ID, newAddr.Loc); err != nil {
		return errors.Wrapf(err, "update stripe map of %d", vsid)
	}
	if oldAddr.IsInWriteBuffer() {
		r.alloc.ReplayStripeFlushed(oldAddr.ID)
	}
	r.alloc.TryToUpdateSegmentValidBlks(vsid)
	if info, ok := r.stripes[vsid]; ok && !info.Flushed {
		info.Flushed = true
		info.UserLsid = newAddr.ID
	}
	return nil
}

func (r *Replayer) stripeMapUpdated(rec *logrecord.StripeMapUpdated) error {
	lsa, err := r.mapper.GetLSA(rec.StripeID)
	if err != nil {
		return errors.Wrapf(err, "read lsa of stripe %d", rec.StripeID)
	}
	if lsa != rec.OldAddr && lsa != rec.NewAddr && !lsa.IsUnmapped() {
		util.DPrintf(1, "replay: stripe %d maps to %v, log moves it from %v to %v",
			rec.StripeID, lsa, rec.OldAddr, rec.NewAddr)
	}
	if info, ok := r.stripes[rec.StripeID]; ok && !info.Flushed && rec.OldAddr.IsInWriteBuffer() &&
		info.WbLsid != rec.OldAddr.ID {
		util.DPrintf(1, "replay: stripe %d written at wb %d, flushed from %v",
			rec.StripeID, info.WbLsid, rec.OldAddr)
	}
	return r.flushStripe(rec.StripeID, rec.OldAddr, rec.NewAddr)
}

func (r *Replayer) gcStripeFlushed(rec *logrecord.GcStripeFlushed) error {
	wb := common.StripeAddr{Loc: common.InWriteBufferArea, ID: rec.WbLsid}
	info, err := r.allocate(rec.VolID, rec.StripeID, wb, rec.SeqNum())
	if err != nil {
		return err
	}
	for _, b := range rec.Blocks {
		if b.NewVsa.StripeID != rec.StripeID {
			return integrityf("gc stripe %d moves rba %d to %v", rec.StripeID, b.Rba, b.NewVsa)
		}
		cur, err := r.mapper.GetVsaInternal(rec.VolID, b.Rba)
		if err != nil {
			return errors.Wrapf(err, "read vsa of volume %d rba %d", rec.VolID, b.Rba)
		}
		info.Blocks[b.NewVsa.Offset] = b.Rba
		info.NextOffset = util.Max(info.NextOffset, b.NewVsa.Offset+1)
		if cur != b.OldVsa {
			// overwritten by the host after gc copied it
			r.alloc.InvalidateBlks(common.VirtualBlks{StartVsa: b.NewVsa, NumBlks: 1})
			continue
		}
		if err := r.remap(rec.VolID, b.Rba, b.NewVsa); err != nil {
			return err
		}
	}
	user := common.StripeAddr{Loc: common.InUserArea, ID: rec.UserLsid}
	return r.flushStripe(rec.StripeID, wb, user)
}

// finishPendingStripes hands every stripe that was written but never
// flushed back to the allocator. The newest one of each volume was its
// active stripe and becomes the tail again unless it is full.
func (r *Replayer) finishPendingStripes() error {
	var pending []*StripeWriteInfo
	for _, info := range r.stripes {
		if !info.Flushed {
			pending = append(pending, info)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].LastSeq < pending[j].LastSeq })

	latest := make(map[common.VolID]*StripeWriteInfo)
	for _, info := range pending {
		latest[info.Vol] = info
	}
	for _, info := range pending {
		tail := common.VirtualBlkAddr{StripeID: info.Vsid, Offset: info.NextOffset}
		full := r.opts.BlksPerStripe > 0 && info.NextOffset >= r.opts.BlksPerStripe
		if latest[info.Vol] == info && !full {
			util.DPrintf(2, "replay: restore tail of volume %d at %v wb %d", info.Vol, tail, info.WbLsid)
			r.alloc.RestoreActiveStripeTail(info.Vol, tail, info.WbLsid)
			r.res.RestoredTails++
			continue
		}
		if latest[info.Vol] == info {
			r.alloc.ResetActiveStripeTail(info.Vol)
		}
		util.DPrintf(2, "replay: flush stripe %d of volume %d wb %d", info.Vsid, info.Vol, info.WbLsid)
		if err := r.alloc.FlushStripe(info.Vol, info.WbLsid, tail); err != nil {
			return errors.Wrapf(err, "flush stripe %d", info.Vsid)
		}
		r.res.FlushedStripes++
	}
	return nil
}
