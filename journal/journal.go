// Package journal is the array's journal manager. It mounts the log,
// recovering from it after an unclean shutdown, runs the write path for log
// records, and checkpoints the log during operation and at shutdown.
//
// The write path for a record is: append to the ring, wait until the record
// is durable, then, with the callback sequence controller's approval, record
// the metadata pages the record dirties, run the caller's callback, and mark
// the record complete.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/mit-pdos/go-arrayjournal/checkpoint"
	"github.com/mit-pdos/go-arrayjournal/common"
	"github.com/mit-pdos/go-arrayjournal/dirty"
	"github.com/mit-pdos/go-arrayjournal/disk"
	"github.com/mit-pdos/go-arrayjournal/logrecord"
	"github.com/mit-pdos/go-arrayjournal/meta"
	"github.com/mit-pdos/go-arrayjournal/replay"
	"github.com/mit-pdos/go-arrayjournal/seqctrl"
	"github.com/mit-pdos/go-arrayjournal/statectl"
	"github.com/mit-pdos/go-arrayjournal/util"
	"github.com/mit-pdos/go-arrayjournal/wal"
)

var (
	ErrNotMounted     = errors.New("journal: not mounted")
	ErrAlreadyMounted = errors.New("journal: already mounted")
)

// Callback runs after its record is durable.
type Callback func() error

type Manager struct {
	cfg    Config
	d      disk.Disk
	mapper meta.Mapper
	alloc  meta.Allocator
	state  *statectl.Coordinator

	ring    *wal.Ring
	seq     *seqctrl.Controller
	tracker *dirty.Tracker
	coord   *checkpoint.Coordinator

	mu       *sync.Mutex
	cond     *sync.Cond
	mounted  bool
	closing  bool
	inflight uint64
	recovery *replay.Result
}

// New creates an unmounted journal on d. state may be nil.
func New(cfg Config, d disk.Disk, mapper meta.Mapper, alloc meta.Allocator,
	state *statectl.Coordinator) (*Manager, error) {
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if state == nil {
		state = statectl.New()
	}
	mu := new(sync.Mutex)
	return &Manager{
		cfg:    cfg,
		d:      d,
		mapper: mapper,
		alloc:  alloc,
		state:  state,
		seq:    seqctrl.New(),
		mu:     mu,
		cond:   sync.NewCond(mu),
	}, nil
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Mount attaches the log, formatting an empty device and replaying the log
// if the last shutdown was not clean.
func (m *Manager) Mount(ctx context.Context) error {
	span, ctx := trace.StartSpanFromContext(ctx, "journal mount")
	m.mu.Lock()
	if m.mounted {
		m.mu.Unlock()
		return ErrAlreadyMounted
	}
	m.mu.Unlock()

	layout := m.cfg.Layout()
	sb, ok, err := wal.ReadSuperblock(m.d)
	if err != nil {
		return err
	}
	if !ok {
		span.Infof("no journal on device; formatting %d groups of %d blocks",
			layout.NumGroups, layout.GroupBlocks)
		if err := wal.Format(m.d, layout); err != nil {
			return errors.Wrap(err, "journal: format")
		}
		if sb, _, err = wal.ReadSuperblock(m.d); err != nil {
			return err
		}
	}
	if sb.Layout != layout {
		return errors.Wrapf(wal.ErrLayoutMismatch, "device has %+v, configured %+v", sb.Layout, layout)
	}

	var res *replay.Result
	if !sb.Clean {
		span.Warnf("journal was not shut down cleanly; recovering")
		r, err := m.recover(ctx, sb)
		if err != nil {
			span.Errorf("recovery failed: %v", err)
			return errors.Wrap(err, "journal: recovery")
		}
		res = &r
		if sb, _, err = wal.ReadSuperblock(m.d); err != nil {
			return err
		}
	}

	m.ring = wal.New(m.d, layout, sb.NextSeq, sb.NextGen)
	m.tracker = dirty.NewTracker(layout.NumGroups)
	m.coord = checkpoint.New(m.ring, m.seq, m.tracker, m.mapper, m.alloc, checkpoint.Options{
		Disabled:     m.cfg.CheckpointDisabled,
		FlushTimeout: m.cfg.flushTimeout(),
	})
	m.ring.SetReadyHook(func(uint64) { m.coord.Request() })

	sb.Clean = false
	if err := wal.WriteSuperblock(m.d, sb); err != nil {
		return err
	}
	m.ring.Start()
	m.coord.Start()

	m.mu.Lock()
	m.mounted = true
	m.closing = false
	m.recovery = res
	m.mu.Unlock()
	span.Infof("journal mounted, next seq %d generation %d", sb.NextSeq, sb.NextGen)
	return nil
}

// recover replays the log, makes the replayed state durable, and erases
// the log. The superblock afterwards says where numbering continues.
func (m *Manager) recover(ctx context.Context, sb wal.Superblock) (replay.Result, error) {
	span := trace.SpanFromContextSafe(ctx)
	req := statectl.Context{Owner: "journal", Situation: statectl.RecoveryRequested}
	m.state.Invoke(req)
	// a successful replay retires req itself
	defer m.state.Remove(req)

	groups, err := wal.ReadGroups(m.d, sb.Layout)
	if err != nil {
		return replay.Result{}, err
	}
	logs := replay.LogsFromGroups(groups)
	r := replay.New(m.mapper, m.alloc, m.state, replay.Options{
		BlksPerStripe:     m.cfg.BlksPerStripe,
		StripesPerSegment: m.cfg.StripesPerSegment,
	})
	r.SetRequest(req)
	res, err := r.Run(ctx, logs)
	if err != nil {
		return res, err
	}

	pages := dirty.NewPageList()
	for _, l := range logs {
		pages.Add(pagesFor(l.Record, m.cfg.EntriesPerPage))
	}
	if err := checkpoint.FlushAll(ctx, m.mapper, m.alloc, pages.List(), m.cfg.flushTimeout()); err != nil {
		return res, errors.Wrap(err, "flush replayed metadata")
	}

	nextSeq, nextGen := wal.NextNumbers(sb, groups)
	if err := wal.ResetGroups(m.d, sb.Layout); err != nil {
		return res, err
	}
	sb.NextSeq, sb.NextGen = nextSeq, nextGen
	if err := wal.WriteSuperblock(m.d, sb); err != nil {
		return res, err
	}
	span.Infof("recovered %d groups: %d records replayed, %d skipped",
		len(groups), res.Replayed, res.Skipped)
	return res, nil
}

func (m *Manager) enter() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted || m.closing {
		return ErrNotMounted
	}
	m.inflight++
	return nil
}

func (m *Manager) exit() {
	m.mu.Lock()
	m.inflight--
	if m.inflight == 0 {
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}

// AddLog journals rec and runs cb once rec is durable. It blocks while the
// log is full. The error of cb is returned, but rec stays journaled.
func (m *Manager) AddLog(ctx context.Context, rec logrecord.Record, cb Callback) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.exit()

	pos, err := m.ring.Append(rec)
	if err != nil {
		return errors.Wrapf(err, "journal: append %v", rec.Type())
	}
	if err := m.ring.Flush(pos); err != nil {
		return errors.Wrapf(err, "journal: flush seq %d", pos.Seq)
	}
	util.DPrintf(5, "journal: seq %d %v durable in group %d", pos.Seq, rec.Type(), pos.Slot)

	m.seq.GetCallbackExecutionApproval()
	m.tracker.Add(pos.Slot, pagesFor(rec, m.cfg.EntriesPerPage))
	var cbErr error
	if cb != nil {
		cbErr = cb()
	}
	m.ring.Complete(pos)
	m.seq.NotifyCallbackCompleted()
	if cbErr != nil {
		trace.SpanFromContextSafe(ctx).Warnf("callback of seq %d failed: %v", pos.Seq, cbErr)
		return errors.Wrapf(cbErr, "journal: callback of seq %d", pos.Seq)
	}
	return nil
}

func (m *Manager) AddBlockWriteDoneLog(ctx context.Context, vol common.VolID, startRba common.BlkAddr,
	numBlks uint64, startVsa common.VirtualBlkAddr, wbIndex uint64, stripeAddr common.StripeAddr,
	cb Callback) error {
	return m.AddLog(ctx, logrecord.NewBlockWriteDone(vol, startRba, numBlks, startVsa, wbIndex, stripeAddr), cb)
}

func (m *Manager) AddStripeMapUpdatedLog(ctx context.Context, vsid common.StripeID,
	oldAddr, newAddr common.StripeAddr, cb Callback) error {
	return m.AddLog(ctx, logrecord.NewStripeMapUpdated(vsid, oldAddr, newAddr), cb)
}

func (m *Manager) AddGcStripeFlushedLog(ctx context.Context, vol common.VolID, vsid, wbLsid,
	userLsid common.StripeID, blocks []logrecord.GcBlockMap, cb Callback) error {
	return m.AddLog(ctx, logrecord.NewGcStripeFlushed(vol, vsid, wbLsid, userLsid, blocks), cb)
}

func (m *Manager) AddVolumeDeletedLog(ctx context.Context, vol common.VolID, cb Callback) error {
	rec := logrecord.NewVolumeDeleted(vol, uint64(time.Now().UnixNano()), m.alloc.ContextVersion())
	return m.AddLog(ctx, rec, cb)
}

// RequestCheckpoint triggers a background checkpoint of the full groups.
func (m *Manager) RequestCheckpoint() error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.exit()
	m.coord.Request()
	return nil
}

// Checkpoint seals the active group and checkpoints every group whose
// callbacks have completed.
func (m *Manager) Checkpoint(ctx context.Context) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.exit()
	m.ring.SealActive()
	return m.coord.RunOnce(ctx)
}

func (m *Manager) NumFullLogGroups() uint64 {
	m.mu.Lock()
	mounted := m.mounted
	m.mu.Unlock()
	if !mounted {
		return 0
	}
	return m.ring.NumFullLogGroups()
}

// Shutdown waits for in-flight writes, checkpoints the whole log and marks
// the journal clean.
func (m *Manager) Shutdown(ctx context.Context) error {
	span, ctx := trace.StartSpanFromContext(ctx, "journal shutdown")
	m.mu.Lock()
	if !m.mounted || m.closing {
		m.mu.Unlock()
		return ErrNotMounted
	}
	m.closing = true
	m.mu.Unlock()
	// writers blocked on a full ring need a checkpoint to finish
	m.coord.Enable()
	m.coord.Request()
	m.mu.Lock()
	for m.inflight > 0 {
		m.cond.Wait()
	}
	m.mu.Unlock()

	m.coord.Stop()
	err := m.coord.Drain(ctx)
	next := m.ring.Status()
	m.ring.Shutdown()

	m.mu.Lock()
	m.mounted = false
	m.mu.Unlock()
	if err != nil {
		span.Errorf("final checkpoint failed, next mount recovers: %v", err)
		return errors.Wrap(err, "journal: shutdown checkpoint")
	}
	sb := wal.Superblock{Layout: m.cfg.Layout(), Clean: true, NextSeq: next.NextSeq, NextGen: next.NextGen}
	if err := wal.WriteSuperblock(m.d, sb); err != nil {
		return err
	}
	span.Infof("journal shut down cleanly at seq %d", next.NextSeq)
	return nil
}

// Crash stops the journal without checkpointing, leaving the log for the
// next mount to replay.
func (m *Manager) Crash() {
	m.mu.Lock()
	if !m.mounted {
		m.mu.Unlock()
		return
	}
	m.closing = true
	for m.inflight > 0 {
		m.cond.Wait()
	}
	m.mounted = false
	m.mu.Unlock()
	m.coord.Stop()
	m.ring.Shutdown()
}
