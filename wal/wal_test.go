package wal

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-arrayjournal/common"
	"github.com/mit-pdos/go-arrayjournal/disk"
	"github.com/mit-pdos/go-arrayjournal/logrecord"
)

// 96-byte records; 42 fit in a one-data-block group
const recsPerGroup = 42

type WalSuite struct {
	suite.Suite
	d      disk.Disk
	layout Layout
	r      *Ring
	ready  chan uint64
}

func (s *WalSuite) SetupTest() {
	s.layout = Layout{NumGroups: 2, GroupBlocks: 3}
	s.d = disk.NewMemDisk(s.layout.DiskBlocks())
	s.Require().NoError(Format(s.d, s.layout))
	s.start(1, 1)
}

func (s *WalSuite) TearDownTest() {
	s.r.Shutdown()
}

func (s *WalSuite) start(nextSeq, nextGen uint64) {
	s.ready = make(chan uint64, s.layout.NumGroups)
	s.r = New(s.d, s.layout, nextSeq, nextGen)
	s.r.SetReadyHook(func(slot uint64) { s.ready <- slot })
	s.r.Start()
}

func (s *WalSuite) restart() []*Group {
	s.r.Shutdown()
	groups, err := ReadGroups(s.d, s.layout)
	s.Require().NoError(err)
	return groups
}

func blockWrite(rba uint64) logrecord.Record {
	return logrecord.NewBlockWriteDone(1, rba, 1,
		common.VirtualBlkAddr{StripeID: rba / 8, Offset: rba % 8}, 0,
		common.StripeAddr{Loc: common.InWriteBufferArea, ID: rba / 8})
}

func (s *WalSuite) appendN(n int, complete bool) []Position {
	var ps []Position
	for i := 0; i < n; i++ {
		pos, err := s.r.Append(blockWrite(uint64(i)))
		s.Require().NoError(err)
		s.Require().NoError(s.r.Flush(pos))
		if complete {
			s.r.Complete(pos)
		}
		ps = append(ps, pos)
	}
	return ps
}

func TestWal(t *testing.T) {
	suite.Run(t, new(WalSuite))
}

func (s *WalSuite) TestAppendAssignsSequence() {
	ps := s.appendN(3, false)
	for i, pos := range ps {
		s.Equal(uint64(1+i), pos.Seq)
		s.Equal(uint64(0), pos.Slot)
		s.Equal(uint64(1), pos.Gen)
	}
	s.Equal(uint64(4), s.r.NextSeq())
}

func (s *WalSuite) TestAppendPersists() {
	var want []logrecord.Record
	for i := 0; i < 5; i++ {
		rec := blockWrite(uint64(i))
		pos, err := s.r.Append(rec)
		s.Require().NoError(err)
		s.Require().NoError(s.r.Flush(pos))
		want = append(want, rec)
	}
	groups := s.restart()
	s.Require().Len(groups, 1)
	g := groups[0]
	s.Equal(uint64(0), g.Slot)
	s.Equal(uint64(1), g.Generation)
	s.Equal(uint64(1), g.SeqStart)
	s.Require().Len(g.Records, len(want))
	for i, r := range g.Records {
		s.True(want[i].Equal(r), "record %d", i)
		s.Equal(uint64(1+i), r.SeqNum())
	}
	s.start(6, 2)
}

func (s *WalSuite) TestFillOneGroup() {
	s.appendN(recsPerGroup, true)
	s.Equal(uint64(0), s.r.NumFullLogGroups())
	s.appendN(1, true)
	s.Equal(uint64(1), s.r.NumFullLogGroups())
	s.Equal(uint64(0), <-s.ready)
	st := s.r.Status()
	s.Equal(uint64(1), st.Active)
	s.Equal("full", st.Groups[0].Status)
	s.Equal("active", st.Groups[1].Status)
}

func (s *WalSuite) TestNotReadyUntilCompleted() {
	ps := s.appendN(recsPerGroup+1, false)
	s.Equal(uint64(1), s.r.NumFullLogGroups())
	s.False(s.r.HasReady())
	for _, pos := range ps[:recsPerGroup] {
		s.r.Complete(pos)
	}
	s.True(s.r.HasReady())
	s.Equal([]uint64{0}, s.r.TakeReady())
	s.False(s.r.HasReady())
}

func (s *WalSuite) TestTryAppendRingFull() {
	s.appendN(2*recsPerGroup, true)
	_, err := s.r.TryAppend(blockWrite(0))
	s.True(errors.Is(err, ErrRingFull))
	s.Equal(uint64(2), s.r.NumFullLogGroups())
}

func (s *WalSuite) TestAppendWaitsForReclaim() {
	s.appendN(2*recsPerGroup, true)
	done := make(chan Position)
	go func() {
		pos, err := s.r.Append(blockWrite(7))
		s.NoError(err)
		done <- pos
	}()
	select {
	case <-done:
		s.FailNow("append did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	slots := s.r.TakeReady()
	s.Equal([]uint64{0, 1}, slots)
	s.Require().NoError(s.r.Reclaim(slots[:1]))
	pos := <-done
	s.Equal(uint64(0), pos.Slot)
	s.Equal(uint64(3), pos.Gen)
	s.Equal(uint64(2*recsPerGroup+1), pos.Seq)
	s.Require().NoError(s.r.Flush(pos))

	groups := s.restart()
	s.Require().Len(groups, 2)
	s.Equal(uint64(1), groups[0].Slot)
	s.Equal(uint64(2), groups[0].Generation)
	s.Equal(uint64(0), groups[1].Slot)
	s.Equal(uint64(3), groups[1].Generation)
	s.Len(groups[1].Records, 1)
	s.start(pos.Seq+1, 4)
}

func (s *WalSuite) TestReleaseKeepsGroupFull() {
	s.appendN(recsPerGroup+1, true)
	slots := s.r.TakeReady()
	s.Require().Equal([]uint64{0}, slots)
	s.r.Release(slots)
	s.Equal(uint64(1), s.r.NumFullLogGroups())
	s.Equal(slots, s.r.TakeReady())
	s.Require().NoError(s.r.Reclaim(slots))
	s.Equal(uint64(0), s.r.NumFullLogGroups())
}

func (s *WalSuite) TestReclaimErasesAndRecordsNumbers() {
	s.appendN(recsPerGroup+1, true)
	s.Require().NoError(s.r.Reclaim(s.r.TakeReady()))
	sb, ok, err := ReadSuperblock(s.d)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(uint64(recsPerGroup+2), sb.NextSeq)
	s.Equal(uint64(3), sb.NextGen)

	groups := s.restart()
	s.Require().Len(groups, 1)
	s.Equal(uint64(1), groups[0].Slot)
	seq, gen := NextNumbers(sb, groups)
	s.Equal(uint64(recsPerGroup+2), seq)
	s.Equal(uint64(3), gen)
	s.start(seq, gen)
}

func (s *WalSuite) TestReclaimRequiresCheckpointing() {
	s.appendN(recsPerGroup+1, true)
	err := s.r.Reclaim([]uint64{0})
	s.Error(err)
	s.True(errors.IsAssertionFailure(err))
}

func (s *WalSuite) TestSealActive() {
	s.False(s.r.SealActive())
	s.appendN(2, true)
	s.True(s.r.SealActive())
	s.Equal([]uint64{0}, s.r.TakeReady())
	pos, err := s.r.Append(blockWrite(3))
	s.Require().NoError(err)
	s.Equal(uint64(1), pos.Slot)
}

func (s *WalSuite) TestCompleteTwicePanics() {
	ps := s.appendN(1, true)
	s.Panics(func() { s.r.Complete(ps[0]) })
}

func (s *WalSuite) TestRecordTooLarge() {
	blocks := make([]logrecord.GcBlockMap, 110)
	_, err := s.r.Append(logrecord.NewGcStripeFlushed(1, 2, 3, 4, blocks))
	s.True(errors.Is(err, ErrRecordTooLarge))
	_, err = s.r.TryAppend(logrecord.NewGcStripeFlushed(1, 2, 3, 4, blocks))
	s.True(errors.Is(err, ErrRecordTooLarge))
}

func (s *WalSuite) TestShutdownFailsAppend() {
	s.r.Shutdown()
	_, err := s.r.Append(blockWrite(1))
	s.True(errors.Is(err, ErrClosed))
}

func TestSuperblock(t *testing.T) {
	layout := Layout{NumGroups: 4, GroupBlocks: 8}
	d := disk.NewMemDisk(layout.DiskBlocks())
	_, ok, err := ReadSuperblock(d)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, Format(d, layout))
	sb, ok, err := ReadSuperblock(d)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Superblock{Layout: layout, Clean: true, NextSeq: 1, NextGen: 1}, sb)

	sb.Clean = false
	sb.NextSeq = 77
	require.NoError(t, WriteSuperblock(d, sb))
	sb2, _, err := ReadSuperblock(d)
	require.NoError(t, err)
	assert.Equal(t, sb, sb2)
}

func TestFormatRejectsSmallDevice(t *testing.T) {
	layout := Layout{NumGroups: 4, GroupBlocks: 8}
	assert.Error(t, Format(disk.NewMemDisk(10), layout))
	assert.Error(t, Format(disk.NewMemDisk(100), Layout{NumGroups: 1, GroupBlocks: 8}))
}

func TestCorruptChecksum(t *testing.T) {
	layout := Layout{NumGroups: 2, GroupBlocks: 4}
	d := disk.NewMemDisk(layout.DiskBlocks())
	require.NoError(t, Format(d, layout))
	r := New(d, layout, 1, 1)
	r.Start()
	pos, err := r.Append(blockWrite(9))
	require.NoError(t, err)
	require.NoError(t, r.Flush(pos))
	r.Shutdown()

	blk, err := d.Read(layout.dataAddr(0))
	require.NoError(t, err)
	blk[logrecord.HeaderSize] ^= 0xff
	require.NoError(t, d.Write(layout.dataAddr(0), blk))

	_, err = ReadGroups(d, layout)
	assert.True(t, errors.Is(err, ErrCorrupt), "err %v", err)
}

func TestHeaderWithoutFooterIsEmpty(t *testing.T) {
	layout := Layout{NumGroups: 2, GroupBlocks: 4}
	d := disk.NewMemDisk(layout.DiskBlocks())
	require.NoError(t, Format(d, layout))
	require.NoError(t, d.Write(layout.headerAddr(1),
		encodeHeader(groupHeader{slot: 1, gen: 5, seqStart: 30})))

	groups, err := ReadGroups(d, layout)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Empty(t, groups[0].Records)

	sb, _, err := ReadSuperblock(d)
	require.NoError(t, err)
	seq, gen := NextNumbers(sb, groups)
	assert.Equal(t, uint64(30), seq)
	assert.Equal(t, uint64(6), gen)
}

func TestDurableAcrossBlocks(t *testing.T) {
	layout := Layout{NumGroups: 2, GroupBlocks: 6}
	d := disk.NewMemDisk(layout.DiskBlocks())
	require.NoError(t, Format(d, layout))
	r := New(d, layout, 1, 1)
	r.Start()
	// flush after every record so the footer checksum is extended in pieces
	n := 3 * recsPerGroup
	for i := 0; i < n; i++ {
		pos, err := r.Append(blockWrite(uint64(i)))
		require.NoError(t, err)
		require.NoError(t, r.Flush(pos))
	}
	r.Shutdown()
	groups, err := ReadGroups(d, layout)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Records, n)
}
