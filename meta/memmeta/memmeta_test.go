package memmeta

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-arrayjournal/common"
	"github.com/mit-pdos/go-arrayjournal/shardmap"
)

func vsa(sid, off uint64) common.VirtualBlkAddr {
	return common.VirtualBlkAddr{StripeID: sid, Offset: off}
}

func flushSync(t *testing.T, start func(done func(error)) error) error {
	ch := make(chan error, 1)
	require.NoError(t, start(func(err error) { ch <- err }))
	return <-ch
}

func TestMapperDurableAfterFlush(t *testing.T) {
	m := NewMapper(4)
	require.NoError(t, m.SetVsaMapInternal(1, 1, vsa(10, 1)))
	require.NoError(t, m.SetVsaMapInternal(1, 6, vsa(10, 2)))
	require.NoError(t, m.UpdateStripeMap(10, 3, common.InWriteBufferArea))

	// only page 0 of volume 1 and the stripe map are flushed
	assert.NoError(t, flushSync(t, func(done func(error)) error {
		return m.StartDirtyPageFlush(common.VsaMapID(1), []common.PageID{0}, done)
	}))
	assert.NoError(t, flushSync(t, func(done func(error)) error {
		return m.StartDirtyPageFlush(common.StripeMapID, []common.PageID{2}, done)
	}))
	assert.Equal(t, uint64(2), m.NumFlushes())

	d := m.Durable()
	want := []shardmap.Entry{{Key: shardmap.Key{Vol: 1, Rba: 1}, Vsa: vsa(10, 1)}}
	if diff := cmp.Diff(want, d.VsaEntries()); diff != "" {
		t.Errorf("durable vsa map (-want +got):\n%s", diff)
	}
	lsa, err := d.GetLSA(10)
	require.NoError(t, err)
	assert.Equal(t, common.StripeAddr{Loc: common.InWriteBufferArea, ID: 3}, lsa)
	lsa, err = d.GetLSA(11)
	require.NoError(t, err)
	assert.True(t, lsa.IsUnmapped())
}

func TestMapperFlushFailure(t *testing.T) {
	m := NewMapper(4)
	require.NoError(t, m.SetVsaMapInternal(2, 0, vsa(1, 0)))
	boom := errors.New("boom")
	m.FailFlushes(boom)
	err := flushSync(t, func(done func(error)) error {
		return m.StartDirtyPageFlush(common.VsaMapID(2), []common.PageID{0}, done)
	})
	assert.True(t, errors.Is(err, boom))
	assert.Empty(t, m.Durable().VsaEntries())

	err = m.StartDirtyPageFlush(common.AllocatorMapID, nil, func(error) {})
	assert.True(t, errors.Is(err, ErrUnknownMap))
}

func TestAllocatorContextFlush(t *testing.T) {
	a := NewAllocator(4)
	a.ReplaySegmentAllocation(8)
	a.ReplayStripeAllocation(8, 2)
	a.RestoreActiveStripeTail(1, vsa(8, 3), 2)
	assert.Equal(t, uint64(0), a.ContextVersion())

	assert.NoError(t, flushSync(t, a.startContextFlush))
	assert.Equal(t, uint64(1), a.ContextVersion())

	a.ReplayStripeFlushed(2)
	a.ResetActiveStripeTail(1)
	d := a.Durable()
	if diff := cmp.Diff(a.durable, d.State()); diff != "" {
		t.Errorf("durable state (-want +got):\n%s", diff)
	}
	assert.Equal(t, common.StripeID(8), d.State().WbStripes[2])
	assert.Empty(t, a.State().WbStripes)

	a.FailFlushes(errors.New("ctx"))
	assert.Error(t, flushSync(t, a.startContextFlush))
	assert.Equal(t, uint64(1), a.ContextVersion())
}

func (a *Allocator) startContextFlush(done func(error)) error {
	return a.StartContextFlush(done)
}
