// Package meta declares the metadata services the journal drives: the
// mapper, which owns the volume block maps and the stripe map, and the
// allocator, which owns segment, stripe and active-tail state.
//
// Both are updated in memory by the write path and by replay. The
// checkpoint makes their dirty pages durable through the asynchronous flush
// calls, each of which reports completion exactly once through a FlushDone.
package meta

import (
	"github.com/mit-pdos/go-arrayjournal/common"
)

// FlushDone reports the result of an asynchronous flush.
type FlushDone func(err error)

type Mapper interface {
	UpdateStripeMap(vsid common.StripeID, lsid common.StripeID, loc common.StripeLoc) error
	SetVsaMapInternal(vol common.VolID, rba common.BlkAddr, vsa common.VirtualBlkAddr) error
	// GetVsaInternal returns common.UnmapVsa for an unmapped block.
	GetVsaInternal(vol common.VolID, rba common.BlkAddr) (common.VirtualBlkAddr, error)
	// GetLSA returns common.UnmapStripeAddr for an unmapped stripe.
	GetLSA(vsid common.StripeID) (common.StripeAddr, error)
	// StartDirtyPageFlush writes the pages of a map. done is called once
	// the pages are durable or the flush failed, possibly before
	// StartDirtyPageFlush returns. A returned error means done is never
	// called.
	StartDirtyPageFlush(id common.MapID, pages []common.PageID, done FlushDone) error
}

type Allocator interface {
	ReplaySegmentAllocation(vsid common.StripeID)
	ReplayStripeAllocation(vsid common.StripeID, wbLsid common.StripeID)
	ReplayStripeFlushed(wbLsid common.StripeID)
	TryToUpdateSegmentValidBlks(vsid common.StripeID)
	InvalidateBlks(blks common.VirtualBlks)
	RestoreActiveStripeTail(vol common.VolID, tail common.VirtualBlkAddr, wbLsid common.StripeID)
	ResetActiveStripeTail(vol common.VolID)
	ReplaySsdLsid()
	FlushStripe(vol common.VolID, wbLsid common.StripeID, tail common.VirtualBlkAddr) error

	// StartContextFlush persists the allocator context, with the same
	// completion contract as Mapper.StartDirtyPageFlush.
	StartContextFlush(done FlushDone) error
	ContextVersion() uint64
}
