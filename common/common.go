package common

import (
	"fmt"
)

// VolID identifies a volume of the array.
type VolID uint64

// BlkAddr is a block address within a volume (rba).
type BlkAddr = uint64

// StripeID is a virtual (vsid) or logical (lsid) stripe number.
type StripeID = uint64

// MapID names a metadata map whose pages the checkpoint flushes.
type MapID = uint64

// PageID is a page number within one metadata map.
type PageID = uint64

const (
	UnmapStripe StripeID = ^uint64(0)
	UnmapOffset uint64   = ^uint64(0)
)

// StripeLoc tells which area a logical stripe address points into.
type StripeLoc uint64

const (
	InUserArea StripeLoc = iota
	InWriteBufferArea
)

func (l StripeLoc) String() string {
	switch l {
	case InUserArea:
		return "user"
	case InWriteBufferArea:
		return "wb"
	}
	return fmt.Sprintf("loc(%d)", uint64(l))
}

// VirtualBlkAddr (VSA) is a stripe id plus the block offset within it.
type VirtualBlkAddr struct {
	StripeID StripeID
	Offset   uint64
}

var UnmapVsa = VirtualBlkAddr{StripeID: UnmapStripe, Offset: UnmapOffset}

func (a VirtualBlkAddr) IsUnmapped() bool {
	return a.StripeID == UnmapStripe
}

func (a VirtualBlkAddr) Add(n uint64) VirtualBlkAddr {
	return VirtualBlkAddr{StripeID: a.StripeID, Offset: a.Offset + n}
}

func (a VirtualBlkAddr) String() string {
	if a.IsUnmapped() {
		return "vsa(unmap)"
	}
	return fmt.Sprintf("vsa(%d:%d)", a.StripeID, a.Offset)
}

// StripeAddr is a logical stripe address: the area and the lsid in it.
type StripeAddr struct {
	Loc StripeLoc
	ID  StripeID
}

var UnmapStripeAddr = StripeAddr{Loc: InUserArea, ID: UnmapStripe}

func (a StripeAddr) IsInWriteBuffer() bool {
	return a.Loc == InWriteBufferArea && a.ID != UnmapStripe
}

func (a StripeAddr) IsUnmapped() bool {
	return a.ID == UnmapStripe
}

func (a StripeAddr) String() string {
	if a.IsUnmapped() {
		return "lsa(unmap)"
	}
	return fmt.Sprintf("lsa(%v:%d)", a.Loc, a.ID)
}

// VirtualBlks is a run of consecutive blocks in one stripe.
type VirtualBlks struct {
	StartVsa VirtualBlkAddr
	NumBlks  uint64
}

const (
	MaxVolumes uint64 = 256

	// Volume block maps use their volume id as map id; the stripe map and
	// the allocator context follow them.
	StripeMapID    MapID = MaxVolumes
	AllocatorMapID MapID = MaxVolumes + 1
)

func VsaMapID(vol VolID) MapID {
	return MapID(vol)
}
