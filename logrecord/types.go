package logrecord

import (
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-arrayjournal/common"
)

// BlockWriteDone logs that NumBlks blocks starting at StartRba of a volume
// were written to the stripe at StartVsa, which currently lives at
// StripeAddr (a write-buffer stripe for user writes).
type BlockWriteDone struct {
	header
	VolID      common.VolID
	StartRba   common.BlkAddr
	NumBlks    uint64
	StartVsa   common.VirtualBlkAddr
	WbIndex    uint64
	StripeAddr common.StripeAddr
}

const blockWriteDonePayload = 8 * fieldSize

func NewBlockWriteDone(vol common.VolID, startRba common.BlkAddr, numBlks uint64,
	startVsa common.VirtualBlkAddr, wbIndex uint64, stripeAddr common.StripeAddr) *BlockWriteDone {
	return &BlockWriteDone{
		VolID:      vol,
		StartRba:   startRba,
		NumBlks:    numBlks,
		StartVsa:   startVsa,
		WbIndex:    wbIndex,
		StripeAddr: stripeAddr,
	}
}

func (r *BlockWriteDone) Type() Type            { return TypeBlockWriteDone }
func (r *BlockWriteDone) Size() uint64          { return HeaderSize + blockWriteDonePayload }
func (r *BlockWriteDone) Vsid() common.StripeID { return r.StartVsa.StripeID }
func (r *BlockWriteDone) Volume() common.VolID  { return r.VolID }

func (r *BlockWriteDone) Data() []byte {
	enc := newEnc(r.Type(), r.seq, r.Size())
	enc.PutInt(uint64(r.VolID))
	enc.PutInt(r.StartRba)
	enc.PutInt(r.NumBlks)
	putVsa(&enc, r.StartVsa)
	enc.PutInt(r.WbIndex)
	putStripeAddr(&enc, r.StripeAddr)
	return enc.Finish()
}

func (r *BlockWriteDone) Equal(other Record) bool {
	o, ok := other.(*BlockWriteDone)
	if !ok {
		return false
	}
	return r.VolID == o.VolID && r.StartRba == o.StartRba &&
		r.NumBlks == o.NumBlks && r.StartVsa == o.StartVsa &&
		r.WbIndex == o.WbIndex && r.StripeAddr == o.StripeAddr
}

func decodeBlockWriteDone(payload []byte) (Record, error) {
	if err := checkPayload(TypeBlockWriteDone, payload, blockWriteDonePayload); err != nil {
		return nil, err
	}
	dec := marshal.NewDec(payload)
	r := &BlockWriteDone{}
	r.VolID = common.VolID(dec.GetInt())
	r.StartRba = dec.GetInt()
	r.NumBlks = dec.GetInt()
	r.StartVsa = getVsa(&dec)
	r.WbIndex = dec.GetInt()
	r.StripeAddr = getStripeAddr(&dec)
	return r, nil
}

// StripeMapUpdated logs that stripe Vsid moved from OldAddr (its write-buffer
// stripe) to NewAddr (its user-area stripe).
type StripeMapUpdated struct {
	header
	StripeID common.StripeID
	OldAddr  common.StripeAddr
	NewAddr  common.StripeAddr
}

const stripeMapUpdatedPayload = 5 * fieldSize

func NewStripeMapUpdated(vsid common.StripeID, oldAddr, newAddr common.StripeAddr) *StripeMapUpdated {
	return &StripeMapUpdated{StripeID: vsid, OldAddr: oldAddr, NewAddr: newAddr}
}

func (r *StripeMapUpdated) Type() Type            { return TypeStripeMapUpdated }
func (r *StripeMapUpdated) Size() uint64          { return HeaderSize + stripeMapUpdatedPayload }
func (r *StripeMapUpdated) Vsid() common.StripeID { return r.StripeID }

func (r *StripeMapUpdated) Data() []byte {
	enc := newEnc(r.Type(), r.seq, r.Size())
	enc.PutInt(r.StripeID)
	putStripeAddr(&enc, r.OldAddr)
	putStripeAddr(&enc, r.NewAddr)
	return enc.Finish()
}

func (r *StripeMapUpdated) Equal(other Record) bool {
	o, ok := other.(*StripeMapUpdated)
	if !ok {
		return false
	}
	return r.StripeID == o.StripeID && r.OldAddr == o.OldAddr && r.NewAddr == o.NewAddr
}

func decodeStripeMapUpdated(payload []byte) (Record, error) {
	if err := checkPayload(TypeStripeMapUpdated, payload, stripeMapUpdatedPayload); err != nil {
		return nil, err
	}
	dec := marshal.NewDec(payload)
	r := &StripeMapUpdated{}
	r.StripeID = dec.GetInt()
	r.OldAddr = getStripeAddr(&dec)
	r.NewAddr = getStripeAddr(&dec)
	return r, nil
}

// VolumeDeleted logs the deletion of a volume. Time is the caller's wall
// clock (unix nanoseconds); replay orders deletions by sequence number.
type VolumeDeleted struct {
	header
	VolID                   common.VolID
	Time                    uint64
	AllocatorContextVersion uint64
}

const volumeDeletedPayload = 3 * fieldSize

func NewVolumeDeleted(vol common.VolID, time uint64, allocCtxVersion uint64) *VolumeDeleted {
	return &VolumeDeleted{VolID: vol, Time: time, AllocatorContextVersion: allocCtxVersion}
}

func (r *VolumeDeleted) Type() Type            { return TypeVolumeDeleted }
func (r *VolumeDeleted) Size() uint64          { return HeaderSize + volumeDeletedPayload }
func (r *VolumeDeleted) Vsid() common.StripeID { return common.UnmapStripe }
func (r *VolumeDeleted) Volume() common.VolID  { return r.VolID }

func (r *VolumeDeleted) Data() []byte {
	enc := newEnc(r.Type(), r.seq, r.Size())
	enc.PutInt(uint64(r.VolID))
	enc.PutInt(r.Time)
	enc.PutInt(r.AllocatorContextVersion)
	return enc.Finish()
}

func (r *VolumeDeleted) Equal(other Record) bool {
	o, ok := other.(*VolumeDeleted)
	if !ok {
		return false
	}
	return r.VolID == o.VolID && r.Time == o.Time &&
		r.AllocatorContextVersion == o.AllocatorContextVersion
}

func decodeVolumeDeleted(payload []byte) (Record, error) {
	if err := checkPayload(TypeVolumeDeleted, payload, volumeDeletedPayload); err != nil {
		return nil, err
	}
	dec := marshal.NewDec(payload)
	r := &VolumeDeleted{}
	r.VolID = common.VolID(dec.GetInt())
	r.Time = dec.GetInt()
	r.AllocatorContextVersion = dec.GetInt()
	return r, nil
}

// GcBlockMap is one block moved by garbage collection.
type GcBlockMap struct {
	Rba    common.BlkAddr
	OldVsa common.VirtualBlkAddr
	NewVsa common.VirtualBlkAddr
}

const (
	gcStripeFixedPayload = 5 * fieldSize
	gcBlockMapSize       = 5 * fieldSize
)

// GcStripeFlushed logs a stripe written by garbage collection: the valid
// blocks in Blocks were copied into stripe Vsid, staged at WbLsid and flushed
// to UserLsid.
type GcStripeFlushed struct {
	header
	VolID    common.VolID
	StripeID common.StripeID
	WbLsid   common.StripeID
	UserLsid common.StripeID
	Blocks   []GcBlockMap
}

func NewGcStripeFlushed(vol common.VolID, vsid, wbLsid, userLsid common.StripeID,
	blocks []GcBlockMap) *GcStripeFlushed {
	return &GcStripeFlushed{
		VolID:    vol,
		StripeID: vsid,
		WbLsid:   wbLsid,
		UserLsid: userLsid,
		Blocks:   blocks,
	}
}

func (r *GcStripeFlushed) Type() Type            { return TypeGcStripeFlushed }
func (r *GcStripeFlushed) Vsid() common.StripeID { return r.StripeID }
func (r *GcStripeFlushed) Volume() common.VolID  { return r.VolID }

func (r *GcStripeFlushed) Size() uint64 {
	return HeaderSize + gcStripeFixedPayload + uint64(len(r.Blocks))*gcBlockMapSize
}

func (r *GcStripeFlushed) Data() []byte {
	enc := newEnc(r.Type(), r.seq, r.Size())
	enc.PutInt(uint64(r.VolID))
	enc.PutInt(r.StripeID)
	enc.PutInt(r.WbLsid)
	enc.PutInt(r.UserLsid)
	enc.PutInt(uint64(len(r.Blocks)))
	for _, b := range r.Blocks {
		enc.PutInt(b.Rba)
		putVsa(&enc, b.OldVsa)
		putVsa(&enc, b.NewVsa)
	}
	return enc.Finish()
}

func (r *GcStripeFlushed) Equal(other Record) bool {
	o, ok := other.(*GcStripeFlushed)
	if !ok {
		return false
	}
	if r.VolID != o.VolID || r.StripeID != o.StripeID || r.WbLsid != o.WbLsid ||
		r.UserLsid != o.UserLsid || len(r.Blocks) != len(o.Blocks) {
		return false
	}
	for i := range r.Blocks {
		if r.Blocks[i] != o.Blocks[i] {
			return false
		}
	}
	return true
}

func decodeGcStripeFlushed(payload []byte) (Record, error) {
	if uint64(len(payload)) < gcStripeFixedPayload {
		return nil, ErrTruncated
	}
	dec := marshal.NewDec(payload)
	r := &GcStripeFlushed{}
	r.VolID = common.VolID(dec.GetInt())
	r.StripeID = dec.GetInt()
	r.WbLsid = dec.GetInt()
	r.UserLsid = dec.GetInt()
	n := dec.GetInt()
	if n > uint64(len(payload))/gcBlockMapSize {
		return nil, ErrTruncated
	}
	want := gcStripeFixedPayload + n*gcBlockMapSize
	if err := checkPayload(TypeGcStripeFlushed, payload, want); err != nil {
		return nil, err
	}
	r.Blocks = make([]GcBlockMap, 0, n)
	for i := uint64(0); i < n; i++ {
		rba := dec.GetInt()
		oldVsa := getVsa(&dec)
		newVsa := getVsa(&dec)
		r.Blocks = append(r.Blocks, GcBlockMap{Rba: rba, OldVsa: oldVsa, NewVsa: newVsa})
	}
	return r, nil
}
