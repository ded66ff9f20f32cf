// Package logrecord encodes and decodes journal log records.
//
// Every record starts with a fixed header
//
//	[ mark | type | seq | size ]
//
// of 8-byte fields followed by the type-specific payload. Decoding reads the
// header first and then dispatches on the type. A zero (or otherwise wrong)
// mark ends the valid data of a log group.
package logrecord

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-arrayjournal/common"
)

// LogMark tags the start of every encoded record.
const LogMark uint64 = 0x4A524E4C4C4F4721

const (
	fieldSize  uint64 = 8
	HeaderSize uint64 = 4 * fieldSize
)

type Type uint64

const (
	TypeInvalid Type = iota
	TypeBlockWriteDone
	TypeStripeMapUpdated
	TypeGcStripeFlushed
	TypeVolumeDeleted
)

func (t Type) String() string {
	switch t {
	case TypeBlockWriteDone:
		return "BlockWriteDone"
	case TypeStripeMapUpdated:
		return "StripeMapUpdated"
	case TypeGcStripeFlushed:
		return "GcStripeFlushed"
	case TypeVolumeDeleted:
		return "VolumeDeleted"
	}
	return fmt.Sprintf("Type(%d)", uint64(t))
}

var (
	ErrNoRecord    = errors.New("logrecord: no record at offset")
	ErrTruncated   = errors.New("logrecord: truncated record")
	ErrUnknownType = errors.New("logrecord: unknown record type")
	ErrBadSize     = errors.New("logrecord: size does not match type")
)

// Record is one journal entry. A record is immutable once it has been
// appended to the journal; only the sequence number is assigned at append
// time.
type Record interface {
	Type() Type
	// Size is the encoded length in bytes, header included.
	Size() uint64
	// Data encodes the record. All fields must be populated first.
	Data() []byte
	// Vsid is the virtual stripe the record refers to, or
	// common.UnmapStripe if it does not refer to a stripe.
	Vsid() common.StripeID
	SeqNum() uint64
	SetSeqNum(seq uint64)
	// Equal compares type and fields, ignoring the sequence number.
	Equal(other Record) bool
}

// VolumeRecord is implemented by records that belong to a single volume.
type VolumeRecord interface {
	Record
	Volume() common.VolID
}

type header struct {
	seq uint64
}

func (h *header) SeqNum() uint64 {
	return h.seq
}

func (h *header) SetSeqNum(seq uint64) {
	h.seq = seq
}

func newEnc(t Type, seq uint64, size uint64) marshal.Enc {
	enc := marshal.NewEnc(size)
	enc.PutInt(LogMark)
	enc.PutInt(uint64(t))
	enc.PutInt(seq)
	enc.PutInt(size)
	return enc
}

func putVsa(enc *marshal.Enc, vsa common.VirtualBlkAddr) {
	enc.PutInt(vsa.StripeID)
	enc.PutInt(vsa.Offset)
}

func getVsa(dec *marshal.Dec) common.VirtualBlkAddr {
	sid := dec.GetInt()
	off := dec.GetInt()
	return common.VirtualBlkAddr{StripeID: sid, Offset: off}
}

func putStripeAddr(enc *marshal.Enc, a common.StripeAddr) {
	enc.PutInt(uint64(a.Loc))
	enc.PutInt(a.ID)
}

func getStripeAddr(dec *marshal.Dec) common.StripeAddr {
	loc := common.StripeLoc(dec.GetInt())
	id := dec.GetInt()
	return common.StripeAddr{Loc: loc, ID: id}
}

// Decode decodes the record at the start of buf and returns it together with
// its encoded size.
func Decode(buf []byte) (Record, uint64, error) {
	if uint64(len(buf)) < HeaderSize {
		return nil, 0, ErrNoRecord
	}
	dec := marshal.NewDec(buf[:HeaderSize])
	if dec.GetInt() != LogMark {
		return nil, 0, ErrNoRecord
	}
	t := Type(dec.GetInt())
	seq := dec.GetInt()
	size := dec.GetInt()
	if size < HeaderSize || size > uint64(len(buf)) {
		return nil, 0, errors.Wrapf(ErrTruncated, "%v of %d bytes, %d available",
			t, size, len(buf))
	}
	payload := buf[HeaderSize:size]
	var r Record
	var err error
	switch t {
	case TypeBlockWriteDone:
		r, err = decodeBlockWriteDone(payload)
	case TypeStripeMapUpdated:
		r, err = decodeStripeMapUpdated(payload)
	case TypeGcStripeFlushed:
		r, err = decodeGcStripeFlushed(payload)
	case TypeVolumeDeleted:
		r, err = decodeVolumeDeleted(payload)
	default:
		return nil, 0, errors.Wrapf(ErrUnknownType, "type %d", uint64(t))
	}
	if err != nil {
		return nil, 0, err
	}
	if r.Size() != size {
		return nil, 0, errors.Wrapf(ErrBadSize, "%v header says %d, payload is %d",
			t, size, r.Size())
	}
	r.SetSeqNum(seq)
	return r, size, nil
}

// DecodeAll decodes consecutive records until buf is exhausted or no further
// record mark is found.
func DecodeAll(buf []byte) ([]Record, error) {
	var recs []Record
	var off uint64
	for off < uint64(len(buf)) {
		r, sz, err := Decode(buf[off:])
		if errors.Is(err, ErrNoRecord) {
			break
		}
		if err != nil {
			return recs, errors.Wrapf(err, "at offset %d", off)
		}
		recs = append(recs, r)
		off += sz
	}
	return recs, nil
}

func checkPayload(t Type, payload []byte, want uint64) error {
	if uint64(len(payload)) != want {
		return errors.Wrapf(ErrBadSize, "%v payload %d bytes, want %d",
			t, len(payload), want)
	}
	return nil
}
