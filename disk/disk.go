// Package disk is the block device the journal persists its log groups to.
package disk

import (
	"github.com/cockroachdb/errors"
)

// Block is a BlockSize-byte buffer
type Block = []byte

const BlockSize uint64 = 4096

var ErrOutOfBounds = errors.New("disk: block address out of bounds")

// Disk provides access to a logical block-based disk
type Disk interface {
	// Read reads a disk block by address
	//
	// Expects a < Size().
	Read(a uint64) (Block, error)

	// ReadTo reads the disk block at a and stores the result in b
	//
	// Expects a < Size().
	ReadTo(a uint64, b Block) error

	// Write updates a disk block by address
	//
	// Expects a < Size().
	Write(a uint64, v Block) error

	// Size reports how big the disk is, in blocks
	Size() (uint64, error)

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}

// WriteBatch writes consecutive blocks starting at startPos.
func WriteBatch(d Disk, startPos uint64, blocks []Block) error {
	for i, blk := range blocks {
		if err := d.Write(startPos+uint64(i), blk); err != nil {
			return err
		}
	}
	return nil
}

// ReadBatch reads n consecutive blocks starting at startPos.
func ReadBatch(d Disk, startPos uint64, n uint64) ([]Block, error) {
	blks := make([]Block, 0, n)
	for i := uint64(0); i < n; i++ {
		blk, err := d.Read(startPos + i)
		if err != nil {
			return nil, err
		}
		blks = append(blks, blk)
	}
	return blks, nil
}
