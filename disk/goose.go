package disk

import (
	goose "github.com/tchajed/goose/machine/disk"
)

// gooseDisk adapts a goose machine disk, whose operations panic instead of
// returning errors, to Disk.
type gooseDisk struct {
	d goose.Disk
}

var _ Disk = gooseDisk{}

// FromGoose wraps a goose disk. The goose block size must equal BlockSize.
func FromGoose(d goose.Disk) Disk {
	if goose.BlockSize != BlockSize {
		panic("goose disk block size mismatch")
	}
	return gooseDisk{d: d}
}

// NewGooseMemDisk is an in-memory disk backed by goose's MemDisk.
func NewGooseMemDisk(numBlocks uint64) Disk {
	return FromGoose(goose.NewMemDisk(numBlocks))
}

func (g gooseDisk) inBounds(a uint64) error {
	if a >= g.d.Size() {
		return ErrOutOfBounds
	}
	return nil
}

func (g gooseDisk) Read(a uint64) (Block, error) {
	if err := g.inBounds(a); err != nil {
		return nil, err
	}
	return g.d.Read(a), nil
}

func (g gooseDisk) ReadTo(a uint64, b Block) error {
	if err := g.inBounds(a); err != nil {
		return err
	}
	copy(b, g.d.Read(a))
	return nil
}

func (g gooseDisk) Write(a uint64, v Block) error {
	if err := g.inBounds(a); err != nil {
		return err
	}
	g.d.Write(a, v)
	return nil
}

func (g gooseDisk) Size() (uint64, error) {
	return g.d.Size(), nil
}

func (g gooseDisk) Barrier() error {
	g.d.Barrier()
	return nil
}

func (g gooseDisk) Close() error {
	g.d.Close()
	return nil
}
