package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkBlock(b byte) Block {
	block := make(Block, BlockSize)
	for i := range block {
		block[i] = b
	}
	return block
}

func testReadWrite(t *testing.T, d Disk) {
	assert := assert.New(t)
	sz, err := d.Size()
	require.NoError(t, err)
	assert.Equal(uint64(8), sz)

	require.NoError(t, d.Write(3, mkBlock(3)))
	require.NoError(t, WriteBatch(d, 5, []Block{mkBlock(5), mkBlock(6)}))
	require.NoError(t, d.Barrier())

	blk, err := d.Read(3)
	require.NoError(t, err)
	assert.Equal(mkBlock(3), blk)

	buf := make(Block, BlockSize)
	require.NoError(t, d.ReadTo(5, buf))
	assert.Equal(mkBlock(5), buf)
	assert.True(errors.Is(d.ReadTo(8, buf), ErrOutOfBounds))

	blks, err := ReadBatch(d, 4, 3)
	require.NoError(t, err)
	assert.Equal([]Block{mkBlock(0), mkBlock(5), mkBlock(6)}, blks)

	_, err = d.Read(8)
	assert.True(errors.Is(err, ErrOutOfBounds))
	assert.True(errors.Is(d.Write(100, mkBlock(1)), ErrOutOfBounds))
}

func TestMemDisk(t *testing.T) {
	testReadWrite(t, NewMemDisk(8))
}

func TestGooseMemDisk(t *testing.T) {
	testReadWrite(t, NewGooseMemDisk(8))
}

func TestFileDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := NewFileDisk(path, 8)
	require.NoError(t, err)
	testReadWrite(t, d)
	require.NoError(t, d.Close())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(8*BlockSize), st.Size())

	d, err = NewFileDisk(path, 8)
	require.NoError(t, err)
	defer d.Close()
	blk, err := d.Read(6)
	require.NoError(t, err)
	assert.Equal(t, mkBlock(6), blk, "contents survive reopen")
}
