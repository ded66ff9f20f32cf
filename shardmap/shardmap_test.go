package shardmap

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-arrayjournal/common"
)

func vsa(sid, off uint64) common.VirtualBlkAddr {
	return common.VirtualBlkAddr{StripeID: sid, Offset: off}
}

func TestReadWrite(t *testing.T) {
	assert := assert.New(t)
	m := MkVsaMap()
	k := Key{Vol: 1, Rba: 10}
	v, ok := m.Read(k)
	assert.False(ok)
	assert.True(v.IsUnmapped())

	m.Write(k, vsa(3, 2))
	v, ok = m.Read(k)
	assert.True(ok)
	assert.Equal(vsa(3, 2), v)

	m.Write(k, common.UnmapVsa)
	_, ok = m.Read(k)
	assert.False(ok)
	assert.Equal(0, m.Len())
}

func TestMultiWriteAndPages(t *testing.T) {
	m := MkVsaMap()
	m.MultiWrite([]Entry{
		{Key: Key{Vol: 2, Rba: 5}, Vsa: vsa(1, 5)},
		{Key: Key{Vol: 1, Rba: 9}, Vsa: vsa(1, 1)},
		{Key: Key{Vol: 1, Rba: 2}, Vsa: vsa(1, 0)},
		{Key: Key{Vol: 1, Rba: 2}, Vsa: vsa(1, 7)},
	})
	want := []Entry{
		{Key: Key{Vol: 1, Rba: 2}, Vsa: vsa(1, 7)},
		{Key: Key{Vol: 1, Rba: 9}, Vsa: vsa(1, 1)},
		{Key: Key{Vol: 2, Rba: 5}, Vsa: vsa(1, 5)},
	}
	if diff := cmp.Diff(want, m.Entries()); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[1:2], m.Page(1, 1, 8)); diff != "" {
		t.Errorf("page (-want +got):\n%s", diff)
	}
	m.ClearPage(1, 0, 8)
	assert.Equal(t, 2, m.Len())
}

func TestConcurrentWrites(t *testing.T) {
	m := MkVsaMap()
	var wg sync.WaitGroup
	for vol := 0; vol < 8; vol++ {
		wg.Add(1)
		go func(vol common.VolID) {
			defer wg.Done()
			for rba := uint64(0); rba < 100; rba++ {
				m.Write(Key{Vol: vol, Rba: rba}, vsa(rba, 0))
			}
		}(common.VolID(vol))
	}
	wg.Wait()
	assert.Equal(t, 800, m.Len())
}
