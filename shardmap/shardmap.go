// Package shardmap is a sharded (volume, rba) → VSA map. Each shard has its
// own lock, so writers to different shards do not contend.
package shardmap

import (
	"sort"
	"sync"

	"github.com/mit-pdos/go-arrayjournal/common"
)

type Key struct {
	Vol common.VolID
	Rba common.BlkAddr
}

type Entry struct {
	Key
	Vsa common.VirtualBlkAddr
}

type mapShard struct {
	mu    *sync.RWMutex
	state map[Key]common.VirtualBlkAddr
}

type VsaMap struct {
	shards []*mapShard
}

const NSHARD uint64 = 257

func mkMapShard() *mapShard {
	return &mapShard{
		mu:    new(sync.RWMutex),
		state: make(map[Key]common.VirtualBlkAddr),
	}
}

func MkVsaMap() *VsaMap {
	var shards []*mapShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkMapShard())
	}
	return &VsaMap{shards: shards}
}

func shardNo(k Key) uint64 {
	return (uint64(k.Vol)*1000003 + k.Rba) % NSHARD
}

func (m *VsaMap) shard(k Key) *mapShard {
	return m.shards[shardNo(k)]
}

// Read returns common.UnmapVsa for an unmapped block.
func (m *VsaMap) Read(k Key) (common.VirtualBlkAddr, bool) {
	shard := m.shard(k)
	shard.mu.RLock()
	vsa, ok := shard.state[k]
	shard.mu.RUnlock()
	if !ok {
		return common.UnmapVsa, false
	}
	return vsa, true
}

// Write maps k to vsa; an unmapped vsa removes the entry.
func (m *VsaMap) Write(k Key, vsa common.VirtualBlkAddr) {
	shard := m.shard(k)
	shard.mu.Lock()
	shard.write(k, vsa)
	shard.mu.Unlock()
}

func (shard *mapShard) write(k Key, vsa common.VirtualBlkAddr) {
	if vsa.IsUnmapped() {
		delete(shard.state, k)
	} else {
		shard.state[k] = vsa
	}
}

// MultiWrite applies entries atomically with respect to other readers and
// writers.
func (m *VsaMap) MultiWrite(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	shardnos := make([]uint64, 0, len(entries))
	for _, e := range entries {
		shardnos = append(shardnos, shardNo(e.Key))
	}
	sort.Slice(shardnos, func(i, j int) bool { return shardnos[i] < shardnos[j] })
	uniq := shardnos[:1]
	for _, no := range shardnos[1:] {
		if no != uniq[len(uniq)-1] {
			uniq = append(uniq, no)
		}
	}

	// lock in shard order
	for _, no := range uniq {
		m.shards[no].mu.Lock()
	}
	for _, e := range entries {
		m.shard(e.Key).write(e.Key, e.Vsa)
	}
	for _, no := range uniq {
		m.shards[no].mu.Unlock()
	}
}

// Page returns the entries of vol whose rba falls in page of perPage
// entries.
func (m *VsaMap) Page(vol common.VolID, page common.PageID, perPage uint64) []Entry {
	var entries []Entry
	for rba := page * perPage; rba < (page+1)*perPage; rba++ {
		k := Key{Vol: vol, Rba: rba}
		if vsa, ok := m.Read(k); ok {
			entries = append(entries, Entry{Key: k, Vsa: vsa})
		}
	}
	return entries
}

// ClearPage unmaps every entry of vol in page.
func (m *VsaMap) ClearPage(vol common.VolID, page common.PageID, perPage uint64) {
	for rba := page * perPage; rba < (page+1)*perPage; rba++ {
		m.Write(Key{Vol: vol, Rba: rba}, common.UnmapVsa)
	}
}

// Entries returns every mapping sorted by volume and rba.
func (m *VsaMap) Entries() []Entry {
	var entries []Entry
	for _, shard := range m.shards {
		shard.mu.RLock()
		for k, vsa := range shard.state {
			entries = append(entries, Entry{Key: k, Vsa: vsa})
		}
		shard.mu.RUnlock()
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Vol != entries[j].Vol {
			return entries[i].Vol < entries[j].Vol
		}
		return entries[i].Rba < entries[j].Rba
	})
	return entries
}

func (m *VsaMap) Len() int {
	var n int
	for _, shard := range m.shards {
		shard.mu.RLock()
		n += len(shard.state)
		shard.mu.RUnlock()
	}
	return n
}
