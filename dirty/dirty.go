// Package dirty tracks which metadata maps and pages each log group has
// dirtied, so that a checkpoint flushes exactly the pages a group depends on.
package dirty

import (
	"sort"
	"sync"

	"github.com/willf/bitset"

	"github.com/mit-pdos/go-arrayjournal/common"
)

// Pages maps a metadata map id to the pages of that map.
type Pages map[common.MapID][]common.PageID

// NumPages counts the pages over all maps.
func (p Pages) NumPages() uint64 {
	var n uint64
	for _, pages := range p {
		n += uint64(len(pages))
	}
	return n
}

// Maps returns the map ids of p in ascending order.
func (p Pages) Maps() []common.MapID {
	ids := make([]common.MapID, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func toList(b *bitset.BitSet) []uint64 {
	l := make([]uint64, 0, b.Count())
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		l = append(l, uint64(i))
	}
	return l
}

// MapList is a set of map ids.
type MapList struct {
	mu  sync.Mutex
	ids *bitset.BitSet
}

func NewMapList() *MapList {
	return &MapList{ids: bitset.New(uint(common.AllocatorMapID + 1))}
}

func (l *MapList) Add(id common.MapID) {
	l.mu.Lock()
	l.ids.Set(uint(id))
	l.mu.Unlock()
}

func (l *MapList) Delete(id common.MapID) {
	l.mu.Lock()
	l.ids.Clear(uint(id))
	l.mu.Unlock()
}

func (l *MapList) Reset() {
	l.mu.Lock()
	l.ids.ClearAll()
	l.mu.Unlock()
}

// List returns the ids in ascending order.
func (l *MapList) List() []common.MapID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return toList(l.ids)
}

func (l *MapList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.ids.Count())
}

// PageList maps a map id to the set of its dirty pages.
type PageList struct {
	mu    sync.Mutex
	pages map[common.MapID]*bitset.BitSet
}

func NewPageList() *PageList {
	return &PageList{pages: make(map[common.MapID]*bitset.BitSet)}
}

// Add merges p into the list. Adding the same pages again has no effect.
func (l *PageList) Add(p Pages) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, pages := range p {
		set, ok := l.pages[id]
		if !ok {
			set = bitset.New(0)
			l.pages[id] = set
		}
		for _, pg := range pages {
			set.Set(uint(pg))
		}
	}
}

// Merge adds every page of other to l.
func (l *PageList) Merge(other *PageList) {
	if other == l {
		return
	}
	other.mu.Lock()
	snap := make(map[common.MapID]*bitset.BitSet, len(other.pages))
	for id, set := range other.pages {
		snap[id] = set.Clone()
	}
	other.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, set := range snap {
		if cur, ok := l.pages[id]; ok {
			cur.InPlaceUnion(set)
		} else {
			l.pages[id] = set
		}
	}
}

// Delete drops a whole map's entry.
func (l *PageList) Delete(id common.MapID) {
	l.mu.Lock()
	delete(l.pages, id)
	l.mu.Unlock()
}

func (l *PageList) Reset() {
	l.mu.Lock()
	l.pages = make(map[common.MapID]*bitset.BitSet)
	l.mu.Unlock()
}

// List returns a copy of the dirty pages, each map's pages ascending.
func (l *PageList) List() Pages {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := make(Pages, len(l.pages))
	for id, set := range l.pages {
		p[id] = toList(set)
	}
	return p
}

func (l *PageList) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pages) == 0
}
