package dirty

import (
	"sync"

	"github.com/mit-pdos/go-arrayjournal/common"
)

// Tracker keeps one PageList per log group slot plus the set of maps with
// pages pending in any slot.
//
// Writers add to a slot while its group is being filled; the checkpoint
// collects and resets slots once it owns their groups.
type Tracker struct {
	mu    sync.Mutex
	slots []*PageList
	maps  *MapList
}

func NewTracker(numSlots uint64) *Tracker {
	t := &Tracker{
		slots: make([]*PageList, numSlots),
		maps:  NewMapList(),
	}
	for i := range t.slots {
		t.slots[i] = NewPageList()
	}
	return t
}

func (t *Tracker) Add(slot uint64, p Pages) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[slot].Add(p)
	for id := range p {
		t.maps.Add(id)
	}
}

// Collect merges the page lists of slots.
func (t *Tracker) Collect(slots []uint64) Pages {
	t.mu.Lock()
	defer t.mu.Unlock()
	merged := NewPageList()
	for _, s := range slots {
		merged.Merge(t.slots[s])
	}
	return merged.List()
}

// Reset clears the given slots and drops the maps no other slot still has
// pages for.
func (t *Tracker) Reset(slots []uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range slots {
		t.slots[s].Reset()
	}
	t.maps.Reset()
	for _, l := range t.slots {
		for id := range l.List() {
			t.maps.Add(id)
		}
	}
}

func (t *Tracker) Slot(slot uint64) *PageList {
	return t.slots[slot]
}

// DirtyMaps lists all maps with pages pending in any slot.
func (t *Tracker) DirtyMaps() []common.MapID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maps.List()
}
