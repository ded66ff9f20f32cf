package dirty

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-arrayjournal/common"
)

func TestMapList(t *testing.T) {
	assert := assert.New(t)
	l := NewMapList()
	l.Add(3)
	l.Add(1)
	l.Add(3)
	l.Add(common.StripeMapID)
	assert.Equal([]common.MapID{1, 3, common.StripeMapID}, l.List())
	assert.Equal(3, l.Len())

	l.Delete(3)
	l.Delete(7) // absent
	assert.Equal([]common.MapID{1, common.StripeMapID}, l.List())

	l.Reset()
	assert.Empty(l.List())
}

func TestPageListAddMerges(t *testing.T) {
	l := NewPageList()
	l.Add(Pages{1: {5, 2}, 2: {9}})
	l.Add(Pages{1: {3, 5}})
	want := Pages{1: {2, 3, 5}, 2: {9}}
	if diff := cmp.Diff(want, l.List()); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
}

func TestPageListAddIdempotent(t *testing.T) {
	in := Pages{4: {1, 100, 7}, common.StripeMapID: {0}}
	once := NewPageList()
	once.Add(in)
	twice := NewPageList()
	twice.Add(in)
	twice.Add(in)
	assert.True(t, cmp.Equal(once.List(), twice.List()))
}

func TestPageListDeleteReset(t *testing.T) {
	assert := assert.New(t)
	l := NewPageList()
	l.Add(Pages{1: {1}, 2: {2}})
	l.Delete(1)
	assert.Equal(Pages{2: {2}}, l.List())
	assert.False(l.Empty())
	l.Reset()
	assert.True(l.Empty())
	assert.Equal(Pages{}, l.List())
}

func TestPageListMerge(t *testing.T) {
	a := NewPageList()
	a.Add(Pages{1: {1, 2}})
	b := NewPageList()
	b.Add(Pages{1: {2, 3}, 5: {8}})
	a.Merge(b)
	a.Merge(a)
	assert.Equal(t, Pages{1: {1, 2, 3}, 5: {8}}, a.List())
	assert.Equal(t, Pages{1: {2, 3}, 5: {8}}, b.List(), "merge source unchanged")
}

func TestTracker(t *testing.T) {
	assert := assert.New(t)
	tr := NewTracker(3)
	tr.Add(0, Pages{1: {1}})
	tr.Add(1, Pages{1: {2}, common.StripeMapID: {4}})
	tr.Add(2, Pages{7: {0}})

	assert.Equal(Pages{1: {1, 2}, common.StripeMapID: {4}}, tr.Collect([]uint64{0, 1}))
	assert.Equal([]common.MapID{1, 7, common.StripeMapID}, tr.DirtyMaps())

	tr.Reset([]uint64{0, 1})
	assert.True(tr.Slot(0).Empty())
	assert.False(tr.Slot(2).Empty())
	assert.Equal([]common.MapID{7}, tr.DirtyMaps(), "slot 2 still dirty")

	tr.Reset([]uint64{2})
	assert.Empty(tr.DirtyMaps())
}

func TestPageListConcurrentAdd(t *testing.T) {
	l := NewPageList()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for p := 0; p < 100; p++ {
				l.Add(Pages{common.MapID(i % 4): {common.PageID(p)}})
			}
		}(i)
	}
	wg.Wait()
	got := l.List()
	assert.Len(t, got, 4)
	for _, pages := range got {
		assert.Len(t, pages, 100)
	}
}

func TestTrackerResetKeepsOtherSlots(t *testing.T) {
	tr := NewTracker(2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.Add(1, Pages{common.MapID(i % 3): {common.PageID(i)}})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.Add(0, Pages{common.StripeMapID: {1}})
			tr.Reset([]uint64{0})
		}
	}()
	wg.Wait()
	assert.Equal(t, []common.MapID{0, 1, 2}, tr.DirtyMaps())
	tr.Reset([]uint64{1})
	assert.Empty(t, tr.DirtyMaps())
}
