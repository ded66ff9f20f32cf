// Package memmeta is an in-memory Mapper and Allocator. Flushes copy the
// flushed pages into a durable image, and Durable returns what survives a
// crash, so the journal can be exercised end to end without a metadata
// store.
package memmeta

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/mit-pdos/go-arrayjournal/common"
	"github.com/mit-pdos/go-arrayjournal/lockmap"
	"github.com/mit-pdos/go-arrayjournal/meta"
	"github.com/mit-pdos/go-arrayjournal/shardmap"
	"github.com/mit-pdos/go-arrayjournal/util"
)

var ErrUnknownMap = errors.New("memmeta: unknown map id")

type Mapper struct {
	perPage uint64
	vsa     *shardmap.VsaMap
	durVsa  *shardmap.VsaMap

	mu         sync.Mutex
	stripes    map[common.StripeID]common.StripeAddr
	durStripes map[common.StripeID]common.StripeAddr
	flushErr   error
	nflush     uint64

	flushLocks *lockmap.LockMap
}

var _ meta.Mapper = (*Mapper)(nil)

// NewMapper creates an empty mapper whose maps have perPage entries per
// page.
func NewMapper(perPage uint64) *Mapper {
	return &Mapper{
		perPage:    perPage,
		vsa:        shardmap.MkVsaMap(),
		durVsa:     shardmap.MkVsaMap(),
		stripes:    make(map[common.StripeID]common.StripeAddr),
		durStripes: make(map[common.StripeID]common.StripeAddr),
		flushLocks: lockmap.MkLockMap(),
	}
}

func (m *Mapper) UpdateStripeMap(vsid common.StripeID, lsid common.StripeID, loc common.StripeLoc) error {
	if vsid == common.UnmapStripe {
		return errors.Newf("memmeta: update stripe map of unmapped vsid")
	}
	m.mu.Lock()
	m.stripes[vsid] = common.StripeAddr{Loc: loc, ID: lsid}
	m.mu.Unlock()
	return nil
}

func (m *Mapper) SetVsaMapInternal(vol common.VolID, rba common.BlkAddr, vsa common.VirtualBlkAddr) error {
	if uint64(vol) >= common.MaxVolumes {
		return errors.Newf("memmeta: volume %d out of range", vol)
	}
	m.vsa.Write(shardmap.Key{Vol: vol, Rba: rba}, vsa)
	return nil
}

func (m *Mapper) GetVsaInternal(vol common.VolID, rba common.BlkAddr) (common.VirtualBlkAddr, error) {
	vsa, _ := m.vsa.Read(shardmap.Key{Vol: vol, Rba: rba})
	return vsa, nil
}

func (m *Mapper) GetLSA(vsid common.StripeID) (common.StripeAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.stripes[vsid]; ok {
		return a, nil
	}
	return common.UnmapStripeAddr, nil
}

// FailFlushes makes later flushes complete with err; nil restores normal
// flushing.
func (m *Mapper) FailFlushes(err error) {
	m.mu.Lock()
	m.flushErr = err
	m.mu.Unlock()
}

// NumFlushes counts flushes that completed successfully.
func (m *Mapper) NumFlushes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nflush
}

func (m *Mapper) StartDirtyPageFlush(id common.MapID, pages []common.PageID, done meta.FlushDone) error {
	if id != common.StripeMapID && id >= common.MaxVolumes {
		return errors.Wrapf(ErrUnknownMap, "map %d", id)
	}
	m.mu.Lock()
	ferr := m.flushErr
	m.mu.Unlock()
	pages = append([]common.PageID(nil), pages...)
	go func() {
		m.flushLocks.Acquire(id)
		if ferr == nil {
			m.flushPages(id, pages)
		}
		m.flushLocks.Release(id)
		if ferr == nil {
			util.DPrintf(4, "memmeta: flushed map %d, %d pages", id, len(pages))
			m.mu.Lock()
			m.nflush++
			m.mu.Unlock()
		}
		done(ferr)
	}()
	return nil
}

// Assumes caller holds the flush lock of id
func (m *Mapper) flushPages(id common.MapID, pages []common.PageID) {
	if id == common.StripeMapID {
		m.mu.Lock()
		for _, p := range pages {
			for vsid := p * m.perPage; vsid < (p+1)*m.perPage; vsid++ {
				if a, ok := m.stripes[vsid]; ok {
					m.durStripes[vsid] = a
				} else {
					delete(m.durStripes, vsid)
				}
			}
		}
		m.mu.Unlock()
		return
	}
	vol := common.VolID(id)
	for _, p := range pages {
		m.durVsa.ClearPage(vol, p, m.perPage)
		m.durVsa.MultiWrite(m.vsa.Page(vol, p, m.perPage))
	}
}

// Durable returns a mapper holding only what flushes made durable, as
// after a crash.
func (m *Mapper) Durable() *Mapper {
	d := NewMapper(m.perPage)
	d.vsa.MultiWrite(m.durVsa.Entries())
	d.durVsa.MultiWrite(m.durVsa.Entries())
	m.mu.Lock()
	for vsid, a := range m.durStripes {
		d.stripes[vsid] = a
		d.durStripes[vsid] = a
	}
	m.mu.Unlock()
	return d
}

// VsaEntries lists the live block mappings.
func (m *Mapper) VsaEntries() []shardmap.Entry {
	return m.vsa.Entries()
}

// StripeMap returns a copy of the live stripe map.
func (m *Mapper) StripeMap() map[common.StripeID]common.StripeAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm := make(map[common.StripeID]common.StripeAddr, len(m.stripes))
	for k, v := range m.stripes {
		sm[k] = v
	}
	return sm
}
