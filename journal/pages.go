package journal

import (
	"github.com/mit-pdos/go-arrayjournal/common"
	"github.com/mit-pdos/go-arrayjournal/dirty"
	"github.com/mit-pdos/go-arrayjournal/logrecord"
)

// pagesFor lists the metadata pages the callback of rec dirties.
func pagesFor(rec logrecord.Record, perPage uint64) dirty.Pages {
	pages := dirty.Pages{common.AllocatorMapID: {0}}
	addBlks := func(vol common.VolID, rba common.BlkAddr) {
		id := common.VsaMapID(vol)
		p := rba / perPage
		if l := pages[id]; len(l) == 0 || l[len(l)-1] != p {
			pages[id] = append(l, p)
		}
	}
	switch rec := rec.(type) {
	case *logrecord.BlockWriteDone:
		for i := uint64(0); i < rec.NumBlks; i++ {
			addBlks(rec.VolID, rec.StartRba+i)
		}
		pages[common.StripeMapID] = []common.PageID{rec.StartVsa.StripeID / perPage}
	case *logrecord.StripeMapUpdated:
		pages[common.StripeMapID] = []common.PageID{rec.StripeID / perPage}
	case *logrecord.GcStripeFlushed:
		for _, b := range rec.Blocks {
			addBlks(rec.VolID, b.Rba)
		}
		pages[common.StripeMapID] = []common.PageID{rec.StripeID / perPage}
	}
	return pages
}
