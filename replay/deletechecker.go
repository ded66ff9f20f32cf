package replay

import (
	"sort"

	"github.com/mit-pdos/go-arrayjournal/common"
	"github.com/mit-pdos/go-arrayjournal/logrecord"
)

// DeletedVolume is a tombstone. DeletionTime is the sequence number of the
// VolumeDeleted record; records of the volume with a smaller sequence number
// belong to the deleted incarnation.
type DeletedVolume struct {
	VolID                   common.VolID
	DeletionTime            uint64
	AllocatorContextVersion uint64
}

// DeleteChecker decides which logs of deleted volumes replay skips.
type DeleteChecker struct {
	tombstones map[common.VolID][]DeletedVolume // ordered by DeletionTime
}

func NewDeleteChecker() *DeleteChecker {
	return &DeleteChecker{tombstones: make(map[common.VolID][]DeletedVolume)}
}

// Update collects the tombstones of every VolumeDeleted record in logs.
func (c *DeleteChecker) Update(logs []Log) {
	for _, l := range logs {
		rec, ok := l.Record.(*logrecord.VolumeDeleted)
		if !ok {
			continue
		}
		ts := append(c.tombstones[rec.VolID], DeletedVolume{
			VolID:                   rec.VolID,
			DeletionTime:            rec.SeqNum(),
			AllocatorContextVersion: rec.AllocatorContextVersion,
		})
		sort.Slice(ts, func(i, j int) bool { return ts[i].DeletionTime < ts[j].DeletionTime })
		c.tombstones[rec.VolID] = ts
	}
}

func (c *DeleteChecker) IsDeleted(vol common.VolID) bool {
	return len(c.tombstones[vol]) > 0
}

// ShouldSkip reports whether a record of vol at time precedes a deletion
// of vol that replay has not yet passed.
func (c *DeleteChecker) ShouldSkip(vol common.VolID, time uint64) bool {
	for _, t := range c.tombstones[vol] {
		if time < t.DeletionTime {
			return true
		}
	}
	return false
}

// ReplayedUntil drops the tombstones of vol that replay has passed, so
// records of a recreated volume replay normally.
func (c *DeleteChecker) ReplayedUntil(time uint64, vol common.VolID) {
	ts := c.tombstones[vol]
	i := 0
	for i < len(ts) && ts[i].DeletionTime <= time {
		i++
	}
	if i == len(ts) {
		delete(c.tombstones, vol)
	} else {
		c.tombstones[vol] = ts[i:]
	}
}

// Tombstones lists the remaining tombstones ordered by volume and time.
func (c *DeleteChecker) Tombstones() []DeletedVolume {
	var all []DeletedVolume
	for _, ts := range c.tombstones {
		all = append(all, ts...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].VolID != all[j].VolID {
			return all[i].VolID < all[j].VolID
		}
		return all[i].DeletionTime < all[j].DeletionTime
	})
	return all
}
