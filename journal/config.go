package journal

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mit-pdos/go-arrayjournal/wal"
)

const (
	defaultNumLogGroups      = 2
	defaultGroupBlocks       = 1024
	defaultBlksPerStripe     = 128
	defaultStripesPerSegment = 1024
	defaultEntriesPerPage    = 512
)

type Config struct {
	NumLogGroups       uint64 `json:"num_log_groups"`
	GroupBlocks        uint64 `json:"group_blocks"`
	BlksPerStripe      uint64 `json:"blks_per_stripe"`
	StripesPerSegment  uint64 `json:"stripes_per_segment"`
	EntriesPerPage     uint64 `json:"entries_per_page"`
	CheckpointDisabled bool   `json:"checkpoint_disabled"`
	FlushTimeoutMs     int64  `json:"flush_timeout_ms"`
}

// InitDefaults fills zero fields with their defaults.
func (c *Config) InitDefaults() {
	if c.NumLogGroups == 0 {
		c.NumLogGroups = defaultNumLogGroups
	}
	if c.GroupBlocks == 0 {
		c.GroupBlocks = defaultGroupBlocks
	}
	if c.BlksPerStripe == 0 {
		c.BlksPerStripe = defaultBlksPerStripe
	}
	if c.StripesPerSegment == 0 {
		c.StripesPerSegment = defaultStripesPerSegment
	}
	if c.EntriesPerPage == 0 {
		c.EntriesPerPage = defaultEntriesPerPage
	}
}

func (c *Config) Validate() error {
	if err := c.Layout().Validate(); err != nil {
		return err
	}
	if c.FlushTimeoutMs < 0 {
		return errors.Newf("journal: negative flush timeout %d", c.FlushTimeoutMs)
	}
	return nil
}

func (c *Config) Layout() wal.Layout {
	return wal.Layout{NumGroups: c.NumLogGroups, GroupBlocks: c.GroupBlocks}
}

func (c *Config) flushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutMs) * time.Millisecond
}
