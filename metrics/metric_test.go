package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryGathers(t *testing.T) {
	AppendedRecords.WithLabelValues("BlockWriteDone").Inc()
	CheckpointCycles.WithLabelValues("ok").Inc()
	ReplayedRecords.WithLabelValues("replayed").Inc()
	FullLogGroups.Set(1)

	mfs, err := Registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	require.True(t, names["ArrayJournal_wal_appended_records_total"])
	require.True(t, names["ArrayJournal_wal_full_log_groups"])
	require.True(t, names["ArrayJournal_checkpoint_cycles_total"])
	require.True(t, names["ArrayJournal_replay_records_total"])
}
