package journal

import (
	"github.com/mit-pdos/go-arrayjournal/common"
	"github.com/mit-pdos/go-arrayjournal/replay"
	"github.com/mit-pdos/go-arrayjournal/wal"
)

// Status is the journal status dump.
type Status struct {
	Mounted           bool           `json:"mounted"`
	Situation         string         `json:"situation"`
	Recovery          *replay.Result `json:"recovery,omitempty"`
	Checkpoint        string         `json:"checkpoint_state"`
	CheckpointCycles  uint64         `json:"checkpoint_cycles"`
	LastCheckpointErr string         `json:"last_checkpoint_error,omitempty"`
	PendingCallbacks  uint64         `json:"pending_callbacks"`
	DirtyMaps         []common.MapID `json:"dirty_maps,omitempty"`
	Ring              *wal.Status    `json:"ring,omitempty"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		Mounted:   m.mounted,
		Situation: m.state.Current().String(),
		Recovery:  m.recovery,
	}
	m.mu.Unlock()
	st.PendingCallbacks = m.seq.NumPendingCallbacks()
	if !st.Mounted {
		return st
	}
	st.Checkpoint = m.coord.State().String()
	st.CheckpointCycles = m.coord.Cycles()
	if err := m.coord.LastError(); err != nil {
		st.LastCheckpointErr = err.Error()
	}
	st.DirtyMaps = m.tracker.DirtyMaps()
	ring := m.ring.Status()
	st.Ring = &ring
	return st
}
