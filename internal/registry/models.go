package registry

import "time"

// Event is one recorded lifecycle operation invocation.
type Event struct {
	ID          int64
	SnapshotIno uint32
	Operation   string
	RunID       string
	Outcome     string
	Detail      string
	RecordedAt  time.Time
}

// State is the latest known chain-membership state for one inode.
type State struct {
	SnapshotIno uint32
	Generation  uint32
	Flags       uint32
	DiskSize    uint64
	UpdatedAt   time.Time
}

// Outcome constants for Event.Outcome.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)
