package engine

import "sync/atomic"

// State is the lifecycle position of an engine.
type State int32

const (
	StateIdle State = iota
	StatePre
	StateRunning
	StateComplete
	StateStopped
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePre:
		return "pre"
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	case StateStopped:
		return "stopped"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether a run is planning or moving bytes.
func (s State) Active() bool {
	return s == StatePre || s == StateRunning
}

// aggregate is the shared progress of one engine run. Workers update it concurrently.
type aggregate struct {
	totalBlocks     atomic.Int32
	startedBlocks   atomic.Int32
	completedBlocks atomic.Int32
	stopAcks        atomic.Int32
	cancelAcks      atomic.Int32
	bytes           atomic.Int64

	running   atomic.Bool
	stopped   atomic.Bool
	cancelled atomic.Bool
}

func (a *aggregate) allComplete() bool {
	return a.completedBlocks.Load() == a.totalBlocks.Load()
}

// Snapshot is a point-in-time copy of a run's progress counters.
type Snapshot struct {
	TotalBlocks     int
	StartedBlocks   int
	CompletedBlocks int
	StopAcks        int
	CancelAcks      int
	Bytes           int64
	Running         bool
	Stopped         bool
	Cancelled       bool
}

func (a *aggregate) snapshot() Snapshot {
	return Snapshot{
		TotalBlocks:     int(a.totalBlocks.Load()),
		StartedBlocks:   int(a.startedBlocks.Load()),
		CompletedBlocks: int(a.completedBlocks.Load()),
		StopAcks:        int(a.stopAcks.Load()),
		CancelAcks:      int(a.cancelAcks.Load()),
		Bytes:           a.bytes.Load(),
		Running:         a.running.Load(),
		Stopped:         a.stopped.Load(),
		Cancelled:       a.cancelled.Load(),
	}
}
