// Package state holds the system lifecycle state machine and the network
// event queue that feeds the orchestrator's monitor loop. Transitions are
// rare and read from many goroutines, so the state lives in an atomic;
// events are frequent and ordered, so they sit in a mutex-guarded FIFO.
package state

import (
	"sync/atomic"

	"github.com/StefanGC1/PeerBridge-CLI/internal/util"
)

// SystemState is the lifecycle state of the P2P system.
type SystemState int32

const (
	Idle SystemState = iota
	Connecting
	Connected
	ShuttingDown
)

func (s SystemState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// validTransitions is the lifecycle transition graph. SHUTTING_DOWN is
// terminal: once entered, only re-entering it is allowed.
var validTransitions = map[SystemState][]SystemState{
	Idle:         {Connecting, ShuttingDown},
	Connecting:   {Connected, Idle, ShuttingDown},
	Connected:    {Idle, ShuttingDown},
	ShuttingDown: {ShuttingDown},
}

// Manager stores the lifecycle state and the pending network events.
// It is shared between the transport (producer) and the orchestrator
// (consumer and sole state writer).
type Manager struct {
	current atomic.Int32
	queue   eventQueue
}

// NewManager creates a Manager starting in IDLE.
func NewManager() *Manager {
	return &Manager{}
}

// SetState transitions to the given state. Invalid transitions are logged
// and ignored; they are lifecycle violations, not errors.
func (m *Manager) SetState(next SystemState) {
	for {
		cur := SystemState(m.current.Load())
		if cur == next {
			return
		}
		if !transitionAllowed(cur, next) {
			util.LogWarning("[State] Invalid state transition %s -> %s, ignoring", cur, next)
			return
		}
		if m.current.CompareAndSwap(int32(cur), int32(next)) {
			util.LogInfo("[State] %s -> %s", cur, next)
			return
		}
	}
}

// GetState returns a consistent snapshot of the current state.
func (m *Manager) GetState() SystemState {
	return SystemState(m.current.Load())
}

// IsInState reports whether the current state equals s.
func (m *Manager) IsInState(s SystemState) bool {
	return m.GetState() == s
}

// QueueEvent appends a network event to the FIFO.
func (m *Manager) QueueEvent(e EventData) {
	m.queue.push(e)
}

// NextEvent pops the oldest pending event. The second return is false when
// the queue is empty.
func (m *Manager) NextEvent() (EventData, bool) {
	return m.queue.pop()
}

// HasEvents reports whether any event is pending.
func (m *Manager) HasEvents() bool {
	return m.queue.len() > 0
}

func transitionAllowed(from, to SystemState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
