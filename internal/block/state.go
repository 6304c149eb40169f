package block

import "sync/atomic"

// State is one of the four block lifecycle states (spec §3 "Block state").
// It is manipulated exclusively by compare-and-swap through TryTransition and
// Kill — never assigned directly — so every observer sees a consistent view without
// taking a lock (spec §5 "Block state is a single atomic word").
type State int32

const (
	Runnable State = iota
	Running
	Waiting
	Dead
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Waiting:
		return "WAITING"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// StateBox holds one block's state behind an atomic int32 and enforces the
// legal-transition table from spec §3: RUNNABLE->RUNNING, RUNNING->RUNNABLE,
// RUNNING->WAITING, WAITING->RUNNABLE, and any live state to DEAD. DEAD is absorbing: once reached no transition out of
// it ever succeeds.
type StateBox struct {
	v atomic.Int32
}

func NewStateBox(initial State) *StateBox {
	b := &StateBox{}
	b.v.Store(int32(initial))
	return b
}

func (b *StateBox) Load() State {
	return State(b.v.Load())
}

// TryTransition attempts the CAS from `from` to `to`. It refuses transitions
// not in the legal table, and refuses any transition whose `from` is Dead
// (Dead is absorbing) even if the caller's compare value happens to match.
func (b *StateBox) TryTransition(from, to State) bool {
	if from == Dead {
		return false
	}
	if !legal(from, to) {
		return false
	}
	return b.v.CompareAndSwap(int32(from), int32(to))
}

// Kill forces a transition to Dead from whatever live state the block is
// currently in. It is idempotent: calling it on an already-Dead block is a
// harmless no-op, matching block_exit/block_crash idempotence (spec §4.3).
func (b *StateBox) Kill() (transitioned bool) {
	for {
		cur := b.Load()
		if cur == Dead {
			return false
		}
		if b.v.CompareAndSwap(int32(cur), int32(Dead)) {
			return true
		}
	}
}

func legal(from, to State) bool {
	if to == Dead {
		return true
	}
	switch from {
	case Runnable:
		return to == Running
	case Running:
		return to == Runnable || to == Waiting
	case Waiting:
		return to == Runnable
	default:
		return false
	}
}
