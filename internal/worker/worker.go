// Package worker implements the OS-thread worker loop (spec §3 "Worker",
// §4.7 "Worker loop"): pop from its own deque, fall back to work-stealing,
// run one VM time slice, dispatch on the result, back off when idle.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kelpline/blockrt/internal/block"
	"github.com/kelpline/blockrt/internal/deque"
)

// State mirrors the worker's {IDLE, RUNNING, STEALING, STOPPED} enum (spec
// §3 "Worker").
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStealing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStealing:
		return "STEALING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Coordinator is the narrow scheduler surface a worker needs: the peer
// deques to steal from, and the exit-propagation hook run once a block
// reaches DEAD (spec §4.7 implementation note: "the scheduler's
// exit-propagation logic must be invokable from any worker thread").
type Coordinator interface {
	PeerDeques(selfID int) []*deque.Deque
	OnTerminal(blk *block.Block, result block.StepResult)
	// Done reports scheduler-wide quiescence (spec §4.7 termination rule b:
	// "total_terminated >= total_spawned > 0").
	Done() bool
}

// Stats are the worker's atomic counters (spec §3 "atomic statistics
// counters").
type Stats struct {
	BlocksExecuted   int64
	TotalReductions  int64
	StealsAttempted  int64
	StealsSuccessful int64
	IdleIterations   int64
}

// Worker owns one deque and runs blocks popped or stolen from it (spec §3
// "Worker").
type Worker struct {
	id          int
	deque       *deque.Deque
	coordinator Coordinator

	state   atomic.Int32
	started atomic.Bool

	rngState uint64

	blocksExecuted   atomic.Int64
	totalReductions  atomic.Int64
	stealsAttempted  atomic.Int64
	stealsSuccessful atomic.Int64
	idleIterations   atomic.Int64
}

func New(id int, d *deque.Deque, coord Coordinator, rngSeed uint64) *Worker {
	if rngSeed == 0 {
		rngSeed = uint64(id)*2654435761 + 1 // avoid the all-zero xorshift fixed point
	}
	return &Worker{id: id, deque: d, coordinator: coord, rngState: rngSeed}
}

func (w *Worker) ID() int           { return w.id }
func (w *Worker) Deque() *deque.Deque { return w.deque }
func (w *Worker) State() State       { return State(w.state.Load()) }

func (w *Worker) Stats() Stats {
	return Stats{
		BlocksExecuted:   w.blocksExecuted.Load(),
		TotalReductions:  w.totalReductions.Load(),
		StealsAttempted:  w.stealsAttempted.Load(),
		StealsSuccessful: w.stealsSuccessful.Load(),
		IdleIterations:   w.idleIterations.Load(),
	}
}

// xorshift64 advances the worker's own RNG state (spec §3 "xorshift64 RNG
// seed"; spec §4.7 step b: "pick a random starting index via xorshift64").
func (w *Worker) xorshift64() uint64 {
	x := w.rngState
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	w.rngState = x
	return x
}

const (
	idleCheckInterval = 100
	backoffStart      = 10 * time.Microsecond
	backoffCap        = time.Millisecond
)

// Stop requests the loop exit at its next iteration boundary.
func (w *Worker) Stop() {
	w.state.Store(int32(StateStopped))
}

// Run executes the worker loop until Stop is called or the coordinator
// reports quiescence (spec §4.7). It returns when the loop exits; callers
// typically run it in its own goroutine and join via errgroup or a
// WaitGroup, matching one OS thread per worker in spirit even though Go
// schedules goroutines onto threads itself.
func (w *Worker) Run(ctx context.Context) {
	w.started.Store(true)
	defer w.state.Store(int32(StateStopped))

	backoff := backoffStart
	var idle int64

	for {
		if w.State() == StateStopped || ctx.Err() != nil {
			return
		}

		blk, ok := w.deque.Pop()
		if !ok {
			w.state.Store(int32(StateStealing))
			blk, ok = w.steal()
		}

		if ok {
			w.state.Store(int32(StateRunning))
			idle = 0
			backoff = backoffStart
			w.execute(ctx, blk)
			continue
		}

		w.state.Store(int32(StateIdle))
		idle++
		w.idleIterations.Add(1)
		if idle%idleCheckInterval == 0 && w.coordinator.Done() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// steal probes every peer deque starting from a pseudo-random index (spec
// §4.7 step b).
func (w *Worker) steal() (*block.Block, bool) {
	peers := w.coordinator.PeerDeques(w.id)
	if len(peers) == 0 {
		return nil, false
	}
	w.stealsAttempted.Add(1)
	start := int(w.xorshift64() % uint64(len(peers)))
	for i := 0; i < len(peers); i++ {
		idx := (start + i) % len(peers)
		if blk, ok := peers[idx].Steal(); ok {
			w.stealsSuccessful.Add(1)
			return blk, true
		}
	}
	return nil, false
}

// execute runs one VM time slice for blk and dispatches on the result (spec
// §4.7 step c; dispatch table per §4.4's step description).
func (w *Worker) execute(ctx context.Context, blk *block.Block) {
	if !blk.State().TryTransition(block.Runnable, block.Running) {
		// Killed or already dispatched elsewhere between steal/pop and here;
		// nothing further to do with it on this worker.
		return
	}

	vm := blk.VM()
	vm.SetReductionLimit(blk.Limits().MaxReductions)

	result := vm.Run(ctx)

	w.blocksExecuted.Add(1)
	w.totalReductions.Add(vm.Reductions())
	blk.Counters().Reductions.Add(vm.Reductions())

	switch {
	case result == block.StepYield:
		if blk.State().TryTransition(block.Running, block.Runnable) {
			w.deque.Push(blk)
		} else if blk.State().Load() == block.Dead {
			// The block crashed synchronously inside this slice (e.g. a
			// capability denial raised mid-instruction) rather than via a
			// Terminal StepResult. Finalize it here so exit propagation
			// still runs exactly once.
			w.coordinator.OnTerminal(blk, result)
		}
		// Any other failed transition means the block was killed
		// concurrently while this slice ran; whoever killed it already
		// owns exit propagation.

	case result == block.StepWaiting:
		if blk.State().TryTransition(block.Running, block.Waiting) {
			// A concurrent Send may have pushed to the mailbox and raced this
			// transition: its own wake attempt would have observed Running
			// and no-oped, so a message can now sit behind a Waiting block
			// with nobody left to re-enqueue it. Re-check and self-wake,
			// mirroring scheduler.wake's Waiting->Runnable CAS.
			if blk.HasMessages() && blk.State().TryTransition(block.Waiting, block.Runnable) {
				w.deque.Push(blk)
			}
		} else if blk.State().Load() == block.Dead {
			w.coordinator.OnTerminal(blk, result)
		}

	case result.Terminal():
		if result == block.StepError {
			blk.Crashed(vm.Error())
		} else {
			blk.Exited(0)
		}
		w.coordinator.OnTerminal(blk, result)
	}
}
