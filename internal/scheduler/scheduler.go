// Package scheduler implements the orchestrator (spec §3 "Scheduler", §4.4):
// identifier allocation, spawn, the single-threaded global run queue and the
// multi-threaded worker pool, wake-up, kill, statistics, and exit/link
// propagation (§4.5). It is the component that ties together block,
// mailbox, registry, deque, and worker into the running system spec.md §2
// describes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelpline/blockrt/internal/block"
	"github.com/kelpline/blockrt/internal/deque"
	"github.com/kelpline/blockrt/internal/mailbox"
	"github.com/kelpline/blockrt/internal/registry"
	"github.com/kelpline/blockrt/internal/worker"
	"golang.org/x/sync/errgroup"
)

// ErrMaxBlocks is returned by Spawn when the registry's population cap has
// been reached (spec §4.4 step 5; spec §7 "max_blocks reached (spawn
// returns INVALID)").
var ErrMaxBlocks = errors.New("scheduler: max_blocks reached")

// Supervisor is the opaque collaborator consulted on a supervised child's
// death (spec §4.5 step 1; spec §1 "supervisor policies... specified only at
// the interface boundary to the core"). The core's responsibility ends at
// invoking it; restart policy is entirely the supervisor's business.
type Supervisor interface {
	NotifyExit(supervisorPid, childPid block.Pid, reason block.ExitReason, code int, msg string)
}

// Primitives registers bytecode-declared tools at spawn time (spec §4.4 step
// 7; spec §1 "primitives/tool registry... specified only at the interface
// boundary").
type Primitives interface {
	RegisterTools(pid block.Pid, tools []block.ToolInfo)
}

// Tracer observes scheduler lifecycle events without participating in them
// (spec §1 "tracing... specified only at the interface boundary to the
// core").
type Tracer interface {
	Spawned(pid block.Pid, name string)
	Exited(pid block.Pid, code int, reason string)
}

// Names is the process-group name<->pid lookup collaborator (spec §3
// "per-collaborator pointers... process-group registry").
type Names interface {
	Register(name string, pid block.Pid)
	UnregisterPid(pid block.Pid)
}

// Scheduler is the orchestrator: registry, identifier allocation, run
// queue(s), and the collaborators it drives (spec §3 "Scheduler").
type Scheduler struct {
	cfg Config
	reg *registry.Registry

	nextPid atomic.Uint64

	globalQueue runQueue

	deques     []*deque.Deque
	workers    []*worker.Worker
	nextWorker atomic.Uint64

	running         atomic.Bool
	contextSwitches atomic.Int64

	supMu       sync.RWMutex
	supervisors map[block.Pid]Supervisor

	primitives Primitives
	tracer     Tracer
	names      Names
}

// New constructs a Scheduler from cfg. NumWorkers == 0 selects
// single-threaded mode; NumWorkers > 0 pre-allocates that many
// worker/deque pairs (spec §4.4 "Configuration").
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:         cfg,
		reg:         registry.New(cfg.MaxBlocks),
		supervisors: make(map[block.Pid]Supervisor),
	}
	if cfg.NumWorkers > 0 {
		s.deques = make([]*deque.Deque, cfg.NumWorkers)
		s.workers = make([]*worker.Worker, cfg.NumWorkers)
		for i := 0; i < cfg.NumWorkers; i++ {
			s.deques[i] = deque.New()
			s.workers[i] = worker.New(i, s.deques[i], s, 0)
		}
	}
	return s
}

// AttachSupervisor registers sup to be consulted whenever a block whose
// Supervisor() handle equals supervisorPid dies (spec §4.5 step 1).
func (s *Scheduler) AttachSupervisor(supervisorPid block.Pid, sup Supervisor) {
	s.supMu.Lock()
	s.supervisors[supervisorPid] = sup
	s.supMu.Unlock()
}

func (s *Scheduler) DetachSupervisor(supervisorPid block.Pid) {
	s.supMu.Lock()
	delete(s.supervisors, supervisorPid)
	s.supMu.Unlock()
}

func (s *Scheduler) AttachPrimitives(p Primitives) { s.primitives = p }
func (s *Scheduler) AttachTracer(t Tracer)         { s.tracer = t }
func (s *Scheduler) AttachNames(n Names)           { s.names = n }

// Registry exposes the underlying registry for collaborators (admin plane,
// checkpoint) that need direct read access.
func (s *Scheduler) Registry() *registry.Registry { return s.reg }

// MultiThreaded reports whether this scheduler runs a worker pool rather
// than the single-threaded global queue.
func (s *Scheduler) MultiThreaded() bool { return len(s.workers) > 0 }

// Spawn is the public entry point (spec §6 "scheduler_spawn_ex(code, name,
// caps, limits) -> Pid"), used by embedders/tests with no acting block (no
// capability check applies — SPAWN-capability enforcement belongs to the
// caller driving a privileged SPAWN instruction through the narrow
// block.Scheduler interface, via HasCapability).
func (s *Scheduler) Spawn(bc *block.Bytecode, name string, caps block.CapSet, limits block.Limits) (block.Pid, error) {
	return s.spawn(bc, name, caps, limits, block.Invalid, block.Invalid)
}

// SpawnChild additionally records parent/supervisor linkage, used when a
// supervision tree spawns a worker block under its own pid (spec §4.5 step 1
// "If the block has both a supervisor handle and a valid parent
// identifier").
func (s *Scheduler) SpawnChild(bc *block.Bytecode, name string, caps block.CapSet, limits block.Limits, parent, supervisor block.Pid) (block.Pid, error) {
	return s.spawn(bc, name, caps, limits, parent, supervisor)
}

func (s *Scheduler) spawn(bc *block.Bytecode, name string, caps block.CapSet, limits block.Limits, parent, supervisor block.Pid) (block.Pid, error) {
	// Step 1: allocate a monotonically increasing identifier.
	pid := block.Pid(s.nextPid.Add(1))

	if limits.MaxReductions == 0 {
		limits.MaxReductions = s.cfg.DefaultReductions
	}

	// Step 2: allocate and initialise the block (mailbox + VM included).
	maxMsgs := limits.MaxMailboxMessages
	mb := mailbox.New(maxMsgs, s.cfg.MailboxMaxBytes, s.cfg.MailboxOverflow)
	vm := s.cfg.VMFactory()
	blk := block.New(pid, name, limits, caps, vm, mb) // step 3: capabilities attached in block.New
	blk.SetParent(parent)
	blk.SetSupervisor(supervisor)

	// Step 4: load bytecode; on failure free the block and return Invalid.
	if bc != nil {
		if err := blk.Load(bc); err != nil {
			blk.Free()
			return block.Invalid, err
		}
	}

	// Step 5: TOCTOU-safe registry reservation, then insert.
	if !s.reg.Reserve() {
		blk.Free()
		return block.Invalid, ErrMaxBlocks
	}
	s.reg.Insert(blk)

	// Step 6: associate the scheduler with the VM so privileged
	// instructions can consult it.
	vm.SetScheduler(s)

	// Step 7: register any tools carried in the bytecode.
	if s.primitives != nil && bc != nil {
		s.primitives.RegisterTools(pid, bc.GetTools())
	}

	// Step 8: place the block on a run queue.
	s.enqueue(blk)

	if name != "" && s.names != nil {
		s.names.Register(name, pid)
	}

	if s.tracer != nil {
		s.tracer.Spawned(pid, name)
	}

	// Step 9: total_spawned is tracked by the registry itself (Insert).
	return pid, nil
}

// enqueue places blk on a run queue: round-robin across worker deques in
// multi-threaded mode, or the global queue in single-threaded mode (spec
// §4.4 step 8, §2 "round-robin via that worker's deque").
func (s *Scheduler) enqueue(blk *block.Block) {
	if len(s.deques) == 0 {
		s.globalQueue.push(blk)
		return
	}
	idx := int(s.nextWorker.Add(1)-1) % len(s.deques)
	s.deques[idx].Push(blk)
}

// GetBlock performs the registry lookup (spec §6 "scheduler_get_block(pid)
// -> Block?").
func (s *Scheduler) GetBlock(pid block.Pid) (*block.Block, bool) {
	return s.reg.Get(pid)
}

// wake attempts the WAITING -> RUNNABLE CAS and, on success, re-enqueues the
// block (spec §4.4 "scheduler_wake_block"). Both the send path and a timer
// fire path call this (spec §2 "A send... atomically transitions it to
// RUNNABLE and enqueues it").
func (s *Scheduler) wake(blk *block.Block) bool {
	if !blk.State().TryTransition(block.Waiting, block.Runnable) {
		return false
	}
	s.enqueue(blk)
	return true
}

// WakeBlock is the public form of wake, keyed by pid (spec §6
// "scheduler_wake_block(block)").
func (s *Scheduler) WakeBlock(pid block.Pid) bool {
	blk, ok := s.reg.Get(pid)
	if !ok {
		return false
	}
	return s.wake(blk)
}

// Kill crashes a live block with reason "killed", removes it from its run
// queue when that is possible in O(1) (single-threaded mode's global
// queue), and propagates exit (spec §4.4 "scheduler_kill"). A second kill on
// an already-Dead block is a no-op (spec §8 "Spawn-kill: kill is idempotent").
func (s *Scheduler) Kill(pid block.Pid) {
	blk, ok := s.reg.Get(pid)
	if !ok {
		return
	}
	if blk.State().Load() == block.Dead {
		return
	}
	wasRunnable := blk.State().Load() == block.Runnable
	blk.Crashed("killed")
	if wasRunnable && len(s.deques) == 0 {
		s.globalQueue.remove(blk)
	}
	// Multi-threaded mode: a Runnable block sitting in some worker's deque
	// cannot be removed mid-air from a Chase-Lev deque; the worker's own
	// Runnable->Running CAS at dequeue time will simply fail once state is
	// Dead, and execute() becomes a no-op for it (see worker.execute).
	s.reg.IncTerminated()
	s.PropagateExit(blk)
}

// HasCapability implements block.Scheduler (spec §6 "scheduler" narrow
// surface consumed by the VM).
func (s *Scheduler) HasCapability(p block.Pid, c block.Capability) bool {
	blk, ok := s.reg.Get(p)
	if !ok {
		return false
	}
	return blk.HasCapability(c)
}

// checkCapability enforces spec §4.1: a missing capability crashes the
// acting block with reason "missing capability: <NAME>", unless it holds
// TRAP_EXIT, in which case the caller just observes a failure return value
// (no crash).
func (s *Scheduler) checkCapability(actor *block.Block, c block.Capability) bool {
	if actor.HasCapability(c) {
		return true
	}
	if actor.HasCapability(block.CapTrapExit) {
		return false
	}
	s.crashActor(actor, fmt.Sprintf("missing capability: %s", c.Name()))
	return false
}

// crashActor performs a synchronous crash-and-propagate for an actor caught
// mid-instruction (e.g. a capability denial raised from inside a Send/Link/
// Monitor/Receive call driven by the VM it is currently executing on). If
// the actor is not presently Running, termination is finalized here at once;
// if it is Running, the owning worker or Step call finalizes it once VM.Run
// returns, so propagation still runs exactly once.
func (s *Scheduler) crashActor(actor *block.Block, reason string) {
	prior := actor.State().Load()
	if !actor.State().Kill() {
		return // already Dead; someone else owns propagation
	}
	actor.Exit().Set(1, reason)
	if prior != block.Running {
		// Not mid-execution (e.g. crashed via a direct API call rather than
		// from inside its own VM.Run): finalize immediately.
		if prior == block.Runnable && len(s.deques) == 0 {
			s.globalQueue.remove(actor)
		}
		s.reg.IncTerminated()
		s.PropagateExit(actor)
	}
	// If prior == Running, the owning worker/Step call will observe the
	// Dead state once VM.Run returns and finalize via
	// OnTerminal/finishTermination.
}

// Send implements block.Scheduler (spec §4.3 "block_send"; spec §6 "Send
// API (target-side)"). sender must hold SEND; the target must exist and be
// alive.
func (s *Scheduler) Send(target, sender block.Pid, v block.Value) bool {
	senderBlk, senderOK := s.reg.Get(sender)
	if senderOK && !s.checkCapability(senderBlk, block.CapSend) {
		return false
	}
	tgt, ok := s.reg.Get(target)
	if !ok || tgt.State().Load() == block.Dead {
		return false
	}
	if !tgt.Send(sender, v) {
		return false
	}
	if senderOK {
		senderBlk.Counters().MessagesSent.Add(1)
	}
	s.wake(tgt)
	if s.tracer != nil {
		// no-op placeholder hook point for message tracing; kept minimal
		// per spec §1's "tracing... specified only at the interface
		// boundary."
	}
	return true
}

// Receive implements block.Scheduler (spec §4.3 "block_receive"). self must
// hold RECEIVE.
func (s *Scheduler) Receive(self block.Pid) (block.Pid, block.Value, bool) {
	blk, ok := s.reg.Get(self)
	if !ok {
		return block.Invalid, nil, false
	}
	if !s.checkCapability(blk, block.CapReceive) {
		return block.Invalid, nil, false
	}
	return blk.Receive()
}

// Link implements block.Scheduler (spec §4.3 "block_link"). The scheduler
// performs the symmetric record on both sides, since it is the only party
// with lookup access to both blocks.
func (s *Scheduler) Link(a, b block.Pid) bool {
	ba, ok := s.reg.Get(a)
	if !ok {
		return false
	}
	if !s.checkCapability(ba, block.CapLink) {
		return false
	}
	bb, ok := s.reg.Get(b)
	if !ok {
		return false
	}
	ba.Link(b)
	bb.Link(a)
	return true
}

func (s *Scheduler) Unlink(a, b block.Pid) bool {
	ba, aok := s.reg.Get(a)
	if aok {
		ba.Unlink(b)
	}
	bb, bok := s.reg.Get(b)
	if bok {
		bb.Unlink(a)
	}
	return aok || bok
}

// Monitor implements block.Scheduler (spec §4.3 "block_monitor" /
// "block_add_monitored_by").
func (s *Scheduler) Monitor(observer, target block.Pid) bool {
	ob, ok := s.reg.Get(observer)
	if !ok {
		return false
	}
	if !s.checkCapability(ob, block.CapMonitor) {
		return false
	}
	tb, ok := s.reg.Get(target)
	if !ok {
		return false
	}
	ob.Monitor(target)
	tb.AddMonitoredBy(observer)
	return true
}

func (s *Scheduler) Demonitor(observer, target block.Pid) bool {
	if ob, ok := s.reg.Get(observer); ok {
		ob.Demonitor(target)
	}
	if tb, ok := s.reg.Get(target); ok {
		tb.RemoveMonitoredBy(observer)
	}
	return true
}

// Step executes one block for one time slice in single-threaded mode (spec
// §4.4 "Step (single-threaded mode)"). It returns false only when the
// global queue is empty and no Waiting block has unread messages, signaling
// the driving loop that there is currently no work.
func (s *Scheduler) Step(ctx context.Context) bool {
	blk, ok := s.globalQueue.pop()
	if !ok {
		return s.hasWaitingWithMessages()
	}
	if !blk.State().TryTransition(block.Runnable, block.Running) {
		return true
	}
	s.contextSwitches.Add(1)

	vm := blk.VM()
	vm.SetReductionLimit(blk.Limits().MaxReductions)
	result := vm.Run(ctx)
	blk.Counters().Reductions.Add(vm.Reductions())

	switch {
	case result == block.StepYield:
		if blk.State().TryTransition(block.Running, block.Runnable) {
			s.globalQueue.push(blk)
		} else if blk.State().Load() == block.Dead {
			s.finishTermination(blk)
		}

	case result == block.StepWaiting:
		if !blk.State().TryTransition(block.Running, block.Waiting) && blk.State().Load() == block.Dead {
			s.finishTermination(blk)
		}

	case result.Terminal():
		if result == block.StepError {
			blk.Crashed(vm.Error())
		} else {
			blk.Exited(0)
		}
		s.finishTermination(blk)
	}
	return true
}

func (s *Scheduler) finishTermination(blk *block.Block) {
	s.reg.IncTerminated()
	s.PropagateExit(blk)
	if s.names != nil {
		s.names.UnregisterPid(blk.Pid())
	}
	if s.tracer != nil {
		code, reason, _ := blk.Exit().Get()
		s.tracer.Exited(blk.Pid(), code, reason)
	}
}

// hasWaitingWithMessages implements spec §4.4's step fallback: "if queue
// empty but at least one WAITING block holds unread messages, return true
// so the driver may retry." A Waiting block with pending messages should
// already have been woken by the send path; this is the self-healing
// belt-and-braces the spec calls for.
func (s *Scheduler) hasWaitingWithMessages() bool {
	found := false
	s.reg.ForEach(func(blk *block.Block) {
		if found {
			return
		}
		if blk.State().Load() == block.Waiting && blk.HasMessages() {
			if s.wake(blk) {
				found = true
			}
		}
	})
	return found
}

// Done reports scheduler-wide quiescence (spec §8 invariant 7;
// spec §4.7 termination rule b): used both as the single-threaded Run loop's
// exit condition and as worker.Coordinator.Done.
func (s *Scheduler) Done() bool {
	st := s.reg.Stats()
	return st.TotalSpawned > 0 && st.TotalTerminated >= st.TotalSpawned
}

// PeerDeques implements worker.Coordinator (spec §4.7 step b).
func (s *Scheduler) PeerDeques(selfID int) []*deque.Deque {
	if !s.cfg.EnableStealing {
		return nil
	}
	peers := make([]*deque.Deque, 0, len(s.deques))
	for i, d := range s.deques {
		if i != selfID {
			peers = append(peers, d)
		}
	}
	return peers
}

// OnTerminal implements worker.Coordinator: multi-threaded mode finalizes a
// Dead block locally in the worker loop, so the scheduler's exit-propagation
// logic must be invokable from any worker thread (spec §4.7 implementation
// note).
func (s *Scheduler) OnTerminal(blk *block.Block, _ block.StepResult) {
	s.finishTermination(blk)
}

// Run starts the scheduler (spec §6 "scheduler_run"). Single-threaded mode
// loops Step while running and work remains; multi-threaded mode starts and
// joins every worker via errgroup (spec §4.4 "Run").
func (s *Scheduler) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	if len(s.workers) == 0 {
		idle := time.Duration(0)
		for s.running.Load() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.Step(ctx) {
				idle = 0
				continue
			}
			if s.Done() {
				return nil
			}
			if idle == 0 {
				idle = 50 * time.Microsecond
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idle):
			}
			if idle < time.Millisecond {
				idle *= 2
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		w := w
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// Stop requests every worker (or the single-threaded loop) exit at its next
// iteration boundary (spec §6 "scheduler_stop").
func (s *Scheduler) Stop() {
	s.running.Store(false)
	for _, w := range s.workers {
		w.Stop()
	}
}

// Stats is the scheduler's aggregate statistics snapshot (spec §6
// "scheduler_stats -> SchedulerStats").
type Stats struct {
	Registry        registry.Stats
	ContextSwitches int64
	Workers         []worker.Stats
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		Registry:        s.reg.Stats(),
		ContextSwitches: s.contextSwitches.Load(),
	}
	for _, w := range s.workers {
		st.Workers = append(st.Workers, w.Stats())
	}
	return st
}
