package block

import (
	"sync"
	"sync/atomic"

	"github.com/kelpline/blockrt/internal/mailbox"
)

// TimerHandle identifies a pending receive-timeout registration with the
// timer-wheel collaborator (spec §5 "Cancellation & timeouts"). The core
// only needs to carry and clear this handle; the wheel's internals are a
// collaborator (spec §1 "Out of scope").
type TimerHandle uint64

// SaveQueueEntry is one message set aside by a selective receive-with-pattern
// that did not match (spec §3 "a save queue for receive-with-pattern"). The
// core's responsibility ends at holding these until the VM asks for them
// again; pattern matching itself lives in the VM contract's opaque Value.
type SaveQueueEntry struct {
	Sender Pid
	Value  Value
}

// Block owns an isolated heap, a VM, a mailbox, a capability set, resource
// limits/counters, a name, the three neighbour arrays (links, monitors,
// monitored-by) under one shared mutex, a parent/supervisor handle, a
// pending timer handle, and a save queue (spec §3 "Block").
type Block struct {
	pid  Pid
	name string

	state     *StateBox
	caps      atomicCapSet
	limits    Limits
	counters  Counters
	exit      ExitInfo
	mailbox   *mailbox.Mailbox
	vm        VM
	loaded    bool
	loadedMu  sync.Mutex

	neighborMu  sync.Mutex
	links       map[Pid]struct{}
	monitors    map[Pid]struct{}
	monitoredBy map[Pid]struct{}

	parent     Pid
	supervisor Pid // Invalid if none; the supervisor is itself a block (spec §4.5 step 1).

	timer        TimerHandle
	hasTimer     bool
	timeoutFired atomic.Bool
	saveQueue    []SaveQueueEntry

	// Run-queue linkage for the intrusive global queue (spec §3 "run-queue
	// linkage"); used only in single-threaded mode. Guarded by the
	// scheduler's run-queue lock, not neighborMu.
	next, prev *Block
	onQueue    bool
}

// New allocates and zero-initialises a block (spec §4.3 "new(pid, name,
// limits)"). It never blocks.
func New(pid Pid, name string, limits Limits, caps CapSet, vm VM, mb *mailbox.Mailbox) *Block {
	b := &Block{
		pid:         pid,
		name:        name,
		state:       NewStateBox(Runnable),
		limits:      limits,
		mailbox:     mb,
		vm:          vm,
		links:       make(map[Pid]struct{}),
		monitors:    make(map[Pid]struct{}),
		monitoredBy: make(map[Pid]struct{}),
	}
	b.caps.store(caps)
	if vm != nil {
		vm.SetReductionLimit(limits.MaxReductions)
		vm.SetSelf(pid)
	}
	return b
}

func (b *Block) Pid() Pid       { return b.pid }
func (b *Block) Name() string   { return b.name }
func (b *Block) State() *StateBox { return b.state }
func (b *Block) VM() VM         { return b.vm }
func (b *Block) Limits() Limits { return b.limits }
func (b *Block) Counters() *Counters { return &b.counters }
func (b *Block) Exit() *ExitInfo { return &b.exit }
func (b *Block) Mailbox() *mailbox.Mailbox { return b.mailbox }

func (b *Block) Parent() Pid     { return b.parent }
func (b *Block) SetParent(p Pid) { b.parent = p }

func (b *Block) Supervisor() Pid     { return b.supervisor }
func (b *Block) SetSupervisor(p Pid) { b.supervisor = p }

// Load associates bytecode with the block's VM (spec §4.3 "load(code)
// associates bytecode"; spec §6 "fails if previously loaded").
func (b *Block) Load(bc *Bytecode) error {
	b.loadedMu.Lock()
	defer b.loadedMu.Unlock()
	if b.loaded {
		return errAlreadyLoaded
	}
	if err := b.vm.Load(bc); err != nil {
		return err
	}
	b.loaded = true
	return nil
}

// Grant additively widens the capability set (spec §6 "block_grant").
func (b *Block) Grant(c Capability) {
	b.caps.update(func(cs CapSet) CapSet { return cs.Grant(c) })
}

// Revoke narrows the capability set (spec §6 "block_revoke").
func (b *Block) Revoke(c Capability) {
	b.caps.update(func(cs CapSet) CapSet { return cs.Revoke(c) })
}

func (b *Block) HasCapability(c Capability) bool {
	return b.caps.load().Has(c)
}

func (b *Block) Capabilities() CapSet { return b.caps.load() }

// Link records pid in this block's link array; idempotent (spec §4.3
// "block_link... Duplicate links are idempotent"). The scheduler is
// responsible for the symmetric call on the other block.
func (b *Block) Link(pid Pid) {
	b.neighborMu.Lock()
	b.links[pid] = struct{}{}
	b.neighborMu.Unlock()
}

// Unlink removes pid from the link array; silently succeeds if absent
// (spec §4.3 "Demonitor is symmetric and silently succeeds if not present" —
// the same idempotence applies to unlink).
func (b *Block) Unlink(pid Pid) {
	b.neighborMu.Lock()
	delete(b.links, pid)
	b.neighborMu.Unlock()
}

// Linked snapshots the current link set under the neighbour mutex (spec
// §4.3 invariant: "reading them concurrently is permitted but requires a
// lock or a published length snapshot").
func (b *Block) Linked() []Pid {
	b.neighborMu.Lock()
	defer b.neighborMu.Unlock()
	out := make([]Pid, 0, len(b.links))
	for p := range b.links {
		out = append(out, p)
	}
	return out
}

// Monitor records pid in this block's monitors set (spec §4.3
// "block_monitor(A, B_pid) records B in A's monitors").
func (b *Block) Monitor(pid Pid) {
	b.neighborMu.Lock()
	b.monitors[pid] = struct{}{}
	b.neighborMu.Unlock()
}

func (b *Block) Demonitor(pid Pid) {
	b.neighborMu.Lock()
	delete(b.monitors, pid)
	b.neighborMu.Unlock()
}

func (b *Block) Monitors() []Pid {
	b.neighborMu.Lock()
	defer b.neighborMu.Unlock()
	out := make([]Pid, 0, len(b.monitors))
	for p := range b.monitors {
		out = append(out, p)
	}
	return out
}

// AddMonitoredBy records pid as observing this block (spec §4.3
// "block_add_monitored_by(B, A_pid) records A in B's monitored-by").
func (b *Block) AddMonitoredBy(pid Pid) {
	b.neighborMu.Lock()
	b.monitoredBy[pid] = struct{}{}
	b.neighborMu.Unlock()
}

func (b *Block) RemoveMonitoredBy(pid Pid) {
	b.neighborMu.Lock()
	delete(b.monitoredBy, pid)
	b.neighborMu.Unlock()
}

func (b *Block) MonitoredBy() []Pid {
	b.neighborMu.Lock()
	defer b.neighborMu.Unlock()
	out := make([]Pid, 0, len(b.monitoredBy))
	for p := range b.monitoredBy {
		out = append(out, p)
	}
	return out
}

// Send is the target-side send API (spec §4.3 "block_send(target, sender_pid,
// value)"): deep-copies into the target's isolated heap, constructs a
// message, and pushes it onto the mailbox, returning whether it was
// accepted.
func (b *Block) Send(sender Pid, v Value) bool {
	if v == nil {
		return false
	}
	if b.state.Load() == Dead {
		return false
	}
	copied := v.DeepCopy()
	res := b.mailbox.Push(sender, copied)
	if res == mailbox.SendOK {
		b.counters.MessagesReceived.Add(1)
		return true
	}
	return false
}

// Receive is the single-consumer pop (spec §4.3 "block_receive(block) is a
// single-consumer pop"). A receive on an empty mailbox returns (Invalid, nil, false);
// callers transition the block to Waiting in that case.
func (b *Block) Receive() (Pid, Value, bool) {
	msg := b.mailbox.Pop()
	if msg == nil {
		return Invalid, nil, false
	}
	return msg.Sender, msg.Value, true
}

func (b *Block) HasMessages() bool {
	return b.mailbox.HasMessages()
}

// SetTimer / ClearTimer carry the handle issued by the timer-wheel
// collaborator for receive-with-timeout (spec §5 "scheduled through a timer
// wheel").
func (b *Block) SetTimer(h TimerHandle) {
	b.timer = h
	b.hasTimer = true
}

func (b *Block) ClearTimer() {
	b.timer = 0
	b.hasTimer = false
}

func (b *Block) Timer() (TimerHandle, bool) {
	return b.timer, b.hasTimer
}

// SetTimeoutFired / TimeoutFired / ClearTimeoutFired carry the flag the timer
// wheel raises when a receive-with-timeout expires before a matching message
// arrives (spec §5 "Cancellation & timeouts": the wheel "flags timeout_fired"
// and "the VM then reads the flag on its next execution"). The VM contract
// reads this through the same Block the scheduler wakes, so a plain atomic
// flag is sufficient; no additional synchronisation is needed since the wake
// that follows already establishes happens-before with the VM's next Run.
func (b *Block) SetTimeoutFired()   { b.timeoutFired.Store(true) }
func (b *Block) TimeoutFired() bool { return b.timeoutFired.Load() }
func (b *Block) ClearTimeoutFired() { b.timeoutFired.Store(false) }

// PushSaved / DrainSaved manage the save queue for receive-with-pattern
// (spec §3 "a save queue for receive-with-pattern").
func (b *Block) PushSaved(e SaveQueueEntry) {
	b.saveQueue = append(b.saveQueue, e)
}

func (b *Block) DrainSaved() []SaveQueueEntry {
	out := b.saveQueue
	b.saveQueue = nil
	return out
}

// Exited marks the block Dead with an exit code, idempotently (spec §4.3
// "block_exit(block, code) sets state to DEAD and stores code... idempotent:
// a block already DEAD is untouched").
func (b *Block) Exited(code int) {
	if b.state.Kill() {
		b.exit.Set(code, "")
	}
}

// Crashed marks the block Dead with code 1 and a reason (spec §4.3
// "block_crash(block, reason) sets state to DEAD, stores code 1 and the
// reason string").
func (b *Block) Crashed(reason string) {
	if b.state.Kill() {
		b.exit.Set(1, reason)
	}
}

// Free releases the mailbox, heap, VM, and the three neighbour arrays (spec
// §4.3 "free releases mailbox, heap, VM, and the three neighbour arrays,
// destroying the neighbour mutex last"). In Go there is no explicit heap or
// mutex destruction; Free drops references so the GC can reclaim them, after
// draining any remaining mailbox contents.
func (b *Block) Free() {
	if b.mailbox != nil {
		b.mailbox.Free()
	}
	b.neighborMu.Lock()
	b.links = nil
	b.monitors = nil
	b.monitoredBy = nil
	b.neighborMu.Unlock()
	b.vm = nil
}

// SetNext / Next / SetPrev / Prev / OnQueue expose the intrusive run-queue
// linkage (spec §3 "run-queue linkage") to package scheduler, which owns the
// single-threaded global queue.
func (b *Block) SetNext(n *Block)   { b.next = n }
func (b *Block) Next() *Block       { return b.next }
func (b *Block) SetPrev(p *Block)   { b.prev = p }
func (b *Block) Prev() *Block       { return b.prev }
func (b *Block) SetOnQueue(v bool)  { b.onQueue = v }
func (b *Block) OnQueue() bool      { return b.onQueue }
