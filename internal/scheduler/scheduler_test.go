package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kelpline/blockrt/internal/block"
	"github.com/kelpline/blockrt/internal/vmref"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxBlocks = 0
	return cfg
}

func mustBuild(t *testing.T, a *vmref.Assembler) *block.Bytecode {
	t.Helper()
	bc, err := a.Build()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return bc
}

// TestEcho implements spec §8 scenario 1: client sends "hello" to server,
// server echoes it back, client's next receive observes it from server.
func TestEcho(t *testing.T) {
	s := New(testConfig())

	serverCode := mustBuild(t, vmref.NewAssembler().
		Receive().
		Dup().GetField("pid").StoreGlobal("sender").
		Dup().GetField("value").StoreGlobal("val").
		Pop().
		LoadGlobal("sender").LoadGlobal("val").
		Send().Pop().
		Halt())

	serverPid, err := s.Spawn(serverCode, "server", block.NewCapSet(block.CapReceive, block.CapSend), block.DefaultLimits())
	if err != nil {
		t.Fatalf("spawn server: %v", err)
	}

	clientCode := mustBuild(t, vmref.NewAssembler().
		PushInt(int64(serverPid)).
		PushStr("hello").
		Send().Pop().
		Receive().
		Halt())
	clientPid, err := s.Spawn(clientCode, "client", block.NewCapSet(block.CapSend, block.CapReceive), block.DefaultLimits())
	if err != nil {
		t.Fatalf("spawn client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	clientBlk, _ := s.GetBlock(clientPid)
	top, ok := clientBlk.VM().Peek(0)
	if !ok {
		t.Fatal("expected client VM stack to have the echoed message")
	}
	msg, ok := top.(vmref.Map)
	if !ok {
		t.Fatalf("expected a Map, got %T", top)
	}
	if msg["value"] != vmref.Str("hello") {
		t.Fatalf("expected echoed value %q, got %v", "hello", msg["value"])
	}
	if msg["pid"] != vmref.Int(serverPid) {
		t.Fatalf("expected sender pid %d, got %v", serverPid, msg["pid"])
	}
}

// TestPingPong implements spec §8 scenario 2.
func TestPingPong(t *testing.T) {
	s := New(testConfig())

	pongCode := mustBuild(t, vmref.NewAssembler().
		Receive().
		Dup().GetField("pid").StoreGlobal("sender").
		Pop().
		LoadGlobal("sender").
		PushInt(999).
		Send().Pop().
		Halt())
	pongPid, err := s.Spawn(pongCode, "pong", block.NewCapSet(block.CapReceive, block.CapSend), block.DefaultLimits())
	if err != nil {
		t.Fatalf("spawn pong: %v", err)
	}

	pingCode := mustBuild(t, vmref.NewAssembler().
		PushInt(int64(pongPid)).
		PushInt(42).
		Send().Pop().
		Receive().
		Halt())
	pingPid, err := s.Spawn(pingCode, "ping", block.NewCapSet(block.CapSend, block.CapReceive), block.DefaultLimits())
	if err != nil {
		t.Fatalf("spawn ping: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	pingBlk, _ := s.GetBlock(pingPid)
	top, ok := pingBlk.VM().Peek(0)
	if !ok {
		t.Fatal("expected ping VM stack to hold pong's reply")
	}
	msg := top.(vmref.Map)
	if msg["value"] != vmref.Int(999) {
		t.Fatalf("expected reply value 999, got %v", msg["value"])
	}
}

// TestFairPreemption implements spec §8 scenario 3: three yield-looping
// blocks with a tiny reduction budget all remain alive after a bounded
// number of single-threaded steps, each having executed at least once.
func TestFairPreemption(t *testing.T) {
	cfg := testConfig()
	s := New(cfg)

	limits := block.DefaultLimits()
	limits.MaxReductions = 10

	var pids []block.Pid
	for i := 0; i < 3; i++ {
		code := mustBuild(t, vmref.NewAssembler().
			Label("loop").
			Yield().
			Jump("loop"))
		pid, err := s.Spawn(code, "", block.NewCapSet(), limits)
		if err != nil {
			t.Fatalf("spawn: %v", err)
		}
		pids = append(pids, pid)
	}

	ctx := context.Background()
	for i := 0; i < 30; i++ {
		s.Step(ctx)
	}

	for _, pid := range pids {
		blk, ok := s.GetBlock(pid)
		if !ok {
			t.Fatalf("block %d missing from registry", pid)
		}
		if blk.State().Load() == block.Dead {
			t.Fatalf("block %d unexpectedly dead", pid)
		}
		if blk.Counters().Reductions.Load() <= 0 {
			t.Fatalf("block %d executed zero reductions", pid)
		}
	}
}

// TestLinkPropagationAbnormal implements spec §8 scenario 4.
func TestLinkPropagationAbnormal(t *testing.T) {
	s := New(testConfig())

	code := mustBuild(t, vmref.NewAssembler().Halt())
	aPid, _ := s.Spawn(code, "a", block.NewCapSet(block.CapLink), block.DefaultLimits())
	bPid, _ := s.Spawn(code, "b", block.NewCapSet(block.CapLink), block.DefaultLimits())

	if !s.Link(aPid, bPid) {
		t.Fatal("expected link to succeed")
	}

	aBlk, _ := s.GetBlock(aPid)
	bBlk, _ := s.GetBlock(bPid)

	aBlk.Crashed("boom")
	s.PropagateExit(aBlk)

	if bBlk.State().Load() != block.Dead {
		t.Fatal("expected linked block b to be dead")
	}
	_, reason, _ := bBlk.Exit().Get()
	if !strings.Contains(reason, "linked process") {
		t.Fatalf("expected reason to mention linked process, got %q", reason)
	}

	// No subsequent step should execute b: it must never re-enter Runnable.
	if ok := s.wake(bBlk); ok {
		t.Fatal("a dead block must never be woken back to runnable")
	}
}

// TestMonitorWithoutLink implements spec §8 scenario 5.
func TestMonitorWithoutLink(t *testing.T) {
	s := New(testConfig())

	// a loops forever so it is never itself scheduled to completion; only
	// b is meant to halt during this test.
	aCode := mustBuild(t, vmref.NewAssembler().Label("loop").Yield().Jump("loop"))
	bCode := mustBuild(t, vmref.NewAssembler().Halt())
	aPid, _ := s.Spawn(aCode, "a", block.NewCapSet(block.CapMonitor), block.DefaultLimits())
	bPid, _ := s.Spawn(bCode, "b", block.NewCapSet(), block.DefaultLimits())

	if !s.Monitor(aPid, bPid) {
		t.Fatal("expected monitor to succeed")
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		s.Step(ctx)
	}

	aBlk, _ := s.GetBlock(aPid)
	bBlk, _ := s.GetBlock(bPid)

	if bBlk.State().Load() != block.Dead {
		t.Fatal("expected b to have halted")
	}
	if aBlk.State().Load() == block.Dead {
		t.Fatal("monitor must not crash the observer")
	}

	sender, val, ok := aBlk.Receive()
	if !ok {
		t.Fatal("expected a down message in a's mailbox")
	}
	if sender != bPid {
		t.Fatalf("expected down message sender %d, got %d", bPid, sender)
	}
	msg := val.(vmref.Map)
	if msg["type"] != vmref.Str("down") {
		t.Fatalf("expected type=down, got %v", msg["type"])
	}
	if msg["reason"] != vmref.Str("normal") {
		t.Fatalf("expected reason=normal, got %v", msg["reason"])
	}
}

// TestWorkStealingBurst implements a scaled-down form of spec §8 scenario 7:
// a burst of yielding blocks across several workers all reach Dead exactly
// once, and total_terminated matches total_spawned.
func TestWorkStealingBurst(t *testing.T) {
	cfg := testConfig()
	cfg.NumWorkers = 4
	cfg.EnableStealing = true
	s := New(cfg)

	const n = 300
	for i := 0; i < n; i++ {
		code := mustBuild(t, vmref.NewAssembler().Yield().Yield().Yield().Halt())
		if _, err := s.Spawn(code, "", block.NewCapSet(), block.DefaultLimits()); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	st := s.Stats()
	if st.Registry.TotalTerminated != int64(n) {
		t.Fatalf("expected %d terminated, got %d", n, st.Registry.TotalTerminated)
	}
	if st.Registry.TotalSpawned != int64(n) {
		t.Fatalf("expected %d spawned, got %d", n, st.Registry.TotalSpawned)
	}

	var executed int64
	for _, w := range st.Workers {
		executed += w.BlocksExecuted
	}
	if executed < int64(n) {
		t.Fatalf("expected workers to have executed at least %d slices total, got %d", n, executed)
	}
}

// TestCapabilityDenialCrashesActor covers spec §4.1: a block attempting a
// privileged op without the capability crashes with "missing capability".
func TestCapabilityDenialCrashesActor(t *testing.T) {
	s := New(testConfig())
	code := mustBuild(t, vmref.NewAssembler().Halt())
	noSendPid, _ := s.Spawn(code, "", block.NewCapSet(), block.DefaultLimits())
	targetPid, _ := s.Spawn(code, "", block.NewCapSet(block.CapReceive), block.DefaultLimits())

	if ok := s.Send(targetPid, noSendPid, vmref.Int(1)); ok {
		t.Fatal("expected send without SEND capability to fail")
	}

	blk, _ := s.GetBlock(noSendPid)
	if blk.State().Load() != block.Dead {
		t.Fatal("expected actor to be crashed for missing capability")
	}
	_, reason, _ := blk.Exit().Get()
	if !strings.Contains(reason, "missing capability: SEND") {
		t.Fatalf("expected capability-denial reason, got %q", reason)
	}
}

// TestCapabilityDenialWithTrapExitReturnsFailure covers spec §4.1's
// TRAP_EXIT exception: the caller observes a failure value instead of a
// crash.
func TestCapabilityDenialWithTrapExitReturnsFailure(t *testing.T) {
	s := New(testConfig())
	code := mustBuild(t, vmref.NewAssembler().Halt())
	actorPid, _ := s.Spawn(code, "", block.NewCapSet(block.CapTrapExit), block.DefaultLimits())
	targetPid, _ := s.Spawn(code, "", block.NewCapSet(block.CapReceive), block.DefaultLimits())

	if ok := s.Send(targetPid, actorPid, vmref.Int(1)); ok {
		t.Fatal("expected send without SEND capability to fail")
	}

	blk, _ := s.GetBlock(actorPid)
	if blk.State().Load() == block.Dead {
		t.Fatal("TRAP_EXIT holder must not be crashed on capability denial")
	}
}

// TestKillIdempotent covers spec §8's "Spawn-kill: kill is idempotent" law.
func TestKillIdempotent(t *testing.T) {
	s := New(testConfig())
	code := mustBuild(t, vmref.NewAssembler().
		Label("loop").Yield().Jump("loop"))
	pid, _ := s.Spawn(code, "", block.NewCapSet(), block.DefaultLimits())

	s.Kill(pid)
	blk, _ := s.GetBlock(pid)
	if blk.State().Load() != block.Dead {
		t.Fatal("expected block dead after kill")
	}
	terminatedBefore := s.Registry().Stats().TotalTerminated
	s.Kill(pid) // second kill must be a no-op
	if s.Registry().Stats().TotalTerminated != terminatedBefore {
		t.Fatal("second kill must not double-count termination")
	}
}

// TestMonitorDemonitorRoundTrip covers spec §8's monitor/demonitor law.
func TestMonitorDemonitorRoundTrip(t *testing.T) {
	s := New(testConfig())
	code := mustBuild(t, vmref.NewAssembler().Halt())
	aPid, _ := s.Spawn(code, "a", block.NewCapSet(block.CapMonitor), block.DefaultLimits())
	bPid, _ := s.Spawn(code, "b", block.NewCapSet(), block.DefaultLimits())

	s.Monitor(aPid, bPid)
	s.Demonitor(aPid, bPid)

	aBlk, _ := s.GetBlock(aPid)
	if len(aBlk.Monitors()) != 0 {
		t.Fatal("expected monitor set restored to empty after demonitor")
	}
}
