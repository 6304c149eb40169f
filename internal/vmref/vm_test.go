package vmref

import (
	"context"
	"testing"

	"github.com/kelpline/blockrt/internal/block"
	"github.com/kelpline/blockrt/internal/mailbox"
)

// fakeScheduler routes Send/Receive directly at a set of mailboxes, enough
// to drive the reference VM in isolation without the full scheduler package.
type fakeScheduler struct {
	mailboxes map[block.Pid]*mailbox.Mailbox
}

func (f *fakeScheduler) Send(target, sender block.Pid, v block.Value) bool {
	mb, ok := f.mailboxes[target]
	if !ok {
		return false
	}
	return mb.Push(sender, v) == mailbox.SendOK
}

func (f *fakeScheduler) Spawn(bc *block.Bytecode, name string, caps block.CapSet, limits block.Limits) (block.Pid, error) {
	return block.Invalid, nil
}
func (f *fakeScheduler) Link(a, b block.Pid) bool                          { return true }
func (f *fakeScheduler) Unlink(a, b block.Pid) bool                        { return true }
func (f *fakeScheduler) Monitor(o, t block.Pid) bool                       { return true }
func (f *fakeScheduler) Demonitor(o, t block.Pid) bool                     { return true }
func (f *fakeScheduler) Kill(p block.Pid)                                  {}
func (f *fakeScheduler) HasCapability(p block.Pid, c block.Capability) bool { return true }

func (f *fakeScheduler) Receive(self block.Pid) (block.Pid, block.Value, bool) {
	mb, ok := f.mailboxes[self]
	if !ok {
		return block.Invalid, nil, false
	}
	msg := mb.Pop()
	if msg == nil {
		return block.Invalid, nil, false
	}
	return msg.Sender, msg.Value, true
}

func TestAssemblerRunsPushIntHalt(t *testing.T) {
	bc, err := NewAssembler().PushInt(42).Halt().Build()
	if err != nil {
		t.Fatal(err)
	}
	vm := New()
	vm.SetReductionLimit(1000)
	if err := vm.Load(bc); err != nil {
		t.Fatal(err)
	}
	if res := vm.Run(context.Background()); res != block.StepHalted {
		t.Fatalf("want StepHalted got %v", res)
	}
	top, ok := vm.Peek(0)
	if !ok || top.(Int) != 42 {
		t.Fatalf("want top=42 got %v ok=%v", top, ok)
	}
}

func TestYieldPreservesProgramCounter(t *testing.T) {
	bc, err := NewAssembler().
		Label("loop").
		Yield().
		Jump("loop").
		Build()
	if err != nil {
		t.Fatal(err)
	}
	vm := New()
	vm.SetReductionLimit(10)
	if err := vm.Load(bc); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 30; i++ {
		res := vm.Run(context.Background())
		if res != block.StepYield {
			t.Fatalf("iteration %d: want StepYield got %v", i, res)
		}
		if vm.Reductions() == 0 {
			t.Fatalf("iteration %d: expected reductions > 0", i)
		}
		// The first slice runs YIELD alone; every later slice resumes at the
		// JUMP after it, so it runs JUMP then YIELD.
		want := int64(2)
		if i == 0 {
			want = 1
		}
		if vm.Reductions() != want {
			t.Fatalf("iteration %d: reductions = %d, want %d", i, vm.Reductions(), want)
		}
	}
}

// TestEchoScenario mirrors spec §8 scenario 1: client sends "hello" to
// server; server echoes the value back to whichever pid sent it.
func TestEchoScenario(t *testing.T) {
	const serverPid, clientPid = block.Pid(1), block.Pid(2)
	sched := &fakeScheduler{mailboxes: map[block.Pid]*mailbox.Mailbox{
		serverPid: mailbox.New(0, 0, mailbox.DropNew),
		clientPid: mailbox.New(0, 0, mailbox.DropNew),
	}}

	clientBC, err := NewAssembler().
		PushInt(int64(serverPid)).
		PushStr("hello").
		Send().
		Pop().
		Receive().
		Halt().
		Build()
	if err != nil {
		t.Fatal(err)
	}
	clientVM := New()
	clientVM.SetReductionLimit(1000)
	clientVM.SetScheduler(sched)
	clientVM.SetSelf(clientPid)
	if err := clientVM.Load(clientBC); err != nil {
		t.Fatal(err)
	}
	if res := clientVM.Run(context.Background()); res != block.StepWaiting {
		t.Fatalf("client: want StepWaiting before server responds, got %v", res)
	}

	echoBC, err := NewAssembler().
		Receive().
		Dup().
		GetField("pid").
		StoreGlobal("target").
		GetField("value").
		StoreGlobal("val").
		LoadGlobal("target").
		LoadGlobal("val").
		Send().
		Pop().
		Halt().
		Build()
	if err != nil {
		t.Fatal(err)
	}
	serverVM := New()
	serverVM.SetReductionLimit(1000)
	serverVM.SetScheduler(sched)
	serverVM.SetSelf(serverPid)
	if err := serverVM.Load(echoBC); err != nil {
		t.Fatal(err)
	}
	if res := serverVM.Run(context.Background()); res != block.StepHalted {
		t.Fatalf("server: want StepHalted got %v (err=%s)", res, serverVM.Error())
	}

	if res := clientVM.Run(context.Background()); res != block.StepHalted {
		t.Fatalf("client: want StepHalted after server reply, got %v (err=%s)", res, clientVM.Error())
	}
	top, ok := clientVM.Peek(0)
	if !ok {
		t.Fatal("client: expected a message on the stack")
	}
	msg, ok := top.(Map)
	if !ok {
		t.Fatalf("client: expected a Map, got %T", top)
	}
	if got := string(msg["value"].(Str)); got != "hello" {
		t.Fatalf("want value=hello got %v", got)
	}
	if got := block.Pid(msg["pid"].(Int)); got != serverPid {
		t.Fatalf("want sender=%d got %d", serverPid, got)
	}
}

// TestPingPongScenario mirrors spec §8 scenario 2.
func TestPingPongScenario(t *testing.T) {
	const pingPid, pongPid = block.Pid(10), block.Pid(20)
	sched := &fakeScheduler{mailboxes: map[block.Pid]*mailbox.Mailbox{
		pingPid: mailbox.New(0, 0, mailbox.DropNew),
		pongPid: mailbox.New(0, 0, mailbox.DropNew),
	}}

	pongBC, err := NewAssembler().
		Receive().
		GetField("pid").
		StoreGlobal("target").
		LoadGlobal("target").
		PushInt(999).
		Send().
		Pop().
		Halt().
		Build()
	if err != nil {
		t.Fatal(err)
	}
	pongVM := New()
	pongVM.SetReductionLimit(1000)
	pongVM.SetScheduler(sched)
	pongVM.SetSelf(pongPid)
	if err := pongVM.Load(pongBC); err != nil {
		t.Fatal(err)
	}

	pingBC, err := NewAssembler().
		PushInt(int64(pongPid)).
		PushInt(42).
		Send().
		Pop().
		Receive().
		Halt().
		Build()
	if err != nil {
		t.Fatal(err)
	}
	pingVM := New()
	pingVM.SetReductionLimit(1000)
	pingVM.SetScheduler(sched)
	pingVM.SetSelf(pingPid)
	if err := pingVM.Load(pingBC); err != nil {
		t.Fatal(err)
	}

	if res := pingVM.Run(context.Background()); res != block.StepWaiting {
		t.Fatalf("ping: want StepWaiting got %v", res)
	}
	if res := pongVM.Run(context.Background()); res != block.StepHalted {
		t.Fatalf("pong: want StepHalted got %v (err=%s)", res, pongVM.Error())
	}
	if res := pingVM.Run(context.Background()); res != block.StepHalted {
		t.Fatalf("ping: want StepHalted got %v (err=%s)", res, pingVM.Error())
	}

	top, ok := pingVM.Peek(0)
	if !ok {
		t.Fatal("ping: expected a message on the stack")
	}
	msg, ok := top.(Map)
	if !ok {
		t.Fatalf("ping: expected a Map, got %T", top)
	}
	if got := int64(msg["value"].(Int)); got != 999 {
		t.Fatalf("want value=999 got %d", got)
	}
}
