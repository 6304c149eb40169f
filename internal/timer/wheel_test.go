package timer

import (
	"context"
	"testing"
	"time"

	"github.com/kelpline/blockrt/internal/block"
)

type fakeWaker struct {
	blocks map[block.Pid]*block.Block
	woken  chan block.Pid
}

func newFakeWaker() *fakeWaker {
	return &fakeWaker{blocks: make(map[block.Pid]*block.Block), woken: make(chan block.Pid, 8)}
}

func (f *fakeWaker) GetBlock(pid block.Pid) (*block.Block, bool) {
	b, ok := f.blocks[pid]
	return b, ok
}

func (f *fakeWaker) WakeBlock(pid block.Pid) bool {
	f.woken <- pid
	return true
}

func testBlock(pid block.Pid) *block.Block {
	return block.New(pid, "", block.DefaultLimits(), block.NewCapSet(), nil, nil)
}

func TestWheelFiresAfterDuration(t *testing.T) {
	waker := newFakeWaker()
	blk := testBlock(1)
	waker.blocks[1] = blk

	w := New(waker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	blk.SetTimer(w.Register(1, 20*time.Millisecond))

	select {
	case pid := <-waker.woken:
		if pid != 1 {
			t.Fatalf("woke pid %d, want 1", pid)
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	if !blk.TimeoutFired() {
		t.Fatal("expected timeout_fired flag to be set")
	}
}

func TestWheelCancel(t *testing.T) {
	waker := newFakeWaker()
	blk := testBlock(1)
	waker.blocks[1] = blk

	w := New(waker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	h := w.Register(1, 50*time.Millisecond)
	blk.SetTimer(h)
	if !w.Cancel(h) {
		t.Fatal("expected cancel to succeed")
	}
	blk.ClearTimer()

	select {
	case pid := <-waker.woken:
		t.Fatalf("cancelled timer still fired for pid %d", pid)
	case <-time.After(100 * time.Millisecond):
	}
	if blk.TimeoutFired() {
		t.Fatal("timeout_fired should not be set after cancellation")
	}
}

func TestWheelOrdersMultipleDeadlines(t *testing.T) {
	waker := newFakeWaker()
	waker.blocks[1] = testBlock(1)
	waker.blocks[2] = testBlock(2)

	w := New(waker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Register(2, 40*time.Millisecond)
	w.Register(1, 10*time.Millisecond)

	first := <-waker.woken
	if first != 1 {
		t.Fatalf("first wake = %d, want 1 (shorter deadline)", first)
	}
	second := <-waker.woken
	if second != 2 {
		t.Fatalf("second wake = %d, want 2", second)
	}
}
