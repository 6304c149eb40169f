package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kelpline/blockrt/internal/block"
)

type intValue int

func (v intValue) DeepCopy() block.Value { return v }

func TestPushPopFIFO(t *testing.T) {
	mb := New(0, 0, DropNew)
	for i := 0; i < 10; i++ {
		if res := mb.Push(block.Pid(1), intValue(i)); res != SendOK {
			t.Fatalf("push %d: got %v", i, res)
		}
	}
	for i := 0; i < 10; i++ {
		msg := mb.Pop()
		if msg == nil {
			t.Fatalf("pop %d: got nil", i)
		}
		if got := int(msg.Value.(intValue)); got != i {
			t.Fatalf("pop %d: want %d got %d", i, i, got)
		}
	}
	if msg := mb.Pop(); msg != nil {
		t.Fatalf("expected empty mailbox, got %v", msg.Value)
	}
}

func TestConcurrentProducersSingleConsumer(t *testing.T) {
	mb := New(0, 0, DropNew)
	const producers = 8
	const perProducer = 500
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for mb.Push(block.Pid(p), intValue(i)) != SendOK {
				}
			}
		}(p)
	}

	received := 0
	done := make(chan struct{})
	go func() {
		for received < producers*perProducer {
			if msg := mb.Pop(); msg != nil {
				received++
				_ = msg.Value
			}
		}
		close(done)
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("consumer stalled: received %d/%d", received, producers*perProducer)
	}
	if received != producers*perProducer {
		t.Fatalf("want %d received %d", producers*perProducer, received)
	}
}

func TestOverflowDropNew(t *testing.T) {
	mb := New(2, 0, DropNew)
	mb.Push(block.Pid(1), intValue(1))
	mb.Push(block.Pid(1), intValue(2))
	res := mb.Push(block.Pid(1), intValue(3))
	if res != SendFull {
		t.Fatalf("want SendFull got %v", res)
	}
	if mb.DroppedCount() != 1 {
		t.Fatalf("want dropped 1 got %d", mb.DroppedCount())
	}
	msg := mb.Pop()
	if got := int(msg.Value.(intValue)); got != 1 {
		t.Fatalf("DROP_NEW should keep oldest; want 1 got %d", got)
	}
}

func TestOverflowDropOld(t *testing.T) {
	mb := New(2, 0, DropOld)
	mb.Push(block.Pid(1), intValue(1))
	mb.Push(block.Pid(1), intValue(2))
	res := mb.Push(block.Pid(1), intValue(3))
	if res != SendOK {
		t.Fatalf("want SendOK got %v", res)
	}
	if mb.DroppedCount() != 1 {
		t.Fatalf("want dropped 1 got %d", mb.DroppedCount())
	}
	if mb.Count() != 2 {
		t.Fatalf("want count 2 (2, 3 live) got %d", mb.Count())
	}
	msg := mb.Pop()
	if got := int(msg.Value.(intValue)); got != 2 {
		t.Fatalf("DROP_OLD should evict oldest; want head=2 got %d", got)
	}
	if mb.Count() != 1 {
		t.Fatalf("want count 1 after pop got %d", mb.Count())
	}
}

func TestOverflowBlockSender(t *testing.T) {
	mb := New(1, 0, BlockSender)
	mb.Push(block.Pid(1), intValue(1))
	if res := mb.Push(block.Pid(1), intValue(2)); res != SendWouldBlock {
		t.Fatalf("want SendWouldBlock got %v", res)
	}
}

func TestReceiveTimeoutWakesOnPush(t *testing.T) {
	mb := New(0, 0, DropNew)
	go func() {
		time.Sleep(20 * time.Millisecond)
		mb.Push(block.Pid(1), intValue(42))
	}()
	msg := mb.ReceiveTimeout(context.Background(), time.Second)
	if msg == nil {
		t.Fatal("expected a message before timeout")
	}
	if got := int(msg.Value.(intValue)); got != 42 {
		t.Fatalf("want 42 got %d", got)
	}
}

func TestReceiveTimeoutExpires(t *testing.T) {
	mb := New(0, 0, DropNew)
	start := time.Now()
	msg := mb.ReceiveTimeout(context.Background(), 30*time.Millisecond)
	if msg != nil {
		t.Fatalf("expected nil on timeout, got %v", msg.Value)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestReceiveTimeoutCanceledByContext(t *testing.T) {
	mb := New(0, 0, DropNew)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	msg := mb.ReceiveTimeout(ctx, time.Second)
	if msg != nil {
		t.Fatalf("expected nil on cancellation, got %v", msg.Value)
	}
}

func TestHasMessages(t *testing.T) {
	mb := New(0, 0, DropNew)
	if mb.HasMessages() {
		t.Fatal("expected empty mailbox to report no messages")
	}
	mb.Push(block.Pid(1), intValue(1))
	if !mb.HasMessages() {
		t.Fatal("expected non-empty mailbox to report messages")
	}
}
