// Package timer implements the timer-wheel collaborator behind
// receive-with-timeout (spec §5 "Cancellation & timeouts"): "a receive with a
// timeout is scheduled through a timer wheel... on expiry the wheel flags
// timeout_fired... wakes the block... The VM then reads the flag on its next
// execution."
//
// This is a min-heap of deadlines driven by a single background goroutine
// sleeping until the next one, rather than a classic hashed/bucketed wheel:
// the block counts involved don't warrant bucket amortization, and
// container/heap is the standard idiom the rest of the pack reaches for when
// it needs a priority queue of deadlines (eventloop's timerHeap).
package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/kelpline/blockrt/internal/block"
)

// Waker is the narrow scheduler surface the wheel needs: flip the flag and
// get the block back onto a run queue (spec §5 "wakes the block (scheduler
// wake, as in a message send)").
type Waker interface {
	WakeBlock(pid block.Pid) bool
	GetBlock(pid block.Pid) (*block.Block, bool)
}

type entry struct {
	handle block.TimerHandle
	pid    block.Pid
	when   time.Time
	index  int
	live   bool
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Wheel holds every pending receive-timeout registration.
type Wheel struct {
	mu      sync.Mutex
	heap    entryHeap
	byHandle map[block.TimerHandle]*entry
	nextID  uint64
	waker   Waker
	wake    chan struct{}
}

// New builds a Wheel that wakes blocks through waker.
func New(waker Waker) *Wheel {
	return &Wheel{
		byHandle: make(map[block.TimerHandle]*entry),
		waker:    waker,
		wake:     make(chan struct{}, 1),
	}
}

// Register schedules pid's timeout d in the future and returns a handle the
// caller stores on the Block via SetTimer (spec §5 "the pending timer handle
// is stored on the Block"). Registering a zero or negative duration fires on
// the wheel's very next tick, matching an immediate-timeout receive.
func (w *Wheel) Register(pid block.Pid, d time.Duration) block.TimerHandle {
	w.mu.Lock()
	w.nextID++
	id := block.TimerHandle(w.nextID)
	e := &entry{handle: id, pid: pid, when: time.Now().Add(d), live: true}
	heap.Push(&w.heap, e)
	w.byHandle[id] = e
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return id
}

// Cancel removes a pending timer before it fires (spec §5 "a receive that
// completes before the timeout cancels the pending timer"). Returns false if
// the handle is unknown or already fired.
func (w *Wheel) Cancel(h block.TimerHandle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.byHandle[h]
	if !ok || !e.live {
		return false
	}
	delete(w.byHandle, h)
	if e.index >= 0 {
		heap.Remove(&w.heap, e.index)
	}
	e.live = false
	return true
}

// Run drives the wheel until ctx is cancelled, sleeping until the next
// deadline (or forever, if none is pending) and waking up early whenever
// Register shortens that wait.
func (w *Wheel) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		w.mu.Lock()
		var wait time.Duration
		if len(w.heap) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(w.heap[0].when)
			if wait < 0 {
				wait = 0
			}
		}
		w.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			continue
		case <-timer.C:
			w.fireExpired()
		}
	}
}

// fireExpired pops and delivers every entry whose deadline has passed.
func (w *Wheel) fireExpired() {
	now := time.Now()
	for {
		w.mu.Lock()
		if len(w.heap) == 0 || w.heap[0].when.After(now) {
			w.mu.Unlock()
			return
		}
		e := heap.Pop(&w.heap).(*entry)
		delete(w.byHandle, e.handle)
		w.mu.Unlock()

		if !e.live {
			continue
		}
		blk, ok := w.waker.GetBlock(e.pid)
		if !ok {
			continue
		}
		blk.ClearTimer()
		blk.SetTimeoutFired()
		w.waker.WakeBlock(e.pid)
	}
}
