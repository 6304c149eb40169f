package scheduler

import (
	"sync"

	"github.com/kelpline/blockrt/internal/block"
)

// runQueue is the single-threaded mode's intrusive doubly-linked global run
// queue (spec §3 "Run queue (single-threaded mode)"): pushes append at the
// tail, pops remove from the head, and removal from the middle is O(1) via
// the block's own Next/Prev linkage.
type runQueue struct {
	mu         sync.Mutex
	head, tail *block.Block
	count      int
}

func (q *runQueue) push(b *block.Block) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b.OnQueue() {
		return
	}
	b.SetNext(nil)
	b.SetPrev(q.tail)
	if q.tail != nil {
		q.tail.SetNext(b)
	} else {
		q.head = b
	}
	q.tail = b
	b.SetOnQueue(true)
	q.count++
}

func (q *runQueue) pop() (*block.Block, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == nil {
		return nil, false
	}
	b := q.head
	q.head = b.Next()
	if q.head != nil {
		q.head.SetPrev(nil)
	} else {
		q.tail = nil
	}
	b.SetNext(nil)
	b.SetPrev(nil)
	b.SetOnQueue(false)
	q.count--
	return b, true
}

// remove is the O(1) middle removal spec §3 calls out explicitly, used by
// scheduler_kill against a block that is currently Runnable.
func (q *runQueue) remove(b *block.Block) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !b.OnQueue() {
		return false
	}
	prev, next := b.Prev(), b.Next()
	if prev != nil {
		prev.SetNext(next)
	} else {
		q.head = next
	}
	if next != nil {
		next.SetPrev(prev)
	} else {
		q.tail = prev
	}
	b.SetNext(nil)
	b.SetPrev(nil)
	b.SetOnQueue(false)
	q.count--
	return true
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
