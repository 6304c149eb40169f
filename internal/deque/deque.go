// Package deque implements the Chase-Lev work-stealing deque (spec §4.6):
// one owner pushing/popping LIFO from the bottom, any number of thieves
// stealing FIFO from the top, backed by a growable circular buffer and an
// epoch-tagged retired-buffer list.
//
// Go's garbage collector already makes it memory-safe for a thief to read a
// buffer slot after the owner has grown past it — nothing is ever manually
// freed here. The epoch bookkeeping (retire on grow, reclaim once the epoch
// has advanced by two) is kept anyway because the spec calls for it as an
// observable structure (§6 "epoch distance to safe-reclaim >= 2"); in this
// implementation "reclaim" just means dropping the last Go reference to the
// old buffer so it becomes collectible, not an unsafe free.
package deque

import (
	"sync/atomic"

	"github.com/kelpline/blockrt/internal/block"
)

const defaultCapacity = 64

type buffer struct {
	data []atomic.Pointer[block.Block]
}

func newBuffer(capacity int64) *buffer {
	return &buffer{data: make([]atomic.Pointer[block.Block], capacity)}
}

func (b *buffer) capacity() int64 { return int64(len(b.data)) }

func (b *buffer) at(i int64) *block.Block {
	return b.data[i%b.capacity()].Load()
}

func (b *buffer) set(i int64, v *block.Block) {
	b.data[i%b.capacity()].Store(v)
}

type retired struct {
	buf   *buffer
	epoch int64
}

// Deque is one worker's own Chase-Lev deque (spec §3 "Work-stealing deque
// (multi-threaded mode)").
type Deque struct {
	top    atomic.Int64 // thief-side, monotonically incremented
	bottom atomic.Int64 // owner-side
	buf    atomic.Pointer[buffer]

	epoch atomic.Int64

	// retiredList is owner-only: grown and reclaimed exclusively from Push,
	// which only the owning worker ever calls.
	retiredList []retired

	growCount      atomic.Int64
	reclaimedCount atomic.Int64
}

func New() *Deque {
	d := &Deque{}
	d.buf.Store(newBuffer(defaultCapacity))
	return d
}

// Push is owner-only (spec §4.6 "Push (owner)").
func (d *Deque) Push(v *block.Block) {
	b := d.bottom.Load()
	t := d.top.Load()
	buf := d.buf.Load()
	if b-t >= buf.capacity()-1 {
		buf = d.grow(buf, t, b)
	}
	buf.set(b, v)
	d.bottom.Store(b + 1)
}

// grow doubles the buffer, copies the live range [t, b), retires the old
// buffer tagged with the epoch at retirement, advances the epoch, then
// opportunistically reclaims anything now at least two epochs behind (spec
// §4.6 "Growth").
func (d *Deque) grow(oldBuf *buffer, t, b int64) *buffer {
	newBuf := newBuffer(oldBuf.capacity() * 2)
	for i := t; i < b; i++ {
		newBuf.set(i, oldBuf.at(i))
	}
	d.buf.Store(newBuf)
	priorEpoch := d.epoch.Load()
	d.retiredList = append(d.retiredList, retired{buf: oldBuf, epoch: priorEpoch})
	d.epoch.Add(1)
	d.growCount.Add(1)
	d.reclaimRetired()
	return newBuf
}

func (d *Deque) reclaimRetired() {
	current := d.epoch.Load()
	kept := d.retiredList[:0]
	for _, r := range d.retiredList {
		if current-r.epoch >= 2 {
			d.reclaimedCount.Add(1)
			continue
		}
		kept = append(kept, r)
	}
	d.retiredList = kept
}

// Pop is owner-only (spec §4.6 "Pop (owner)").
func (d *Deque) Pop() (*block.Block, bool) {
	b := d.bottom.Load() - 1
	d.bottom.Store(b)

	t := d.top.Load()
	if t > b {
		// Empty: restore bottom to the canonical empty state.
		d.bottom.Store(t)
		return nil, false
	}

	buf := d.buf.Load()
	item := buf.at(b)

	if t == b {
		// Last element: race a thief for it.
		won := d.top.CompareAndSwap(t, t+1)
		d.bottom.Store(b + 1)
		if !won {
			return nil, false
		}
		return item, true
	}

	d.bottom.Store(b + 1)
	return item, true
}

// Steal is called by any thief (spec §4.6 "Steal (thief)").
func (d *Deque) Steal() (*block.Block, bool) {
	t := d.top.Load()
	b := d.bottom.Load()
	if t >= b {
		return nil, false
	}
	buf := d.buf.Load()
	item := buf.at(t)
	if !d.top.CompareAndSwap(t, t+1) {
		return nil, false
	}
	return item, true
}

// Len is an approximate size, for statistics only (spec: counters are
// "relaxed (statistical use only)").
func (d *Deque) Len() int64 {
	b := d.bottom.Load()
	t := d.top.Load()
	if b < t {
		return 0
	}
	return b - t
}

// Stats exposes the epoch bookkeeping for tests and introspection.
type Stats struct {
	GrowCount      int64
	ReclaimedCount int64
	Epoch          int64
	Len            int64
}

func (d *Deque) Stats() Stats {
	return Stats{
		GrowCount:      d.growCount.Load(),
		ReclaimedCount: d.reclaimedCount.Load(),
		Epoch:          d.epoch.Load(),
		Len:            d.Len(),
	}
}
