package registry

import (
	"context"
	"time"

	"github.com/kelpline/blockrt/internal/block"
)

// Reaper periodically removes DEAD blocks from the registry once they hold
// no live link, monitor, or supervisor relation (spec §9 "Open question:
// registry entry lifetime after block death" — "An implementation may impose
// a reaper with a grace period; it MUST NOT reap a block while any alive
// block holds it in a link, monitor, or supervisor relation"). It is opt-in:
// the default behavior matches the source, which retains DEAD blocks until
// scheduler teardown.
type Reaper struct {
	reg          *Registry
	interval     time.Duration
	gracePeriod  time.Duration
	deadSince    map[block.Pid]time.Time
}

// NewReaper constructs a reaper that sweeps every interval, reclaiming a
// dead block once it has held no neighbour relations for at least
// gracePeriod.
func NewReaper(reg *Registry, interval, gracePeriod time.Duration) *Reaper {
	return &Reaper{
		reg:         reg,
		interval:    interval,
		gracePeriod: gracePeriod,
		deadSince:   make(map[block.Pid]time.Time),
	}
}

// Run blocks, sweeping on each tick until ctx is cancelled. Nothing in the
// module starts a Reaper; the registry.reap_dead_entries config key is
// loaded but not read by any component.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Reaper) sweep(now time.Time) {
	var toReap []block.Pid

	r.reg.ForEach(func(blk *block.Block) {
		pid := blk.Pid()
		if blk.State().Load() != block.Dead {
			delete(r.deadSince, pid)
			return
		}
		if !reapable(blk) {
			delete(r.deadSince, pid)
			return
		}
		since, tracked := r.deadSince[pid]
		if !tracked {
			r.deadSince[pid] = now
			return
		}
		if now.Sub(since) >= r.gracePeriod {
			toReap = append(toReap, pid)
		}
	})

	for _, pid := range toReap {
		delete(r.deadSince, pid)
		r.reg.Remove(pid)
	}
}

// reapable reports whether a dead block holds no relation that would make
// reclaiming it observable to a still-alive neighbour.
func reapable(blk *block.Block) bool {
	if blk.Supervisor().Valid() {
		return false
	}
	if len(blk.Linked()) > 0 {
		return false
	}
	if len(blk.Monitors()) > 0 {
		return false
	}
	if len(blk.MonitoredBy()) > 0 {
		return false
	}
	return true
}
