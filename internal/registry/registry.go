// Package registry implements the sharded block registry (spec §3 "Block
// registry", §4.4 "Reserve a registry slot"): a pid -> *Block map split into
// 64 independently-locked shards, with O(1) concurrent lookup and a
// TOCTOU-safe population cap.
//
// The spec describes a hand-rolled open hash table per shard (bucket index,
// 0.75 load-factor doubling). Go's native map already implements bucket
// growth and amortized O(1) lookup internally, so each shard here is a plain
// `map[block.Pid]*block.Block` guarded by its own mutex rather than a
// reimplementation of the bucket array — reimplementing what the runtime map
// already does well would not be idiomatic Go.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/kelpline/blockrt/internal/block"
)

const shardCount = 64

type shard struct {
	mu     sync.RWMutex
	blocks map[block.Pid]*block.Block
}

// Registry is the sharded pid -> *Block map (spec §3 "Shard index = pid mod
// 64").
type Registry struct {
	shards    [shardCount]shard
	maxBlocks int64

	totalCount      atomic.Int64
	totalSpawned    atomic.Int64
	totalTerminated atomic.Int64
}

// New constructs an empty registry. maxBlocks <= 0 means unbounded (spec §6
// configuration defaults: "max_blocks = 10 000" is the installation's
// default, not the core's only legal value).
func New(maxBlocks int64) *Registry {
	r := &Registry{maxBlocks: maxBlocks}
	for i := range r.shards {
		r.shards[i].blocks = make(map[block.Pid]*block.Block)
	}
	return r
}

func shardIndex(pid block.Pid) uint64 {
	return uint64(pid) % shardCount
}

// Reserve performs the optimistic compare-and-swap against total_count
// before insertion, so a burst of concurrent spawns can never overshoot
// max_blocks (spec §4.4 step 5: "This avoids a TOCTOU overflow between the
// count check and the insert"). Callers that fail to complete the insert
// afterward must call Release to give the slot back.
func (r *Registry) Reserve() bool {
	for {
		cur := r.totalCount.Load()
		if r.maxBlocks > 0 && cur >= r.maxBlocks {
			return false
		}
		if r.totalCount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release gives back a slot reserved via Reserve but never inserted (spec
// §4.4 step 5: "on insert failure, subtract the reservation").
func (r *Registry) Release() {
	r.totalCount.Add(-1)
}

// Insert places an already-reserved block into its shard.
func (r *Registry) Insert(blk *block.Block) {
	s := &r.shards[shardIndex(blk.Pid())]
	s.mu.Lock()
	s.blocks[blk.Pid()] = blk
	s.mu.Unlock()
	r.totalSpawned.Add(1)
}

// Get performs the O(1) concurrent lookup (spec §4.4 "scheduler_get_block
// reads the shard, takes its mutex, walks the bucket"). Returns (nil, false)
// for block.Invalid or a missing pid.
func (r *Registry) Get(pid block.Pid) (*block.Block, bool) {
	if !pid.Valid() {
		return nil, false
	}
	s := &r.shards[shardIndex(pid)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	blk, ok := s.blocks[pid]
	return blk, ok
}

// Remove deletes pid from the registry and frees its reserved slot. Used by
// the optional reaper (spec §9 "an implementation may impose a reaper").
func (r *Registry) Remove(pid block.Pid) {
	s := &r.shards[shardIndex(pid)]
	s.mu.Lock()
	_, existed := s.blocks[pid]
	delete(s.blocks, pid)
	s.mu.Unlock()
	if existed {
		r.totalCount.Add(-1)
	}
}

// IncTerminated records one more terminated block for the quiescence check
// (spec §8 invariant 7: "scheduler_run returns only when total_terminated >=
// total_spawned").
func (r *Registry) IncTerminated() {
	r.totalTerminated.Add(1)
}

// ForEach walks every live entry across all shards, taking each shard's read
// lock in turn (never all shards at once). Used by the reaper and by
// statistics collection.
func (r *Registry) ForEach(fn func(*block.Block)) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		snapshot := make([]*block.Block, 0, len(s.blocks))
		for _, blk := range s.blocks {
			snapshot = append(snapshot, blk)
		}
		s.mu.RUnlock()
		for _, blk := range snapshot {
			fn(blk)
		}
	}
}

// ShardStats reports one shard's population, mirroring the teacher's
// HubStats/ShardStats shape.
type ShardStats struct {
	Index int
	Count int
}

// Stats is the registry's aggregate population snapshot.
type Stats struct {
	TotalCount      int64
	TotalSpawned    int64
	TotalTerminated int64
	Shards          [shardCount]ShardStats
}

func (r *Registry) Stats() Stats {
	st := Stats{
		TotalCount:      r.totalCount.Load(),
		TotalSpawned:    r.totalSpawned.Load(),
		TotalTerminated: r.totalTerminated.Load(),
	}
	for i := range r.shards {
		r.shards[i].mu.RLock()
		st.Shards[i] = ShardStats{Index: i, Count: len(r.shards[i].blocks)}
		r.shards[i].mu.RUnlock()
	}
	return st
}
