// Package procgroup implements the named-process-group registry
// collaborator (spec §4.3 glossary "name: an optional human-readable string
// attached to a block at spawn time", generalized into a lookup service a
// privileged instruction or the admin plane can use to resolve a name to a
// pid without scanning the whole block registry).
//
// The cache-aside shape — check the cache, fall back to a miss, repopulate —
// mirrors the teacher's PeerEnricher.ResolvePeer (service/peer_enricher.go),
// narrowed here to a bounded in-memory name->pid table instead of an
// upstream gRPC lookup, since process-group membership in this runtime never
// leaves the local scheduler.
package procgroup

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kelpline/blockrt/internal/block"
)

// Registry maps block names to pids, bounded by an LRU eviction policy so a
// long-running system with high spawn/name churn doesn't grow the table
// without limit. Evicting the entry for a still-live block makes its name
// unresolvable through Lookup and NameOf; the block itself is unaffected.
type Registry struct {
	mu       sync.RWMutex
	byName   *lru.Cache[string, block.Pid]
	byPid    map[block.Pid]string
}

// New builds a Registry bounded to capacity entries.
func New(capacity int) *Registry {
	r := &Registry{byPid: make(map[block.Pid]string)}
	r.byName, _ = lru.NewWithEvict[string, block.Pid](capacity, func(name string, pid block.Pid) {
		r.mu.Lock()
		if r.byPid[pid] == name {
			delete(r.byPid, pid)
		}
		r.mu.Unlock()
	})
	return r
}

// Register associates name with pid, replacing any previous holder of that
// name (spec's name field is per-block, not unique across the system by
// construction; this collaborator is the component that enforces uniqueness
// for callers that want it).
func (r *Registry) Register(name string, pid block.Pid) {
	r.mu.Lock()
	prior, hadPrior := r.byPid[pid]
	if holder, ok := r.byName.Peek(name); ok && holder != pid && r.byPid[holder] == name {
		delete(r.byPid, holder)
	}
	r.byPid[pid] = name
	r.mu.Unlock()
	if hadPrior && prior != name {
		r.byName.Remove(prior)
	}
	r.byName.Add(name, pid)
}

// Unregister removes name's binding, if any.
func (r *Registry) Unregister(name string) {
	if pid, ok := r.byName.Peek(name); ok {
		r.mu.Lock()
		if r.byPid[pid] == name {
			delete(r.byPid, pid)
		}
		r.mu.Unlock()
	}
	r.byName.Remove(name)
}

// UnregisterPid drops whatever name pid currently holds, used when a block
// dies so a crashed name doesn't linger and resolve to a dead pid.
func (r *Registry) UnregisterPid(pid block.Pid) {
	r.mu.Lock()
	name, ok := r.byPid[pid]
	delete(r.byPid, pid)
	r.mu.Unlock()
	if ok {
		r.byName.Remove(name)
	}
}

// Lookup resolves name to its currently registered pid.
func (r *Registry) Lookup(name string) (block.Pid, bool) {
	return r.byName.Get(name)
}

// NameOf is the reverse direction: the name currently bound to pid, if any.
func (r *Registry) NameOf(pid block.Pid) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byPid[pid]
	return name, ok
}

// Len reports the number of live bindings.
func (r *Registry) Len() int {
	return r.byName.Len()
}
