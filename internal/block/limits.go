package block

import "sync/atomic"

// Limits are the per-block resource caps from spec §3 ("Resource limits").
// Defaults are installation-defined; the spec's own test suite commonly uses
// 10,000 reductions per slice, which DefaultLimits matches.
type Limits struct {
	MaxHeapBytes      int64
	MaxStackDepth     int
	MaxCallDepth      int
	MaxReductions     int64
	MaxMailboxMessages int
}

// DefaultLimits mirrors spec §6's configuration defaults table.
func DefaultLimits() Limits {
	return Limits{
		MaxHeapBytes:       64 << 20,
		MaxStackDepth:      1 << 16,
		MaxCallDepth:       1 << 12,
		MaxReductions:      10_000,
		MaxMailboxMessages: 0, // unbounded by default (spec §6)
	}
}

// Counters are the atomic resource counters from spec §3. They are only ever
// increased by the owning block's own execution (reductions, GC stats) or by
// sender threads (messages sent/received), and are only ever decreased —
// never — per the invariant in spec §4.3 ("Counters are only decreased by
// the block itself", which in practice means: never, since no operation here
// decreases them).
type Counters struct {
	Reductions      atomic.Int64
	MessagesSent    atomic.Int64
	MessagesReceived atomic.Int64
	GCCollections   atomic.Int64
	GCBytesCollected atomic.Int64
}

// Snapshot is a point-in-time, non-atomic copy suitable for stats reporting.
type Snapshot struct {
	Reductions       int64
	MessagesSent     int64
	MessagesReceived int64
	GCCollections    int64
	GCBytesCollected int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Reductions:       c.Reductions.Load(),
		MessagesSent:     c.MessagesSent.Load(),
		MessagesReceived: c.MessagesReceived.Load(),
		GCCollections:    c.GCCollections.Load(),
		GCBytesCollected: c.GCBytesCollected.Load(),
	}
}
