// Package tracer implements the scheduler.Tracer collaborator (spec §1
// "tracing... specified only at the interface boundary to the core"):
// lifecycle events (spawn, exit) are published to an in-process watermill
// pub/sub topic, decoupling production (the scheduler) from consumption (the
// admin websocket feed, a file sink, a future OTel exporter), the same shape
// as the teacher's EventDispatcher wrapping a message.Publisher
// (adapter/pubsub/dispatcher.go) — narrowed here to the in-process gochannel
// transport, since this is telemetry fan-out rather than the cross-node
// block distribution spec.md's Non-goals exclude.
package tracer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kelpline/blockrt/internal/block"
)

// Topic is the single gochannel topic every lifecycle event is published to;
// subscribers (the admin websocket handler, a log sink) filter by Event.Kind.
const Topic = "blockrt.events"

// Kind enumerates the lifecycle event types a Tracer emits.
type Kind string

const (
	KindSpawned Kind = "spawned"
	KindExited  Kind = "exited"
)

// Event is the JSON payload carried on every watermill message (spec §6
// "Message format delivered to receiver's VM stack" inspired the {type, pid,
// ...} shape; this is the tracer's own wire format, not a VM message).
type Event struct {
	Kind      Kind      `json:"kind"`
	Pid       block.Pid `json:"pid"`
	Name      string    `json:"name,omitempty"`
	Code      int       `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracer publishes spawn/exit events onto an in-process gochannel bus and
// keeps a bounded ring of the most recent ones for late subscribers (the
// admin websocket handler replays this on connect instead of missing
// everything published before it attached).
type Tracer struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger watermill.LoggerAdapter
	recent *lru.Cache[uint64, Event]
	seq    uint64
}

// New builds a Tracer with a recent-event ring sized by ringSize (0 disables
// the ring, still publishing live events).
func New(ringSize int) *Tracer {
	logger := watermill.NopLogger{}
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, logger)
	var ring *lru.Cache[uint64, Event]
	if ringSize > 0 {
		ring, _ = lru.New[uint64, Event](ringSize)
	}
	return &Tracer{pub: pubsub, sub: pubsub, logger: logger, recent: ring}
}

// Subscribe returns a channel of raw watermill messages on Topic; callers
// (the admin websocket handler) unmarshal Event from each message's payload
// and must Ack it.
func (t *Tracer) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return t.sub.Subscribe(ctx, Topic)
}

// Recent returns the ring's contents, oldest first, for replay to a
// newly-attached subscriber.
func (t *Tracer) Recent() []Event {
	if t.recent == nil {
		return nil
	}
	keys := t.recent.Keys()
	out := make([]Event, 0, len(keys))
	for _, k := range keys {
		if ev, ok := t.recent.Get(k); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (t *Tracer) publish(ev Event) {
	if t.recent != nil {
		t.seq++
		t.recent.Add(t.seq, ev)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	_ = t.pub.Publish(Topic, msg)
}

// Spawned implements scheduler.Tracer.
func (t *Tracer) Spawned(pid block.Pid, name string) {
	t.publish(Event{Kind: KindSpawned, Pid: pid, Name: name, Timestamp: time.Now()})
}

// Exited implements scheduler.Tracer.
func (t *Tracer) Exited(pid block.Pid, code int, reason string) {
	t.publish(Event{Kind: KindExited, Pid: pid, Code: code, Reason: reason, Timestamp: time.Now()})
}

// Close releases the underlying gochannel pub/sub.
func (t *Tracer) Close() error {
	if closer, ok := t.pub.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
