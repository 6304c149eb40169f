package tracer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kelpline/blockrt/internal/block"
)

func TestTracerPublishesAndRings(t *testing.T) {
	tr := New(4)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := tr.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	tr.Spawned(1, "root")
	tr.Exited(1, 0, "")

	var got []Event
	for i := 0; i < 2; i++ {
		select {
		case m := <-msgs:
			var ev Event
			if err := json.Unmarshal(m.Payload, &ev); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got = append(got, ev)
			m.Ack()
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	if len(got) != 2 || got[0].Kind != KindSpawned || got[1].Kind != KindExited {
		t.Fatalf("unexpected events: %+v", got)
	}

	recent := tr.Recent()
	if len(recent) != 2 {
		t.Fatalf("Recent() len = %d, want 2", len(recent))
	}
}

func TestTracerRingBounded(t *testing.T) {
	tr := New(2)
	defer tr.Close()

	for i := 1; i <= 5; i++ {
		tr.Spawned(block.Pid(i), "x")
	}
	if len(tr.Recent()) != 2 {
		t.Fatalf("ring should cap at 2 entries, got %d", len(tr.Recent()))
	}
}
