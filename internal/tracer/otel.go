package tracer

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelpline/blockrt/internal/block"
)

// OtelTracer decorates another Tracer with one OTel span per block lifetime
// (spec §1 "tracing... specified only at the interface boundary"), covering
// the time from Spawned to Exited. It is optional: wiring it is a matter of
// wrapping an existing Tracer at bootstrap, not a requirement of the core.
type OtelTracer struct {
	next   *Tracer
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[block.Pid]trace.Span
}

// NewOtel wraps next, adding span emission via the global OTel
// TracerProvider under the instrumentation name "blockrt/scheduler".
func NewOtel(next *Tracer) *OtelTracer {
	return &OtelTracer{
		next:   next,
		tracer: otel.Tracer("blockrt/scheduler"),
		spans:  make(map[block.Pid]trace.Span),
	}
}

func (o *OtelTracer) Spawned(pid block.Pid, name string) {
	_, span := o.tracer.Start(context.Background(), "block.lifetime",
		trace.WithAttributes(
			attribute.Int64("block.pid", int64(pid)),
			attribute.String("block.name", name),
		),
	)
	o.mu.Lock()
	o.spans[pid] = span
	o.mu.Unlock()
	if o.next != nil {
		o.next.Spawned(pid, name)
	}
}

func (o *OtelTracer) Exited(pid block.Pid, code int, reason string) {
	o.mu.Lock()
	span, ok := o.spans[pid]
	delete(o.spans, pid)
	o.mu.Unlock()
	if ok {
		span.SetAttributes(
			attribute.Int("block.exit_code", code),
			attribute.String("block.exit_reason", reason),
		)
		span.End()
	}
	if o.next != nil {
		o.next.Exited(pid, code, reason)
	}
}
