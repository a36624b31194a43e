// Package natsevent forwards the engine's event stream to NATS subjects,
// carrying W3C trace context in message headers.
package natsevent

import (
	"context"
	"encoding/json"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/sequencer/sequence"
)

var propagator = propagation.TraceContext{}

// Publish injects traceparent into headers and publishes.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return nc.PublishMsg(msg)
}

// Subscribe wraps nc.Subscribe and extracts trace context for each message,
// starting a consumer span.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("sequencer-nats")
		ctx, span := tr.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}

// Sink drains a sequence bus subscription onto subjects of the form
// <prefix>.<event type>.
type Sink struct {
	nc     *nats.Conn
	prefix string
}

// NewSink returns a sink publishing under the given subject prefix
// ("sequencer.events" by default).
func NewSink(nc *nats.Conn, prefix string) *Sink {
	if prefix == "" {
		prefix = "sequencer.events"
	}
	return &Sink{nc: nc, prefix: prefix}
}

// Forward publishes every record from the bus until ctx is done. Call it
// in its own goroutine. Delivery is best-effort; the bus's retained
// history stays authoritative.
func (s *Sink) Forward(ctx context.Context, bus *sequence.Bus) {
	events, cancel := bus.Subscribe(1024)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			subject := s.prefix + "." + string(e.Type)
			if err := Publish(ctx, s.nc, subject, data); err != nil {
				slog.Warn("event publish failed", "subject", subject, "error", err)
			}
		}
	}
}
