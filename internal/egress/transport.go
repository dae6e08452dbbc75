// Package egress implements the scheduler's outbound, per-worker and per-client
// batched message streams over NATS, adapting this lineage's natsctx helper
// (trace-context propagation via message headers) to a subject-per-recipient
// scheme (see SPEC_FULL.md §5.1).
package egress

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Envelope is the wire shape of one outbound message, matching the egress
// vocabulary in spec.md §6 (compute-task, free-keys, key-in-memory, ...).
type Envelope struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// Transport publishes ordered, batched outbound messages to workers and
// clients. Per-recipient ordering is guaranteed by NATS's single-subject,
// single-publisher delivery order; best-effort reliability matches spec.md §5
// ("pending messages are dropped silently by design on disconnect").
type Transport struct {
	nc *nats.Conn
}

// New wraps an established NATS connection.
func New(nc *nats.Conn) *Transport { return &Transport{nc: nc} }

func workerSubject(address string) string { return fmt.Sprintf("scheduler.worker.%s.cmd", address) }
func clientSubject(id string) string      { return fmt.Sprintf("scheduler.client.%s.event", id) }

// PublishToWorker injects the current trace context and publishes a batch of
// envelopes to a single worker's command subject, preserving send order.
func (t *Transport) PublishToWorker(ctx context.Context, address string, envelopes []Envelope) error {
	return t.publish(ctx, workerSubject(address), envelopes)
}

// PublishToClient publishes a batch of envelopes to a single client's event subject.
func (t *Transport) PublishToClient(ctx context.Context, clientID string, envelopes []Envelope) error {
	return t.publish(ctx, clientSubject(clientID), envelopes)
}

func (t *Transport) publish(ctx context.Context, subject string, envelopes []Envelope) error {
	for _, env := range envelopes {
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("egress: marshal envelope: %w", err)
		}
		hdr := nats.Header{}
		carrier := propagation.HeaderCarrier(hdr)
		propagator.Inject(ctx, carrier)
		msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
		if err := t.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("egress: publish to %s: %w", subject, err)
		}
	}
	return nil
}

// SubscribeWorker listens for inbound worker events on the ingress-equivalent
// subject, extracting trace context and starting a consumer span per message.
func (t *Transport) SubscribeWorker(address string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	subject := fmt.Sprintf("scheduler.worker.%s.event", address)
	return t.nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("swarmguard-scheduler")
		ctx, span := tr.Start(ctx, "egress.consume_worker_event", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
