// Package events fans out TaskflowEvent audit records onto a NATS
// subject so external observers (an admin REST layer, alerting) can
// follow scheduler/pusher state transitions without polling the store.
// Publish injects the caller's trace context into the NATS message
// header so a subscriber can continue the same trace.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskflow/internal/model"
)

// Subject is the NATS subject TaskflowEvents are published to.
const Subject = "taskflow.events"

var propagator = propagation.TraceContext{}

// Publisher emits TaskflowEvents. The Scheduler and Pusher loops hold one
// each; Noop is used when no NATS connection is configured (e.g. the
// boltstore dev mode) so callers never need nil checks.
type Publisher interface {
	Publish(ctx context.Context, ev model.TaskflowEvent) error
}

// NATSPublisher publishes events as JSON on a *nats.Conn, injecting the
// caller's trace context into the NATS message header.
type NATSPublisher struct {
	Conn    *nats.Conn
	Subject string
}

// NewNATSPublisher returns a Publisher bound to an existing connection.
// subject defaults to Subject when empty.
func NewNATSPublisher(conn *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = Subject
	}
	return &NATSPublisher{Conn: conn, Subject: subject}
}

func (p *NATSPublisher) Publish(ctx context.Context, ev model.TaskflowEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal taskflow event: %w", err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: p.Subject, Data: data, Header: hdr}
	if err := p.Conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("events: publish %q: %w", ev.Event, err)
	}
	return nil
}

// Subscribe wraps nc.Subscribe, extracting the publisher's trace context
// into a child consumer span before invoking handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("taskflow-events")
		ctx, span := tr.Start(ctx, "events.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}

// Noop discards every event. Used when TASKFLOW_NATS_URL is unset.
type Noop struct{}

func (Noop) Publish(context.Context, model.TaskflowEvent) error { return nil }
