package eventing

import (
	"context"
	"errors"
)

const drainBatch = 50

// OutboxWriter inserts outbox records.
type OutboxWriter interface {
	Insert(ctx context.Context, env Envelope) (string, error)
}

// Publisher writes events to the outbox and drains it before returning, so an
// outbox event is delivered after every earlier record. Event types marked
// direct, and every event when no outbox is configured, go straight to the bus.
type Publisher struct {
	outbox   OutboxWriter
	dispatch *Dispatcher
	bus      EventBus
	sub      Subscriber
	direct   map[string]bool
}

// PublisherOption configures a publisher.
type PublisherOption func(*Publisher)

// WithDirectTypes routes the named event types around the outbox.
func WithDirectTypes(eventTypes ...string) PublisherOption {
	return func(p *Publisher) {
		for _, t := range eventTypes {
			if t != "" {
				p.direct[t] = true
			}
		}
	}
}

// WithOutbox enables durable delivery through an outbox and dispatcher.
func WithOutbox(outbox OutboxWriter, dispatch *Dispatcher) PublisherOption {
	return func(p *Publisher) {
		p.outbox = outbox
		p.dispatch = dispatch
	}
}

// NewPublisher constructs a publisher over an in-process bus.
func NewPublisher(bus *InMemoryBus, opts ...PublisherOption) (*Publisher, error) {
	if bus == nil {
		return nil, errors.New("eventing publisher: nil bus")
	}
	p := &Publisher{bus: bus, sub: bus, direct: make(map[string]bool)}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish delivers or enqueues the event.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	if p == nil || p.bus == nil {
		return nil
	}
	if p.outbox == nil || p.direct[EventType(event)] {
		return p.bus.Publish(ctx, event)
	}
	env, err := BuildEnvelope(event, MetaFromContext(ctx))
	if err != nil {
		return err
	}
	if _, err := p.outbox.Insert(ctx, env); err != nil {
		return err
	}
	if p.dispatch != nil {
		return p.dispatch.Drain(ctx, drainBatch)
	}
	return nil
}

// Subscribe delegates to the underlying bus.
func (p *Publisher) Subscribe(eventType string, handler EventHandler) {
	if p == nil || p.sub == nil {
		return
	}
	p.sub.Subscribe(eventType, handler)
}
