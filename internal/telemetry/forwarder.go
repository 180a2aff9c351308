package telemetry

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"ivlab/internal/eventing"
	"ivlab/internal/measurement/application/events"
	"ivlab/internal/observability/metrics"
)

const (
	// TopicRawPrefix is followed by the event kind: data/raw/sweep, data/raw/ss, data/raw/mppt.
	TopicRawPrefix = "data/raw/"
	TopicEvent     = "data/event"
	TopicRunStatus = "measurement/run/status"
)

// Sink delivers one encoded telemetry message.
type Sink interface {
	Name() string
	Send(ctx context.Context, topic string, payload []byte) error
}

// Forwarder copies measurement events from the bus to every sink. Sinks are
// called synchronously, so the per-SMU order of the bus is kept.
type Forwarder struct {
	sinks  []Sink
	prefix string
	logger *zap.Logger
}

// Option configures a forwarder.
type Option func(*Forwarder)

// WithTopicPrefix prepends prefix to every topic, e.g. "lab1/".
func WithTopicPrefix(prefix string) Option {
	return func(f *Forwarder) {
		f.prefix = prefix
	}
}

// WithLogger sets the forwarder logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewForwarder constructs a forwarder. Nil sinks are dropped.
func NewForwarder(sinks []Sink, opts ...Option) (*Forwarder, error) {
	f := &Forwarder{logger: zap.NewNop()}
	for _, sink := range sinks {
		if sink != nil {
			f.sinks = append(f.sinks, sink)
		}
	}
	if len(f.sinks) == 0 {
		return nil, errors.New("telemetry forwarder: no sinks")
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// ConsumerName identifies the forwarder in the processed-event store.
const ConsumerName = "telemetry.forwarder"

// Register subscribes the forwarder to every measurement event type. With a
// store, an outbox record delivered twice is forwarded once.
func (f *Forwarder) Register(bus eventing.Subscriber, store eventing.ProcessedStore) {
	for _, eventType := range []string{
		eventing.EventTypeOf[events.SampleIngested](),
		eventing.EventTypeOf[events.EventClosed](),
		eventing.EventTypeOf[events.RunStarted](),
		eventing.EventTypeOf[events.RunClosed](),
	} {
		eventing.Subscribe(bus, eventType, ConsumerName, f.handle, store)
	}
}

// Topic returns the topic an event is forwarded to.
func (f *Forwarder) Topic(event any) (string, bool) {
	var topic string
	switch e := event.(type) {
	case events.SampleIngested:
		topic = TopicRawPrefix + e.EventKind
	case events.EventClosed:
		topic = TopicEvent
	case events.RunStarted, events.RunClosed:
		topic = TopicRunStatus
	default:
		return "", false
	}
	return f.prefix + topic, true
}

// handle never fails: a broken sink must not stop the measurement.
func (f *Forwarder) handle(ctx context.Context, event any) error {
	topic, ok := f.Topic(event)
	if !ok {
		return nil
	}
	payload, err := json.Marshal(message{Type: eventing.EventType(event), Data: event})
	if err != nil {
		f.logger.Warn("telemetry encode failed", zap.String("topic", topic), zap.Error(err))
		return nil
	}
	for _, sink := range f.sinks {
		if err := sink.Send(ctx, topic, payload); err != nil {
			metrics.IncForwarded(sink.Name(), metrics.ResultError)
			f.logger.Warn("telemetry send failed", zap.String("sink", sink.Name()), zap.String("topic", topic), zap.Error(err))
			continue
		}
		metrics.IncForwarded(sink.Name(), metrics.ResultSuccess)
	}
	return nil
}

type message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
