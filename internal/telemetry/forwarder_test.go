package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ivlab/internal/eventing"
	eventingmemory "ivlab/internal/eventing/infrastructure/memory"
	"ivlab/internal/measurement/application/events"
)

type recordedMessage struct {
	topic   string
	payload []byte
}

type recordingSink struct {
	name     string
	mu       sync.Mutex
	messages []recordedMessage
	err      error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, recordedMessage{topic: topic, payload: payload})
	return s.err
}

func TestForwarderRoutesEventsToTopics(t *testing.T) {
	bus := eventing.NewInMemoryBus()
	sink := &recordingSink{name: "rec"}
	f, err := NewForwarder([]Sink{sink, nil})
	if err != nil {
		t.Fatalf("forwarder: %v", err)
	}
	f.Register(bus, nil)

	ctx := context.Background()
	published := []any{
		events.RunStarted{RunID: "run-1"},
		events.SampleIngested{RunID: "run-1", EventKind: "sweep", SMUID: "smu-1", Seq: 1},
		events.SampleIngested{RunID: "run-1", EventKind: "sweep", SMUID: "smu-1", Seq: 2},
		events.EventClosed{RunID: "run-1", EventID: "evt-1", Count: 2},
		events.SampleIngested{RunID: "run-1", EventKind: "mppt", SMUID: "smu-1", Seq: 3},
		events.RunClosed{RunID: "run-1", Status: "completed"},
	}
	for _, event := range published {
		if err := bus.Publish(ctx, event); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	want := []string{TopicRunStatus, "data/raw/sweep", "data/raw/sweep", TopicEvent, "data/raw/mppt", TopicRunStatus}
	if len(sink.messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(sink.messages))
	}
	for i, topic := range want {
		if sink.messages[i].topic != topic {
			t.Fatalf("message %d: expected topic %s, got %s", i, topic, sink.messages[i].topic)
		}
	}

	var decoded struct {
		Type string                `json:"type"`
		Data events.SampleIngested `json:"data"`
	}
	if err := json.Unmarshal(sink.messages[2].payload, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Data.Seq != 2 || decoded.Type != eventing.EventTypeOf[events.SampleIngested]() {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestForwarderKeepsGoingWhenASinkFails(t *testing.T) {
	broken := &recordingSink{name: "broken", err: errors.New("down")}
	healthy := &recordingSink{name: "healthy"}
	f, err := NewForwarder([]Sink{broken, healthy}, WithTopicPrefix("lab1/"))
	if err != nil {
		t.Fatalf("forwarder: %v", err)
	}
	if err := f.handle(context.Background(), events.EventClosed{EventID: "evt-1"}); err != nil {
		t.Fatalf("handle should not fail: %v", err)
	}
	if len(healthy.messages) != 1 || healthy.messages[0].topic != "lab1/data/event" {
		t.Fatalf("unexpected healthy sink messages %+v", healthy.messages)
	}
	if _, ok := f.Topic(struct{}{}); ok {
		t.Fatalf("expected unknown event to have no topic")
	}
}

func TestNewForwarderRequiresSink(t *testing.T) {
	if _, err := NewForwarder(nil); err == nil {
		t.Fatalf("expected error without sinks")
	}
	if _, err := NewRedisSink(nil, "stream", 0); err == nil {
		t.Fatalf("expected error for nil redis client")
	}
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeClient struct {
	mu        sync.Mutex
	published []recordedMessage
	qos       []byte
	err       error
}

func (c *fakeClient) IsConnected() bool       { return true }
func (c *fakeClient) IsConnectionOpen() bool  { return true }
func (c *fakeClient) Connect() mqtt.Token     { return newFakeToken(nil) }
func (c *fakeClient) Disconnect(quiesce uint) {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, recordedMessage{topic: topic, payload: payload.([]byte)})
	c.qos = append(c.qos, qos)
	return newFakeToken(c.err)
}
func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return newFakeToken(nil)
}
func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return newFakeToken(nil)
}
func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token             { return newFakeToken(nil) }
func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader             { return mqtt.ClientOptionsReader{} }

func TestMQTTSinkPublishes(t *testing.T) {
	client := &fakeClient{}
	sink, err := NewMQTTSink(client, 1)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	if err := sink.Send(context.Background(), "data/event", []byte(`{}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(client.published) != 1 || client.qos[0] != 1 {
		t.Fatalf("unexpected publishes %+v", client.published)
	}

	client.err = errors.New("not connected")
	if err := sink.Send(context.Background(), "data/event", []byte(`{}`)); err == nil {
		t.Fatalf("expected publish error")
	}
	if _, err := NewMQTTSink(client, 3); err == nil {
		t.Fatalf("expected invalid qos error")
	}
}

func TestForwarderSkipsRedeliveredOutboxRecords(t *testing.T) {
	bus := eventing.NewInMemoryBus()
	sink := &recordingSink{name: "rec"}
	f, err := NewForwarder([]Sink{sink})
	if err != nil {
		t.Fatalf("forwarder: %v", err)
	}
	f.Register(bus, eventingmemory.NewProcessedStore())

	closed := events.RunClosed{RunID: "run-1", Status: "completed"}
	env, err := eventing.BuildEnvelope(closed, eventing.Meta{})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	ctx := eventing.WithEnvelope(context.Background(), env)
	for i := 0; i < 2; i++ {
		if err := bus.Publish(ctx, closed); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	// direct events carry no envelope and are always forwarded
	sample := events.SampleIngested{RunID: "run-1", EventKind: "ss", SMUID: "smu-1", Seq: 1}
	for i := 0; i < 2; i++ {
		if err := bus.Publish(context.Background(), sample); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if len(sink.messages) != 3 || sink.messages[0].topic != TopicRunStatus {
		t.Fatalf("expected one run status and two samples, got %d messages", len(sink.messages))
	}
}
