package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"ivlab/internal/eventing"
	"ivlab/internal/instrument/virtual"
	"ivlab/internal/measurement/application"
	measurement "ivlab/internal/measurement/domain"
	"ivlab/internal/measurement/infrastructure/memory"
)

type recordingReplier struct {
	mu   sync.Mutex
	acks []runAck
}

func (r *recordingReplier) Send(ctx context.Context, topic string, payload []byte) error {
	var ack runAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, ack)
	return nil
}

func (r *recordingReplier) last() runAck {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acks[len(r.acks)-1]
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeClient keeps subscription callbacks so tests can deliver messages.
type fakeClient struct {
	mu           sync.Mutex
	handlers     map[string]paho.MessageHandler
	unsubscribed []string
}

func (c *fakeClient) IsConnected() bool       { return true }
func (c *fakeClient) IsConnectionOpen() bool  { return true }
func (c *fakeClient) Connect() paho.Token     { return doneToken{} }
func (c *fakeClient) Disconnect(quiesce uint) {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	return doneToken{}
}
func (c *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]paho.MessageHandler)
	}
	c.handlers[topic] = callback
	return doneToken{}
}
func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	return doneToken{}
}
func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.unsubscribed = append(c.unsubscribed, topics...)
	return doneToken{}
}
func (c *fakeClient) AddRoute(topic string, callback paho.MessageHandler) {}
func (c *fakeClient) OptionsReader() paho.ClientOptionsReader             { return paho.ClientOptionsReader{} }

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	handler := c.handlers[topic]
	c.mu.Unlock()
	handler(c, fakeMessage{topic: topic, payload: payload})
}

func newService(t *testing.T) *application.RunService {
	t.Helper()
	ctx := context.Background()
	clock := application.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	masterdata := memory.NewMasterdataRepository()
	if err := masterdata.SaveSetup(ctx, &measurement.Setup{ID: "setup-1"}, []measurement.Slot{{ID: "slot-a", SetupID: "setup-1", Designator: "A", Pads: 1}}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := masterdata.SaveLayout(ctx, &measurement.Layout{ID: "layout-1"}, []measurement.LayoutPixel{{ID: "px-1", LayoutID: "layout-1", Number: 1, LightArea: 0.15}}); err != nil {
		t.Fatalf("layout: %v", err)
	}
	if err := masterdata.SaveSubstrate(ctx, &measurement.Substrate{ID: "sub-a", LayoutID: "layout-1"}); err != nil {
		t.Fatalf("substrate: %v", err)
	}
	if err := masterdata.SaveSMU(ctx, &measurement.SMU{ID: "smu-1", Name: "smu-1"}); err != nil {
		t.Fatalf("smu: %v", err)
	}
	events := memory.NewEventRepository()
	planner, err := application.NewPlanner(masterdata, application.WithPlannerClock(clock))
	if err != nil {
		t.Fatalf("planner: %v", err)
	}
	attributor, err := application.NewAttributor(events, memory.NewSampleRepository(), eventing.NewInMemoryBus(), application.WithAttributorClock(clock))
	if err != nil {
		t.Fatalf("attributor: %v", err)
	}
	executor, err := application.NewExecutor(attributor, application.WithExecutorClock(clock))
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	orchestrator, err := application.NewOrchestrator(memory.NewRunRepository(), masterdata, events, executor, virtual.NewPool(), application.WithOrchestratorClock(clock))
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	service, err := application.NewRunService(planner, orchestrator, nil)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return service
}

const order = `{
	"operator": "alex",
	"setup_id": "setup-1",
	"slots": [{"slot": "A", "substrate_id": "sub-a", "smu_id": "smu-1"}],
	"devices": ["A1"],
	"events": [{"kind": "sweep", "low": 0, "high": 1, "points": 5}]
}`

func TestConsumerAcceptsWorkOrder(t *testing.T) {
	service := newService(t)
	client := &fakeClient{}
	replier := &recordingReplier{}
	consumer, err := NewConsumer(client, service, replier, 1, nil)
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	client.deliver(TopicRun, []byte(order))
	ack := replier.last()
	if ack.Status != "accepted" || ack.RunID == "" || ack.Items != 1 {
		t.Fatalf("unexpected ack %+v", ack)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := service.Wait(ctx, ack.RunID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if report.Run.Status != measurement.RunStatusCompleted {
		t.Fatalf("expected completed run, got %s", report.Run.Status)
	}

	client.deliver(TopicAbort, []byte(`{"run_id": "`+ack.RunID+`"}`))
	if got := replier.last(); got.Status != "abort_rejected" {
		t.Fatalf("expected abort of finished run to be rejected, got %+v", got)
	}

	consumer.Stop()
	if len(client.unsubscribed) != 2 {
		t.Fatalf("expected both topics unsubscribed, got %v", client.unsubscribed)
	}
}

func TestConsumerRejectsInvalidOrder(t *testing.T) {
	replier := &recordingReplier{}
	consumer, err := NewConsumer(&fakeClient{}, newService(t), replier, 1, nil)
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	err = consumer.HandleRun(context.Background(), []byte(`{"operator": "alex", "setup_id": "setup-9"}`))
	if !errors.Is(err, measurement.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if ack := replier.last(); ack.Status != "rejected" || ack.Error == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if err := consumer.HandleAbort(context.Background(), []byte(`{}`)); err == nil {
		t.Fatalf("expected error for abort without run id")
	}
	if err := consumer.HandleAbort(context.Background(), []byte(`nope`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
