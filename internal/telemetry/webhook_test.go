package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ivlab/internal/measurement/application/events"
)

func TestWebhookSinkPostsRunStatusOnly(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := NewWebhookSink(server.URL)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	f, err := NewForwarder([]Sink{sink})
	if err != nil {
		t.Fatalf("forwarder: %v", err)
	}
	ctx := context.Background()
	_ = f.handle(ctx, events.SampleIngested{RunID: "run-1", EventKind: "sweep", Seq: 1})
	_ = f.handle(ctx, events.RunClosed{RunID: "run-1", Status: "aborted", Events: 3, Skipped: []string{"A2"}})

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("expected one webhook post, got %d", len(bodies))
	}
	var payload webhookPayload
	if err := json.Unmarshal([]byte(bodies[0]), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	content := payload.Text.Content
	if payload.MsgType != "text" || !strings.Contains(content, "run-1 aborted, 3 events") || !strings.Contains(content, "Skipped: A2") {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestWebhookSinkNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sink, err := NewWebhookSink(server.URL)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	payload := []byte(`{"type":"events.RunStarted","data":{"run_id":"run-2","operator":"alex","items":4}}`)
	if err := sink.Send(context.Background(), TopicRunStatus, payload); err == nil {
		t.Fatalf("expected error for 502")
	}
	if _, err := NewWebhookSink(""); err == nil {
		t.Fatalf("expected empty url to fail")
	}
}

func TestFormatRunStatusStarted(t *testing.T) {
	var status runStatus
	status.Data.RunID = "run-3"
	status.Data.Operator = "sam"
	status.Data.Items = 5
	if got := formatRunStatus(status); got != "[ivlab] run run-3 started by sam, 5 items" {
		t.Fatalf("unexpected %q", got)
	}
}
