package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebhookSink posts run status changes to a chat webhook. Sample and event
// telemetry is ignored.
type WebhookSink struct {
	url    string
	client *http.Client
}

// WebhookOption configures the webhook sink.
type WebhookOption func(*WebhookSink)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(s *WebhookSink) {
		if client != nil {
			s.client = client
		}
	}
}

// NewWebhookSink constructs a webhook sink.
func NewWebhookSink(url string, opts ...WebhookOption) (*WebhookSink, error) {
	if url == "" {
		return nil, errors.New("webhook sink: empty url")
	}
	sink := &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(sink)
	}
	return sink, nil
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

type runStatus struct {
	Type string `json:"type"`
	Data struct {
		RunID    string   `json:"run_id"`
		Operator string   `json:"operator"`
		Status   string   `json:"status"`
		Items    int      `json:"items"`
		Events   int      `json:"events"`
		Skipped  []string `json:"skipped_devices"`
		Error    string   `json:"error"`
	} `json:"data"`
}

// Send posts a text message for run status topics.
func (s *WebhookSink) Send(ctx context.Context, topic string, payload []byte) error {
	if s == nil || s.url == "" {
		return errors.New("webhook sink: empty url")
	}
	if !strings.HasSuffix(topic, TopicRunStatus) {
		return nil
	}
	var status runStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return err
	}
	body, err := json.Marshal(webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: formatRunStatus(status)},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink: non-2xx response %d", resp.StatusCode)
	}
	return nil
}

func formatRunStatus(status runStatus) string {
	d := status.Data
	var b strings.Builder
	b.WriteString("[ivlab] run ")
	b.WriteString(d.RunID)
	if d.Status == "" {
		fmt.Fprintf(&b, " started by %s, %d items", d.Operator, d.Items)
		return b.String()
	}
	fmt.Fprintf(&b, " %s, %d events", d.Status, d.Events)
	if len(d.Skipped) > 0 {
		fmt.Fprintf(&b, "\nSkipped: %s", strings.Join(d.Skipped, ", "))
	}
	if d.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", d.Error)
	}
	return b.String()
}
