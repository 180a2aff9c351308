package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"ivlab/internal/measurement/application"
	"ivlab/internal/observability/metrics"
)

const (
	TopicRun       = "measurement/run"
	TopicAbort     = "measurement/abort"
	TopicRunStatus = "measurement/run/status"

	subscribeTimeout = 10 * time.Second
)

// Replier publishes responses to the command topics.
type Replier interface {
	Send(ctx context.Context, topic string, payload []byte) error
}

// Consumer accepts work orders and abort requests over MQTT.
type Consumer struct {
	client  paho.Client
	service *application.RunService
	replier Replier
	qos     byte
	logger  *zap.Logger
	ctx     context.Context
}

// NewConsumer constructs a consumer. replier may be nil.
func NewConsumer(client paho.Client, service *application.RunService, replier Replier, qos byte, logger *zap.Logger) (*Consumer, error) {
	if client == nil {
		return nil, errors.New("mqtt consumer: nil client")
	}
	if service == nil {
		return nil, errors.New("mqtt consumer: nil service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{client: client, service: service, replier: replier, qos: qos, logger: logger, ctx: context.Background()}, nil
}

// Start subscribes to the command topics. Runs accepted here outlive ctx.
func (c *Consumer) Start(ctx context.Context) error {
	c.ctx = ctx
	for topic, handler := range map[string]func(context.Context, []byte) error{
		TopicRun:   c.HandleRun,
		TopicAbort: c.HandleAbort,
	} {
		topic, handler := topic, handler
		token := c.client.Subscribe(topic, c.qos, func(_ paho.Client, msg paho.Message) {
			if err := handler(c.ctx, msg.Payload()); err != nil {
				c.logger.Warn("mqtt command rejected", zap.String("topic", msg.Topic()), zap.Error(err))
			}
		})
		if !token.WaitTimeout(subscribeTimeout) {
			return fmt.Errorf("failed to subscribe to topic %s: timeout", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
		}
	}
	c.logger.Info("mqtt consumer started", zap.Strings("topics", []string{TopicRun, TopicAbort}))
	return nil
}

// Stop unsubscribes from the command topics.
func (c *Consumer) Stop() {
	token := c.client.Unsubscribe(TopicRun, TopicAbort)
	if token.WaitTimeout(subscribeTimeout) && token.Error() != nil {
		c.logger.Error("mqtt unsubscribe failed", zap.Error(token.Error()))
	}
	c.logger.Info("mqtt consumer stopped")
}

type runAck struct {
	Status  string   `json:"status"`
	RunID   string   `json:"run_id,omitempty"`
	Items   int      `json:"items,omitempty"`
	Devices []string `json:"devices,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// HandleRun decodes a work order and starts it.
func (c *Consumer) HandleRun(ctx context.Context, payload []byte) error {
	order, err := application.DecodeWorkOrder(payload)
	if err == nil {
		var plan *application.RunPlan
		plan, err = c.service.Submit(ctx, order)
		if err == nil {
			metrics.IncWorkOrder("mqtt", metrics.ResultSuccess)
			c.reply(ctx, runAck{Status: "accepted", RunID: plan.Run.ID, Items: len(plan.Items), Devices: plan.Devices()})
			return nil
		}
	}
	metrics.IncWorkOrder("mqtt", metrics.ResultError)
	c.reply(ctx, runAck{Status: "rejected", Error: err.Error()})
	return err
}

type abortRequest struct {
	RunID string `json:"run_id"`
}

// HandleAbort cancels the run named in payload.
func (c *Consumer) HandleAbort(ctx context.Context, payload []byte) error {
	var req abortRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("mqtt consumer: decode abort: %w", err)
	}
	if req.RunID == "" {
		return errors.New("mqtt consumer: abort without run_id")
	}
	if err := c.service.Abort(req.RunID); err != nil {
		c.reply(ctx, runAck{Status: "abort_rejected", RunID: req.RunID, Error: err.Error()})
		return err
	}
	c.reply(ctx, runAck{Status: "aborting", RunID: req.RunID})
	return nil
}

func (c *Consumer) reply(ctx context.Context, ack runAck) {
	if c.replier == nil {
		return
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if err := c.replier.Send(ctx, TopicRunStatus, payload); err != nil {
		c.logger.Warn("mqtt reply failed", zap.Error(err))
	}
}
