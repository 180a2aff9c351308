package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisSink appends telemetry to a capped redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink constructs a sink. maxLen <= 0 leaves the stream uncapped.
func NewRedisSink(client *redis.Client, stream string, maxLen int64) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("redis sink: nil client")
	}
	if stream == "" {
		return nil, errors.New("redis sink: empty stream")
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}, nil
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Send adds one stream entry with the topic and the JSON payload.
func (s *RedisSink) Send(ctx context.Context, topic string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"topic":     topic,
			"data":      string(payload),
			"timestamp": time.Now().Unix(),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}
