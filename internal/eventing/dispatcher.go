package eventing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dispatcher sends outbox events to the in-process bus. Dispatch calls are
// serialized so records reach subscribers in outbox order. Handlers must not
// publish outbox events themselves.
type Dispatcher struct {
	mu       sync.Mutex
	bus      EventBus
	outbox   OutboxStore
	registry *Registry
	dlq      DLQStore
	logger   *zap.Logger
}

// OutboxStore provides access to outbox records. ClaimPending must hand each
// pending record to exactly one caller, oldest first.
type OutboxStore interface {
	ClaimPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// DLQStore records failures.
type DLQStore interface {
	RecordFailure(ctx context.Context, env Envelope, err error) error
}

// OutboxRecord represents a pending outbox entry.
type OutboxRecord struct {
	ID       string
	Envelope Envelope
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(bus EventBus, outbox OutboxStore, registry *Registry, dlq DLQStore, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{bus: bus, outbox: outbox, registry: registry, dlq: dlq, logger: logger}
}

// Dispatch claims up to limit pending outbox messages and delivers them.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) error {
	if d == nil || d.outbox == nil || d.bus == nil || d.registry == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.dispatch(ctx, limit)
	return err
}

// Drain delivers pending records in batches of limit until none are left.
func (d *Dispatcher) Drain(ctx context.Context, limit int) error {
	if d == nil || d.outbox == nil || d.bus == nil || d.registry == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		n, err := d.dispatch(ctx, limit)
		if err != nil || n == 0 {
			return err
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	records, err := d.outbox.ClaimPending(ctx, limit)
	if err != nil {
		return 0, err
	}

	for _, record := range records {
		env := record.Envelope
		payload, err := d.registry.DecodePayload(env)
		if err != nil {
			d.fail(ctx, record, err)
			continue
		}
		if err := d.bus.Publish(WithEnvelope(ctx, env), payload); err != nil {
			d.fail(ctx, record, err)
			continue
		}
		_ = d.outbox.MarkSent(ctx, record.ID)
	}
	return len(records), nil
}

// Run dispatches on every tick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, limit int) {
	if d == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Drain(ctx, limit); err != nil {
				d.logger.Warn("outbox dispatch failed", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, record OutboxRecord, err error) {
	d.logger.Warn("outbox event delivery failed",
		zap.String("outbox_id", record.ID),
		zap.String("event_type", record.Envelope.EventType),
		zap.Error(err))
	_ = d.outbox.MarkFailed(ctx, record.ID)
	if d.dlq != nil {
		_ = d.dlq.RecordFailure(ctx, record.Envelope, err)
	}
}
