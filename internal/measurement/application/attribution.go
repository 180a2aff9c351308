package application

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ivlab/internal/eventing"
	"ivlab/internal/measurement/application/events"
	measurement "ivlab/internal/measurement/domain"
	"ivlab/internal/observability/metrics"
)

const defaultBatchSize = 64

// Attributor owns the per-SMU sample sequence and the single open event per SMU.
// Every sample appended through a Handle lands in exactly one event range.
type Attributor struct {
	events    measurement.EventRepository
	samples   measurement.SampleRepository
	publisher eventing.EventBus
	clock     Clock
	logger    *zap.Logger
	batch     int

	mu   sync.Mutex
	open map[string]*Handle
	next map[string]int64
}

// AttributorOption configures an Attributor.
type AttributorOption func(*Attributor)

// WithBatchSize sets how many samples are buffered before a write.
func WithBatchSize(n int) AttributorOption {
	return func(a *Attributor) {
		if n > 0 {
			a.batch = n
		}
	}
}

// WithAttributorClock overrides the clock used for event timestamps.
func WithAttributorClock(clock Clock) AttributorOption {
	return func(a *Attributor) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithAttributorLogger sets the logger.
func WithAttributorLogger(logger *zap.Logger) AttributorOption {
	return func(a *Attributor) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAttributor constructs an Attributor.
func NewAttributor(events measurement.EventRepository, samples measurement.SampleRepository, publisher eventing.EventBus, opts ...AttributorOption) (*Attributor, error) {
	if events == nil {
		return nil, errors.New("attributor: nil event repository")
	}
	if samples == nil {
		return nil, errors.New("attributor: nil sample repository")
	}
	a := &Attributor{
		events:    events,
		samples:   samples,
		publisher: publisher,
		clock:     SystemClock{},
		logger:    zap.NewNop(),
		batch:     defaultBatchSize,
		open:      make(map[string]*Handle),
		next:      make(map[string]int64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Open starts an event on header.SMUID. It fails with ErrAttribution while
// another event is open on the same SMU.
func (a *Attributor) Open(ctx context.Context, header measurement.EventHeader, payload measurement.Payload) (*Handle, error) {
	if a == nil {
		return nil, errors.New("attributor: nil")
	}
	if payload == nil {
		return nil, measurement.ConfigurationErrorf("event payload is required")
	}
	if header.ID == "" {
		header.ID = uuid.NewString()
	}
	header.Kind = payload.Kind()
	header.Status = measurement.EventStatusOpen
	header.Count = 0
	header.OpenedAt = a.clock.Now()
	header.ClosedAt = header.OpenedAt

	h := &Handle{attributor: a}

	a.mu.Lock()
	if current := a.open[header.SMUID]; current != nil {
		a.mu.Unlock()
		metrics.IncAttributionError()
		return nil, measurement.AttributionErrorf("smu %s already has open event %s", header.SMUID, current.event.Header.ID)
	}
	a.open[header.SMUID] = h
	first, known := a.next[header.SMUID]
	a.mu.Unlock()

	if !known {
		last, err := a.samples.LastSequence(ctx, header.SMUID)
		if err != nil {
			a.release(header.SMUID, h)
			return nil, err
		}
		first = last + 1
		a.mu.Lock()
		a.next[header.SMUID] = first
		a.mu.Unlock()
	}
	header.FirstSeq = first

	h.event = measurement.Event{Header: header, Payload: payload}
	h.keepSamples = header.Kind == measurement.EventKindSweep
	if err := h.event.Validate(); err != nil {
		a.release(header.SMUID, h)
		return nil, measurement.ConfigurationErrorf("%v", err)
	}
	if err := a.events.Open(ctx, &h.event); err != nil {
		a.release(header.SMUID, h)
		return nil, err
	}
	metrics.EventOpened()
	a.logger.Debug("event opened",
		zap.String("event_id", header.ID),
		zap.String("kind", string(header.Kind)),
		zap.String("smu_id", header.SMUID),
		zap.Int64("first_seq", first))
	return h, nil
}

// OpenEvent returns the id of the event holding smuID, if any.
func (a *Attributor) OpenEvent(smuID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.open[smuID]
	if h == nil {
		return "", false
	}
	return h.event.Header.ID, true
}

func (a *Attributor) reserve(smuID string, h *Handle) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open[smuID] != h {
		return 0, measurement.AttributionErrorf("smu %s: sample arrived for event %s which does not hold the smu", smuID, h.event.Header.ID)
	}
	seq := a.next[smuID]
	a.next[smuID] = seq + 1
	return seq, nil
}

func (a *Attributor) release(smuID string, h *Handle) {
	a.mu.Lock()
	if a.open[smuID] == h {
		delete(a.open, smuID)
	}
	a.mu.Unlock()
}

// Handle is the write side of one open event. It is not safe for concurrent use.
type Handle struct {
	attributor  *Attributor
	event       measurement.Event
	buffer      []measurement.RawSample
	kept        []measurement.RawSample
	keepSamples bool
	last        *measurement.RawSample
	closed      bool
}

// Event returns a snapshot of the event.
func (h *Handle) Event() measurement.Event {
	return h.event
}

// Last returns the most recent sample, if any.
func (h *Handle) Last() (measurement.RawSample, bool) {
	if h.last == nil {
		return measurement.RawSample{}, false
	}
	return *h.last, true
}

// Append assigns the next SMU sequence to r and records it against the event.
func (h *Handle) Append(ctx context.Context, r measurement.Reading) (measurement.RawSample, error) {
	if h.closed {
		metrics.IncAttributionError()
		return measurement.RawSample{}, measurement.AttributionErrorf("event %s is closed", h.event.Header.ID)
	}
	a := h.attributor
	header := &h.event.Header
	seq, err := a.reserve(header.SMUID, h)
	if err != nil {
		metrics.IncAttributionError()
		return measurement.RawSample{}, err
	}
	if seq != header.FirstSeq+header.Count {
		metrics.IncAttributionError()
		return measurement.RawSample{}, measurement.AttributionErrorf("event %s: sequence %d breaks range starting at %d with %d samples", header.ID, seq, header.FirstSeq, header.Count)
	}

	sample := measurement.RawSample{
		SMUID:   header.SMUID,
		Seq:     seq,
		Time:    r.Time,
		Voltage: r.Voltage,
		Current: r.Current,
		Status:  r.Status,
	}
	header.Count++
	h.last = &sample
	h.buffer = append(h.buffer, sample)
	if h.keepSamples {
		h.kept = append(h.kept, sample)
	}
	if len(h.buffer) >= a.batch {
		if err := h.flush(ctx); err != nil {
			return sample, err
		}
	}

	metrics.IncSamples(string(header.Kind))
	if a.publisher != nil {
		err := a.publisher.Publish(ctx, events.SampleIngested{
			RunID:      header.RunID,
			EventID:    header.ID,
			EventKind:  string(header.Kind),
			DeviceID:   header.DeviceID,
			SMUID:      header.SMUID,
			Seq:        seq,
			Time:       r.Time,
			Voltage:    r.Voltage,
			Current:    r.Current,
			Status:     uint32(r.Status),
			Area:       header.Area,
			OccurredAt: a.clock.Now(),
		})
		if err != nil {
			a.logger.Warn("sample telemetry publish failed", zap.String("event_id", header.ID), zap.Int64("seq", seq), zap.Error(err))
		}
	}
	return sample, nil
}

// Close finalizes an event that ran to completion. An event without samples
// is still finalized, as aborted, and reported as an attribution error.
func (h *Handle) Close(ctx context.Context) (measurement.Event, error) {
	if h.event.Header.Count == 0 {
		ev, err := h.finish(ctx, measurement.EventStatusAborted, "no samples")
		if err != nil {
			return ev, err
		}
		metrics.IncAttributionError()
		return ev, measurement.AttributionErrorf("event %s closed without samples", ev.Header.ID)
	}
	return h.finish(ctx, measurement.EventStatusClosed, "")
}

// Abort finalizes the event early, keeping every sample received so far.
func (h *Handle) Abort(ctx context.Context, reason string) (measurement.Event, error) {
	return h.finish(ctx, measurement.EventStatusAborted, reason)
}

// Release aborts the event if it is still open. It is meant to be deferred.
func (h *Handle) Release() {
	if h == nil || h.closed {
		return
	}
	_, _ = h.finish(context.Background(), measurement.EventStatusAborted, "released without close")
}

func (h *Handle) finish(ctx context.Context, status measurement.EventStatus, reason string) (measurement.Event, error) {
	if h.closed {
		return h.event, measurement.AttributionErrorf("event %s already closed", h.event.Header.ID)
	}
	h.closed = true
	a := h.attributor
	header := &h.event.Header
	defer a.release(header.SMUID, h)

	// persist even when the run context was cancelled
	persistCtx := context.WithoutCancel(ctx)
	flushErr := h.flush(persistCtx)

	header.Status = status
	header.AbortReason = reason
	header.ClosedAt = a.clock.Now()
	if sweep, ok := h.event.Sweep(); ok {
		summary := measurement.SummarizeSweep(h.kept)
		sweep.Summary = &summary
		h.event.Payload = sweep
	}
	if err := a.events.Close(persistCtx, &h.event); err != nil {
		return h.event, err
	}
	if flushErr != nil {
		return h.event, flushErr
	}

	metrics.ObserveEventClosed(string(header.Kind), string(status), header.ClosedAt.Sub(header.OpenedAt))
	a.logger.Info("event closed",
		zap.String("event_id", header.ID),
		zap.String("kind", string(header.Kind)),
		zap.String("smu_id", header.SMUID),
		zap.Int64("first_seq", header.FirstSeq),
		zap.Int64("count", header.Count),
		zap.String("status", string(status)))

	if a.publisher != nil {
		closed := events.EventClosed{
			RunID:       header.RunID,
			EventID:     header.ID,
			EventKind:   string(header.Kind),
			DeviceID:    header.DeviceID,
			SMUID:       header.SMUID,
			FirstSeq:    header.FirstSeq,
			Count:       header.Count,
			Status:      string(status),
			AbortReason: reason,
			OccurredAt:  header.ClosedAt,
		}
		if sweep, ok := h.event.Sweep(); ok && sweep.Summary != nil {
			closed.Voc = finite(sweep.Summary.Voc)
			closed.Isc = finite(sweep.Summary.Isc)
			closed.Vmpp = finite(sweep.Summary.Vmpp)
			closed.Pmax = finite(sweep.Summary.Pmax)
		}
		if err := a.publisher.Publish(persistCtx, closed); err != nil {
			a.logger.Warn("event closed publish failed", zap.String("event_id", header.ID), zap.Error(err))
		}
	}
	return h.event, nil
}

func (h *Handle) flush(ctx context.Context) error {
	if len(h.buffer) == 0 {
		return nil
	}
	if err := h.attributor.samples.Append(ctx, h.buffer); err != nil {
		metrics.IncAttributionError()
		return measurement.AttributionErrorf("persist %d samples for event %s: %v", len(h.buffer), h.event.Header.ID, err)
	}
	h.buffer = h.buffer[:0]
	return nil
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
