package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	measurement "ivlab/internal/measurement/domain"
)

// RunRepository is an in-memory repository for runs.
type RunRepository struct {
	mu         sync.RWMutex
	runs       map[string]measurement.Run
	substrates map[string][]measurement.SlotSubstrateMapping
	smus       map[string][]measurement.SlotSMUMapping
}

// NewRunRepository constructs a repository.
func NewRunRepository() *RunRepository {
	return &RunRepository{
		runs:       make(map[string]measurement.Run),
		substrates: make(map[string][]measurement.SlotSubstrateMapping),
		smus:       make(map[string][]measurement.SlotSMUMapping),
	}
}

// Create stores a new run.
func (r *RunRepository) Create(ctx context.Context, run *measurement.Run) error {
	_ = ctx
	if run == nil {
		return measurement.ConfigurationErrorf("nil run")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = cloneRun(*run)
	return nil
}

// Close sets the terminal status of a run.
func (r *RunRepository) Close(ctx context.Context, id string, status measurement.RunStatus, closedAt time.Time) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return measurement.ErrNotFound
	}
	run.Status = status
	run.ClosedAt = closedAt
	r.runs[id] = run
	return nil
}

// Get loads a run.
func (r *RunRepository) Get(ctx context.Context, id string) (*measurement.Run, error) {
	_ = ctx
	r.mu.RLock()
	run, ok := r.runs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, measurement.ErrNotFound
	}
	out := cloneRun(run)
	return &out, nil
}

// SaveMappings replaces the slot mappings of a run.
func (r *RunRepository) SaveMappings(ctx context.Context, runID string, substrates []measurement.SlotSubstrateMapping, smus []measurement.SlotSMUMapping) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[runID]; !ok {
		return measurement.ErrNotFound
	}
	r.substrates[runID] = append([]measurement.SlotSubstrateMapping(nil), substrates...)
	r.smus[runID] = append([]measurement.SlotSMUMapping(nil), smus...)
	return nil
}

// Mappings returns the slot mappings of a run.
func (r *RunRepository) Mappings(ctx context.Context, runID string) ([]measurement.SlotSubstrateMapping, []measurement.SlotSMUMapping, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.runs[runID]; !ok {
		return nil, nil, measurement.ErrNotFound
	}
	return append([]measurement.SlotSubstrateMapping(nil), r.substrates[runID]...),
		append([]measurement.SlotSMUMapping(nil), r.smus[runID]...), nil
}

func cloneRun(run measurement.Run) measurement.Run {
	if run.Params == nil {
		return run
	}
	params := make(measurement.RunParameters, len(run.Params))
	for name, values := range run.Params {
		inner := make(map[string]string, len(values))
		for k, v := range values {
			inner[k] = v
		}
		params[name] = inner
	}
	run.Params = params
	return run
}

// EventRepository is an in-memory repository for events.
type EventRepository struct {
	mu     sync.RWMutex
	events map[string]measurement.Event
	order  []string
}

// NewEventRepository constructs a repository.
func NewEventRepository() *EventRepository {
	return &EventRepository{events: make(map[string]measurement.Event)}
}

// Open stores a newly opened event.
func (r *EventRepository) Open(ctx context.Context, event *measurement.Event) error {
	_ = ctx
	if event == nil {
		return measurement.ConfigurationErrorf("nil event")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[event.Header.ID]; ok {
		return measurement.AttributionErrorf("event %s already exists", event.Header.ID)
	}
	r.events[event.Header.ID] = cloneEvent(*event)
	r.order = append(r.order, event.Header.ID)
	return nil
}

// Close stores the final state of an event.
func (r *EventRepository) Close(ctx context.Context, event *measurement.Event) error {
	_ = ctx
	if event == nil {
		return measurement.ConfigurationErrorf("nil event")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.events[event.Header.ID]
	if !ok {
		return measurement.ErrNotFound
	}
	if current.Header.Status != measurement.EventStatusOpen {
		return measurement.AttributionErrorf("event %s already %s", event.Header.ID, current.Header.Status)
	}
	r.events[event.Header.ID] = cloneEvent(*event)
	return nil
}

// Get loads an event.
func (r *EventRepository) Get(ctx context.Context, id string) (*measurement.Event, error) {
	_ = ctx
	r.mu.RLock()
	event, ok := r.events[id]
	r.mu.RUnlock()
	if !ok {
		return nil, measurement.ErrNotFound
	}
	out := cloneEvent(event)
	return &out, nil
}

// ListByRun returns the events of a run in open order.
func (r *EventRepository) ListByRun(ctx context.Context, runID string) ([]measurement.Event, error) {
	return r.list(ctx, func(h measurement.EventHeader) bool { return h.RunID == runID })
}

// ListBySMU returns the events recorded on an SMU in open order.
func (r *EventRepository) ListBySMU(ctx context.Context, smuID string) ([]measurement.Event, error) {
	return r.list(ctx, func(h measurement.EventHeader) bool { return h.SMUID == smuID })
}

func (r *EventRepository) list(ctx context.Context, match func(measurement.EventHeader) bool) ([]measurement.Event, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []measurement.Event
	for _, id := range r.order {
		event := r.events[id]
		if match(event.Header) {
			out = append(out, cloneEvent(event))
		}
	}
	return out, nil
}

func cloneEvent(event measurement.Event) measurement.Event {
	switch p := event.Payload.(type) {
	case measurement.SweepPayload:
		if p.Summary != nil {
			summary := *p.Summary
			p.Summary = &summary
		}
		event.Payload = p
	case measurement.MPPTPayload:
		if p.Params != nil {
			params := make(map[string]float64, len(p.Params))
			for k, v := range p.Params {
				params[k] = v
			}
			p.Params = params
		}
		event.Payload = p
	}
	return event
}

// SampleRepository is an in-memory append-only sample store.
type SampleRepository struct {
	mu      sync.RWMutex
	samples map[string][]measurement.RawSample
}

// NewSampleRepository constructs a repository.
func NewSampleRepository() *SampleRepository {
	return &SampleRepository{samples: make(map[string][]measurement.RawSample)}
}

// Append stores samples. Per SMU, sequences must strictly increase.
func (r *SampleRepository) Append(ctx context.Context, samples []measurement.RawSample) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range samples {
		list := r.samples[s.SMUID]
		if n := len(list); n > 0 && list[n-1].Seq >= s.Seq {
			return measurement.AttributionErrorf("smu %s: sequence %d after %d", s.SMUID, s.Seq, list[n-1].Seq)
		}
		r.samples[s.SMUID] = append(list, s)
	}
	return nil
}

// LastSequence returns the highest stored sequence for an SMU, or 0.
func (r *SampleRepository) LastSequence(ctx context.Context, smuID string) (int64, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.samples[smuID]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].Seq, nil
}

// Range returns up to count samples starting at sequence first.
func (r *SampleRepository) Range(ctx context.Context, smuID string, first, count int64) ([]measurement.RawSample, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.samples[smuID]
	start := sort.Search(len(list), func(i int) bool { return list[i].Seq >= first })
	var out []measurement.RawSample
	for i := start; i < len(list) && list[i].Seq < first+count; i++ {
		out = append(out, list[i])
	}
	return out, nil
}

// Count returns the number of stored samples for an SMU.
func (r *SampleRepository) Count(smuID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.samples[smuID])
}
