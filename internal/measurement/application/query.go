package application

import (
	"context"
	"errors"

	measurement "ivlab/internal/measurement/domain"
)

// EventDetail is one event with the samples of its range.
type EventDetail struct {
	Event   measurement.Event
	Samples []measurement.RawSample
}

// RunDetail is a run as stored, with its events in open order.
type RunDetail struct {
	Run        measurement.Run
	Substrates []measurement.SlotSubstrateMapping
	SMUs       []measurement.SlotSMUMapping
	Events     []EventDetail
}

// RunQuery reads runs back for reporting.
type RunQuery struct {
	runs    measurement.RunRepository
	events  measurement.EventRepository
	samples measurement.SampleRepository
}

// NewRunQuery constructs a query service.
func NewRunQuery(runs measurement.RunRepository, events measurement.EventRepository, samples measurement.SampleRepository) (*RunQuery, error) {
	if runs == nil || events == nil || samples == nil {
		return nil, errors.New("run query: nil dependency")
	}
	return &RunQuery{runs: runs, events: events, samples: samples}, nil
}

// Run returns the run header and event headers without samples.
func (q *RunQuery) Run(ctx context.Context, runID string) (*RunDetail, error) {
	return q.load(ctx, runID, false)
}

// Detail returns the run with every event's samples.
func (q *RunQuery) Detail(ctx context.Context, runID string) (*RunDetail, error) {
	return q.load(ctx, runID, true)
}

func (q *RunQuery) load(ctx context.Context, runID string, withSamples bool) (*RunDetail, error) {
	run, err := q.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	substrates, smus, err := q.runs.Mappings(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := q.events.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{Run: *run, Substrates: substrates, SMUs: smus, Events: make([]EventDetail, 0, len(events))}
	for _, event := range events {
		item := EventDetail{Event: event}
		if withSamples && event.Header.Count > 0 {
			h := event.Header
			samples, err := q.samples.Range(ctx, h.SMUID, h.FirstSeq, h.Count)
			if err != nil {
				return nil, err
			}
			if int64(len(samples)) != h.Count {
				return nil, measurement.AttributionErrorf("event %s expects %d samples, store has %d", h.ID, h.Count, len(samples))
			}
			item.Samples = samples
		}
		detail.Events = append(detail.Events, item)
	}
	return detail, nil
}
