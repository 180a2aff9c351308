package application_test

import (
	"context"
	"errors"
	"testing"

	"ivlab/internal/instrument/virtual"
	"ivlab/internal/measurement/application"
	measurement "ivlab/internal/measurement/domain"
)

func TestRunQueryDetailLoadsEventSamples(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, virtual.NewPool())
	order := validOrder()
	order.Events = []application.EventSpec{
		{Kind: "sweep", Low: 0, High: 1, Points: 11},
		{Kind: "sweep", Low: 0, High: 1, Points: 6, Direction: "reverse"},
	}
	plan, err := f.planner.Plan(ctx, order)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	report, err := f.orchestrator.Execute(ctx, plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	query, err := application.NewRunQuery(f.runs, f.events, f.samples)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	detail, err := query.Detail(ctx, report.Run.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Events) != 2 || len(detail.Substrates) != 1 || len(detail.SMUs) != 1 {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if len(detail.Events[0].Samples) != 11 || len(detail.Events[1].Samples) != 6 {
		t.Fatalf("unexpected sample counts %d, %d", len(detail.Events[0].Samples), len(detail.Events[1].Samples))
	}
	if detail.Events[1].Samples[0].Seq != 12 {
		t.Fatalf("expected second event to start at seq 12, got %d", detail.Events[1].Samples[0].Seq)
	}

	headers, err := query.Run(ctx, report.Run.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if headers.Events[0].Samples != nil {
		t.Fatalf("expected headers only")
	}

	if _, err := query.Run(ctx, "run-missing"); !errors.Is(err, measurement.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
