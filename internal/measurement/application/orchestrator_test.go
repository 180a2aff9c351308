package application_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"ivlab/internal/eventing"
	"ivlab/internal/instrument/virtual"
	"ivlab/internal/measurement/application"
	"ivlab/internal/measurement/application/events"
	measurement "ivlab/internal/measurement/domain"
	"ivlab/internal/measurement/infrastructure/memory"
)

type stubPool map[string]application.SampleSource

func (p stubPool) Source(smu measurement.SMU) (application.SampleSource, error) {
	source, ok := p[smu.ID]
	if !ok {
		return nil, errors.New("no instrument")
	}
	return source, nil
}

// faultySource fails readings on one pixel once that pixel produced n readings.
type faultySource struct {
	*virtual.SMU
	mu       sync.Mutex
	target   measurement.DeviceAddress
	after    int
	selected measurement.DeviceAddress
	seen     int
}

func (s *faultySource) SelectDevice(ctx context.Context, addr measurement.DeviceAddress) error {
	s.mu.Lock()
	s.selected = addr
	s.mu.Unlock()
	return s.SMU.SelectDevice(ctx, addr)
}

func (s *faultySource) Measure(ctx context.Context) (measurement.Reading, error) {
	s.mu.Lock()
	if s.selected == s.target {
		if s.seen >= s.after {
			s.mu.Unlock()
			return measurement.Reading{}, virtual.ErrInjectedFault
		}
		s.seen++
	}
	s.mu.Unlock()
	return s.SMU.Measure(ctx)
}

// blockingSource never returns a reading until its context ends.
type blockingSource struct {
	started chan struct{}
	once    sync.Once
}

func (s *blockingSource) SetSource(ctx context.Context, mode measurement.SourceMode, value float64) error {
	return nil
}

func (s *blockingSource) Measure(ctx context.Context) (measurement.Reading, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return measurement.Reading{}, ctx.Err()
}

type fixture struct {
	clock        *application.ManualClock
	masterdata   *memory.MasterdataRepository
	runs         *memory.RunRepository
	events       *memory.EventRepository
	samples      *memory.SampleRepository
	planner      *application.Planner
	bus          *eventing.InMemoryBus
	closed       []events.RunClosed
	closedMu     sync.Mutex
	attributor   *application.Attributor
	executor     *application.Executor
	orchestrator *application.Orchestrator
}

func newFixture(t *testing.T, pool application.SourcePool) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		clock:      application.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		masterdata: memory.NewMasterdataRepository(),
		runs:       memory.NewRunRepository(),
		events:     memory.NewEventRepository(),
		samples:    memory.NewSampleRepository(),
		bus:        eventing.NewInMemoryBus(),
	}
	f.bus.Subscribe(eventing.EventTypeOf[events.RunClosed](), func(ctx context.Context, event any) error {
		f.closedMu.Lock()
		defer f.closedMu.Unlock()
		f.closed = append(f.closed, event.(events.RunClosed))
		return nil
	})

	setup := &measurement.Setup{ID: "setup-1", Name: "bench"}
	slots := []measurement.Slot{
		{ID: "slot-b", SetupID: "setup-1", Designator: "B", Position: 1, Pads: 4},
		{ID: "slot-a", SetupID: "setup-1", Designator: "A", Position: 0, Pads: 4},
	}
	if err := f.masterdata.SaveSetup(ctx, setup, slots); err != nil {
		t.Fatalf("setup: %v", err)
	}
	layout := &measurement.Layout{ID: "layout-1", Name: "four pixel", Version: "1"}
	var pixels []measurement.LayoutPixel
	for n := 1; n <= 4; n++ {
		pixels = append(pixels, measurement.LayoutPixel{ID: "px-" + string(rune('0'+n)), LayoutID: "layout-1", Number: n, LightArea: 0.15, DarkArea: 0.2})
	}
	if err := f.masterdata.SaveLayout(ctx, layout, pixels); err != nil {
		t.Fatalf("layout: %v", err)
	}
	for _, id := range []string{"sub-a", "sub-b"} {
		if err := f.masterdata.SaveSubstrate(ctx, &measurement.Substrate{ID: id, LayoutID: "layout-1"}); err != nil {
			t.Fatalf("substrate: %v", err)
		}
	}
	for _, id := range []string{"smu-1", "smu-2"} {
		if err := f.masterdata.SaveSMU(ctx, &measurement.SMU{ID: id, Name: id}); err != nil {
			t.Fatalf("smu: %v", err)
		}
	}

	var err error
	f.planner, err = application.NewPlanner(f.masterdata, application.WithPlannerClock(f.clock))
	if err != nil {
		t.Fatalf("planner: %v", err)
	}
	f.attributor, err = application.NewAttributor(f.events, f.samples, f.bus, application.WithAttributorClock(f.clock))
	if err != nil {
		t.Fatalf("attributor: %v", err)
	}
	f.executor, err = application.NewExecutor(f.attributor,
		application.WithExecutorClock(f.clock),
		application.WithSampleInterval(100*time.Millisecond),
		application.WithTick(100*time.Millisecond),
		application.WithDeadlineGrace(time.Minute))
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	f.orchestrator, err = application.NewOrchestrator(f.runs, f.masterdata, f.events, f.executor, pool,
		application.WithOrchestratorClock(f.clock), application.WithPublisher(f.bus))
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return f
}

func deviceIDs(plan *application.RunPlan) map[string]string {
	out := make(map[string]string)
	for _, item := range plan.Items {
		out[item.Plan.Address.String()] = item.Plan.DeviceID
	}
	return out
}

func eventsFor(list []measurement.Event, deviceID string) []measurement.Event {
	var out []measurement.Event
	for _, ev := range list {
		if ev.Header.DeviceID == deviceID {
			out = append(out, ev)
		}
	}
	return out
}

func TestOrchestratorCentresMPPTOnSteadyState(t *testing.T) {
	ctx := context.Background()
	pool := virtual.NewPool()
	f := newFixture(t, pool)
	clock := f.clock
	pool.Register("smu-1", virtual.NewSMU(virtual.WithClock(clock)))
	pool.Register("smu-2", virtual.NewSMU(virtual.WithClock(clock)))

	order := application.WorkOrder{
		Operator: "alex",
		SetupID:  "setup-1",
		Slots: []application.SlotAssignment{
			{Slot: "A", SubstrateID: "sub-a", SMUID: "smu-1", Label: "QX-1"},
		},
		Devices: []string{"A1", "A2"},
		Events: []application.EventSpec{
			{Kind: "ss", Source: "current", Setpoint: 0, DurationS: 1},
			{Kind: "mppt", Algorithm: "basic://0.2:1:0.05", DurationS: 2},
		},
	}
	plan, err := f.planner.Plan(ctx, order)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	report, err := f.orchestrator.Execute(ctx, plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Run.Status != measurement.RunStatusCompleted || len(report.Events) != 4 {
		t.Fatalf("unexpected report status %s with %d events", report.Run.Status, len(report.Events))
	}

	for addr, deviceID := range deviceIDs(plan) {
		list := eventsFor(report.Events, deviceID)
		if len(list) != 2 {
			t.Fatalf("%s: expected 2 events, got %d", addr, len(list))
		}
		ss, tracking := list[0].Header, list[1]
		last, err := f.samples.Range(ctx, ss.SMUID, ss.FirstSeq+ss.Count-1, 1)
		if err != nil || len(last) != 1 {
			t.Fatalf("%s: last steady-state sample: %v", addr, err)
		}
		payload := tracking.Payload.(measurement.MPPTPayload)
		if math.Abs(payload.Center-last[0].Voltage) > 1e-12 {
			t.Fatalf("%s: mppt centred at %v, want %v", addr, payload.Center, last[0].Voltage)
		}
		if payload.Center < 0.8 {
			t.Fatalf("%s: expected open-circuit centre, got %v", addr, payload.Center)
		}
	}

	stored, err := f.runs.Get(ctx, plan.Run.ID)
	if err != nil || stored.Status != measurement.RunStatusCompleted || stored.ClosedAt.IsZero() {
		t.Fatalf("expected persisted completed run, got %+v %v", stored, err)
	}
	substrates, smus, _ := f.runs.Mappings(ctx, plan.Run.ID)
	if len(substrates) != 1 || len(smus) != 1 {
		t.Fatalf("expected slot mappings, got %v %v", substrates, smus)
	}
	labelled, _ := f.masterdata.Substrate(ctx, "sub-a")
	if labelled.Label != "QX-1" {
		t.Fatalf("expected substrate label stored, got %q", labelled.Label)
	}
	if len(f.closed) != 1 || f.closed[0].Status != string(measurement.RunStatusCompleted) {
		t.Fatalf("expected one completed RunClosed, got %+v", f.closed)
	}
}

func TestOrchestratorRunsOneLanePerSMU(t *testing.T) {
	ctx := context.Background()
	pool := virtual.NewPool()
	f := newFixture(t, pool)

	order := application.WorkOrder{
		Operator: "alex",
		SetupID:  "setup-1",
		Slots: []application.SlotAssignment{
			{Slot: "A", SubstrateID: "sub-a", SMUID: "smu-1"},
			{Slot: "B", SubstrateID: "sub-b", SMUID: "smu-2"},
		},
		// bit 0 selects A1, bit 5 selects B2
		Devices: []string{"0x21"},
		Cycles:  2,
		Events: []application.EventSpec{
			{Kind: "sweep", Low: -0.2, High: 1, Points: 13},
			{Kind: "sweep", Low: -0.2, High: 1, Points: 13, Direction: "reverse"},
		},
	}
	plan, err := f.planner.Plan(ctx, order)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Items) != 8 || len(plan.NewDevices) != 2 {
		t.Fatalf("expected 8 items on 2 new devices, got %d items, %d devices", len(plan.Items), len(plan.NewDevices))
	}
	report, err := f.orchestrator.Execute(ctx, plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Run.Status != measurement.RunStatusCompleted || len(report.Events) != 8 {
		t.Fatalf("unexpected report %s with %d events", report.Run.Status, len(report.Events))
	}
	for _, smuID := range []string{"smu-1", "smu-2"} {
		list, _ := f.events.ListBySMU(ctx, smuID)
		if len(list) != 4 {
			t.Fatalf("%s: expected 4 events, got %d", smuID, len(list))
		}
		var next int64 = 1
		for _, ev := range list {
			if ev.Header.FirstSeq != next || ev.Header.Count != 13 {
				t.Fatalf("%s: event range [%d,+%d), want start %d", smuID, ev.Header.FirstSeq, ev.Header.Count, next)
			}
			next += ev.Header.Count
		}
	}
	for _, device := range plan.NewDevices {
		if _, err := f.masterdata.FindDevice(ctx, device.SubstrateID, device.PixelID); err != nil {
			t.Fatalf("expected device %s persisted: %v", device.ID, err)
		}
	}
}

func skipOrder(policy application.ErrorPolicy) application.WorkOrder {
	return application.WorkOrder{
		Operator:          "alex",
		SetupID:           "setup-1",
		Slots:             []application.SlotAssignment{{Slot: "A", SubstrateID: "sub-a", SMUID: "smu-1"}},
		Devices:           []string{"A1", "A2"},
		OnInstrumentError: policy,
		Events: []application.EventSpec{
			{Kind: "ss", Setpoint: 0.5, DurationS: 1},
			{Kind: "sweep", Low: 0, High: 1, Points: 5},
		},
	}
}

func TestOrchestratorSkipsFailedDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stubPool{})
	source := &faultySource{SMU: virtual.NewSMU(virtual.WithClock(f.clock)), target: measurement.DeviceAddress{Slot: "A", Pixel: 1}, after: 3}
	f.orchestrator, _ = application.NewOrchestrator(f.runs, f.masterdata, f.events, f.executor, stubPool{"smu-1": source},
		application.WithOrchestratorClock(f.clock), application.WithPublisher(f.bus))

	plan, err := f.planner.Plan(ctx, skipOrder(application.PolicySkipDevice))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	report, err := f.orchestrator.Execute(ctx, plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Run.Status != measurement.RunStatusCompleted {
		t.Fatalf("expected completed run, got %s", report.Run.Status)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "A1" {
		t.Fatalf("expected A1 skipped, got %v", report.Skipped)
	}
	ids := deviceIDs(plan)
	failed := eventsFor(report.Events, ids["A1"])
	if len(failed) != 1 || failed[0].Header.Status != measurement.EventStatusAborted || failed[0].Header.Count != 3 {
		t.Fatalf("expected one partial aborted event for A1, got %+v", failed)
	}
	healthy := eventsFor(report.Events, ids["A2"])
	if len(healthy) != 2 {
		t.Fatalf("expected both events for A2, got %d", len(healthy))
	}
	for _, ev := range healthy {
		if ev.Header.Status != measurement.EventStatusClosed {
			t.Fatalf("expected closed A2 event, got %s", ev.Header.Status)
		}
	}
}

func TestOrchestratorAbortRunPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stubPool{})
	source := &faultySource{SMU: virtual.NewSMU(virtual.WithClock(f.clock)), target: measurement.DeviceAddress{Slot: "A", Pixel: 1}, after: 3}
	f.orchestrator, _ = application.NewOrchestrator(f.runs, f.masterdata, f.events, f.executor, stubPool{"smu-1": source},
		application.WithOrchestratorClock(f.clock))

	plan, err := f.planner.Plan(ctx, skipOrder(application.PolicyAbortRun))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	report, err := f.orchestrator.Execute(ctx, plan)
	if !errors.Is(err, measurement.ErrInstrument) {
		t.Fatalf("expected instrument error, got %v", err)
	}
	if report.Run.Status != measurement.RunStatusAborted {
		t.Fatalf("expected aborted run, got %s", report.Run.Status)
	}
	if len(report.Events) != 1 {
		t.Fatalf("expected the run to stop after the failed event, got %d events", len(report.Events))
	}
}

func TestOrchestratorRejectsBusySMUAndAborts(t *testing.T) {
	ctx := context.Background()
	blocking := &blockingSource{started: make(chan struct{})}
	f := newFixture(t, stubPool{"smu-1": blocking})

	order := skipOrder(application.PolicySkipDevice)
	first, err := f.planner.Plan(ctx, order)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	runID, err := f.orchestrator.Submit(ctx, first)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not start")
	}

	second, err := f.planner.Plan(ctx, order)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if _, err := f.orchestrator.Execute(ctx, second); !errors.Is(err, application.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	if err := f.orchestrator.Abort(runID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	report, err := f.orchestrator.Wait(waitCtx, runID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if report.Run.Status != measurement.RunStatusAborted {
		t.Fatalf("expected aborted run, got %s", report.Run.Status)
	}
	if !errors.Is(report.Err, context.Canceled) {
		t.Fatalf("expected cancellation cause, got %v", report.Err)
	}
	for _, ev := range report.Events {
		if ev.Header.Status == measurement.EventStatusOpen {
			t.Fatalf("event %s left open", ev.Header.ID)
		}
	}
	if err := f.orchestrator.Abort(runID); !errors.Is(err, application.ErrRunNotActive) {
		t.Fatalf("expected ErrRunNotActive, got %v", err)
	}
}

func TestOrchestratorUnknownInstrumentIsConfigurationError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stubPool{})
	plan, err := f.planner.Plan(ctx, skipOrder(application.PolicySkipDevice))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if _, err := f.orchestrator.Execute(ctx, plan); !errors.Is(err, measurement.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := f.runs.Get(ctx, plan.Run.ID); !errors.Is(err, measurement.ErrNotFound) {
		t.Fatalf("expected no run persisted, got %v", err)
	}
}
