package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ivlab/internal/eventing"
	"ivlab/internal/measurement/application/events"
	measurement "ivlab/internal/measurement/domain"
	"ivlab/internal/observability/metrics"
)

var (
	// ErrBusy is returned when a run needs an SMU that another run holds.
	ErrBusy = errors.New("orchestrator: smu busy")
	// ErrRunNotActive is returned for unknown runs, and by Abort once a run finished.
	ErrRunNotActive = errors.New("orchestrator: run not active")
)

// RunReport is the outcome of a run.
type RunReport struct {
	Run     measurement.Run
	Events  []measurement.Event
	Skipped []string
	Err     error
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	report RunReport
}

// Orchestrator executes run plans, one lane per SMU.
type Orchestrator struct {
	runs       measurement.RunRepository
	masterdata measurement.MasterdataRepository
	events     measurement.EventRepository
	executor   *Executor
	sources    SourcePool
	publisher  eventing.EventBus
	clock      Clock
	logger     *zap.Logger

	mu       sync.Mutex
	busy     map[string]string
	active   map[string]*activeRun
	finished map[string]*activeRun
	recent   []string
	wg       sync.WaitGroup
}

const finishedRetention = 64

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorClock overrides the clock.
func WithOrchestratorClock(clock Clock) OrchestratorOption {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPublisher sets the bus for run lifecycle events.
func WithPublisher(publisher eventing.EventBus) OrchestratorOption {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(runs measurement.RunRepository, masterdata measurement.MasterdataRepository, events measurement.EventRepository, executor *Executor, sources SourcePool, opts ...OrchestratorOption) (*Orchestrator, error) {
	if runs == nil {
		return nil, errors.New("orchestrator: nil run repository")
	}
	if masterdata == nil {
		return nil, errors.New("orchestrator: nil masterdata repository")
	}
	if events == nil {
		return nil, errors.New("orchestrator: nil event repository")
	}
	if executor == nil {
		return nil, errors.New("orchestrator: nil executor")
	}
	if sources == nil {
		return nil, errors.New("orchestrator: nil source pool")
	}
	o := &Orchestrator{
		runs:       runs,
		masterdata: masterdata,
		events:     events,
		executor:   executor,
		sources:    sources,
		clock:      SystemClock{},
		logger:     zap.NewNop(),
		busy:       make(map[string]string),
		active:     make(map[string]*activeRun),
		finished:   make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Execute runs plan to completion and returns its report. The returned error is
// the one that ended the run early, if any.
func (o *Orchestrator) Execute(ctx context.Context, plan *RunPlan) (RunReport, error) {
	if o == nil {
		return RunReport{}, errors.New("orchestrator: nil")
	}
	sources, err := o.resolve(plan)
	if err != nil {
		return RunReport{}, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	active, err := o.acquire(plan, cancel)
	if err != nil {
		cancel()
		return RunReport{}, err
	}
	defer cancel()
	report := o.execute(runCtx, plan, sources)
	o.finish(plan, active, report)
	return report, report.Err
}

// Submit starts plan in the background and returns its run id. The run outlives ctx;
// use Abort to stop it.
func (o *Orchestrator) Submit(ctx context.Context, plan *RunPlan) (string, error) {
	if o == nil {
		return "", errors.New("orchestrator: nil")
	}
	sources, err := o.resolve(plan)
	if err != nil {
		return "", err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	active, err := o.acquire(plan, cancel)
	if err != nil {
		cancel()
		return "", err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		report := o.execute(runCtx, plan, sources)
		o.finish(plan, active, report)
	}()
	return plan.Run.ID, nil
}

// Abort cancels an in-flight run. Open events are closed with the samples received.
func (o *Orchestrator) Abort(runID string) error {
	o.mu.Lock()
	active := o.active[runID]
	o.mu.Unlock()
	if active == nil {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	o.logger.Info("run abort requested", zap.String("run_id", runID))
	active.cancel()
	return nil
}

// Wait blocks until runID finishes and returns its report. Reports of recently
// finished runs stay available.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (RunReport, error) {
	o.mu.Lock()
	active := o.active[runID]
	if active == nil {
		active = o.finished[runID]
	}
	o.mu.Unlock()
	if active == nil {
		return RunReport{}, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	select {
	case <-ctx.Done():
		return RunReport{}, ctx.Err()
	case <-active.done:
		return active.report, nil
	}
}

// Active reports whether runID is in flight.
func (o *Orchestrator) Active(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[runID] != nil
}

// Shutdown cancels every active run and waits for background runs to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, active := range o.active {
		active.cancel()
	}
	o.mu.Unlock()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (o *Orchestrator) resolve(plan *RunPlan) (map[string]SampleSource, error) {
	if plan == nil || len(plan.Items) == 0 {
		return nil, measurement.ConfigurationErrorf("empty run plan")
	}
	if err := plan.Run.Validate(); err != nil {
		return nil, measurement.ConfigurationErrorf("%v", err)
	}
	sources := make(map[string]SampleSource)
	for _, item := range plan.Items {
		smu := item.Plan.SMU
		if _, ok := sources[smu.ID]; ok {
			continue
		}
		source, err := o.sources.Source(smu)
		if err != nil {
			return nil, measurement.ConfigurationErrorf("smu %s: %v", smu.Name, err)
		}
		sources[smu.ID] = source
	}
	return sources, nil
}

func (o *Orchestrator) acquire(plan *RunPlan, cancel context.CancelFunc) (*activeRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[plan.Run.ID] != nil {
		return nil, fmt.Errorf("%w: run %s already active", ErrBusy, plan.Run.ID)
	}
	for _, item := range plan.Items {
		if holder, ok := o.busy[item.Plan.SMU.ID]; ok {
			return nil, fmt.Errorf("%w: %s held by run %s", ErrBusy, item.Plan.SMU.Name, holder)
		}
	}
	for _, item := range plan.Items {
		o.busy[item.Plan.SMU.ID] = plan.Run.ID
	}
	active := &activeRun{cancel: cancel, done: make(chan struct{})}
	o.active[plan.Run.ID] = active
	return active, nil
}

func (o *Orchestrator) finish(plan *RunPlan, active *activeRun, report RunReport) {
	o.mu.Lock()
	for smu, holder := range o.busy {
		if holder == plan.Run.ID {
			delete(o.busy, smu)
		}
	}
	delete(o.active, plan.Run.ID)
	active.report = report
	o.finished[plan.Run.ID] = active
	o.recent = append(o.recent, plan.Run.ID)
	if len(o.recent) > finishedRetention {
		delete(o.finished, o.recent[0])
		o.recent = o.recent[1:]
	}
	o.mu.Unlock()
	close(active.done)
}

func (o *Orchestrator) execute(ctx context.Context, plan *RunPlan, sources map[string]SampleSource) RunReport {
	run := plan.Run
	report := RunReport{Run: run}
	logger := o.logger.With(zap.String("run_id", run.ID))
	persistCtx := context.WithoutCancel(ctx)

	if err := o.persist(ctx, plan, &report.Run); err != nil {
		logger.Error("run persist failed", zap.Error(err))
		report.Run.Status = measurement.RunStatusFailed
		report.Err = err
		return report
	}
	o.publish(ctx, logger, events.RunStarted{
		RunID:      run.ID,
		Operator:   run.Operator,
		SetupID:    run.SetupID,
		Items:      len(plan.Items),
		OccurredAt: o.clock.Now(),
	})
	logger.Info("run started", zap.Int("items", len(plan.Items)), zap.String("policy", string(plan.Policy)))

	lanes := make(map[string][]RunItem)
	var order []string
	for _, item := range plan.Items {
		id := item.Plan.SMU.ID
		if _, ok := lanes[id]; !ok {
			order = append(order, id)
		}
		lanes[id] = append(lanes[id], item)
	}

	var (
		mu      sync.Mutex
		skipped []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, smuID := range order {
		items := lanes[smuID]
		source := sources[smuID]
		g.Go(func() error {
			centers := make(map[string]float64)
			skip := make(map[string]bool)
			for _, item := range items {
				if gctx.Err() != nil {
					return nil
				}
				if skip[item.Plan.DeviceID] {
					continue
				}
				eventPlan := item.Plan
				if item.CenterFromSteadyState {
					if payload, ok := eventPlan.Payload.(measurement.MPPTPayload); ok {
						payload.Center = centers[eventPlan.DeviceID]
						eventPlan.Payload = payload
					}
				}
				result, err := o.executor.Execute(gctx, eventPlan, source)
				if err == nil {
					if result.Event.Header.Kind == measurement.EventKindSteadyState && result.Last != nil {
						centers[eventPlan.DeviceID] = result.Last.Voltage
					}
					continue
				}
				switch {
				case errors.Is(err, measurement.ErrAttribution):
					return err
				case errors.Is(err, measurement.ErrInstrument):
					if plan.Policy == PolicyAbortRun {
						return err
					}
					logger.Warn("device skipped after instrument error",
						zap.String("device", eventPlan.Address.String()), zap.Error(err))
					skip[eventPlan.DeviceID] = true
					mu.Lock()
					skipped = append(skipped, eventPlan.Address.String())
					mu.Unlock()
				case gctx.Err() != nil:
					return nil
				default:
					return err
				}
			}
			return nil
		})
	}
	runErr := g.Wait()
	report.Skipped = skipped

	status := measurement.RunStatusCompleted
	switch {
	case errors.Is(runErr, measurement.ErrInstrument):
		status = measurement.RunStatusAborted
	case runErr != nil:
		status = measurement.RunStatusFailed
	case ctx.Err() != nil:
		status = measurement.RunStatusAborted
		runErr = ctx.Err()
	}

	list, err := o.events.ListByRun(persistCtx, run.ID)
	if err != nil {
		logger.Error("list run events failed", zap.Error(err))
		if runErr == nil {
			runErr = err
			status = measurement.RunStatusFailed
		}
	}
	report.Events = list
	headers := make([]measurement.EventHeader, 0, len(list))
	for _, ev := range list {
		headers = append(headers, ev.Header)
	}
	if err := measurement.CheckRanges(headers); err != nil {
		metrics.IncAttributionError()
		logger.Error("run event ranges invalid", zap.Error(err))
		status = measurement.RunStatusFailed
		runErr = errors.Join(runErr, err)
	}

	report.Run.Status = status
	report.Run.ClosedAt = o.clock.Now()
	report.Err = runErr
	if err := o.runs.Close(persistCtx, run.ID, status, report.Run.ClosedAt); err != nil {
		logger.Error("run close failed", zap.Error(err))
		report.Err = errors.Join(report.Err, err)
	}

	closed := events.RunClosed{
		RunID:      run.ID,
		Status:     string(status),
		Events:     len(list),
		Skipped:    skipped,
		OccurredAt: report.Run.ClosedAt,
	}
	if report.Err != nil {
		closed.Error = report.Err.Error()
	}
	o.publish(persistCtx, logger, closed)
	metrics.ObserveRun(string(status), report.Run.ClosedAt.Sub(run.StartedAt))
	logger.Info("run closed", zap.String("status", string(status)), zap.Int("events", len(list)), zap.Strings("skipped", skipped))
	return report
}

func (o *Orchestrator) persist(ctx context.Context, plan *RunPlan, run *measurement.Run) error {
	user, err := o.masterdata.EnsureUser(ctx, run.Operator)
	if err != nil {
		return err
	}
	run.UserID = user.ID
	for i := range plan.Labelled {
		if err := o.masterdata.SaveSubstrate(ctx, &plan.Labelled[i]); err != nil {
			return err
		}
	}
	for i := range plan.NewDevices {
		if err := o.masterdata.SaveDevice(ctx, &plan.NewDevices[i]); err != nil {
			return err
		}
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return err
	}
	return o.runs.SaveMappings(ctx, run.ID, plan.Substrates, plan.SMUs)
}

func (o *Orchestrator) publish(ctx context.Context, logger *zap.Logger, event any) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, event); err != nil {
		logger.Warn("run event publish failed", zap.String("event_type", eventing.EventType(event)), zap.Error(err))
	}
}
