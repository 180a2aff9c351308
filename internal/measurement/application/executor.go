package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	measurement "ivlab/internal/measurement/domain"
	mppt "ivlab/internal/mppt/domain"
	"ivlab/internal/observability/metrics"
)

const (
	defaultPollInterval   = 50 * time.Millisecond
	defaultSampleInterval = 100 * time.Millisecond
	defaultTick           = 500 * time.Millisecond
	defaultMeasureTimeout = 5 * time.Second
	defaultDeadlineGrace  = time.Second
)

var (
	// ErrNoSampleBeforeDeadline is the cause reported when a dwell produced no reading.
	ErrNoSampleBeforeDeadline = errors.New("no sample before deadline")
	// ErrEventTimeout is the cause reported when an instrument kept an event past its deadline.
	ErrEventTimeout = errors.New("event deadline exceeded")
)

// EventPlan is everything needed to run one event on one device.
type EventPlan struct {
	RunID    string
	DeviceID string
	SMU      measurement.SMU
	Address  measurement.DeviceAddress
	Area     float64
	Source   measurement.SourceMode
	Payload  measurement.Payload
	// Tracker and Bounds are used by MPPT events only.
	Tracker mppt.Descriptor
	Bounds  mppt.Bounds
}

// Validate checks the parameters of the variant before any instrument is touched.
func (p EventPlan) Validate() error {
	if p.RunID == "" || p.DeviceID == "" || p.SMU.ID == "" {
		return measurement.ConfigurationErrorf("event plan requires run, device and smu")
	}
	switch payload := p.Payload.(type) {
	case measurement.SweepPayload:
		if payload.Points < 2 {
			return measurement.ConfigurationErrorf("sweep needs at least 2 points, got %d", payload.Points)
		}
		if p.Source != measurement.SourceVoltage && p.Source != measurement.SourceCurrent {
			return measurement.ConfigurationErrorf("sweep source mode %q", p.Source)
		}
	case measurement.SteadyStatePayload:
		if payload.Duration <= 0 {
			return measurement.ConfigurationErrorf("steady-state duration must be positive")
		}
		if p.Source != measurement.SourceVoltage && p.Source != measurement.SourceCurrent {
			return measurement.ConfigurationErrorf("steady-state source mode %q", p.Source)
		}
	case measurement.MPPTPayload:
		if payload.Duration <= 0 {
			return measurement.ConfigurationErrorf("mppt duration must be positive")
		}
		if p.Tracker.IsZero() {
			return measurement.ConfigurationErrorf("mppt event without tracker descriptor")
		}
		if err := p.Bounds.Validate(); err != nil {
			return measurement.ConfigurationErrorf("mppt bounds: %v", err)
		}
	case nil:
		return measurement.ConfigurationErrorf("event plan without payload")
	default:
		return measurement.ConfigurationErrorf("unsupported payload %T", p.Payload)
	}
	return nil
}

// Result is the outcome of one executed event.
type Result struct {
	Event measurement.Event
	// Last is the final sample of the event, when there was one.
	Last *measurement.RawSample
}

// Executor drives one event at a time against a sample source.
type Executor struct {
	attributor     *Attributor
	clock          Clock
	logger         *zap.Logger
	pollInterval   time.Duration
	sampleInterval time.Duration
	tick           time.Duration
	measureTimeout time.Duration
	roundTrip      time.Duration
	grace          time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorClock overrides the clock.
func WithExecutorClock(clock Clock) ExecutorOption {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPollInterval sets the wait after the source reports no sample.
func WithPollInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithSampleInterval sets the spacing between steady-state readings.
func WithSampleInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.sampleInterval = d
		}
	}
}

// WithTick sets the MPPT period between setpoint and reading.
func WithTick(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.tick = d
		}
	}
}

// WithMeasureTimeout bounds how long a single reading may be awaited.
func WithMeasureTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.measureTimeout = d
		}
	}
}

// WithDeadlineGrace sets how far past its duration a steady-state or MPPT
// event may run before it is aborted as an instrument timeout.
func WithDeadlineGrace(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithRoundTripEstimate enables the sweep deadline of points x estimate.
func WithRoundTripEstimate(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.roundTrip = d
		}
	}
}

// NewExecutor constructs an Executor.
func NewExecutor(attributor *Attributor, opts ...ExecutorOption) (*Executor, error) {
	if attributor == nil {
		return nil, errors.New("executor: nil attributor")
	}
	e := &Executor{
		attributor:     attributor,
		clock:          SystemClock{},
		logger:         zap.NewNop(),
		pollInterval:   defaultPollInterval,
		sampleInterval: defaultSampleInterval,
		tick:           defaultTick,
		measureTimeout: defaultMeasureTimeout,
		grace:          defaultDeadlineGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs one event. Instrument failures and cancellation close the event
// with the samples received so far; instrument failures are returned as
// *measurement.InstrumentError.
func (e *Executor) Execute(ctx context.Context, plan EventPlan, source SampleSource) (Result, error) {
	if e == nil {
		return Result{}, errors.New("executor: nil")
	}
	if source == nil {
		return Result{}, measurement.ConfigurationErrorf("no sample source for smu %s", plan.SMU.Name)
	}
	if err := plan.Validate(); err != nil {
		return Result{}, err
	}

	var tracker mppt.Tracker
	if payload, ok := plan.Payload.(measurement.MPPTPayload); ok {
		t, err := mppt.NewTracker(plan.Tracker, plan.Bounds)
		if err != nil {
			return Result{}, measurement.ConfigurationErrorf("mppt tracker: %v", err)
		}
		tracker = t
		payload.Algorithm = string(plan.Tracker.Strategy())
		payload.Version = plan.Tracker.Version()
		payload.Params = plan.Tracker.Params()
		plan.Payload = payload
		plan.Source = measurement.SourceVoltage
	}

	header := measurement.EventHeader{
		RunID:    plan.RunID,
		DeviceID: plan.DeviceID,
		SMUID:    plan.SMU.ID,
		Source:   plan.Source,
		Area:     plan.Area,
	}
	handle, err := e.attributor.Open(ctx, header, plan.Payload)
	if err != nil {
		return Result{}, err
	}
	defer handle.Release()

	logger := e.logger.With(
		zap.String("run_id", plan.RunID),
		zap.String("event_id", handle.Event().Header.ID),
		zap.String("kind", string(plan.Payload.Kind())),
		zap.String("device", plan.Address.String()),
		zap.String("smu", plan.SMU.Name))

	runErr := e.selectDevice(ctx, plan, source)
	if runErr == nil {
		switch payload := plan.Payload.(type) {
		case measurement.SweepPayload:
			runErr = e.runSweep(ctx, plan, payload, source, handle)
		case measurement.SteadyStatePayload:
			runErr = e.runSteadyState(ctx, plan, payload, source, handle)
		case measurement.MPPTPayload:
			runErr = e.runMPPT(ctx, plan, payload, tracker, source, handle)
		}
	}
	if sw, ok := source.(OutputSwitch); ok {
		if err := sw.SetOutput(context.WithoutCancel(ctx), false); err != nil {
			logger.Warn("output off failed", zap.Error(err))
		}
	}

	result := func(ev measurement.Event) Result {
		res := Result{Event: ev}
		if last, ok := handle.Last(); ok {
			res.Last = &last
		}
		return res
	}

	if errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil {
		runErr = fmt.Errorf("%w: %w", ErrEventTimeout, runErr)
	}
	if runErr == nil {
		ev, err := handle.Close(ctx)
		return result(ev), err
	}

	switch {
	case errors.Is(runErr, measurement.ErrAttribution):
		ev, _ := handle.Abort(ctx, "attribution error")
		logger.Error("event aborted on attribution error", zap.Error(runErr))
		return result(ev), runErr
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		if ctx.Err() != nil {
			ev, err := handle.Abort(ctx, "cancelled")
			if err != nil {
				return result(ev), err
			}
			logger.Info("event cancelled", zap.Int64("samples", ev.Header.Count))
			return result(ev), fmt.Errorf("event %s cancelled: %w", ev.Header.ID, runErr)
		}
	}

	metrics.IncInstrumentError(string(plan.Payload.Kind()))
	ev, err := handle.Abort(ctx, runErr.Error())
	if err != nil {
		return result(ev), err
	}
	logger.Warn("event aborted on instrument error", zap.Int64("samples", ev.Header.Count), zap.Error(runErr))
	return result(ev), &measurement.InstrumentError{
		SMU:     plan.SMU.Name,
		EventID: ev.Header.ID,
		Samples: ev.Header.Count,
		Err:     runErr,
	}
}

func (e *Executor) selectDevice(ctx context.Context, plan EventPlan, source SampleSource) error {
	selector, ok := source.(DeviceSelector)
	if !ok {
		return nil
	}
	return selector.SelectDevice(ctx, plan.Address)
}

// SweepLadder returns n evenly spaced setpoints from low to high, or high to low for reverse.
func SweepLadder(low, high float64, n int, direction measurement.SweepDirection) []float64 {
	if n < 2 {
		return nil
	}
	points := make([]float64, n)
	step := (high - low) / float64(n-1)
	for k := 0; k < n; k++ {
		points[k] = low + float64(k)*step
	}
	points[n-1] = high
	if direction == measurement.SweepReverse {
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			points[i], points[j] = points[j], points[i]
		}
	}
	return points
}

func (e *Executor) runSweep(ctx context.Context, plan EventPlan, payload measurement.SweepPayload, source SampleSource, handle *Handle) error {
	if e.roundTrip > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(payload.Points)*e.roundTrip)
		defer cancel()
	}
	for _, v := range SweepLadder(payload.Low, payload.High, payload.Points, payload.Direction) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := source.SetSource(ctx, plan.Source, v); err != nil {
			return err
		}
		if payload.StepDelay > 0 {
			if err := e.clock.Sleep(ctx, payload.StepDelay); err != nil {
				return err
			}
		}
		reading, err := e.measure(ctx, source)
		if err != nil {
			return err
		}
		if _, err := handle.Append(ctx, reading); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runSteadyState(ctx context.Context, plan EventPlan, payload measurement.SteadyStatePayload, source SampleSource, handle *Handle) error {
	ctx, cancel := context.WithTimeout(ctx, payload.Duration+e.sampleInterval+e.grace)
	defer cancel()
	if err := source.SetSource(ctx, plan.Source, payload.Setpoint); err != nil {
		return err
	}
	deadline := e.clock.Now().Add(payload.Duration)
	for e.clock.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		reading, err := e.read(ctx, source)
		if errors.Is(err, measurement.ErrNoSample) {
			if err := e.clock.Sleep(ctx, e.pollInterval); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := reading.Validate(); err != nil {
			return err
		}
		if _, err := handle.Append(ctx, reading); err != nil {
			return err
		}
		if err := e.clock.Sleep(ctx, e.sampleInterval); err != nil {
			return err
		}
	}
	if handle.Event().Header.Count == 0 {
		return fmt.Errorf("steady-state on %s: %w", plan.SMU.Name, ErrNoSampleBeforeDeadline)
	}
	return nil
}

func (e *Executor) runMPPT(ctx context.Context, plan EventPlan, payload measurement.MPPTPayload, tracker mppt.Tracker, source SampleSource, handle *Handle) error {
	ctx, cancel := context.WithTimeout(ctx, payload.Duration+e.tick+e.measureTimeout+e.grace)
	defer cancel()
	start := e.clock.Now()
	setpoint := tracker.Start(payload.Center)
	for cycle := 0; payload.Cycles <= 0 || cycle < payload.Cycles; cycle++ {
		if e.clock.Now().Sub(start) >= payload.Duration {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := source.SetSource(ctx, measurement.SourceVoltage, setpoint); err != nil {
			return err
		}
		metrics.SetMPPTSetpoint(plan.SMU.Name, setpoint)
		if err := e.clock.Sleep(ctx, e.tick); err != nil {
			return err
		}
		reading, err := e.measure(ctx, source)
		if err != nil {
			return err
		}
		if _, err := handle.Append(ctx, reading); err != nil {
			return err
		}
		setpoint = tracker.Next(mppt.Observation{
			T: e.clock.Now().Sub(start).Seconds(),
			V: reading.Voltage,
			I: reading.Current,
		})
	}
	return nil
}

// measure waits for one reading, polling while the source reports no sample.
func (e *Executor) measure(ctx context.Context, source SampleSource) (measurement.Reading, error) {
	deadline := e.clock.Now().Add(e.measureTimeout)
	for {
		reading, err := e.read(ctx, source)
		if err == nil {
			return reading, reading.Validate()
		}
		if !errors.Is(err, measurement.ErrNoSample) {
			return measurement.Reading{}, err
		}
		if !e.clock.Now().Before(deadline) {
			return measurement.Reading{}, ErrNoSampleBeforeDeadline
		}
		if err := e.clock.Sleep(ctx, e.pollInterval); err != nil {
			return measurement.Reading{}, err
		}
	}
}

// read asks the source for one reading, giving up after the measure timeout.
func (e *Executor) read(ctx context.Context, source SampleSource) (measurement.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, e.measureTimeout)
	defer cancel()
	return source.Measure(ctx)
}
