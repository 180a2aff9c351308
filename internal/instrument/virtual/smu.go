package virtual

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"ivlab/internal/measurement/application"
	measurement "ivlab/internal/measurement/domain"
)

// ErrInjectedFault is returned once the configured failure point is reached.
var ErrInjectedFault = errors.New("virtual: injected instrument fault")

// Clock provides the time base of reading timestamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// SMU simulates one sourcemeter channel wired to solar cells through a relay matrix.
type SMU struct {
	mu sync.Mutex

	idn       string
	cell      Cell
	cells     map[measurement.DeviceAddress]Cell
	clock     Clock
	t0        time.Time
	light     bool
	currentCL float64
	voltageCL float64

	failAfter int
	noSample  int

	mode     measurement.SourceMode
	setpoint float64
	output   bool
	selected measurement.DeviceAddress
	readings int
	pending  int
}

// Option configures an SMU.
type Option func(*SMU)

// WithCell sets the default cell model.
func WithCell(cell Cell) Option {
	return func(s *SMU) { s.cell = cell }
}

// WithDeviceCell sets the cell model behind one pixel.
func WithDeviceCell(addr measurement.DeviceAddress, cell Cell) Option {
	return func(s *SMU) { s.cells[addr] = cell }
}

// WithClock sets the time base.
func WithClock(clock Clock) Option {
	return func(s *SMU) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithFailAfter makes every reading after the first n fail.
func WithFailAfter(n int) Option {
	return func(s *SMU) { s.failAfter = n }
}

// WithNoSample makes the first n Measure calls after each SetSource report no sample.
func WithNoSample(n int) Option {
	return func(s *SMU) { s.noSample = n }
}

// WithDark switches the simulated illumination off.
func WithDark() Option {
	return func(s *SMU) { s.light = false }
}

// WithCompliance sets the current and voltage compliance limits.
func WithCompliance(current, voltage float64) Option {
	return func(s *SMU) {
		if current > 0 {
			s.currentCL = current
		}
		if voltage > 0 {
			s.voltageCL = voltage
		}
	}
}

// WithIDN sets the identification string.
func WithIDN(idn string) Option {
	return func(s *SMU) { s.idn = idn }
}

// NewSMU constructs a simulated channel.
func NewSMU(opts ...Option) *SMU {
	s := &SMU{
		idn:       "Virtual Sourcemeter",
		cell:      DefaultCell(),
		cells:     make(map[measurement.DeviceAddress]Cell),
		clock:     wallClock{},
		light:     true,
		currentCL: 0.04,
		voltageCL: 10,
		failAfter: -1,
		mode:      measurement.SourceVoltage,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.t0 = s.clock.Now()
	return s
}

// IDN returns the identification string.
func (s *SMU) IDN() string {
	return s.idn
}

// SelectDevice routes the channel to one pixel.
func (s *SMU) SelectDevice(ctx context.Context, addr measurement.DeviceAddress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = addr
	return nil
}

// SetSource applies a voltage or current setpoint and enables the output.
func (s *SMU) SetSource(ctx context.Context, mode measurement.SourceMode, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("virtual: invalid setpoint %v", value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch mode {
	case measurement.SourceVoltage, measurement.SourceCurrent:
	default:
		return fmt.Errorf("virtual: unsupported source mode %q", mode)
	}
	s.mode = mode
	s.setpoint = value
	s.output = true
	s.pending = s.noSample
	return nil
}

// SetOutput switches the output on or off.
func (s *SMU) SetOutput(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = on
	return nil
}

// Measure returns one reading at the present operating point.
func (s *SMU) Measure(ctx context.Context) (measurement.Reading, error) {
	if err := ctx.Err(); err != nil {
		return measurement.Reading{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		s.pending--
		return measurement.Reading{}, measurement.ErrNoSample
	}
	if s.failAfter >= 0 && s.readings >= s.failAfter {
		return measurement.Reading{}, ErrInjectedFault
	}
	s.readings++

	cell, ok := s.cells[s.selected]
	if !ok {
		cell = s.cell
	}
	var v, i float64
	compliance := false
	switch {
	case !s.output:
		v, i = 0, 0
	case s.mode == measurement.SourceVoltage:
		v = s.setpoint
		i = cell.Current(v, s.light)
		if math.Abs(i) > s.currentCL {
			i = math.Copysign(s.currentCL, i)
			compliance = true
		}
	default:
		i = s.setpoint
		v = cell.Voltage(i, s.light)
		if math.Abs(v) > s.voltageCL {
			v = math.Copysign(s.voltageCL, v)
			compliance = true
		}
	}
	return measurement.Reading{
		Time:    s.clock.Now().Sub(s.t0).Seconds(),
		Voltage: v,
		Current: i,
		Status:  measurement.NewStatusWord(s.mode, compliance),
	}, nil
}

// Readings returns how many readings were produced.
func (s *SMU) Readings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readings
}

// Pool hands out one simulated channel per SMU id.
type Pool struct {
	mu   sync.Mutex
	opts []Option
	smus map[string]*SMU
}

// NewPool constructs a pool; opts apply to every channel it creates.
func NewPool(opts ...Option) *Pool {
	return &Pool{opts: opts, smus: make(map[string]*SMU)}
}

// Register installs a preconfigured channel for an SMU id.
func (p *Pool) Register(smuID string, smu *SMU) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.smus[smuID] = smu
}

// Instrument returns the channel behind smu, creating it on first use.
func (p *Pool) Instrument(smu measurement.SMU) (*SMU, error) {
	if smu.ID == "" {
		return nil, errors.New("virtual: smu without id")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.smus[smu.ID]; ok {
		return s, nil
	}
	opts := p.opts
	if smu.IDN != "" {
		opts = append(append([]Option(nil), p.opts...), WithIDN(smu.IDN))
	}
	s := NewSMU(opts...)
	p.smus[smu.ID] = s
	return s, nil
}

// Source implements application.SourcePool.
func (p *Pool) Source(smu measurement.SMU) (application.SampleSource, error) {
	s, err := p.Instrument(smu)
	if err != nil {
		return nil, err
	}
	return s, nil
}
