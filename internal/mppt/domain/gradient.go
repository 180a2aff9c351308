package mppt

import (
	"fmt"
	"math"
)

// seedStep is the smallest first step taken when nothing constrains it.
const seedStep = 1e-4

// GradientTracker hill-climbs on power with a gain that ramps in over fade_in_seconds.
type GradientTracker struct {
	alpha   float64
	minStep float64
	fadeIn  float64
	maxStep float64
	bounds  Bounds

	voltage   float64
	lastPower float64
	havePower bool
	lastStep  float64
}

// NewGradientTracker constructs a gradient-descent tracker.
func NewGradientTracker(alpha, minStep, fadeInSeconds, maxStep float64, bounds Bounds) (*GradientTracker, error) {
	if !(alpha > 0) {
		return nil, fmt.Errorf("%w: alpha must be > 0", ErrInvalidDescriptor)
	}
	if !(minStep >= 0) {
		return nil, fmt.Errorf("%w: min_step must be >= 0", ErrInvalidDescriptor)
	}
	if !(fadeInSeconds >= 0) {
		return nil, fmt.Errorf("%w: fade_in_seconds must be >= 0", ErrInvalidDescriptor)
	}
	if !(maxStep > 0) || maxStep < minStep {
		return nil, fmt.Errorf("%w: max_step must be > 0 and >= min_step", ErrInvalidDescriptor)
	}
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	return &GradientTracker{
		alpha:   alpha,
		minStep: minStep,
		fadeIn:  fadeInSeconds,
		maxStep: maxStep,
		bounds:  bounds,
	}, nil
}

// EffectiveAlpha returns the gain at t seconds into tracking.
func (t *GradientTracker) EffectiveAlpha(seconds float64) float64 {
	if t.fadeIn == 0 {
		return t.alpha
	}
	if seconds <= 0 {
		return 0
	}
	return t.alpha * math.Min(seconds/t.fadeIn, 1)
}

// Start sets the operating point to center.
func (t *GradientTracker) Start(center float64) float64 {
	t.voltage = t.bounds.Clamp(center)
	t.havePower = false
	t.lastStep = 0
	return t.voltage
}

// Next computes the next setpoint from the change in power since the previous step.
func (t *GradientTracker) Next(obs Observation) float64 {
	power := obs.Power()
	var step float64
	if !t.havePower || t.lastStep == 0 {
		step = t.seed()
	} else {
		direction := sign(t.lastStep)
		if power-t.lastPower < 0 {
			direction = -direction
		}
		magnitude := t.EffectiveAlpha(obs.T) * math.Abs(t.lastStep)
		magnitude = math.Max(magnitude, t.minStep)
		magnitude = math.Min(magnitude, t.maxStep)
		step = direction * magnitude
	}

	next := t.bounds.Clamp(t.voltage + step)
	t.lastStep = next - t.voltage
	t.lastPower = power
	t.havePower = true
	t.voltage = next
	return next
}

// Voltage returns the last commanded setpoint.
func (t *GradientTracker) Voltage() float64 { return t.voltage }

func (t *GradientTracker) seed() float64 {
	step := math.Max(t.minStep, seedStep)
	if t.voltage+step > t.bounds.Max {
		return -step
	}
	return step
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
