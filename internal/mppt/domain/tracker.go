package mppt

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidBounds is returned when the safe voltage range is empty or not finite.
var ErrInvalidBounds = errors.New("mppt: invalid bounds")

// Observation is one measured operating point.
type Observation struct {
	// T is seconds since tracking started.
	T float64
	V float64
	I float64
}

// Power returns V*I.
func (o Observation) Power() float64 {
	return o.V * o.I
}

// Bounds is the caller-supplied safe voltage range.
type Bounds struct {
	Min float64
	Max float64
}

// Validate checks that the range is finite and non-empty.
func (b Bounds) Validate() error {
	if math.IsNaN(b.Min) || math.IsNaN(b.Max) || math.IsInf(b.Min, 0) || math.IsInf(b.Max, 0) {
		return fmt.Errorf("%w: non-finite range", ErrInvalidBounds)
	}
	if b.Min >= b.Max {
		return fmt.Errorf("%w: min %g >= max %g", ErrInvalidBounds, b.Min, b.Max)
	}
	return nil
}

// Clamp limits v to the range.
func (b Bounds) Clamp(v float64) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// Tracker produces voltage setpoints from observed operating points.
type Tracker interface {
	// Start resets the tracker around center and returns the first setpoint.
	Start(center float64) float64
	// Next consumes the observation taken at the previous setpoint and returns the next one.
	Next(obs Observation) float64
}

// NewTracker builds the tracker a descriptor selects.
func NewTracker(d Descriptor, bounds Bounds) (Tracker, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	switch d.Strategy() {
	case StrategyBasic:
		return NewBasicTracker(d.mustParam("degrees"), d.mustParam("dwell_seconds"), d.mustParam("step"), bounds)
	case StrategyGradientDescent:
		return NewGradientTracker(d.mustParam("alpha"), d.mustParam("min_step"), d.mustParam("fade_in_seconds"), d.mustParam("max_step"), bounds)
	default:
		return nil, fmt.Errorf("%w: unparsed descriptor", ErrInvalidDescriptor)
	}
}
