package measurement

import (
	"context"
	"errors"
	"math"
)

const (
	statusCompliance    = 1 << 3
	statusVoltageSource = 1 << 14
	statusCurrentSource = 1 << 15
)

// StatusWord is the raw per-reading instrument status.
type StatusWord uint32

// Compliance reports whether the reading hit the compliance limit.
func (s StatusWord) Compliance() bool { return s&statusCompliance != 0 }

// Source reports which quantity the instrument was sourcing, if the bits say.
func (s StatusWord) Source() (SourceMode, bool) {
	switch {
	case s&statusVoltageSource != 0:
		return SourceVoltage, true
	case s&statusCurrentSource != 0:
		return SourceCurrent, true
	default:
		return "", false
	}
}

// NewStatusWord builds the status bits for a reading.
func NewStatusWord(source SourceMode, compliance bool) StatusWord {
	var s StatusWord
	switch source {
	case SourceVoltage:
		s |= statusVoltageSource
	case SourceCurrent:
		s |= statusCurrentSource
	}
	if compliance {
		s |= statusCompliance
	}
	return s
}

// Reading is what a sample source returns for one round-trip.
type Reading struct {
	Time    float64
	Voltage float64
	Current float64
	Status  StatusWord
}

// Validate rejects non-finite readings.
func (r Reading) Validate() error {
	if math.IsNaN(r.Voltage) || math.IsInf(r.Voltage, 0) || math.IsNaN(r.Current) || math.IsInf(r.Current, 0) {
		return errors.New("reading: non-finite value")
	}
	return nil
}

// RawSample is one persisted reading. Seq is the per-SMU arrival sequence starting at 1.
type RawSample struct {
	SMUID   string
	Seq     int64
	Time    float64
	Voltage float64
	Current float64
	Status  StatusWord
}

// Power returns V*I.
func (s RawSample) Power() float64 {
	return s.Voltage * s.Current
}

// SampleRepository persists raw samples.
type SampleRepository interface {
	Append(ctx context.Context, samples []RawSample) error
	// LastSequence returns the highest stored sequence for an SMU, or 0.
	LastSequence(ctx context.Context, smuID string) (int64, error)
	Range(ctx context.Context, smuID string, first, count int64) ([]RawSample, error)
}
