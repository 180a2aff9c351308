package measurement

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid input caught before any instrument is touched.
	ErrConfiguration = errors.New("measurement: configuration error")
	// ErrInstrument marks a failed or timed-out instrument round-trip.
	ErrInstrument = errors.New("measurement: instrument error")
	// ErrAttribution marks a broken sample-to-event invariant.
	ErrAttribution = errors.New("measurement: attribution error")
	// ErrNotFound is returned by repositories for missing rows.
	ErrNotFound = errors.New("measurement: not found")
	// ErrNoSample reports that the instrument has nothing to return yet.
	ErrNoSample = errors.New("measurement: no sample available")
)

// ConfigurationErrorf wraps ErrConfiguration with details.
func ConfigurationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// AttributionErrorf wraps ErrAttribution with details.
func AttributionErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAttribution, fmt.Sprintf(format, args...))
}

// InstrumentError describes an instrument failure inside an event.
type InstrumentError struct {
	SMU     string
	EventID string
	Samples int64
	Err     error
}

func (e *InstrumentError) Error() string {
	if e == nil {
		return ErrInstrument.Error()
	}
	return fmt.Sprintf("measurement: instrument %s failed in event %s after %d samples: %v", e.SMU, e.EventID, e.Samples, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *InstrumentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches ErrInstrument.
func (e *InstrumentError) Is(target error) bool {
	return target == ErrInstrument
}
