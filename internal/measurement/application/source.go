package application

import (
	"context"

	measurement "ivlab/internal/measurement/domain"
)

// SampleSource is one SMU channel: it applies a stimulus and returns readings.
// Measure returns measurement.ErrNoSample when nothing is available yet.
type SampleSource interface {
	SetSource(ctx context.Context, mode measurement.SourceMode, value float64) error
	Measure(ctx context.Context) (measurement.Reading, error)
}

// DeviceSelector is implemented by sources that route to one pixel through a relay matrix.
type DeviceSelector interface {
	SelectDevice(ctx context.Context, addr measurement.DeviceAddress) error
}

// OutputSwitch is implemented by sources whose output can be disabled between events.
type OutputSwitch interface {
	SetOutput(ctx context.Context, on bool) error
}

// SourcePool resolves the instrument behind an SMU record.
type SourcePool interface {
	Source(smu measurement.SMU) (SampleSource, error)
}
