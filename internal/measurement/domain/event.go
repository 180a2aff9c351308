package measurement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventKind names the event variant.
type EventKind string

const (
	EventKindSweep       EventKind = "sweep"
	EventKindSteadyState EventKind = "ss"
	EventKindMPPT        EventKind = "mppt"
)

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	EventStatusOpen    EventStatus = "open"
	EventStatusClosed  EventStatus = "closed"
	EventStatusAborted EventStatus = "aborted"
)

// SourceMode is the quantity the SMU forces.
type SourceMode string

const (
	SourceVoltage SourceMode = "voltage"
	SourceCurrent SourceMode = "current"
)

// ParseSourceMode accepts "voltage"/"v" and "current"/"i".
func ParseSourceMode(value string) (SourceMode, error) {
	switch value {
	case "voltage", "v", "V":
		return SourceVoltage, nil
	case "current", "i", "I":
		return SourceCurrent, nil
	default:
		return "", ConfigurationErrorf("unknown source mode %q", value)
	}
}

// EventHeader holds the fields common to every event variant.
type EventHeader struct {
	ID          string
	Kind        EventKind
	RunID       string
	DeviceID    string
	SMUID       string
	FirstSeq    int64
	Count       int64
	Source      SourceMode
	Area        float64
	Status      EventStatus
	AbortReason string
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// Range returns the half-open sample sequence range [FirstSeq, FirstSeq+Count).
func (h EventHeader) Range() (first, end int64) {
	return h.FirstSeq, h.FirstSeq + h.Count
}

// Contains reports whether seq falls inside the event's range.
func (h EventHeader) Contains(seq int64) bool {
	first, end := h.Range()
	return seq >= first && seq < end
}

// Payload is the variant-specific part of an event.
type Payload interface {
	Kind() EventKind
}

// SweepDirection orders a sweep ladder.
type SweepDirection string

const (
	SweepForward SweepDirection = "forward"
	SweepReverse SweepDirection = "reverse"
)

// SweepPayload describes an I-V sweep.
type SweepPayload struct {
	Low       float64
	High      float64
	Points    int
	Direction SweepDirection
	Light     bool
	StepDelay time.Duration
	Summary   *SweepSummary
}

// Kind implements Payload.
func (SweepPayload) Kind() EventKind { return EventKindSweep }

// SteadyStatePayload describes a fixed-setpoint dwell.
type SteadyStatePayload struct {
	Setpoint float64
	Duration time.Duration
}

// Kind implements Payload.
func (SteadyStatePayload) Kind() EventKind { return EventKindSteadyState }

// MPPTPayload describes a maximum power point tracking session.
type MPPTPayload struct {
	Algorithm string
	Version   string
	Params    map[string]float64
	Duration  time.Duration
	Cycles    int
	Center    float64
}

// Kind implements Payload.
func (MPPTPayload) Kind() EventKind { return EventKindMPPT }

// Event is a header plus exactly one payload.
type Event struct {
	Header  EventHeader
	Payload Payload
}

// Validate checks that header and payload agree.
func (e Event) Validate() error {
	if e.Header.ID == "" {
		return errors.New("event: empty id")
	}
	if e.Header.RunID == "" || e.Header.DeviceID == "" || e.Header.SMUID == "" {
		return errors.New("event: run, device and smu are required")
	}
	if e.Payload == nil {
		return errors.New("event: nil payload")
	}
	if e.Payload.Kind() != e.Header.Kind {
		return fmt.Errorf("event: kind %s does not match payload %s", e.Header.Kind, e.Payload.Kind())
	}
	if e.Header.Count < 0 || e.Header.FirstSeq < 1 {
		return errors.New("event: invalid sample range")
	}
	return nil
}

// Sweep returns the sweep payload if this is a sweep event.
func (e Event) Sweep() (SweepPayload, bool) {
	switch p := e.Payload.(type) {
	case SweepPayload:
		return p, true
	case *SweepPayload:
		if p == nil {
			return SweepPayload{}, false
		}
		return *p, true
	default:
		return SweepPayload{}, false
	}
}

// EventRepository persists events.
type EventRepository interface {
	Open(ctx context.Context, event *Event) error
	Close(ctx context.Context, event *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	ListByRun(ctx context.Context, runID string) ([]Event, error)
	ListBySMU(ctx context.Context, smuID string) ([]Event, error)
}
