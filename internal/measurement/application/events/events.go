package events

import "time"

// SampleIngested is emitted for every raw sample, in per-SMU arrival order.
type SampleIngested struct {
	RunID      string    `json:"run_id"`
	EventID    string    `json:"event_id"`
	EventKind  string    `json:"event_kind"`
	DeviceID   string    `json:"device_id"`
	SMUID      string    `json:"smu_id"`
	Seq        int64     `json:"seq"`
	Time       float64   `json:"t"`
	Voltage    float64   `json:"v"`
	Current    float64   `json:"i"`
	Status     uint32    `json:"status"`
	Area       float64   `json:"area"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventClosed is emitted once an event's sample range is final.
type EventClosed struct {
	RunID       string    `json:"run_id"`
	EventID     string    `json:"event_id"`
	EventKind   string    `json:"event_kind"`
	DeviceID    string    `json:"device_id"`
	SMUID       string    `json:"smu_id"`
	FirstSeq    int64     `json:"first_seq"`
	Count       int64     `json:"count"`
	Status      string    `json:"status"`
	AbortReason string    `json:"abort_reason,omitempty"`
	Voc         *float64  `json:"voc,omitempty"`
	Isc         *float64  `json:"isc,omitempty"`
	Vmpp        *float64  `json:"vmpp,omitempty"`
	Pmax        *float64  `json:"pmax,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// RunStarted is emitted after a run plan is validated and persisted.
type RunStarted struct {
	RunID      string    `json:"run_id"`
	Operator   string    `json:"operator"`
	SetupID    string    `json:"setup_id"`
	Items      int       `json:"items"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RunClosed is emitted when a run reaches a terminal status.
type RunClosed struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Events     int       `json:"events"`
	Skipped    []string  `json:"skipped_devices,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// All returns one zero value of every event type, for registry setup.
func All() []any {
	return []any{SampleIngested{}, EventClosed{}, RunStarted{}, RunClosed{}}
}
