package measurement

import (
	"context"
	"errors"
	"sort"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
	RunStatusFailed    RunStatus = "failed"
)

// User is an operator.
type User struct {
	ID   string
	Name string
}

// RunParameters maps parameter name to per-substrate value.
type RunParameters map[string]map[string]string

// Run is one operator-initiated measurement campaign.
type Run struct {
	ID          string
	UserID      string
	Operator    string
	Description string
	SetupID     string
	Params      RunParameters
	Status      RunStatus
	StartedAt   time.Time
	ClosedAt    time.Time
}

// Validate checks run invariants.
func (r Run) Validate() error {
	if r.ID == "" {
		return errors.New("run: empty id")
	}
	if r.SetupID == "" {
		return errors.New("run: empty setup id")
	}
	if r.Operator == "" {
		return errors.New("run: empty operator")
	}
	return nil
}

// Closed reports whether the run reached a terminal status.
func (r Run) Closed() bool {
	return r.Status != "" && r.Status != RunStatusRunning
}

// CheckCoverage verifies every parameter has a value for every substrate.
func (r Run) CheckCoverage(substrateIDs []string) error {
	names := make([]string, 0, len(r.Params))
	for name := range r.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := r.Params[name]
		for _, id := range substrateIDs {
			if _, ok := values[id]; !ok {
				return ConfigurationErrorf("run parameter %q has no value for substrate %s", name, id)
			}
		}
	}
	return nil
}

// SlotSubstrateMapping records which substrate sat in a slot for one run.
type SlotSubstrateMapping struct {
	RunID       string
	SlotID      string
	SubstrateID string
}

// SlotSMUMapping records which SMU was wired to a slot for one run.
type SlotSMUMapping struct {
	RunID  string
	SlotID string
	SMUID  string
}

// RunRepository persists runs and their slot mappings.
type RunRepository interface {
	Create(ctx context.Context, run *Run) error
	Close(ctx context.Context, id string, status RunStatus, closedAt time.Time) error
	Get(ctx context.Context, id string) (*Run, error)
	SaveMappings(ctx context.Context, runID string, substrates []SlotSubstrateMapping, smus []SlotSMUMapping) error
	Mappings(ctx context.Context, runID string) ([]SlotSubstrateMapping, []SlotSMUMapping, error)
}
