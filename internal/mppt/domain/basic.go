package mppt

import (
	"fmt"
	"math"
)

// Phase is the basic tracker state.
type Phase string

const (
	PhaseExploring Phase = "exploring"
	PhaseDwelling  Phase = "dwelling"
)

const ladderEpsilon = 1e-9

// BasicTracker explores [center-degrees, center+degrees], then dwells at the best point.
type BasicTracker struct {
	degrees float64
	dwell   float64
	step    float64
	bounds  Bounds

	phase         Phase
	ladder        []float64
	index         int
	candidateV    float64
	candidateP    float64
	haveCandidate bool
	bestVoltage   float64
	bestPower     float64
	dwellStart    float64
	explorations  int
}

// NewBasicTracker constructs a perturb/dwell tracker.
func NewBasicTracker(degrees, dwellSeconds, step float64, bounds Bounds) (*BasicTracker, error) {
	if !(degrees > 0) {
		return nil, fmt.Errorf("%w: degrees must be > 0", ErrInvalidDescriptor)
	}
	if !(dwellSeconds >= 0) {
		return nil, fmt.Errorf("%w: dwell_seconds must be >= 0", ErrInvalidDescriptor)
	}
	if !(step > 0) {
		return nil, fmt.Errorf("%w: step must be > 0", ErrInvalidDescriptor)
	}
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	return &BasicTracker{
		degrees: degrees,
		dwell:   dwellSeconds,
		step:    step,
		bounds:  bounds,
		phase:   PhaseExploring,
	}, nil
}

// Start begins an exploration centred on center.
func (t *BasicTracker) Start(center float64) float64 {
	t.explore(center)
	return t.ladder[0]
}

// Next records obs against the current setpoint and advances the state machine.
func (t *BasicTracker) Next(obs Observation) float64 {
	if t.ladder == nil {
		return t.Start(obs.V)
	}
	switch t.phase {
	case PhaseExploring:
		power := obs.Power()
		if !t.haveCandidate || power > t.candidateP {
			t.candidateV = t.ladder[t.index]
			t.candidateP = power
			t.haveCandidate = true
		}
		t.index++
		if t.index < len(t.ladder) {
			return t.ladder[t.index]
		}
		t.bestVoltage = t.candidateV
		t.bestPower = t.candidateP
		t.explorations++
		t.phase = PhaseDwelling
		t.dwellStart = obs.T
		return t.bestVoltage
	default:
		if obs.T-t.dwellStart >= t.dwell {
			return t.Start(t.bestVoltage)
		}
		return t.bestVoltage
	}
}

// Phase returns the current state.
func (t *BasicTracker) Phase() Phase { return t.phase }

// Explorations returns the number of completed exploration phases.
func (t *BasicTracker) Explorations() int { return t.explorations }

// Best returns the dwell voltage and power found by the last completed exploration.
func (t *BasicTracker) Best() (voltage, power float64) { return t.bestVoltage, t.bestPower }

func (t *BasicTracker) explore(center float64) {
	t.phase = PhaseExploring
	t.ladder = t.buildLadder(center)
	t.index = 0
	t.haveCandidate = false
}

func (t *BasicTracker) buildLadder(center float64) []float64 {
	lo := center - t.degrees
	hi := center + t.degrees
	n := int(math.Floor((hi-lo)/t.step + ladderEpsilon))
	points := make([]float64, 0, n+2)
	appendPoint := func(v float64) {
		v = t.bounds.Clamp(v)
		if len(points) > 0 && math.Abs(points[len(points)-1]-v) < ladderEpsilon {
			return
		}
		points = append(points, v)
	}
	for k := 0; k <= n; k++ {
		appendPoint(lo + float64(k)*t.step)
	}
	appendPoint(hi)
	return points
}
