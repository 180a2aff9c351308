package application

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	measurement "ivlab/internal/measurement/domain"
	mppt "ivlab/internal/mppt/domain"
)

// ErrorPolicy decides what an instrument failure does to the rest of a run.
type ErrorPolicy string

const (
	PolicySkipDevice ErrorPolicy = "skip_device"
	PolicyAbortRun   ErrorPolicy = "abort_run"
)

// PresetIV expands to the classic solar-cell sequence.
const PresetIV = "iv"

// SlotAssignment places a substrate in a slot and wires the slot to an SMU for one run.
type SlotAssignment struct {
	Slot        string `json:"slot"`
	SubstrateID string `json:"substrate_id"`
	SMUID       string `json:"smu_id"`
	Label       string `json:"label,omitempty"`
}

// EventSpec is one requested event, applied to every selected device.
type EventSpec struct {
	Kind      string  `json:"kind"`
	Source    string  `json:"source,omitempty"`
	Low       float64 `json:"low,omitempty"`
	High      float64 `json:"high,omitempty"`
	Points    int     `json:"points,omitempty"`
	Direction string  `json:"direction,omitempty"`
	// StepDelayMS is the settling time before each sweep reading.
	StepDelayMS int      `json:"step_delay_ms,omitempty"`
	Setpoint    float64  `json:"setpoint,omitempty"`
	DurationS   float64  `json:"duration_s,omitempty"`
	Algorithm   string   `json:"algorithm,omitempty"`
	Cycles      int      `json:"cycles,omitempty"`
	Center      *float64 `json:"center,omitempty"`
}

// WorkOrder is the external command that starts a run.
type WorkOrder struct {
	Operator          string                    `json:"operator"`
	Description       string                    `json:"description,omitempty"`
	SetupID           string                    `json:"setup_id"`
	Slots             []SlotAssignment          `json:"slots"`
	Devices           []string                  `json:"devices"`
	DeviceType        string                    `json:"device_type,omitempty"`
	Area              float64                   `json:"area,omitempty"`
	Light             *bool                     `json:"light,omitempty"`
	Params            measurement.RunParameters `json:"params,omitempty"`
	Preset            string                    `json:"preset,omitempty"`
	Events            []EventSpec               `json:"events,omitempty"`
	Cycles            int                       `json:"cycles,omitempty"`
	OnInstrumentError ErrorPolicy               `json:"on_instrument_error,omitempty"`
}

// DecodeWorkOrder parses a JSON work order.
func DecodeWorkOrder(data []byte) (WorkOrder, error) {
	var order WorkOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return WorkOrder{}, measurement.ConfigurationErrorf("decode work order: %v", err)
	}
	return order, nil
}

// RunItem is one event on one device, in caller order.
type RunItem struct {
	Plan  EventPlan
	Cycle int
	// CenterFromSteadyState centres MPPT on the device's last steady-state voltage.
	CenterFromSteadyState bool
}

// RunPlan is a fully resolved work order. Nothing has been persisted yet.
type RunPlan struct {
	Run        measurement.Run
	Substrates []measurement.SlotSubstrateMapping
	SMUs       []measurement.SlotSMUMapping
	// NewDevices are created on first use when the run starts.
	NewDevices []measurement.Device
	// Labelled are substrates whose label is assigned by this run.
	Labelled []measurement.Substrate
	Items    []RunItem
	Policy   ErrorPolicy
	SMUByID  map[string]measurement.SMU
}

// Devices returns the distinct device ids of the plan in first-seen order.
func (p RunPlan) Devices() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, item := range p.Items {
		if _, ok := seen[item.Plan.DeviceID]; ok {
			continue
		}
		seen[item.Plan.DeviceID] = struct{}{}
		out = append(out, item.Plan.DeviceID)
	}
	return out
}

// IVPreset holds the parameters of the "iv" preset.
type IVPreset struct {
	SteadyState time.Duration
	SweepLow    float64
	SweepHigh   float64
	SweepPoints int
	MPPT        time.Duration
}

// DefaultIVPreset returns the preset used when none is configured.
func DefaultIVPreset() IVPreset {
	return IVPreset{
		SteadyState: 10 * time.Second,
		SweepLow:    -0.2,
		SweepHigh:   1.2,
		SweepPoints: 101,
		MPPT:        30 * time.Second,
	}
}

// Planner turns work orders into run plans against masterdata.
type Planner struct {
	masterdata  measurement.MasterdataRepository
	clock       Clock
	descriptor  mppt.Descriptor
	bounds      mppt.Bounds
	policy      ErrorPolicy
	preset      IVPreset
	defaultType measurement.DeviceType
}

// DefaultMPPT explores ±0.35 V around the operating point in 50 mV steps.
// The bare "basic://" defaults work in bias units and suit instruments driven in those.
const DefaultMPPT = "basic://0.35:10:0.05"

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithDefaultMPPT sets the tracker used when an MPPT event names none.
func WithDefaultMPPT(d mppt.Descriptor) PlannerOption {
	return func(p *Planner) {
		if !d.IsZero() {
			p.descriptor = d
		}
	}
}

// WithDefaultBounds sets the MPPT voltage bounds used when an event gives none.
func WithDefaultBounds(b mppt.Bounds) PlannerOption {
	return func(p *Planner) {
		if b.Validate() == nil {
			p.bounds = b
		}
	}
}

// WithDefaultPolicy sets the instrument error policy used when a work order gives none.
func WithDefaultPolicy(policy ErrorPolicy) PlannerOption {
	return func(p *Planner) {
		if policy == PolicySkipDevice || policy == PolicyAbortRun {
			p.policy = policy
		}
	}
}

// WithIVPreset overrides the "iv" preset.
func WithIVPreset(preset IVPreset) PlannerOption {
	return func(p *Planner) {
		p.preset = preset
	}
}

// WithPlannerClock overrides the clock.
func WithPlannerClock(clock Clock) PlannerOption {
	return func(p *Planner) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// NewPlanner constructs a Planner.
func NewPlanner(masterdata measurement.MasterdataRepository, opts ...PlannerOption) (*Planner, error) {
	if masterdata == nil {
		return nil, errors.New("planner: nil masterdata repository")
	}
	descriptor, err := mppt.ParseDescriptor(DefaultMPPT)
	if err != nil {
		return nil, err
	}
	p := &Planner{
		masterdata:  masterdata,
		clock:       SystemClock{},
		descriptor:  descriptor,
		bounds:      mppt.Bounds{Min: -0.5, Max: 1.5},
		policy:      PolicySkipDevice,
		preset:      DefaultIVPreset(),
		defaultType: measurement.DeviceTypeSolarCell,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type slotBinding struct {
	slot      measurement.Slot
	substrate measurement.Substrate
	smu       measurement.SMU
	pixels    map[int]measurement.LayoutPixel
}

// Plan validates the order and resolves every item. It reads masterdata but never writes.
func (p *Planner) Plan(ctx context.Context, order WorkOrder) (*RunPlan, error) {
	if p == nil {
		return nil, errors.New("planner: nil")
	}
	operator := strings.TrimSpace(order.Operator)
	if operator == "" {
		return nil, measurement.ConfigurationErrorf("work order without operator")
	}
	if order.SetupID == "" {
		return nil, measurement.ConfigurationErrorf("work order without setup")
	}
	if _, err := p.masterdata.Setup(ctx, order.SetupID); err != nil {
		return nil, lookupError("setup", order.SetupID, err)
	}
	slots, err := p.masterdata.Slots(ctx, order.SetupID)
	if err != nil {
		return nil, lookupError("slots of setup", order.SetupID, err)
	}
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].Position < slots[j].Position })
	byDesignator := make(map[string]measurement.Slot, len(slots))
	for _, slot := range slots {
		byDesignator[strings.ToUpper(slot.Designator)] = slot
	}

	policy := order.OnInstrumentError
	switch policy {
	case "":
		policy = p.policy
	case PolicySkipDevice, PolicyAbortRun:
	default:
		return nil, measurement.ConfigurationErrorf("unknown instrument error policy %q", policy)
	}
	deviceType := p.defaultType
	switch order.DeviceType {
	case "":
	case string(measurement.DeviceTypeSolarCell), string(measurement.DeviceTypeLED):
		deviceType = measurement.DeviceType(order.DeviceType)
	default:
		return nil, measurement.ConfigurationErrorf("unknown device type %q", order.DeviceType)
	}
	if order.Area < 0 {
		return nil, measurement.ConfigurationErrorf("area override must not be negative")
	}
	light := true
	if order.Light != nil {
		light = *order.Light
	}
	cycles := order.Cycles
	if cycles < 0 {
		return nil, measurement.ConfigurationErrorf("cycles must not be negative")
	}
	if cycles == 0 {
		cycles = 1
	}

	run := measurement.Run{
		ID:          uuid.NewString(),
		Operator:    operator,
		Description: order.Description,
		SetupID:     order.SetupID,
		Params:      order.Params,
		Status:      measurement.RunStatusRunning,
		StartedAt:   p.clock.Now(),
	}
	plan := &RunPlan{Run: run, Policy: policy, SMUByID: make(map[string]measurement.SMU)}

	if len(order.Slots) == 0 {
		return nil, measurement.ConfigurationErrorf("work order without slot assignments")
	}
	bindings := make(map[string]*slotBinding, len(order.Slots))
	var substrateIDs []string
	for _, assignment := range order.Slots {
		designator := strings.ToUpper(strings.TrimSpace(assignment.Slot))
		slot, ok := byDesignator[designator]
		if !ok {
			return nil, measurement.ConfigurationErrorf("slot %q is not part of setup %s", assignment.Slot, order.SetupID)
		}
		if _, dup := bindings[designator]; dup {
			return nil, measurement.ConfigurationErrorf("slot %s assigned twice", designator)
		}
		substrate, err := p.masterdata.Substrate(ctx, assignment.SubstrateID)
		if err != nil {
			return nil, lookupError("substrate", assignment.SubstrateID, err)
		}
		if assignment.Label != "" && substrate.Label != assignment.Label {
			if err := substrate.AssignLabel(assignment.Label); err != nil {
				return nil, measurement.ConfigurationErrorf("%v", err)
			}
			plan.Labelled = append(plan.Labelled, *substrate)
		}
		smu, err := p.masterdata.SMU(ctx, assignment.SMUID)
		if err != nil {
			return nil, lookupError("smu", assignment.SMUID, err)
		}
		pixels, err := p.masterdata.Pixels(ctx, substrate.LayoutID)
		if err != nil {
			return nil, lookupError("layout", substrate.LayoutID, err)
		}
		byNumber := make(map[int]measurement.LayoutPixel, len(pixels))
		for _, px := range pixels {
			byNumber[px.Number] = px
		}
		bindings[designator] = &slotBinding{slot: slot, substrate: *substrate, smu: *smu, pixels: byNumber}
		plan.Substrates = append(plan.Substrates, measurement.SlotSubstrateMapping{RunID: run.ID, SlotID: slot.ID, SubstrateID: substrate.ID})
		plan.SMUs = append(plan.SMUs, measurement.SlotSMUMapping{RunID: run.ID, SlotID: slot.ID, SMUID: smu.ID})
		plan.SMUByID[smu.ID] = *smu
		substrateIDs = append(substrateIDs, substrate.ID)
	}
	if err := run.CheckCoverage(substrateIDs); err != nil {
		return nil, err
	}

	addrs, err := p.expandDevices(order.Devices, slots)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, measurement.ConfigurationErrorf("work order selects no devices")
	}

	specs := order.Events
	if len(specs) == 0 {
		if order.Preset != PresetIV {
			if order.Preset != "" {
				return nil, measurement.ConfigurationErrorf("unknown preset %q", order.Preset)
			}
			return nil, measurement.ConfigurationErrorf("work order without events")
		}
		specs = p.ivSpecs(deviceType)
	}

	type target struct {
		addr    measurement.DeviceAddress
		binding *slotBinding
		device  measurement.Device
		area    float64
	}
	targets := make([]target, 0, len(addrs))
	for _, addr := range addrs {
		binding, ok := bindings[addr.Slot]
		if !ok {
			return nil, measurement.ConfigurationErrorf("device %s: slot %s has no substrate in this run", addr, addr.Slot)
		}
		pixel, ok := binding.pixels[addr.Pixel]
		if !ok {
			return nil, measurement.ConfigurationErrorf("device %s: layout %s has no pixel %d", addr, binding.substrate.LayoutID, addr.Pixel)
		}
		if binding.slot.Pads > 0 && addr.Pixel > binding.slot.Pads {
			return nil, measurement.ConfigurationErrorf("device %s: slot %s has only %d pads", addr, addr.Slot, binding.slot.Pads)
		}
		device, err := p.masterdata.FindDevice(ctx, binding.substrate.ID, pixel.ID)
		switch {
		case errors.Is(err, measurement.ErrNotFound):
			device = &measurement.Device{
				ID:          uuid.NewString(),
				SubstrateID: binding.substrate.ID,
				PixelID:     pixel.ID,
				Type:        deviceType,
			}
			plan.NewDevices = append(plan.NewDevices, *device)
		case err != nil:
			return nil, err
		}
		area := device.EffectiveArea(pixel, light)
		// an order area applies to this run only; the device keeps its layout geometry
		if order.Area > 0 {
			area = order.Area
		}
		if area <= 0 {
			return nil, measurement.ConfigurationErrorf("device %s has no usable area", addr)
		}
		targets = append(targets, target{addr: addr, binding: binding, device: *device, area: area})
	}

	for cycle := 0; cycle < cycles; cycle++ {
		for _, t := range targets {
			for i, spec := range specs {
				item, err := p.item(run.ID, t.addr, t.device.ID, t.binding.smu, t.area, light, spec)
				if err != nil {
					return nil, measurement.ConfigurationErrorf("device %s event %d: %v", t.addr, i+1, stripConfiguration(err))
				}
				item.Cycle = cycle
				plan.Items = append(plan.Items, item)
			}
		}
	}
	return plan, nil
}

func (p *Planner) expandDevices(entries []string, slots []measurement.Slot) ([]measurement.DeviceAddress, error) {
	seen := make(map[measurement.DeviceAddress]struct{})
	var out []measurement.DeviceAddress
	add := func(addr measurement.DeviceAddress) {
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for _, entry := range entries {
		if !measurement.IsBitmask(entry) {
			addr, err := measurement.ParseDeviceAddress(entry)
			if err != nil {
				return nil, err
			}
			add(addr)
			continue
		}
		if len(slots) == 0 {
			return nil, measurement.ConfigurationErrorf("bitmask %q on a setup without slots", entry)
		}
		pads := slots[0].Pads
		designators := make([]string, 0, len(slots))
		for _, slot := range slots {
			if slot.Pads != pads {
				return nil, measurement.ConfigurationErrorf("bitmask %q needs equal pad counts per slot", entry)
			}
			designators = append(designators, slot.Designator)
		}
		addrs, err := measurement.ExpandBitmask(entry, designators, pads)
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			add(addr)
		}
	}
	return out, nil
}

func (p *Planner) item(runID string, addr measurement.DeviceAddress, deviceID string, smu measurement.SMU, area float64, light bool, spec EventSpec) (RunItem, error) {
	plan := EventPlan{
		RunID:    runID,
		DeviceID: deviceID,
		SMU:      smu,
		Address:  addr,
		Area:     area,
		Source:   measurement.SourceVoltage,
	}
	if spec.Source != "" {
		mode, err := measurement.ParseSourceMode(spec.Source)
		if err != nil {
			return RunItem{}, err
		}
		plan.Source = mode
	}
	duration := time.Duration(spec.DurationS * float64(time.Second))
	item := RunItem{}

	switch measurement.EventKind(strings.ToLower(spec.Kind)) {
	case measurement.EventKindSweep:
		direction := measurement.SweepForward
		switch spec.Direction {
		case "", string(measurement.SweepForward):
		case string(measurement.SweepReverse):
			direction = measurement.SweepReverse
		default:
			return RunItem{}, measurement.ConfigurationErrorf("unknown sweep direction %q", spec.Direction)
		}
		if spec.StepDelayMS < 0 {
			return RunItem{}, measurement.ConfigurationErrorf("step delay must not be negative")
		}
		plan.Payload = measurement.SweepPayload{
			Low:       spec.Low,
			High:      spec.High,
			Points:    spec.Points,
			Direction: direction,
			Light:     light,
			StepDelay: time.Duration(spec.StepDelayMS) * time.Millisecond,
		}
	case measurement.EventKindSteadyState:
		plan.Payload = measurement.SteadyStatePayload{Setpoint: spec.Setpoint, Duration: duration}
	case measurement.EventKindMPPT:
		descriptor := p.descriptor
		if spec.Algorithm != "" {
			d, err := mppt.ParseDescriptor(spec.Algorithm)
			if err != nil {
				return RunItem{}, err
			}
			descriptor = d
		}
		bounds := p.bounds
		if spec.High > spec.Low {
			bounds = mppt.Bounds{Min: spec.Low, Max: spec.High}
		}
		if spec.Cycles < 0 {
			return RunItem{}, measurement.ConfigurationErrorf("mppt cycles must not be negative")
		}
		payload := measurement.MPPTPayload{Duration: duration, Cycles: spec.Cycles}
		if spec.Center != nil {
			payload.Center = *spec.Center
		} else {
			item.CenterFromSteadyState = true
		}
		plan.Payload = payload
		plan.Tracker = descriptor
		plan.Bounds = bounds
		plan.Source = measurement.SourceVoltage
	default:
		return RunItem{}, measurement.ConfigurationErrorf("unknown event kind %q", spec.Kind)
	}
	if err := plan.Validate(); err != nil {
		return RunItem{}, err
	}
	item.Plan = plan
	return item, nil
}

// ivSpecs is Voc dwell, forward and reverse sweeps, MPPT, then Isc dwell.
// LEDs skip the tracking and dwell steps.
func (p *Planner) ivSpecs(deviceType measurement.DeviceType) []EventSpec {
	pr := p.preset
	sweep := func(direction measurement.SweepDirection) EventSpec {
		return EventSpec{
			Kind:      string(measurement.EventKindSweep),
			Source:    string(measurement.SourceVoltage),
			Low:       pr.SweepLow,
			High:      pr.SweepHigh,
			Points:    pr.SweepPoints,
			Direction: string(direction),
		}
	}
	if deviceType == measurement.DeviceTypeLED {
		return []EventSpec{sweep(measurement.SweepForward), sweep(measurement.SweepReverse)}
	}
	return []EventSpec{
		{Kind: string(measurement.EventKindSteadyState), Source: string(measurement.SourceCurrent), Setpoint: 0, DurationS: pr.SteadyState.Seconds()},
		sweep(measurement.SweepForward),
		sweep(measurement.SweepReverse),
		{Kind: string(measurement.EventKindMPPT), DurationS: pr.MPPT.Seconds()},
		{Kind: string(measurement.EventKindSteadyState), Source: string(measurement.SourceVoltage), Setpoint: 0, DurationS: pr.SteadyState.Seconds()},
	}
}

func lookupError(what, id string, err error) error {
	if errors.Is(err, measurement.ErrNotFound) {
		return measurement.ConfigurationErrorf("%s %q not found", what, id)
	}
	return err
}

func stripConfiguration(err error) string {
	return strings.TrimPrefix(err.Error(), measurement.ErrConfiguration.Error()+": ")
}
