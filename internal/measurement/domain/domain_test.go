package measurement

import (
	"errors"
	"math"
	"testing"
)

func TestParseDeviceAddress(t *testing.T) {
	addr, err := ParseDeviceAddress("b12")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.Slot != "B" || addr.Pixel != 12 || addr.String() != "B12" {
		t.Fatalf("unexpected address %+v", addr)
	}
	for _, bad := range []string{"", "12", "A", "A0", "Ä1", "A1x"} {
		if _, err := ParseDeviceAddress(bad); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%q: expected configuration error, got %v", bad, err)
		}
	}
}

func TestExpandBitmask(t *testing.T) {
	// slot A pixels 1 and 3, slot B pixel 2
	addrs, err := ExpandBitmask("0x25", []string{"A", "B"}, 4)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	want := []DeviceAddress{{Slot: "A", Pixel: 1}, {Slot: "A", Pixel: 3}, {Slot: "B", Pixel: 2}}
	if len(addrs) != len(want) {
		t.Fatalf("expected %v, got %v", want, addrs)
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, addrs)
		}
	}
	if _, err := ExpandBitmask("0x100", []string{"A", "B"}, 4); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected out-of-range mask to fail, got %v", err)
	}
	if _, err := ExpandBitmask("0xZZ", []string{"A"}, 8); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected non-hex mask to fail, got %v", err)
	}
}

func TestCheckRanges(t *testing.T) {
	ok := []EventHeader{
		{ID: "e1", SMUID: "s1", FirstSeq: 1, Count: 3, Status: EventStatusClosed},
		{ID: "e2", SMUID: "s1", FirstSeq: 4, Count: 0, Status: EventStatusAborted},
		{ID: "e3", SMUID: "s1", FirstSeq: 4, Count: 5, Status: EventStatusClosed},
		{ID: "e4", SMUID: "s2", FirstSeq: 1, Count: 2, Status: EventStatusClosed},
	}
	if err := CheckRanges(ok); err != nil {
		t.Fatalf("expected valid ranges, got %v", err)
	}

	overlap := []EventHeader{
		{ID: "e1", SMUID: "s1", FirstSeq: 1, Count: 3, Status: EventStatusClosed},
		{ID: "e2", SMUID: "s1", FirstSeq: 3, Count: 2, Status: EventStatusClosed},
	}
	if err := CheckRanges(overlap); !errors.Is(err, ErrAttribution) {
		t.Fatalf("expected overlap error, got %v", err)
	}

	gap := []EventHeader{
		{ID: "e1", SMUID: "s1", FirstSeq: 1, Count: 3, Status: EventStatusClosed},
		{ID: "e2", SMUID: "s1", FirstSeq: 6, Count: 2, Status: EventStatusClosed},
	}
	if err := CheckRanges(gap); !errors.Is(err, ErrAttribution) {
		t.Fatalf("expected gap error, got %v", err)
	}
}

func TestRunCheckCoverage(t *testing.T) {
	run := Run{Params: RunParameters{"anneal_c": {"sub-1": "100", "sub-2": "120"}}}
	if err := run.CheckCoverage([]string{"sub-1", "sub-2"}); err != nil {
		t.Fatalf("expected coverage, got %v", err)
	}
	if err := run.CheckCoverage([]string{"sub-1", "sub-3"}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSubstrateAssignLabelOnce(t *testing.T) {
	s := &Substrate{ID: "sub-1"}
	if err := s.AssignLabel("QX-7"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.AssignLabel("QX-7"); err != nil {
		t.Fatalf("reassigning the same label should be a no-op: %v", err)
	}
	if err := s.AssignLabel("QX-8"); !errors.Is(err, ErrLabelAssigned) {
		t.Fatalf("expected ErrLabelAssigned, got %v", err)
	}
}

func TestDeviceEffectiveArea(t *testing.T) {
	pixel := LayoutPixel{LightArea: 0.15, DarkArea: 0.2}
	if got := (Device{}).EffectiveArea(pixel, true); got != 0.15 {
		t.Fatalf("expected light area, got %v", got)
	}
	if got := (Device{}).EffectiveArea(pixel, false); got != 0.2 {
		t.Fatalf("expected dark area, got %v", got)
	}
	if got := (Device{AreaOverride: 1}).EffectiveArea(pixel, true); got != 1 {
		t.Fatalf("expected override, got %v", got)
	}
}

func TestSummarizeSweep(t *testing.T) {
	// linear cell: I = 2 - 2V, Isc 2, Voc 1, Pmax 0.5 at 0.5
	var samples []RawSample
	for k := 0; k <= 10; k++ {
		v := -0.2 + 0.15*float64(k)
		samples = append(samples, RawSample{Seq: int64(k + 1), Voltage: v, Current: 2 - 2*v})
	}
	s := SummarizeSweep(samples)
	if math.Abs(s.Voc-1) > 1e-9 {
		t.Fatalf("expected Voc 1, got %v", s.Voc)
	}
	if math.Abs(s.Isc-2) > 1e-9 {
		t.Fatalf("expected Isc 2, got %v", s.Isc)
	}
	if math.Abs(s.Vmpp-0.55) > 1e-9 {
		t.Fatalf("expected Vmpp 0.55 on this grid, got %v", s.Vmpp)
	}
	if empty := SummarizeSweep(nil); !math.IsNaN(empty.Pmax) {
		t.Fatalf("expected NaN Pmax for empty sweep")
	}
}

func TestStatusWord(t *testing.T) {
	s := NewStatusWord(SourceVoltage, true)
	if !s.Compliance() {
		t.Fatalf("expected compliance bit")
	}
	if mode, ok := s.Source(); !ok || mode != SourceVoltage {
		t.Fatalf("expected voltage source, got %v %v", mode, ok)
	}
}

func TestInstrumentErrorIs(t *testing.T) {
	cause := errors.New("timeout")
	err := error(&InstrumentError{SMU: "smu-1", EventID: "ev-1", Samples: 3, Err: cause})
	if !errors.Is(err, ErrInstrument) {
		t.Fatalf("expected ErrInstrument")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
	var ie *InstrumentError
	if !errors.As(err, &ie) || ie.Samples != 3 {
		t.Fatalf("expected InstrumentError with 3 samples")
	}
}

func TestEventSweepPayloadForms(t *testing.T) {
	value := Event{Payload: SweepPayload{Points: 11}}
	if sweep, ok := value.Sweep(); !ok || sweep.Points != 11 {
		t.Fatalf("expected value payload, got %+v %v", sweep, ok)
	}
	pointer := Event{Payload: &SweepPayload{Points: 21}}
	if sweep, ok := pointer.Sweep(); !ok || sweep.Points != 21 {
		t.Fatalf("expected pointer payload, got %+v %v", sweep, ok)
	}
	var typedNil *SweepPayload
	if _, ok := (Event{Payload: typedNil}).Sweep(); ok {
		t.Fatalf("expected typed nil payload to report no sweep")
	}
	if _, ok := (Event{Payload: SteadyStatePayload{Setpoint: 0.5}}).Sweep(); ok {
		t.Fatalf("expected steady state payload to report no sweep")
	}
}
